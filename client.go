package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// ClientOption represents the options for the client.
type ClientOption func(*Client)

// Client hosts the client side of one MCP session. Start constructs the configured transport,
// spawning the server process when HostConfig.Command is set, and runs a client engine over
// it.
//
// A Client must be created using NewClient. Requests can be sent once WaitReady returned
// without error, and the client should be stopped with Stop when it's no longer needed.
type Client struct {
	config       HostConfig
	capabilities ClientCapabilities
	logger       *slog.Logger

	engineOptions []EngineOption
	httpOptions   []StreamableHTTPClientOption
	stdioOptions  []StdIOOption

	stdin     io.Reader
	stdout    io.Writer
	transport Transport

	requestHandlers      map[string]RequestHandler
	notificationHandlers map[string]NotificationHandler

	mu      sync.Mutex
	started bool
	engine  *Engine
}

// WithClientLogger sets the logger for the client and its engine.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger == nil {
			return
		}
		c.logger = logger.With(
			slog.String("package", "go-mcp-engine"),
			slog.String("component", "client"),
		)
	}
}

// WithClientCapabilities declares the client's capabilities.
func WithClientCapabilities(caps ClientCapabilities) ClientOption {
	return func(c *Client) {
		c.capabilities = caps
	}
}

// WithClientEngineOptions appends options applied to the client's engine.
func WithClientEngineOptions(options ...EngineOption) ClientOption {
	return func(c *Client) {
		c.engineOptions = append(c.engineOptions, options...)
	}
}

// WithClientHTTPOptions appends options of the streamable HTTP transport.
func WithClientHTTPOptions(options ...StreamableHTTPClientOption) ClientOption {
	return func(c *Client) {
		c.httpOptions = append(c.httpOptions, options...)
	}
}

// WithClientStdIOOptions appends options of the stdio transport.
func WithClientStdIOOptions(options ...StdIOOption) ClientOption {
	return func(c *Client) {
		c.stdioOptions = append(c.stdioOptions, options...)
	}
}

// WithClientStdIO sets the streams of a stdio client that does not spawn its server. The
// client reads the server's messages from in and writes its own to out. os.Stdin and
// os.Stdout are used by default.
func WithClientStdIO(in io.Reader, out io.Writer) ClientOption {
	return func(c *Client) {
		c.stdin = in
		c.stdout = out
	}
}

// WithClientTransport makes the client run over transport, ignoring the configured transport
// kind.
func WithClientTransport(transport Transport) ClientOption {
	return func(c *Client) {
		c.transport = transport
	}
}

// NewClient creates a client host from config.
func NewClient(config HostConfig, options ...ClientOption) *Client {
	c := &Client{
		config:               config,
		logger:               slog.Default(),
		stdin:                os.Stdin,
		stdout:               os.Stdout,
		requestHandlers:      make(map[string]RequestHandler),
		notificationHandlers: make(map[string]NotificationHandler),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// HandleRequest registers handler for requests the server sends to this client, e.g.
// roots/list. It must be called before Start.
func (c *Client) HandleRequest(method string, handler RequestHandler) {
	c.requestHandlers[method] = handler
}

// HandleNotification registers handler for notifications the server sends to this client. It
// must be called before Start.
func (c *Client) HandleNotification(method string, handler NotificationHandler) {
	c.notificationHandlers[method] = handler
}

// Start connects to the server and begins the handshake. It returns once the handshake has
// begun; use WaitReady to wait for its completion. Starting a started client is a no-op. A
// client whose Start failed may be started again.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		c.logger.Warn("client already started")
		return nil
	}
	c.started = true
	c.mu.Unlock()

	transport, err := c.newTransport()
	if err != nil {
		c.reset()
		return err
	}

	opts := append(c.config.engineOptions(),
		WithEngineLogger(c.logger),
		WithEngineClientCapabilities(c.capabilities),
	)
	opts = append(opts, c.engineOptions...)
	e := NewEngine(RoleClient, transport, opts...)
	for method, h := range c.requestHandlers {
		e.RegisterRequestHandler(method, h)
	}
	for method, h := range c.notificationHandlers {
		e.RegisterNotificationHandler(method, h)
	}

	c.mu.Lock()
	c.engine = e
	c.mu.Unlock()

	if err := e.Start(ctx); err != nil {
		c.reset()
		return fmt.Errorf("failed to start client: %w", err)
	}
	return nil
}

// reset undoes a failed Start so the client can be started again.
func (c *Client) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = false
	c.engine = nil
}

// WaitReady blocks until the handshake completed, the session ended, or ctx is done.
func (c *Client) WaitReady(ctx context.Context) error {
	e := c.Engine()
	if e == nil {
		return ErrNotReady
	}
	return e.WaitReady(ctx)
}

// Stop closes the session, resolving every outstanding request with ErrConnectionClosed.
// Stopping a client that was never started is a no-op.
func (c *Client) Stop(ctx context.Context) error {
	e := c.Engine()
	if e == nil {
		c.logger.Warn("client not started")
		return nil
	}
	return e.Stop(ctx)
}

// Engine returns the engine of the session, or nil before Start.
func (c *Client) Engine() *Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine
}

// ServerInfo returns the implementation info of the connected server.
func (c *Client) ServerInfo() Info {
	if e := c.Engine(); e != nil {
		return e.PeerInfo()
	}
	return Info{}
}

// ServerCapabilities returns the capabilities the connected server declared.
func (c *Client) ServerCapabilities() ServerCapabilities {
	if e := c.Engine(); e != nil {
		return e.ServerCapabilities()
	}
	return ServerCapabilities{}
}

// SendRequest sends a request to the server and waits for its response. See
// Engine.SendRequest.
func (c *Client) SendRequest(
	ctx context.Context,
	method string,
	params any,
	options ...RequestOption,
) (json.RawMessage, error) {
	e := c.Engine()
	if e == nil {
		return nil, ErrNotReady
	}
	return e.SendRequest(ctx, method, params, options...)
}

// SendNotification sends a notification to the server.
func (c *Client) SendNotification(ctx context.Context, method string, params any) error {
	e := c.Engine()
	if e == nil {
		return ErrNotReady
	}
	return e.SendNotification(ctx, method, params)
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	e := c.Engine()
	if e == nil {
		return ErrNotReady
	}
	if err := e.checkReady(); err != nil {
		return err
	}
	return e.Ping(ctx)
}

func (c *Client) newTransport() (Transport, error) {
	if c.transport != nil {
		return c.transport, nil
	}

	switch c.config.Transport {
	case TransportStreamableHTTP:
		if c.config.ServerURL == "" {
			return nil, errors.New("server URL is required for the streamable HTTP transport")
		}
		opts := []StreamableHTTPClientOption{WithStreamableHTTPClientLogger(c.logger)}
		if c.config.BearerToken != "" {
			opts = append(opts, WithBearerToken(c.config.BearerToken))
		}
		return NewStreamableHTTPClient(c.config.ServerURL, append(opts, c.httpOptions...)...), nil
	case TransportStdIO, "":
		opts := append([]StdIOOption{WithStdIOLogger(c.logger)}, c.stdioOptions...)
		if c.config.Command != "" {
			return NewStdIOCommand(c.config.Command, c.config.Args, opts...), nil
		}
		return NewStdIO(c.stdin, c.stdout, opts...), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", c.config.Transport)
	}
}
