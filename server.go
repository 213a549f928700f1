package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server hosts the server side of MCP sessions. Over stdio it runs a single engine; over
// streamable HTTP it runs one engine per client session. Handlers registered on the Server
// are registered on every engine it creates.
//
// Instances must be created with NewServer.
type Server struct {
	config       HostConfig
	capabilities ServerCapabilities
	instructions string
	logger       *slog.Logger

	engineOptions []EngineOption
	httpOptions   []StreamableHTTPServerOption

	stdin     io.Reader
	stdout    io.Writer
	transport Transport

	requestHandlers      map[string]RequestHandler
	notificationHandlers map[string]NotificationHandler

	onClientConnected    func(string, Info)
	onClientDisconnected func(string)

	httpServer *StreamableHTTPServer
	mux        *http.ServeMux
	listener   *http.Server

	mu       sync.Mutex
	started  bool
	stopped  bool
	engines  map[string]*Engine
	sessions sync.WaitGroup
}

const serverShutdownTimeout = 5 * time.Second

// WithServerLogger sets the logger for the server and the engines it creates.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger == nil {
			return
		}
		s.logger = logger.With(
			slog.String("package", "go-mcp-engine"),
			slog.String("component", "server"),
		)
	}
}

// WithServerCapabilities declares the server's capabilities.
func WithServerCapabilities(caps ServerCapabilities) ServerOption {
	return func(s *Server) {
		s.capabilities = caps
	}
}

// WithServerInstructions sets the instructions returned from initialize.
func WithServerInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerEngineOptions appends options applied to every engine the server creates.
func WithServerEngineOptions(options ...EngineOption) ServerOption {
	return func(s *Server) {
		s.engineOptions = append(s.engineOptions, options...)
	}
}

// WithServerHTTPOptions appends options of the streamable HTTP transport.
func WithServerHTTPOptions(options ...StreamableHTTPServerOption) ServerOption {
	return func(s *Server) {
		s.httpOptions = append(s.httpOptions, options...)
	}
}

// WithServerStdIO sets the streams of a stdio server. os.Stdin and os.Stdout are used by
// default.
func WithServerStdIO(in io.Reader, out io.Writer) ServerOption {
	return func(s *Server) {
		s.stdin = in
		s.stdout = out
	}
}

// WithServerTransport makes the server run a single engine over transport, ignoring the
// configured transport kind.
func WithServerTransport(transport Transport) ServerOption {
	return func(s *Server) {
		s.transport = transport
	}
}

// WithServerOnClientConnected sets the callback for when a client completed the handshake.
// The callback's parameters are the session ID and the Info of the client.
func WithServerOnClientConnected(onClientConnected func(string, Info)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets the callback for when a connected client's session
// ended. The callback's parameter is the session ID.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// NewServer creates a server host from config.
func NewServer(config HostConfig, options ...ServerOption) *Server {
	s := &Server{
		config:               config,
		logger:               slog.Default(),
		stdin:                os.Stdin,
		stdout:               os.Stdout,
		requestHandlers:      make(map[string]RequestHandler),
		notificationHandlers: make(map[string]NotificationHandler),
		engines:              make(map[string]*Engine),
	}
	for _, opt := range options {
		opt(s)
	}

	if s.transport == nil && config.Transport == TransportStreamableHTTP {
		httpOpts := append([]StreamableHTTPServerOption{WithStreamableHTTPServerLogger(s.logger)}, s.httpOptions...)
		s.httpServer = NewStreamableHTTPServer(s.startHTTPSession, httpOpts...)
		s.mux = http.NewServeMux()
		s.mux.Handle(config.endpoint(), s.httpServer)
	}
	return s
}

// HandleRequest registers handler for method on every engine of the server. It must be
// called before Start.
func (s *Server) HandleRequest(method string, handler RequestHandler) {
	s.requestHandlers[method] = handler
}

// HandleNotification registers handler for method on every engine of the server. It must be
// called before Start.
func (s *Server) HandleNotification(method string, handler NotificationHandler) {
	s.notificationHandlers[method] = handler
}

// Handler returns the http.Handler serving the MCP endpoint of a streamable HTTP server, or
// nil for other transports.
func (s *Server) Handler() http.Handler {
	if s.mux == nil {
		return nil
	}
	return s.mux
}

// Start starts serving. A stdio server starts its engine and returns once the handshake has
// begun. An HTTP server accepts sessions from now on and, when HTTPAddr is set, starts
// listening. Starting a started server is a no-op.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		s.logger.Warn("server already started")
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if s.httpServer == nil {
		transport := s.transport
		if transport == nil {
			transport = NewStdIO(s.stdin, s.stdout, WithStdIOLogger(s.logger))
		}
		return s.startEngine(ctx, transport, "")
	}

	if s.config.HTTPAddr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", s.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.HTTPAddr, err)
	}
	s.listener = &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.listener.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", "err", err)
		}
	}()
	s.logger.Info("serving streamable HTTP", slog.String("addr", ln.Addr().String()),
		slog.String("endpoint", s.config.endpoint()))
	return nil
}

// Stop closes every session, resolving their outstanding requests, and stops listening.
// Stopping a server that was never started is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		s.logger.Warn("server not started")
		return nil
	}
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	engines := make([]*Engine, 0, len(s.engines))
	for _, e := range s.engines {
		engines = append(engines, e)
	}
	s.mu.Unlock()

	var errs []error
	// Ending the sessions first releases their open SSE streams, so Shutdown does not wait
	// for them.
	if s.httpServer != nil {
		s.httpServer.Close()
	}
	if s.listener != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, serverShutdownTimeout)
		if err := s.listener.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown http server: %w", err))
		}
		cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range engines {
		g.Go(func() error {
			return e.Stop(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop sessions: %w", err))
	}

	waited := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

// Sessions returns the engines of the currently open sessions.
func (s *Server) Sessions() []*Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	engines := make([]*Engine, 0, len(s.engines))
	for _, e := range s.engines {
		engines = append(engines, e)
	}
	return engines
}

func (s *Server) startHTTPSession(sess *StreamableHTTPSession) error {
	s.mu.Lock()
	accepting := s.started && !s.stopped
	s.mu.Unlock()
	if !accepting {
		return errors.New("server is not running")
	}
	return s.startEngine(context.Background(), sess, sess.ID())
}

func (s *Server) startEngine(ctx context.Context, transport Transport, id string) error {
	opts := append(s.config.engineOptions(),
		WithEngineLogger(s.logger),
		WithEngineServerCapabilities(s.capabilities),
		WithEngineInstructions(s.instructions),
		WithEngineID(id),
	)
	opts = append(opts, s.engineOptions...)
	e := NewEngine(RoleServer, transport, opts...)

	for method, h := range s.requestHandlers {
		e.RegisterRequestHandler(method, h)
	}
	for method, h := range s.notificationHandlers {
		e.RegisterNotificationHandler(method, h)
	}

	s.mu.Lock()
	s.engines[e.ID()] = e
	s.mu.Unlock()

	s.sessions.Add(1)
	go s.watchEngine(e)

	if err := e.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	return nil
}

func (s *Server) watchEngine(e *Engine) {
	defer s.sessions.Done()

	select {
	case <-e.Ready():
	case <-e.Done():
	}

	connected := false
	select {
	case <-e.Ready():
		connected = true
		s.logger.Info("client connected", slog.String("session", e.ID()), slog.String("client", e.PeerInfo().Name))
		if s.onClientConnected != nil {
			s.onClientConnected(e.ID(), e.PeerInfo())
		}
	default:
	}

	<-e.Done()

	s.mu.Lock()
	delete(s.engines, e.ID())
	s.mu.Unlock()

	if !connected {
		if err := e.Err(); err != nil {
			s.logger.Warn("session failed before handshake completed", slog.String("session", e.ID()), "err", err)
		}
		return
	}
	s.logger.Info("client disconnected", slog.String("session", e.ID()))
	if s.onClientDisconnected != nil {
		s.onClientDisconnected(e.ID())
	}
}
