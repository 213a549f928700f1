package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MegaGrindStone/go-mcp-engine/internal/logctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Engine drives one MCP connection over a Transport. It performs the initialize handshake,
// correlates outbound requests with their responses, and dispatches inbound requests and
// notifications to registered handlers.
//
// An Engine is single-use: once it reaches StateDisconnected it cannot be started again.
// Instances must be created with NewEngine.
type Engine struct {
	role      Role
	transport Transport
	id        string

	logger *slog.Logger
	tracer trace.Tracer
	logCtx context.Context

	info               Info
	serverCapabilities ServerCapabilities
	clientCapabilities ClientCapabilities
	instructions       string
	requiredPeerCaps   []string

	supportedVersions []ProtocolVersion
	preferredVersion  ProtocolVersion

	handshakeTimeout     time.Duration
	requestTimeout       time.Duration
	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingFailureThreshold int

	errorHandler func(error)

	handlersMu           sync.RWMutex
	requestHandlers      map[string]RequestHandler
	notificationHandlers map[string]NotificationHandler

	state   atomic.Int32
	started atomic.Bool
	nextID  atomic.Int64

	// mu guards everything below it.
	mu              sync.Mutex
	closed          bool
	err             error
	pending         map[RequestID]*pendingRequest
	inflight        map[RequestID]context.CancelFunc
	peerInfo        Info
	protocolVersion ProtocolVersion
	initializeSeen  bool
	handshakeTimer  *time.Timer

	baseCtx    context.Context
	baseCancel context.CancelFunc

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// Role selects which side of the handshake an Engine plays.
type Role int

// State is a lifecycle state of an Engine.
type State int32

// RequestHandler handles one inbound request. The returned result is marshaled to JSON; a
// json.RawMessage is sent as is and a nil result is sent as an empty object. A returned
// *JSONRPCError is sent unchanged, any other error is sent as an internal error.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationHandler handles one inbound notification. Notification handlers run one at a
// time in the order the notifications were received, so they must not block on SendRequest.
type NotificationHandler func(ctx context.Context, params json.RawMessage)

// RequestOption configures a single SendRequest call.
type RequestOption func(*requestOptions)

type requestOptions struct {
	timeout  time.Duration
	progress func(ProgressParams)
}

type pendingRequest struct {
	id       RequestID
	method   string
	issuedAt time.Time
	progress func(ProgressParams)
	done     chan pendingResult
}

type pendingResult struct {
	result json.RawMessage
	err    error
}

type requestIDContextKey struct{}

type engineContextKey struct{}

const (
	// RoleClient sends initialize and waits for the server's answer.
	RoleClient Role = iota
	// RoleServer answers initialize.
	RoleServer
)

// Engine lifecycle states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateReady
	StateClosing
)

const (
	defaultHandshakeTimeout     = 30 * time.Second
	defaultRequestTimeout       = 30 * time.Second
	defaultPingFailureThreshold = 3
	cancelNotificationTimeout   = 5 * time.Second
)

var errPeerDisconnected = fmt.Errorf("%w: peer disconnected", ErrConnectionClosed)

// WithEngineLogger sets the logger of the engine. Records logged with a context carry the
// session and message being processed.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEngineTracerProvider sets the OpenTelemetry tracer provider used for request spans.
// The global provider is used by default.
func WithEngineTracerProvider(tp trace.TracerProvider) EngineOption {
	return func(e *Engine) {
		e.tracer = newTracer(tp)
	}
}

// WithEngineID sets the identifier used in logs and spans. A random UUID is used by default.
func WithEngineID(id string) EngineOption {
	return func(e *Engine) {
		if id != "" {
			e.id = id
		}
	}
}

// WithEngineInfo sets the implementation info announced during the handshake.
func WithEngineInfo(info Info) EngineOption {
	return func(e *Engine) {
		e.info = info
	}
}

// WithEngineServerCapabilities sets the capabilities a server-role engine declares.
func WithEngineServerCapabilities(caps ServerCapabilities) EngineOption {
	return func(e *Engine) {
		e.serverCapabilities = caps
	}
}

// WithEngineClientCapabilities sets the capabilities a client-role engine declares.
func WithEngineClientCapabilities(caps ClientCapabilities) EngineOption {
	return func(e *Engine) {
		e.clientCapabilities = caps
	}
}

// WithEngineInstructions sets the instructions a server-role engine returns from initialize.
func WithEngineInstructions(instructions string) EngineOption {
	return func(e *Engine) {
		e.instructions = instructions
	}
}

// WithRequiredPeerCapabilities makes the handshake fail unless the peer declares every named
// capability, as reported by ServerCapabilities.Names or ClientCapabilities.Names.
func WithRequiredPeerCapabilities(names ...string) EngineOption {
	return func(e *Engine) {
		e.requiredPeerCaps = append(e.requiredPeerCaps, names...)
	}
}

// WithSupportedProtocolVersions sets the protocol revisions the engine accepts. All known
// revisions are accepted by default.
func WithSupportedProtocolVersions(versions ...ProtocolVersion) EngineOption {
	return func(e *Engine) {
		if len(versions) > 0 {
			e.supportedVersions = slices.Clone(versions)
		}
	}
}

// WithPreferredProtocolVersion sets the revision a client-role engine requests. It defaults
// to the highest supported revision.
func WithPreferredProtocolVersion(version ProtocolVersion) EngineOption {
	return func(e *Engine) {
		e.preferredVersion = version
	}
}

// WithHandshakeTimeout bounds the initialize exchange.
func WithHandshakeTimeout(timeout time.Duration) EngineOption {
	return func(e *Engine) {
		if timeout > 0 {
			e.handshakeTimeout = timeout
		}
	}
}

// WithRequestTimeout sets the default bound of SendRequest. Zero or a negative value disables
// the bound, leaving only the caller's context.
func WithRequestTimeout(timeout time.Duration) EngineOption {
	return func(e *Engine) {
		e.requestTimeout = timeout
	}
}

// WithKeepAlive makes the engine ping its peer every interval once Ready, and close the
// connection after more than threshold consecutive pings failed.
func WithKeepAlive(interval, timeout time.Duration, threshold int) EngineOption {
	return func(e *Engine) {
		e.pingInterval = interval
		e.pingTimeout = timeout
		if threshold > 0 {
			e.pingFailureThreshold = threshold
		}
	}
}

// WithErrorHandler sets a callback for errors that have no caller to be returned to:
// transport errors, malformed inbound messages and protocol violations.
func WithErrorHandler(fn func(error)) EngineOption {
	return func(e *Engine) {
		e.errorHandler = fn
	}
}

// WithTimeout overrides the engine's default request timeout for one call. Zero or a negative
// value disables the bound.
func WithTimeout(timeout time.Duration) RequestOption {
	return func(o *requestOptions) {
		o.timeout = timeout
	}
}

// WithProgressHandler asks the peer for progress updates and delivers them to fn. The request
// id is used as the progress token. fn runs on the engine's inbound path and must not block.
func WithProgressHandler(fn func(ProgressParams)) RequestOption {
	return func(o *requestOptions) {
		o.progress = fn
	}
}

// NewEngine creates an engine that plays role over transport. The engine takes ownership of
// the transport's callbacks.
func NewEngine(role Role, transport Transport, options ...EngineOption) *Engine {
	e := &Engine{
		role:                 role,
		transport:            transport,
		id:                   uuid.New().String(),
		logger:               slog.Default(),
		tracer:               newTracer(nil),
		supportedVersions:    SupportedProtocolVersions(),
		handshakeTimeout:     defaultHandshakeTimeout,
		requestTimeout:       defaultRequestTimeout,
		pingFailureThreshold: defaultPingFailureThreshold,
		requestHandlers:      make(map[string]RequestHandler),
		notificationHandlers: make(map[string]NotificationHandler),
		pending:              make(map[RequestID]*pendingRequest),
		inflight:             make(map[RequestID]context.CancelFunc),
		ready:                make(chan struct{}),
		done:                 make(chan struct{}),
	}
	for _, opt := range options {
		opt(e)
	}

	if e.preferredVersion == "" {
		e.preferredVersion = slices.Max(e.supportedVersions)
	} else if !slices.Contains(e.supportedVersions, e.preferredVersion) {
		e.supportedVersions = append(e.supportedVersions, e.preferredVersion)
	}
	if e.pingTimeout <= 0 {
		e.pingTimeout = e.pingInterval
	}

	e.logger = logctx.Wrap(e.logger)
	e.logCtx = logctx.WithSessionData(context.Background(), &logctx.SessionData{
		SessionID: e.id,
		Role:      e.role.String(),
	})
	e.baseCtx, e.baseCancel = context.WithCancel(context.WithValue(e.logCtx, engineContextKey{}, e))

	e.requestHandlers[MethodPing] = func(context.Context, json.RawMessage) (any, error) {
		return emptyObject, nil
	}

	return e
}

// EngineFromContext returns the engine that is handling the current inbound message, or nil.
func EngineFromContext(ctx context.Context) *Engine {
	e, _ := ctx.Value(engineContextKey{}).(*Engine)
	return e
}

// RequestIDFromContext returns the id of the inbound request being handled.
func RequestIDFromContext(ctx context.Context) (RequestID, bool) {
	id, ok := ctx.Value(requestIDContextKey{}).(RequestID)
	return id, ok
}

// Start connects the transport and begins the handshake. It returns once the handshake has
// begun, without waiting for it to finish; use WaitReady for that. Starting an engine twice is
// a no-op.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		e.logger.WarnContext(e.logCtx, "engine already started")
		return nil
	}
	if e.transport == nil {
		err := errors.New("engine has no transport")
		e.shutdown(err)
		return err
	}

	e.state.Store(int32(StateConnecting))
	e.transport.SetCallbacks(TransportCallbacks{
		OnConnect:    e.onConnect,
		OnDisconnect: e.onDisconnect,
		OnError:      e.reportError,
		OnMessage:    e.handleMessage,
	})

	if err := e.transport.Connect(ctx); err != nil {
		e.shutdown(err)
		return fmt.Errorf("failed to connect transport: %w", err)
	}
	e.beginHandshake()
	return nil
}

// Stop closes the connection. Every outstanding SendRequest returns ErrConnectionClosed and
// every running request handler's context is canceled. Stop waits until the engine reached
// StateDisconnected or ctx is done. Stopping an engine that was never started is a no-op.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.started.Load() {
		e.logger.WarnContext(e.logCtx, "engine not started")
		return nil
	}
	go e.shutdown(nil)

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitReady blocks until the handshake completed. It returns the reason when the engine
// closed before becoming ready.
func (e *Engine) WaitReady(ctx context.Context) error {
	select {
	case <-e.ready:
		return nil
	case <-e.done:
		select {
		case <-e.ready:
			return nil
		default:
		}
		if err := e.Err(); err != nil {
			return err
		}
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready returns a channel that is closed once the handshake completed.
func (e *Engine) Ready() <-chan struct{} { return e.ready }

// Done returns a channel that is closed once the engine reached StateDisconnected.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Err returns the reason the engine closed: nil after Stop, otherwise the handshake failure,
// connect failure, or peer disconnect.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// State returns the current lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

// ID returns the identifier of the engine, which is the session id for HTTP sessions.
func (e *Engine) ID() string { return e.id }

// Role returns the role of the engine.
func (e *Engine) Role() Role { return e.role }

// Info returns the implementation info this engine announces.
func (e *Engine) Info() Info { return e.info }

// PeerInfo returns the implementation info the peer announced during the handshake.
func (e *Engine) PeerInfo() Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peerInfo
}

// ProtocolVersion returns the negotiated protocol revision, or "" before the handshake.
func (e *Engine) ProtocolVersion() ProtocolVersion {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.protocolVersion
}

// ServerCapabilities returns the server's capabilities: this engine's own for a server, the
// peer's for a client once the handshake completed.
func (e *Engine) ServerCapabilities() ServerCapabilities {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.serverCapabilities
}

// ClientCapabilities returns the client's capabilities: this engine's own for a client, the
// peer's for a server once the handshake completed.
func (e *Engine) ClientCapabilities() ClientCapabilities {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clientCapabilities
}

// Instructions returns the server's instructions.
func (e *Engine) Instructions() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.instructions
}

// RegisterRequestHandler registers handler for requests with the exact method name, replacing
// any previous handler. Registering a nil handler removes it.
func (e *Engine) RegisterRequestHandler(method string, handler RequestHandler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	if handler == nil {
		delete(e.requestHandlers, method)
		return
	}
	e.requestHandlers[method] = handler
}

// RegisterNotificationHandler registers handler for notifications with the exact method name,
// replacing any previous handler. Registering a nil handler removes it.
func (e *Engine) RegisterNotificationHandler(method string, handler NotificationHandler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	if handler == nil {
		delete(e.notificationHandlers, method)
		return
	}
	e.notificationHandlers[method] = handler
}

// SendRequest sends a request and waits for its response. It returns the raw result, the
// peer's *JSONRPCError, ErrTimeout when the request bound elapsed, ErrConnectionClosed when
// the connection closed first, or ctx's error. Timed out and canceled requests are announced
// to the peer with notifications/cancelled.
//
// params may be nil, a json.RawMessage, or any value that marshals to a JSON object.
func (e *Engine) SendRequest(
	ctx context.Context,
	method string,
	params any,
	options ...RequestOption,
) (json.RawMessage, error) {
	if err := e.checkReady(); err != nil {
		return nil, err
	}
	return e.sendRequest(ctx, method, params, options...)
}

// SendNotification sends a notification without waiting for any acknowledgement.
func (e *Engine) SendNotification(ctx context.Context, method string, params any) error {
	if err := e.checkReady(); err != nil {
		return err
	}
	return e.sendNotification(ctx, method, params)
}

// Ping sends a ping request and waits for the answer.
func (e *Engine) Ping(ctx context.Context) error {
	_, err := e.sendRequest(ctx, MethodPing, nil)
	return err
}

func (e *Engine) sendRequest(
	ctx context.Context,
	method string,
	params any,
	options ...RequestOption,
) (result json.RawMessage, err error) {
	opts := requestOptions{timeout: e.requestTimeout}
	for _, opt := range options {
		opt(&opts)
	}

	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	id := NewRequestID(e.nextID.Add(1))
	if opts.progress != nil {
		if raw, err = withProgressToken(raw, id); err != nil {
			return nil, err
		}
	}

	ctx, span := e.startSpan(ctx, method, trace.SpanKindClient,
		attribute.String("rpc.jsonrpc.request_id", id.String()))
	defer func() { endSpan(span, err) }()

	pr := &pendingRequest{
		id:       id,
		method:   method,
		issuedAt: time.Now(),
		progress: opts.progress,
		done:     make(chan pendingResult, 1),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	e.pending[id] = pr
	e.mu.Unlock()

	msg, err := Encode(&Request{ID: id, Method: method, Params: raw})
	if err != nil {
		e.removePending(id)
		return nil, err
	}
	// The bound covers the send too, since some transports only return from Send once the
	// peer accepted the request.
	waitCtx, stop := ctx, context.CancelFunc(func() {})
	if opts.timeout > 0 {
		waitCtx, stop = context.WithTimeout(ctx, opts.timeout)
	}
	defer stop()

	if err := e.transport.Send(waitCtx, msg); err != nil {
		e.removePending(id)
		if ctx.Err() == nil && waitCtx.Err() != nil {
			return nil, e.timedOut(method, id, opts.timeout)
		}
		return nil, err
	}

	select {
	case res := <-pr.done:
		return res.result, res.err
	case <-waitCtx.Done():
		if !e.removePending(id) {
			// Resolved concurrently, the result is already on its way.
			res := <-pr.done
			return res.result, res.err
		}
		if err := ctx.Err(); err != nil {
			e.cancelRemote(method, id, err.Error())
			return nil, err
		}
		return nil, e.timedOut(method, id, opts.timeout)
	}
}

func (e *Engine) timedOut(method string, id RequestID, timeout time.Duration) error {
	e.logger.WarnContext(e.logCtx, "request timed out",
		slog.String("method", method),
		slog.String("id", id.String()),
		slog.Duration("timeout", timeout))
	e.cancelRemote(method, id, "request timed out")
	return fmt.Errorf("%w: %s after %s", ErrTimeout, method, timeout)
}

func (e *Engine) sendNotification(ctx context.Context, method string, params any) error {
	if e.isClosed() {
		return ErrConnectionClosed
	}
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	msg, err := Encode(&Notification{Method: method, Params: raw})
	if err != nil {
		return err
	}
	return e.transport.Send(ctx, msg)
}

// cancelRemote tells the peer to abandon a request we no longer wait for.
func (e *Engine) cancelRemote(method string, id RequestID, reason string) {
	if method == MethodInitialize || e.isClosed() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cancelNotificationTimeout)
		defer cancel()
		params := CancelledParams{RequestID: id, Reason: reason}
		if err := e.sendNotification(ctx, MethodNotificationsCancelled, params); err != nil {
			e.logger.DebugContext(e.logCtx, "failed to send cancellation",
				slog.String("id", id.String()),
				slog.String("err", err.Error()))
		}
	}()
}

// removePending deletes the entry for id and reports whether it was still outstanding.
func (e *Engine) removePending(id RequestID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pending[id]; !ok {
		return false
	}
	delete(e.pending, id)
	return true
}

func (e *Engine) checkReady() error {
	switch e.State() {
	case StateReady:
		return nil
	case StateClosing:
		return ErrConnectionClosed
	case StateDisconnected:
		if e.started.Load() {
			return ErrConnectionClosed
		}
	}
	return ErrNotReady
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) onConnect() {
	e.logger.DebugContext(e.logCtx, "transport connected")
	e.beginHandshake()
}

func (e *Engine) onDisconnect() {
	e.logger.DebugContext(e.logCtx, "transport disconnected")
	e.shutdown(errPeerDisconnected)
}

func (e *Engine) reportError(err error) {
	if err == nil {
		return
	}
	e.logger.WarnContext(e.logCtx, "engine error", slog.String("err", err.Error()))
	if e.errorHandler != nil {
		e.errorHandler(err)
	}
}

// beginHandshake moves Connecting to Handshaking. It runs both from Start and from OnConnect;
// only the first call has an effect.
func (e *Engine) beginHandshake() {
	if !e.state.CompareAndSwap(int32(StateConnecting), int32(StateHandshaking)) {
		return
	}

	switch e.role {
	case RoleClient:
		go e.clientHandshake()
	case RoleServer:
		e.mu.Lock()
		if !e.closed {
			e.handshakeTimer = time.AfterFunc(e.handshakeTimeout, func() {
				if e.State() == StateHandshaking {
					e.shutdown(fmt.Errorf("%w: no initialize within %s", ErrHandshake, e.handshakeTimeout))
				}
			})
		}
		e.mu.Unlock()
	}
}

func (e *Engine) clientHandshake() {
	ctx, cancel := context.WithTimeout(e.baseCtx, e.handshakeTimeout)
	defer cancel()

	params := InitializeParams{
		ProtocolVersion:           e.preferredVersion,
		Capabilities:              e.clientCapabilities,
		ClientInfo:                e.info,
		SupportedProtocolVersions: e.supportedVersions,
	}
	raw, err := e.sendRequest(ctx, MethodInitialize, params, WithTimeout(0))
	if err != nil {
		e.shutdown(handshakeError(err))
		return
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		e.shutdown(fmt.Errorf("%w: failed to unmarshal initialize result: %w", ErrHandshake, err))
		return
	}
	if !slices.Contains(e.supportedVersions, result.ProtocolVersion) {
		e.shutdown(fmt.Errorf("%w: %w: server chose %q", ErrHandshake, ErrUnsupportedProtocolVersion,
			result.ProtocolVersion))
		return
	}
	for _, name := range e.requiredPeerCaps {
		if !result.Capabilities.Supports(name) {
			e.shutdown(fmt.Errorf("%w: server lacks required capability %q", ErrHandshake, name))
			return
		}
	}

	e.mu.Lock()
	e.peerInfo = result.ServerInfo
	e.serverCapabilities = result.Capabilities
	e.instructions = result.Instructions
	e.protocolVersion = result.ProtocolVersion
	e.mu.Unlock()

	if err := e.sendNotification(ctx, MethodNotificationsInitialized, nil); err != nil {
		e.shutdown(fmt.Errorf("%w: failed to send initialized notification: %w", ErrHandshake, err))
		return
	}
	e.markReady()
}

func handshakeError(err error) error {
	var jErr *JSONRPCError
	if errors.As(err, &jErr) && jErr.Code == CodeInvalidParams && jErr.Message == errMsgVersionMismatch {
		return fmt.Errorf("%w: %w: %w", ErrHandshake, ErrUnsupportedProtocolVersion, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrHandshake, ErrTimeout)
	}
	return fmt.Errorf("%w: %w", ErrHandshake, err)
}

// handleInitialize answers initialize on a server-role engine.
func (e *Engine) handleInitialize(ctx context.Context, req *Request) {
	e.mu.Lock()
	again := e.initializeSeen
	e.initializeSeen = true
	e.mu.Unlock()
	if again || e.State() != StateHandshaking {
		e.respondError(ctx, req.ID, NewJSONRPCError(CodeInvalidRequest, errMsgInvalidRequest,
			"session already initialized"))
		return
	}

	var params InitializeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		e.respondError(ctx, req.ID, NewJSONRPCError(CodeInvalidParams, errMsgInvalidParams, err.Error()))
		return
	}

	version, err := NegotiateProtocolVersion(params.offeredVersions(), e.supportedVersions)
	if err != nil {
		e.respondError(ctx, req.ID, NewJSONRPCError(CodeInvalidParams, errMsgVersionMismatch, versionMismatchData{
			Supported: e.supportedVersions,
			Requested: params.ProtocolVersion,
		}))
		e.shutdown(fmt.Errorf("%w: %w", ErrHandshake, err))
		return
	}

	for _, name := range e.requiredPeerCaps {
		if !params.Capabilities.Supports(name) {
			e.respondError(ctx, req.ID, NewJSONRPCError(CodeCapabilityMismatch,
				fmt.Sprintf("client lacks required capability %q", name), nil))
			e.shutdown(fmt.Errorf("%w: client lacks required capability %q", ErrHandshake, name))
			return
		}
	}

	e.mu.Lock()
	e.peerInfo = params.ClientInfo
	e.clientCapabilities = params.Capabilities
	e.protocolVersion = version
	result := InitializeResult{
		ProtocolVersion: version,
		Capabilities:    e.serverCapabilities,
		ServerInfo:      e.info,
		Instructions:    e.instructions,
	}
	e.mu.Unlock()

	e.respond(ctx, req.ID, result, nil)
}

func (e *Engine) handleInitialized() {
	if e.role != RoleServer || e.State() != StateHandshaking {
		return
	}
	if e.ProtocolVersion() == "" {
		e.logger.WarnContext(e.logCtx, "received initialized notification before initialize")
		return
	}
	e.markReady()
}

func (e *Engine) markReady() {
	if !e.state.CompareAndSwap(int32(StateHandshaking), int32(StateReady)) {
		return
	}
	e.mu.Lock()
	if e.handshakeTimer != nil {
		e.handshakeTimer.Stop()
	}
	e.mu.Unlock()

	e.readyOnce.Do(func() { close(e.ready) })
	e.logger.InfoContext(e.logCtx, "session ready",
		slog.String("protocolVersion", string(e.ProtocolVersion())),
		slog.String("peer", e.PeerInfo().Name))

	if e.pingInterval > 0 {
		go e.keepAlive()
	}
}

func (e *Engine) keepAlive() {
	ticker := time.NewTicker(e.pingInterval)
	defer ticker.Stop()

	failedPings := 0
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(e.baseCtx, e.pingTimeout)
		_, err := e.sendRequest(ctx, MethodPing, nil, WithTimeout(e.pingTimeout))
		cancel()
		if err == nil {
			failedPings = 0
			continue
		}
		if errors.Is(err, ErrConnectionClosed) {
			return
		}
		failedPings++
		e.logger.WarnContext(e.logCtx, "failed to ping peer",
			slog.Int("failed", failedPings),
			slog.String("err", err.Error()))
		if failedPings > e.pingFailureThreshold {
			e.logger.WarnContext(e.logCtx, "too many pings failed, closing session")
			e.shutdown(fmt.Errorf("%w: peer stopped answering pings", ErrConnectionClosed))
			return
		}
	}
}

// shutdown closes the engine once. It resolves every pending request with
// ErrConnectionClosed, cancels running handlers, and disconnects the transport.
func (e *Engine) shutdown(cause error) {
	e.closeOnce.Do(func() {
		e.state.Store(int32(StateClosing))

		e.mu.Lock()
		e.closed = true
		e.err = cause
		pending := e.pending
		e.pending = make(map[RequestID]*pendingRequest)
		inflight := e.inflight
		e.inflight = make(map[RequestID]context.CancelFunc)
		if e.handshakeTimer != nil {
			e.handshakeTimer.Stop()
		}
		e.mu.Unlock()

		for _, pr := range pending {
			pr.done <- pendingResult{err: ErrConnectionClosed}
		}
		for _, cancel := range inflight {
			cancel()
		}
		e.baseCancel()

		if e.transport != nil {
			if err := e.transport.Disconnect(); err != nil {
				e.logger.WarnContext(e.logCtx, "failed to disconnect transport", slog.String("err", err.Error()))
			}
		}

		if cause != nil {
			e.logger.InfoContext(e.logCtx, "session closed", slog.String("reason", cause.Error()))
		} else {
			e.logger.InfoContext(e.logCtx, "session closed")
		}
		e.state.Store(int32(StateDisconnected))
		close(e.done)
	})
}

// handleMessage is the transport's OnMessage callback.
func (e *Engine) handleMessage(raw JSONRPCMessage, authInfo *AuthInfo) {
	if e.isClosed() {
		return
	}

	msg, err := Decode(raw)
	if err != nil {
		e.reportError(err)
		if raw.ID != nil && raw.Method != "" {
			e.respondError(e.logCtx, *raw.ID, NewJSONRPCError(CodeInvalidRequest, errMsgInvalidRequest, err.Error()))
		}
		return
	}

	switch m := msg.(type) {
	case *Response:
		e.handleResponse(m)
	case *Request:
		e.handleRequest(m, authInfo)
	case *Notification:
		e.handleNotification(m, authInfo)
	}
}

func (e *Engine) handleResponse(res *Response) {
	e.mu.Lock()
	pr, ok := e.pending[res.ID]
	if ok {
		delete(e.pending, res.ID)
	}
	e.mu.Unlock()

	if !ok {
		id := res.ID
		e.reportError(&ProtocolViolation{
			Reason: "unmatched response",
			ID:     &id,
			Err:    ErrUnmatchedResponse,
		})
		return
	}

	e.logger.DebugContext(e.logCtx, "received response",
		slog.String("method", pr.method),
		slog.String("id", pr.id.String()),
		slog.Duration("elapsed", time.Since(pr.issuedAt)))

	if res.Error != nil {
		pr.done <- pendingResult{err: res.Error}
		return
	}
	pr.done <- pendingResult{result: res.Result}
}

func (e *Engine) handleRequest(req *Request, authInfo *AuthInfo) {
	ctx := logctx.WithRPCMessage(e.baseCtx, &logctx.RPCMessage{
		Method: req.Method,
		ID:     req.ID.String(),
		Type:   "request",
	})

	if e.role == RoleServer && req.Method == MethodInitialize {
		go e.handleInitialize(ctx, req)
		return
	}

	if e.role == RoleServer && e.State() != StateReady && req.Method != MethodPing {
		go e.respondError(ctx, req.ID, NewJSONRPCError(CodeInvalidRequest, errMsgNotInitialized, nil))
		return
	}

	e.handlersMu.RLock()
	handler, ok := e.requestHandlers[req.Method]
	e.handlersMu.RUnlock()
	if !ok {
		e.logger.DebugContext(ctx, "method not found")
		go e.respondError(ctx, req.ID, NewJSONRPCError(CodeMethodNotFound, errMsgMethodNotFound, req.Method))
		return
	}

	ctx = contextWithAuthInfo(ctx, authInfo)
	ctx = context.WithValue(ctx, requestIDContextKey{}, req.ID)
	if token, ok := progressTokenFromParams(req.Params); ok {
		ctx = contextWithProgress(ctx, NewProgressTracker(e, token))
	}
	ctx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return
	}
	if _, dup := e.inflight[req.ID]; dup {
		e.mu.Unlock()
		cancel()
		e.logger.WarnContext(ctx, "duplicate request id")
		go e.respondError(context.WithoutCancel(ctx), req.ID, NewJSONRPCError(CodeInvalidRequest,
			errMsgInvalidRequest, "request id is already in use"))
		return
	}
	e.inflight[req.ID] = cancel
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.inflight, req.ID)
			e.mu.Unlock()
			cancel()
		}()

		spanCtx, span := e.startSpan(ctx, req.Method, trace.SpanKindServer,
			attribute.String("rpc.jsonrpc.request_id", req.ID.String()))
		result, err := handler(spanCtx, req.Params)
		endSpan(span, err)

		if ctx.Err() != nil {
			// Canceled by the peer, or the session is closing. Nobody waits for an answer.
			e.logger.DebugContext(ctx, "request canceled, dropping response")
			return
		}
		e.respond(ctx, req.ID, result, err)
	}()
}

func (e *Engine) handleNotification(n *Notification, authInfo *AuthInfo) {
	ctx := logctx.WithRPCMessage(e.baseCtx, &logctx.RPCMessage{
		Method: n.Method,
		Type:   "notification",
	})

	switch n.Method {
	case MethodNotificationsInitialized:
		e.handleInitialized()
	case MethodNotificationsCancelled:
		e.handleCancelled(ctx, n.Params)
	case MethodNotificationsProgress:
		e.handleProgress(ctx, n.Params)
	}

	e.handlersMu.RLock()
	handler, ok := e.notificationHandlers[n.Method]
	e.handlersMu.RUnlock()
	if !ok {
		return
	}
	handler(contextWithAuthInfo(ctx, authInfo), n.Params)
}

func (e *Engine) handleCancelled(ctx context.Context, raw json.RawMessage) {
	var params CancelledParams
	if err := json.Unmarshal(raw, &params); err != nil {
		e.logger.WarnContext(ctx, "invalid cancellation params", slog.String("err", err.Error()))
		return
	}

	e.mu.Lock()
	cancel, ok := e.inflight[params.RequestID]
	e.mu.Unlock()
	if !ok {
		return
	}
	e.logger.DebugContext(ctx, "peer canceled request",
		slog.String("id", params.RequestID.String()),
		slog.String("reason", params.Reason))
	cancel()
}

func (e *Engine) handleProgress(ctx context.Context, raw json.RawMessage) {
	var params ProgressParams
	if err := json.Unmarshal(raw, &params); err != nil {
		e.logger.WarnContext(ctx, "invalid progress params", slog.String("err", err.Error()))
		return
	}

	e.mu.Lock()
	var progress func(ProgressParams)
	if pr, ok := e.pending[params.ProgressToken]; ok {
		progress = pr.progress
	}
	e.mu.Unlock()

	if progress != nil {
		progress(params)
	}
}

func (e *Engine) respond(ctx context.Context, id RequestID, result any, err error) {
	if err != nil {
		e.logger.WarnContext(ctx, "request handler failed", slog.String("err", err.Error()))
		e.respondError(ctx, id, toJSONRPCError(err))
		return
	}

	raw, mErr := marshalResult(result)
	if mErr != nil {
		e.logger.ErrorContext(ctx, "failed to marshal result", slog.String("err", mErr.Error()))
		e.respondError(ctx, id, NewJSONRPCError(CodeInternalError, errMsgInternalError, mErr.Error()))
		return
	}
	e.sendResponse(ctx, &Response{ID: id, Result: raw})
}

func (e *Engine) respondError(ctx context.Context, id RequestID, jErr *JSONRPCError) {
	e.sendResponse(ctx, &Response{ID: id, Error: jErr})
}

func (e *Engine) sendResponse(ctx context.Context, res *Response) {
	msg, err := Encode(res)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to encode response", slog.String("err", err.Error()))
		return
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.sendTimeout())
	defer cancel()
	if err := e.transport.Send(sendCtx, msg); err != nil {
		e.logger.WarnContext(ctx, "failed to send response", slog.String("err", err.Error()))
	}
}

func (e *Engine) sendTimeout() time.Duration {
	if e.requestTimeout > 0 {
		return e.requestTimeout
	}
	return defaultRequestTimeout
}

func toJSONRPCError(err error) *JSONRPCError {
	var jErr *JSONRPCError
	if errors.As(err, &jErr) {
		return jErr
	}
	var jVal JSONRPCError
	if errors.As(err, &jVal) {
		return &jVal
	}
	if errors.Is(err, context.Canceled) {
		return NewJSONRPCError(CodeCancelled, errMsgRequestCancelled, nil)
	}
	return &JSONRPCError{Code: CodeInternalError, Message: err.Error()}
}

func marshalResult(result any) (json.RawMessage, error) {
	switch r := result.(type) {
	case nil:
		return emptyObject, nil
	case json.RawMessage:
		if len(r) == 0 {
			return emptyObject, nil
		}
		return r, nil
	}
	bs, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return bs, nil
}

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
