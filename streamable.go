package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// StreamableHTTPServer serves the MCP streamable HTTP transport on a single endpoint. Each
// client session gets its own StreamableHTTPSession, which is the Transport of one server
// engine.
//
//   - POST carries one message from the client. Requests are answered on the same HTTP
//     response, either as a JSON body or as an SSE stream that also carries the progress
//     notifications of that request. Notifications and responses are acknowledged with 202.
//   - GET opens the session's standalone SSE stream for server initiated messages.
//   - DELETE ends the session.
//
// A POST carrying initialize without an Mcp-Session-Id header creates a session and hands it
// to the session handler passed to NewStreamableHTTPServer before the message is delivered.
//
// Instances must be created with NewStreamableHTTPServer and closed with Close.
type StreamableHTTPServer struct {
	onSession      func(*StreamableHTTPSession) error
	logger         *slog.Logger
	authenticator  Authenticator
	requestTimeout time.Duration
	sseResponses   bool
	maxBodySize    int64

	mu       sync.Mutex
	sessions map[string]*StreamableHTTPSession
	closed   bool
}

// StreamableHTTPServerOption configures a StreamableHTTPServer.
type StreamableHTTPServerOption func(*StreamableHTTPServer)

// StreamableHTTPSession is the server side Transport of one HTTP session.
type StreamableHTTPSession struct {
	id     string
	server *StreamableHTTPServer
	logger *slog.Logger

	callbacks callbackSlots

	mu              sync.Mutex
	connected       bool
	protocolVersion string
	standalone      *httpStream
	streams         map[RequestID]*httpStream

	done           chan struct{}
	disconnectOnce sync.Once
}

// StreamableHTTPClient is the client side Transport of the streamable HTTP transport.
//
// Send of a request returns once the server accepted the POST; the response is read in the
// background and delivered through OnMessage. After the server assigned a session id the
// client opens the standalone GET stream, tolerating servers that do not offer one.
//
// Instances must be created with NewStreamableHTTPClient.
type StreamableHTTPClient struct {
	url          string
	httpClient   *http.Client
	logger       *slog.Logger
	bearerToken  string
	maxEventSize int

	callbacks callbackSlots

	mu              sync.Mutex
	connected       bool
	closed          bool
	sessionID       string
	protocolVersion string
	getStarted      bool
	initializeIDs   map[RequestID]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	disconnectOnce sync.Once
}

// StreamableHTTPClientOption configures a StreamableHTTPClient.
type StreamableHTTPClientOption func(*StreamableHTTPClient)

type httpStream struct {
	sse  bool
	msgs chan JSONRPCMessage
	done chan struct{}
}

const (
	// DefaultStreamableHTTPEndpoint is the conventional path of the MCP endpoint.
	DefaultStreamableHTTPEndpoint = "/mcp"

	headerSessionID       = "Mcp-Session-Id"
	headerProtocolVersion = "Mcp-Protocol-Version"
	headerAuthorization   = "Authorization"
	headerWWWAuthenticate = "WWW-Authenticate"

	defaultHTTPRequestTimeout = 30 * time.Second
	defaultHTTPMaxBodySize    = 4 << 20
	httpStreamBuffer          = 16
	deleteSessionTimeout      = 5 * time.Second
)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
)

// WithStreamableHTTPServerLogger sets the logger of the server and its sessions.
func WithStreamableHTTPServerLogger(logger *slog.Logger) StreamableHTTPServerOption {
	return func(s *StreamableHTTPServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAuthenticator requires every request to carry a bearer token accepted by
// authenticator. The resulting AuthInfo is attached to the messages of the request.
func WithAuthenticator(authenticator Authenticator) StreamableHTTPServerOption {
	return func(s *StreamableHTTPServer) {
		s.authenticator = authenticator
	}
}

// WithStreamableHTTPRequestTimeout bounds how long a POST waits for the response to the
// request it carries.
func WithStreamableHTTPRequestTimeout(timeout time.Duration) StreamableHTTPServerOption {
	return func(s *StreamableHTTPServer) {
		if timeout > 0 {
			s.requestTimeout = timeout
		}
	}
}

// WithSSEResponses makes the server answer requests with an SSE stream whenever the client
// accepts one, so progress notifications reach the client on the same response. By default
// requests are answered with a JSON body unless the client only accepts SSE.
func WithSSEResponses() StreamableHTTPServerOption {
	return func(s *StreamableHTTPServer) {
		s.sseResponses = true
	}
}

// WithMaxBodySize limits the size of POST bodies.
func WithMaxBodySize(size int64) StreamableHTTPServerOption {
	return func(s *StreamableHTTPServer) {
		if size > 0 {
			s.maxBodySize = size
		}
	}
}

// NewStreamableHTTPServer creates a server. onSession is called for every new session before
// its first message is delivered; it must set the session's callbacks, typically by starting
// an Engine on it. A returned error rejects the session.
func NewStreamableHTTPServer(
	onSession func(*StreamableHTTPSession) error,
	options ...StreamableHTTPServerOption,
) *StreamableHTTPServer {
	s := &StreamableHTTPServer{
		onSession:      onSession,
		logger:         slog.Default(),
		requestTimeout: defaultHTTPRequestTimeout,
		maxBodySize:    defaultHTTPMaxBodySize,
		sessions:       make(map[string]*StreamableHTTPSession),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *StreamableHTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "server is closed", http.StatusServiceUnavailable)
		return
	}

	authInfo, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r, authInfo)
	case http.MethodGet:
		s.handleGet(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// Close ends every session. Subsequent requests are rejected.
func (s *StreamableHTTPServer) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*StreamableHTTPSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.Disconnect()
	}
}

// SessionCount returns the number of open sessions.
func (s *StreamableHTTPServer) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *StreamableHTTPServer) authenticate(w http.ResponseWriter, r *http.Request) (*AuthInfo, bool) {
	if s.authenticator == nil {
		return nil, true
	}

	authHeader := r.Header.Get(headerAuthorization)
	if authHeader == "" {
		w.Header().Add(headerWWWAuthenticate, `Bearer error="invalid_token", error_description="no token provided"`)
		w.WriteHeader(http.StatusUnauthorized)
		return nil, false
	}
	tok, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || tok == "" {
		w.Header().Add(headerWWWAuthenticate,
			`Bearer error="invalid_request", error_description="invalid or absent authorization header"`)
		w.WriteHeader(http.StatusBadRequest)
		return nil, false
	}

	info, err := s.authenticator.Authenticate(r.Context(), tok)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			w.Header().Add(headerWWWAuthenticate,
				fmt.Sprintf(`Bearer error="invalid_token", error_description=%q`, err.Error()))
			w.WriteHeader(http.StatusUnauthorized)
			return nil, false
		}
		s.logger.Error("failed to authenticate request", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return nil, false
	}
	return info, true
}

func (s *StreamableHTTPServer) handlePost(w http.ResponseWriter, r *http.Request, authInfo *AuthInfo) {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		http.Error(w, "content type must be application/json", http.StatusUnsupportedMediaType)
		return
	}

	available := []contenttype.MediaType{jsonMediaType, eventStreamMediaType}
	if s.sseResponses {
		available = []contenttype.MediaType{eventStreamMediaType, jsonMediaType}
	}
	accepted, _, err := contenttype.GetAcceptableMediaType(r, available)
	if err != nil {
		http.Error(w, "client must accept application/json or text/event-stream", http.StatusNotAcceptable)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodySize))
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read body: %s", err), http.StatusRequestEntityTooLarge)
		return
	}
	msg, err := parseJSONRPCMessage(body)
	if err != nil {
		writeJSONRPCError(w, http.StatusBadRequest, NewJSONRPCError(CodeParseError, "Parse error", err.Error()))
		return
	}

	sess, status, err := s.sessionForPost(r, msg)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}

	if v := r.Header.Get(headerProtocolVersion); v != "" {
		if !ProtocolVersion(v).Known() {
			http.Error(w, fmt.Sprintf("unsupported protocol version %q", v), http.StatusBadRequest)
			return
		}
		sess.setProtocolVersion(v)
	}

	// Notifications and responses only need an acknowledgement.
	if msg.ID == nil || msg.Method == "" {
		sess.callbacks.message(msg, authInfo)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	stream := &httpStream{
		sse:  accepted.Matches(eventStreamMediaType),
		msgs: make(chan JSONRPCMessage, httpStreamBuffer),
		done: make(chan struct{}),
	}
	id := *msg.ID
	sess.addStream(id, stream)
	defer sess.removeStream(id, stream)

	sess.callbacks.message(msg, authInfo)

	w.Header().Set(headerSessionID, sess.id)
	if stream.sse {
		sess.serveRequestSSE(w, r, id, stream)
		return
	}
	sess.serveRequestJSON(w, r, id, stream)
}

// sessionForPost returns the session a POST belongs to, creating it for initialize.
func (s *StreamableHTTPServer) sessionForPost(r *http.Request, msg JSONRPCMessage) (*StreamableHTTPSession, int, error) {
	sessID := r.Header.Get(headerSessionID)
	if sessID != "" {
		sess, ok := s.session(sessID)
		if !ok {
			return nil, http.StatusNotFound, fmt.Errorf("session %q not found", sessID)
		}
		return sess, 0, nil
	}

	if msg.Method != MethodInitialize || msg.ID == nil {
		return nil, http.StatusBadRequest, errors.New("missing session id")
	}

	sess := &StreamableHTTPSession{
		id:      uuid.New().String(),
		server:  s,
		logger:  s.logger,
		streams: make(map[RequestID]*httpStream),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, http.StatusServiceUnavailable, errors.New("server is closed")
	}
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	if s.onSession == nil {
		s.removeSession(sess.id)
		return nil, http.StatusInternalServerError, errors.New("no session handler")
	}
	if err := s.onSession(sess); err != nil {
		s.logger.Error("failed to start session", slog.String("session", sess.id), "err", err)
		_ = sess.Disconnect()
		return nil, http.StatusInternalServerError, fmt.Errorf("failed to start session: %w", err)
	}
	s.logger.Debug("session created", slog.String("session", sess.id))
	return sess, 0, nil
}

func (s *StreamableHTTPServer) handleGet(w http.ResponseWriter, r *http.Request) {
	if _, _, err := contenttype.GetAcceptableMediaType(r, []contenttype.MediaType{eventStreamMediaType}); err != nil {
		http.Error(w, "client must accept text/event-stream", http.StatusNotAcceptable)
		return
	}

	sessID := r.Header.Get(headerSessionID)
	if sessID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	sess, ok := s.session(sessID)
	if !ok {
		http.Error(w, fmt.Sprintf("session %q not found", sessID), http.StatusNotFound)
		return
	}

	stream := &httpStream{
		sse:  true,
		msgs: make(chan JSONRPCMessage, httpStreamBuffer),
		done: make(chan struct{}),
	}
	if !sess.setStandalone(stream) {
		http.Error(w, "stream already open", http.StatusConflict)
		return
	}
	defer sess.clearStandalone(stream)

	w.Header().Set(headerSessionID, sess.id)
	sseSess, err := sse.Upgrade(w, r)
	if err != nil {
		nErr := fmt.Errorf("failed to upgrade session: %w", err)
		sess.logger.Error("failed to upgrade session", "err", nErr)
		http.Error(w, nErr.Error(), http.StatusInternalServerError)
		return
	}
	if err := sseSess.Flush(); err != nil {
		sess.logger.Error("failed to flush SSE", "err", err)
		return
	}

	for {
		select {
		case msg := <-stream.msgs:
			if err := writeSSEMessage(sseSess, msg); err != nil {
				sess.logger.Warn("failed to write standalone stream message", "err", err)
				return
			}
		case <-r.Context().Done():
			return
		case <-sess.done:
			return
		}
	}
}

func (s *StreamableHTTPServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessID := r.Header.Get(headerSessionID)
	if sessID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	sess, ok := s.session(sessID)
	if !ok {
		http.Error(w, fmt.Sprintf("session %q not found", sessID), http.StatusNotFound)
		return
	}
	_ = sess.Disconnect()
	w.WriteHeader(http.StatusNoContent)
}

func (s *StreamableHTTPServer) session(id string) (*StreamableHTTPSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *StreamableHTTPServer) removeSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// ID returns the session id carried in the Mcp-Session-Id header.
func (s *StreamableHTTPSession) ID() string { return s.id }

// ProtocolVersion returns the last protocol version the client announced in the
// Mcp-Protocol-Version header.
func (s *StreamableHTTPSession) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// SetCallbacks implements Transport.
func (s *StreamableHTTPSession) SetCallbacks(callbacks TransportCallbacks) {
	s.callbacks.set(callbacks)
}

// Connect implements Transport. The HTTP exchange already exists, so it only marks the
// session connected.
func (s *StreamableHTTPSession) Connect(context.Context) error {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		err := newTransportError("connect", errors.New("session already closed"))
		s.callbacks.error(err)
		return err
	default:
	}
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = true
	s.mu.Unlock()

	s.callbacks.connected()
	return nil
}

// Send implements Transport. Responses go to the POST that carried their request, progress
// notifications to the SSE response of the request they report on, everything else to the
// standalone stream.
func (s *StreamableHTTPSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()
	if !connected || s.isClosed() {
		return s.sendFailed(ErrNotConnected)
	}

	stream := s.route(msg)
	if stream == nil {
		return s.sendFailed(errors.New("no open stream for message"))
	}

	select {
	case stream.msgs <- msg:
		return nil
	case <-stream.done:
		return s.sendFailed(errors.New("stream closed"))
	case <-s.done:
		return s.sendFailed(ErrNotConnected)
	case <-ctx.Done():
		return s.sendFailed(ctx.Err())
	}
}

// Disconnect implements Transport. It ends the session and removes it from the server.
func (s *StreamableHTTPSession) Disconnect() error {
	s.disconnectOnce.Do(func() {
		close(s.done)
		s.server.removeSession(s.id)

		s.mu.Lock()
		wasConnected := s.connected
		s.mu.Unlock()

		s.logger.Debug("session closed", slog.String("session", s.id))
		if wasConnected {
			s.callbacks.disconnected()
		}
	})
	return nil
}

func (s *StreamableHTTPSession) route(msg JSONRPCMessage) *httpStream {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID != nil && msg.Method == "" {
		if st, ok := s.streams[*msg.ID]; ok {
			return st
		}
		return nil
	}

	if msg.Method == MethodNotificationsProgress {
		var params ProgressParams
		if err := json.Unmarshal(msg.Params, &params); err == nil {
			if st, ok := s.streams[params.ProgressToken]; ok && st.sse {
				return st
			}
		}
	}

	if s.standalone != nil {
		return s.standalone
	}
	for _, st := range s.streams {
		if st.sse {
			return st
		}
	}
	return nil
}

func (s *StreamableHTTPSession) serveRequestJSON(w http.ResponseWriter, r *http.Request, id RequestID, stream *httpStream) {
	timer := time.NewTimer(s.server.requestTimeout)
	defer timer.Stop()

	for {
		select {
		case msg := <-stream.msgs:
			if s.writeJSONResponse(w, id, msg) {
				return
			}
		case <-timer.C:
			http.Error(w, "timed out waiting for response", http.StatusGatewayTimeout)
			return
		case <-r.Context().Done():
			return
		case <-s.done:
			// The session may close right after answering, e.g. a failed handshake.
			for {
				select {
				case msg := <-stream.msgs:
					if s.writeJSONResponse(w, id, msg) {
						return
					}
				default:
					http.Error(w, "session closed", http.StatusNotFound)
					return
				}
			}
		}
	}
}

// writeJSONResponse writes msg if it is the response to id and reports whether it did.
func (s *StreamableHTTPSession) writeJSONResponse(w http.ResponseWriter, id RequestID, msg JSONRPCMessage) bool {
	if msg.ID == nil || *msg.ID != id || msg.Method != "" {
		s.logger.Debug("dropping message without SSE response stream", slog.String("method", msg.Method))
		return false
	}
	bs, err := json.Marshal(msg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return true
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(bs); err != nil {
		s.logger.Warn("failed to write response", "err", err)
	}
	return true
}

func (s *StreamableHTTPSession) serveRequestSSE(w http.ResponseWriter, r *http.Request, id RequestID, stream *httpStream) {
	sseSess, err := sse.Upgrade(w, r)
	if err != nil {
		nErr := fmt.Errorf("failed to upgrade session: %w", err)
		s.logger.Error("failed to upgrade session", "err", nErr)
		http.Error(w, nErr.Error(), http.StatusInternalServerError)
		return
	}

	timer := time.NewTimer(s.server.requestTimeout)
	defer timer.Stop()

	for {
		select {
		case msg := <-stream.msgs:
			if err := writeSSEMessage(sseSess, msg); err != nil {
				s.logger.Warn("failed to write SSE message", "err", err)
				return
			}
			if msg.ID != nil && *msg.ID == id && msg.Method == "" {
				return
			}
		case <-timer.C:
			s.logger.Warn("timed out waiting for response", slog.String("id", id.String()))
			return
		case <-r.Context().Done():
			return
		case <-s.done:
			for {
				select {
				case msg := <-stream.msgs:
					if err := writeSSEMessage(sseSess, msg); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *StreamableHTTPSession) addStream(id RequestID, st *httpStream) {
	s.mu.Lock()
	s.streams[id] = st
	s.mu.Unlock()
}

func (s *StreamableHTTPSession) removeStream(id RequestID, st *httpStream) {
	s.mu.Lock()
	if s.streams[id] == st {
		delete(s.streams, id)
	}
	s.mu.Unlock()
	close(st.done)
}

func (s *StreamableHTTPSession) setStandalone(st *httpStream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.standalone != nil {
		return false
	}
	s.standalone = st
	return true
}

func (s *StreamableHTTPSession) clearStandalone(st *httpStream) {
	s.mu.Lock()
	if s.standalone == st {
		s.standalone = nil
	}
	s.mu.Unlock()
	close(st.done)
}

func (s *StreamableHTTPSession) setProtocolVersion(v string) {
	s.mu.Lock()
	s.protocolVersion = v
	s.mu.Unlock()
}

func (s *StreamableHTTPSession) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *StreamableHTTPSession) sendFailed(err error) error {
	tErr := newTransportError("send", err)
	s.callbacks.error(tErr)
	return tErr
}

func writeSSEMessage(sess *sse.Session, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(msgBs))
	if err := sess.Send(sseMsg); err != nil {
		return fmt.Errorf("failed to send SSE message: %w", err)
	}
	if err := sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush SSE message: %w", err)
	}
	return nil
}

func writeJSONRPCError(w http.ResponseWriter, status int, jErr *JSONRPCError) {
	bs, _ := json.Marshal(JSONRPCMessage{JSONRPC: JSONRPCVersion, Error: jErr})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(bs)
}

// WithStreamableHTTPClientHTTPClient sets the HTTP client used for every exchange.
func WithStreamableHTTPClientHTTPClient(client *http.Client) StreamableHTTPClientOption {
	return func(c *StreamableHTTPClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithStreamableHTTPClientLogger sets the logger of the client.
func WithStreamableHTTPClientLogger(logger *slog.Logger) StreamableHTTPClientOption {
	return func(c *StreamableHTTPClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithBearerToken sends token in the Authorization header of every exchange.
func WithBearerToken(token string) StreamableHTTPClientOption {
	return func(c *StreamableHTTPClient) {
		c.bearerToken = token
	}
}

// WithMaxEventSize sets the maximum size of the SSE events the client accepts.
func WithMaxEventSize(size int) StreamableHTTPClientOption {
	return func(c *StreamableHTTPClient) {
		c.maxEventSize = size
	}
}

// NewStreamableHTTPClient creates a client transport for the MCP endpoint at url.
func NewStreamableHTTPClient(url string, options ...StreamableHTTPClientOption) *StreamableHTTPClient {
	c := &StreamableHTTPClient{
		url:           url,
		httpClient:    http.DefaultClient,
		logger:        slog.Default(),
		initializeIDs: make(map[RequestID]struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// SessionID returns the session id the server assigned, or "".
func (c *StreamableHTTPClient) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// SetCallbacks implements Transport.
func (c *StreamableHTTPClient) SetCallbacks(callbacks TransportCallbacks) {
	c.callbacks.set(callbacks)
}

// Connect implements Transport. No exchange happens until the first Send.
func (c *StreamableHTTPClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		err := newTransportError("connect", errors.New("transport already disconnected"))
		c.callbacks.error(err)
		return err
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if err := ctx.Err(); err != nil {
		c.mu.Unlock()
		tErr := newTransportError("connect", err)
		c.callbacks.error(tErr)
		return tErr
	}
	c.connected = true
	c.mu.Unlock()

	c.callbacks.connected()
	return nil
}

// Send implements Transport.
func (c *StreamableHTTPClient) Send(ctx context.Context, msg JSONRPCMessage) error {
	c.mu.Lock()
	ok := c.connected && !c.closed
	if ok && msg.ID != nil && msg.Method == MethodInitialize {
		c.initializeIDs[*msg.ID] = struct{}{}
	}
	c.mu.Unlock()
	if !ok {
		return c.sendFailed(ErrNotConnected)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	// The POST outlives ctx once accepted, its response body is read in the background.
	postCtx, postCancel := context.WithCancel(c.ctx)
	req, err := http.NewRequestWithContext(postCtx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		postCancel()
		return c.sendFailed(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	c.setHeaders(req)

	type accepted struct {
		resp *http.Response
		err  error
	}
	results := make(chan accepted, 1)
	go func() {
		resp, err := c.httpClient.Do(req)
		results <- accepted{resp, err}
	}()

	var res accepted
	select {
	case res = <-results:
	case <-ctx.Done():
		postCancel()
		go func() {
			if res := <-results; res.resp != nil {
				res.resp.Body.Close()
			}
		}()
		return c.sendFailed(ctx.Err())
	}
	if res.err != nil {
		postCancel()
		return c.sendFailed(res.err)
	}

	resp := res.resp
	c.captureSession(resp)

	if resp.StatusCode == http.StatusNotFound && c.SessionID() != "" {
		resp.Body.Close()
		postCancel()
		err := c.sendFailed(errors.New("session expired"))
		go c.disconnect()
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bs, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		postCancel()
		return c.sendFailed(fmt.Errorf("unexpected status %s: %s", resp.Status, bytes.TrimSpace(bs)))
	}
	if resp.StatusCode == http.StatusAccepted {
		resp.Body.Close()
		postCancel()
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		resp.Body.Close()
		postCancel()
		return c.sendFailed(ErrNotConnected)
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer postCancel()
		c.readResponse(resp)
	}()
	return nil
}

// Disconnect implements Transport. It ends the server session with DELETE when one exists.
func (c *StreamableHTTPClient) Disconnect() error {
	c.disconnect()
	return nil
}

func (c *StreamableHTTPClient) disconnect() {
	c.disconnectOnce.Do(func() {
		c.mu.Lock()
		wasConnected := c.connected
		c.closed = true
		sessID := c.sessionID
		c.mu.Unlock()

		c.cancel()

		if sessID != "" {
			ctx, cancel := context.WithTimeout(context.Background(), deleteSessionTimeout)
			req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url, nil)
			if err == nil {
				c.setHeaders(req)
				if resp, err := c.httpClient.Do(req); err != nil {
					c.logger.Debug("failed to delete session", "err", err)
				} else {
					resp.Body.Close()
				}
			}
			cancel()
		}

		c.wg.Wait()
		if wasConnected {
			c.callbacks.disconnected()
		}
	})
}

func (c *StreamableHTTPClient) setHeaders(req *http.Request) {
	c.mu.Lock()
	sessID, version := c.sessionID, c.protocolVersion
	c.mu.Unlock()

	if sessID != "" {
		req.Header.Set(headerSessionID, sessID)
	}
	if version != "" {
		req.Header.Set(headerProtocolVersion, version)
	}
	if c.bearerToken != "" {
		req.Header.Set(headerAuthorization, "Bearer "+c.bearerToken)
	}
}

func (c *StreamableHTTPClient) captureSession(resp *http.Response) {
	sessID := resp.Header.Get(headerSessionID)
	if sessID == "" {
		return
	}
	c.mu.Lock()
	if c.sessionID != "" {
		c.mu.Unlock()
		return
	}
	c.sessionID = sessID
	c.mu.Unlock()
}

func (c *StreamableHTTPClient) readResponse(resp *http.Response) {
	defer resp.Body.Close()

	ctype := contenttype.NewMediaType(resp.Header.Get("Content-Type"))
	switch {
	case ctype.Matches(eventStreamMediaType):
		c.readSSE(resp.Body)
	case ctype.Matches(jsonMediaType):
		bs, err := io.ReadAll(resp.Body)
		if err != nil {
			if c.ctx.Err() == nil {
				c.callbacks.error(newTransportError("read", err))
			}
			return
		}
		c.deliver(bs)
	default:
		c.callbacks.error(newTransportError("read",
			fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type"))))
	}
}

func (c *StreamableHTTPClient) readSSE(body io.Reader) {
	var config *sse.ReadConfig
	if c.maxEventSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: c.maxEventSize,
		}
	}

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if c.ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("failed to read SSE message", "err", err)
				c.callbacks.error(newTransportError("read", err))
			}
			return
		}
		if ev.Type != "" && ev.Type != "message" {
			continue
		}
		if ev.Data == "" {
			continue
		}
		c.deliver([]byte(ev.Data))
	}
}

func (c *StreamableHTTPClient) deliver(data []byte) {
	msg, err := parseJSONRPCMessage(data)
	if err != nil {
		c.logger.Error("failed to unmarshal message", "err", err)
		c.callbacks.error(err)
		return
	}

	if msg.ID != nil && msg.Method == "" {
		c.observeInitializeResponse(msg)
	}
	c.callbacks.message(msg, nil)
}

// observeInitializeResponse records the negotiated version for the protocol version header and
// opens the standalone stream once the session exists.
func (c *StreamableHTTPClient) observeInitializeResponse(msg JSONRPCMessage) {
	c.mu.Lock()
	_, ok := c.initializeIDs[*msg.ID]
	if ok {
		delete(c.initializeIDs, *msg.ID)
	}
	c.mu.Unlock()
	if !ok || msg.Error != nil {
		return
	}

	var result InitializeResult
	if err := json.Unmarshal(msg.Result, &result); err == nil && result.ProtocolVersion != "" {
		c.mu.Lock()
		c.protocolVersion = string(result.ProtocolVersion)
		c.mu.Unlock()
	}

	c.mu.Lock()
	start := c.sessionID != "" && !c.getStarted && !c.closed
	if start {
		c.getStarted = true
		c.wg.Add(1)
	}
	c.mu.Unlock()
	if start {
		go func() {
			defer c.wg.Done()
			c.listenStandalone()
		}()
	}
}

func (c *StreamableHTTPClient) listenStandalone() {
	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, c.url, nil)
	if err != nil {
		c.logger.Error("failed to create standalone stream request", "err", err)
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if c.ctx.Err() == nil {
			c.logger.Warn("failed to open standalone stream", "err", err)
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusMethodNotAllowed {
		c.logger.Debug("server does not offer a standalone stream")
		return
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("failed to open standalone stream", slog.String("status", resp.Status))
		return
	}
	c.readSSE(resp.Body)
}

func (c *StreamableHTTPClient) sendFailed(err error) error {
	tErr := newTransportError("send", err)
	c.callbacks.error(tErr)
	return tErr
}
