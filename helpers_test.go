package mcp_test

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-mcp-engine"
)

const testTimeout = 5 * time.Second

// fakeTransport records every sent message and lets a test inject inbound ones.
type fakeTransport struct {
	mu        sync.Mutex
	callbacks mcp.TransportCallbacks
	closed    bool

	connectErr error
	sent       chan mcp.JSONRPCMessage
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(chan mcp.JSONRPCMessage, 128)}
}

func (f *fakeTransport) SetCallbacks(callbacks mcp.TransportCallbacks) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = callbacks
}

func (f *fakeTransport) Connect(context.Context) error {
	cb := f.getCallbacks()
	if f.connectErr != nil {
		err := &mcp.TransportError{Op: "connect", Err: f.connectErr}
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return err
	}
	if cb.OnConnect != nil {
		cb.OnConnect()
	}
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, msg mcp.JSONRPCMessage) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return &mcp.TransportError{Op: "send", Err: mcp.ErrNotConnected}
	}
	select {
	case f.sent <- msg:
		return nil
	case <-ctx.Done():
		return &mcp.TransportError{Op: "send", Err: ctx.Err()}
	}
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	cb := f.callbacks
	f.mu.Unlock()

	if cb.OnDisconnect != nil {
		go cb.OnDisconnect()
	}
	return nil
}

func (f *fakeTransport) getCallbacks() mcp.TransportCallbacks {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callbacks
}

// deliver hands msg to the engine as if it was read from the wire.
func (f *fakeTransport) deliver(msg mcp.JSONRPCMessage) {
	if cb := f.getCallbacks(); cb.OnMessage != nil {
		cb.OnMessage(msg, nil)
	}
}

func (f *fakeTransport) next(t *testing.T) mcp.JSONRPCMessage {
	t.Helper()
	select {
	case msg := <-f.sent:
		return msg
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for a sent message")
		return mcp.JSONRPCMessage{}
	}
}

// nextMethod skips sent messages until one with method arrives.
func (f *fakeTransport) nextMethod(t *testing.T, method string) mcp.JSONRPCMessage {
	t.Helper()
	for {
		msg := f.next(t)
		if msg.Method == method {
			return msg
		}
	}
}

func (f *fakeTransport) expectNothing(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-f.sent:
		t.Fatalf("unexpected message sent: %+v", msg)
	case <-time.After(wait):
	}
}

func request(id mcp.RequestID, method string, params any) mcp.JSONRPCMessage {
	msg := mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: &id, Method: method}
	if params != nil {
		msg.Params, _ = json.Marshal(params)
	}
	return msg
}

func notification(method string, params any) mcp.JSONRPCMessage {
	msg := mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: method}
	if params != nil {
		msg.Params, _ = json.Marshal(params)
	}
	return msg
}

func result(id mcp.RequestID, v any) mcp.JSONRPCMessage {
	bs, _ := json.Marshal(v)
	return mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: &id, Result: bs}
}

// readyClient starts a client engine over a fake transport and answers its handshake.
func readyClient(t *testing.T, options ...mcp.EngineOption) (*mcp.Engine, *fakeTransport) {
	t.Helper()

	ft := newFakeTransport()
	e := mcp.NewEngine(mcp.RoleClient, ft, options...)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	t.Cleanup(func() { _ = e.Stop(context.Background()) })

	if err := e.Start(ctx); err != nil {
		t.Fatalf("failed to start engine: %v", err)
	}
	init := ft.nextMethod(t, mcp.MethodInitialize)
	ft.deliver(result(*init.ID, mcp.InitializeResult{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ServerInfo:      mcp.Info{Name: "fake-server", Version: "1.0"},
	}))
	ft.nextMethod(t, mcp.MethodNotificationsInitialized)
	if err := e.WaitReady(ctx); err != nil {
		t.Fatalf("engine not ready: %v", err)
	}
	return e, ft
}

// readyServer starts a server engine over a fake transport and performs the client side of
// the handshake.
func readyServer(t *testing.T, options ...mcp.EngineOption) (*mcp.Engine, *fakeTransport) {
	t.Helper()

	ft := newFakeTransport()
	e := mcp.NewEngine(mcp.RoleServer, ft, options...)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	t.Cleanup(func() { _ = e.Stop(context.Background()) })

	if err := e.Start(ctx); err != nil {
		t.Fatalf("failed to start engine: %v", err)
	}
	ft.deliver(request(mcp.NewStringRequestID("init"), mcp.MethodInitialize, mcp.InitializeParams{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.Info{Name: "fake-client", Version: "1.0"},
	}))
	res := ft.next(t)
	if res.Error != nil {
		t.Fatalf("initialize failed: %v", res.Error)
	}
	ft.deliver(notification(mcp.MethodNotificationsInitialized, nil))
	if err := e.WaitReady(ctx); err != nil {
		t.Fatalf("engine not ready: %v", err)
	}
	return e, ft
}

// pipeTransports returns two StdIO transports connected to each other.
func pipeTransports(options ...mcp.StdIOOption) (*mcp.StdIO, *mcp.StdIO) {
	serverReader, clientWriter := io.Pipe()
	clientReader, serverWriter := io.Pipe()
	return mcp.NewStdIO(serverReader, serverWriter, options...), mcp.NewStdIO(clientReader, clientWriter, options...)
}

// enginePair starts a server and a client engine over stdio pipes and waits until both are
// ready. Handlers must be registered through the setup functions, before Start.
func enginePair(
	t *testing.T,
	setupServer func(*mcp.Engine),
	serverOptions []mcp.EngineOption,
	clientOptions []mcp.EngineOption,
) (*mcp.Engine, *mcp.Engine) {
	t.Helper()

	serverTransport, clientTransport := pipeTransports()
	server := mcp.NewEngine(mcp.RoleServer, serverTransport, serverOptions...)
	client := mcp.NewEngine(mcp.RoleClient, clientTransport, clientOptions...)
	if setupServer != nil {
		setupServer(server)
	}
	t.Cleanup(func() {
		_ = client.Stop(context.Background())
		_ = server.Stop(context.Background())
	})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := server.Start(ctx); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	if err := client.Start(ctx); err != nil {
		t.Fatalf("failed to start client: %v", err)
	}
	if err := client.WaitReady(ctx); err != nil {
		t.Fatalf("client not ready: %v", err)
	}
	if err := server.WaitReady(ctx); err != nil {
		t.Fatalf("server not ready: %v", err)
	}
	return server, client
}
