package mcp

import (
	"context"
	"sync"
)

// Transport moves encoded messages between this process and exactly one peer. The engine owns
// one Transport and never branches on its concrete kind.
//
// Implementations must honor the callback contract:
//   - Connect invokes OnConnect on success. On failure it invokes OnError, never OnConnect,
//     and returns the error.
//   - Disconnect is idempotent. OnDisconnect is invoked at most once per transport, whether the
//     teardown was requested locally or caused by the peer.
//   - Send returns a *TransportError when the channel is not connected or the write fails, and
//     also reports it through OnError.
//   - Inbound messages are delivered only through OnMessage, in the order they were received,
//     with the AuthInfo that belongs to that single message (nil when unauthenticated).
//   - Callback invocations never overlap with each other and are never made while holding a
//     lock of the transport, so a callback may call Send or Disconnect on the same transport.
type Transport interface {
	// Connect establishes the underlying channel.
	Connect(ctx context.Context) error

	// Disconnect tears the channel down.
	Disconnect() error

	// Send transmits one message to the peer.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// SetCallbacks replaces the callback slots. The engine calls it once, before Connect.
	SetCallbacks(callbacks TransportCallbacks)
}

// TransportCallbacks are the asynchronous notification slots of a Transport. Every slot is
// optional; a nil slot is a no-op.
type TransportCallbacks struct {
	OnConnect    func()
	OnDisconnect func()
	OnError      func(err error)
	OnMessage    func(msg JSONRPCMessage, authInfo *AuthInfo)
}

// AuthInfo is the identity a transport attached to one inbound message, e.g. the subject of
// the bearer token of the HTTP request that carried it. The engine passes it to handlers
// through the context without interpreting it.
type AuthInfo struct {
	// Subject identifies the authenticated principal.
	Subject string
	// Token is the raw credential the principal presented.
	Token string
	// Claims holds transport-specific claims, e.g. the JWT claims.
	Claims map[string]any
}

type authInfoContextKey struct{}

// AuthInfoFromContext returns the AuthInfo attached to the inbound message that is being
// handled, or nil.
func AuthInfoFromContext(ctx context.Context) *AuthInfo {
	info, _ := ctx.Value(authInfoContextKey{}).(*AuthInfo)
	return info
}

func contextWithAuthInfo(ctx context.Context, info *AuthInfo) context.Context {
	if info == nil {
		return ctx
	}
	return context.WithValue(ctx, authInfoContextKey{}, info)
}

// callbackQueue runs posted functions one at a time, in post order, on a drain goroutine that
// only exists while there is work. post never blocks and never runs fn itself, so it is safe
// to call from inside a running callback.
type callbackQueue struct {
	mu      sync.Mutex
	pending []func()
	running bool
}

func (q *callbackQueue) post(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	go q.drain()
}

func (q *callbackQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		fn()
	}
}

// callbackSlots is the single-owner callback table shared by the transports in this package.
// Slots are copied under the lock when an event is posted and invoked on the queue without it.
type callbackSlots struct {
	mu    sync.Mutex
	cb    TransportCallbacks
	queue callbackQueue
}

func (c *callbackSlots) set(cb TransportCallbacks) {
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
}

func (c *callbackSlots) get() TransportCallbacks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cb
}

func (c *callbackSlots) connected() {
	if fn := c.get().OnConnect; fn != nil {
		c.queue.post(fn)
	}
}

func (c *callbackSlots) disconnected() {
	if fn := c.get().OnDisconnect; fn != nil {
		c.queue.post(fn)
	}
}

func (c *callbackSlots) error(err error) {
	if fn := c.get().OnError; fn != nil {
		c.queue.post(func() { fn(err) })
	}
}

func (c *callbackSlots) message(msg JSONRPCMessage, authInfo *AuthInfo) {
	if fn := c.get().OnMessage; fn != nil {
		c.queue.post(func() { fn(msg, authInfo) })
	}
}
