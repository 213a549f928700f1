// Package logctx decorates slog records with the session and message that are being
// processed, taken from the context passed to the *Context logging methods.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps a slog.Handler and adds the "sess" and "rpc" groups when the record's context
// carries them.
type Handler struct {
	slog.Handler
}

// Handle implements slog.Handler.
func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("role", sd.Role),
		))
	}

	if msg, ok := ctx.Value(rpcMsgKey{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.String("id", msg.ID),
			slog.String("type", msg.Type),
		))
	}

	return h.Handler.Handle(ctx, r)
}

// WithAttrs implements slog.Handler.
func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

// Wrap returns a logger whose handler is wrapped in a Handler. Loggers that are already
// wrapped are returned unchanged.
func Wrap(logger *slog.Logger) *slog.Logger {
	if _, ok := logger.Handler().(Handler); ok {
		return logger
	}
	return slog.New(Handler{Handler: logger.Handler()})
}

type rpcMsgKey struct{}

// RPCMessage describes the JSON-RPC message being processed.
type RPCMessage struct {
	Method string
	ID     string
	// Type is "request", "notification" or "response".
	Type string
}

// WithRPCMessage attaches msg to ctx.
func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsgKey{}, msg)
}

type sessionDataKey struct{}

// SessionData describes the session a record belongs to.
type SessionData struct {
	SessionID string
	Role      string
}

// WithSessionData attaches data to ctx.
func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}
