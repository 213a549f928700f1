package mcp

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ProgressTracker reports progress of one inbound request that opted into progress updates
// by sending params._meta.progressToken. A handler retrieves it with ProgressFromContext.
//
// Progress is best-effort: updates after completion, or after the engine went away, are
// silently dropped, and send failures are logged rather than returned, so reporting progress
// never aborts the operation it instruments.
type ProgressTracker struct {
	token  ProgressToken
	engine *Engine

	// mu orders sends so no update follows the final one.
	mu       sync.Mutex
	complete atomic.Bool
}

type progressContextKey struct{}

// NewProgressTracker creates a tracker that sends notifications/progress for token through
// engine. A nil engine yields a tracker whose updates are all dropped.
func NewProgressTracker(engine *Engine, token ProgressToken) *ProgressTracker {
	return &ProgressTracker{token: token, engine: engine}
}

// ProgressFromContext returns the tracker of the request being handled, or nil if the peer
// did not ask for progress.
func ProgressFromContext(ctx context.Context) *ProgressTracker {
	p, _ := ctx.Value(progressContextKey{}).(*ProgressTracker)
	return p
}

func contextWithProgress(ctx context.Context, p *ProgressTracker) context.Context {
	return context.WithValue(ctx, progressContextKey{}, p)
}

// Token returns the progress token, which is the id of the originating request.
func (p *ProgressTracker) Token() ProgressToken {
	return p.token
}

// UpdateProgress sends a progress notification. A zero total means the total is unknown.
func (p *ProgressTracker) UpdateProgress(ctx context.Context, progress, total float64) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.complete.Load() {
		return
	}
	p.send(ctx, progress, total)
}

// CompleteProgress marks the operation complete and sends one final update of 1.0. Only the
// first call has an effect, even when called concurrently.
func (p *ProgressTracker) CompleteProgress(ctx context.Context) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.complete.CompareAndSwap(false, true) {
		return
	}
	p.send(ctx, 1.0, 1.0)
}

// IsComplete reports whether CompleteProgress was called.
func (p *ProgressTracker) IsComplete() bool {
	return p != nil && p.complete.Load()
}

func (p *ProgressTracker) send(ctx context.Context, progress, total float64) {
	e := p.engine
	if e == nil || e.isClosed() {
		return
	}
	params := ProgressParams{
		ProgressToken: p.token,
		Progress:      progress,
		Total:         total,
	}
	if err := e.sendNotification(ctx, MethodNotificationsProgress, params); err != nil {
		e.logger.WarnContext(e.logCtx, "failed to send progress notification",
			slog.String("token", p.token.String()),
			slog.String("err", err.Error()))
	}
}
