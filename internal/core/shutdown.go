package core

import (
	"context"
	"sync"
	"sync/atomic"
)

// ShutdownToken is the cancellation token + bool flag design note 9 calls
// for: every long-lived task observes it at suspension points (timed
// sleeps, channel receives) and exits promptly when it fires. It is
// constructed once by the orchestrator and passed by parameter into every
// task — never stashed in a package-level variable.
type ShutdownToken struct {
	ctx    context.Context
	cancel context.CancelFunc
	fired  atomic.Bool
	once   sync.Once
}

// NewShutdownToken creates a token derived from parent (use
// context.Background() if there is no natural parent).
func NewShutdownToken(parent context.Context) *ShutdownToken {
	ctx, cancel := context.WithCancel(parent)
	return &ShutdownToken{ctx: ctx, cancel: cancel}
}

// Done returns a channel closed once Shutdown is called, for use in select
// statements alongside timers and socket reads.
func (t *ShutdownToken) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Context returns the underlying context, for APIs that want one directly.
func (t *ShutdownToken) Context() context.Context {
	return t.ctx
}

// Fired reports whether Shutdown has been called.
func (t *ShutdownToken) Fired() bool {
	return t.fired.Load()
}

// Shutdown fires the token. Safe to call multiple times and from multiple
// goroutines; only the first call has effect.
func (t *ShutdownToken) Shutdown() {
	t.once.Do(func() {
		t.fired.Store(true)
		t.cancel()
	})
}
