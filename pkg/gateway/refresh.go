package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultRefreshTimeout bounds one refresh episode.
const DefaultRefreshTimeout = 15 * time.Second

// outcome settles one waiter.
type outcome struct {
	body  []byte
	token Token
	err   *Error
}

// waiter is anything that can wait on a refresh episode: a dispatched call
// that needs replaying, or a caller that only wants the new token.
type waiter interface {
	replay(ctx context.Context, tok Token) outcome
	expired(cause error) outcome
	abandoned(ctx context.Context) outcome
}

// pending is one waiter parked on the current episode.
type pending struct {
	ctx  context.Context
	w    waiter
	done chan outcome
}

// refresher coordinates token refresh so that at most one RefreshSession call
// is in flight per Gateway. While an episode runs, further waiters queue in
// arrival order and are settled after it completes: replayed in FIFO order
// with the new token, then the trigger, or all rejected if it failed.
type refresher struct {
	refresh  func(ctx context.Context) (Token, error)
	current  func() Token
	teardown func(ctx context.Context)
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *Metrics

	mu         sync.Mutex
	refreshing bool
	queue      []*pending
	trigger    *pending
}

// join parks w on a refresh episode, starting one if none is running, and
// blocks until w is settled or ctx is done. stale is the token the caller
// was rejected with; if the store already holds a different token, a refresh
// has completed since, and w is replayed immediately without a new episode.
func (r *refresher) join(ctx context.Context, w waiter, stale Token) outcome {
	p := &pending{ctx: ctx, w: w, done: make(chan outcome, 1)}

	r.mu.Lock()
	if r.refreshing {
		r.queue = append(r.queue, p)
		r.metrics.setQueueDepth(len(r.queue))
		r.mu.Unlock()
		return r.wait(p)
	}

	if cur := r.current(); !cur.IsZero() && cur != stale {
		r.mu.Unlock()
		return w.replay(ctx, cur)
	}

	r.refreshing = true
	r.trigger = p
	r.mu.Unlock()

	go r.run(ctx)
	return r.wait(p)
}

func (r *refresher) wait(p *pending) outcome {
	select {
	case out := <-p.done:
		return out
	case <-p.ctx.Done():
		r.mu.Lock()
		r.remove(p)
		r.mu.Unlock()
		// An outcome that was settled before ctx ended still stands.
		select {
		case out := <-p.done:
			return out
		default:
		}
		return p.w.abandoned(p.ctx)
	}
}

// remove drops p from the current episode. Callers hold r.mu.
func (r *refresher) remove(p *pending) {
	if r.trigger == p {
		r.trigger = nil
		return
	}
	for i, q := range r.queue {
		if q == p {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			r.metrics.setQueueDepth(len(r.queue))
			return
		}
	}
}

// run executes one episode. The refresh is detached from the trigger's
// cancellation; a caller giving up must not fail the requests queued
// behind it.
func (r *refresher) run(parent context.Context) {
	detached := context.WithoutCancel(parent)
	ctx, cancel := context.WithTimeout(detached, r.timeout)
	defer cancel()

	start := time.Now()
	tok, err := r.refresh(ctx)
	r.metrics.observeRefresh(err)

	r.mu.Lock()
	entries := r.queue
	if r.trigger != nil {
		entries = append(entries, r.trigger)
	}
	r.queue = nil
	r.trigger = nil
	r.refreshing = false
	r.metrics.setQueueDepth(0)
	r.mu.Unlock()

	if err != nil {
		r.logger.WarnContext(ctx, "token refresh failed",
			"waiters", len(entries),
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		r.teardown(detached)
		for _, p := range entries {
			p.done <- p.w.expired(err)
		}
		return
	}

	r.logger.InfoContext(ctx, "token refreshed",
		"waiters", len(entries),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	for _, p := range entries {
		// A waiter whose context ended has already returned.
		if p.ctx.Err() != nil {
			continue
		}
		p.done <- p.w.replay(p.ctx, tok)
	}
}

// pendingCount reports the number of queued waiters, excluding the trigger.
func (r *refresher) pendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}
