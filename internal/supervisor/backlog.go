package supervisor

import "context"

// entityBacklog bounds how much Reply Pipeline work may be in flight or
// queued for one entity at a time: up to capacity concurrent jobs run,
// with further work queued only up to depth additional slots; anything
// beyond that is rejected so the caller can fall back to an "overloaded"
// Ignore instead of growing memory without bound.
type entityBacklog struct {
	sem     chan struct{}
	tickets chan struct{}
}

func newEntityBacklog(concurrencyBudget, queueDepth int) *entityBacklog {
	if concurrencyBudget <= 0 {
		concurrencyBudget = 1
	}
	if queueDepth < 0 {
		queueDepth = 0
	}
	return &entityBacklog{
		sem:     make(chan struct{}, concurrencyBudget),
		tickets: make(chan struct{}, concurrencyBudget+queueDepth),
	}
}

// depth reports the number of reserved tickets (in-flight + queued).
func (b *entityBacklog) depth() int {
	return len(b.tickets)
}

// tryAdmit reserves a queue slot for one unit of work without blocking. It
// reports false if the entity's backlog (in-flight + queued) is already
// full; the caller must drop the work instead of enqueuing it.
func (b *entityBacklog) tryAdmit() bool {
	select {
	case b.tickets <- struct{}{}:
		return true
	default:
		return false
	}
}

// run blocks until a concurrency slot frees up, executes fn, then releases
// the concurrency slot and the queue ticket reserved by a prior tryAdmit.
// The caller must have already called tryAdmit successfully.
func (b *entityBacklog) run(ctx context.Context, fn func(ctx context.Context)) {
	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		<-b.tickets
		return
	}
	defer func() {
		<-b.sem
		<-b.tickets
	}()
	fn(ctx)
}
