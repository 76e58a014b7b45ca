package qmt

import "context"

// SerializationGuard is the process-wide mutual exclusion around native-client
// calls. The native layer corrupts its serialization buffers and crashes the
// process under concurrent access, so at most one call may be in flight at any
// instant, whether triggered by an HTTP request or by the scheduler.
//
// The guard is a capacity-1 semaphore rather than a sync.Mutex so acquisition
// can observe context cancellation while queued.
type SerializationGuard struct {
	sem chan struct{}
}

// NewSerializationGuard creates an unheld guard.
func NewSerializationGuard() *SerializationGuard {
	return &SerializationGuard{sem: make(chan struct{}, 1)}
}

// Acquire blocks until the guard is free or ctx is done.
func (g *SerializationGuard) Acquire(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the guard. It must be called exactly once per successful
// Acquire, normally via defer.
func (g *SerializationGuard) Release() {
	select {
	case <-g.sem:
	default:
		panic("qmt: SerializationGuard released without being held")
	}
}
