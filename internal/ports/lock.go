package ports

import "context"

// Grant is the ownership token of a queued mutual-exclusion lock. Its
// holder is, by definition, the leader for the lock's stream identity.
// Release is idempotent and is the only way leadership changes hands.
type Grant interface {
	Release()
}

// LockManager hands out exclusive named locks, queueing waiters in
// request order. Acquire blocks until granted or ctx is done; cancelling
// while queued removes the waiter without stalling the queue. No timeout
// is imposed: a waiter may block indefinitely while another holder never
// relinquishes.
type LockManager interface {
	Acquire(ctx context.Context, name string) (Grant, error)
}
