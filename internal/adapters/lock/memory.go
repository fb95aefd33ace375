// Package lock provides the in-process queued mutual-exclusion capability.
// Instances sharing one process coordinate leadership through a single
// Manager; cross-process deployments use the relay-backed manager instead.
package lock

import (
	"context"
	"log/slog"
	"sync"

	"github.com/streamtether/tether/internal/ports"
)

type Manager struct {
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*lockState
}

type lockState struct {
	held    bool
	waiters []*waiter
}

type waiter struct {
	ready chan struct{}
	// granted is set under Manager.mu before ready is closed, so a
	// cancelled Acquire can tell a raced grant from a plain dequeue.
	granted bool
	gone    bool
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger: logger.With("component", "lock-manager"),
		locks:  make(map[string]*lockState),
	}
}

// Acquire grants the named lock immediately when free, otherwise queues
// the caller in arrival order. Cancelling the context while queued
// removes the waiter; if the grant raced the cancellation, it is passed
// straight to the next waiter so the queue never stalls.
func (m *Manager) Acquire(ctx context.Context, name string) (ports.Grant, error) {
	m.mu.Lock()
	st := m.locks[name]
	if st == nil {
		st = &lockState{}
		m.locks[name] = st
	}
	if !st.held {
		st.held = true
		m.mu.Unlock()
		m.logger.Debug("lock granted", "name", name)
		return &grant{m: m, name: name}, nil
	}
	w := &waiter{ready: make(chan struct{})}
	st.waiters = append(st.waiters, w)
	m.mu.Unlock()

	select {
	case <-w.ready:
		m.logger.Debug("lock granted after wait", "name", name)
		return &grant{m: m, name: name}, nil
	case <-ctx.Done():
		m.mu.Lock()
		if w.granted {
			m.promoteLocked(name)
		} else {
			w.gone = true
			m.purgeLocked(name)
		}
		m.mu.Unlock()
		return nil, ctx.Err()
	}
}

type grant struct {
	m    *Manager
	name string
	once sync.Once
}

func (g *grant) Release() {
	g.once.Do(func() {
		g.m.mu.Lock()
		g.m.promoteLocked(g.name)
		g.m.mu.Unlock()
		g.m.logger.Debug("lock released", "name", g.name)
	})
}

// promoteLocked hands the lock to the next live waiter, or frees it.
// Callers hold m.mu.
func (m *Manager) promoteLocked(name string) {
	st := m.locks[name]
	if st == nil {
		return
	}
	for len(st.waiters) > 0 {
		w := st.waiters[0]
		st.waiters = st.waiters[1:]
		if w.gone {
			continue
		}
		w.granted = true
		close(w.ready)
		return
	}
	st.held = false
	delete(m.locks, name)
}

// purgeLocked drops cancelled waiters and forgets idle locks. Callers
// hold m.mu.
func (m *Manager) purgeLocked(name string) {
	st := m.locks[name]
	if st == nil {
		return
	}
	live := st.waiters[:0]
	for _, w := range st.waiters {
		if !w.gone {
			live = append(live, w)
		}
	}
	st.waiters = live
	if !st.held && len(st.waiters) == 0 {
		delete(m.locks, name)
	}
}
