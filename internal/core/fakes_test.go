package core

import (
	"context"
	"sync"

	"github.com/streamtether/tether/internal/domain"
	"github.com/streamtether/tether/internal/ports"
)

// fakeStreams scripts the real push-stream capability: tests drive the
// callbacks of whichever connection the current leader opened.
type fakeStreams struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (f *fakeStreams) Open(ctx context.Context, target string, withCredentials bool, cb ports.StreamCallbacks) (ports.StreamConn, error) {
	conn := &fakeConn{target: target, withCredentials: withCredentials, cb: cb}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
	return conn, nil
}

func (f *fakeStreams) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeStreams) last() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

func (f *fakeStreams) at(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

type fakeConn struct {
	target          string
	withCredentials bool
	cb              ports.StreamCallbacks

	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) open() {
	if c.cb.OnOpen != nil {
		c.cb.OnOpen()
	}
}

func (c *fakeConn) emit(data string) {
	if c.cb.OnMessage != nil {
		c.cb.OnMessage(domain.StreamMessage{Data: data, Origin: "https://fake.test", LastEventID: "1"})
	}
}

func (c *fakeConn) fail() {
	if c.cb.OnError != nil {
		c.cb.OnError(domain.ErrConnectionFailed)
	}
}
