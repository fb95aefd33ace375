package bus

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streamtether/tether/internal/domain"
	"github.com/streamtether/tether/internal/xjson"
)

// Relay serves the two cross-process host capabilities over one
// websocket endpoint: named broadcast channels and named queued locks.
// Channel fan-out loops back to the publishing session. Lock grants
// follow frame arrival order; when a session drops, its grants are
// released and its queued waiters removed, which is what promotes the
// next leader after a client crash.
type Relay struct {
	logger       *slog.Logger
	upgrader     websocket.Upgrader
	pingInterval time.Duration

	mu    sync.Mutex
	subs  map[string]map[*session]struct{}
	locks map[string]*relayLock
}

type relayLock struct {
	holder  *lockRef
	waiters []*lockRef
}

type lockRef struct {
	sess *session
	req  string
}

func NewRelay(cfg domain.RelayConfig, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = domain.DefaultRelayConfig().PingInterval
	}
	return &Relay{
		logger: logger.With("component", "relay"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		pingInterval: pingInterval,
		subs:         make(map[string]map[*session]struct{}),
		locks:        make(map[string]*relayLock),
	}
}

// Handler upgrades requests and serves one session per connection.
func (r *Relay) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := r.upgrader.Upgrade(w, req, nil)
		if err != nil {
			r.logger.Warn("upgrade failed", "remote", req.RemoteAddr, "error", err)
			return
		}
		sess := &session{
			relay: r,
			conn:  conn,
			send:  make(chan frame, 64),
			done:  make(chan struct{}),
		}
		go sess.writePump(r.pingInterval)
		sess.readLoop()
	})
}

func (r *Relay) handleFrame(sess *session, f frame) {
	switch f.Op {
	case opSubscribe:
		r.subscribe(sess, f.Channel)
	case opUnsubscribe:
		r.unsubscribe(sess, f.Channel)
	case opPublish:
		r.publish(f)
	case opAcquire:
		r.acquire(sess, f.Name, f.Req)
	case opRelease:
		r.release(sess, f.Name, f.Req)
	default:
		r.logger.Debug("ignoring unknown op", "op", f.Op)
	}
}

func (r *Relay) subscribe(sess *session, channel string) {
	if channel == "" {
		return
	}
	r.mu.Lock()
	if r.subs[channel] == nil {
		r.subs[channel] = make(map[*session]struct{})
	}
	r.subs[channel][sess] = struct{}{}
	r.mu.Unlock()
}

func (r *Relay) unsubscribe(sess *session, channel string) {
	r.mu.Lock()
	if subs := r.subs[channel]; subs != nil {
		delete(subs, sess)
		if len(subs) == 0 {
			delete(r.subs, channel)
		}
	}
	r.mu.Unlock()
}

func (r *Relay) publish(f frame) {
	if f.Channel == "" || f.Envelope == nil {
		return
	}
	r.mu.Lock()
	targets := make([]*session, 0, len(r.subs[f.Channel]))
	for sess := range r.subs[f.Channel] {
		targets = append(targets, sess)
	}
	r.mu.Unlock()

	out := frame{Op: opEvent, Channel: f.Channel, Envelope: f.Envelope}
	for _, sess := range targets {
		sess.enqueue(out)
	}
}

func (r *Relay) acquire(sess *session, name, req string) {
	if name == "" || req == "" {
		return
	}
	ref := &lockRef{sess: sess, req: req}

	r.mu.Lock()
	st := r.locks[name]
	if st == nil {
		st = &relayLock{}
		r.locks[name] = st
	}
	var granted bool
	if st.holder == nil {
		st.holder = ref
		granted = true
	} else {
		st.waiters = append(st.waiters, ref)
	}
	r.mu.Unlock()

	if granted {
		sess.enqueue(frame{Op: opGranted, Name: name, Req: req})
	}
}

// release handles both a holder relinquishing and a queued waiter
// abandoning its request; clients send the same frame for either case.
func (r *Relay) release(sess *session, name, req string) {
	r.mu.Lock()
	st := r.locks[name]
	if st == nil {
		r.mu.Unlock()
		return
	}
	var promoted *lockRef
	if st.holder != nil && st.holder.sess == sess && st.holder.req == req {
		promoted = r.promoteLocked(name, st)
	} else {
		for i, w := range st.waiters {
			if w.sess == sess && w.req == req {
				st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
				break
			}
		}
		r.dropIdleLocked(name, st)
	}
	r.mu.Unlock()

	if promoted != nil {
		promoted.sess.enqueue(frame{Op: opGranted, Name: name, Req: promoted.req})
	}
}

// dropSession tears down everything a disconnected session owned.
func (r *Relay) dropSession(sess *session) {
	r.mu.Lock()
	for channel, subs := range r.subs {
		delete(subs, sess)
		if len(subs) == 0 {
			delete(r.subs, channel)
		}
	}

	var promotions []struct {
		name string
		ref  *lockRef
	}
	for name, st := range r.locks {
		live := st.waiters[:0]
		for _, w := range st.waiters {
			if w.sess != sess {
				live = append(live, w)
			}
		}
		st.waiters = live
		if st.holder != nil && st.holder.sess == sess {
			if next := r.promoteLocked(name, st); next != nil {
				promotions = append(promotions, struct {
					name string
					ref  *lockRef
				}{name, next})
			}
		} else {
			r.dropIdleLocked(name, st)
		}
	}
	r.mu.Unlock()

	for _, p := range promotions {
		p.ref.sess.enqueue(frame{Op: opGranted, Name: p.name, Req: p.ref.req})
	}
}

// promoteLocked moves the next waiter into the holder slot. Callers hold
// r.mu and send the granted frame after unlocking.
func (r *Relay) promoteLocked(name string, st *relayLock) *lockRef {
	if len(st.waiters) == 0 {
		st.holder = nil
		delete(r.locks, name)
		return nil
	}
	st.holder = st.waiters[0]
	st.waiters = st.waiters[1:]
	return st.holder
}

func (r *Relay) dropIdleLocked(name string, st *relayLock) {
	if st.holder == nil && len(st.waiters) == 0 {
		delete(r.locks, name)
	}
}

type session struct {
	relay *Relay
	conn  *websocket.Conn
	send  chan frame

	closeOnce sync.Once
	done      chan struct{}
}

func (s *session) readLoop() {
	defer s.close()
	readWait := 2 * s.relay.pingInterval
	_ = s.conn.SetReadDeadline(time.Now().Add(readWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readWait))
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readWait))
		var f frame
		if err := xjson.Unmarshal(data, &f); err != nil {
			s.relay.logger.Debug("dropping malformed frame", "error", err)
			continue
		}
		s.relay.handleFrame(s, f)
	}
}

func (s *session) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case f := <-s.send:
			data, err := xjson.Marshal(f)
			if err != nil {
				s.relay.logger.Error("frame encode failed", "op", f.Op, "error", err)
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(pingInterval))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(pingInterval))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) enqueue(f frame) {
	select {
	case s.send <- f:
	case <-s.done:
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
		s.relay.dropSession(s)
	})
}
