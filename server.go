package xframe

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// Server accepts child contexts over websocket. It is the Inbound of the
// host side: every frame from every connection is delivered to its
// subscribers, stamped with the Origin header the connection was upgraded
// with.
type Server struct {
	upgrader websocket.Upgrader
	origin   string
	allowed  map[string]struct{}
	conn     connConfig

	mu    sync.RWMutex
	conns map[ConnID]*Conn

	listenersMu sync.RWMutex
	listeners   []connListener
	seq         atomic.Uint64

	hooksMu           sync.RWMutex
	onConnectHooks    []OnConnectHook
	onDisconnectHooks []OnDisconnectHook

	shuttingDown atomic.Bool
}

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		conn:  defaultConnConfig(),
		conns: make(map[ConnID]*Conn),
	}
	s.upgrader.CheckOrigin = s.checkOrigin

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithServerOrigin sets the origin of the host context. Frames addressed to
// another origin are dropped.
func WithServerOrigin(origin string) ServerOption {
	return func(s *Server) {
		s.origin = origin
	}
}

// WithAllowedOrigins restricts which origins may connect. Without it every
// origin is accepted.
func WithAllowedOrigins(origins ...string) ServerOption {
	return func(s *Server) {
		if len(origins) == 0 {
			return
		}
		s.allowed = make(map[string]struct{}, len(origins))
		for _, o := range origins {
			s.allowed[o] = struct{}{}
		}
	}
}

func WithCheckOrigin(check func(r *http.Request) bool) ServerOption {
	return func(s *Server) {
		if check != nil {
			s.upgrader.CheckOrigin = check
		}
	}
}

func WithBufferSizes(read, write int) ServerOption {
	return func(s *Server) {
		if read > 0 {
			s.upgrader.ReadBufferSize = read
		}
		if write > 0 {
			s.upgrader.WriteBufferSize = write
		}
	}
}

// WithConnOptions applies opts to every accepted connection.
func WithConnOptions(opts ...ConnOption) ServerOption {
	return func(s *Server) {
		for _, opt := range opts {
			opt(&s.conn)
		}
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.allowed) == 0 {
		return true
	}
	_, ok := s.allowed[r.Header.Get("Origin")]
	return ok
}

func (s *Server) OnConnect(hook OnConnectHook) {
	if hook == nil {
		return
	}
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.onConnectHooks = append(s.onConnectHooks, hook)
}

func (s *Server) OnDisconnect(hook OnDisconnectHook) {
	if hook == nil {
		return
	}
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.onDisconnectHooks = append(s.onDisconnectHooks, hook)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		http.Error(w, errNoOrigin.Error(), http.StatusForbidden)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.conn.logger.Debug().Err(err).Str("origin", origin).Msg("websocket upgrade failed")
		return
	}

	c := newConn(ws, s.origin, origin, s.conn)
	c.forward = s.deliver
	c.onClose = s.remove

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	s.hooksMu.RLock()
	hooks := append([]OnConnectHook(nil), s.onConnectHooks...)
	s.hooksMu.RUnlock()

	for i, hook := range hooks {
		if err := hook(r.Context(), c); err != nil {
			s.conn.logger.Warn().Err(err).Str("conn_id", string(c.id)).Str("origin", origin).Msg("connection rejected")
			s.reject(c, i > 0)
			return
		}
	}

	s.conn.logger.Debug().Str("conn_id", string(c.id)).Str("origin", origin).Msg("websocket connected")
	c.start()
}

func (s *Server) deliver(_ *Conn, ev MessageEvent) {
	s.listenersMu.RLock()
	listeners := s.listeners
	s.listenersMu.RUnlock()

	for _, l := range listeners {
		l.fn(ev)
	}
}

// reject tears down a connection refused by an OnConnect hook. Disconnect
// hooks run only when an earlier connect hook already accepted it, so that
// hook can undo its work.
func (s *Server) reject(c *Conn, undo bool) {
	c.onClose = nil
	c.inbox.Close()
	c.closeWith(DisconnectRejected)
	if undo {
		s.remove(c, DisconnectRejected)
		return
	}
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
}

func (s *Server) remove(c *Conn, reason DisconnectReason) {
	s.mu.Lock()
	_, ok := s.conns[c.id]
	delete(s.conns, c.id)
	s.mu.Unlock()
	if !ok {
		return
	}

	s.hooksMu.RLock()
	hooks := append([]OnDisconnectHook(nil), s.onDisconnectHooks...)
	s.hooksMu.RUnlock()

	for _, hook := range hooks {
		hook(context.Background(), c, reason)
	}
}

// Subscribe adds a listener for frames from every connection.
func (s *Server) Subscribe(fn func(MessageEvent)) (Subscription, error) {
	if fn == nil {
		return noopSubscription{}, nil
	}

	id := s.seq.Add(1)
	s.listenersMu.Lock()
	next := make([]connListener, len(s.listeners), len(s.listeners)+1)
	copy(next, s.listeners)
	s.listeners = append(next, connListener{id: id, fn: fn})
	s.listenersMu.Unlock()

	return &serverSubscription{s: s, id: id}, nil
}

type serverSubscription struct {
	s    *Server
	id   uint64
	once sync.Once
}

func (sub *serverSubscription) Close() error {
	sub.once.Do(func() {
		sub.s.listenersMu.Lock()
		defer sub.s.listenersMu.Unlock()
		next := make([]connListener, 0, len(sub.s.listeners))
		for _, l := range sub.s.listeners {
			if l.id != sub.id {
				next = append(next, l)
			}
		}
		sub.s.listeners = next
	})
	return nil
}

func (s *Server) Conn(id ConnID) (*Conn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[id]
	return c, ok
}

// Conns returns the open connections ordered by id.
func (s *Server) Conns() []*Conn {
	s.mu.RLock()
	out := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Shutdown stops accepting connections and closes the open ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)
	for _, c := range s.Conns() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		c.closeWith(DisconnectServerStop)
	}
	return nil
}
