package xframe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type connConfig struct {
	queue     QueueConfig
	heartbeat HeartbeatConfig
	logger    zerolog.Logger
	metrics   Metrics
}

func defaultConnConfig() connConfig {
	return connConfig{
		queue:     defaultQueueConfig(),
		heartbeat: defaultHeartbeatConfig(),
		logger:    defaultLogger(),
		metrics:   noopMetrics{},
	}
}

// ConnOption configures websocket connections, on either side, and bus
// endpoints.
type ConnOption func(*connConfig)

func WithQueueConfig(cfg QueueConfig) ConnOption {
	return func(c *connConfig) {
		c.queue = cfg.withDefaults()
	}
}

func WithHeartbeat(cfg HeartbeatConfig) ConnOption {
	return func(c *connConfig) {
		c.heartbeat = cfg.withDefaults()
	}
}

func WithConnLogger(l zerolog.Logger) ConnOption {
	return func(c *connConfig) {
		c.logger = l
	}
}

func WithConnMetrics(m Metrics) ConnOption {
	return func(c *connConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

type connListener struct {
	id uint64
	fn func(MessageEvent)
}

// Conn is one websocket link between two contexts. It is a Destination for
// the peer and an Inbound for the frames the peer sends. The origin of
// inbound frames is fixed when the link is established; the origin a frame
// claims is ignored.
type Conn struct {
	id           ConnID
	ws           *websocket.Conn
	cfg          connConfig
	localOrigin  string
	remoteOrigin string

	send    chan []byte
	inbox   *WorkerPool
	writeMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   []connListener
	seq         atomic.Uint64

	// server-side fan-in, set before the loops start
	forward func(*Conn, MessageEvent)
	onClose func(*Conn, DisconnectReason)

	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	reason    atomic.Value
}

func newConn(ws *websocket.Conn, localOrigin, remoteOrigin string, cfg connConfig) *Conn {
	return &Conn{
		id:           ConnID(uuid.NewString()),
		ws:           ws,
		cfg:          cfg,
		localOrigin:  localOrigin,
		remoteOrigin: remoteOrigin,
		send:         make(chan []byte, cfg.queue.Size),
		inbox:        NewWorkerPoolWithQueue(1, cfg.queue.Size),
		done:         make(chan struct{}),
	}
}

// Dial connects to a websocket server as a context with the given origin.
// The server is addressed by the origin derived from rawURL (ws becomes
// http, wss becomes https).
func Dial(ctx context.Context, rawURL string, origin string, opts ...ConnOption) (*Conn, error) {
	remote, err := originFromURL(rawURL)
	if err != nil {
		return nil, err
	}

	cfg := defaultConnConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("xframe: dial %s: %w (status %d)", rawURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("xframe: dial %s: %w", rawURL, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c := newConn(ws, origin, remote, cfg)
	c.start()
	return c, nil
}

func originFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("xframe: parse url: %w", err)
	}
	switch u.Scheme {
	case "ws", "http":
		return "http://" + u.Host, nil
	case "wss", "https":
		return "https://" + u.Host, nil
	default:
		return "", fmt.Errorf("xframe: unsupported scheme %q", u.Scheme)
	}
}

func (c *Conn) ID() ConnID { return c.id }

// Origin is the authenticated origin of the peer.
func (c *Conn) Origin() string { return c.remoteOrigin }

func (c *Conn) LocalOrigin() string { return c.localOrigin }

func (c *Conn) start() {
	go c.writeLoop()
	go c.readLoop()
}

// Subscribe adds a listener for envelopes the peer sends.
func (c *Conn) Subscribe(fn func(MessageEvent)) (Subscription, error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}
	if fn == nil {
		return noopSubscription{}, nil
	}

	id := c.seq.Add(1)
	c.listenersMu.Lock()
	next := make([]connListener, len(c.listeners), len(c.listeners)+1)
	copy(next, c.listeners)
	c.listeners = append(next, connListener{id: id, fn: fn})
	c.listenersMu.Unlock()

	return &connSubscription{c: c, id: id}, nil
}

type connSubscription struct {
	c    *Conn
	id   uint64
	once sync.Once
}

func (s *connSubscription) Close() error {
	s.once.Do(func() {
		s.c.listenersMu.Lock()
		defer s.c.listenersMu.Unlock()
		next := make([]connListener, 0, len(s.c.listeners))
		for _, l := range s.c.listeners {
			if l.id != s.id {
				next = append(next, l)
			}
		}
		s.c.listeners = next
	})
	return nil
}

// PostMessage queues env for the peer. A targetOrigin that does not match
// the peer's origin drops the message silently.
func (c *Conn) PostMessage(env Envelope, targetOrigin string) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if !OriginMatches(targetOrigin, c.remoteOrigin) {
		c.cfg.metrics.IncDropped(dropTargetOrigin)
		return nil
	}

	b, err := json.Marshal(Frame{Origin: c.localOrigin, TargetOrigin: targetOrigin, Data: env})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return c.enqueue(b)
}

func (c *Conn) Reachable() bool { return !c.closed.Load() }

func (c *Conn) enqueue(b []byte) error {
	select {
	case c.send <- b:
		return nil
	default:
	}

	c.cfg.metrics.IncDropped(dropQueueFull)
	switch c.cfg.queue.DropPolicy {
	case DropOldest:
		select {
		case <-c.send:
		default:
		}
		select {
		case c.send <- b:
			return nil
		default:
			return ErrSendQueueFull
		}
	case DropAndDisconnect:
		c.closeWith(DisconnectSlowConsumer)
		return ErrSendQueueFull
	default:
		return ErrSendQueueFull
	}
}

func (c *Conn) readLoop() {
	defer c.inbox.Close()
	c.prepareRead()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			reason := DisconnectReadError
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || c.closed.Load() {
				reason = DisconnectNormal
			}
			c.closeWith(reason)
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.cfg.metrics.IncErrors(errKindUnmarshal)
			c.cfg.logger.Debug().Err(err).Str("conn_id", string(c.id)).Msg("invalid frame")
			continue
		}
		if c.localOrigin != "" && f.TargetOrigin != "" && !OriginMatches(f.TargetOrigin, c.localOrigin) {
			c.cfg.metrics.IncDropped(dropTargetOrigin)
			continue
		}

		ev := MessageEvent{Origin: c.remoteOrigin, Data: f.Data, Source: c}
		if f.Data.Kind() == KindResponse {
			c.deliver(ev)
			continue
		}
		if err := c.inbox.Submit(func() { c.deliver(ev) }); err != nil {
			return
		}
	}
}

func (c *Conn) deliver(ev MessageEvent) {
	if c.forward != nil {
		c.forward(c, ev)
	}

	c.listenersMu.RLock()
	listeners := c.listeners
	c.listenersMu.RUnlock()

	for _, l := range listeners {
		l.fn(ev)
	}
}

// Close sends a close frame and tears the link down.
func (c *Conn) Close() error {
	c.closeWith(DisconnectNormal)
	return nil
}

// Closed is closed once the connection is torn down.
func (c *Conn) Closed() <-chan struct{} { return c.done }

// Reason reports why the connection closed, or "" while it is open.
func (c *Conn) Reason() DisconnectReason {
	if r, ok := c.reason.Load().(DisconnectReason); ok {
		return r
	}
	return ""
}

func (c *Conn) closeWith(reason DisconnectReason) {
	c.closeOnce.Do(func() {
		c.reason.Store(reason)
		c.closed.Store(true)
		close(c.done)

		deadline := time.Now().Add(c.cfg.heartbeat.WriteWait)
		msg := websocket.FormatCloseMessage(closeCode(reason), string(reason))
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.ws.Close()

		c.cfg.logger.Debug().
			Str("conn_id", string(c.id)).
			Str("origin", c.remoteOrigin).
			Str("reason", string(reason)).
			Msg("websocket closed")

		if c.onClose != nil {
			c.onClose(c, reason)
		}
	})
}

func closeCode(reason DisconnectReason) int {
	switch reason {
	case DisconnectNormal:
		return websocket.CloseNormalClosure
	case DisconnectServerStop:
		return websocket.CloseGoingAway
	case DisconnectSlowConsumer, DisconnectRejected:
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseInternalServerErr
	}
}

var errNoOrigin = errors.New("xframe: missing Origin header")
