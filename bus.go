package xframe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// PubSub is a channel-addressed message bus shared by several processes.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (Subscription, error)
}

// BusEndpoint is a context that lives at a pub/sub channel. It is the
// Inbound for frames published to that channel, and To returns handles on
// other endpoints. Anything with access to the bus is trusted to state its
// own origin, so the origin of inbound frames is the one they carry.
type BusEndpoint struct {
	bus     PubSub
	channel string
	origin  string
	cfg     connConfig

	ctx    context.Context
	cancel context.CancelFunc
	sub    Subscription
	loop   *WorkerPool

	listenersMu sync.RWMutex
	listeners   []connListener
	seq         atomic.Uint64

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewBusEndpoint subscribes to channel as a context with the given origin.
// Queue, logger and metrics options apply; heartbeat options are ignored.
func NewBusEndpoint(ctx context.Context, bus PubSub, channel string, origin string, opts ...ConnOption) (*BusEndpoint, error) {
	if bus == nil {
		return nil, errors.New("xframe: nil pubsub")
	}
	if channel == "" {
		return nil, errors.New("xframe: empty bus channel")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cfg := defaultConnConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	e := &BusEndpoint{
		bus:     bus,
		channel: channel,
		origin:  origin,
		cfg:     cfg,
		loop:    NewWorkerPoolWithQueue(1, cfg.queue.Size),
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	sub, err := bus.Subscribe(e.ctx, channel, e.receive)
	if err != nil {
		e.cancel()
		e.loop.Close()
		return nil, fmt.Errorf("xframe: bus endpoint %s: %w", channel, err)
	}
	e.sub = sub
	return e, nil
}

func (e *BusEndpoint) Channel() string { return e.channel }

func (e *BusEndpoint) Origin() string { return e.origin }

func (e *BusEndpoint) receive(payload []byte) {
	if e.closed.Load() {
		return
	}

	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		e.cfg.metrics.IncErrors(errKindUnmarshal)
		e.cfg.logger.Debug().Err(err).Str("channel", e.channel).Msg("invalid bus frame")
		return
	}
	if !OriginMatches(f.TargetOrigin, e.origin) {
		e.cfg.metrics.IncDropped(dropTargetOrigin)
		return
	}

	ev := MessageEvent{Origin: f.Origin, Data: f.Data}
	if f.Data.Kind() == KindResponse {
		e.deliver(ev)
		return
	}
	if err := e.loop.TrySubmit(func() { e.deliver(ev) }); err != nil {
		e.cfg.metrics.IncDropped(dropQueueFull)
		e.cfg.logger.Warn().Err(err).Str("channel", e.channel).Str("type", f.Data.Type).Msg("bus frame dropped")
	}
}

func (e *BusEndpoint) deliver(ev MessageEvent) {
	e.listenersMu.RLock()
	listeners := e.listeners
	e.listenersMu.RUnlock()

	for _, l := range listeners {
		l.fn(ev)
	}
}

func (e *BusEndpoint) Subscribe(fn func(MessageEvent)) (Subscription, error) {
	if e.closed.Load() {
		return nil, ErrConnectionClosed
	}
	if fn == nil {
		return noopSubscription{}, nil
	}

	id := e.seq.Add(1)
	e.listenersMu.Lock()
	next := make([]connListener, len(e.listeners), len(e.listeners)+1)
	copy(next, e.listeners)
	e.listeners = append(next, connListener{id: id, fn: fn})
	e.listenersMu.Unlock()

	return &busSubscription{e: e, id: id}, nil
}

type busSubscription struct {
	e    *BusEndpoint
	id   uint64
	once sync.Once
}

func (s *busSubscription) Close() error {
	s.once.Do(func() {
		s.e.listenersMu.Lock()
		defer s.e.listenersMu.Unlock()
		next := make([]connListener, 0, len(s.e.listeners))
		for _, l := range s.e.listeners {
			if l.id != s.id {
				next = append(next, l)
			}
		}
		s.e.listeners = next
	})
	return nil
}

// To returns a Destination publishing to channel on behalf of e.
func (e *BusEndpoint) To(channel string) Destination {
	return &busTarget{from: e, channel: channel}
}

// Close unsubscribes from the bus. Frames already queued are still
// delivered.
func (e *BusEndpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		err = e.sub.Close()
		e.cancel()
		e.loop.Close()
	})
	return err
}

type busTarget struct {
	from    *BusEndpoint
	channel string
}

func (t *busTarget) PostMessage(env Envelope, targetOrigin string) error {
	if t.from.closed.Load() {
		return ErrConnectionClosed
	}
	b, err := json.Marshal(Frame{Origin: t.from.origin, TargetOrigin: targetOrigin, Data: env})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := t.from.bus.Publish(t.from.ctx, t.channel, b); err != nil {
		return fmt.Errorf("xframe: publish %s: %w", t.channel, err)
	}
	return nil
}

func (t *busTarget) Reachable() bool {
	return !t.from.closed.Load() && t.channel != ""
}
