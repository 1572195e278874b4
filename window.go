package xframe

import (
	"errors"
	"sync"
	"sync/atomic"
)

type windowListener struct {
	id uint64
	fn func(MessageEvent)
}

// Window is an in-process execution context: an origin, a listener list and
// a single-worker event loop. Commands posted to a window are copied and
// delivered to its listeners one at a time, in posting order. Responses are
// delivered on the posting goroutine.
type Window struct {
	origin string
	loop   *WorkerPool

	mu        sync.RWMutex
	listeners []windowListener
	seq       atomic.Uint64
	closed    atomic.Bool
}

func NewWindow(origin string) *Window {
	return NewWindowWithQueue(origin, 1024)
}

func NewWindowWithQueue(origin string, queueSize int) *Window {
	return &Window{
		origin: origin,
		loop:   NewWorkerPoolWithQueue(1, queueSize),
	}
}

func (w *Window) Origin() string { return w.origin }

type windowSubscription struct {
	w    *Window
	id   uint64
	once sync.Once
}

func (s *windowSubscription) Close() error {
	s.once.Do(func() {
		s.w.mu.Lock()
		defer s.w.mu.Unlock()
		next := make([]windowListener, 0, len(s.w.listeners))
		for _, l := range s.w.listeners {
			if l.id != s.id {
				next = append(next, l)
			}
		}
		s.w.listeners = next
	})
	return nil
}

// Subscribe adds a listener for messages posted to this window.
func (w *Window) Subscribe(fn func(MessageEvent)) (Subscription, error) {
	if w.closed.Load() {
		return nil, ErrConnectionClosed
	}
	if fn == nil {
		return noopSubscription{}, nil
	}

	id := w.seq.Add(1)

	w.mu.Lock()
	next := make([]windowListener, len(w.listeners), len(w.listeners)+1)
	copy(next, w.listeners)
	w.listeners = append(next, windowListener{id: id, fn: fn})
	w.mu.Unlock()

	return &windowSubscription{w: w, id: id}, nil
}

// From returns a handle that posts into w on behalf of sender.
func (w *Window) From(sender *Window) Destination {
	return &windowHandle{target: w, source: sender.Origin()}
}

// FromOrigin returns a handle that posts into w stamped with origin.
func (w *Window) FromOrigin(origin string) Destination {
	return &windowHandle{target: w, source: origin}
}

// Close makes the window unreachable. Messages already queued are still
// delivered.
func (w *Window) Close() {
	if w.closed.CompareAndSwap(false, true) {
		w.loop.Close()
	}
}

func (w *Window) Closed() bool { return w.closed.Load() }

func (w *Window) post(ev MessageEvent, targetOrigin string) error {
	if w.closed.Load() {
		return ErrConnectionClosed
	}
	if !OriginMatches(targetOrigin, w.origin) {
		return nil
	}

	ev.Data = ev.Data.Clone()
	if ev.Data.Kind() == KindResponse {
		// Responses settle pending requests without waiting behind a
		// handler that is blocked on one of them.
		w.deliver(ev)
		return nil
	}
	err := w.loop.TrySubmit(func() { w.deliver(ev) })
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrPoolFull):
		return ErrSendQueueFull
	default:
		return ErrConnectionClosed
	}
}

func (w *Window) deliver(ev MessageEvent) {
	w.mu.RLock()
	listeners := w.listeners
	w.mu.RUnlock()

	for _, l := range listeners {
		l.fn(ev)
	}
}

type windowHandle struct {
	target *Window
	source string
}

func (h *windowHandle) PostMessage(env Envelope, targetOrigin string) error {
	return h.target.post(MessageEvent{Origin: h.source, Data: env}, targetOrigin)
}

func (h *windowHandle) Reachable() bool {
	return !h.target.Closed()
}
