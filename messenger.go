package xframe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Messenger is the dispatch and correlation engine shared by every
// variant. It owns one subscription to its inbound stream, one handler
// table and one pending-request table; nothing is shared across instances.
type Messenger struct {
	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc

	expectedOrigin string
	resolver       Resolver
	sub            Subscription

	handlers *handlerTable
	pending  *pendingTable

	middlewaresMu sync.RWMutex
	middlewares   []Middleware

	logger          zerolog.Logger
	metrics         Metrics
	unhandled       UnhandledFunc
	newID           func() string
	requestTimeout  time.Duration
	autoReplyErrors bool

	destroyed   atomic.Bool
	destroyOnce sync.Once

	inMessages  atomic.Uint64
	outMessages atomic.Uint64
	dropped     atomic.Uint64
	unhandledN  atomic.Uint64
	timeouts    atomic.Uint64
	errorsCount atomic.Uint64
}

// NewMessenger subscribes to inbound and routes outbound envelopes through
// resolver. Without WithExpectedOrigin every origin is accepted.
func NewMessenger(inbound Inbound, resolver Resolver, opts ...Option) (*Messenger, error) {
	if inbound == nil {
		return nil, errors.New("xframe: nil inbound stream")
	}
	if resolver == nil {
		return nil, errors.New("xframe: nil resolver")
	}

	m := &Messenger{
		parent:         context.Background(),
		expectedOrigin: AnyOrigin,
		resolver:       resolver,
		handlers:       newHandlerTable(),
		pending:        newPendingTable(),
		logger:         defaultLogger(),
		metrics:        noopMetrics{},
		newID:          defaultIDGenerator,
		requestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.unhandled == nil {
		m.unhandled = m.logUnhandled
	}
	m.ctx, m.cancel = context.WithCancel(m.parent)

	sub, err := inbound.Subscribe(m.dispatch)
	if err != nil {
		m.cancel()
		return nil, fmt.Errorf("xframe: subscribe inbound: %w", err)
	}
	m.sub = sub
	return m, nil
}

func (m *Messenger) ExpectedOrigin() string { return m.expectedOrigin }

func (m *Messenger) Logger() zerolog.Logger { return m.logger }

// =========================
// Dispatch
// =========================

func (m *Messenger) dispatch(ev MessageEvent) {
	if m.destroyed.Load() {
		return
	}
	if m.expectedOrigin != AnyOrigin && ev.Origin != m.expectedOrigin {
		m.drop(dropOriginMismatch)
		return
	}

	env := ev.Data
	m.inMessages.Add(1)
	m.metrics.IncMessagesIn(envelopeLabel(env))

	if env.ResponseTo != "" {
		if p, ok := m.pending.take(env.ResponseTo); ok {
			m.settleResponse(p, env)
			return
		}
	}

	if env.Type == "" {
		if env.ResponseTo != "" {
			m.drop(dropUnmatched)
		} else {
			m.drop(dropMalformed)
		}
		return
	}

	entries := m.handlers.snapshot(env.Type)
	if len(entries) == 0 {
		m.unhandledN.Add(1)
		m.metrics.IncDropped(dropUnhandled)
		m.unhandled(ev)
		return
	}

	source := m.sourceFor(ev)
	for _, e := range entries {
		if m.destroyed.Load() {
			return
		}
		m.invoke(e, ev, source)
	}
}

func (m *Messenger) invoke(e handlerEntry, ev MessageEvent, source string) {
	c := &Context{
		Context:   m.ctx,
		Messenger: m,
		Origin:    ev.Origin,
		Source:    source,
		Envelope:  ev.Data,
	}

	err := e.handler(c)
	if err == nil {
		return
	}

	m.errorsCount.Add(1)
	m.metrics.IncErrors(errKindHandler)
	m.logger.Error().
		Err(err).
		Str("type", ev.Data.Type).
		Str("origin", ev.Origin).
		Str("request_id", ev.Data.RequestID).
		Msg("handler failed")

	if m.autoReplyErrors && ev.Data.RequestID != "" && !c.Replied() {
		if rerr := c.ReplyError(err.Error()); rerr != nil {
			m.logger.Debug().Err(rerr).Str("request_id", ev.Data.RequestID).Msg("auto reply failed")
		}
	}
}

func (m *Messenger) settleResponse(p *pendingRequest, env Envelope) {
	m.metrics.ObserveRequestLatency(p.msgType, time.Since(p.started))
	if env.Error != "" {
		m.errorsCount.Add(1)
		m.metrics.IncErrors(errKindRemote)
		p.future.settle(nil, &RemoteError{RequestID: env.ResponseTo, Message: env.Error})
		return
	}
	p.future.settle(env.Payload, nil)
}

func (m *Messenger) expire(id string) {
	p, ok := m.pending.take(id)
	if !ok {
		return
	}
	m.timeouts.Add(1)
	m.metrics.IncErrors(errKindTimeout)
	p.future.settle(nil, fmt.Errorf("%w: %s (request %s)", ErrRequestTimeout, p.msgType, id))
}

func (m *Messenger) cancelRequest(id string, cause error) {
	if p, ok := m.pending.take(id); ok {
		p.future.settle(nil, cause)
	}
}

func (m *Messenger) drop(reason string) {
	m.dropped.Add(1)
	m.metrics.IncDropped(reason)
}

func (m *Messenger) logUnhandled(ev MessageEvent) {
	m.logger.Warn().
		Err(ErrUnhandledMessageType).
		Str("type", ev.Data.Type).
		Str("origin", ev.Origin).
		Str("request_id", ev.Data.RequestID).
		Msg("no handler for message type")
}

type sourceLookup interface {
	IDForDestination(dest Destination) (string, bool)
	IDForOrigin(origin string) (string, bool)
}

func (m *Messenger) sourceFor(ev MessageEvent) string {
	lookup, ok := m.resolver.(sourceLookup)
	if !ok {
		return ""
	}
	if ev.Source != nil {
		if id, found := lookup.IDForDestination(ev.Source); found {
			return id
		}
	}
	if id, found := lookup.IDForOrigin(ev.Origin); found {
		return id
	}
	return ""
}

// =========================
// Handlers
// =========================

// Use appends global middleware. It applies to handlers registered after
// the call.
func (m *Messenger) Use(mw ...Middleware) {
	m.middlewaresMu.Lock()
	defer m.middlewaresMu.Unlock()
	m.middlewares = append(m.middlewares, mw...)
}

// On registers h for msgType. Handlers run in registration order.
func (m *Messenger) On(msgType string, h HandlerFunc) HandlerID {
	return m.OnWith(msgType, h)
}

// OnWith registers h wrapped in the global middleware followed by mw.
func (m *Messenger) OnWith(msgType string, h HandlerFunc, mw ...Middleware) HandlerID {
	if h == nil || msgType == "" || m.destroyed.Load() {
		return 0
	}
	return m.handlers.add(msgType, m.wrapHandler(h, mw...))
}

// Off removes the registration id from msgType. It reports whether a
// handler was removed.
func (m *Messenger) Off(msgType string, id HandlerID) bool {
	return m.handlers.remove(msgType, id)
}

func (m *Messenger) wrapHandler(h HandlerFunc, routeMW ...Middleware) HandlerFunc {
	m.middlewaresMu.RLock()
	global := append([]Middleware(nil), m.middlewares...)
	m.middlewaresMu.RUnlock()

	chain := append([]Middleware{RecoverMiddleware(m.logger)}, global...)
	chain = append(chain, routeMW...)
	return Chain(chain...)(h)
}

// =========================
// Outbound
// =========================

// Send posts a fire-and-forget event to the default destination.
func (m *Messenger) Send(msgType string, payload any) error {
	return m.sendVia("", msgType, payload)
}

// Request posts msgType and waits for the correlated response, the default
// timeout, or the end of ctx, whichever comes first.
func (m *Messenger) Request(ctx context.Context, msgType string, payload any) (json.RawMessage, error) {
	return m.RequestTimeout(ctx, msgType, payload, 0)
}

// RequestTimeout is Request with an explicit timeout; zero means default.
func (m *Messenger) RequestTimeout(ctx context.Context, msgType string, payload any, timeout time.Duration) (json.RawMessage, error) {
	f, err := m.requestVia("", msgType, payload, timeout)
	if err != nil {
		return nil, err
	}
	return m.await(ctx, f)
}

// RequestAsync posts msgType and returns the deferred response. Resolution
// errors are returned immediately and start no timer.
func (m *Messenger) RequestAsync(msgType string, payload any, timeout time.Duration) (*Future, error) {
	return m.requestVia("", msgType, payload, timeout)
}

// Respond answers requestID on the default destination.
func (m *Messenger) Respond(requestID string, payload any, errMsg string) error {
	return m.respondVia("", requestID, payload, errMsg)
}

func (m *Messenger) sendVia(id string, msgType string, payload any) error {
	if m.destroyed.Load() {
		return ErrMessengerDestroyed
	}
	env, err := newCommand(msgType, payload, "")
	if err != nil {
		return err
	}
	dest, origin, err := m.resolve(id)
	if err != nil {
		return err
	}
	return m.post(dest, origin, env)
}

func (m *Messenger) respondVia(id string, requestID string, payload any, errMsg string) error {
	if m.destroyed.Load() {
		return ErrMessengerDestroyed
	}
	env, err := newResponse(requestID, payload, errMsg)
	if err != nil {
		return err
	}
	dest, origin, err := m.resolve(id)
	if err != nil {
		return err
	}
	return m.post(dest, origin, env)
}

func (m *Messenger) requestVia(id string, msgType string, payload any, timeout time.Duration) (*Future, error) {
	if m.destroyed.Load() {
		return nil, ErrMessengerDestroyed
	}
	if timeout <= 0 {
		timeout = m.requestTimeout
	}
	env, err := newCommand(msgType, payload, "")
	if err != nil {
		return nil, err
	}
	dest, origin, err := m.resolve(id)
	if err != nil {
		return nil, err
	}

	p, err := m.pending.open(m.newID, msgType, timeout, m.expire)
	if err != nil {
		return nil, err
	}
	requestID := p.future.RequestID()
	p.future.cancel = func() { m.cancelRequest(requestID, context.Canceled) }

	env.RequestID = requestID
	if err := m.post(dest, origin, env); err != nil {
		m.cancelRequest(requestID, err)
		return nil, err
	}
	return p.future, nil
}

func (m *Messenger) await(ctx context.Context, f *Future) (json.RawMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.Done():
	case <-ctx.Done():
		m.cancelRequest(f.RequestID(), ctx.Err())
		<-f.Done()
	}
	return f.result()
}

func (m *Messenger) resolve(id string) (Destination, string, error) {
	dest, origin, err := m.resolver.Resolve(id)
	if err != nil {
		m.metrics.IncErrors(errKindDestination)
		return nil, "", err
	}
	return dest, origin, nil
}

func (m *Messenger) post(dest Destination, targetOrigin string, env Envelope) error {
	if err := dest.PostMessage(env, targetOrigin); err != nil {
		m.errorsCount.Add(1)
		m.metrics.IncErrors(errKindPost)
		return err
	}
	m.outMessages.Add(1)
	m.metrics.IncMessagesOut(envelopeLabel(env))
	return nil
}

// =========================
// Teardown
// =========================

// Destroy unsubscribes from the inbound stream, clears the handler table
// and rejects every outstanding request with ErrMessengerDestroyed. Calls
// after the first are no-ops.
func (m *Messenger) Destroy() error {
	var err error
	m.destroyOnce.Do(func() {
		m.destroyed.Store(true)
		m.cancel()

		if m.sub != nil {
			err = m.sub.Close()
		}
		m.handlers.clear()

		for _, p := range m.pending.drain() {
			p.future.settle(nil, ErrMessengerDestroyed)
		}
	})
	return err
}

func (m *Messenger) Destroyed() bool { return m.destroyed.Load() }

// Pending reports whether requestID is still awaiting a response.
func (m *Messenger) Pending(requestID string) bool {
	return m.pending.has(requestID)
}

func (m *Messenger) Stats() Stats {
	return Stats{
		InMessages:  m.inMessages.Load(),
		OutMessages: m.outMessages.Load(),
		Dropped:     m.dropped.Load(),
		Unhandled:   m.unhandledN.Load(),
		Timeouts:    m.timeouts.Load(),
		Errors:      m.errorsCount.Load(),
		Pending:     m.pending.len(),
		Handlers:    m.handlers.count(),
	}
}
