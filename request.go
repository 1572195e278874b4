package xframe

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Future is the deferred result of a request. It settles exactly once,
// with either the response payload or an error.
type Future struct {
	requestID string
	ch        chan struct{}
	once      sync.Once

	mu      sync.Mutex
	payload json.RawMessage
	err     error

	cancel func()
}

func newFuture(requestID string) *Future {
	return &Future{
		requestID: requestID,
		ch:        make(chan struct{}),
	}
}

// settle completes the future; later calls are ignored.
func (f *Future) settle(payload json.RawMessage, err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.payload = payload
		f.err = err
		f.mu.Unlock()
		close(f.ch)
	})
}

func (f *Future) RequestID() string { return f.requestID }

// Done is closed once the future has settled.
func (f *Future) Done() <-chan struct{} { return f.ch }

// Wait blocks until the future settles or ctx ends. Ending ctx does not
// cancel the request; use Cancel for that.
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.ch:
		return f.result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Response is the settled outcome of a Future. Payload and Err are
// mutually exclusive.
type Response struct {
	RequestID string
	Payload   json.RawMessage
	Err       error
}

// Result returns the outcome and whether the future has settled.
func (f *Future) Result() (Response, bool) {
	select {
	case <-f.ch:
		payload, err := f.result()
		return Response{RequestID: f.requestID, Payload: payload, Err: err}, true
	default:
		return Response{}, false
	}
}

// OnDone runs cb in a new goroutine once the future settles.
func (f *Future) OnDone(cb func(payload json.RawMessage, err error)) {
	go func() {
		<-f.ch
		cb(f.result())
	}()
}

// Cancel drops the pending request and settles the future with
// context.Canceled. A response arriving afterwards is discarded.
func (f *Future) Cancel() {
	if f.cancel != nil {
		f.cancel()
	}
}

func (f *Future) result() (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payload, f.err
}

type pendingRequest struct {
	future  *Future
	timer   *time.Timer
	msgType string
	started time.Time
}

// pendingTable holds in-flight requests by correlation id. Removing an
// entry is the only way to obtain the right to settle it.
type pendingTable struct {
	mu     sync.Mutex
	items  map[string]*pendingRequest
	closed bool
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		items: make(map[string]*pendingRequest),
	}
}

// open registers a request under a fresh id and arms its timer. The timer
// is armed under the lock so expire never observes a half-built entry.
func (t *pendingTable) open(newID func() string, msgType string, timeout time.Duration, expire func(id string)) (*pendingRequest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrMessengerDestroyed
	}

	id := newID()
	for {
		if _, exists := t.items[id]; id != "" && !exists {
			break
		}
		id = uuid.NewString()
	}

	p := &pendingRequest{
		future:  newFuture(id),
		msgType: msgType,
		started: time.Now(),
	}
	t.items[id] = p
	p.timer = time.AfterFunc(timeout, func() { expire(id) })
	return p, nil
}

func (t *pendingTable) take(id string) (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.items[id]
	if !ok {
		return nil, false
	}
	delete(t.items, id)
	p.timer.Stop()
	return p, true
}

func (t *pendingTable) has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.items[id]
	return ok
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// drain closes the table and returns every remaining entry.
func (t *pendingTable) drain() []*pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	out := make([]*pendingRequest, 0, len(t.items))
	for id, p := range t.items {
		p.timer.Stop()
		out = append(out, p)
		delete(t.items, id)
	}
	return out
}
