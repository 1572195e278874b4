package xframe

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const (
	hostOrigin = "https://host.test"
	appOrigin  = "https://app.test"
)

type fakeInbound struct {
	mu     sync.Mutex
	subs   map[int]func(MessageEvent)
	next   int
	closed int
}

func newFakeInbound() *fakeInbound {
	return &fakeInbound{subs: make(map[int]func(MessageEvent))}
}

type fakeSub struct {
	in *fakeInbound
	id int
}

func (s fakeSub) Close() error {
	s.in.mu.Lock()
	defer s.in.mu.Unlock()
	if _, ok := s.in.subs[s.id]; ok {
		delete(s.in.subs, s.id)
		s.in.closed++
	}
	return nil
}

func (f *fakeInbound) Subscribe(fn func(MessageEvent)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.subs[f.next] = fn
	return fakeSub{in: f, id: f.next}, nil
}

func (f *fakeInbound) emit(origin string, env Envelope) {
	f.mu.Lock()
	subs := make([]func(MessageEvent), 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()

	for _, fn := range subs {
		fn(MessageEvent{Origin: origin, Data: env})
	}
}

func (f *fakeInbound) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type posted struct {
	env          Envelope
	targetOrigin string
}

type fakeDestination struct {
	mu          sync.Mutex
	posts       []posted
	unreachable atomic.Bool
	err         error
}

func (d *fakeDestination) PostMessage(env Envelope, targetOrigin string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.posts = append(d.posts, posted{env: env, targetOrigin: targetOrigin})
	return nil
}

func (d *fakeDestination) Reachable() bool { return !d.unreachable.Load() }

func (d *fakeDestination) all() []posted {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]posted(nil), d.posts...)
}

func (d *fakeDestination) last(t *testing.T) posted {
	t.Helper()
	all := d.all()
	if len(all) == 0 {
		t.Fatal("expected at least one posted envelope")
	}
	return all[len(all)-1]
}

func quietLogger() zerolog.Logger { return zerolog.Nop() }

func newTestChild(t *testing.T, opts ...Option) (*Messenger, *fakeInbound, *fakeDestination) {
	t.Helper()
	in := newFakeInbound()
	dest := &fakeDestination{}
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	m, err := NewChild(in, dest, hostOrigin, opts...)
	if err != nil {
		t.Fatalf("new child: %v", err)
	}
	t.Cleanup(func() { _ = m.Destroy() })
	return m, in, dest
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func waitFuture(t *testing.T, f *Future, within time.Duration) (json.RawMessage, error) {
	t.Helper()
	select {
	case <-f.Done():
		resp, _ := f.Result()
		return resp.Payload, resp.Err
	case <-time.After(within):
		t.Fatalf("future %s did not settle within %s", f.RequestID(), within)
		return nil, nil
	}
}

func waitFor(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	if !eventually(within, cond) {
		t.Fatal("condition not met in time")
	}
}

func eventually(within time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func isRemote(err error, msg string) bool {
	var remote *RemoteError
	return errors.As(err, &remote) && remote.Message == msg
}
