package xframe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type wsFixture struct {
	srv  *Server
	host *Host
	url  string
}

func newWSFixture(t *testing.T, opts ...ServerOption) *wsFixture {
	t.Helper()
	opts = append([]ServerOption{WithConnOptions(WithConnLogger(quietLogger()))}, opts...)
	srv := NewServer(opts...)

	host, err := NewHost(srv, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	host.TrackConnections(srv)

	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		_ = host.Destroy()
		_ = srv.Shutdown(context.Background())
		ts.Close()
	})
	return &wsFixture{srv: srv, host: host, url: "ws" + strings.TrimPrefix(ts.URL, "http")}
}

func (f *wsFixture) dialChild(t *testing.T, origin string) (*Messenger, *Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := Dial(ctx, f.url, origin, WithConnLogger(quietLogger()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	child, err := NewChild(conn, conn, conn.Origin(), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new child: %v", err)
	}
	t.Cleanup(func() {
		_ = child.Destroy()
		_ = conn.Close()
	})
	return child, conn
}

func TestWebSocketChildRequestsHost(t *testing.T) {
	f := newWSFixture(t)
	f.host.On("PING", func(ctx *Context) error {
		if ctx.Origin != appOrigin {
			return ctx.ReplyError("origin " + ctx.Origin)
		}
		return ctx.Reply("PONG")
	})

	child, _ := f.dialChild(t, appOrigin)
	payload, err := child.RequestTimeout(context.Background(), "PING", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if got, _ := Decode[string](payload); got != "PONG" {
		t.Fatalf("unexpected payload %s", payload)
	}
}

func TestWebSocketHandlerRequestsDuringDispatch(t *testing.T) {
	f := newWSFixture(t)
	f.host.On("CONFIG", func(ctx *Context) error { return ctx.Reply("dark") })

	child, _ := f.dialChild(t, appOrigin)
	child.On("RENDER", func(ctx *Context) error {
		theme, err := ctx.Messenger.RequestTimeout(ctx, "CONFIG", nil, time.Second)
		if err != nil {
			return ctx.ReplyError(err.Error())
		}
		return ctx.Reply(theme)
	})
	waitFor(t, time.Second, func() bool { return len(f.host.Destinations()) == 1 })

	payload, err := f.host.RequestToTimeout(context.Background(), f.host.Destinations()[0], "RENDER", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if theme, _ := Decode[string](payload); theme != "dark" {
		t.Fatalf("unexpected payload %s", payload)
	}
}

func TestWebSocketHostRequestsEachChild(t *testing.T) {
	f := newWSFixture(t)

	a, _ := f.dialChild(t, appOrigin)
	b, _ := f.dialChild(t, appOrigin)
	a.On("WHO", func(ctx *Context) error { return ctx.Reply("a") })
	b.On("WHO", func(ctx *Context) error { return ctx.Reply("b") })

	waitFor(t, time.Second, func() bool { return len(f.host.Destinations()) == 2 })

	// Both children share an origin, so the host tells them apart by
	// connection id.
	var ids []string
	for _, c := range f.srv.Conns() {
		ids = append(ids, string(c.ID()))
	}
	answers := map[string]bool{}
	for _, id := range ids {
		payload, err := f.host.RequestToTimeout(context.Background(), id, "WHO", nil, 2*time.Second)
		if err != nil {
			t.Fatalf("request %s: %v", id, err)
		}
		name, _ := Decode[string](payload)
		answers[name] = true
	}
	if !answers["a"] || !answers["b"] {
		t.Fatalf("expected answers from both children, got %v", answers)
	}
}

func TestWebSocketHostRepliesOnSourceConnection(t *testing.T) {
	f := newWSFixture(t)
	f.host.On("NAME", func(ctx *Context) error { return ctx.Reply(ctx.Source) })

	a, _ := f.dialChild(t, appOrigin)
	b, _ := f.dialChild(t, appOrigin)
	waitFor(t, time.Second, func() bool { return len(f.host.Destinations()) == 2 })

	var wg sync.WaitGroup
	results := make([]string, 2)
	errs := make([]error, 2)
	for i, m := range []*Messenger{a, b} {
		wg.Add(1)
		go func(i int, m *Messenger) {
			defer wg.Done()
			payload, err := m.RequestTimeout(context.Background(), "NAME", nil, 2*time.Second)
			errs[i] = err
			results[i], _ = Decode[string](payload)
		}(i, m)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if results[0] == "" || results[0] == results[1] {
		t.Fatalf("each child must be answered on its own link: %v", results)
	}
	registered := map[string]bool{}
	for _, id := range f.host.Destinations() {
		registered[id] = true
	}
	if !registered[results[0]] || !registered[results[1]] {
		t.Fatalf("sources %v are not registered connections", results)
	}
}

func TestWebSocketOriginComesFromHandshake(t *testing.T) {
	f := newWSFixture(t)

	seen := make(chan string, 1)
	f.host.On("WHO", func(ctx *Context) error {
		seen <- ctx.Origin
		return nil
	})

	header := http.Header{}
	header.Set("Origin", appOrigin)
	ws, _, err := websocket.DefaultDialer.Dial(f.url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	frame := `{"origin":"https://evil.test","targetOrigin":"*","data":{"type":"WHO"}}`
	if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case origin := <-seen:
		if origin != appOrigin {
			t.Fatalf("claimed origin leaked through: %s", origin)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}
}

func TestWebSocketRejectsOrigins(t *testing.T) {
	f := newWSFixture(t, WithAllowedOrigins(appOrigin))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := Dial(ctx, f.url, "https://evil.test", WithConnLogger(quietLogger())); err == nil {
		t.Fatal("disallowed origin must not connect")
	}
	if _, err := Dial(ctx, f.url, "", WithConnLogger(quietLogger())); err == nil {
		t.Fatal("missing origin must not connect")
	}
	if f.srv.Len() != 0 {
		t.Fatalf("rejected dials left %d connections", f.srv.Len())
	}
	f.dialChild(t, appOrigin)
}

func TestWebSocketServerOriginFiltersFrames(t *testing.T) {
	f := newWSFixture(t, WithServerOrigin(hostOrigin))

	got := make(chan string, 4)
	f.host.On("PING", func(ctx *Context) error {
		got <- string(ctx.Payload())
		return nil
	})

	// The child addresses the server by its URL origin, which is not the
	// origin the host declared.
	child, _ := f.dialChild(t, appOrigin)
	if err := child.Send("PING", "dropped"); err != nil {
		t.Fatalf("send: %v", err)
	}

	header := http.Header{}
	header.Set("Origin", appOrigin)
	ws, _, err := websocket.DefaultDialer.Dial(f.url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	frame := `{"origin":"","targetOrigin":"` + hostOrigin + `","data":{"type":"PING","payload":"kept"}}`
	if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case payload := <-got:
		if payload != `"kept"` {
			t.Fatalf("frame for another origin was delivered: %s", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame addressed to the host origin not delivered")
	}
	select {
	case payload := <-got:
		t.Fatalf("unexpected delivery %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWebSocketDisconnectUnregisters(t *testing.T) {
	f := newWSFixture(t)
	_, conn := f.dialChild(t, appOrigin)

	waitFor(t, time.Second, func() bool { return len(f.host.Destinations()) == 1 })
	id := f.host.Destinations()[0]

	_ = conn.Close()
	waitFor(t, 2*time.Second, func() bool { return len(f.host.Destinations()) == 0 })

	if err := f.host.SendTo(id, "PING", nil); !errors.Is(err, ErrDestinationUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if err := conn.PostMessage(Envelope{Type: "PING"}, AnyOrigin); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
	if conn.Reason() != DisconnectNormal {
		t.Fatalf("unexpected reason %q", conn.Reason())
	}
}

func TestWebSocketShutdownClosesChildren(t *testing.T) {
	f := newWSFixture(t)
	_, conn := f.dialChild(t, appOrigin)
	waitFor(t, time.Second, func() bool { return f.srv.Len() == 1 })

	if err := f.srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case <-conn.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("child connection not closed by shutdown")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := Dial(ctx, f.url, appOrigin, WithConnLogger(quietLogger())); err == nil {
		t.Fatal("server accepted a connection after shutdown")
	}
}

func TestWebSocketOnConnectRejects(t *testing.T) {
	f := newWSFixture(t)
	f.srv.OnConnect(func(_ context.Context, c *Conn) error {
		if c.Origin() == "https://blocked.test" {
			return errors.New("blocked")
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Dial(ctx, f.url, "https://blocked.test", WithConnLogger(quietLogger()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	select {
	case <-conn.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("rejected connection stayed open")
	}
	waitFor(t, time.Second, func() bool { return f.srv.Len() == 0 && len(f.host.Destinations()) == 0 })
}

func TestWebSocketRejectedConnectionSkipsDisconnectHooks(t *testing.T) {
	srv := NewServer(WithConnOptions(WithConnLogger(quietLogger())))
	ts := httptest.NewServer(srv)
	defer ts.Close()
	defer srv.Shutdown(context.Background())

	var disconnects atomic.Int32
	srv.OnConnect(func(context.Context, *Conn) error { return errors.New("blocked") })
	srv.OnDisconnect(func(context.Context, *Conn, DisconnectReason) { disconnects.Add(1) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), appOrigin, WithConnLogger(quietLogger()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	select {
	case <-conn.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("rejected connection stayed open")
	}
	waitFor(t, time.Second, func() bool { return srv.Len() == 0 })
	time.Sleep(20 * time.Millisecond)
	if n := disconnects.Load(); n != 0 {
		t.Fatalf("disconnect hooks ran %d times for a rejected connection", n)
	}
}

func TestConnQueueDropPolicies(t *testing.T) {
	cfg := defaultConnConfig()
	cfg.logger = quietLogger()

	cfg.queue = QueueConfig{Size: 1, DropPolicy: DropNewest}
	c := newConn(nil, "", appOrigin, cfg)
	if err := c.enqueue([]byte("1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := c.enqueue([]byte("2")); !errors.Is(err, ErrSendQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}
	if got := string(<-c.send); got != "1" {
		t.Fatalf("drop newest kept %s", got)
	}
	c.inbox.Close()

	cfg.queue = QueueConfig{Size: 1, DropPolicy: DropOldest}
	c = newConn(nil, "", appOrigin, cfg)
	_ = c.enqueue([]byte("1"))
	if err := c.enqueue([]byte("2")); err != nil {
		t.Fatalf("drop oldest must accept the new frame: %v", err)
	}
	if got := string(<-c.send); got != "2" {
		t.Fatalf("drop oldest kept %s", got)
	}
	c.inbox.Close()
}

func TestOriginFromURL(t *testing.T) {
	cases := map[string]string{
		"ws://127.0.0.1:8080/ws":     "http://127.0.0.1:8080",
		"wss://frames.example.com/x": "https://frames.example.com",
	}
	for in, want := range cases {
		got, err := originFromURL(in)
		if err != nil || got != want {
			t.Fatalf("%s: got %q %v", in, got, err)
		}
	}
	if _, err := originFromURL("ftp://x"); err == nil {
		t.Fatal("unsupported scheme must fail")
	}
}
