package chixframe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Skryldev/xframe"
	"github.com/rs/zerolog"
)

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestRoutes(t *testing.T) {
	srv := xframe.NewServer(xframe.WithConnOptions(xframe.WithConnLogger(zerolog.Nop())))
	host, err := xframe.NewHost(srv, xframe.WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	defer host.Destroy()
	host.TrackConnections(srv)

	ts := httptest.NewServer(Routes(srv, host))
	defer ts.Close()
	defer srv.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := xframe.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", "https://app.test", xframe.WithConnLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var conns []connectionView
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		conns = nil
		getJSON(t, ts.URL+"/connections", &conns)
		if len(conns) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(conns) != 1 || conns[0].Origin != "https://app.test" {
		t.Fatalf("unexpected connections %+v", conns)
	}

	var one connectionView
	if code := getJSON(t, ts.URL+"/connections/"+conns[0].ID, &one); code != http.StatusOK || one.ID != conns[0].ID {
		t.Fatalf("lookup: %d %+v", code, one)
	}
	if code := getJSON(t, ts.URL+"/connections/nope", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}

	var stats xframe.Stats
	if code := getJSON(t, ts.URL+"/stats", &stats); code != http.StatusOK {
		t.Fatalf("stats status %d", code)
	}
}
