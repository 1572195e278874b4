package xframe

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPoolTrySubmit(t *testing.T) {
	p := NewWorkerPoolWithQueue(1, 2)
	defer p.Shutdown()

	var ran atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})

	if err := p.TrySubmit(func() {
		close(started)
		<-release
		ran.Add(1)
	}); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	<-started

	for i := 0; i < 2; i++ {
		if err := p.TrySubmit(func() { ran.Add(1) }); err != nil {
			t.Fatalf("unexpected submit error: %v", err)
		}
	}

	if err := p.TrySubmit(func() {}); !errors.Is(err, ErrPoolFull) {
		t.Fatalf("expected pool full error, got %v", err)
	}

	close(release)
	deadline := time.Now().Add(time.Second)
	for ran.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := ran.Load(); got != 3 {
		t.Fatalf("expected 3 jobs to run, got %d", got)
	}
}

func TestWorkerPoolSingleWorkerKeepsOrder(t *testing.T) {
	p := NewWorkerPoolWithQueue(1, 64)

	var mu sync.Mutex
	var got []int
	for i := 0; i < 50; i++ {
		i := i
		if err := p.Submit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	p.Shutdown()

	if len(got) != 50 {
		t.Fatalf("expected 50 jobs, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("job order broken at %d: got %d", i, v)
		}
	}
}

func TestWorkerPoolSurvivesPanicAndRejectsAfterClose(t *testing.T) {
	p := NewWorkerPoolWithQueue(1, 4)

	done := make(chan struct{})
	_ = p.Submit(func() { panic("boom") })
	_ = p.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive panic")
	}

	p.Shutdown()
	if p.Panics() != 1 {
		t.Fatalf("expected 1 panic, got %d", p.Panics())
	}
	if err := p.TrySubmit(func() {}); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected pool closed, got %v", err)
	}
}
