package xframe

import (
	"errors"
	"testing"
)

func TestSingleResolver(t *testing.T) {
	dest := &fakeDestination{}
	r := NewSingleResolver(dest, "")

	got, origin, err := r.Resolve("")
	if err != nil || got != Destination(dest) || origin != AnyOrigin {
		t.Fatalf("unexpected resolve: %v %q %v", got, origin, err)
	}
	if _, _, err := r.Resolve("ignored"); err != nil {
		t.Fatalf("single resolver ignores ids: %v", err)
	}

	dest.unreachable.Store(true)
	if _, _, err := r.Resolve(""); !errors.Is(err, ErrDestinationUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if _, _, err := NewSingleResolver(nil, hostOrigin).Resolve(""); !errors.Is(err, ErrDestinationUnavailable) {
		t.Fatalf("expected unavailable for nil destination, got %v", err)
	}
}

func TestRegistryRegisterResolve(t *testing.T) {
	r := NewRegistry()
	a, b := &fakeDestination{}, &fakeDestination{}

	if err := r.Register("", a, appOrigin); err == nil {
		t.Fatal("empty id must be rejected")
	}
	if err := r.Register("a", nil, appOrigin); err == nil {
		t.Fatal("nil destination must be rejected")
	}
	if err := r.Register("b", b, "https://b.test"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("a", a, appOrigin); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, _, err := r.Resolve(""); !errors.Is(err, ErrNoDefaultDestination) {
		t.Fatalf("expected no default, got %v", err)
	}
	dest, origin, err := r.Resolve("a")
	if err != nil || dest != Destination(a) || origin != appOrigin {
		t.Fatalf("unexpected resolve: %v %q %v", dest, origin, err)
	}
	if ids := r.IDs(); len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("ids not sorted: %v", ids)
	}

	var destErr *DestinationError
	if _, _, err := r.Resolve("zzz"); !errors.As(err, &destErr) || destErr.ID != "zzz" || !errors.Is(err, ErrDestinationUnavailable) {
		t.Fatalf("expected destination error, got %v", err)
	}

	a.unreachable.Store(true)
	if _, _, err := r.Resolve("a"); !errors.Is(err, ErrDestinationUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if r.Len() != 2 {
		t.Fatal("unreachable destinations stay registered")
	}
}

func TestRegistryReverseLookup(t *testing.T) {
	r := NewRegistry()
	a, b, c := &fakeDestination{}, &fakeDestination{}, &fakeDestination{}
	_ = r.Register("a", a, appOrigin)
	_ = r.Register("b", b, "https://b.test")

	if id, ok := r.IDForOrigin(appOrigin); !ok || id != "a" {
		t.Fatalf("expected a, got %q %v", id, ok)
	}
	if id, ok := r.IDForDestination(b); !ok || id != "b" {
		t.Fatalf("expected b, got %q %v", id, ok)
	}
	if _, ok := r.IDForDestination(c); ok {
		t.Fatal("unknown destination must not resolve")
	}

	_ = r.Register("c", c, appOrigin)
	if _, ok := r.IDForOrigin(appOrigin); ok {
		t.Fatal("shared origin is ambiguous")
	}

	_ = r.Register("a", a, "https://moved.test")
	if id, ok := r.IDForOrigin(appOrigin); !ok || id != "c" {
		t.Fatalf("re-register must move the origin index, got %q %v", id, ok)
	}

	r.Unregister("c")
	r.Unregister("c")
	if _, ok := r.IDForOrigin(appOrigin); ok {
		t.Fatal("unregistered origin still indexed")
	}
}
