package xframe

import (
	"errors"
	"testing"
)

func TestGroupManagerJoinLeave(t *testing.T) {
	gm := NewGroupManager()

	if err := gm.Join("", "a"); err == nil {
		t.Fatal("empty group must be rejected")
	}
	_ = gm.Join("editors", "b")
	_ = gm.Join("editors", "a")
	_ = gm.Join("viewers", "a")

	if got := gm.Members("editors"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected members %v", got)
	}
	if got := gm.GroupsOf("a"); len(got) != 2 || got[0] != "editors" || got[1] != "viewers" {
		t.Fatalf("unexpected groups %v", got)
	}

	gm.Leave("viewers", "a")
	if gm.Count() != 1 {
		t.Fatalf("empty group must be removed, have %d", gm.Count())
	}

	gm.RemoveMember("a")
	gm.RemoveMember("a")
	if got := gm.Members("editors"); len(got) != 1 || got[0] != "b" {
		t.Fatalf("unexpected members after remove %v", got)
	}
	if len(gm.GroupsOf("a")) != 0 {
		t.Fatal("removed member still indexed")
	}
}

func newGroupHost(t *testing.T) (*Host, map[string]*fakeDestination) {
	t.Helper()
	host, err := NewHost(newFakeInbound(), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	t.Cleanup(func() { _ = host.Destroy() })

	dests := map[string]*fakeDestination{}
	for _, id := range []string{"a", "b", "c"} {
		dests[id] = &fakeDestination{}
		if err := host.RegisterDestination(id, dests[id], "https://"+id+".test"); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	return host, dests
}

func TestHostBroadcastToGroup(t *testing.T) {
	host, dests := newGroupHost(t)

	if err := host.JoinGroup("team", "zzz"); !errors.Is(err, ErrDestinationUnavailable) {
		t.Fatalf("unregistered id must not join, got %v", err)
	}
	_ = host.JoinGroup("team", "a")
	_ = host.JoinGroup("team", "b")

	report, err := host.BroadcastTo("team", "NOTE", "hi", "b")
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if report.Total != 1 || report.Success != 1 || report.Reports[0].Target != "a" {
		t.Fatalf("unexpected report %+v", report)
	}
	got := dests["a"].last(t)
	if got.env.Type != "NOTE" || got.targetOrigin != "https://a.test" {
		t.Fatalf("unexpected post %+v", got)
	}
	if len(dests["b"].all()) != 0 || len(dests["c"].all()) != 0 {
		t.Fatal("broadcast leaked outside the group or past except")
	}

	report, err = host.BroadcastTo("nobody", "NOTE", nil)
	if err != nil || report.Total != 0 {
		t.Fatalf("empty group: %+v %v", report, err)
	}
}

func TestHostBroadcastReportsPerDestination(t *testing.T) {
	host, dests := newGroupHost(t)
	dests["b"].err = ErrSendQueueFull
	dests["c"].unreachable.Store(true)

	report, err := host.Broadcast("NOTE", nil)
	if err != nil {
		t.Fatalf("broadcast with one success must not fail: %v", err)
	}
	if report.Total != 3 || report.Success != 1 || report.Dropped != 1 || report.Failed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	status := map[string]DeliveryStatus{}
	for _, r := range report.Reports {
		status[r.Target] = r.Status
	}
	if status["a"] != DeliveryOK || status["b"] != DeliveryDropped || status["c"] != DeliveryFailed {
		t.Fatalf("unexpected statuses %v", status)
	}

	dests["a"].err = ErrConnectionClosed
	if _, err := host.Broadcast("NOTE", nil); !errors.Is(err, ErrDestinationUnavailable) {
		t.Fatalf("all-failed broadcast must error, got %v", err)
	}
	if _, err := host.Broadcast("", nil); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("empty type must be rejected up front, got %v", err)
	}
}

func TestHostUnregisterLeavesGroups(t *testing.T) {
	host, _ := newGroupHost(t)
	_ = host.JoinGroup("team", "a")
	_ = host.JoinGroup("team", "b")

	host.UnregisterDestination("a")
	if got := host.Groups().Members("team"); len(got) != 1 || got[0] != "b" {
		t.Fatalf("unregistered destination still in group: %v", got)
	}

	_ = host.Destroy()
	if _, err := host.BroadcastTo("team", "NOTE", nil); !errors.Is(err, ErrMessengerDestroyed) {
		t.Fatalf("expected destroyed, got %v", err)
	}
}
