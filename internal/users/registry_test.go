package users

import (
	"testing"
	"time"
)

func TestRegisterRejectsDuplicateUserID(t *testing.T) {
	r := New()

	if _, err := r.Register("alice", 0, 4); err != nil {
		t.Fatalf("unexpected error on first register: %v", err)
	}
	if _, err := r.Register("alice", 0, 4); err != ErrAlreadyRegistered {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestUnregisterClosesOutboundChannel(t *testing.T) {
	r := New()
	u, _ := r.Register("alice", 0, 4)

	r.Unregister("alice")

	if _, ok := r.Get("alice"); ok {
		t.Fatalf("expected alice to be gone after unregister")
	}
	if _, open := <-u.outbound; open {
		t.Fatalf("expected outbound channel to be closed")
	}
}

func TestSendDropsWhenQueueFull(t *testing.T) {
	r := New()
	u, _ := r.Register("alice", 0, 1)

	if !u.Send([]byte("first")) {
		t.Fatalf("expected first send to succeed")
	}
	if u.Send([]byte("second")) {
		t.Fatalf("expected second send to be dropped when queue is full")
	}
}

func TestBroadcastToExcludesGivenUser(t *testing.T) {
	r := New()
	alice, _ := r.Register("alice", 0, 4)
	bob, _ := r.Register("bob", 0, 4)

	r.BroadcastTo([]string{"alice", "bob"}, []byte("hi"), "alice")

	select {
	case <-alice.Outbound():
		t.Fatalf("expected alice (excluded) to receive nothing")
	default:
	}
	select {
	case payload := <-bob.Outbound():
		if string(payload) != "hi" {
			t.Fatalf("unexpected payload: %s", payload)
		}
	default:
		t.Fatalf("expected bob to receive the broadcast")
	}
}

func TestFindStaleRespectsTimeout(t *testing.T) {
	r := New()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	r.Register("alice", 0, 4)
	r.now = func() time.Time { return fixed.Add(time.Minute) }
	r.Register("bob", 0, 4)

	stale := r.FindStale(fixed.Add(time.Minute), 30*time.Second)
	if len(stale) != 1 || stale[0] != "alice" {
		t.Fatalf("expected only alice stale, got %v", stale)
	}
}

func TestCountReflectsLiveUsers(t *testing.T) {
	r := New()
	r.Register("alice", 0, 4)
	r.Register("bob", 0, 4)

	if r.Count() != 2 {
		t.Fatalf("expected count 2, got %d", r.Count())
	}
	r.Unregister("alice")
	if r.Count() != 1 {
		t.Fatalf("expected count 1 after unregister, got %d", r.Count())
	}
}
