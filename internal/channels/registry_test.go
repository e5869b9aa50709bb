package channels

import (
	"testing"
	"time"
)

func newTestRegistry() *Registry {
	return New(30*time.Second, 6*time.Second)
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	r := newTestRegistry()
	if err := r.Create("ch1", "146.520", "Tac 1", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Create("ch1", "146.520", "Tac 1", 0); err != ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestJoinEnforcesCapacity(t *testing.T) {
	r := newTestRegistry()
	r.Create("ch1", "146.520", "Tac 1", 1)

	if err := r.Join("ch1", "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Join("ch1", "bob"); err != ErrFull {
		t.Fatalf("expected ErrFull, got %v", err)
	}
}

func TestJoinRejectsDuplicateMember(t *testing.T) {
	r := newTestRegistry()
	r.Create("ch1", "146.520", "Tac 1", 0)
	r.Join("ch1", "alice")

	if err := r.Join("ch1", "alice"); err != ErrAlreadyMember {
		t.Fatalf("expected ErrAlreadyMember, got %v", err)
	}
}

func TestLeaveRevokesFloorHeldByLeaver(t *testing.T) {
	r := newTestRegistry()
	r.Create("ch1", "146.520", "Tac 1", 0)
	r.Join("ch1", "alice")
	r.RequestFloor("ch1", "alice", 0, "")

	if !r.IsFloorHolder("ch1", "alice") {
		t.Fatalf("expected alice to hold the floor before leaving")
	}

	dispatches, err := r.Leave("ch1", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dispatches) == 0 {
		t.Fatalf("expected a revoke dispatch from leaving while holding the floor")
	}
	if r.IsFloorHolder("ch1", "alice") {
		t.Fatalf("expected floor to be released after alice left")
	}
}

func TestRemoveUserEverywhereTouchesEveryMemberChannel(t *testing.T) {
	r := newTestRegistry()
	r.Create("ch1", "146.520", "Tac 1", 0)
	r.Create("ch2", "146.540", "Tac 2", 0)
	r.Join("ch1", "alice")
	r.Join("ch2", "alice")

	_, affected := r.RemoveUserEverywhere("alice")

	if len(affected) != 2 {
		t.Fatalf("expected alice removed from 2 channels, got %v", affected)
	}
	if r.IsMember("ch1", "alice") || r.IsMember("ch2", "alice") {
		t.Fatalf("expected alice to no longer be a member of either channel")
	}
}

func TestSweepTimeoutsAppliesAcrossAllChannels(t *testing.T) {
	r := newTestRegistry()
	r.Create("ch1", "146.520", "Tac 1", 0)
	r.Join("ch1", "alice")

	now := time.Now()
	r.RequestFloor("ch1", "alice", 0, "")

	dispatches := r.SweepTimeouts(now.Add(31 * time.Second))
	if len(dispatches) == 0 {
		t.Fatalf("expected a max-duration revoke from the sweep")
	}
	if r.IsFloorHolder("ch1", "alice") {
		t.Fatalf("expected floor to be revoked after the sweep")
	}
}

func TestCountTakenCountsOnlyTakenChannels(t *testing.T) {
	r := newTestRegistry()
	r.Create("ch1", "146.520", "Tac 1", 0)
	r.Create("ch2", "146.540", "Tac 2", 0)
	r.Join("ch1", "alice")
	r.RequestFloor("ch1", "alice", 0, "")

	if got := r.CountTaken(); got != 1 {
		t.Fatalf("expected 1 taken channel, got %d", got)
	}
}

func TestListReturnsEveryChannel(t *testing.T) {
	r := newTestRegistry()
	r.Create("ch1", "146.520", "Tac 1", 0)
	r.Create("ch2", "146.540", "Tac 2", 0)

	if got := len(r.List()); got != 2 {
		t.Fatalf("expected 2 channels, got %d", got)
	}
}

func TestDeleteRemovesChannel(t *testing.T) {
	r := newTestRegistry()
	r.Create("ch1", "146.520", "Tac 1", 0)

	if err := r.Delete("ch1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := r.Get("ch1"); ok {
		t.Fatalf("expected channel to be gone after delete")
	}
	if err := r.Delete("ch1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}
