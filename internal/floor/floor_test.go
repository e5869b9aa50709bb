package floor

import (
	"testing"
	"time"
)

func newControl() *Control {
	return New(30*time.Second, 6*time.Second)
}

func TestRequestGrantsImmediatelyWhenIdle(t *testing.T) {
	c := newControl()
	now := time.Now()

	dispatches := c.Request("ch1", "alice", 0, "", now)

	if len(dispatches) != 2 {
		t.Fatalf("expected 2 dispatches, got %d", len(dispatches))
	}
	if dispatches[0].Kind != EventGranted || dispatches[0].To != "alice" {
		t.Fatalf("expected EventGranted to alice, got %+v", dispatches[0])
	}
	if dispatches[1].Kind != EventTaken || !dispatches[1].Broadcast {
		t.Fatalf("expected broadcast EventTaken, got %+v", dispatches[1])
	}
	state, holder := c.State()
	if state != Taken || holder != "alice" {
		t.Fatalf("expected Taken/alice, got %v/%s", state, holder)
	}
}

func TestRequestQueuesWhenHeldByHigherPriority(t *testing.T) {
	c := newControl()
	now := time.Now()

	c.Request("ch1", "alice", 10, "", now)
	dispatches := c.Request("ch1", "bob", 5, "", now)

	if len(dispatches) != 1 || dispatches[0].Kind != EventQueuePos {
		t.Fatalf("expected single EventQueuePos, got %+v", dispatches)
	}
	if dispatches[0].QueuePosition != 1 || dispatches[0].QueueSize != 1 {
		t.Fatalf("expected position 1/1, got %+v", dispatches[0])
	}
}

func TestRequestPreemptsLowerPriorityHolder(t *testing.T) {
	c := newControl()
	now := time.Now()

	c.Request("ch1", "alice", 5, "", now)
	dispatches := c.Request("ch1", "bob", 10, "", now)

	if len(dispatches) != 3 {
		t.Fatalf("expected revoke+grant+taken, got %d: %+v", len(dispatches), dispatches)
	}
	if dispatches[0].Kind != EventRevoke || dispatches[0].To != "alice" || dispatches[0].Cause != CausePreempted {
		t.Fatalf("expected preempt revoke to alice, got %+v", dispatches[0])
	}
	state, holder := c.State()
	if state != Taken || holder != "bob" {
		t.Fatalf("expected bob to hold floor, got %v/%s", state, holder)
	}
}

func TestEmergencyPriorityAlwaysPreempts(t *testing.T) {
	c := newControl()
	now := time.Now()

	c.Request("ch1", "alice", 255, "", now)
	dispatches := c.Request("ch1", "bob", 255, "", now)

	if dispatches[0].Kind != EventRevoke {
		t.Fatalf("expected emergency priority to preempt another emergency holder, got %+v", dispatches)
	}
}

func TestRequestIsIdempotentForCurrentHolder(t *testing.T) {
	c := newControl()
	now := time.Now()

	c.Request("ch1", "alice", 0, "", now)
	dispatches := c.Request("ch1", "alice", 0, "", now.Add(time.Second))

	if len(dispatches) != 1 || dispatches[0].Kind != EventGranted {
		t.Fatalf("expected single re-grant, got %+v", dispatches)
	}
}

func TestReleasePromotesNextQueuedUser(t *testing.T) {
	c := newControl()
	now := time.Now()

	c.Request("ch1", "alice", 0, "", now)
	c.Request("ch1", "bob", 0, "", now)

	dispatches := c.Release("ch1", "alice", now)

	var granted bool
	for _, d := range dispatches {
		if d.Kind == EventGranted && d.To == "bob" {
			granted = true
		}
	}
	if !granted {
		t.Fatalf("expected bob to be granted the floor after release, got %+v", dispatches)
	}
	state, holder := c.State()
	if state != Taken || holder != "bob" {
		t.Fatalf("expected bob to hold floor, got %v/%s", state, holder)
	}
}

func TestReleaseGoesIdleWhenQueueEmpty(t *testing.T) {
	c := newControl()
	now := time.Now()

	c.Request("ch1", "alice", 0, "", now)
	dispatches := c.Release("ch1", "alice", now)

	if len(dispatches) != 1 || dispatches[0].Kind != EventIdle {
		t.Fatalf("expected EventIdle, got %+v", dispatches)
	}
	state, _ := c.State()
	if state != Idle {
		t.Fatalf("expected Idle state, got %v", state)
	}
}

func TestReleaseByNonHolderDropsFromQueue(t *testing.T) {
	c := newControl()
	now := time.Now()

	c.Request("ch1", "alice", 0, "", now)
	c.Request("ch1", "bob", 0, "", now)

	dispatches := c.Release("ch1", "bob", now)
	if dispatches != nil {
		t.Fatalf("expected no dispatches for a queued (non-holder) release, got %+v", dispatches)
	}

	// bob should no longer be queued; releasing alice should go idle, not to bob.
	idleDispatches := c.Release("ch1", "alice", now)
	if len(idleDispatches) != 1 || idleDispatches[0].Kind != EventIdle {
		t.Fatalf("expected idle after alice releases with bob removed from queue, got %+v", idleDispatches)
	}
}

func TestPingIgnoredFromNonHolder(t *testing.T) {
	c := newControl()
	now := time.Now()

	c.Request("ch1", "alice", 0, "", now)
	dispatches := c.Ping("ch1", "bob", now)

	if dispatches != nil {
		t.Fatalf("expected nil dispatches for ping from non-holder, got %+v", dispatches)
	}
}

func TestPingFromHolderRefreshesAndPongs(t *testing.T) {
	c := newControl()
	now := time.Now()

	c.Request("ch1", "alice", 0, "", now)
	dispatches := c.Ping("ch1", "alice", now.Add(2*time.Second))

	if len(dispatches) != 1 || dispatches[0].Kind != EventPong || dispatches[0].To != "alice" {
		t.Fatalf("expected pong to alice, got %+v", dispatches)
	}
}

func TestCheckTimeoutsRevokesOnMaxDuration(t *testing.T) {
	c := newControl()
	now := time.Now()

	c.Request("ch1", "alice", 0, "", now)
	dispatches := c.CheckTimeouts("ch1", now.Add(31*time.Second))

	if len(dispatches) == 0 || dispatches[0].Cause != CauseMaxDuration {
		t.Fatalf("expected max-duration revoke, got %+v", dispatches)
	}
}

func TestCheckTimeoutsRevokesOnPingTimeout(t *testing.T) {
	c := newControl()
	now := time.Now()

	c.Request("ch1", "alice", 0, "", now)
	dispatches := c.CheckTimeouts("ch1", now.Add(7*time.Second))

	if len(dispatches) == 0 || dispatches[0].Cause != CausePingTimeout {
		t.Fatalf("expected ping-timeout revoke, got %+v", dispatches)
	}
}

func TestCheckTimeoutsNoOpWhenIdle(t *testing.T) {
	c := newControl()
	if d := c.CheckTimeouts("ch1", time.Now()); d != nil {
		t.Fatalf("expected no dispatches while idle, got %+v", d)
	}
}

func TestRemoveMemberRevokesFloorAndAdvancesQueue(t *testing.T) {
	c := newControl()
	now := time.Now()

	c.Request("ch1", "alice", 0, "", now)
	c.Request("ch1", "bob", 0, "", now)

	dispatches := c.RemoveMember("ch1", "alice", now)

	if dispatches[0].Cause != CauseDisconnect {
		t.Fatalf("expected disconnect cause, got %+v", dispatches[0])
	}
	state, holder := c.State()
	if state != Taken || holder != "bob" {
		t.Fatalf("expected bob promoted after alice's disconnect, got %v/%s", state, holder)
	}
}

func TestQueueOrderingIsPriorityThenArrival(t *testing.T) {
	c := newControl()
	base := time.Now()

	c.Request("ch1", "holder", 100, "", base)
	c.Request("ch1", "low", 1, "", base)
	c.Request("ch1", "high", 50, "", base.Add(time.Millisecond))
	c.Request("ch1", "alsoLow", 1, "", base.Add(2*time.Millisecond))

	pos, _ := c.queuePosition("high")
	if pos != 1 {
		t.Fatalf("expected high priority first in queue, got position %d", pos)
	}
	lowPos, _ := c.queuePosition("low")
	alsoLowPos, _ := c.queuePosition("alsoLow")
	if lowPos >= alsoLowPos {
		t.Fatalf("expected earlier-arriving equal-priority entry first: low=%d alsoLow=%d", lowPos, alsoLowPos)
	}
}

func TestRequeueUpdatesPriorityButPreservesArrivalOrder(t *testing.T) {
	c := newControl()
	base := time.Now()

	c.Request("ch1", "holder", 100, "", base)
	c.Request("ch1", "alice", 1, "", base)
	c.Request("ch1", "bob", 1, "", base.Add(time.Millisecond))

	// alice re-requests at a higher priority; she should move up the queue
	// but keep her original arrival slot relative to ties.
	c.Request("ch1", "alice", 50, "", base.Add(2*time.Millisecond))

	pos, _ := c.queuePosition("alice")
	if pos != 1 {
		t.Fatalf("expected alice to move to front of queue after priority bump, got %d", pos)
	}
}
