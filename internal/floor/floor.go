// Package floor implements the per-channel floor-control state machine:
// idle/taken, MBCP-style priority preemption, a priority queue, and
// ping/max-duration timeouts.
//
// Every mutating method computes its transition inside the method body
// while holding the channel's mutex and returns a list of Dispatch records
// describing who should receive what; it never sends anything itself. The
// caller (internal/signaling) performs the actual sends after the method
// returns, so no guard is ever held across a suspension point.
package floor

import (
	"sort"
	"time"
)

// State is the coarse floor state.
type State int

const (
	Idle State = iota
	Taken
)

// EventKind identifies which signaling event a Dispatch carries.
type EventKind int

const (
	EventGranted EventKind = iota
	EventDeny
	EventTaken
	EventIdle
	EventRevoke
	EventQueuePos
	EventPong
)

// Revoke causes.
const (
	CausePreempted   = "preempted"
	CauseMaxDuration = "max_duration"
	CausePingTimeout = "ping_timeout"
	CauseDisconnect  = "disconnect"
)

// Dispatch is one outbound event produced by a state transition. When
// Broadcast is true the event goes to every channel member except
// Exclude; otherwise it goes to the single user named in To.
type Dispatch struct {
	Kind      EventKind
	Broadcast bool
	To        string
	Exclude   string
	ChannelID string

	HolderID      string
	Indicator     string
	Cause         string
	QueuePosition int
	QueueSize     int
	DurationMS    int64
}

type queueEntry struct {
	userID    string
	priority  byte
	indicator string
	queuedAt  time.Time
}

// Control is one channel's floor-control state.
type Control struct {
	MaxTaken    time.Duration
	PingTimeout time.Duration

	state           State
	holder          string
	holderPriority  byte
	holderIndicator string
	takenAt         time.Time
	lastPingAt      time.Time
	queue           []queueEntry
}

// New returns an idle floor control with the given timeout parameters.
func New(maxTaken, pingTimeout time.Duration) *Control {
	return &Control{MaxTaken: maxTaken, PingTimeout: pingTimeout}
}

// State returns the current coarse state and, if Taken, the holder.
func (c *Control) State() (State, string) {
	return c.state, c.holder
}

// Request handles a FLOOR_REQUEST from userID at the given priority.
// Control has no lock of its own: the caller must hold the owning
// channel's mutex for the duration of the call (see channels.Registry).
func (c *Control) Request(channelID, userID string, priority byte, indicator string, now time.Time) []Dispatch {
	if c.state == Idle {
		c.grant(channelID, userID, priority, indicator, now)
		return []Dispatch{
			{Kind: EventGranted, To: userID, ChannelID: channelID, HolderID: userID, DurationMS: c.MaxTaken.Milliseconds()},
			{Kind: EventTaken, Broadcast: true, Exclude: userID, ChannelID: channelID, HolderID: userID, Indicator: indicator},
		}
	}

	if c.holder == userID {
		// Idempotent: already holds the floor.
		return []Dispatch{
			{Kind: EventGranted, To: userID, ChannelID: channelID, HolderID: userID, DurationMS: c.MaxTaken.Milliseconds() - now.Sub(c.takenAt).Milliseconds()},
		}
	}

	if priority == 255 || priority > c.holderPriority {
		prevHolder := c.holder
		out := []Dispatch{
			{Kind: EventRevoke, To: prevHolder, ChannelID: channelID, Cause: CausePreempted},
		}
		c.removeFromQueue(userID)
		c.grant(channelID, userID, priority, indicator, now)
		out = append(out,
			Dispatch{Kind: EventGranted, To: userID, ChannelID: channelID, HolderID: userID, DurationMS: c.MaxTaken.Milliseconds()},
			Dispatch{Kind: EventTaken, Broadcast: true, Exclude: userID, ChannelID: channelID, HolderID: userID, Indicator: indicator},
		)
		return out
	}

	c.enqueue(userID, priority, indicator, now)
	pos, size := c.queuePosition(userID)
	return []Dispatch{
		{Kind: EventQueuePos, To: userID, ChannelID: channelID, QueuePosition: pos, QueueSize: size},
	}
}

// Release handles a FLOOR_RELEASE. If userID is not the current holder it
// is simply removed from the queue (a no-op if absent).
func (c *Control) Release(channelID, userID string, now time.Time) []Dispatch {
	if c.state != Taken || c.holder != userID {
		c.removeFromQueue(userID)
		return nil
	}
	return c.releaseLocked(channelID, now)
}

// Ping handles a FLOOR_PING from the current holder. Pings from anyone
// else are ignored (the spec only defines PING from the holder).
func (c *Control) Ping(channelID, userID string, now time.Time) []Dispatch {
	if c.state != Taken || c.holder != userID {
		return nil
	}
	c.lastPingAt = now
	return []Dispatch{{Kind: EventPong, To: userID, ChannelID: channelID}}
}

// CheckTimeouts applies the max-duration and ping-timeout transitions. It
// is called by the reaper on every channel on every sweep.
func (c *Control) CheckTimeouts(channelID string, now time.Time) []Dispatch {
	if c.state != Taken {
		return nil
	}
	if now.Sub(c.takenAt) > c.MaxTaken {
		return c.revokeAndAdvance(channelID, now, CauseMaxDuration, false)
	}
	if now.Sub(c.lastPingAt) > c.PingTimeout {
		return c.revokeAndAdvance(channelID, now, CausePingTimeout, false)
	}
	return nil
}

// RemoveMember handles a user leaving the channel (disconnect or explicit
// CHANNEL_LEAVE). If the user held the floor it is revoked with
// cause=disconnect and the floor advances; otherwise the user is dropped
// from the queue if present. This also enforces invariant 4: floor
// Taken implies holder ∈ members.
func (c *Control) RemoveMember(channelID, userID string, now time.Time) []Dispatch {
	if c.state == Taken && c.holder == userID {
		return c.revokeAndAdvance(channelID, now, CauseDisconnect, true)
	}
	c.removeFromQueue(userID)
	return nil
}

// revokeAndAdvance emits a REVOKE for the outgoing holder and then advances
// the floor as RELEASE would. Per §4.3, max_duration and ping_timeout revoke
// the holder alone (they are still connected and need to know); only
// disconnect broadcasts the revoke to the remaining members, since the
// holder who disconnected can no longer be addressed directly.
func (c *Control) revokeAndAdvance(channelID string, now time.Time, cause string, broadcast bool) []Dispatch {
	prevHolder := c.holder
	revoke := Dispatch{Kind: EventRevoke, ChannelID: channelID, Cause: cause, HolderID: prevHolder}
	if broadcast {
		revoke.Broadcast = true
		revoke.Exclude = prevHolder
	} else {
		revoke.To = prevHolder
	}
	out := []Dispatch{revoke}
	out = append(out, c.releaseLocked(channelID, now)...)
	return out
}

// releaseLocked transitions out of Taken: promotes the next queued user, or
// goes Idle if the queue is empty. Caller must already be in Taken state.
func (c *Control) releaseLocked(channelID string, now time.Time) []Dispatch {
	if len(c.queue) == 0 {
		c.state = Idle
		c.holder = ""
		c.holderPriority = 0
		c.holderIndicator = ""
		return []Dispatch{{Kind: EventIdle, Broadcast: true, ChannelID: channelID}}
	}

	next := c.queue[0]
	c.queue = c.queue[1:]
	c.grant(channelID, next.userID, next.priority, next.indicator, now)

	return []Dispatch{
		{Kind: EventGranted, To: next.userID, ChannelID: channelID, HolderID: next.userID, DurationMS: c.MaxTaken.Milliseconds()},
		{Kind: EventTaken, Broadcast: true, Exclude: next.userID, ChannelID: channelID, HolderID: next.userID, Indicator: next.indicator},
	}
}

func (c *Control) grant(channelID, userID string, priority byte, indicator string, now time.Time) {
	_ = channelID
	c.state = Taken
	c.holder = userID
	c.holderPriority = priority
	c.holderIndicator = indicator
	c.takenAt = now
	c.lastPingAt = now
}

// enqueue inserts or updates userID in the priority queue, sorted by
// priority descending then arrival time ascending. Re-requesting while
// already queued updates priority/indicator in place but preserves the
// original queued_at, so a user cannot jump the fairness line by simply
// re-sending the same request.
func (c *Control) enqueue(userID string, priority byte, indicator string, now time.Time) {
	for i := range c.queue {
		if c.queue[i].userID == userID {
			c.queue[i].priority = priority
			c.queue[i].indicator = indicator
			c.sortQueue()
			return
		}
	}
	c.queue = append(c.queue, queueEntry{userID: userID, priority: priority, indicator: indicator, queuedAt: now})
	c.sortQueue()
}

func (c *Control) sortQueue() {
	sort.SliceStable(c.queue, func(i, j int) bool {
		if c.queue[i].priority != c.queue[j].priority {
			return c.queue[i].priority > c.queue[j].priority
		}
		return c.queue[i].queuedAt.Before(c.queue[j].queuedAt)
	})
}

func (c *Control) removeFromQueue(userID string) {
	for i := range c.queue {
		if c.queue[i].userID == userID {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

func (c *Control) queuePosition(userID string) (pos, size int) {
	size = len(c.queue)
	for i := range c.queue {
		if c.queue[i].userID == userID {
			return i + 1, size
		}
	}
	return 0, size
}
