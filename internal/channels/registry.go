// Package channels implements the channel registry: channel definitions,
// member sets, and each channel's embedded floor-control instance.
package channels

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kodeholic9/mini-livechat/internal/floor"
)

var (
	ErrNotFound      = errors.New("channel not found")
	ErrAlreadyExists = errors.New("channel already exists")
	ErrFull          = errors.New("channel full")
	ErrAlreadyMember = errors.New("already a member")
	ErrNotMember     = errors.New("not a member")
)

// Channel is one PTT channel: identity, membership, and its embedded
// floor-control instance. members and Floor are both guarded by mu so that
// a single short critical section can observe a consistent view of both
// (needed to enforce invariant 4: Taken ⇒ holder ∈ members).
type Channel struct {
	ChannelID string
	Name      string
	Freq      string
	Capacity  int
	CreatedAt time.Time

	mu      sync.Mutex
	members map[string]struct{}
	Floor   *floor.Control
}

// Members returns a snapshot copy of the member set.
func (c *Channel) Members() map[string]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]struct{}, len(c.members))
	for id := range c.members {
		out[id] = struct{}{}
	}
	return out
}

// Registry is the top-level exclusive map of channels.
type Registry struct {
	mu          sync.RWMutex
	channels    map[string]*Channel
	maxTaken    time.Duration
	pingTimeout time.Duration
}

// New returns an empty registry. maxTaken/pingTimeout are passed to every
// channel's embedded floor control.
func New(maxTaken, pingTimeout time.Duration) *Registry {
	return &Registry{
		channels:    make(map[string]*Channel),
		maxTaken:    maxTaken,
		pingTimeout: pingTimeout,
	}
}

// Create registers a new channel. Returns ErrAlreadyExists if id is taken.
func (r *Registry) Create(id, freq, name string, capacity int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.channels[id]; exists {
		return ErrAlreadyExists
	}
	r.channels[id] = &Channel{
		ChannelID: id,
		Name:      name,
		Freq:      freq,
		Capacity:  capacity,
		CreatedAt: time.Now(),
		members:   make(map[string]struct{}),
		Floor:     floor.New(r.maxTaken, r.pingTimeout),
	}
	slog.Info("channel created", "channel_id", id, "freq", freq, "capacity", capacity)
	return nil
}

// Delete removes a channel outright. Per the spec's open question, any
// authenticated user may delete any channel — ownership is not modeled.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.channels[id]; !exists {
		return ErrNotFound
	}
	delete(r.channels, id)
	slog.Info("channel deleted", "channel_id", id)
	return nil
}

// List returns a snapshot of every channel currently registered.
func (r *Registry) List() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	return out
}

// Get returns the channel for id, if any.
func (r *Registry) Get(id string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	return ch, ok
}

// Join adds userID to the channel's member set, enforcing capacity under
// the member-set write lock to avoid overbooking races.
func (r *Registry) Join(id, userID string) error {
	r.mu.RLock()
	ch, ok := r.channels[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if _, already := ch.members[userID]; already {
		return ErrAlreadyMember
	}
	if ch.Capacity > 0 && len(ch.members) >= ch.Capacity {
		return ErrFull
	}
	ch.members[userID] = struct{}{}
	return nil
}

// Leave removes userID from the channel's member set and applies any floor
// consequence (revoking the floor if userID held it). Returns the floor
// dispatch list to send, or nil if there is nothing to do.
func (r *Registry) Leave(id, userID string) ([]floor.Dispatch, error) {
	r.mu.RLock()
	ch, ok := r.channels[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if _, present := ch.members[userID]; !present {
		return nil, ErrNotMember
	}
	delete(ch.members, userID)
	return ch.Floor.RemoveMember(id, userID, time.Now()), nil
}

// Members returns a snapshot of channel id's membership.
func (r *Registry) Members(id string) (map[string]struct{}, bool) {
	ch, ok := r.Get(id)
	if !ok {
		return nil, false
	}
	return ch.Members(), true
}

// IsMember reports whether userID is currently a member of channel id.
func (r *Registry) IsMember(id, userID string) bool {
	ch, ok := r.Get(id)
	if !ok {
		return false
	}
	ch.mu.Lock()
	_, present := ch.members[userID]
	ch.mu.Unlock()
	return present
}

// IsFloorHolder reports whether userID currently holds the floor in
// channel id. Used by the media relay to gate RTP fan-out per §4.7: only
// the current holder's RTP is forwarded.
func (r *Registry) IsFloorHolder(id, userID string) bool {
	ch, ok := r.Get(id)
	if !ok {
		return false
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	state, holder := ch.Floor.State()
	return state == floor.Taken && holder == userID
}

// CountTaken returns the number of channels currently in the Taken floor state.
func (r *Registry) CountTaken() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, ch := range r.channels {
		ch.mu.Lock()
		state, _ := ch.Floor.State()
		ch.mu.Unlock()
		if state == floor.Taken {
			n++
		}
	}
	return n
}

// RequestFloor runs a FLOOR_REQUEST against channel id's floor control
// inside that channel's short critical section.
func (r *Registry) RequestFloor(id, userID string, priority byte, indicator string) ([]floor.Dispatch, error) {
	ch, ok := r.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if _, member := ch.members[userID]; !member {
		return nil, ErrNotMember
	}
	return ch.Floor.Request(id, userID, priority, indicator, time.Now()), nil
}

// ReleaseFloor runs a FLOOR_RELEASE against channel id's floor control.
func (r *Registry) ReleaseFloor(id, userID string) ([]floor.Dispatch, error) {
	ch, ok := r.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.Floor.Release(id, userID, time.Now()), nil
}

// PingFloor runs a FLOOR_PING against channel id's floor control.
func (r *Registry) PingFloor(id, userID string) ([]floor.Dispatch, error) {
	ch, ok := r.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.Floor.Ping(id, userID, time.Now()), nil
}

// SweepTimeouts applies max-duration/ping-timeout transitions to every
// channel's floor control. Called by the reaper on each sweep.
func (r *Registry) SweepTimeouts(now time.Time) []floor.Dispatch {
	r.mu.RLock()
	chans := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		chans = append(chans, ch)
	}
	r.mu.RUnlock()

	var out []floor.Dispatch
	for _, ch := range chans {
		ch.mu.Lock()
		d := ch.Floor.CheckTimeouts(ch.ChannelID, now)
		ch.mu.Unlock()
		out = append(out, d...)
	}
	return out
}

// RemoveUserEverywhere removes userID from every channel it belongs to
// (used by the reaper and on disconnect), returning the combined floor
// dispatch list and the set of channel IDs the user was removed from.
func (r *Registry) RemoveUserEverywhere(userID string) ([]floor.Dispatch, []string) {
	r.mu.RLock()
	chans := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		chans = append(chans, ch)
	}
	r.mu.RUnlock()

	var dispatches []floor.Dispatch
	var affected []string
	for _, ch := range chans {
		ch.mu.Lock()
		_, present := ch.members[userID]
		if present {
			delete(ch.members, userID)
			dispatches = append(dispatches, ch.Floor.RemoveMember(ch.ChannelID, userID, time.Now())...)
		}
		ch.mu.Unlock()
		if present {
			affected = append(affected, ch.ChannelID)
		}
	}
	return dispatches, affected
}
