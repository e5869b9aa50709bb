// Package users implements the user registry: identity, outbound signaling
// queue, liveness timestamp, and priority for every connected participant.
package users

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrAlreadyRegistered is returned by Register when the user_id is already live.
var ErrAlreadyRegistered = errors.New("user already registered")

// User is one connected participant. lastSeenMS is updated by Touch, which
// must stay cheap enough to call on every inbound packet.
type User struct {
	UserID   string
	Priority byte

	lastSeenMS atomic.Int64
	outbound   chan []byte
}

// LastSeen returns the last-touch time as milliseconds since the Unix epoch.
func (u *User) LastSeen() int64 { return u.lastSeenMS.Load() }

// Send enqueues payload on the user's outbound signaling channel. It never
// blocks: if the queue is full the payload is dropped and logged, matching
// the "backpressure by dropping, never by blocking the producer" rule. A
// disconnect can close outbound concurrently with a broadcast fan-out still
// in flight; the recover guard turns that race into a dropped send instead
// of a panic on the caller's goroutine.
func (u *User) Send(payload []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("dropping outbound envelope, channel closed", "user_id", u.UserID)
			sent = false
		}
	}()
	select {
	case u.outbound <- payload:
		return true
	default:
		slog.Warn("dropping outbound envelope, queue full", "user_id", u.UserID)
		return false
	}
}

// Outbound returns the channel the per-session writer task drains.
func (u *User) Outbound() <-chan []byte { return u.outbound }

// Registry is the exclusive top-level map of live users.
type Registry struct {
	mu    sync.RWMutex
	users map[string]*User
	now   func() time.Time
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		users: make(map[string]*User),
		now:   time.Now,
	}
}

// Register admits user_id if it is not already live. A second IDENTIFY for
// a live user_id fails with ErrAlreadyRegistered.
func (r *Registry) Register(userID string, priority byte, queueSize int) (*User, error) {
	if queueSize <= 0 {
		queueSize = 32
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.users[userID]; exists {
		return nil, ErrAlreadyRegistered
	}

	u := &User{
		UserID:   userID,
		Priority: priority,
		outbound: make(chan []byte, queueSize),
	}
	u.lastSeenMS.Store(r.now().UnixMilli())
	r.users[userID] = u

	slog.Info("user registered", "user_id", userID, "priority", priority, "total_users", len(r.users))
	return u, nil
}

// Unregister removes user_id and closes its outbound channel so the writer
// task observes completion.
func (r *Registry) Unregister(userID string) {
	r.mu.Lock()
	u, ok := r.users[userID]
	if ok {
		delete(r.users, userID)
	}
	remaining := len(r.users)
	r.mu.Unlock()

	if !ok {
		return
	}
	close(u.outbound)
	slog.Info("user unregistered", "user_id", userID, "remaining_users", remaining)
}

// Touch refreshes user_id's liveness timestamp. Cheap: a single atomic store.
func (r *Registry) Touch(userID string) {
	r.mu.RLock()
	u, ok := r.users[userID]
	r.mu.RUnlock()
	if ok {
		u.lastSeenMS.Store(r.now().UnixMilli())
	}
}

// Count returns the number of currently live users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// Get returns the live user for userID, if any.
func (r *Registry) Get(userID string) (*User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[userID]
	return u, ok
}

// FindStale returns every user_id whose last-seen timestamp is older than
// timeout relative to now.
func (r *Registry) FindStale(now time.Time, timeout time.Duration) []string {
	cutoff := now.Add(-timeout).UnixMilli()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []string
	for id, u := range r.users {
		if u.lastSeenMS.Load() < cutoff {
			stale = append(stale, id)
		}
	}
	return stale
}

// BroadcastTo is a best-effort fan-out: sends to every recipient except the
// excluded one, dropping (and logging) individual failures without
// aborting the rest.
func (r *Registry) BroadcastTo(recipients []string, payload []byte, exclude string) {
	r.mu.RLock()
	targets := make([]*User, 0, len(recipients))
	for _, id := range recipients {
		if id == exclude {
			continue
		}
		if u, ok := r.users[id]; ok {
			targets = append(targets, u)
		}
	}
	r.mu.RUnlock()

	for _, u := range targets {
		u.Send(payload)
	}
}
