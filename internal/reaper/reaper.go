// Package reaper runs the periodic sweep described in spec §4.8: stale
// users, stale endpoints, dead handshake sessions, and per-channel floor
// timeouts, always in that order.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/kodeholic9/mini-livechat/internal/channels"
	"github.com/kodeholic9/mini-livechat/internal/floor"
	"github.com/kodeholic9/mini-livechat/internal/media"
	"github.com/kodeholic9/mini-livechat/internal/users"
)

// DispatchSender delivers the floor-control events a sweep produces to
// connected signaling sessions. Implemented by internal/signaling so this
// package never needs to know the wire envelope format.
type DispatchSender interface {
	SendDispatches(dispatches []floor.Dispatch)
}

// Reaper bundles the registries and timeout parameters one sweep needs.
type Reaper struct {
	Users      *users.Registry
	Channels   *channels.Registry
	Endpoints  *media.Registry
	Terminator *media.Terminator
	Dispatcher DispatchSender

	Interval          time.Duration
	InactivityTimeout time.Duration
	HandshakeTimeout  time.Duration
}

// New returns a configured Reaper. The caller starts it with Run.
func New(u *users.Registry, c *channels.Registry, e *media.Registry, t *media.Terminator, d DispatchSender, interval, inactivity, handshake time.Duration) *Reaper {
	return &Reaper{
		Users:             u,
		Channels:          c,
		Endpoints:         e,
		Terminator:        t,
		Dispatcher:        d,
		Interval:          interval,
		InactivityTimeout: inactivity,
		HandshakeTimeout:  handshake,
	}
}

// Run ticks every r.Interval until ctx is canceled, performing one sweep
// per tick. Meant to run in its own goroutine.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

func (r *Reaper) sweep(now time.Time) {
	r.reapStaleUsers(now)
	r.reapStaleEndpoints(now)
	r.Terminator.SweepExpired(now, r.HandshakeTimeout)

	if dispatches := r.Channels.SweepTimeouts(now); len(dispatches) > 0 {
		r.Dispatcher.SendDispatches(dispatches)
	}
}

func (r *Reaper) reapStaleUsers(now time.Time) {
	for _, userID := range r.Users.FindStale(now, r.InactivityTimeout) {
		dispatches, affected := r.Channels.RemoveUserEverywhere(userID)
		r.Users.Unregister(userID)
		if len(dispatches) > 0 {
			r.Dispatcher.SendDispatches(dispatches)
		}
		slog.Info("reaper evicted stale user", "user_id", userID, "channels", affected)
	}
}

func (r *Reaper) reapStaleEndpoints(now time.Time) {
	for _, ep := range r.Endpoints.FindStale(now, r.InactivityTimeout) {
		r.Endpoints.Remove(ep.Ufrag)
		slog.Info("reaper evicted stale endpoint", "ufrag", ep.Ufrag, "user_id", ep.UserID, "channel_id", ep.ChannelID)
	}
}
