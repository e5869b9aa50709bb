// Package media implements the media-plane core: the dual-indexed endpoint
// registry, the DTLS terminator, the SRTP context, the UDP relay loop, and
// STUN binding handling.
package media

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// TrackKind classifies one SSRC carried by an endpoint.
type TrackKind int

const (
	TrackAudio TrackKind = iota
	TrackVideo
	TrackData
)

// Track is one (ssrc, kind) pair an endpoint advertises. Endpoints vary
// only by the set of tracks they carry, so a single struct with a list of
// tracks is used instead of per-kind endpoint subtypes.
type Track struct {
	SSRC uint32
	Kind TrackKind
}

// Endpoint is one media peer: an ICE ufrag/password pair, the user and
// channel it belongs to, its latched remote address, its tracks, and its
// two (optional until installed) SRTP contexts.
type Endpoint struct {
	Ufrag       string
	IcePassword string
	UserID      string
	ChannelID   string

	mu     sync.RWMutex
	addr   *net.UDPAddr
	tracks []Track

	lastSeenMS atomic.Int64

	Inbound  *SRTPContext
	Outbound *SRTPContext
}

// Addr returns the endpoint's currently latched remote address, or nil if
// it has never been latched.
func (e *Endpoint) Addr() *net.UDPAddr {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.addr
}

// SetTracks replaces the endpoint's advertised track list.
func (e *Endpoint) SetTracks(tracks []Track) {
	e.mu.Lock()
	e.tracks = tracks
	e.mu.Unlock()
}

// Tracks returns a copy of the endpoint's advertised tracks.
func (e *Endpoint) Tracks() []Track {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Track, len(e.tracks))
	copy(out, e.tracks)
	return out
}

// Touch refreshes the endpoint's last-seen timestamp.
func (e *Endpoint) Touch() {
	e.lastSeenMS.Store(time.Now().UnixMilli())
}

// LastSeen returns the last-touch time in milliseconds since the epoch.
func (e *Endpoint) LastSeen() int64 { return e.lastSeenMS.Load() }

// ReadyToSend reports whether the endpoint has a latched address and an
// installed outbound SRTP context, i.e. it is a valid fan-out target.
func (e *Endpoint) ReadyToSend() bool {
	return e.Addr() != nil && e.Outbound != nil && e.Outbound.Ready()
}

// Registry is the dual-indexed endpoint table: primary by ufrag (set at
// creation, immutable), secondary by remote address (populated on first
// authenticated STUN, updated atomically on change via Latch).
type Registry struct {
	mu        sync.RWMutex
	byUfrag   map[string]*Endpoint
	byAddr    map[string]*Endpoint
	byChannel map[string]map[string]*Endpoint // channelID -> ufrag -> endpoint
}

// NewRegistry returns an empty endpoint registry.
func NewRegistry() *Registry {
	return &Registry{
		byUfrag:   make(map[string]*Endpoint),
		byAddr:    make(map[string]*Endpoint),
		byChannel: make(map[string]map[string]*Endpoint),
	}
}

// Register creates and indexes a new endpoint by ufrag (its address is
// unknown until the first authenticated STUN binding latches it).
func (r *Registry) Register(ufrag, icePassword, userID, channelID string) *Endpoint {
	ep := &Endpoint{
		Ufrag:       ufrag,
		IcePassword: icePassword,
		UserID:      userID,
		ChannelID:   channelID,
	}
	ep.lastSeenMS.Store(time.Now().UnixMilli())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byUfrag[ufrag] = ep
	if r.byChannel[channelID] == nil {
		r.byChannel[channelID] = make(map[string]*Endpoint)
	}
	r.byChannel[channelID][ufrag] = ep
	return ep
}

// Remove deletes ufrag's endpoint from every index.
func (r *Registry) Remove(ufrag string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.byUfrag[ufrag]
	if !ok {
		return
	}
	delete(r.byUfrag, ufrag)
	if addr := ep.Addr(); addr != nil {
		if cur, exists := r.byAddr[addr.String()]; exists && cur == ep {
			delete(r.byAddr, addr.String())
		}
	}
	if byCh := r.byChannel[ep.ChannelID]; byCh != nil {
		delete(byCh, ufrag)
		if len(byCh) == 0 {
			delete(r.byChannel, ep.ChannelID)
		}
	}
}

// ByUfrag looks up an endpoint by its server ufrag.
func (r *Registry) ByUfrag(ufrag string) (*Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.byUfrag[ufrag]
	return ep, ok
}

// ByAddr looks up an endpoint by its latched remote address. Callers must
// tolerate a transient miss during Latch.
func (r *Registry) ByAddr(addr *net.UDPAddr) (*Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.byAddr[addr.String()]
	return ep, ok
}

// Latch moves ep's address-index entry to newAddr in one critical section:
// any prior (oldAddr -> ep) entry is removed and (newAddr -> ep) is
// inserted atomically, so readers never see two addresses point at ep or
// a stale address point at nothing in particular.
func (r *Registry) Latch(ep *Endpoint, newAddr *net.UDPAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep.mu.Lock()
	oldAddr := ep.addr
	ep.addr = newAddr
	ep.mu.Unlock()

	if oldAddr != nil {
		if cur, exists := r.byAddr[oldAddr.String()]; exists && cur == ep {
			delete(r.byAddr, oldAddr.String())
		}
	}
	r.byAddr[newAddr.String()] = ep
}

// Peers returns every other endpoint currently registered in channelID,
// excluding self.
func (r *Registry) Peers(channelID, selfUfrag string) []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byCh := r.byChannel[channelID]
	out := make([]*Endpoint, 0, len(byCh))
	for ufrag, ep := range byCh {
		if ufrag == selfUfrag {
			continue
		}
		out = append(out, ep)
	}
	return out
}

// FindStale returns every endpoint that hasn't been touched within timeout.
func (r *Registry) FindStale(now time.Time, timeout time.Duration) []*Endpoint {
	cutoff := now.Add(-timeout).UnixMilli()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []*Endpoint
	for _, ep := range r.byUfrag {
		if ep.lastSeenMS.Load() < cutoff {
			stale = append(stale, ep)
		}
	}
	return stale
}
