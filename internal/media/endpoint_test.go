package media

import (
	"net"
	"testing"
	"time"
)

func TestRegistryLatchMovesAddressIndex(t *testing.T) {
	r := NewRegistry()
	ep := r.Register("ufrag1", "pw1", "alice", "ch1")

	addr1 := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5000}
	r.Latch(ep, addr1)

	got, ok := r.ByAddr(addr1)
	if !ok || got != ep {
		t.Fatalf("expected endpoint indexed at addr1")
	}

	addr2 := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 6000}
	r.Latch(ep, addr2)

	if _, ok := r.ByAddr(addr1); ok {
		t.Fatalf("expected addr1 entry to be removed after re-latch")
	}
	got2, ok := r.ByAddr(addr2)
	if !ok || got2 != ep {
		t.Fatalf("expected endpoint indexed at addr2 after latch")
	}
}

func TestRegistryRemoveClearsAllIndexes(t *testing.T) {
	r := NewRegistry()
	ep := r.Register("ufrag1", "pw1", "alice", "ch1")
	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5000}
	r.Latch(ep, addr)

	r.Remove("ufrag1")

	if _, ok := r.ByUfrag("ufrag1"); ok {
		t.Fatalf("expected ufrag index cleared")
	}
	if _, ok := r.ByAddr(addr); ok {
		t.Fatalf("expected address index cleared")
	}
	if peers := r.Peers("ch1", ""); len(peers) != 0 {
		t.Fatalf("expected no peers left in channel, got %d", len(peers))
	}
}

func TestRegistryPeersExcludesSelf(t *testing.T) {
	r := NewRegistry()
	r.Register("ufrag1", "pw1", "alice", "ch1")
	r.Register("ufrag2", "pw2", "bob", "ch1")

	peers := r.Peers("ch1", "ufrag1")
	if len(peers) != 1 || peers[0].UserID != "bob" {
		t.Fatalf("expected only bob as a peer, got %+v", peers)
	}
}

func TestRegistryFindStaleRespectsTimeout(t *testing.T) {
	r := NewRegistry()
	ep := r.Register("ufrag1", "pw1", "alice", "ch1")
	ep.lastSeenMS.Store(time.Now().Add(-time.Minute).UnixMilli())

	stale := r.FindStale(time.Now(), 30*time.Second)
	if len(stale) != 1 || stale[0] != ep {
		t.Fatalf("expected endpoint to be reported stale, got %+v", stale)
	}
}

func TestEndpointReadyToSendRequiresAddrAndOutbound(t *testing.T) {
	ep := &Endpoint{}
	if ep.ReadyToSend() {
		t.Fatalf("expected not ready with no address or outbound context")
	}

	ep.addr = &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 1000}
	if ep.ReadyToSend() {
		t.Fatalf("expected not ready with no outbound context installed")
	}

	ep.Outbound = NewSRTPContext()
	if ep.ReadyToSend() {
		t.Fatalf("expected not ready before keys are installed")
	}

	if err := ep.Outbound.Install(make([]byte, 16), make([]byte, 14)); err != nil {
		t.Fatalf("unexpected install error: %v", err)
	}
	if !ep.ReadyToSend() {
		t.Fatalf("expected ready once address and keys are both present")
	}
}
