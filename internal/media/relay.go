package media

import (
	"errors"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/kodeholic9/mini-livechat/internal/channels"
)

// Packet classification per RFC 7983: the first byte of a UDP datagram on
// the shared media port tells the demuxer which protocol owns it.
func classify(b byte) packetClass {
	switch {
	case b <= 3:
		return classSTUN
	case b >= 20 && b <= 63:
		return classDTLS
	case b >= 64 && b <= 79:
		return classTURN
	case b >= 128 && b <= 191:
		return classSRTPOrRTCP
	default:
		return classUnknown
	}
}

type packetClass int

const (
	classSTUN packetClass = iota
	classDTLS
	classTURN
	classSRTPOrRTCP
	classUnknown
)

// rtcpPayloadTypeFloor is the lowest RTCP payload type value; an inbound
// SRTP/SRTCP packet whose second byte is at or above it is treated as RTCP
// rather than RTP (the check is made before decryption).
const rtcpPayloadTypeFloor = 0xC8

// Circuit breaker tuning, carried over from the teacher's datagram fan-out:
// after circuitBreakerThreshold consecutive send failures the breaker opens
// and skips that peer until a probe succeeds every circuitBreakerProbeInterval
// attempts.
const (
	circuitBreakerThreshold     uint32 = 50
	circuitBreakerProbeInterval uint32 = 25
)

// sendHealth tracks one endpoint's consecutive SRTP send failures so a
// single unreachable peer never costs every fan-out call a blocking write.
type sendHealth struct {
	failures atomic.Uint32
	skips    atomic.Uint32
}

func (h *sendHealth) shouldSkip() bool {
	if h.failures.Load() < circuitBreakerThreshold {
		return false
	}
	s := h.skips.Add(1)
	return s%circuitBreakerProbeInterval != 0
}

func (h *sendHealth) recordFailure() uint32 { return h.failures.Add(1) }

func (h *sendHealth) recordSuccess() bool {
	wasTripped := h.failures.Swap(0) >= circuitBreakerThreshold
	if wasTripped {
		h.skips.Store(0)
	}
	return wasTripped
}

// Relay owns the single shared UDP socket and dispatches every inbound
// datagram per §4.7: STUN to the binding handler, DTLS to the terminator,
// SRTP/SRTCP to the channel-aware, floor-gated fan-out.
type Relay struct {
	socket     *net.UDPConn
	endpoints  *Registry
	channels   *channels.Registry
	terminator *Terminator
	health     map[string]*sendHealth // ufrag -> breaker state
}

// NewRelay returns a relay bound to socket, dispatching STUN against
// endpoints, DTLS against terminator, and SRTP fan-out gated by channels.
func NewRelay(socket *net.UDPConn, endpoints *Registry, chanRegistry *channels.Registry, terminator *Terminator) *Relay {
	return &Relay{
		socket:     socket,
		endpoints:  endpoints,
		channels:   chanRegistry,
		terminator: terminator,
		health:     make(map[string]*sendHealth),
	}
}

// Run reads datagrams from the socket until it is closed. It is meant to be
// run in its own goroutine; one relay serves the entire process, matching
// the single shared socket the ICE Lite / symmetric-latching design needs.
func (r *Relay) Run() {
	buf := make([]byte, 1500)
	for {
		n, addr, err := r.socket.ReadFromUDP(buf)
		if err != nil {
			if isClosedConnError(err) {
				return
			}
			slog.Warn("media socket read error", "err", err)
			continue
		}
		if n == 0 {
			continue
		}
		r.handle(addr, append([]byte(nil), buf[:n]...))
	}
}

func (r *Relay) handle(addr *net.UDPAddr, data []byte) {
	switch classify(data[0]) {
	case classSTUN:
		r.handleSTUN(addr, data)
	case classDTLS:
		r.handleDTLS(addr, data)
	case classTURN:
		// No TURN relay role in this deployment; silently dropped per §4.7.
	case classSRTPOrRTCP:
		r.handleSRTP(addr, data)
	case classUnknown:
		// First byte outside every RFC 7983 range: dropped.
	}
}

func (r *Relay) handleSTUN(addr *net.UDPAddr, data []byte) {
	req, err := ParseBindingRequest(data)
	if err != nil {
		return
	}

	// USERNAME is "<server_ufrag>:<client_ufrag>"; only the server half
	// identifies which endpoint this binding is for.
	serverUfrag := req.Username
	for i, c := range req.Username {
		if c == ':' {
			serverUfrag = req.Username[:i]
			break
		}
	}

	ep, ok := r.endpoints.ByUfrag(serverUfrag)
	if !ok {
		return
	}
	if err := req.VerifyMessageIntegrity(ep.IcePassword); err != nil {
		slog.Warn("stun integrity check failed", "ufrag", serverUfrag, "addr", addr.String())
		return
	}

	r.endpoints.Latch(ep, addr)
	ep.Touch()

	resp, err := BuildBindingSuccess(req.TransactionID, addr, ep.IcePassword)
	if err != nil {
		slog.Warn("stun response build failed", "ufrag", serverUfrag, "err", err)
		return
	}
	if _, err := r.socket.WriteToUDP(resp, addr); err != nil {
		slog.Warn("stun response send failed", "ufrag", serverUfrag, "err", err)
	}
}

func (r *Relay) handleDTLS(addr *net.UDPAddr, data []byte) {
	if r.terminator.Forward(addr, data) {
		return
	}

	ep, ok := r.endpoints.ByAddr(addr)
	if !ok {
		// DTLS from an address with no latched endpoint: nothing to key.
		return
	}
	r.terminator.StartHandshake(addr, func(clientKey, serverKey, clientSalt, serverSalt []byte) {
		if err := ep.Inbound.Install(clientKey, clientSalt); err != nil {
			slog.Warn("srtp inbound install failed", "ufrag", ep.Ufrag, "err", err)
			return
		}
		if err := ep.Outbound.Install(serverKey, serverSalt); err != nil {
			slog.Warn("srtp outbound install failed", "ufrag", ep.Ufrag, "err", err)
		}
	})
}

func (r *Relay) handleSRTP(addr *net.UDPAddr, data []byte) {
	ep, ok := r.endpoints.ByAddr(addr)
	if !ok || ep.Inbound == nil || !ep.Inbound.Ready() {
		return
	}
	ep.Touch()

	if len(data) >= 2 && data[1] >= rtcpPayloadTypeFloor {
		// RTCP is decrypted for validation only and never forwarded,
		// per the spec's open question on RTCP fan-out.
		if _, err := ep.Inbound.DecryptRTCP(data); err != nil {
			slog.Debug("srtcp decrypt failed", "ufrag", ep.Ufrag, "err", err)
		}
		return
	}

	plaintext, hdr, err := ep.Inbound.DecryptRTP(data)
	if err != nil {
		slog.Debug("srtp decrypt failed", "ufrag", ep.Ufrag, "err", err)
		return
	}

	// Only the current floor holder's RTP (audio or video) is forwarded; everyone else's
	// RTP is decrypted (to keep the replay window current) and dropped.
	if !r.channels.IsFloorHolder(ep.ChannelID, ep.UserID) {
		return
	}

	for _, peer := range r.endpoints.Peers(ep.ChannelID, ep.Ufrag) {
		if !peer.ReadyToSend() {
			continue
		}
		health := r.healthFor(peer.Ufrag)
		if health.shouldSkip() {
			continue
		}

		encrypted, err := peer.Outbound.EncryptRTP(plaintext, hdr)
		if err != nil {
			health.recordFailure()
			continue
		}
		if _, err := r.socket.WriteToUDP(encrypted, peer.Addr()); err != nil {
			n := health.recordFailure()
			if n == circuitBreakerThreshold {
				slog.Warn("circuit breaker open", "ufrag", peer.Ufrag)
			}
			continue
		}
		if health.failures.Load() > 0 && health.recordSuccess() {
			slog.Info("circuit breaker closed", "ufrag", peer.Ufrag)
		}
	}
}

func (r *Relay) healthFor(ufrag string) *sendHealth {
	if h, ok := r.health[ufrag]; ok {
		return h
	}
	h := &sendHealth{}
	r.health[ufrag] = h
	return h
}

func isClosedConnError(err error) bool {
	var ne *net.OpError
	return errors.As(err, &ne) && ne.Err.Error() == "use of closed network connection"
}
