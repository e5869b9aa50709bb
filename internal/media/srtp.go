package media

import (
	"errors"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/srtp/v2"
)

// ErrKeyNotInstalled is returned by every SRTPContext operation attempted
// before Install has succeeded.
var ErrKeyNotInstalled = errors.New("key_not_installed")

// Profile is the one SRTP protection profile this relay speaks.
const Profile = srtp.ProtectionProfileAes128CmHmacSha1_80

// SRTPContext wraps a single direction's AES-128-CM + HMAC-SHA1-80 RTP/RTCP
// crypto state. It is unusable until Install succeeds; per invariant 6 it
// is installed exactly once, after a successful DTLS handshake.
//
// The mutex here only protects the (nil -> *srtp.Context) pointer swap; it
// is never held across a socket send, matching the critical-locking rule
// in §4.6/§4.7: acquire, read the pointer, release, then do the crypto and
// (by the caller, afterwards) the send.
type SRTPContext struct {
	mu  sync.Mutex
	ctx *srtp.Context
}

// NewSRTPContext returns a context with no keys installed.
func NewSRTPContext() *SRTPContext { return &SRTPContext{} }

// Install sets the master key/salt for this direction. Per invariant 6
// this must be called exactly once.
func (s *SRTPContext) Install(masterKey, masterSalt []byte) error {
	ctx, err := srtp.CreateContext(masterKey, masterSalt, Profile)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	return nil
}

// Ready reports whether keys have been installed.
func (s *SRTPContext) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx != nil
}

func (s *SRTPContext) snapshot() *srtp.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// DecryptRTP decrypts an inbound RTP packet, returning the plaintext and
// the parsed header (sequence number, SSRC, payload type) for reuse when
// re-encrypting the same payload per recipient.
func (s *SRTPContext) DecryptRTP(packet []byte) ([]byte, *rtp.Header, error) {
	ctx := s.snapshot()
	if ctx == nil {
		return nil, nil, ErrKeyNotInstalled
	}
	var hdr rtp.Header
	if _, err := hdr.Unmarshal(packet); err != nil {
		return nil, nil, err
	}
	plaintext, err := ctx.DecryptRTP(nil, packet, &hdr)
	if err != nil {
		return nil, nil, err
	}
	return plaintext, &hdr, nil
}

// EncryptRTP encrypts plaintext under hdr (the sender's original header,
// reused verbatim: SSRCs and payload types are never rewritten).
func (s *SRTPContext) EncryptRTP(plaintext []byte, hdr *rtp.Header) ([]byte, error) {
	ctx := s.snapshot()
	if ctx == nil {
		return nil, ErrKeyNotInstalled
	}
	return ctx.EncryptRTP(nil, plaintext, hdr)
}

// DecryptRTCP decrypts an inbound RTCP compound packet. RTCP is decrypted
// for validation only; per the spec's open question it is never forwarded.
func (s *SRTPContext) DecryptRTCP(packet []byte) ([]byte, error) {
	ctx := s.snapshot()
	if ctx == nil {
		return nil, ErrKeyNotInstalled
	}
	return ctx.DecryptRTCP(nil, packet, nil)
}

// EncryptRTCP is provided for symmetry; the relay does not currently emit
// server-originated RTCP, but keeping both directions wired means adding a
// sender/receiver-report path later needs no new crypto plumbing.
func (s *SRTPContext) EncryptRTCP(packet []byte) ([]byte, error) {
	ctx := s.snapshot()
	if ctx == nil {
		return nil, ErrKeyNotInstalled
	}
	return ctx.EncryptRTCP(nil, packet, nil)
}
