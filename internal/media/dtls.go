package media

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pion/dtls/v2"
)

// keyingMaterialLabel is the RFC 5764 exporter label for deriving SRTP keys
// from a completed DTLS handshake.
const keyingMaterialLabel = "EXTRACTOR-dtls_srtp"

// keyingMaterialLength is client_key(16) | server_key(16) | client_salt(14) | server_salt(14).
const keyingMaterialLength = 60

// GenerateCertificate creates a self-signed ECDSA P-256 certificate for the
// DTLS server role, returning its tls.Certificate and SHA-256 fingerprint
// (colon-free hex, matching the usual SDP a=fingerprint formatting done by
// the caller).
func GenerateCertificate(validity time.Duration) (tls.Certificate, string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, "", fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, "", fmt.Errorf("generate serial: %w", err)
	}

	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "mini-livechat"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyAgreement,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, "", fmt.Errorf("create certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return tls.Certificate{}, "", fmt.Errorf("parse certificate: %w", err)
	}

	fp := sha256.Sum256(certDER)
	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
		Leaf:        leaf,
	}, hex.EncodeToString(fp[:]), nil
}

// udpAddrConn adapts one remote address on a shared *net.UDPConn into a
// net.Conn so pion/dtls can run its handshake against it. Inbound bytes
// are injected via Inject (the relay loop's demux pushes into it); outbound
// bytes go straight to the shared socket.
type udpAddrConn struct {
	socket *net.UDPConn
	remote *net.UDPAddr
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu           sync.Mutex
	readDeadline time.Time
}

func newUDPAddrConn(socket *net.UDPConn, remote *net.UDPAddr, queueSize int) *udpAddrConn {
	return &udpAddrConn{
		socket: socket,
		remote: remote,
		in:     make(chan []byte, queueSize),
		closed: make(chan struct{}),
	}
}

// Inject delivers one inbound datagram. Dropped (and not blocking the
// relay loop) if the handshake task's queue is full.
func (c *udpAddrConn) Inject(data []byte) bool {
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case c.in <- cp:
		return true
	default:
		return false
	}
}

func (c *udpAddrConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	dl := c.readDeadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !dl.IsZero() {
		d := time.Until(dl)
		if d <= 0 {
			return 0, os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case data, ok := <-c.in:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, data), nil
	case <-c.closed:
		return 0, io.EOF
	case <-timeout:
		return 0, os.ErrDeadlineExceeded
	}
}

func (c *udpAddrConn) Write(p []byte) (int, error) {
	return c.socket.WriteToUDP(p, c.remote)
}

func (c *udpAddrConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *udpAddrConn) LocalAddr() net.Addr  { return c.socket.LocalAddr() }
func (c *udpAddrConn) RemoteAddr() net.Addr { return c.remote }

func (c *udpAddrConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}
func (c *udpAddrConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}
func (c *udpAddrConn) SetWriteDeadline(time.Time) error { return nil }

// KeyInstaller receives the sliced keying material once a handshake
// completes, so the caller can install the endpoint's SRTP contexts.
type KeyInstaller func(clientKey, serverKey, clientSalt, serverSalt []byte)

// Terminator runs one DTLS handshake task per remote address observed
// sending DTLS, per §4.5. The relay loop owns the shared socket; this type
// owns only the per-address session map and bounded injection channels.
type Terminator struct {
	socket  *net.UDPConn
	cert    tls.Certificate
	timeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*handshakeSession
}

type handshakeSession struct {
	conn      *udpAddrConn
	startedAt time.Time
}

// NewTerminator returns a terminator bound to socket, using cert as the
// DTLS server certificate.
func NewTerminator(socket *net.UDPConn, cert tls.Certificate, handshakeTimeout time.Duration) *Terminator {
	return &Terminator{
		socket:   socket,
		cert:     cert,
		timeout:  handshakeTimeout,
		sessions: make(map[string]*handshakeSession),
	}
}

// Forward delivers an inbound DTLS record to an existing session. It
// reports false if no session exists for addr, so the caller knows to
// start one.
func (t *Terminator) Forward(addr *net.UDPAddr, data []byte) bool {
	t.mu.RLock()
	sess, ok := t.sessions[addr.String()]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	return sess.conn.Inject(data)
}

// SweepExpired force-closes any handshake session older than timeout. The
// handshake task's own deadline normally cleans itself up first; this is
// the reaper's backstop for a session whose inbound channel went quiet
// without the task noticing (e.g. the remote end vanished mid-handshake).
func (t *Terminator) SweepExpired(now time.Time, timeout time.Duration) {
	t.mu.RLock()
	var stale []*handshakeSession
	for _, sess := range t.sessions {
		if now.Sub(sess.startedAt) > timeout {
			stale = append(stale, sess)
		}
	}
	t.mu.RUnlock()

	for _, sess := range stale {
		sess.conn.Close()
	}
}

// HasSession reports whether addr already has a handshake session.
func (t *Terminator) HasSession(addr *net.UDPAddr) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.sessions[addr.String()]
	return ok
}

// ErrHandshakeTimeout is logged (never returned to a caller outside this
// package) when a handshake fails to complete within the configured timeout.
var ErrHandshakeTimeout = errors.New("dtls handshake timeout")

// StartHandshake spawns the handshake task for addr. install is called with
// the four sliced key/salt segments on success. The session entry is
// removed on both success and failure; on success the caller is expected to
// keep forwarding the now-SRTP-ready endpoint by address, not by session.
func (t *Terminator) StartHandshake(addr *net.UDPAddr, install KeyInstaller) {
	conn := newUDPAddrConn(t.socket, addr, 64)
	sess := &handshakeSession{conn: conn, startedAt: time.Now()}

	t.mu.Lock()
	if _, exists := t.sessions[addr.String()]; exists {
		t.mu.Unlock()
		return
	}
	t.sessions[addr.String()] = sess
	t.mu.Unlock()

	go t.runHandshake(addr, sess, install)
}

func (t *Terminator) runHandshake(addr *net.UDPAddr, sess *handshakeSession, install KeyInstaller) {
	conn := sess.conn
	defer func() {
		t.mu.Lock()
		if cur, ok := t.sessions[addr.String()]; ok && cur == sess {
			delete(t.sessions, addr.String())
		}
		t.mu.Unlock()
		conn.Close()
	}()

	cfg := &dtls.Config{
		Certificates:         []tls.Certificate{t.cert},
		InsecureSkipVerify:   true, // WebRTC trust model: fingerprint is verified out-of-band via SDP, not the X.509 chain.
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
	}

	_ = conn.SetDeadline(time.Now().Add(t.timeout))
	dtlsConn, err := dtls.Server(conn, cfg)
	if err != nil {
		slog.Warn("dtls handshake failed", "addr", addr.String(), "err", err)
		return
	}
	defer dtlsConn.Close()
	_ = conn.SetDeadline(time.Time{})

	material, err := dtlsConn.ExportKeyingMaterial(keyingMaterialLabel, nil, keyingMaterialLength)
	if err != nil {
		slog.Warn("dtls keying material export failed", "addr", addr.String(), "err", err)
		return
	}

	clientKey := material[0:16]
	serverKey := material[16:32]
	clientSalt := material[32:46]
	serverSalt := material[46:60]

	install(clientKey, serverKey, clientSalt, serverSalt)
	slog.Info("dtls handshake complete", "addr", addr.String())

	// Keep the handshake's udpAddrConn alive only long enough to let pion's
	// internal retransmission/close-notify machinery settle; once the
	// caller stops forwarding to this address as DTLS, the relay loop has
	// already switched to treating it as SRTP via the endpoint registry.
}
