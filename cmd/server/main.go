package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/kodeholic9/mini-livechat/internal/channels"
	"github.com/kodeholic9/mini-livechat/internal/config"
	"github.com/kodeholic9/mini-livechat/internal/httpapi"
	"github.com/kodeholic9/mini-livechat/internal/media"
	"github.com/kodeholic9/mini-livechat/internal/reaper"
	"github.com/kodeholic9/mini-livechat/internal/signaling"
	"github.com/kodeholic9/mini-livechat/internal/users"
)

func main() {
	cfg := config.Default()

	defaultLogLevel := os.Getenv("LIVECHAT_LOG_LEVEL")
	if defaultLogLevel == "" {
		defaultLogLevel = "info"
	}

	addr := flag.String("port", ":8443", "WebSocket/HTTP listen address")
	udpAddr := flag.String("udp-port", ":9443", "UDP media listen address")
	advertiseIP := flag.String("advertise-ip", "", "public IP advertised in SDP candidates (empty to auto-detect from the outbound route, falling back to the UDP socket)")
	logLevel := flag.String("log-level", defaultLogLevel, "log level: debug, info, warn, error (defaults to LIVECHAT_LOG_LEVEL)")
	flag.DurationVar(&cfg.MaxTaken, "max-taken", cfg.MaxTaken, "maximum time a floor holder may keep the floor")
	flag.DurationVar(&cfg.PingTimeout, "ping-timeout", cfg.PingTimeout, "silence a floor holder may go without a ping before revocation")
	flag.DurationVar(&cfg.ReapInterval, "reap-interval", cfg.ReapInterval, "reaper sweep period")
	flag.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "DTLS handshake timeout")
	flag.DurationVar(&cfg.InactivityTimeout, "inactivity-timeout", cfg.InactivityTimeout, "user/endpoint inactivity eviction timeout")
	flag.DurationVar(&cfg.CertValidity, "cert-validity", cfg.CertValidity, "self-signed DTLS certificate validity")
	flag.IntVar(&cfg.HeartbeatIntervalMS, "heartbeat-ms", cfg.HeartbeatIntervalMS, "heartbeat interval advertised in HELLO")
	flag.IntVar(&cfg.SignalingQueueSize, "signaling-queue-size", cfg.SignalingQueueSize, "per-session outbound envelope queue depth")
	flag.Parse()

	cfg.ListenAddr = *addr
	cfg.UDPAddr = *udpAddr
	cfg.AdvertiseIP = *advertiseIP
	cfg.LogLevel = *logLevel

	cfg.SharedSecret = os.Getenv("LIVECHAT_SECRET")
	if cfg.SharedSecret == "" {
		log.Fatal("[server] LIVECHAT_SECRET must be set")
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)})))

	udpConn, err := net.ListenUDP("udp", mustResolveUDP(cfg.UDPAddr))
	if err != nil {
		log.Fatalf("[media] listen udp %s: %v", cfg.UDPAddr, err)
	}

	ip, err := resolveAdvertiseIP(cfg.AdvertiseIP, udpConn)
	if err != nil {
		log.Fatalf("[media] resolve advertise ip: %v", err)
	}
	udpPort := udpConn.LocalAddr().(*net.UDPAddr).Port

	cert, fingerprint, err := media.GenerateCertificate(cfg.CertValidity)
	if err != nil {
		log.Fatalf("[media] generate certificate: %v", err)
	}
	slog.Info("dtls certificate generated", "fingerprint", fingerprint)

	userRegistry := users.New()
	channelRegistry := channels.New(cfg.MaxTaken, cfg.PingTimeout)
	endpointRegistry := media.NewRegistry()
	terminator := media.NewTerminator(udpConn, cert, cfg.HandshakeTimeout)
	relay := media.NewRelay(udpConn, endpointRegistry, channelRegistry, terminator)

	dispatcher := &signaling.Dispatcher{Users: userRegistry}
	signaling.SetChannelMembersFunc(func(channelID string) ([]string, bool) {
		members, ok := channelRegistry.Members(channelID)
		if !ok {
			return nil, false
		}
		ids := make([]string, 0, len(members))
		for id := range members {
			ids = append(ids, id)
		}
		return ids, true
	})

	reap := reaper.New(userRegistry, channelRegistry, endpointRegistry, terminator, dispatcher,
		cfg.ReapInterval, cfg.InactivityTimeout, cfg.HandshakeTimeout)

	wsHandler := signaling.NewHandler(userRegistry, channelRegistry, endpointRegistry,
		cfg.SharedSecret, cfg.HeartbeatIntervalMS, cfg.SignalingQueueSize, ip, udpPort, fingerprint)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	wsHandler.Register(e)
	httpapi.New(userRegistry, channelRegistry).Register(e)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go relay.Run()
	go reap.Run(ctx)

	go func() {
		if err := e.Start(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[server] %v", err)
		}
	}()
	slog.Info("relay listening", "addr", cfg.ListenAddr, "udp_addr", cfg.UDPAddr, "advertise_ip", ip.String())

	<-ctx.Done()
	slog.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Shutdown(shutCtx); err != nil {
		slog.Error("http shutdown", "err", err)
	}
	_ = udpConn.Close()
}

func mustResolveUDP(addr string) *net.UDPAddr {
	resolved, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		log.Fatalf("[media] resolve udp addr %s: %v", addr, err)
	}
	return resolved
}

// resolveAdvertiseIP returns the explicit override if set, otherwise the
// non-loopback IP of the first outbound-capable interface, falling back to
// the UDP socket's own bound address.
func resolveAdvertiseIP(override string, udpConn *net.UDPConn) (net.IP, error) {
	if override != "" {
		ip := net.ParseIP(override)
		if ip == nil {
			return nil, &net.AddrError{Err: "invalid advertise-ip", Addr: override}
		}
		return ip, nil
	}

	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err == nil {
		defer conn.Close()
		if local, ok := conn.LocalAddr().(*net.UDPAddr); ok && !local.IP.IsUnspecified() {
			return local.IP, nil
		}
	}

	if local, ok := udpConn.LocalAddr().(*net.UDPAddr); ok && !local.IP.IsUnspecified() {
		return local.IP, nil
	}
	return net.IPv4(127, 0, 0, 1), nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
