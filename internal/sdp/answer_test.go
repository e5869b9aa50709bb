package sdp

import (
	"net"
	"strings"
	"testing"
)

const sampleOffer = "v=0\r\n" +
	"o=- 1234 1 IN IP4 192.0.2.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=ice-ufrag:clientufrag\r\n" +
	"a=ice-pwd:clientpassword1234567890\r\n" +
	"a=fingerprint:sha-256 AA:BB:CC\r\n" +
	"a=setup:actpass\r\n" +
	"a=candidate:1 1 udp 2130706431 198.51.100.1 5000 typ host\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

func TestBuildAnswerSubstitutesServerCredentials(t *testing.T) {
	answer, err := BuildAnswer(sampleOffer, "serverufrag", "serverpassword", "ab12ef", net.IPv4(203, 0, 113, 9), 9443)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if strings.Contains(answer, "clientufrag") {
		t.Fatalf("expected the offer's ice-ufrag to be replaced, got:\n%s", answer)
	}
	if !strings.Contains(answer, "a=ice-ufrag:serverufrag") {
		t.Fatalf("expected server ufrag in answer, got:\n%s", answer)
	}
	if !strings.Contains(answer, "a=setup:passive") {
		t.Fatalf("expected setup:passive (server is always DTLS server role), got:\n%s", answer)
	}
	if !strings.Contains(answer, "typ srflx") {
		t.Fatalf("expected a single server-reflexive candidate, got:\n%s", answer)
	}
	if !strings.Contains(answer, "203.0.113.9") || !strings.Contains(answer, "9443") {
		t.Fatalf("expected candidate to carry the advertised ip/port, got:\n%s", answer)
	}
	if !strings.Contains(answer, "a=ice-lite") {
		t.Fatalf("expected session-level ice-lite attribute, got:\n%s", answer)
	}
}

func TestBuildAnswerRejectsOfferWithNoMediaSections(t *testing.T) {
	noMedia := "v=0\r\no=- 1 1 IN IP4 192.0.2.1\r\ns=-\r\nt=0 0\r\n"
	if _, err := BuildAnswer(noMedia, "u", "p", "ab12", net.IPv4(1, 2, 3, 4), 1000); err == nil {
		t.Fatalf("expected error for offer with no media sections")
	}
}

func TestColonHexFormatsUppercasePairs(t *testing.T) {
	got := colonHex("ab12ef")
	if got != "AB:12:EF" {
		t.Fatalf("expected AB:12:EF, got %q", got)
	}
}
