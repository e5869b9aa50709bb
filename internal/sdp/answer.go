// Package sdp assembles the minimal ICE-Lite SDP answer the relay sends
// back on CHANNEL_JOIN: one m= section per offered media line, server ICE
// credentials, the DTLS fingerprint, and the single server-reflexive
// candidate this deployment ever advertises.
package sdp

import (
	"fmt"
	"net"
	"strings"

	pionsdp "github.com/pion/sdp/v3"
)

// dropped is the set of attribute keys stripped from each offered media
// section before the server's own ICE-Lite attributes are substituted in.
var dropped = map[string]bool{
	"ice-ufrag":         true,
	"ice-pwd":           true,
	"ice-options":       true,
	"candidate":         true,
	"end-of-candidates": true,
	"fingerprint":       true,
	"setup":             true,
}

// BuildAnswer parses offerSDP and returns an ICE-Lite answer binding every
// offered media section to ufrag/icePassword, fingerprint, and a single
// srflx candidate at candidateIP:candidatePort. The server is always the
// DTLS server role, so every section answers a=setup:passive.
func BuildAnswer(offerSDP, ufrag, icePassword, fingerprint string, candidateIP net.IP, candidatePort int) (string, error) {
	var offer pionsdp.SessionDescription
	if err := offer.Unmarshal([]byte(offerSDP)); err != nil {
		return "", fmt.Errorf("parse sdp offer: %w", err)
	}
	if len(offer.MediaDescriptions) == 0 {
		return "", fmt.Errorf("sdp offer has no media sections")
	}

	answer := offer

	hasSessionIceLite := false
	for _, a := range answer.Attributes {
		if a.Key == "ice-lite" {
			hasSessionIceLite = true
			break
		}
	}
	if !hasSessionIceLite {
		answer.Attributes = append(answer.Attributes, pionsdp.Attribute{Key: "ice-lite"})
	}

	candidate := fmt.Sprintf("1 1 udp 2130706431 %s %d typ srflx raddr %s rport %d",
		candidateIP.String(), candidatePort, candidateIP.String(), candidatePort)

	for _, media := range answer.MediaDescriptions {
		kept := media.Attributes[:0]
		for _, a := range media.Attributes {
			if !dropped[a.Key] {
				kept = append(kept, a)
			}
		}
		media.Attributes = kept

		media.Attributes = append(media.Attributes,
			pionsdp.Attribute{Key: "ice-ufrag", Value: ufrag},
			pionsdp.Attribute{Key: "ice-pwd", Value: icePassword},
			pionsdp.Attribute{Key: "fingerprint", Value: "sha-256 " + colonHex(fingerprint)},
			pionsdp.Attribute{Key: "setup", Value: "passive"},
			pionsdp.Attribute{Key: "candidate", Value: candidate},
			pionsdp.Attribute{Key: "end-of-candidates"},
		)
	}

	out, err := answer.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal sdp answer: %w", err)
	}
	return string(out), nil
}

// colonHex reformats a plain hex string (as produced by
// media.GenerateCertificate) into the colon-separated uppercase form
// RFC 8122 fingerprints use on the wire.
func colonHex(hexDigest string) string {
	hexDigest = strings.ToUpper(hexDigest)
	var b strings.Builder
	for i := 0; i < len(hexDigest); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		end := i + 2
		if end > len(hexDigest) {
			end = len(hexDigest)
		}
		b.WriteString(hexDigest[i:end])
	}
	return b.String()
}
