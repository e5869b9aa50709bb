// Package signaling implements the WebSocket control plane: the {op, d}
// envelope, its fixed opcode table, and the per-connection reader/writer
// split that dispatches into the user/channel/floor/media registries.
package signaling

import "encoding/json"

// Opcode is the closed tagged union of every signaling message this
// relay understands.
type Opcode int

// Client -> server opcodes.
const (
	OpHeartbeat Opcode = 1
	OpIdentify  Opcode = 3

	OpChannelCreate Opcode = 10
	OpChannelJoin   Opcode = 11
	OpChannelLeave  Opcode = 12
	OpChannelUpdate Opcode = 13
	OpChannelDelete Opcode = 14
	OpChannelList   Opcode = 15
	OpChannelInfo   Opcode = 16

	OpMessageCreate Opcode = 20

	OpFloorRequest Opcode = 30
	OpFloorRelease Opcode = 31
	OpFloorPing    Opcode = 32
)

// Server -> client opcodes.
const (
	OpHello        Opcode = 0
	OpHeartbeatAck Opcode = 2
	OpReady        Opcode = 4

	OpChannelEvent Opcode = 100
	OpMessageEvent Opcode = 101

	OpFloorGranted      Opcode = 110
	OpFloorDeny         Opcode = 111
	OpFloorTaken        Opcode = 112
	OpFloorIdle         Opcode = 113
	OpFloorRevoke       Opcode = 114
	OpFloorQueuePosInfo Opcode = 115
	OpFloorPong         Opcode = 116

	OpAck   Opcode = 200
	OpError Opcode = 201
)

// Envelope is the wire format for every signaling message: {"op": N, "d": ...}.
type Envelope struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
}

func encode(op Opcode, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		d, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = d
	}
	return json.Marshal(Envelope{Op: op, D: raw})
}

type identifyPayload struct {
	UserID   string `json:"user_id"`
	Token    string `json:"token"`
	Priority *byte  `json:"priority,omitempty"`
}

type helloPayload struct {
	HeartbeatIntervalMS int `json:"heartbeat_interval_ms"`
}

type readyPayload struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

type channelCreatePayload struct {
	ChannelID   string `json:"channel_id"`
	Freq        string `json:"freq"`
	ChannelName string `json:"channel_name"`
}

type channelJoinPayload struct {
	ChannelID string `json:"channel_id"`
	SSRC      uint32 `json:"ssrc"`
	Ufrag     string `json:"ufrag"`
	SDPOffer  string `json:"sdp_offer,omitempty"`
}

type channelOnlyPayload struct {
	ChannelID string `json:"channel_id"`
}

type messageCreatePayload struct {
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
}

type floorRequestPayload struct {
	ChannelID string `json:"channel_id"`
	Priority  byte   `json:"priority"`
	Indicator string `json:"indicator"`
}

type channelEventPayload struct {
	Event     string `json:"event"`
	ChannelID string `json:"channel_id"`
	Member    string `json:"member"`
}

type messageEventPayload struct {
	ChannelID string `json:"channel_id"`
	AuthorID  string `json:"author_id"`
	Content   string `json:"content"`
}

type ackPayload struct {
	Op   Opcode `json:"op"`
	Data any    `json:"data"`
}

type errorPayload struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

type channelJoinAck struct {
	ChannelID     string   `json:"channel_id"`
	SDPAnswer     string   `json:"sdp_answer"`
	ActiveMembers []string `json:"active_members"`
}

type channelInfoAck struct {
	ChannelID string   `json:"channel_id"`
	Name      string   `json:"name"`
	Freq      string   `json:"freq"`
	Capacity  int      `json:"capacity"`
	Members   []string `json:"members"`
}

type channelListEntry struct {
	ChannelID string `json:"channel_id"`
	Name      string `json:"name"`
	Freq      string `json:"freq"`
	Members   int    `json:"members"`
}

type floorGrantedPayload struct {
	ChannelID  string `json:"channel_id"`
	UserID     string `json:"user_id"`
	DurationMS int64  `json:"duration_ms"`
}

type floorDenyPayload struct {
	ChannelID string `json:"channel_id"`
	Reason    string `json:"reason"`
}

type floorTakenPayload struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	Indicator string `json:"indicator"`
}

type floorIdlePayload struct {
	ChannelID string `json:"channel_id"`
}

type floorRevokePayload struct {
	ChannelID string `json:"channel_id"`
	Cause     string `json:"cause"`
}

type floorQueuePosPayload struct {
	ChannelID     string `json:"channel_id"`
	QueuePosition int    `json:"queue_position"`
	QueueSize     int    `json:"queue_size"`
}

type floorPongPayload struct {
	ChannelID string `json:"channel_id"`
}
