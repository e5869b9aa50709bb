package signaling

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/kodeholic9/mini-livechat/internal/channels"
	"github.com/kodeholic9/mini-livechat/internal/media"
	sdpbuilder "github.com/kodeholic9/mini-livechat/internal/sdp"
	"github.com/kodeholic9/mini-livechat/internal/users"
)

const writeTimeout = 5 * time.Second

// Handler upgrades WebSocket connections and dispatches the signaling
// opcode table of spec §6 into the user/channel/floor/media registries.
type Handler struct {
	Users     *users.Registry
	Channels  *channels.Registry
	Endpoints *media.Registry

	Secret              string
	HeartbeatIntervalMS int
	QueueSize           int

	AdvertiseIP        net.IP
	UDPPort            int
	DTLSFingerprint    string

	upgrader websocket.Upgrader
}

// NewHandler returns a Handler bound to the given registries and config.
func NewHandler(u *users.Registry, c *channels.Registry, e *media.Registry, secret string, heartbeatMS, queueSize int, advertiseIP net.IP, udpPort int, fingerprint string) *Handler {
	return &Handler{
		Users:               u,
		Channels:            c,
		Endpoints:           e,
		Secret:              secret,
		HeartbeatIntervalMS: heartbeatMS,
		QueueSize:           queueSize,
		AdvertiseIP:         advertiseIP,
		UDPPort:             udpPort,
		DTLSFingerprint:     fingerprint,
		upgrader:            websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// Register binds the WebSocket route on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	remote := c.RealIP()
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("ws upgrade failed", "remote", remote, "err", err)
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	go h.serveConn(conn, remote)
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn, remote string) {
	defer conn.Close()
	conn.SetReadLimit(1 << 16)

	if err := h.writeDirect(conn, OpHello, helloPayload{HeartbeatIntervalMS: h.HeartbeatIntervalMS}); err != nil {
		return
	}

	var user *users.User

	defer func() {
		if user == nil {
			return
		}
		dispatches, affected := h.Channels.RemoveUserEverywhere(user.UserID)
		h.Users.Unregister(user.UserID)
		(&Dispatcher{Users: h.Users}).SendDispatches(dispatches)
		for _, chID := range affected {
			h.broadcastChannelEvent(chID, "member_left", user.UserID)
		}
		slog.Info("ws disconnected", "user_id", user.UserID, "remote", remote)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("ws unexpected close", "remote", remote, "err", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}

		if user == nil {
			if env.Op != OpIdentify {
				continue
			}
			u, err := h.handleIdentify(conn, env, remote)
			if err != nil {
				continue // client may retry IDENTIFY
			}
			user = u
			go h.writeLoop(conn, user)
			continue
		}

		h.Users.Touch(user.UserID)
		h.dispatch(user, env)
	}
}

func (h *Handler) writeLoop(conn *websocket.Conn, user *users.User) {
	for payload := range user.Outbound() {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			slog.Debug("ws write error", "user_id", user.UserID, "err", err)
			return
		}
	}
}

func (h *Handler) writeDirect(conn *websocket.Conn, op Opcode, payload any) error {
	raw, err := encode(op, payload)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (h *Handler) handleIdentify(conn *websocket.Conn, env Envelope, remote string) (*users.User, error) {
	var p identifyPayload
	if err := json.Unmarshal(env.D, &p); err != nil {
		_ = h.writeDirect(conn, OpError, errorPayload{Code: ErrCodeInvalidPayload, Reason: "malformed identify"})
		return nil, err
	}
	if p.Token != h.Secret {
		_ = h.writeDirect(conn, OpError, errorPayload{Code: ErrCodeInvalidToken, Reason: "invalid token"})
		return nil, errors.New("invalid token")
	}

	priority := byte(0)
	if p.Priority != nil {
		priority = *p.Priority
	}
	user, err := h.Users.Register(p.UserID, priority, h.QueueSize)
	if err != nil {
		_ = h.writeDirect(conn, OpError, errorPayload{Code: ErrCodeAlreadyIdentified, Reason: err.Error()})
		return nil, err
	}

	sessionID := uuid.NewString()
	if err := h.writeDirect(conn, OpReady, readyPayload{UserID: user.UserID, SessionID: sessionID}); err != nil {
		h.Users.Unregister(user.UserID)
		return nil, err
	}

	slog.Info("ws identified", "user_id", user.UserID, "remote", remote, "session_id", sessionID)
	return user, nil
}

func (h *Handler) dispatch(user *users.User, env Envelope) {
	switch env.Op {
	case OpHeartbeat:
		h.reply(user, env.Op, OpHeartbeatAck, nil)

	case OpChannelCreate:
		h.handleChannelCreate(user, env)
	case OpChannelJoin:
		h.handleChannelJoin(user, env)
	case OpChannelLeave:
		h.handleChannelLeave(user, env)
	case OpChannelUpdate:
		// No fields are defined for this opcode's payload; acknowledged but a no-op.
		h.reply(user, env.Op, OpAck, nil)
	case OpChannelDelete:
		h.handleChannelDelete(user, env)
	case OpChannelList:
		h.handleChannelList(user, env)
	case OpChannelInfo:
		h.handleChannelInfo(user, env)

	case OpMessageCreate:
		h.handleMessageCreate(user, env)

	case OpFloorRequest:
		h.handleFloorRequest(user, env)
	case OpFloorRelease:
		h.handleFloorRelease(user, env)
	case OpFloorPing:
		h.handleFloorPing(user, env)

	default:
		h.sendError(user, ErrCodeInvalidPayload, "unsupported opcode")
	}
}

func (h *Handler) reply(user *users.User, inReplyTo, op Opcode, data any) {
	var payload any = data
	if op == OpAck {
		payload = ackPayload{Op: inReplyTo, Data: data}
	}
	raw, err := encode(op, payload)
	if err != nil {
		slog.Error("reply encode failed", "op", op, "err", err)
		return
	}
	user.Send(raw)
}

func (h *Handler) sendError(user *users.User, code int, reason string) {
	raw, err := encode(OpError, errorPayload{Code: code, Reason: reason})
	if err != nil {
		return
	}
	user.Send(raw)
}

func (h *Handler) broadcastChannelEvent(channelID, event, member string) {
	members, ok := h.Channels.Members(channelID)
	if !ok {
		return
	}
	raw, err := encode(OpChannelEvent, channelEventPayload{Event: event, ChannelID: channelID, Member: member})
	if err != nil {
		return
	}
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	h.Users.BroadcastTo(ids, raw, "")
}

func (h *Handler) handleChannelCreate(user *users.User, env Envelope) {
	var p channelCreatePayload
	if err := json.Unmarshal(env.D, &p); err != nil {
		h.sendError(user, ErrCodeInvalidPayload, "malformed channel_create")
		return
	}
	if err := h.Channels.Create(p.ChannelID, p.Freq, p.ChannelName, 0); err != nil {
		h.sendError(user, ErrCodeChannelExists, err.Error())
		return
	}
	h.reply(user, OpChannelCreate, OpAck, channelOnlyPayload{ChannelID: p.ChannelID})
}

func (h *Handler) handleChannelDelete(user *users.User, env Envelope) {
	var p channelOnlyPayload
	if err := json.Unmarshal(env.D, &p); err != nil {
		h.sendError(user, ErrCodeInvalidPayload, "malformed channel_delete")
		return
	}
	// CHANNEL_DELETE authorization is intentionally unrestricted; see DESIGN.md.
	if err := h.Channels.Delete(p.ChannelID); err != nil {
		h.sendError(user, ErrCodeChannelNotFound, err.Error())
		return
	}
	h.reply(user, OpChannelDelete, OpAck, channelOnlyPayload{ChannelID: p.ChannelID})
}

func (h *Handler) handleChannelList(user *users.User, _ Envelope) {
	chans := h.Channels.List()
	entries := make([]channelListEntry, 0, len(chans))
	for _, ch := range chans {
		entries = append(entries, channelListEntry{
			ChannelID: ch.ChannelID,
			Name:      ch.Name,
			Freq:      ch.Freq,
			Members:   len(ch.Members()),
		})
	}
	h.reply(user, OpChannelList, OpAck, entries)
}

func (h *Handler) handleChannelInfo(user *users.User, env Envelope) {
	var p channelOnlyPayload
	if err := json.Unmarshal(env.D, &p); err != nil {
		h.sendError(user, ErrCodeInvalidPayload, "malformed channel_info")
		return
	}
	ch, ok := h.Channels.Get(p.ChannelID)
	if !ok {
		h.sendError(user, ErrCodeChannelNotFound, "channel not found")
		return
	}
	members := ch.Members()
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	h.reply(user, OpChannelInfo, OpAck, channelInfoAck{
		ChannelID: ch.ChannelID,
		Name:      ch.Name,
		Freq:      ch.Freq,
		Capacity:  ch.Capacity,
		Members:   ids,
	})
}

func (h *Handler) handleChannelLeave(user *users.User, env Envelope) {
	var p channelOnlyPayload
	if err := json.Unmarshal(env.D, &p); err != nil {
		h.sendError(user, ErrCodeInvalidPayload, "malformed channel_leave")
		return
	}
	dispatches, err := h.Channels.Leave(p.ChannelID, user.UserID)
	if err != nil {
		h.sendError(user, ErrCodeNotMember, err.Error())
		return
	}
	h.Endpoints.Remove(endpointUfragFor(h.Endpoints, p.ChannelID, user.UserID))
	(&Dispatcher{Users: h.Users}).SendDispatches(dispatches)
	h.broadcastChannelEvent(p.ChannelID, "member_left", user.UserID)
	h.reply(user, OpChannelLeave, OpAck, channelOnlyPayload{ChannelID: p.ChannelID})
}

func (h *Handler) handleChannelJoin(user *users.User, env Envelope) {
	var p channelJoinPayload
	if err := json.Unmarshal(env.D, &p); err != nil {
		h.sendError(user, ErrCodeInvalidPayload, "malformed channel_join")
		return
	}
	if _, ok := h.Channels.Get(p.ChannelID); !ok {
		h.sendError(user, ErrCodeChannelNotFound, "channel not found")
		return
	}
	if err := h.Channels.Join(p.ChannelID, user.UserID); err != nil {
		code := ErrCodeAlreadyMember
		if errors.Is(err, channels.ErrFull) {
			code = ErrCodeChannelFull
		}
		h.sendError(user, code, err.Error())
		return
	}

	serverUfrag, icePassword, err := generateICECredentials()
	if err != nil {
		h.sendError(user, ErrCodeInternal, "failed to allocate media endpoint")
		return
	}
	ep := h.Endpoints.Register(serverUfrag, icePassword, user.UserID, p.ChannelID)
	ep.Inbound = media.NewSRTPContext()
	ep.Outbound = media.NewSRTPContext()
	ep.SetTracks([]media.Track{{SSRC: p.SSRC, Kind: media.TrackAudio}})

	var answer string
	if p.SDPOffer != "" {
		answer, err = sdpbuilder.BuildAnswer(p.SDPOffer, serverUfrag, icePassword, h.DTLSFingerprint, h.AdvertiseIP, h.UDPPort)
		if err != nil {
			h.Endpoints.Remove(serverUfrag)
			_, _ = h.Channels.Leave(p.ChannelID, user.UserID)
			h.sendError(user, ErrCodeInvalidSDPOffer, err.Error())
			return
		}
	}

	members, _ := h.Channels.Members(p.ChannelID)
	active := make([]string, 0, len(members))
	for id := range members {
		active = append(active, id)
	}

	h.broadcastChannelEvent(p.ChannelID, "member_joined", user.UserID)
	h.reply(user, OpChannelJoin, OpAck, channelJoinAck{
		ChannelID:     p.ChannelID,
		SDPAnswer:     answer,
		ActiveMembers: active,
	})
}

func (h *Handler) handleMessageCreate(user *users.User, env Envelope) {
	var p messageCreatePayload
	if err := json.Unmarshal(env.D, &p); err != nil {
		h.sendError(user, ErrCodeInvalidPayload, "malformed message_create")
		return
	}
	if !h.Channels.IsMember(p.ChannelID, user.UserID) {
		h.sendError(user, ErrCodeNotMember, "not a channel member")
		return
	}
	raw, err := encode(OpMessageEvent, messageEventPayload{ChannelID: p.ChannelID, AuthorID: user.UserID, Content: p.Content})
	if err != nil {
		return
	}
	members, _ := h.Channels.Members(p.ChannelID)
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	h.Users.BroadcastTo(ids, raw, "")
}

func (h *Handler) handleFloorRequest(user *users.User, env Envelope) {
	var p floorRequestPayload
	if err := json.Unmarshal(env.D, &p); err != nil {
		h.sendError(user, ErrCodeInvalidPayload, "malformed floor_request")
		return
	}
	dispatches, err := h.Channels.RequestFloor(p.ChannelID, user.UserID, p.Priority, p.Indicator)
	if err != nil {
		h.sendError(user, ErrCodeNotMember, err.Error())
		return
	}
	(&Dispatcher{Users: h.Users}).SendDispatches(dispatches)
}

func (h *Handler) handleFloorRelease(user *users.User, env Envelope) {
	var p channelOnlyPayload
	if err := json.Unmarshal(env.D, &p); err != nil {
		h.sendError(user, ErrCodeInvalidPayload, "malformed floor_release")
		return
	}
	dispatches, err := h.Channels.ReleaseFloor(p.ChannelID, user.UserID)
	if err != nil {
		h.sendError(user, ErrCodeChannelNotFound, err.Error())
		return
	}
	(&Dispatcher{Users: h.Users}).SendDispatches(dispatches)
}

func (h *Handler) handleFloorPing(user *users.User, env Envelope) {
	var p channelOnlyPayload
	if err := json.Unmarshal(env.D, &p); err != nil {
		h.sendError(user, ErrCodeInvalidPayload, "malformed floor_ping")
		return
	}
	dispatches, err := h.Channels.PingFloor(p.ChannelID, user.UserID)
	if err != nil {
		h.sendError(user, ErrCodeChannelNotFound, err.Error())
		return
	}
	(&Dispatcher{Users: h.Users}).SendDispatches(dispatches)
}

func generateICECredentials() (ufrag, password string, err error) {
	ufrag, err = randomHex(8)
	if err != nil {
		return "", "", err
	}
	password, err = randomHex(16)
	if err != nil {
		return "", "", err
	}
	return ufrag, password, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// endpointUfragFor finds the server ufrag of the endpoint a user registered
// for a channel, so CHANNEL_LEAVE can remove it from the media registry.
// The endpoint registry only indexes by ufrag/address/channel, not by
// (channel, user), since that pair is not a hot-path lookup; this does the
// one-time scan leave requires.
func endpointUfragFor(reg *media.Registry, channelID, userID string) string {
	for _, ep := range reg.Peers(channelID, "") {
		if ep.UserID == userID {
			return ep.Ufrag
		}
	}
	return ""
}
