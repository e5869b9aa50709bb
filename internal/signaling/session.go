package signaling

import (
	"log/slog"

	"github.com/kodeholic9/mini-livechat/internal/floor"
	"github.com/kodeholic9/mini-livechat/internal/users"
)

// Dispatcher turns floor.Dispatch records into wire envelopes and delivers
// them through the user registry's bounded outbound queues. It implements
// reaper.DispatchSender so the reaper can drive the same delivery path the
// live request handlers use.
type Dispatcher struct {
	Users *users.Registry
}

// SendDispatches encodes and delivers every dispatch in order. Encoding
// failures are logged and skipped; delivery is always best-effort, matching
// users.Registry.BroadcastTo's drop-and-log semantics.
func (d *Dispatcher) SendDispatches(dispatches []floor.Dispatch) {
	for _, dispatch := range dispatches {
		d.send(dispatch)
	}
}

func (d *Dispatcher) send(dispatch floor.Dispatch) {
	op, payload := encodeDispatch(dispatch)
	raw, err := encode(op, payload)
	if err != nil {
		slog.Error("dispatch encode failed", "kind", dispatch.Kind, "err", err)
		return
	}

	if dispatch.Broadcast {
		recipients, ok := channelMembersFunc(dispatch.ChannelID)
		if !ok {
			return
		}
		d.Users.BroadcastTo(recipients, raw, dispatch.Exclude)
		return
	}

	if user, ok := d.Users.Get(dispatch.To); ok {
		user.Send(raw)
	}
}

// channelMembersFunc resolves a channel's member list for broadcast
// dispatches. It is a package-level variable installed once by
// cmd/server at wiring time through SetChannelMembersFunc; Dispatcher
// itself carries only the user registry.
var channelMembersFunc func(channelID string) ([]string, bool)

// SetChannelMembersFunc installs the lookup SendDispatches uses to resolve
// broadcast recipients. Called once during server wiring.
func SetChannelMembersFunc(f func(channelID string) ([]string, bool)) {
	channelMembersFunc = f
}

func encodeDispatch(dispatch floor.Dispatch) (Opcode, any) {
	switch dispatch.Kind {
	case floor.EventGranted:
		return OpFloorGranted, floorGrantedPayload{ChannelID: dispatch.ChannelID, UserID: dispatch.HolderID, DurationMS: dispatch.DurationMS}
	case floor.EventDeny:
		return OpFloorDeny, floorDenyPayload{ChannelID: dispatch.ChannelID, Reason: dispatch.Cause}
	case floor.EventTaken:
		return OpFloorTaken, floorTakenPayload{ChannelID: dispatch.ChannelID, UserID: dispatch.HolderID, Indicator: dispatch.Indicator}
	case floor.EventIdle:
		return OpFloorIdle, floorIdlePayload{ChannelID: dispatch.ChannelID}
	case floor.EventRevoke:
		return OpFloorRevoke, floorRevokePayload{ChannelID: dispatch.ChannelID, Cause: dispatch.Cause}
	case floor.EventQueuePos:
		return OpFloorQueuePosInfo, floorQueuePosPayload{ChannelID: dispatch.ChannelID, QueuePosition: dispatch.QueuePosition, QueueSize: dispatch.QueueSize}
	case floor.EventPong:
		return OpFloorPong, floorPongPayload{ChannelID: dispatch.ChannelID}
	default:
		return OpError, errorPayload{Code: ErrCodeInternal, Reason: "unknown dispatch kind"}
	}
}
