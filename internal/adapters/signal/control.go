package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/Hearth/internal/domain"
)

func (ctl *Controller) routes() map[string]handler {
	return map[string]handler{
		"ping":           ctl.handlePing,
		"presence.set":   ctl.handlePresence,
		"room.create":    ctl.handleCreateRoom,
		"room.delete":    ctl.handleDeleteRoom,
		"join":           ctl.handleJoin,
		"leave":          ctl.handleLeave,
		"invite.create":  ctl.handleCreateInvite,
		"invite.join":    ctl.handleInviteJoin,
		"member.remove":  ctl.handleRemoveMember,
		"moderator.set":  ctl.handleSetModerator,
		"channel.create": ctl.handleCreateChannel,
		"channel.delete": ctl.handleDeleteChannel,
		"voice.join":     ctl.handleVoiceJoin,
		"voice.leave":    ctl.handleVoiceLeave,
		"publish":        ctl.handlePublish,
		"unpublish":      ctl.handleUnpublish,
		"subscribe":      ctl.handleSubscribe,
		"consumer.mute":  ctl.handleConsumerMute,
		"iceCandidate":   ctl.handleCandidate,
		"renegotiate":    ctl.handleRenegotiate,
		"bwe":            ctl.handleBandwidth,
		"message.send":   ctl.handleMessageSend,
		"message.edit":   ctl.handleMessageEdit,
		"message.delete": ctl.handleMessageDelete,
		"dm.send":        ctl.handleDirectSend,
	}
}

func (ctl *Controller) handlePing(context.Context, *client, json.RawMessage) (any, error) {
	return struct {
		Time time.Time `json:"time"`
	}{Time: time.Now().UTC()}, nil
}

type presenceEvent struct {
	Identity domain.UserID `json:"identity"`
	Status   domain.Status `json:"status"`
}

func (ctl *Controller) handlePresence(_ context.Context, cl *client, raw json.RawMessage) (any, error) {
	p, err := decode[struct {
		Status domain.Status `json:"status"`
	}](raw)
	if err != nil {
		return nil, err
	}
	s, visible, err := ctl.orch.SetPresence(cl.sid, p.Status)
	if err != nil {
		return nil, err
	}
	update := event{Type: "presence.updated", Data: presenceEvent{Identity: cl.identity, Status: visible}}
	for _, room := range ctl.orch.Rooms.RoomsOf(cl.identity) {
		ctl.broadcast(room, cl.sid, update)
	}
	return s, nil
}
