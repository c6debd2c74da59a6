package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Hearth/internal/domain"
)

func (ctl *Controller) handleMessageSend(ctx context.Context, cl *client, raw json.RawMessage) (any, error) {
	p, err := decode[struct {
		Channel     domain.ChannelID `json:"channel"`
		Content     string           `json:"content"`
		Attachments []domain.FileID  `json:"attachments,omitempty"`
	}](raw)
	if err != nil {
		return nil, err
	}
	msg, room, err := ctl.orch.SendMessage(ctx, cl.identity, p.Channel, p.Content, p.Attachments)
	if err != nil {
		return nil, err
	}
	ctl.broadcast(room, cl.sid, event{Type: "message.received", Data: msg})
	return msg, nil
}

func (ctl *Controller) handleDirectSend(ctx context.Context, cl *client, raw json.RawMessage) (any, error) {
	p, err := decode[struct {
		To          domain.UserID   `json:"to"`
		Content     string          `json:"content"`
		Attachments []domain.FileID `json:"attachments,omitempty"`
	}](raw)
	if err != nil {
		return nil, err
	}
	msg, err := ctl.orch.SendDirect(ctx, cl.identity, p.To, p.Content, p.Attachments)
	if err != nil {
		return nil, err
	}
	received := event{Type: "message.received", Data: msg}
	ctl.deliver(p.To, "", received)
	ctl.deliver(cl.identity, cl.sid, received)
	return msg, nil
}

func (ctl *Controller) handleMessageEdit(ctx context.Context, cl *client, raw json.RawMessage) (any, error) {
	p, err := decode[struct {
		Message domain.MessageID `json:"message"`
		Content string           `json:"content"`
	}](raw)
	if err != nil {
		return nil, err
	}
	msg, room, err := ctl.orch.EditMessage(ctx, cl.identity, p.Message, p.Content)
	if err != nil {
		return nil, err
	}
	ctl.fanOutMessage(cl, room, msg, event{Type: "message.updated", Data: msg})
	return msg, nil
}

func (ctl *Controller) handleMessageDelete(ctx context.Context, cl *client, raw json.RawMessage) (any, error) {
	p, err := decode[struct {
		Message domain.MessageID `json:"message"`
	}](raw)
	if err != nil {
		return nil, err
	}
	msg, room, err := ctl.orch.DeleteMessage(ctx, cl.identity, p.Message)
	if err != nil {
		return nil, err
	}
	ctl.fanOutMessage(cl, room, msg, event{Type: "message.deleted", Data: struct {
		ID        domain.MessageID `json:"id"`
		ChannelID domain.ChannelID `json:"channel_id,omitempty"`
	}{ID: msg.ID, ChannelID: msg.ChannelID}})
	return nil, nil
}

// fanOutMessage routes a message change to the room topic, or to both parties of a
// direct conversation.
func (ctl *Controller) fanOutMessage(cl *client, room domain.RoomID, msg domain.Message, ev event) {
	if room != "" {
		ctl.broadcast(room, cl.sid, ev)
		return
	}
	if !msg.IsDirect() {
		return
	}
	for _, id := range msg.ConversationID.Parties() {
		ctl.deliver(id, cl.sid, ev)
	}
}
