package orch

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/dkeye/Hearth/internal/app/rooms"
	"github.com/dkeye/Hearth/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const maxAttachments = 10

func (o *Orchestrator) canAccess(room *domain.Room, ch *domain.Channel, identity domain.UserID) bool {
	return rooms.RoleOf(room, identity) != domain.RoleNone && rooms.CanAccessChannel(room, ch, identity)
}

func validateContent(content string, attachments []domain.FileID) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" && len(attachments) == 0 {
		return "", fmt.Errorf("%w: empty message", domain.ErrValidation)
	}
	if utf8.RuneCountInString(content) > domain.MaxMessageLen {
		return "", fmt.Errorf("%w: message longer than %d characters", domain.ErrValidation, domain.MaxMessageLen)
	}
	if len(attachments) > maxAttachments {
		return "", fmt.Errorf("%w: at most %d attachments", domain.ErrValidation, maxAttachments)
	}
	return content, nil
}

// SendMessage stores a message in a text channel the author can access.
func (o *Orchestrator) SendMessage(ctx context.Context, author domain.UserID, channelID domain.ChannelID, content string, attachments []domain.FileID) (domain.Message, domain.RoomID, error) {
	ch, room, err := o.Rooms.Channel(channelID)
	if err != nil {
		return domain.Message{}, "", err
	}
	if ch.Kind != domain.ChannelText {
		return domain.Message{}, "", fmt.Errorf("%w: %s is not a text channel", domain.ErrValidation, ch.Name)
	}
	if !o.canAccess(room, &ch, author) {
		return domain.Message{}, "", fmt.Errorf("%w: no access to channel", domain.ErrForbidden)
	}
	content, err = validateContent(content, attachments)
	if err != nil {
		return domain.Message{}, "", err
	}
	msg := domain.Message{
		ID:          domain.MessageID(uuid.NewString()),
		ChannelID:   channelID,
		AuthorID:    author,
		Content:     content,
		Attachments: slices.Clone(attachments),
		CreatedAt:   o.now(),
	}
	if err := o.Messages.SaveMessage(ctx, &msg); err != nil {
		return domain.Message{}, "", err
	}
	log.Debug().Str("module", "orch").Str("channel_id", string(channelID)).Str("message_id", string(msg.ID)).Msg("message stored")
	return msg, room.ID, nil
}

// SendDirect stores a message in the conversation between from and to.
func (o *Orchestrator) SendDirect(ctx context.Context, from, to domain.UserID, content string, attachments []domain.FileID) (domain.Message, error) {
	if !domain.ValidUserID(to) || to == from {
		return domain.Message{}, fmt.Errorf("%w: invalid recipient", domain.ErrValidation)
	}
	content, err := validateContent(content, attachments)
	if err != nil {
		return domain.Message{}, err
	}
	msg := domain.Message{
		ID:             domain.MessageID(uuid.NewString()),
		ConversationID: domain.ConversationOf(from, to),
		AuthorID:       from,
		Content:        content,
		Attachments:    slices.Clone(attachments),
		CreatedAt:      o.now(),
	}
	if err := o.Messages.SaveMessage(ctx, &msg); err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

// EditMessage changes the content of a message. Only its author may do it.
func (o *Orchestrator) EditMessage(ctx context.Context, identity domain.UserID, id domain.MessageID, content string) (domain.Message, domain.RoomID, error) {
	msg, err := o.Messages.GetMessage(ctx, id)
	if err != nil {
		return domain.Message{}, "", err
	}
	if msg.AuthorID != identity {
		return domain.Message{}, "", fmt.Errorf("%w: only the author can edit", domain.ErrForbidden)
	}
	if msg.Content, err = validateContent(content, msg.Attachments); err != nil {
		return domain.Message{}, "", err
	}
	now := o.now()
	msg.EditedAt = &now
	if err := o.Messages.UpdateMessage(ctx, msg); err != nil {
		return domain.Message{}, "", err
	}
	return *msg, o.roomOfMessage(msg), nil
}

// DeleteMessage removes a message. The author, and the owner or moderators of the
// channel's room, may do it.
func (o *Orchestrator) DeleteMessage(ctx context.Context, identity domain.UserID, id domain.MessageID) (domain.Message, domain.RoomID, error) {
	msg, err := o.Messages.GetMessage(ctx, id)
	if err != nil {
		return domain.Message{}, "", err
	}
	roomID := o.roomOfMessage(msg)
	if msg.AuthorID != identity {
		allowed := false
		if roomID != "" {
			allowed, _ = o.Rooms.CanEdit(roomID, identity)
		}
		if !allowed {
			return domain.Message{}, "", fmt.Errorf("%w: cannot delete another participant's message", domain.ErrForbidden)
		}
	}
	if err := o.Messages.DeleteMessage(ctx, id); err != nil {
		return domain.Message{}, "", err
	}
	return *msg, roomID, nil
}

func (o *Orchestrator) roomOfMessage(msg *domain.Message) domain.RoomID {
	if msg.IsDirect() {
		return ""
	}
	_, room, err := o.Rooms.Channel(msg.ChannelID)
	if err != nil {
		return ""
	}
	return room.ID
}

// SetPresence changes the session's status and returns what other participants see.
func (o *Orchestrator) SetPresence(sid domain.SessionID, status domain.Status) (domain.Session, domain.Status, error) {
	s, err := o.Presence.SetStatus(sid, status)
	if err != nil {
		return domain.Session{}, "", err
	}
	return s, o.Presence.VisibleStatus(s.Identity), nil
}
