package domain

import (
	"slices"
	"time"
)

type (
	RoomID    string
	ChannelID string
)

type ChannelKind string

const (
	ChannelText  ChannelKind = "text"
	ChannelVoice ChannelKind = "voice"
)

func (k ChannelKind) Valid() bool { return k == ChannelText || k == ChannelVoice }

// Room is a plain snapshot. The registry hands out clones; mutating one has no effect.
type Room struct {
	ID         RoomID          `json:"id"`
	Name       string          `json:"name"`
	Owner      UserID          `json:"owner"`
	Moderators []UserID        `json:"moderators"`
	Members    map[UserID]bool `json:"-"`
	Private    bool            `json:"private"`
	Capacity   int             `json:"capacity"`
	Channels   []ChannelID     `json:"channels"`
	// Default channels, created together with the room.
	TextChannel  ChannelID `json:"text_channel"`
	VoiceChannel ChannelID `json:"voice_channel"`
	CreatedAt    time.Time `json:"created_at"`
}

// RoomAttrs are the caller-supplied attributes for CreateRoom.
type RoomAttrs struct {
	Name     string `json:"name"`
	Private  bool   `json:"private"`
	Capacity int    `json:"capacity"`
}

func (r *Room) IsModerator(id UserID) bool { return slices.Contains(r.Moderators, id) }

func (r *Room) IsMember(id UserID) bool { return r.Members[id] }

func (r *Room) MemberIDs() []UserID {
	out := make([]UserID, 0, len(r.Members))
	for id := range r.Members {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (r *Room) Clone() *Room {
	c := *r
	c.Moderators = slices.Clone(r.Moderators)
	c.Channels = slices.Clone(r.Channels)
	c.Members = make(map[UserID]bool, len(r.Members))
	for id := range r.Members {
		c.Members[id] = true
	}
	return &c
}

type Channel struct {
	ID     ChannelID   `json:"id"`
	RoomID RoomID      `json:"room_id"`
	Name   string      `json:"name"`
	Kind   ChannelKind `json:"kind"`
	// Private overrides the room's flag; nil inherits it.
	Private   *bool `json:"private,omitempty"`
	IsDefault bool  `json:"is_default"`
}

// IsPrivate resolves the channel's privacy against its room.
func (c *Channel) IsPrivate(room *Room) bool {
	if c.Private != nil {
		return *c.Private
	}
	return room.Private
}

type Invite struct {
	Code      string    `json:"code"`
	RoomID    RoomID    `json:"room_id"`
	CreatedBy UserID    `json:"created_by"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (i *Invite) Expired(now time.Time) bool { return !now.Before(i.ExpiresAt) }
