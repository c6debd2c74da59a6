package domain

import (
	"slices"
	"strings"
	"time"
)

type (
	MessageID      string
	ConversationID string
	FileID         string
)

const MaxMessageLen = 4000

// Message belongs either to a channel or to a direct conversation, never both.
type Message struct {
	ID             MessageID      `json:"id"`
	ChannelID      ChannelID      `json:"channel_id,omitempty"`
	ConversationID ConversationID `json:"conversation_id,omitempty"`
	AuthorID       UserID         `json:"author_id"`
	Content        string         `json:"content"`
	Attachments    []FileID       `json:"attachments,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	EditedAt       *time.Time     `json:"edited_at,omitempty"`
}

func (m *Message) IsDirect() bool { return m.ConversationID != "" }

// ConversationOf returns the direct conversation key for a pair of identities.
func ConversationOf(a, b UserID) ConversationID {
	pair := []string{string(a), string(b)}
	slices.Sort(pair)
	return ConversationID(pair[0] + ":" + pair[1])
}

// Parties splits the conversation key back into its two identities.
func (c ConversationID) Parties() []UserID {
	a, b, ok := strings.Cut(string(c), ":")
	if !ok {
		return nil
	}
	return []UserID{UserID(a), UserID(b)}
}

type File struct {
	ID        FileID    `json:"id"`
	OwnerID   UserID    `json:"owner_id"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

type ArchiveKind string

const (
	ArchiveMessages       ArchiveKind = "messages"
	ArchiveDirectMessages ArchiveKind = "direct_messages"
	ArchiveFiles          ArchiveKind = "files"
)

// ArchiveBatch is a set of records moved out of the live store.
type ArchiveBatch struct {
	Kind     ArchiveKind `json:"kind"`
	Cutoff   time.Time   `json:"cutoff"`
	Messages []Message   `json:"messages,omitempty"`
	Files    []File      `json:"files,omitempty"`
}

func (b ArchiveBatch) Len() int { return len(b.Messages) + len(b.Files) }
