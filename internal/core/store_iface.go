package core

import (
	"context"
	"time"

	"github.com/dkeye/Hearth/internal/domain"
)

// RoomStore persists rooms and channels. CreateRoom must store the room and all
// of its channels as one unit or nothing at all.
type RoomStore interface {
	CreateRoom(ctx context.Context, room *domain.Room, channels []domain.Channel) error
	SaveRoom(ctx context.Context, room *domain.Room) error
	DeleteRoom(ctx context.Context, id domain.RoomID) error
	CreateChannel(ctx context.Context, ch *domain.Channel) error
	DeleteChannel(ctx context.Context, id domain.ChannelID) error
}

type MessageStore interface {
	SaveMessage(ctx context.Context, msg *domain.Message) error
	GetMessage(ctx context.Context, id domain.MessageID) (*domain.Message, error)
	UpdateMessage(ctx context.Context, msg *domain.Message) error
	DeleteMessage(ctx context.Context, id domain.MessageID) error
	// MessagesBefore lists messages created before cutoff; direct selects
	// conversation messages instead of channel messages.
	MessagesBefore(ctx context.Context, cutoff time.Time, direct bool) ([]domain.Message, error)
	PurgeMessages(ctx context.Context, ids []domain.MessageID) error
}

type FileStore interface {
	// UnreferencedFiles lists files created before cutoff that no live message attaches.
	UnreferencedFiles(ctx context.Context, cutoff time.Time) ([]domain.File, error)
	DeleteFiles(ctx context.Context, ids []domain.FileID) error
}

// PersistenceStore is the whole persistence collaborator.
type PersistenceStore interface {
	RoomStore
	MessageStore
	FileStore
	Close() error
}
