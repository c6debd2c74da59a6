// Package store holds the persistence and archive backends.
package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/Hearth/internal/core"
	"github.com/dkeye/Hearth/internal/domain"
	"github.com/rs/zerolog/log"
)

// DefaultArchiveBatches is how many archive batches Memory keeps before dropping the
// oldest.
const DefaultArchiveBatches = 64

var (
	_ core.PersistenceStore = (*Memory)(nil)
	_ core.ArchiveStore     = (*Memory)(nil)
)

// Memory keeps everything in process. It is the default backend when no database
// URL is configured, and the store used by tests.
type Memory struct {
	mu       sync.RWMutex
	rooms    map[domain.RoomID]*domain.Room
	channels map[domain.ChannelID]domain.Channel
	messages map[domain.MessageID]domain.Message
	files    map[domain.FileID]domain.File
	archive  []domain.ArchiveBatch
	keep     int
	failures map[string]error
}

func NewMemory() *Memory {
	return &Memory{
		rooms:    make(map[domain.RoomID]*domain.Room),
		channels: make(map[domain.ChannelID]domain.Channel),
		messages: make(map[domain.MessageID]domain.Message),
		files:    make(map[domain.FileID]domain.File),
		keep:     DefaultArchiveBatches,
		failures: make(map[string]error),
	}
}

// KeepArchived bounds the in-memory archive to the n most recent batches.
func (m *Memory) KeepArchived(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keep = max(n, 1)
	m.trimArchiveLocked()
}

func (m *Memory) trimArchiveLocked() {
	over := len(m.archive) - m.keep
	if over <= 0 {
		return
	}
	dropped := 0
	for _, b := range m.archive[:over] {
		dropped += b.Len()
	}
	m.archive = slices.Delete(m.archive, 0, over)
	log.Warn().Str("module", "store").Int("batches", over).Int("records", dropped).Msg("in-memory archive full, oldest batches dropped")
}

// FailOn makes the named operation (method name, e.g. "CreateRoom" or "Write")
// return err until cleared with a nil err.
func (m *Memory) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func (m *Memory) failure(op string) error {
	return m.failures[op]
}

func (m *Memory) CreateRoom(_ context.Context, room *domain.Room, channels []domain.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("CreateRoom"); err != nil {
		return err
	}
	m.rooms[room.ID] = room.Clone()
	for _, ch := range channels {
		m.channels[ch.ID] = ch
	}
	return nil
}

func (m *Memory) SaveRoom(_ context.Context, room *domain.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("SaveRoom"); err != nil {
		return err
	}
	if _, ok := m.rooms[room.ID]; !ok {
		return domain.ErrRoomNotFound
	}
	m.rooms[room.ID] = room.Clone()
	return nil
}

// DeleteRoom cascades to the room's channels and their messages.
func (m *Memory) DeleteRoom(_ context.Context, id domain.RoomID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("DeleteRoom"); err != nil {
		return err
	}
	if _, ok := m.rooms[id]; !ok {
		return domain.ErrRoomNotFound
	}
	delete(m.rooms, id)
	for chID, ch := range m.channels {
		if ch.RoomID != id {
			continue
		}
		delete(m.channels, chID)
		for msgID, msg := range m.messages {
			if msg.ChannelID == chID {
				delete(m.messages, msgID)
			}
		}
	}
	return nil
}

func (m *Memory) CreateChannel(_ context.Context, ch *domain.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("CreateChannel"); err != nil {
		return err
	}
	if _, ok := m.rooms[ch.RoomID]; !ok {
		return domain.ErrRoomNotFound
	}
	m.channels[ch.ID] = *ch
	return nil
}

func (m *Memory) DeleteChannel(_ context.Context, id domain.ChannelID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("DeleteChannel"); err != nil {
		return err
	}
	if _, ok := m.channels[id]; !ok {
		return domain.ErrChannelNotFound
	}
	delete(m.channels, id)
	for msgID, msg := range m.messages {
		if msg.ChannelID == id {
			delete(m.messages, msgID)
		}
	}
	return nil
}

// Room returns the persisted copy of a room, for inspection.
func (m *Memory) Room(id domain.RoomID) (*domain.Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

func (m *Memory) ChannelCount(room domain.RoomID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, ch := range m.channels {
		if ch.RoomID == room {
			n++
		}
	}
	return n
}

func cloneMessage(msg domain.Message) domain.Message {
	msg.Attachments = slices.Clone(msg.Attachments)
	if msg.EditedAt != nil {
		t := *msg.EditedAt
		msg.EditedAt = &t
	}
	return msg
}

func (m *Memory) SaveMessage(_ context.Context, msg *domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("SaveMessage"); err != nil {
		return err
	}
	m.messages[msg.ID] = cloneMessage(*msg)
	return nil
}

func (m *Memory) GetMessage(_ context.Context, id domain.MessageID) (*domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	out := cloneMessage(msg)
	return &out, nil
}

func (m *Memory) UpdateMessage(_ context.Context, msg *domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("UpdateMessage"); err != nil {
		return err
	}
	if _, ok := m.messages[msg.ID]; !ok {
		return domain.ErrMessageNotFound
	}
	m.messages[msg.ID] = cloneMessage(*msg)
	return nil
}

func (m *Memory) DeleteMessage(_ context.Context, id domain.MessageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[id]; !ok {
		return domain.ErrMessageNotFound
	}
	delete(m.messages, id)
	return nil
}

func (m *Memory) MessagesBefore(_ context.Context, cutoff time.Time, direct bool) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("MessagesBefore"); err != nil {
		return nil, err
	}
	var out []domain.Message
	for _, msg := range m.messages {
		if msg.IsDirect() == direct && msg.CreatedAt.Before(cutoff) {
			out = append(out, cloneMessage(msg))
		}
	}
	slices.SortFunc(out, func(a, b domain.Message) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (m *Memory) PurgeMessages(_ context.Context, ids []domain.MessageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("PurgeMessages"); err != nil {
		return err
	}
	for _, id := range ids {
		delete(m.messages, id)
	}
	return nil
}

func (m *Memory) MessageCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}

func (m *Memory) SaveFile(_ context.Context, f domain.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[f.ID] = f
	return nil
}

func (m *Memory) UnreferencedFiles(_ context.Context, cutoff time.Time) ([]domain.File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	used := make(map[domain.FileID]bool)
	for _, msg := range m.messages {
		for _, id := range msg.Attachments {
			used[id] = true
		}
	}
	var out []domain.File
	for _, f := range m.files {
		if !used[f.ID] && f.CreatedAt.Before(cutoff) {
			out = append(out, f)
		}
	}
	slices.SortFunc(out, func(a, b domain.File) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (m *Memory) DeleteFiles(_ context.Context, ids []domain.FileID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("DeleteFiles"); err != nil {
		return err
	}
	for _, id := range ids {
		delete(m.files, id)
	}
	return nil
}

func (m *Memory) FileCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.files)
}

// Write appends the batch to the in-memory archive, dropping the oldest batches
// beyond the configured bound.
func (m *Memory) Write(_ context.Context, batch domain.ArchiveBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("Write"); err != nil {
		return err
	}
	m.archive = append(m.archive, batch)
	m.trimArchiveLocked()
	return nil
}

func (m *Memory) Archived() []domain.ArchiveBatch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.archive)
}

func (m *Memory) Close() error { return nil }
