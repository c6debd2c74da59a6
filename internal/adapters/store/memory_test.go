package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/Hearth/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func seedMessage(t *testing.T, m *Memory, id domain.MessageID, at time.Time, direct bool, files ...domain.FileID) {
	t.Helper()
	msg := domain.Message{ID: id, AuthorID: "alice", Content: string(id), Attachments: files, CreatedAt: at}
	if direct {
		msg.ConversationID = domain.ConversationOf("alice", "bob")
	} else {
		msg.ChannelID = "general"
	}
	require.NoError(t, m.SaveMessage(context.Background(), &msg))
}

func ids(msgs []domain.Message) []domain.MessageID {
	out := make([]domain.MessageID, len(msgs))
	for i, msg := range msgs {
		out[i] = msg.ID
	}
	return out
}

func TestMessagesBeforeCutoff(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedMessage(t, m, "old", base.Add(-time.Hour), false)
	seedMessage(t, m, "older", base.Add(-2*time.Hour), false)
	seedMessage(t, m, "edge", base, false)
	seedMessage(t, m, "new", base.Add(time.Minute), false)
	seedMessage(t, m, "dm", base.Add(-time.Hour), true)

	msgs, err := m.MessagesBefore(ctx, base, false)
	require.NoError(t, err)
	// oldest first, and a message exactly at the cutoff stays
	assert.Equal(t, []domain.MessageID{"older", "old"}, ids(msgs))

	msgs, err = m.MessagesBefore(ctx, base, true)
	require.NoError(t, err)
	assert.Equal(t, []domain.MessageID{"dm"}, ids(msgs))
}

func TestArchiveThenPurge(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedMessage(t, m, "m1", base.Add(-time.Hour), false, "f1")
	seedMessage(t, m, "m2", base.Add(time.Hour), false)

	msgs, err := m.MessagesBefore(ctx, base, false)
	require.NoError(t, err)
	require.NoError(t, m.Write(ctx, domain.ArchiveBatch{Kind: domain.ArchiveMessages, Cutoff: base, Messages: msgs}))
	require.NoError(t, m.PurgeMessages(ctx, ids(msgs)))

	assert.Equal(t, 1, m.MessageCount())
	_, err = m.GetMessage(ctx, "m1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	archived := m.Archived()
	require.Len(t, archived, 1)
	require.Len(t, archived[0].Messages, 1)
	assert.Equal(t, []domain.FileID{"f1"}, archived[0].Messages[0].Attachments)
}

func TestWriteFailureKeepsNothing(t *testing.T) {
	m := NewMemory()
	boom := errors.New("disk full")
	m.FailOn("Write", boom)
	assert.ErrorIs(t, m.Write(context.Background(), domain.ArchiveBatch{Kind: domain.ArchiveFiles}), boom)
	assert.Empty(t, m.Archived())

	m.FailOn("Write", nil)
	assert.NoError(t, m.Write(context.Background(), domain.ArchiveBatch{Kind: domain.ArchiveFiles}))
	assert.Len(t, m.Archived(), 1)
}

func TestArchiveIsBounded(t *testing.T) {
	m := NewMemory()
	m.KeepArchived(2)
	for i := range 3 {
		batch := domain.ArchiveBatch{Kind: domain.ArchiveMessages, Cutoff: base.Add(time.Duration(i) * time.Hour)}
		require.NoError(t, m.Write(context.Background(), batch))
	}
	archived := m.Archived()
	require.Len(t, archived, 2)
	assert.Equal(t, base.Add(time.Hour), archived[0].Cutoff)
	assert.Equal(t, base.Add(2*time.Hour), archived[1].Cutoff)

	m.KeepArchived(1)
	assert.Len(t, m.Archived(), 1)
}

func TestUnreferencedFiles(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for _, f := range []domain.File{
		{ID: "used", OwnerID: "alice", Name: "a.png", CreatedAt: base.Add(-2 * time.Hour)},
		{ID: "orphan", OwnerID: "alice", Name: "b.png", CreatedAt: base.Add(-time.Hour)},
		{ID: "fresh", OwnerID: "alice", Name: "c.png", CreatedAt: base.Add(time.Hour)},
	} {
		require.NoError(t, m.SaveFile(ctx, f))
	}
	seedMessage(t, m, "m1", base, false, "used")

	files, err := m.UnreferencedFiles(ctx, base)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, domain.FileID("orphan"), files[0].ID)

	// purging the message frees its attachment
	require.NoError(t, m.PurgeMessages(ctx, []domain.MessageID{"m1"}))
	files, err = m.UnreferencedFiles(ctx, base)
	require.NoError(t, err)
	assert.Len(t, files, 2)

	require.NoError(t, m.DeleteFiles(ctx, []domain.FileID{"used", "orphan"}))
	assert.Equal(t, 1, m.FileCount())
}
