package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/Hearth/internal/adapters/store"
	"github.com/dkeye/Hearth/internal/app/media"
	"github.com/dkeye/Hearth/internal/config"
	"github.com/dkeye/Hearth/internal/core/mocks"
	"github.com/dkeye/Hearth/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var fixedNow = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func seedMessages(t *testing.T, mem *store.Memory) {
	t.Helper()
	ctx := context.Background()
	msgs := []domain.Message{
		{ID: "old", ChannelID: "c1", AuthorID: "u1", Content: "a", CreatedAt: fixedNow.Add(-31 * 24 * time.Hour)},
		{ID: "edge", ChannelID: "c1", AuthorID: "u1", Content: "b", CreatedAt: fixedNow.Add(-30 * 24 * time.Hour)},
		{ID: "new", ChannelID: "c1", AuthorID: "u1", Content: "c", CreatedAt: fixedNow.Add(-time.Hour)},
		{ID: "dm-old", ConversationID: domain.ConversationOf("u1", "u2"), AuthorID: "u1", Content: "d",
			CreatedAt: fixedNow.Add(-40 * 24 * time.Hour)},
	}
	for i := range msgs {
		require.NoError(t, mem.SaveMessage(ctx, &msgs[i]))
	}
}

func TestMessageArchivalMovesOnlyOlderMessages(t *testing.T) {
	mem := store.NewMemory()
	seedMessages(t, mem)

	run := MessageArchival(mem, mem, 30*24*time.Hour, false)
	require.NoError(t, run(context.Background(), fixedNow))

	archived := mem.Archived()
	require.Len(t, archived, 1)
	assert.Equal(t, domain.ArchiveMessages, archived[0].Kind)
	require.Len(t, archived[0].Messages, 1)
	assert.Equal(t, domain.MessageID("old"), archived[0].Messages[0].ID)

	_, err := mem.GetMessage(context.Background(), "old")
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
	for _, id := range []domain.MessageID{"edge", "new", "dm-old"} {
		_, err := mem.GetMessage(context.Background(), id)
		assert.NoError(t, err, id)
	}

	// direct messages go through their own task
	require.NoError(t, MessageArchival(mem, mem, 30*24*time.Hour, true)(context.Background(), fixedNow))
	archived = mem.Archived()
	require.Len(t, archived, 2)
	assert.Equal(t, domain.ArchiveDirectMessages, archived[1].Kind)
	assert.Equal(t, 2, mem.MessageCount())
}

func TestMessageArchivalKeepsMessagesWhenArchiveFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	archive := mocks.NewMockArchiveStore(ctrl)
	archive.EXPECT().
		Write(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, b domain.ArchiveBatch) error {
			assert.Equal(t, fixedNow.Add(-30*24*time.Hour), b.Cutoff)
			return errors.New("archive offline")
		})

	mem := store.NewMemory()
	seedMessages(t, mem)
	err := MessageArchival(mem, archive, 30*24*time.Hour, false)(context.Background(), fixedNow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive offline")
	assert.Equal(t, 4, mem.MessageCount())
}

func TestMessageArchivalSkipsEmptyBatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	archive := mocks.NewMockArchiveStore(ctrl)
	archive.EXPECT().Write(gomock.Any(), gomock.Any()).Times(0)

	require.NoError(t, MessageArchival(store.NewMemory(), archive, time.Hour, false)(context.Background(), fixedNow))
}

func TestFileCleanup(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.SaveFile(ctx, domain.File{ID: "orphan", CreatedAt: fixedNow.Add(-10 * 24 * time.Hour)}))
	require.NoError(t, mem.SaveFile(ctx, domain.File{ID: "fresh", CreatedAt: fixedNow.Add(-time.Hour)}))
	require.NoError(t, mem.SaveFile(ctx, domain.File{ID: "attached", CreatedAt: fixedNow.Add(-10 * 24 * time.Hour)}))
	require.NoError(t, mem.SaveMessage(ctx, &domain.Message{ID: "m", ChannelID: "c", AuthorID: "u", Content: "x",
		Attachments: []domain.FileID{"attached"}, CreatedAt: fixedNow}))

	require.NoError(t, FileCleanup(mem, mem, 7*24*time.Hour)(ctx, fixedNow))
	assert.Equal(t, 2, mem.FileCount())
	archived := mem.Archived()
	require.Len(t, archived, 1)
	require.Len(t, archived[0].Files, 1)
	assert.Equal(t, domain.FileID("orphan"), archived[0].Files[0].ID)
}

type fakeSweeper struct {
	threshold time.Duration
	expired   []domain.Session
}

func (f *fakeSweeper) SweepExpired(threshold time.Duration) []domain.Session {
	f.threshold = threshold
	out := f.expired
	f.expired = nil
	return out
}

func TestSessionSweepCallsHook(t *testing.T) {
	sweeper := &fakeSweeper{expired: []domain.Session{{ID: "s1"}, {ID: "s2"}}}
	var dropped []domain.SessionID
	run := SessionSweep(sweeper, 2*time.Hour, func(s domain.Session) { dropped = append(dropped, s.ID) })

	require.NoError(t, run(context.Background(), fixedNow))
	assert.Equal(t, 2*time.Hour, sweeper.threshold)
	assert.Equal(t, []domain.SessionID{"s1", "s2"}, dropped)
}

func TestCacheCleanupSumsCleaners(t *testing.T) {
	var seen []time.Time
	clean := func(now time.Time) int { seen = append(seen, now); return 2 }
	require.NoError(t, CacheCleanup(clean, clean)(context.Background(), fixedNow))
	assert.Equal(t, []time.Time{fixedNow, fixedNow}, seen)
}

type staticUsage media.Usage

func (u staticUsage) Usage() media.Usage { return media.Usage(u) }

func TestDefaultTasksOrder(t *testing.T) {
	cfg := config.Default()
	mem := store.NewMemory()
	tasks := DefaultTasks(cfg, Deps{
		Sessions: &fakeSweeper{},
		Store:    mem,
		Archive:  mem,
		Media:    staticUsage{Routers: 1},
		Cleaners: []func(time.Time) int{func(time.Time) int { return 0 }},
	})

	var names []string
	for _, task := range tasks {
		names = append(names, task.Name)
	}
	assert.Equal(t, []string{TaskSessionSweep, TaskMessageArchival, TaskDMArchival, TaskFileCleanup, TaskCacheCleanup, TaskResourceUsage}, names)
	assert.Equal(t, 30*time.Minute, tasks[0].Interval)
	assert.Equal(t, 24*time.Hour, tasks[1].Interval)
	assert.Equal(t, 168*time.Hour, tasks[3].Interval)

	s := New(func() time.Time { return fixedNow })
	for _, task := range tasks {
		require.NoError(t, s.Add(task))
	}
	require.NoError(t, s.RunNow(context.Background(), TaskResourceUsage, fixedNow))

	assert.Empty(t, DefaultTasks(cfg, Deps{}))
}
