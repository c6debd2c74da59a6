package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/Hearth/internal/app/media"
	"github.com/dkeye/Hearth/internal/config"
	"github.com/dkeye/Hearth/internal/core"
	"github.com/dkeye/Hearth/internal/domain"
	"github.com/dkeye/Hearth/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	TaskSessionSweep    = "session-sweep"
	TaskMessageArchival = "message-archival"
	TaskDMArchival      = "dm-archival"
	TaskFileCleanup     = "file-cleanup"
	TaskCacheCleanup    = "cache-cleanup"
	TaskResourceUsage   = "resource-usage"
)

type SessionSweeper interface {
	SweepExpired(threshold time.Duration) []domain.Session
}

type UsageReporter interface {
	Usage() media.Usage
}

// Deps are the collaborators the default task set works on. Nil collaborators
// leave their tasks out.
type Deps struct {
	Sessions SessionSweeper
	// OnExpired runs for every swept session, after it left the presence table.
	OnExpired func(domain.Session)
	Store     core.PersistenceStore
	Archive   core.ArchiveStore
	Media     UsageReporter
	Cleaners  []func(now time.Time) int
}

// SessionSweep drops sessions idle longer than threshold.
func SessionSweep(sweeper SessionSweeper, threshold time.Duration, onExpired func(domain.Session)) func(context.Context, time.Time) error {
	return func(_ context.Context, _ time.Time) error {
		expired := sweeper.SweepExpired(threshold)
		for _, s := range expired {
			if onExpired != nil {
				onExpired(s)
			}
		}
		if len(expired) > 0 {
			log.Info().Str("module", "maintenance").Int("sessions", len(expired)).Msg("expired sessions swept")
		}
		return nil
	}
}

// MessageArchival moves messages older than retention into the archive. The live
// copies are removed only after the archive accepted the batch.
func MessageArchival(store core.MessageStore, archive core.ArchiveStore, retention time.Duration, direct bool) func(context.Context, time.Time) error {
	kind := domain.ArchiveMessages
	if direct {
		kind = domain.ArchiveDirectMessages
	}
	return func(ctx context.Context, now time.Time) error {
		cutoff := now.Add(-retention)
		msgs, err := store.MessagesBefore(ctx, cutoff, direct)
		if err != nil {
			return fmt.Errorf("list %s: %w", kind, err)
		}
		if len(msgs) == 0 {
			return nil
		}
		if err := archive.Write(ctx, domain.ArchiveBatch{Kind: kind, Cutoff: cutoff, Messages: msgs}); err != nil {
			return fmt.Errorf("archive %s: %w", kind, err)
		}
		ids := make([]domain.MessageID, len(msgs))
		for i, m := range msgs {
			ids[i] = m.ID
		}
		if err := store.PurgeMessages(ctx, ids); err != nil {
			return fmt.Errorf("purge %s: %w", kind, err)
		}
		metrics.Archived.WithLabelValues(string(kind)).Add(float64(len(msgs)))
		log.Info().Str("module", "maintenance").Str("kind", string(kind)).Int("count", len(msgs)).Time("cutoff", cutoff).Msg("archived")
		return nil
	}
}

// FileCleanup archives and deletes files nothing references once their grace period ends.
func FileCleanup(store core.FileStore, archive core.ArchiveStore, grace time.Duration) func(context.Context, time.Time) error {
	return func(ctx context.Context, now time.Time) error {
		cutoff := now.Add(-grace)
		files, err := store.UnreferencedFiles(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("list files: %w", err)
		}
		if len(files) == 0 {
			return nil
		}
		if err := archive.Write(ctx, domain.ArchiveBatch{Kind: domain.ArchiveFiles, Cutoff: cutoff, Files: files}); err != nil {
			return fmt.Errorf("archive files: %w", err)
		}
		ids := make([]domain.FileID, len(files))
		for i, f := range files {
			ids[i] = f.ID
		}
		if err := store.DeleteFiles(ctx, ids); err != nil {
			return fmt.Errorf("delete files: %w", err)
		}
		metrics.Archived.WithLabelValues(string(domain.ArchiveFiles)).Add(float64(len(files)))
		log.Info().Str("module", "maintenance").Int("count", len(files)).Msg("unreferenced files removed")
		return nil
	}
}

// CacheCleanup runs every cleaner and logs how many entries they dropped.
func CacheCleanup(cleaners ...func(now time.Time) int) func(context.Context, time.Time) error {
	return func(_ context.Context, now time.Time) error {
		total := 0
		for _, clean := range cleaners {
			total += clean(now)
		}
		log.Debug().Str("module", "maintenance").Int("dropped", total).Msg("caches cleaned")
		return nil
	}
}

func ResourceUsage(reporter UsageReporter) func(context.Context, time.Time) error {
	return func(_ context.Context, _ time.Time) error {
		u := reporter.Usage()
		metrics.Routers.Set(float64(u.Routers))
		metrics.Transports.Set(float64(u.Transports))
		metrics.Producers.Set(float64(u.Producers))
		metrics.Consumers.Set(float64(u.Consumers))
		metrics.PortsInUse.Set(float64(u.Ports))

		healthy := 0
		for _, w := range u.Workers {
			if w.Healthy {
				healthy++
			}
		}
		log.Info().
			Str("module", "maintenance").
			Int("workers", len(u.Workers)).
			Int("healthy", healthy).
			Int("routers", u.Routers).
			Int("transports", u.Transports).
			Int("producers", u.Producers).
			Int("consumers", u.Consumers).
			Int("ports", u.Ports).
			Msg("resource usage")
		return nil
	}
}

// DefaultTasks builds the standard task set in execution order.
func DefaultTasks(cfg *config.Config, d Deps) []Task {
	var tasks []Task
	if d.Sessions != nil {
		tasks = append(tasks, Task{
			Name:     TaskSessionSweep,
			Interval: cfg.Sessions.SweepInterval,
			Run:      SessionSweep(d.Sessions, cfg.Sessions.Threshold, d.OnExpired),
		})
	}
	a := cfg.Archive
	if d.Store != nil && d.Archive != nil {
		tasks = append(tasks,
			Task{Name: TaskMessageArchival, Interval: a.MessageInterval, Offset: a.MessageOffset,
				Run: MessageArchival(d.Store, d.Archive, a.MessageRetention, false)},
			Task{Name: TaskDMArchival, Interval: a.DMInterval, Offset: a.DMOffset,
				Run: MessageArchival(d.Store, d.Archive, a.DMRetention, true)},
			Task{Name: TaskFileCleanup, Interval: a.FileInterval, Offset: a.FileOffset,
				Run: FileCleanup(d.Store, d.Archive, a.FileGrace)},
		)
	}
	if len(d.Cleaners) > 0 {
		tasks = append(tasks, Task{Name: TaskCacheCleanup, Interval: a.CacheInterval, Offset: a.CacheOffset,
			Run: CacheCleanup(d.Cleaners...)})
	}
	if d.Media != nil {
		tasks = append(tasks, Task{Name: TaskResourceUsage, Interval: a.UsageInterval, Run: ResourceUsage(d.Media)})
	}
	return tasks
}
