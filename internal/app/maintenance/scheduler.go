// Package maintenance runs periodic housekeeping independently of client traffic.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Hearth/internal/domain"
	"github.com/dkeye/Hearth/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

var (
	ErrUnknownTask    = fmt.Errorf("%w: unknown task", domain.ErrSchedulerTask)
	ErrTaskRunning    = fmt.Errorf("%w: previous run still active", domain.ErrSchedulerTask)
	ErrSchedulerState = errors.New("scheduler already started")
)

// Task is one periodic job. Offset delays the first run after Start; zero means the
// first run happens one Interval after Start.
type Task struct {
	Name     string
	Interval time.Duration
	Offset   time.Duration
	Run      func(ctx context.Context, now time.Time) error
}

// TaskInfo is a read-only view of a registered task.
type TaskInfo struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	Offset   time.Duration `json:"offset"`
	LastRun  time.Time     `json:"last_run"`
	Running  bool          `json:"running"`
}

type entry struct {
	Task
	running atomic.Bool

	mu      sync.Mutex
	lastRun time.Time
}

// Scheduler owns an ordered set of tasks. It holds no global state; several
// schedulers can coexist.
type Scheduler struct {
	now func() time.Time

	mu     sync.Mutex
	tasks  []*entry
	cancel context.CancelFunc
	wg     *conc.WaitGroup
}

// New builds an empty scheduler reading time from now; nil means time.Now.
func New(now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{now: now}
}

func (s *Scheduler) Add(t Task) error {
	if t.Name == "" || t.Run == nil {
		return fmt.Errorf("%w: task needs a name and a run function", domain.ErrValidation)
	}
	if t.Interval <= 0 || t.Offset < 0 {
		return fmt.Errorf("%w: task %s needs a positive interval and non-negative offset", domain.ErrValidation, t.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrSchedulerState
	}
	for _, e := range s.tasks {
		if e.Name == t.Name {
			return fmt.Errorf("%w: duplicate task %s", domain.ErrValidation, t.Name)
		}
	}
	s.tasks = append(s.tasks, &entry{Task: t})
	return nil
}

// Start launches one timer loop per task. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrSchedulerState
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg = conc.NewWaitGroup()
	for _, e := range s.tasks {
		s.wg.Go(func() { s.loop(ctx, e) })
	}
	log.Info().Str("module", "maintenance").Int("tasks", len(s.tasks)).Msg("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	first := e.Offset
	if first <= 0 {
		first = e.Interval
	}
	timer := time.NewTimer(first)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	s.tick(ctx, e)

	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, e)
		}
	}
}

// tick runs the task in the background so a slow run is visible to the next tick.
func (s *Scheduler) tick(ctx context.Context, e *entry) {
	if e.running.Load() {
		s.skip(e)
		return
	}
	s.mu.Lock()
	wg := s.wg
	s.mu.Unlock()
	wg.Go(func() { _ = s.run(ctx, e, s.now()) })
}

func (s *Scheduler) skip(e *entry) {
	metrics.TaskRuns.WithLabelValues(e.Name, "skipped").Inc()
	log.Warn().Str("module", "maintenance").Str("task", e.Name).Msg("previous run still active, skipping tick")
}

// run executes one guarded run. Errors and panics stay inside the task.
func (s *Scheduler) run(ctx context.Context, e *entry, now time.Time) (err error) {
	if !e.running.CompareAndSwap(false, true) {
		s.skip(e)
		return ErrTaskRunning
	}
	defer e.running.Store(false)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s panicked: %v", domain.ErrSchedulerTask, e.Name, r)
			log.Error().Str("module", "maintenance").Str("task", e.Name).Str("stack", string(debug.Stack())).Msg("task panicked")
		}
		metrics.TaskDuration.WithLabelValues(e.Name).Observe(time.Since(start).Seconds())
		e.mu.Lock()
		e.lastRun = now
		e.mu.Unlock()
		if err != nil {
			metrics.TaskRuns.WithLabelValues(e.Name, "error").Inc()
			log.Error().Str("module", "maintenance").Str("task", e.Name).Err(err).Msg("task failed")
			return
		}
		metrics.TaskRuns.WithLabelValues(e.Name, "ok").Inc()
		log.Debug().Str("module", "maintenance").Str("task", e.Name).Dur("took", time.Since(start)).Msg("task done")
	}()

	if runErr := e.Run(ctx, now); runErr != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrSchedulerTask, e.Name, runErr)
	}
	return nil
}

// RunNow runs the named task synchronously with the given clock value.
func (s *Scheduler) RunNow(ctx context.Context, name string, now time.Time) error {
	s.mu.Lock()
	var target *entry
	for _, e := range s.tasks {
		if e.Name == name {
			target = e
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return s.run(ctx, target, now)
}

func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskInfo, 0, len(s.tasks))
	for _, e := range s.tasks {
		e.mu.Lock()
		last := e.lastRun
		e.mu.Unlock()
		out = append(out, TaskInfo{
			Name:     e.Name,
			Interval: e.Interval,
			Offset:   e.Offset,
			LastRun:  last,
			Running:  e.running.Load(),
		})
	}
	return out
}

// Stop cancels every task, waits for in-flight runs and clears the task set.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, wg := s.cancel, s.wg
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		wg.Wait()
	}
	s.mu.Lock()
	s.cancel = nil
	s.wg = nil
	s.tasks = nil
	s.mu.Unlock()
	log.Info().Str("module", "maintenance").Msg("scheduler stopped")
}
