package media

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Hearth/internal/domain"
	"github.com/rs/zerolog/log"
)

// worker runs the jobs of the routers it hosts, one at a time. A panicking job kills
// the worker; onCrash is then called once from the worker goroutine.
type worker struct {
	id      domain.WorkerID
	jobs    chan func()
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	healthy atomic.Bool
	onCrash func(domain.WorkerID, any)

	// guarded by Orchestrator.mu
	routers int
}

func newWorker(id domain.WorkerID, queue int, onCrash func(domain.WorkerID, any)) *worker {
	w := &worker{
		id:      id,
		jobs:    make(chan func(), queue),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		onCrash: onCrash,
	}
	w.healthy.Store(true)
	go w.run()
	return w
}

func (w *worker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case job := <-w.jobs:
			if err := w.exec(job); err != nil {
				w.healthy.Store(false)
				log.Error().Str("module", "media.worker").Int("worker", int(w.id)).Err(err).Msg("worker crashed")
				if w.onCrash != nil {
					w.onCrash(w.id, err)
				}
				return
			}
		}
	}
}

func (w *worker) exec(job func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v\n%s", r, debug.Stack())
		}
	}()
	job()
	return nil
}

// submit queues job without blocking. It reports false when the worker is dead or
// its queue is full.
func (w *worker) submit(job func()) bool {
	if !w.healthy.Load() {
		return false
	}
	select {
	case w.jobs <- job:
		return true
	default:
		return false
	}
}

func (w *worker) shutdown() {
	w.once.Do(func() {
		w.healthy.Store(false)
		close(w.stop)
	})
}
