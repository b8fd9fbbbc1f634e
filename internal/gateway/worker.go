package gateway

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/brianly1003/wsgate/internal/domain"
	"github.com/brianly1003/wsgate/internal/sync"
)

// ErrWorkersClosed is returned when a job is submitted after shutdown.
var ErrWorkersClosed = errors.New("project workers are shut down")

// projectQueue is one project's FIFO. pending counts queued and running jobs.
type projectQueue struct {
	jobs    chan func()
	pending int
}

// workers runs each project's jobs one at a time, in submission order, on a
// goroutine owned by that project. Idle goroutines exit and are restarted on
// the next submission.
type workers struct {
	size int
	idle time.Duration

	queues map[string]*projectQueue
	closed bool
	mu     sync.Mutex
	wg     sync.WaitGroup
}

func newWorkers(size int, idle time.Duration) *workers {
	return &workers{
		size:   size,
		idle:   idle,
		queues: make(map[string]*projectQueue),
	}
}

// Submit queues fn on the project's worker. A full queue fails with
// domain.ErrResourceExhausted.
func (w *workers) Submit(projectID string, fn func()) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWorkersClosed
	}

	q, ok := w.queues[projectID]
	if !ok {
		q = &projectQueue{jobs: make(chan func(), w.size)}
		w.queues[projectID] = q
		w.wg.Add(1)
		go w.run(projectID, q)
	}
	if q.pending >= w.size {
		return domain.NewOpError("queue command", projectID, domain.ErrResourceExhausted)
	}
	q.pending++
	q.jobs <- fn
	return nil
}

// Pending returns the number of queued and running jobs for a project.
func (w *workers) Pending(projectID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if q, ok := w.queues[projectID]; ok {
		return q.pending
	}
	return 0
}

func (w *workers) run(projectID string, q *projectQueue) {
	defer w.wg.Done()

	idle := time.NewTimer(w.idle)
	defer idle.Stop()

	for {
		select {
		case fn, ok := <-q.jobs:
			if !ok {
				return
			}
			w.exec(projectID, fn)

			w.mu.Lock()
			q.pending--
			w.mu.Unlock()
			idle.Reset(w.idle)

		case <-idle.C:
			w.mu.Lock()
			if q.pending == 0 && !w.closed {
				delete(w.queues, projectID)
				w.mu.Unlock()
				return
			}
			w.mu.Unlock()
			idle.Reset(w.idle)
		}
	}
}

func (w *workers) exec(projectID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("project_id", projectID).
				Msg("project job panicked")
		}
	}()
	fn()
}

// Close stops accepting jobs and waits for queued ones to finish.
func (w *workers) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	for _, q := range w.queues {
		close(q.jobs)
	}
	w.mu.Unlock()

	w.wg.Wait()
}
