// Package engine owns the task table and the FIFO wait queue, generalized
// from the teacher's scheduler.JobScheduler: the container/heap priority
// queue is replaced by a plain FIFO slice (this spec has no priority
// concept), and the 5-second scheduleLoop ticker is replaced by an
// event-driven DispatchNext fired directly from the registry's release
// signal, so a terminal transition always triggers the next dispatch in
// the same step rather than on the next tick.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lipsyncops/orchestrator/internal/logging"
	"github.com/lipsyncops/orchestrator/internal/metrics"
	"github.com/lipsyncops/orchestrator/internal/registry"
	"github.com/lipsyncops/orchestrator/internal/taskerr"
	"github.com/lipsyncops/orchestrator/pkg/models"
)

// Starter is implemented by the Pipeline Driver: Start launches (or resumes,
// for a dequeued task) the per-task worker. Engine never runs pipeline logic
// itself — it only owns state and decides when to start/resume a worker.
type Starter interface {
	Start(ctx context.Context, t *models.Task)
	Resume(ctx context.Context, t *models.Task, gpuID int)
}

// Engine is the scheduler-lock-exclusive task table plus FIFO wait queue.
type Engine struct {
	mu      sync.Mutex
	tasks   map[string]*models.Task
	queue   []*models.Task
	maxTerm int

	reg     *registry.Registry
	starter Starter
	log     *logging.Logger
	ctx     context.Context
}

// Config controls table eviction.
type Config struct {
	// MaxTerminalTasks bounds the in-memory task table; once exceeded the
	// oldest-completed terminal tasks are evicted (LRU over terminal tasks,
	// per spec.md §3's recommendation).
	MaxTerminalTasks int
}

// SetStarter binds the Pipeline Driver after construction, breaking the
// engine/driver construction cycle (the driver's constructor takes the
// engine as its Terminator, so one of the two must be wired late).
func (e *Engine) SetStarter(s Starter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.starter = s
}

// New builds an Engine bound to a GPU registry. The registry's release
// signal is wired to call DispatchNext. Pass a nil starter and call
// SetStarter once the Pipeline Driver exists.
func New(ctx context.Context, reg *registry.Registry, starter Starter, log *logging.Logger, cfg Config) *Engine {
	if cfg.MaxTerminalTasks <= 0 {
		cfg.MaxTerminalTasks = 500
	}
	e := &Engine{
		tasks:   make(map[string]*models.Task),
		reg:     reg,
		starter: starter,
		log:     log,
		maxTerm: cfg.MaxTerminalTasks,
		ctx:     ctx,
	}
	reg.OnRelease(e.DispatchNext)
	return e
}

// Accept registers a new task in PhaseAccepted and returns its handle.
func (e *Engine) Accept(t *models.Task) {
	t.Phase = models.PhaseAccepted
	t.QueuedAt = time.Now()

	e.mu.Lock()
	e.tasks[t.ID] = t
	e.mu.Unlock()
}

// Get returns the task by id, if present.
func (e *Engine) Get(id string) (*models.Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	return t, ok
}

// Transition moves a task to a new phase under the scheduler lock. Phase
// transitions are strictly forward; callers are the only writers of phase,
// so this only guards against concurrent callers racing the same task.
func (e *Engine) Transition(t *models.Task, phase models.Phase) {
	e.mu.Lock()
	t.Phase = phase
	e.mu.Unlock()
}

// Enqueue sets a task's phase to PhaseQueued and pushes it to the FIFO tail.
func (e *Engine) Enqueue(t *models.Task) {
	e.mu.Lock()
	t.Phase = models.PhaseQueued
	e.queue = append(e.queue, t)
	depth := len(e.queue)
	e.mu.Unlock()
	metrics.TaskQueueDepth.Set(float64(depth))
}

// TryReserve attempts an immediate reservation for t. On success it binds
// t.GPUID and returns true; on failure it leaves t untouched so the caller
// can Enqueue it.
func (e *Engine) TryReserve(t *models.Task) bool {
	gpuID, ok := e.reg.Reserve(t.ID)
	if !ok {
		return false
	}
	now := time.Now()
	e.mu.Lock()
	t.GPUID = gpuID
	t.HasGPU = true
	t.ReservedAt = &now
	e.mu.Unlock()
	metrics.ReservationWaitSeconds.Observe(now.Sub(t.QueuedAt).Seconds())
	return true
}

// Release frees t's bound GPU idempotently (a task without a binding is a
// no-op) and then triggers DispatchNext via the registry's release signal.
func (e *Engine) Release(t *models.Task) {
	e.mu.Lock()
	hadGPU := t.HasGPU
	gpuID := t.GPUID
	t.HasGPU = false
	e.mu.Unlock()

	if hadGPU {
		e.reg.Release(gpuID, t.ID)
	}
}

// Terminate moves t to a terminal phase, releases its GPU (idempotent), and
// relies on Release's call into the registry to trigger DispatchNext.
func (e *Engine) Terminate(t *models.Task, phase models.Phase, err error) {
	now := time.Now()
	e.mu.Lock()
	t.Phase = phase
	t.CompletedAt = &now
	if err != nil {
		t.ErrorKind = taskerr.Kind(err)
		t.ErrorMessage = err.Error()
	}
	if t.ReservedAt != nil {
		t.Timing.TotalSeconds = now.Sub(t.QueuedAt).Seconds()
	}
	e.evictLocked()
	e.mu.Unlock()

	metrics.RecordTaskCompleted(string(phase), now.Sub(t.QueuedAt).Seconds())

	e.Release(t)

	if e.log != nil {
		e.log.LogTaskEvent(t.ID, "terminal", string(phase), map[string]interface{}{
			"error_kind": t.ErrorKind,
		})
	}
}

// evictLocked drops the oldest terminal task (at most one per call) once the
// table exceeds maxTerm. Caller must hold e.mu.
func (e *Engine) evictLocked() {
	if len(e.tasks) <= e.maxTerm {
		return
	}
	var oldestID string
	var oldestAt time.Time
	for id, t := range e.tasks {
		if !t.Phase.Terminal() {
			continue
		}
		if t.CompletedAt == nil {
			continue
		}
		if oldestID == "" || t.CompletedAt.Before(oldestAt) {
			oldestID = id
			oldestAt = *t.CompletedAt
		}
	}
	if oldestID != "" {
		delete(e.tasks, oldestID)
	}
}

// DispatchNext attempts a reservation and, on success, atomically pops the
// FIFO head and resumes its worker. The reservation and the pop are
// observed as one step by callers: both happen while e.mu is held, so a
// concurrent DispatchNext (fired by another Release) cannot reserve the
// same freed slot twice, nor can two slots be bound to one queued task.
func (e *Engine) DispatchNext() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		head := e.queue[0]
		gpuID, ok := e.reg.Reserve(head.ID)
		if !ok {
			e.mu.Unlock()
			return
		}
		e.queue = e.queue[1:]
		depth := len(e.queue)
		now := time.Now()
		head.GPUID = gpuID
		head.HasGPU = true
		head.ReservedAt = &now
		head.Phase = models.PhaseReserving
		e.mu.Unlock()

		metrics.TaskQueueDepth.Set(float64(depth))
		metrics.ReservationWaitSeconds.Observe(now.Sub(head.QueuedAt).Seconds())

		if e.log != nil {
			e.log.LogTaskEvent(head.ID, "dispatched", string(models.PhaseReserving), map[string]interface{}{"gpu_id": gpuID})
		}
		e.mu.Lock()
		starter := e.starter
		e.mu.Unlock()
		starter.Resume(e.ctx, head, gpuID)
		return
	}
}

// QueueDepth returns the current FIFO length.
func (e *Engine) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// QueuePosition returns the 1-based position of taskID in the FIFO, or 0
// if it is not queued.
func (e *Engine) QueuePosition(taskID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, t := range e.queue {
		if t.ID == taskID {
			return i + 1
		}
	}
	return 0
}

// Reset marks every non-terminal task Failed/AdminReset and frees every
// slot, as a single administrative operation. The registry's own Reset
// already frees slots atomically; this additionally walks the task table.
func (e *Engine) Reset() int {
	evictedTasks := e.reg.Reset()
	evictedSet := make(map[string]bool, len(evictedTasks))
	for _, id := range evictedTasks {
		evictedSet[id] = true
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	now := time.Now()
	for _, t := range e.tasks {
		if t.Phase.Terminal() {
			continue
		}
		t.Phase = models.PhaseFailed
		t.ErrorKind = taskerr.Kind(taskerr.AdminReset)
		t.ErrorMessage = taskerr.AdminReset.Error()
		t.CompletedAt = &now
		t.HasGPU = false
		n++
	}
	e.queue = nil
	if e.log != nil {
		e.log.Warn(fmt.Sprintf("admin reset: %d tasks failed", n))
	}
	return n
}
