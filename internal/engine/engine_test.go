package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lipsyncops/orchestrator/internal/registry"
	"github.com/lipsyncops/orchestrator/internal/taskerr"
	"github.com/lipsyncops/orchestrator/pkg/models"
)

// fakeStarter records Start/Resume calls instead of running a real pipeline.
type fakeStarter struct {
	mu      sync.Mutex
	started []*models.Task
	resumed []*models.Task
}

func (f *fakeStarter) Start(ctx context.Context, t *models.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, t)
}

func (f *fakeStarter) Resume(ctx context.Context, t *models.Task, gpuID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t.GPUID = gpuID
	f.resumed = append(f.resumed, t)
}

func (f *fakeStarter) resumedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resumed)
}

func testSlots() []models.GPUSlot {
	return []models.GPUSlot{{ID: 0}, {ID: 1}}
}

func newTestEngine(t *testing.T) (*Engine, *registry.Registry, *fakeStarter) {
	reg := registry.New(nil, testSlots())
	starter := &fakeStarter{}
	e := New(context.Background(), reg, starter, nil, Config{})
	return e, reg, starter
}

func TestEngine_AcceptAndGet(t *testing.T) {
	e, _, _ := newTestEngine(t)

	task := &models.Task{ID: "t1"}
	e.Accept(task)

	got, ok := e.Get("t1")
	if !ok {
		t.Fatal("expected task to be retrievable after Accept")
	}
	if got.Phase != models.PhaseAccepted {
		t.Errorf("expected PhaseAccepted, got %s", got.Phase)
	}
}

func TestEngine_GetMissing(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, ok := e.Get("missing")
	if ok {
		t.Error("expected missing task lookup to fail")
	}
}

func TestEngine_TryReserveSuccess(t *testing.T) {
	e, _, _ := newTestEngine(t)
	task := &models.Task{ID: "t1"}

	if !e.TryReserve(task) {
		t.Fatal("expected reservation to succeed with free slots")
	}
	if !task.HasGPU {
		t.Error("expected HasGPU true after reservation")
	}
	if task.ReservedAt == nil {
		t.Error("expected ReservedAt to be set")
	}
}

func TestEngine_TryReserveExhaustion(t *testing.T) {
	e, _, _ := newTestEngine(t)

	e.TryReserve(&models.Task{ID: "t1"})
	e.TryReserve(&models.Task{ID: "t2"})

	if e.TryReserve(&models.Task{ID: "t3"}) {
		t.Error("expected third reservation to fail, both slots busy")
	}
}

func TestEngine_EnqueueAndDispatchNext(t *testing.T) {
	e, _, starter := newTestEngine(t)

	holder := &models.Task{ID: "holder"}
	if !e.TryReserve(holder) {
		t.Fatal("expected to reserve the first slot")
	}
	second := &models.Task{ID: "second"}
	if !e.TryReserve(second) {
		t.Fatal("expected to reserve the second slot")
	}

	queued := &models.Task{ID: "queued"}
	e.Enqueue(queued)
	if e.QueueDepth() != 1 {
		t.Fatalf("expected queue depth 1, got %d", e.QueueDepth())
	}
	if e.QueuePosition("queued") != 1 {
		t.Errorf("expected queue position 1, got %d", e.QueuePosition("queued"))
	}

	e.Release(holder)

	if e.QueueDepth() != 0 {
		t.Errorf("expected queue to drain after a release freed a slot, depth=%d", e.QueueDepth())
	}
	if starter.resumedCount() != 1 {
		t.Errorf("expected DispatchNext to resume exactly one task, resumed=%d", starter.resumedCount())
	}
}

func TestEngine_Terminate(t *testing.T) {
	e, _, _ := newTestEngine(t)
	task := &models.Task{ID: "t1"}
	e.Accept(task)
	e.TryReserve(task)

	e.Terminate(task, models.PhaseFailed, taskerr.BackendFailed)

	if task.Phase != models.PhaseFailed {
		t.Errorf("expected PhaseFailed, got %s", task.Phase)
	}
	if task.ErrorKind != "BackendFailed" {
		t.Errorf("expected ErrorKind BackendFailed, got %s", task.ErrorKind)
	}
	if task.HasGPU {
		t.Error("expected GPU to be released on terminate")
	}
}

func TestEngine_Reset(t *testing.T) {
	e, reg, _ := newTestEngine(t)

	inFlight := &models.Task{ID: "inflight"}
	e.Accept(inFlight)
	e.TryReserve(inFlight)

	done := &models.Task{ID: "done"}
	e.Accept(done)
	e.Terminate(done, models.PhaseCompleted, nil)

	n := e.Reset()
	if n != 1 {
		t.Errorf("expected exactly 1 task reset (the in-flight one), got %d", n)
	}
	if inFlight.Phase != models.PhaseFailed {
		t.Errorf("expected in-flight task to be marked failed, got %s", inFlight.Phase)
	}
	if inFlight.ErrorKind != "AdminReset" {
		t.Errorf("expected AdminReset error kind, got %s", inFlight.ErrorKind)
	}
	if reg.FreeCount() != 2 {
		t.Errorf("expected registry fully freed after reset, free=%d", reg.FreeCount())
	}
}

func TestEngine_EvictsOldestTerminalOverCapacity(t *testing.T) {
	reg := registry.New(nil, testSlots())
	starter := &fakeStarter{}
	e := New(context.Background(), reg, starter, nil, Config{MaxTerminalTasks: 2})

	first := &models.Task{ID: "first"}
	e.Accept(first)
	e.Terminate(first, models.PhaseCompleted, nil)
	time.Sleep(time.Millisecond)

	second := &models.Task{ID: "second"}
	e.Accept(second)
	e.Terminate(second, models.PhaseCompleted, nil)
	time.Sleep(time.Millisecond)

	third := &models.Task{ID: "third"}
	e.Accept(third)
	e.Terminate(third, models.PhaseCompleted, nil)

	if _, ok := e.Get("first"); ok {
		t.Error("expected the oldest terminal task to be evicted")
	}
	if _, ok := e.Get("third"); !ok {
		t.Error("expected the newest terminal task to still be present")
	}
}

func TestEngine_SetStarterAfterConstruction(t *testing.T) {
	reg := registry.New(nil, testSlots())
	e := New(context.Background(), reg, nil, nil, Config{})

	starter := &fakeStarter{}
	e.SetStarter(starter)

	holder := &models.Task{ID: "holder"}
	e.TryReserve(holder)
	second := &models.Task{ID: "second"}
	e.TryReserve(second)

	queued := &models.Task{ID: "queued"}
	e.Enqueue(queued)
	e.Release(holder)

	if starter.resumedCount() != 1 {
		t.Errorf("expected the late-bound starter to receive the resume call, got %d", starter.resumedCount())
	}
}
