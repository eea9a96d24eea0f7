// Package registry owns the process-wide table of GPU slots and is the
// only component permitted to read or write a slot's busy flag. It is
// generalized from the teacher's transcoder.GPUManager (capability/memory
// probing via nvidia-smi) fused with the atomic reserve/release discipline
// of the original scheduler's reserve_gpu_for_task/release_gpu.
package registry

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lipsyncops/orchestrator/internal/cache"
	"github.com/lipsyncops/orchestrator/internal/logging"
	"github.com/lipsyncops/orchestrator/internal/metrics"
	"github.com/lipsyncops/orchestrator/pkg/models"
)

// snapshotCacheTTL bounds how long a Snapshot's nvidia-smi-derived
// memory/utilization reading is reused before the next Snapshot call shells
// out again.
const snapshotCacheTTL = 2 * time.Second

// ReleaseSignal is invoked after a successful release, inside the caller's
// own lock-free context, so the Task Engine can dispatch the next queued
// task. It is intentionally decoupled from the registry's own lock.
type ReleaseSignal func()

// Registry is the single exclusion region guarding every GPUSlot.
type Registry struct {
	mu    sync.Mutex
	slots []*models.GPUSlot
	log   *logging.Logger
	cache *cache.Cache

	onRelease ReleaseSignal
}

// New builds a registry from static slot configuration. Slots are created
// once at process start and never destroyed.
func New(log *logging.Logger, slots []models.GPUSlot) *Registry {
	r := &Registry{log: log}
	for i := range slots {
		s := slots[i]
		r.slots = append(r.slots, &s)
	}
	return r
}

// OnRelease registers the callback fired after every successful Release.
func (r *Registry) OnRelease(fn ReleaseSignal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRelease = fn
}

// SetCache wires the Redis snapshot cache, bound late the same way
// engine.Engine.SetStarter is: nil by default, so Snapshot always queries
// nvidia-smi directly until the process wires a live cache at startup.
func (r *Registry) SetCache(c *cache.Cache) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = c
}

// Reserve scans slots in ascending id order and binds the first free one to
// taskID, returning its id and true. Returns (0, false) if none are free.
// Reserve and Release are linearizable: two concurrent Reserve calls never
// return the same id.
func (r *Registry) Reserve(taskID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.slots {
		if !s.Busy {
			s.Busy = true
			s.CurrentTask = taskID
			metrics.GPUBusy.WithLabelValues(strconv.Itoa(s.ID)).Set(1)
			return s.ID, true
		}
	}
	return 0, false
}

// Release frees the slot if it is currently bound to taskID. A mismatch
// (already released, or rebound to a different task) is logged and the
// slot is left untouched, matching the source's release_gpu guard. On a
// successful release the registered ReleaseSignal is invoked after the
// lock is dropped, so it may itself call Reserve without deadlocking.
func (r *Registry) Release(gpuID int, taskID string) {
	var signaled bool
	r.mu.Lock()
	for _, s := range r.slots {
		if s.ID != gpuID {
			continue
		}
		if s.CurrentTask != taskID {
			if r.log != nil {
				r.log.Warn(fmt.Sprintf("release mismatch: gpu %d held by %q, release requested by %q", gpuID, s.CurrentTask, taskID))
			}
			break
		}
		s.Busy = false
		s.CurrentTask = ""
		s.PeakMemoryMB = 0
		signaled = true
		break
	}
	onRelease := r.onRelease
	r.mu.Unlock()

	if signaled {
		metrics.GPUBusy.WithLabelValues(strconv.Itoa(gpuID)).Set(0)
	}
	if signaled && onRelease != nil {
		onRelease()
	}
}

// RecordPeakMemory updates a slot's cached peak-memory reading, sampled by
// the pipeline's monitor loop. Best-effort: a mismatched task id is ignored.
func (r *Registry) RecordPeakMemory(gpuID int, taskID string, memMB int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.slots {
		if s.ID == gpuID && s.CurrentTask == taskID && memMB > s.PeakMemoryMB {
			s.PeakMemoryMB = memMB
		}
	}
}

// SamplePeakMemory shells out to nvidia-smi for gpuID's current reading,
// records it against RecordPeakMemory, and mirrors it onto the GPU
// utilization/memory gauges. The pipeline's monitor loop calls this once per
// poll so a task's peak reflects its whole run rather than its last reading.
func (r *Registry) SamplePeakMemory(ctx context.Context, gpuID int, taskID string) {
	mem := queryMemoryUsage(ctx)
	m, ok := mem[gpuID]
	if !ok {
		return
	}
	r.RecordPeakMemory(gpuID, taskID, m.used)
	metrics.UpdateGPUMetrics(strconv.Itoa(gpuID), true, float64(m.util), int64(m.used)*1024*1024)
}

// Slot returns a copy of the slot's static addressing info, for staging and
// backend calls that need the GPU's ports without touching busy state.
func (r *Registry) Slot(gpuID int) (models.GPUSlot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.slots {
		if s.ID == gpuID {
			return *s, true
		}
	}
	return models.GPUSlot{}, false
}

// FreeCount returns the number of currently unbound slots.
func (r *Registry) FreeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.slots {
		if !s.Busy {
			n++
		}
	}
	return n
}

// Reset forcibly frees every slot in one exclusion-region operation,
// matching the admin surface's AdminReset contract. It returns the task
// ids that were bound at the moment of reset, so the caller can fail them.
func (r *Registry) Reset() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted []string
	for _, s := range r.slots {
		if s.Busy {
			evicted = append(evicted, s.CurrentTask)
		}
		s.Busy = false
		s.CurrentTask = ""
		s.PeakMemoryMB = 0
		metrics.GPUBusy.WithLabelValues(strconv.Itoa(s.ID)).Set(0)
	}
	return evicted
}

// Snapshot returns the observability view of every slot, augmented with a
// nvidia-smi memory/utilization reading. Readings are served from the Redis
// snapshot cache when a cache is wired and every slot has a fresh entry,
// avoiding a shell-out to nvidia-smi on every admin/status poll; any miss
// falls back to a live query and repopulates the cache.
func (r *Registry) Snapshot(ctx context.Context) []models.GPUSnapshot {
	r.mu.Lock()
	slotsCopy := make([]models.GPUSlot, len(r.slots))
	for i, s := range r.slots {
		slotsCopy[i] = *s
	}
	c := r.cache
	r.mu.Unlock()

	out := make([]models.GPUSnapshot, len(slotsCopy))
	allCached := c != nil
	for i, s := range slotsCopy {
		out[i] = models.GPUSnapshot{
			ID:            s.ID,
			Busy:          s.Busy,
			CurrentTask:   s.CurrentTask,
			InferenceAddr: s.InferenceAddr,
			TTSAddr:       s.TTSAddr,
		}
		if c == nil {
			continue
		}
		cached, err := c.GetGPUSnapshot(ctx, s.ID)
		if err != nil || cached == nil {
			allCached = false
			continue
		}
		out[i].MemoryUsedMB = cached.MemoryUsedMB
		out[i].MemoryTotalMB = cached.MemoryTotalMB
		out[i].UtilizationPct = cached.UtilizationPct
	}
	if allCached {
		return out
	}

	mem := queryMemoryUsage(ctx)
	for i := range out {
		m, ok := mem[out[i].ID]
		if !ok {
			continue
		}
		out[i].MemoryUsedMB = m.used
		out[i].MemoryTotalMB = m.total
		out[i].UtilizationPct = m.util
		if c != nil {
			_ = c.SetGPUSnapshot(ctx, out[i], snapshotCacheTTL)
		}
	}
	return out
}

type memReading struct {
	used, total, util int
}

// queryMemoryUsage shells out to nvidia-smi the way transcoder.GPUManager
// does for GetMemoryUsage; a query failure yields an empty map rather than
// an error, since Snapshot is best-effort observability, not a control path.
func queryMemoryUsage(ctx context.Context) map[int]memReading {
	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=index,memory.used,memory.total,utilization.gpu",
		"--format=csv,noheader,nounits")

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil
	}

	out := make(map[int]memReading)
	for _, line := range strings.Split(strings.TrimSpace(stdout.String()), "\n") {
		parts := strings.Split(line, ",")
		if len(parts) < 4 {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			continue
		}
		used, _ := strconv.Atoi(strings.TrimSpace(parts[1]))
		total, _ := strconv.Atoi(strings.TrimSpace(parts[2]))
		util, _ := strconv.Atoi(strings.TrimSpace(parts[3]))
		out[idx] = memReading{used: used, total: total, util: util}
	}
	return out
}
