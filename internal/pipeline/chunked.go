package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lipsyncops/orchestrator/internal/backend"
	"github.com/lipsyncops/orchestrator/internal/metrics"
	"github.com/lipsyncops/orchestrator/internal/taskerr"
	"github.com/lipsyncops/orchestrator/internal/tracing"
	"github.com/lipsyncops/orchestrator/pkg/models"
)

// StartChunked runs the chunked-parallel variant (spec.md §4.5): splits the
// task's cloned audio into N equal slices, fans them to N GPUs, monitors
// each independently, and concatenates on success. Grounded on
// original_source/webapp_chunked/chunked_scheduler.py:process_chunked_task.
func (d *Driver) StartChunked(ctx context.Context, t *models.Task) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runChunked(ctx, t)
	}()
}

func (d *Driver) runChunked(ctx context.Context, t *models.Task) {
	d.engine.Transition(t, models.PhasePreprocessing)
	d.notify.NotifyTaskStarted(ctx, t)

	if err := d.preprocess(ctx, t); err != nil {
		d.engine.Terminate(t, models.PhaseFailed, err)
		d.notify.NotifyTaskFailed(ctx, t)
		return
	}

	n := d.cfg.ChunkCount
	if n <= 0 {
		n = 3
	}

	// The text is cloned once against the default TTS port pairing of
	// whichever GPU reserves first; chunking splits the resulting audio,
	// not the text, per spec.md §4.5 step 1-2.
	firstGPU, ok := d.reserveWithWait(t.ID, d.cfg.ChunkReserveWait)
	if !ok {
		d.engine.Enqueue(t)
		return
	}
	slot, _ := d.reg.Slot(firstGPU)

	d.engine.Transition(t, models.PhaseTTS)
	ttsStart := time.Now()
	if err := d.runTTS(ctx, t, slot); err != nil {
		t.TTSDegraded = true
		t.GeneratedAudio = t.ReferenceAudio
		metrics.TTSDegradedTotal.Inc()
	}
	t.Timing.TTSSeconds = time.Since(ttsStart).Seconds()

	chunkAudioDir := filepath.Join(d.cfg.TempDir, t.ID)
	audioChunks, err := d.stage.SplitAudioEqual(ctx, t.GeneratedAudio, chunkAudioDir, t.ID, n)
	if err != nil {
		d.reg.Release(firstGPU, t.ID)
		d.engine.Terminate(t, models.PhaseFailed, err)
		d.notify.NotifyTaskFailed(ctx, t)
		return
	}

	chunks := make([]models.Chunk, n)
	chunks[0] = models.Chunk{Index: 0, AudioPath: audioChunks[0], GPUID: firstGPU, Code: models.ChunkCode(t.ID, 0)}

	gpuIDs := make([]int, n)
	gpuIDs[0] = firstGPU
	for i := 1; i < n; i++ {
		gpuID, ok := d.reserveWithWait(t.ID, d.cfg.ChunkReserveWait)
		if !ok {
			// Fewer than N GPUs free within the wait window: degrade by
			// assigning this chunk to the first reserved GPU, where it runs
			// after the chunks already assigned to that GPU (spec.md §9 Open
			// Question (a)).
			if !t.ChunkDegraded {
				metrics.ChunkDegradedTotal.Inc()
			}
			t.ChunkDegraded = true
			gpuID = gpuIDs[0]
		}
		gpuIDs[i] = gpuID
		chunks[i] = models.Chunk{Index: i, AudioPath: audioChunks[i], GPUID: gpuID, Code: models.ChunkCode(t.ID, i)}
	}
	t.Chunks = chunks

	d.engine.Transition(t, models.PhaseInference)

	// One goroutine per reserved GPU: chunks sharing a GPU after a degraded
	// reservation run one after another, in index order.
	byGPU := make(map[int][]int, n)
	for i := range chunks {
		byGPU[chunks[i].GPUID] = append(byGPU[chunks[i].GPUID], i)
	}
	var wg sync.WaitGroup
	for _, idxs := range byGPU {
		wg.Add(1)
		go func(idxs []int) {
			defer wg.Done()
			for _, idx := range idxs {
				d.runChunk(ctx, t, &chunks[idx])
			}
		}(idxs)
	}
	wg.Wait()

	for _, gpuID := range uniqueInts(gpuIDs) {
		d.reg.Release(gpuID, t.ID)
	}

	var failed *models.Chunk
	for i := range chunks {
		if chunks[i].Failed {
			failed = &chunks[i]
			break
		}
	}
	if failed != nil {
		d.engine.Terminate(t, models.PhaseFailed, fmt.Errorf("%w: chunk %d", errKindFor(failed.ErrorKind), failed.Index))
		d.notify.NotifyTaskFailed(ctx, t)
		return
	}

	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
	ordered := make([]string, len(chunks))
	for i, c := range chunks {
		ordered[i] = c.OutputPath
	}

	finalPath := d.outputPath(t.ID, "final_")
	if err := d.stage.ConcatChunks(ctx, ordered, finalPath); err != nil {
		d.engine.Terminate(t, models.PhaseFailed, err)
		d.notify.NotifyTaskFailed(ctx, t)
		return
	}

	t.OutputPath = finalPath
	t.OutputURL = d.outputURL(finalPath)
	d.engine.Terminate(t, models.PhaseCompleted, nil)
	d.notify.NotifyTaskCompleted(ctx, t)
}

// runChunk submits and monitors one chunk, mirroring the single-GPU
// pipeline's submit/monitor stages but against the chunk's own sub-task code
// and per-chunk timeout.
func (d *Driver) runChunk(ctx context.Context, t *models.Task, c *models.Chunk) {
	span, ctx := tracing.StartPipelinePhaseSpan(ctx, fmt.Sprintf("chunk-%d", c.Index), t.ID, c.GPUID)
	defer tracing.FinishSpan(span)

	slot, ok := d.reg.Slot(c.GPUID)
	if !ok {
		c.Failed = true
		c.ErrorKind = "StagingError"
		tracing.LogError(span, fmt.Errorf("unknown gpu %d", c.GPUID))
		return
	}

	containerVideo, containerAudio, err := d.stage.StageForGPU(slot.StagingDir, c.Code, t.VideoPath, c.AudioPath)
	if err != nil {
		c.Failed = true
		c.ErrorKind = "StagingError"
		tracing.LogError(span, err)
		return
	}

	accepted, err := d.backend.Submit(ctx, slot.InferenceAddr, c.Code, containerVideo, containerAudio, backend.SubmitOptions{
		SuperRes:  t.Options.SuperRes,
		Watermark: t.Options.Watermark,
		PN:        t.Options.PN,
	})
	if err != nil || !accepted {
		c.Failed = true
		c.ErrorKind = "SubmitRejected"
		tracing.LogError(span, err)
		return
	}

	chunkTimeout := d.cfg.ChunkTimeout
	if chunkTimeout <= 0 {
		chunkTimeout = 10 * time.Minute
	}
	// expected is where the backend writes the chunk's raw result; dest is
	// this chunk's own slot in the outputs dir, so N concurrent chunks never
	// race-write the same file (spec.md §8's per-chunk output invariant).
	expected := filepath.Join(d.cfg.TempDir, t.ID, fmt.Sprintf("chunk%02d.mp4", c.Index+1))
	dest := filepath.Join(d.cfg.OutputsDir, fmt.Sprintf("chunk%02d_%s.mp4", c.Index+1, t.ID))
	outcome := d.monitor(ctx, t, slot, c.Code, expected, dest, chunkTimeout)

	switch outcome.kind {
	case outcomeCompleted:
		c.OutputPath = outcome.outputPath
		c.Done = true
	case outcomeTimeout:
		c.Failed = true
		c.ErrorKind = "Timeout"
		tracing.LogError(span, taskerr.Timeout)
	default:
		c.Failed = true
		c.ErrorKind = "BackendFailed"
		tracing.LogError(span, outcome.err)
	}
}

// reserveWithWait polls Reserve until it succeeds or the wait window
// elapses, implementing the "wait up to a configured window" half of the
// Open Question (a) decision recorded in DESIGN.md.
func (d *Driver) reserveWithWait(taskID string, wait time.Duration) (int, bool) {
	if gpuID, ok := d.reg.Reserve(taskID); ok {
		return gpuID, true
	}
	if wait <= 0 {
		return 0, false
	}

	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		<-ticker.C
		if gpuID, ok := d.reg.Reserve(taskID); ok {
			return gpuID, true
		}
	}
	return 0, false
}

func uniqueInts(in []int) []int {
	seen := make(map[int]bool, len(in))
	var out []int
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func errKindFor(kind string) error {
	switch kind {
	case "Timeout":
		return taskerr.Timeout
	case "SubmitRejected":
		return taskerr.SubmitRejected
	case "StagingError":
		return taskerr.StagingError
	default:
		return taskerr.BackendFailed
	}
}
