// Package pipeline implements the Pipeline Driver (spec.md §4.5): the
// per-task worker that extracts reference audio, reserves a GPU, runs TTS
// on its paired port, submits to its inference port, monitors to
// completion, stabilizes the output, and releases the GPU. Generalized
// from the teacher's transcoder.Service.ProcessJob (download → transform →
// upload), restructured into the extract → reserve → TTS → submit →
// monitor → stabilize → release sequence, plus a chunked fan-out grounded
// on original_source/webapp_chunked/chunked_scheduler.py:process_chunked_task.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lipsyncops/orchestrator/internal/backend"
	"github.com/lipsyncops/orchestrator/internal/logging"
	"github.com/lipsyncops/orchestrator/internal/metrics"
	"github.com/lipsyncops/orchestrator/internal/registry"
	"github.com/lipsyncops/orchestrator/internal/staging"
	"github.com/lipsyncops/orchestrator/internal/taskerr"
	"github.com/lipsyncops/orchestrator/internal/tracing"
	"github.com/lipsyncops/orchestrator/pkg/models"
)

// Notifier is implemented by anything the driver tells about lifecycle
// events — the webhook service and the AMQP event publisher both satisfy
// this, composed at wiring time rather than hard-imported here.
type Notifier interface {
	NotifyTaskStarted(ctx context.Context, t *models.Task)
	NotifyTaskCompleted(ctx context.Context, t *models.Task)
	NotifyTaskFailed(ctx context.Context, t *models.Task)
	NotifyTaskProgress(ctx context.Context, t *models.Task)
}

// Terminator is the slice of engine.Engine the driver depends on: it never
// imports internal/engine directly so the dependency runs one way
// (engine → pipeline via the Starter interface, pipeline → engine via this
// narrower one), avoiding an import cycle between the two cooperating
// components.
type Terminator interface {
	Transition(t *models.Task, phase models.Phase)
	Enqueue(t *models.Task)
	Terminate(t *models.Task, phase models.Phase, err error)
}

// Driver runs the single-GPU and chunked pipeline variants.
type Driver struct {
	reg     *registry.Registry
	engine  Terminator
	backend *backend.Client
	stage   *staging.Staging
	log     *logging.Logger
	notify  Notifier
	cfg     Config

	wg sync.WaitGroup
}

// Config controls pipeline timing and defaults (mirrors config.PipelineConfig
// without importing internal/config, to keep this package dependency-light).
type Config struct {
	ChunkCount          int
	ChunkReserveWait    time.Duration
	InferenceTimeout    time.Duration
	ChunkTimeout        time.Duration
	MonitorPollInterval time.Duration
	OutputMissingGrace  time.Duration
	OutputsDir          string
	TempDir             string
	DefaultVideoPath    string
	DefaultAudioPath    string
}

// New builds a Driver.
func New(reg *registry.Registry, eng Terminator, bc *backend.Client, st *staging.Staging, log *logging.Logger, notify Notifier, cfg Config) *Driver {
	return &Driver{reg: reg, engine: eng, backend: bc, stage: st, log: log, notify: notify, cfg: cfg}
}

// Start launches a brand-new task's worker goroutine: preprocessing through
// either completion or enqueueing onto the WaitQueue.
func (d *Driver) Start(ctx context.Context, t *models.Task) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runFromPreprocessing(ctx, t)
	}()
}

// Resume continues a previously queued task after DispatchNext has bound it
// to gpuID; it skips straight to the TTS stage since preprocessing already
// completed before the task was queued.
func (d *Driver) Resume(ctx context.Context, t *models.Task, gpuID int) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runFromReserved(ctx, t, gpuID)
	}()
}

// Wait blocks until every in-flight worker goroutine returns, for graceful
// shutdown.
func (d *Driver) Wait() {
	d.wg.Wait()
}

func (d *Driver) runFromPreprocessing(ctx context.Context, t *models.Task) {
	d.engine.Transition(t, models.PhasePreprocessing)
	d.notify.NotifyTaskStarted(ctx, t)

	if err := d.preprocess(ctx, t); err != nil {
		d.engine.Terminate(t, models.PhaseFailed, err)
		d.notify.NotifyTaskFailed(ctx, t)
		return
	}

	d.engine.Transition(t, models.PhaseReserving)

	gpuID, ok := d.reg.Reserve(t.ID)
	if !ok {
		d.engine.Enqueue(t)
		return
	}
	t.GPUID = gpuID
	t.HasGPU = true
	now := time.Now()
	t.ReservedAt = &now

	d.runFromReserved(ctx, t, gpuID)
}

func (d *Driver) runFromReserved(ctx context.Context, t *models.Task, gpuID int) {
	slot, ok := d.reg.Slot(gpuID)
	if !ok {
		d.engine.Terminate(t, models.PhaseFailed, fmt.Errorf("%w: unknown gpu %d", taskerr.StagingError, gpuID))
		return
	}

	d.engine.Transition(t, models.PhaseTTS)
	ttsSpan, ttsCtx := tracing.StartPipelinePhaseSpan(ctx, "tts", t.ID, gpuID)
	ttsStart := time.Now()
	if err := d.runTTS(ttsCtx, t, slot); err != nil {
		// TTS failure degrades to reference audio; never fatal.
		t.TTSDegraded = true
		t.GeneratedAudio = t.ReferenceAudio
		metrics.TTSDegradedTotal.Inc()
		tracing.LogError(ttsSpan, err)
		if d.log != nil {
			d.log.WithTaskID(t.ID).Warn(fmt.Sprintf("tts degraded to reference audio: %v", err))
		}
	}
	t.Timing.TTSSeconds = time.Since(ttsStart).Seconds()
	tracing.FinishSpan(ttsSpan)

	d.engine.Transition(t, models.PhaseSubmitting)
	submitSpan, submitCtx := tracing.StartPipelinePhaseSpan(ctx, "submit", t.ID, gpuID)
	containerVideo, containerAudio, err := d.stage.StageForGPU(slot.StagingDir, t.ID, t.VideoPath, t.GeneratedAudio)
	if err != nil {
		tracing.LogError(submitSpan, err)
		tracing.FinishSpan(submitSpan)
		d.engine.Terminate(t, models.PhaseFailed, err)
		d.notify.NotifyTaskFailed(ctx, t)
		return
	}

	accepted, err := d.backend.Submit(submitCtx, slot.InferenceAddr, t.ID, containerVideo, containerAudio, backend.SubmitOptions{
		SuperRes:  t.Options.SuperRes,
		Watermark: t.Options.Watermark,
		PN:        t.Options.PN,
	})
	if err != nil || !accepted {
		wrapped := fmt.Errorf("%w", taskerr.SubmitRejected)
		if err != nil {
			wrapped = fmt.Errorf("%w: %v", taskerr.SubmitRejected, err)
		}
		tracing.LogError(submitSpan, wrapped)
		tracing.FinishSpan(submitSpan)
		d.engine.Terminate(t, models.PhaseFailed, wrapped)
		d.notify.NotifyTaskFailed(ctx, t)
		return
	}
	tracing.FinishSpan(submitSpan)

	d.engine.Transition(t, models.PhaseInference)
	inferSpan, inferCtx := tracing.StartPipelinePhaseSpan(ctx, "inference", t.ID, gpuID)
	inferStart := time.Now()

	outputPath := d.outputPath(t.ID, "output_")
	outcome := d.monitor(inferCtx, t, slot, t.ID, outputPath, outputPath, d.cfg.InferenceTimeout)
	t.Timing.InferenceSeconds = time.Since(inferStart).Seconds()

	switch outcome.kind {
	case outcomeCompleted:
		t.OutputPath = outcome.outputPath
		t.OutputURL = d.outputURL(outcome.outputPath)
		tracing.FinishSpan(inferSpan)
		d.engine.Terminate(t, models.PhaseCompleted, nil)
		d.notify.NotifyTaskCompleted(ctx, t)
	case outcomeTimeout:
		tracing.LogError(inferSpan, taskerr.Timeout)
		tracing.FinishSpan(inferSpan)
		d.engine.Terminate(t, models.PhaseTimeout, taskerr.Timeout)
		d.notify.NotifyTaskFailed(ctx, t)
	default:
		tracing.LogError(inferSpan, outcome.err)
		tracing.FinishSpan(inferSpan)
		d.engine.Terminate(t, models.PhaseFailed, outcome.err)
		d.notify.NotifyTaskFailed(ctx, t)
	}
}

// runTTS synthesizes audio on the reserved GPU's paired TTS port.
func (d *Driver) runTTS(ctx context.Context, t *models.Task, slot models.GPUSlot) error {
	text := NormalizeText(t.Text)
	if text == "" {
		return fmt.Errorf("%w: empty text after normalization", taskerr.TtsError)
	}

	audio, err := d.backend.TTSInvoke(ctx, slot.TTSAddr, text, t.ReferenceAudio, "wav")
	if err != nil {
		return fmt.Errorf("%w: %v", taskerr.TtsError, err)
	}

	outPath := filepath.Join(d.cfg.TempDir, t.ID+"_tts.wav")
	if err := os.WriteFile(outPath, audio, 0o644); err != nil {
		return fmt.Errorf("%w: write tts output: %v", taskerr.TtsError, err)
	}
	t.GeneratedAudio = outPath
	return nil
}

func (d *Driver) preprocess(ctx context.Context, t *models.Task) error {
	if t.VideoPath == "" {
		t.VideoPath = d.cfg.DefaultVideoPath
	}
	if t.ReferenceAudio == "" {
		if t.VideoPath != d.cfg.DefaultVideoPath {
			audioOut := filepath.Join(d.cfg.TempDir, t.ID+"_ref.wav")
			extracted, err := d.stage.ExtractReferenceAudio(ctx, t.VideoPath, audioOut)
			if err != nil {
				return err
			}
			t.ReferenceAudio = extracted
		} else {
			t.ReferenceAudio = d.cfg.DefaultAudioPath
		}
	}
	return nil
}

func (d *Driver) outputPath(taskID, prefix string) string {
	return filepath.Join(d.cfg.OutputsDir, prefix+taskID+".mp4")
}

// outputURL maps a finished output's host path to the URL the API serves it
// under (api.API.Router mounts /outputs on the same OutputsDir).
func (d *Driver) outputURL(path string) string {
	return "/outputs/" + filepath.Base(path)
}

type outcomeKind int

const (
	outcomeCompleted outcomeKind = iota
	outcomeFailed
	outcomeTimeout
)

type monitorOutcome struct {
	kind       outcomeKind
	outputPath string
	err        error
}

// monitor implements the single-task monitor loop of spec.md §4.4/§4.5:
// poll every pollInterval, probe the expected output path after each poll,
// and decide the terminal outcome per the completion/failure criteria.
// expectedOutput is where the backend is expected to have written its
// result (polled for existence); destPath is where the stabilized bytes are
// ultimately stored — distinct paths for the chunked variant, since every
// chunk of a task shares the same code prefix but must land in its own file
// (spec.md §8's "chunk order matches index" invariant).
func (d *Driver) monitor(ctx context.Context, t *models.Task, slot models.GPUSlot, code, expectedOutput, destPath string, deadline time.Duration) monitorOutcome {
	pollInterval := d.cfg.MonitorPollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}

	monitorCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	consecutiveErrors := 0
	completedSeen := false
	completedAt := time.Time{}
	enteredMonitoring := false

	for {
		select {
		case <-monitorCtx.Done():
			return monitorOutcome{kind: outcomeTimeout}
		case <-ticker.C:
		}

		result, err := d.backend.Query(monitorCtx, slot.InferenceAddr, code)
		if err != nil {
			consecutiveErrors++
			if consecutiveErrors >= 5 {
				return monitorOutcome{kind: outcomeFailed, err: fmt.Errorf("%w: %v", taskerr.QueryTransient, err)}
			}
			continue
		}
		consecutiveErrors = 0

		if !enteredMonitoring {
			enteredMonitoring = true
			d.engine.Transition(t, models.PhaseMonitoring)
		}
		d.reg.SamplePeakMemory(monitorCtx, slot.ID, t.ID)

		if d.log != nil {
			d.log.LogPipelineProgress(t.ID, slot.ID, result.ProgressPct)
		}
		t.Progress = result.ProgressPct
		d.notify.NotifyTaskProgress(ctx, t)

		switch result.Phase {
		case backend.PhaseFailed:
			return monitorOutcome{kind: outcomeFailed, err: fmt.Errorf("%w: %s", taskerr.BackendFailed, result.ErrorMessage)}
		case backend.PhaseCompleted:
			if !completedSeen {
				completedSeen = true
				completedAt = time.Now()
			}
		}

		hostPath := expectedOutput
		if result.ResultDescriptor != "" {
			hostPath = staging.HostPath(slot.StagingDir, result.ResultDescriptor)
		}
		if _, statErr := os.Stat(hostPath); statErr == nil {
			bytesOut, stabErr := d.stage.StabilizeOutput(monitorCtx, hostPath, true)
			if stabErr == nil {
				if hostPath != destPath {
					_ = os.WriteFile(destPath, bytesOut, 0o644)
				}
				return monitorOutcome{kind: outcomeCompleted, outputPath: destPath}
			}
			if stabErr != nil && completedSeen {
				return monitorOutcome{kind: outcomeFailed, err: stabErr}
			}
		}

		if completedSeen && time.Since(completedAt) > d.cfg.OutputMissingGrace {
			return monitorOutcome{kind: outcomeFailed, err: taskerr.OutputMissing}
		}
	}
}
