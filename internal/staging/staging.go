// Package staging implements Media Staging (spec.md §4.2): staging input
// artifacts into per-GPU shared directories, audio extraction/probing/
// chunking, output stabilization, and final concatenation + re-encode.
// Built on os/exec.CommandContext around ffmpeg/ffprobe, generalized from
// the teacher's FFmpeg wrapper type (internal/transcoder/ffmpeg.go) and
// ConcatVideo/concatDemuxer pair (internal/transcoder/concatenation.go).
package staging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/lipsyncops/orchestrator/internal/cache"
	"github.com/lipsyncops/orchestrator/internal/taskerr"
)

// durationCacheTTL bounds how long a ffprobe-derived duration is reused
// before the next probe of the same path re-runs ffprobe.
const durationCacheTTL = 30 * time.Minute

// exec builds an *exec.Cmd the way the teacher's FFmpeg wrapper does
// throughout ffmpeg.go/concatenation.go: one CommandContext call per
// invocation, no shared process state.
func exec(ctx context.Context, name string, args ...string) *osexec.Cmd {
	return osexec.CommandContext(ctx, name, args...)
}

// referenceAudioMaxSeconds truncates extracted reference audio for TTS
// stability, per spec.md §4.2.
const referenceAudioMaxSeconds = 15

// stabilizePollInterval and stabilizeRequiredPolls implement the
// three-consecutive-unchanged-poll stabilization protocol.
const (
	stabilizePollInterval  = 2 * time.Second
	stabilizeRequiredPolls = 3
	stabilizePollFloor     = 10 * 1024
	finalOutputFloor       = 100 * 1024
)

// Staging wraps the ffmpeg/ffprobe binaries used throughout the pipeline.
type Staging struct {
	ffmpegPath  string
	ffprobePath string
	cache       *cache.Cache
}

// New builds a Staging helper bound to specific binary paths, the way the
// teacher's NewFFmpeg does.
func New(ffmpegPath, ffprobePath string) *Staging {
	return &Staging{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath}
}

// SetCache wires the Redis duration cache, bound late at process start; nil
// by default (ProbeDuration always shells out to ffprobe).
func (s *Staging) SetCache(c *cache.Cache) {
	s.cache = c
}

// ExtractReferenceAudio converts a video's audio track into a WAV suitable
// for TTS reference: stereo-preserving, 44.1kHz, truncated to 15s.
func (s *Staging) ExtractReferenceAudio(ctx context.Context, videoPath, outPath string) (string, error) {
	args := []string{
		"-y", "-i", videoPath,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", "44100",
		"-t", strconv.Itoa(referenceAudioMaxSeconds),
		outPath,
	}
	cmd := exec(ctx, s.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("extract reference audio: %w: %s: %v", taskerr.ExtractionError, stderr.String(), err)
	}
	return outPath, nil
}

type ffprobeFormat struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// ProbeDuration returns a media file's duration in seconds, served from the
// Redis duration cache when wired and warm (ffprobe is expensive and the
// same avatar reference clips get probed across many tasks).
func (s *Staging) ProbeDuration(ctx context.Context, mediaPath string) (float64, error) {
	if s.cache != nil {
		if cached, ok, err := s.cache.GetDuration(ctx, mediaPath); err == nil && ok {
			return cached, nil
		}
	}

	duration, err := s.probeDuration(ctx, mediaPath)
	if err != nil {
		return 0, err
	}

	if s.cache != nil {
		_ = s.cache.SetDuration(ctx, mediaPath, duration, durationCacheTTL)
	}
	return duration, nil
}

// probeDuration is the uncached ffprobe invocation.
func (s *Staging) probeDuration(ctx context.Context, mediaPath string) (float64, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		mediaPath,
	}
	cmd := exec(ctx, s.ffprobePath, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("%w: ffprobe failed: %v", taskerr.ProbeError, err)
	}

	var decoded ffprobeFormat
	if err := json.Unmarshal(stdout.Bytes(), &decoded); err != nil {
		return 0, fmt.Errorf("%w: decode ffprobe output: %v", taskerr.ProbeError, err)
	}
	duration, err := strconv.ParseFloat(decoded.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: no duration in ffprobe output", taskerr.ProbeError)
	}
	return duration, nil
}

// StageForGPU copies the host video and audio into a GPU's staging
// directory under task-id-prefixed filenames, and returns the container-
// visible paths. Idempotent with respect to identical source bytes: an
// overwrite of the same destination is allowed.
func (s *Staging) StageForGPU(gpuRoot, taskID, hostVideo, hostAudio string) (containerVideo, containerAudio string, err error) {
	if err := os.MkdirAll(gpuRoot, 0o755); err != nil {
		return "", "", fmt.Errorf("%w: create staging dir: %v", taskerr.StagingError, err)
	}

	videoDst := filepath.Join(gpuRoot, taskID+"_video"+filepath.Ext(hostVideo))
	audioDst := filepath.Join(gpuRoot, taskID+"_audio"+filepath.Ext(hostAudio))

	if err := copyFile(hostVideo, videoDst); err != nil {
		return "", "", fmt.Errorf("%w: copy video: %v", taskerr.StagingError, err)
	}
	if err := copyFile(hostAudio, audioDst); err != nil {
		return "", "", fmt.Errorf("%w: copy audio: %v", taskerr.StagingError, err)
	}

	return ContainerPath(gpuRoot, videoDst), ContainerPath(gpuRoot, audioDst), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.CreateTemp(filepath.Dir(dst), ".staging-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(out.Name())
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return err
	}
	return os.Rename(out.Name(), dst)
}

// StabilizeOutput polls path every 2s and returns its bytes once three
// consecutive polls observe an unchanged size that is >= 10KB. If final is
// true (the path is a finished single/parent output, not a chunk), the
// stabilized size is additionally rejected below the 100KB floor.
func (s *Staging) StabilizeOutput(ctx context.Context, path string, final bool) ([]byte, error) {
	var lastSize int64 = -1
	stableCount := 0

	ticker := time.NewTicker(stabilizePollInterval)
	defer ticker.Stop()

	for {
		info, err := os.Stat(path)
		if err == nil {
			size := info.Size()
			if size == lastSize && size >= stabilizePollFloor {
				stableCount++
			} else {
				stableCount = 0
			}
			lastSize = size

			if stableCount >= stabilizeRequiredPolls {
				if final && size < finalOutputFloor {
					return nil, fmt.Errorf("%w: %d bytes", taskerr.OutputTooSmall, size)
				}
				return os.ReadFile(path)
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// SplitAudioEqual slices audioPath into n equal-duration parts by
// timestamp; the last slice may be marginally shorter due to rounding.
// Chunks shorter than a minimum duration are padded with silence first
// (original_source/webapp_chunked/chunked_scheduler.py: pad_audio), to
// avoid backend errors on very short clips — a staging-level file
// operation, not a codec-internals concern.
func (s *Staging) SplitAudioEqual(ctx context.Context, audioPath, outDir, taskID string, n int) ([]string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create chunk audio dir: %v", taskerr.StagingError, err)
	}

	duration, err := s.ProbeDuration(ctx, audioPath)
	if err != nil {
		return nil, err
	}

	const minChunkSeconds = 4.0
	if duration/float64(n) < minChunkSeconds && duration < minChunkSeconds*float64(n) {
		padded := filepath.Join(outDir, taskID+"_padded.wav")
		if err := s.padAudio(ctx, audioPath, padded, minChunkSeconds*float64(n)); err != nil {
			return nil, err
		}
		audioPath = padded
		duration = minChunkSeconds * float64(n)
	}

	sliceLen := duration / float64(n)
	paths := make([]string, n)
	for i := 0; i < n; i++ {
		start := float64(i) * sliceLen
		length := sliceLen
		if i == n-1 {
			length = duration - start
		}
		out := filepath.Join(outDir, fmt.Sprintf("%s_chunk%02d.wav", taskID, i+1))
		args := []string{
			"-y", "-i", audioPath,
			"-ss", fmt.Sprintf("%.3f", start),
			"-t", fmt.Sprintf("%.3f", length),
			"-c", "copy",
			out,
		}
		cmd := exec(ctx, s.ffmpegPath, args...)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("%w: split chunk %d: %s", taskerr.StagingError, i, stderr.String())
		}
		paths[i] = out
	}
	return paths, nil
}

// padAudio extends audioPath to targetSeconds by appending silence via
// ffmpeg's apad filter.
func (s *Staging) padAudio(ctx context.Context, audioPath, outPath string, targetSeconds float64) error {
	args := []string{
		"-y", "-i", audioPath,
		"-af", fmt.Sprintf("apad=whole_dur=%.3f", targetSeconds),
		outPath,
	}
	cmd := exec(ctx, s.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: pad audio: %s", taskerr.StagingError, stderr.String())
	}
	return nil
}
