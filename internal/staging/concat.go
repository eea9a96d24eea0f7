package staging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lipsyncops/orchestrator/internal/taskerr"
)

// ConcatChunks merges orderedPaths into outPath in two stages: a lossless
// concat-demuxer pass into a temp file, then a GPU-accelerated re-encode.
// If the re-encode fails, the lossless temp is promoted to outPath as a
// fallback rather than failing the whole merge — grounded on
// original_source/webapp_chunked/chunked_scheduler.py:merge_videos, which
// renames its concat-only temp file over the final output on NVENC failure.
// The concat list file is removed on both success and failure paths.
func (s *Staging) ConcatChunks(ctx context.Context, orderedPaths []string, outPath string) error {
	if len(orderedPaths) == 0 {
		return fmt.Errorf("%w: no chunks to concatenate", taskerr.ConcatFailure)
	}

	listFile, err := s.writeConcatList(orderedPaths)
	if err != nil {
		return fmt.Errorf("%w: %v", taskerr.ConcatFailure, err)
	}
	defer os.Remove(listFile)

	tempConcat := outPath + ".concat_temp.mp4"
	defer os.Remove(tempConcat)

	demuxArgs := []string{
		"-f", "concat", "-safe", "0",
		"-i", listFile,
		"-c", "copy",
		"-y", tempConcat,
	}
	if out, err := exec(ctx, s.ffmpegPath, demuxArgs...).CombinedOutput(); err != nil {
		return fmt.Errorf("%w: lossless concat failed: %s", taskerr.ConcatFailure, string(out))
	}

	reencodeArgs := []string{
		"-y", "-hwaccel", "cuda",
		"-i", tempConcat,
		"-c:v", "h264_nvenc",
		"-preset", "fast",
		"-b:v", "3M",
		"-c:a", "copy",
		outPath,
	}
	if out, err := exec(ctx, s.ffmpegPath, reencodeArgs...).CombinedOutput(); err != nil {
		// Re-encode failed: promote the lossless temp to the final output
		// rather than failing the task outright.
		if renameErr := os.Rename(tempConcat, outPath); renameErr != nil {
			return fmt.Errorf("%w: re-encode failed (%s) and fallback promotion failed: %v", taskerr.ConcatFailure, string(out), renameErr)
		}
		return nil
	}

	return nil
}

func (s *Staging) writeConcatList(paths []string) (string, error) {
	f, err := os.CreateTemp("", "concat_list_*.txt")
	if err != nil {
		return "", err
	}
	defer f.Close()

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", err
		}
		// Escape single quotes the way ffmpeg's concat demuxer requires:
		// close the quote, emit an escaped quote, reopen the quote.
		escaped := escapeConcatPath(abs)
		if _, err := fmt.Fprintf(f, "file '%s'\n", escaped); err != nil {
			return "", err
		}
	}
	return f.Name(), nil
}

func escapeConcatPath(p string) string {
	var b bytes.Buffer
	for _, r := range p {
		if r == '\'' {
			b.WriteString(`'\''`)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// NormalizeAndMerge probes each chunk video's resolution, re-encodes any
// that do not match the first chunk's resolution (GPU-accelerated scale),
// then concatenates + re-encodes as ConcatChunks does. Used by the
// multi-video variant described in spec.md §4.2.
func (s *Staging) NormalizeAndMerge(ctx context.Context, chunkVideos []string, outPath string) error {
	if len(chunkVideos) == 0 {
		return fmt.Errorf("%w: no chunk videos to merge", taskerr.ConcatFailure)
	}

	targetW, targetH, err := s.probeResolution(ctx, chunkVideos[0])
	if err != nil {
		return fmt.Errorf("%w: probe target resolution: %v", taskerr.ConcatFailure, err)
	}

	normalized := make([]string, len(chunkVideos))
	for i, v := range chunkVideos {
		w, h, err := s.probeResolution(ctx, v)
		if err != nil {
			return fmt.Errorf("%w: probe chunk %d resolution: %v", taskerr.ConcatFailure, i, err)
		}
		if w == targetW && h == targetH {
			normalized[i] = v
			continue
		}

		scaled := fmt.Sprintf("%s.scaled_%d.mp4", outPath, i)
		args := []string{
			"-y", "-hwaccel", "cuda",
			"-i", v,
			"-vf", fmt.Sprintf("scale=%d:%d", targetW, targetH),
			"-c:v", "h264_nvenc",
			"-c:a", "copy",
			scaled,
		}
		if out, err := exec(ctx, s.ffmpegPath, args...).CombinedOutput(); err != nil {
			return fmt.Errorf("%w: scale chunk %d: %s", taskerr.ConcatFailure, i, string(out))
		}
		defer os.Remove(scaled)
		normalized[i] = scaled
	}

	return s.ConcatChunks(ctx, normalized, outPath)
}

type ffprobeStreams struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

func (s *Staging) probeResolution(ctx context.Context, path string) (int, int, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		path,
	}
	var stdout bytes.Buffer
	cmd := exec(ctx, s.ffprobePath, args...)
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return 0, 0, err
	}

	var decoded ffprobeStreams
	if err := json.Unmarshal(stdout.Bytes(), &decoded); err != nil {
		return 0, 0, err
	}
	for _, st := range decoded.Streams {
		if st.CodecType == "video" {
			return st.Width, st.Height, nil
		}
	}
	return 0, 0, fmt.Errorf("no video stream found")
}
