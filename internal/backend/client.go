// Package backend implements the HTTP contract against the per-GPU
// inference backend and TTS backend. Built the way the teacher's
// webhook.Service builds HTTP calls: one shared *http.Client, an explicit
// per-call context deadline, and no retries inside the client — retry is
// the Pipeline Driver's decision (spec.md §4.1).
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// SubmitTimeout bounds a submit call.
	SubmitTimeout = 30 * time.Second
	// QueryTimeout bounds a query call.
	QueryTimeout = 10 * time.Second
	// TTSTimeout bounds a TTS invocation; long-form synthesis can run minutes.
	TTSTimeout = 20 * time.Minute

	// minTTSBytes is the undersized-response floor from spec.md §4.1.
	minTTSBytes = 10 * 1024
)

// Phase is the decoded query status, independent of models.Phase (the task
// state machine); it is the raw backend-reported stage of one submission.
type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseProcessing Phase = "processing"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
)

// decodePhase maps the backend's fixed integer status to Phase. Unknown
// codes map to PhaseProcessing rather than erroring, per spec.md §4.1.
func decodePhase(status int) Phase {
	switch status {
	case 0:
		return PhasePending
	case 1:
		return PhaseProcessing
	case 2:
		return PhaseCompleted
	case 3:
		return PhaseFailed
	default:
		return PhaseProcessing
	}
}

// SubmitOptions is the fixed set of knobs the inference backend accepts.
type SubmitOptions struct {
	SuperRes  int
	Watermark int
	PN        int
}

// QueryResult is the decoded reply of a query call.
type QueryResult struct {
	Phase            Phase
	ProgressPct      int
	ResultDescriptor string
	ErrorMessage     string
}

// Client talks to one inference backend instance and its paired TTS
// instance. A Client is stateless beyond its *http.Client; callers pass the
// target addresses on every call since they are bound per-GPU, not per-Client.
type Client struct {
	http *http.Client
}

// New builds a Client. The shared *http.Client carries no default Timeout
// field since each call sets its own context deadline per spec.md's three
// distinct budgets.
func New() *Client {
	return &Client{http: &http.Client{}}
}

type submitRequest struct {
	AudioURL        string `json:"audio_url"`
	VideoURL        string `json:"video_url"`
	Code            string `json:"code"`
	Chaofen         int    `json:"chaofen"`
	WatermarkSwitch int    `json:"watermark_switch"`
	PN              int    `json:"pn"`
}

type submitResponse struct {
	Success bool   `json:"success"`
	Message string `json:"msg"`
}

// Submit posts a job to the inference backend's /easy/submit. Paths must
// already be container-visible (see internal/staging). Any HTTP ≥400 or a
// missing success flag is a rejection, never an error return on its own —
// the caller inspects the bool.
func (c *Client) Submit(ctx context.Context, inferenceAddr, taskCode, containerVideoPath, containerAudioPath string, opts SubmitOptions) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, SubmitTimeout)
	defer cancel()

	body, err := json.Marshal(submitRequest{
		AudioURL:        containerAudioPath,
		VideoURL:        containerVideoPath,
		Code:            taskCode,
		Chaofen:         opts.SuperRes,
		WatermarkSwitch: opts.Watermark,
		PN:              opts.PN,
	})
	if err != nil {
		return false, fmt.Errorf("encode submit request: %w", err)
	}

	url := fmt.Sprintf("http://%s/easy/submit", inferenceAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("submit transport error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return false, nil
	}

	var decoded submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return false, nil
	}
	return decoded.Success, nil
}

type queryEnvelope struct {
	Data struct {
		Status   int    `json:"status"`
		Progress int    `json:"progress"`
		Result   string `json:"result"`
		Msg      string `json:"msg"`
	} `json:"data"`
}

// Query polls /easy/query?code=. A transport error or HTTP ≥400 returns an
// error the caller treats as a single QueryTransient occurrence; it does
// not retry internally.
func (c *Client) Query(ctx context.Context, inferenceAddr, taskCode string) (QueryResult, error) {
	ctx, cancel := context.WithTimeout(ctx, QueryTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s/easy/query?code=%s", inferenceAddr, taskCode)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return QueryResult{}, fmt.Errorf("build query request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return QueryResult{}, fmt.Errorf("query transport error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return QueryResult{}, fmt.Errorf("query returned status %d", resp.StatusCode)
	}

	var env queryEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return QueryResult{}, fmt.Errorf("decode query response: %w", err)
	}

	return QueryResult{
		Phase:            decodePhase(env.Data.Status),
		ProgressPct:      env.Data.Progress,
		ResultDescriptor: env.Data.Result,
		ErrorMessage:     env.Data.Msg,
	}, nil
}

type ttsRequest struct {
	Text            string `json:"text"`
	ReferenceAudio  string `json:"reference_audio"`
	ReferenceText   string `json:"reference_text"`
	Format          string `json:"format"`
}

// TTSInvoke posts to /v1/invoke on the given TTS port and returns raw audio
// bytes. A non-200 response, an undersized body (<10KB), or a transport
// error are all reported as an error; the Pipeline Driver is responsible for
// falling back to the reference audio, never this client.
func (c *Client) TTSInvoke(ctx context.Context, ttsAddr, text, referenceAudioContainerPath, format string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, TTSTimeout)
	defer cancel()

	body, err := json.Marshal(ttsRequest{
		Text:           text,
		ReferenceAudio: referenceAudioContainerPath,
		Format:         format,
	})
	if err != nil {
		return nil, fmt.Errorf("encode tts request: %w", err)
	}

	url := fmt.Sprintf("http://%s/v1/invoke", ttsAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts transport error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tts returned status %d", resp.StatusCode)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read tts response: %w", err)
	}
	if len(audio) < minTTSBytes {
		return nil, fmt.Errorf("tts response undersized: %d bytes", len(audio))
	}
	return audio, nil
}

// UnloadTTS optionally releases VRAM between tasks via /v1/unload. Best
// effort: a failure here never affects task outcome.
func (c *Client) UnloadTTS(ctx context.Context, ttsAddr string) {
	ctx, cancel := context.WithTimeout(ctx, QueryTimeout)
	defer cancel()
	url := fmt.Sprintf("http://%s/v1/unload", ttsAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
}
