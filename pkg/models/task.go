package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Phase is a task's position in the state machine of SPEC_FULL.md §7/§4.4.
type Phase string

const (
	PhaseAccepted     Phase = "accepted"
	PhasePreprocessing Phase = "preprocessing"
	PhaseQueued       Phase = "queued"
	PhaseReserving    Phase = "reserving"
	PhaseTTS          Phase = "tts"
	PhaseSubmitting   Phase = "submitting"
	PhaseInference    Phase = "inference"
	PhaseMonitoring   Phase = "monitoring"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
	PhaseTimeout      Phase = "timeout"
)

// Terminal reports whether p is one of the terminal phases.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseTimeout:
		return true
	default:
		return false
	}
}

// Options is the fixed set of knobs the inference backend accepts on submit.
type Options struct {
	SuperRes  int `json:"chaofen"`
	Watermark int `json:"watermark_switch"`
	PN        int `json:"pn"`
}

// Timing records per-stage durations, surfaced on the status endpoint.
type Timing struct {
	TTSSeconds       float64 `json:"tts_s,omitempty"`
	InferenceSeconds float64 `json:"inference_s,omitempty"`
	TotalSeconds     float64 `json:"total_s,omitempty"`
}

// Task is one client request moving through the pipeline. A Task is owned
// exclusively by the engine's table; a Pipeline Driver run holds a borrowed
// handle to it for the duration of its work.
type Task struct {
	ID string `json:"id" db:"id"`

	Text             string `json:"text"`
	VideoPath        string `json:"video_path,omitempty"`
	ReferenceAudio   string `json:"reference_audio,omitempty"`
	GeneratedAudio   string `json:"generated_audio,omitempty"`
	AvatarID         string `json:"avatar_id,omitempty"`
	Options          Options `json:"options"`

	GPUID     int  `json:"gpu_id,omitempty"`
	HasGPU    bool `json:"-"`
	Phase     Phase `json:"phase"`
	Progress  int   `json:"progress_pct"`

	QueuedAt      time.Time  `json:"queued_at"`
	ReservedAt    *time.Time `json:"reserved_at,omitempty"`
	TTSStartedAt  *time.Time `json:"-"`
	TTSDoneAt     *time.Time `json:"-"`
	InferenceAt   *time.Time `json:"inference_started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`

	Timing Timing `json:"timing"`

	TTSDegraded    bool   `json:"tts_degraded,omitempty"`
	ChunkDegraded  bool   `json:"chunk_degraded,omitempty"`
	ErrorKind      string `json:"error_kind,omitempty"`
	ErrorMessage   string `json:"error,omitempty"`
	OutputPath     string `json:"-"`
	OutputURL      string `json:"output_url,omitempty"`

	Chunks []Chunk `json:"chunks,omitempty"`
}

// StatusURL is the path the accept response hands back to the client.
func (t *Task) StatusURL() string {
	return "/tasks/" + t.ID
}

// Value implements driver.Valuer so Options can round-trip through a
// jsonb column if a caller chooses to persist a Task snapshot.
func (o Options) Value() (driver.Value, error) {
	return json.Marshal(o)
}

// Scan implements sql.Scanner for Options.
func (o *Options) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, o)
}
