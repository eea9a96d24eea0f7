// Package taskerr defines the task error-kind taxonomy. Kinds are sentinel
// values, not types: a call site wraps one with fmt.Errorf("...: %w", Kind)
// and callers higher up compare with errors.Is, never a type assertion.
package taskerr

import "errors"

var (
	// ValidationError is raised at accept time for missing required input.
	ValidationError = errors.New("validation error")
	// ExtractionError marks a failed reference-audio extraction.
	ExtractionError = errors.New("audio extraction failed")
	// ProbeError marks a duration probe that produced no duration.
	ProbeError = errors.New("duration probe failed")
	// TtsError marks a TTS call that failed, was too small, or timed out
	// transport-side; it is always recovered inline via fallback, never
	// surfaced as a terminal task outcome by itself.
	TtsError = errors.New("tts call failed")
	// StagingError marks a failed file copy or staging directory creation.
	StagingError = errors.New("staging failed")
	// SubmitRejected marks a backend submit that did not report success.
	SubmitRejected = errors.New("backend rejected submission")
	// QueryTransient marks a single failed query poll; recovered by retry
	// unless it recurs five times consecutively.
	QueryTransient = errors.New("query transient failure")
	// BackendFailed marks a backend-reported terminal failure (status 3).
	BackendFailed = errors.New("backend reported failure")
	// OutputMissing marks a backend-reported completion with no output
	// file materializing within the grace window.
	OutputMissing = errors.New("output file missing after completion")
	// OutputTooSmall marks a stabilized output below the final size floor.
	OutputTooSmall = errors.New("output file too small")
	// Timeout marks an inference deadline exceeded while monitoring.
	Timeout = errors.New("inference timeout")
	// ConcatFailure marks a chunked merge whose both encode attempts failed.
	ConcatFailure = errors.New("chunk concatenation failed")
	// AdminReset marks a task terminated by an administrative reset.
	AdminReset = errors.New("admin reset")
)

// Kind returns the string surfaced to clients on the status endpoint,
// the taxonomy's name rather than its wrapped message text.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ValidationError):
		return "ValidationError"
	case errors.Is(err, ExtractionError):
		return "ExtractionError"
	case errors.Is(err, ProbeError):
		return "ProbeError"
	case errors.Is(err, TtsError):
		return "TtsError"
	case errors.Is(err, StagingError):
		return "StagingError"
	case errors.Is(err, SubmitRejected):
		return "SubmitRejected"
	case errors.Is(err, QueryTransient):
		return "QueryTransient"
	case errors.Is(err, BackendFailed):
		return "BackendFailed"
	case errors.Is(err, OutputMissing):
		return "OutputMissing"
	case errors.Is(err, OutputTooSmall):
		return "OutputTooSmall"
	case errors.Is(err, Timeout):
		return "Timeout"
	case errors.Is(err, ConcatFailure):
		return "ConcatFailure"
	case errors.Is(err, AdminReset):
		return "AdminReset"
	default:
		return "UnknownError"
	}
}
