package taskerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKind(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ValidationError, "ValidationError"},
		{fmt.Errorf("wrapped: %w", ValidationError), "ValidationError"},
		{ExtractionError, "ExtractionError"},
		{ProbeError, "ProbeError"},
		{TtsError, "TtsError"},
		{StagingError, "StagingError"},
		{SubmitRejected, "SubmitRejected"},
		{QueryTransient, "QueryTransient"},
		{BackendFailed, "BackendFailed"},
		{OutputMissing, "OutputMissing"},
		{OutputTooSmall, "OutputTooSmall"},
		{Timeout, "Timeout"},
		{ConcatFailure, "ConcatFailure"},
		{AdminReset, "AdminReset"},
		{errors.New("something else"), "UnknownError"},
	}

	for _, c := range cases {
		if got := Kind(c.err); got != c.want {
			t.Errorf("Kind(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}

func TestKind_ErrorsIsThroughMultipleWraps(t *testing.T) {
	err := fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", BackendFailed))
	if got := Kind(err); got != "BackendFailed" {
		t.Errorf("expected BackendFailed through double wrap, got %q", got)
	}
}
