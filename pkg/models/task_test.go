package models

import (
	"testing"
)

func TestPhase_Terminal(t *testing.T) {
	terminal := []Phase{PhaseCompleted, PhaseFailed, PhaseTimeout}
	for _, p := range terminal {
		if !p.Terminal() {
			t.Errorf("expected %s to be terminal", p)
		}
	}

	nonTerminal := []Phase{PhaseAccepted, PhasePreprocessing, PhaseQueued, PhaseReserving, PhaseTTS, PhaseSubmitting, PhaseInference, PhaseMonitoring}
	for _, p := range nonTerminal {
		if p.Terminal() {
			t.Errorf("expected %s to not be terminal", p)
		}
	}
}

func TestTask_StatusURL(t *testing.T) {
	task := &Task{ID: "task_123_abcd"}
	if got := task.StatusURL(); got != "/tasks/task_123_abcd" {
		t.Errorf("expected /tasks/task_123_abcd, got %s", got)
	}
}

func TestOptions_ValueScan(t *testing.T) {
	opts := Options{SuperRes: 1, Watermark: 0, PN: 25}

	val, err := opts.Value()
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}

	bytes, ok := val.([]byte)
	if !ok {
		t.Fatalf("expected []byte, got %T", val)
	}

	var scanned Options
	if err := scanned.Scan(bytes); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if scanned != opts {
		t.Errorf("round-trip mismatch: got %+v, want %+v", scanned, opts)
	}
}

func TestOptions_ScanNil(t *testing.T) {
	var opts Options
	if err := opts.Scan(nil); err != nil {
		t.Errorf("Scan(nil) should not error, got %v", err)
	}
}
