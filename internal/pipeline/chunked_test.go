package pipeline

import (
	"errors"
	"testing"

	"github.com/lipsyncops/orchestrator/internal/registry"
	"github.com/lipsyncops/orchestrator/internal/taskerr"
	"github.com/lipsyncops/orchestrator/pkg/models"
)

func newFreeRegistry() *registry.Registry {
	return registry.New(nil, []models.GPUSlot{{ID: 0}})
}

func TestUniqueInts(t *testing.T) {
	cases := []struct {
		in   []int
		want []int
	}{
		{[]int{0, 1, 0, 2, 1}, []int{0, 1, 2}},
		{[]int{5}, []int{5}},
		{nil, nil},
	}

	for _, c := range cases {
		got := uniqueInts(c.in)
		if len(got) != len(c.want) {
			t.Fatalf("uniqueInts(%v) = %v, want %v", c.in, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Errorf("uniqueInts(%v) = %v, want %v", c.in, got, c.want)
			}
		}
	}
}

func TestErrKindFor(t *testing.T) {
	cases := []struct {
		kind string
		want error
	}{
		{"Timeout", taskerr.Timeout},
		{"SubmitRejected", taskerr.SubmitRejected},
		{"StagingError", taskerr.StagingError},
		{"BackendFailed", taskerr.BackendFailed},
		{"", taskerr.BackendFailed},
	}

	for _, c := range cases {
		if got := errKindFor(c.kind); !errors.Is(got, c.want) {
			t.Errorf("errKindFor(%q) = %v, want %v", c.kind, got, c.want)
		}
	}
}

func TestReserveWithWait_ImmediateSuccess(t *testing.T) {
	d := &Driver{reg: newFreeRegistry()}
	gpuID, ok := d.reserveWithWait("task-1", 0)
	if !ok {
		t.Fatal("expected immediate reservation to succeed")
	}
	if gpuID != 0 {
		t.Errorf("expected gpu 0, got %d", gpuID)
	}
}

func TestReserveWithWait_NoWaitFailsFast(t *testing.T) {
	reg := newFreeRegistry()
	reg.Reserve("holder") // only slot taken

	d := &Driver{reg: reg}
	_, ok := d.reserveWithWait("task-1", 0)
	if ok {
		t.Error("expected reservation to fail immediately with no wait window and no free slots")
	}
}
