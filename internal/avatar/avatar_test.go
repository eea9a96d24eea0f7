package avatar

import (
	"context"
	"testing"

	"github.com/lipsyncops/orchestrator/pkg/models"
)

// These exercise the Resolver against a live Postgres + object store, which
// is not available in this test environment. Structured the way the
// teacher's repository_phase5_test.go leaves its integration tests: skipped,
// with the shape a real database/storage fixture would drive.
func TestResolver_Get(t *testing.T) {
	t.Skip("requires a live database connection")

	ctx := context.Background()
	var r *Resolver

	avatar, err := r.Get(ctx, "avatar-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if avatar.ID != "avatar-1" {
		t.Errorf("expected id avatar-1, got %s", avatar.ID)
	}
}

func TestResolver_Stage(t *testing.T) {
	t.Skip("requires a live database and object store connection")

	ctx := context.Background()
	var r *Resolver

	videoPath, audioPath, err := r.Stage(ctx, "avatar-1")
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if videoPath == "" || audioPath == "" {
		t.Error("expected non-empty staged paths")
	}
}

func TestResolver_List(t *testing.T) {
	t.Skip("requires a live database connection")

	ctx := context.Background()
	var r *Resolver

	avatars, err := r.List(ctx, 10, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(avatars) == 0 {
		t.Error("expected at least one avatar")
	}
}

// Avatar is a plain data shape; validate its zero-cost invariants directly.
func TestAvatar_Shape(t *testing.T) {
	a := models.Avatar{ID: "avatar-1", VideoKey: "avatars/1/video.mp4", AudioKey: "avatars/1/audio.wav"}
	if a.ID == "" || a.VideoKey == "" || a.AudioKey == "" {
		t.Error("expected all avatar fields to be populated")
	}
}
