// Package avatar resolves an avatar_id (spec.md §6) to its reference video
// and audio blobs: a lookup row in Postgres plus a fetch from the asset
// bucket to local disk, so the Pipeline Driver's preprocessing stage has
// something to extract reference audio from. This is the one deliberately
// thin seam into the named-out-of-scope avatar library store (spec.md §1
// Non-goals) — no upload, versioning, or tagging lives here.
//
// Grounded on the teacher's database.Repository (CRUD query shape) and
// storage.Storage.DownloadFile (blob-to-disk fetch).
package avatar

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/jackc/pgx/v5"

	"github.com/lipsyncops/orchestrator/internal/database"
	"github.com/lipsyncops/orchestrator/internal/storage"
	"github.com/lipsyncops/orchestrator/pkg/models"
)

// Resolver looks up avatars and stages their blobs to local disk.
type Resolver struct {
	db      *database.DB
	storage *storage.Storage
	tempDir string
}

// New builds a Resolver.
func New(db *database.DB, st *storage.Storage, tempDir string) *Resolver {
	return &Resolver{db: db, storage: st, tempDir: tempDir}
}

// Get retrieves an avatar's object keys by ID.
func (r *Resolver) Get(ctx context.Context, id string) (*models.Avatar, error) {
	var a models.Avatar

	query := `SELECT id, video_key, audio_key FROM avatars WHERE id = $1`
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(&a.ID, &a.VideoKey, &a.AudioKey)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("avatar not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get avatar: %w", err)
	}

	return &a, nil
}

// Stage resolves the avatar and fetches its reference video and audio blobs
// to local disk, returning their host paths for the Pipeline Driver's
// preprocessing stage.
func (r *Resolver) Stage(ctx context.Context, id string) (videoPath, audioPath string, err error) {
	a, err := r.Get(ctx, id)
	if err != nil {
		return "", "", err
	}

	videoPath = filepath.Join(r.tempDir, id+"_avatar_video"+filepath.Ext(a.VideoKey))
	if err := r.storage.DownloadFile(ctx, a.VideoKey, videoPath); err != nil {
		return "", "", fmt.Errorf("failed to stage avatar video: %w", err)
	}

	audioPath = filepath.Join(r.tempDir, id+"_avatar_audio"+filepath.Ext(a.AudioKey))
	if err := r.storage.DownloadFile(ctx, a.AudioKey, audioPath); err != nil {
		return "", "", fmt.Errorf("failed to stage avatar audio: %w", err)
	}

	return videoPath, audioPath, nil
}

// List retrieves avatars with pagination, for an admin listing endpoint.
func (r *Resolver) List(ctx context.Context, limit, offset int) ([]*models.Avatar, error) {
	query := `SELECT id, video_key, audio_key FROM avatars ORDER BY id LIMIT $1 OFFSET $2`

	rows, err := r.db.Pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list avatars: %w", err)
	}
	defer rows.Close()

	var avatars []*models.Avatar
	for rows.Next() {
		var a models.Avatar
		if err := rows.Scan(&a.ID, &a.VideoKey, &a.AudioKey); err != nil {
			return nil, fmt.Errorf("failed to scan avatar: %w", err)
		}
		avatars = append(avatars, &a)
	}

	return avatars, nil
}
