// Package api is the thin gin-gonic HTTP surface described in spec.md §6:
// accept a task, poll its status, and an admin reset. It holds no business
// logic of its own — every handler is a direct call into engine.Engine or
// pipeline.Driver. Grounded on the teacher's cmd/api handlers for the
// gin routing and JSON-response idiom.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lipsyncops/orchestrator/internal/avatar"
	"github.com/lipsyncops/orchestrator/internal/engine"
	"github.com/lipsyncops/orchestrator/internal/logging"
	"github.com/lipsyncops/orchestrator/internal/metrics"
	"github.com/lipsyncops/orchestrator/internal/middleware"
	"github.com/lipsyncops/orchestrator/internal/pipeline"
	"github.com/lipsyncops/orchestrator/internal/task"
	"github.com/lipsyncops/orchestrator/pkg/models"
)

// API wires the three HTTP endpoints to the engine and pipeline driver.
type API struct {
	engine     *engine.Engine
	driver     *pipeline.Driver
	resolver   *avatar.Resolver
	log        *logging.Logger
	outputsDir string
}

// New builds an API. outputsDir is mounted read-only under /outputs so a
// completed task's output_url is actually fetchable.
func New(eng *engine.Engine, driver *pipeline.Driver, resolver *avatar.Resolver, log *logging.Logger, outputsDir string) *API {
	return &API{engine: eng, driver: driver, resolver: resolver, log: log, outputsDir: outputsDir}
}

// Router assembles the gin engine: request logging, per-IP rate limiting
// on the accept route, the three handlers plus /health, and a static
// /outputs mount when outputsDir is set.
func (a *API) Router(rl *middleware.RateLimiter) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.Logger())

	router.GET("/health", a.health)

	router.POST("/tasks", middleware.RateLimit(rl), a.acceptTask)
	router.GET("/tasks/:id", a.getTask)
	router.POST("/admin/reset", a.adminReset)

	if a.outputsDir != "" {
		router.Static("/outputs", a.outputsDir)
	}

	return router
}

func (a *API) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

type acceptRequest struct {
	Text           string `json:"text" binding:"required"`
	VideoPath      string `json:"video_path"`
	ReferenceAudio string `json:"reference_audio"`
	AvatarID       string `json:"avatar_id"`
	SuperRes       int    `json:"chaofen"`
	Watermark      int    `json:"watermark_switch"`
	PN             int    `json:"pn"`
	Chunked        bool   `json:"chunked"`
}

// acceptTask implements spec.md §6's accept operation: build a Task, resolve
// an avatar if given, then hand it to the engine/driver and return its
// status URL immediately — the pipeline runs asynchronously.
func (a *API) acceptTask(c *gin.Context) {
	var req acceptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t := &models.Task{
		ID:             task.NewID(),
		Text:           req.Text,
		VideoPath:      req.VideoPath,
		ReferenceAudio: req.ReferenceAudio,
		AvatarID:       req.AvatarID,
		Options: models.Options{
			SuperRes:  req.SuperRes,
			Watermark: req.Watermark,
			PN:        req.PN,
		},
	}

	if t.AvatarID != "" && a.resolver != nil {
		videoPath, audioPath, err := a.resolver.Stage(c.Request.Context(), t.AvatarID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown avatar_id: " + err.Error()})
			return
		}
		t.VideoPath = videoPath
		t.ReferenceAudio = audioPath
	}

	a.engine.Accept(t)
	metrics.RecordTaskAccepted()

	ctx := context.Background()
	if req.Chunked {
		a.driver.StartChunked(ctx, t)
	} else {
		a.driver.Start(ctx, t)
	}

	c.JSON(http.StatusAccepted, gin.H{
		"id":         t.ID,
		"phase":      t.Phase,
		"status_url": t.StatusURL(),
	})
}

// getTask implements spec.md §6's status poll.
func (a *API) getTask(c *gin.Context) {
	id := c.Param("id")
	t, ok := a.engine.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}

	resp := gin.H{
		"id":             t.ID,
		"phase":          t.Phase,
		"progress_pct":   t.Progress,
		"queued_at":      t.QueuedAt.Format(time.RFC3339),
		"tts_degraded":   t.TTSDegraded,
		"chunk_degraded": t.ChunkDegraded,
		"timing":         t.Timing,
	}
	if !t.Phase.Terminal() && t.Phase == models.PhaseQueued {
		resp["queue_position"] = a.engine.QueuePosition(t.ID)
	}
	if t.Phase == models.PhaseCompleted {
		resp["output_url"] = t.OutputURL
	}
	if t.Phase.Terminal() && t.ErrorKind != "" {
		resp["error_kind"] = t.ErrorKind
		resp["error"] = t.ErrorMessage
	}

	c.JSON(http.StatusOK, resp)
}

// adminReset implements spec.md §6's administrative reset: fail every
// in-flight task and free every GPU slot.
func (a *API) adminReset(c *gin.Context) {
	n := a.engine.Reset()
	if a.log != nil {
		a.log.Warn("admin reset invoked via HTTP")
	}
	c.JSON(http.StatusOK, gin.H{"tasks_reset": n})
}
