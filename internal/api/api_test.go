package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/lipsyncops/orchestrator/internal/engine"
	"github.com/lipsyncops/orchestrator/internal/middleware"
	"github.com/lipsyncops/orchestrator/internal/registry"
	"github.com/lipsyncops/orchestrator/pkg/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestAPI(t *testing.T) (*API, *engine.Engine) {
	reg := registry.New(nil, []models.GPUSlot{{ID: 0}, {ID: 1}})
	eng := engine.New(context.Background(), reg, nil, nil, engine.Config{})
	a := New(eng, nil, nil, nil, "")
	return a, eng
}

func TestAPI_Health(t *testing.T) {
	a, _ := newTestAPI(t)
	rl := middleware.NewRateLimiter(100, 100)
	router := a.Router(rl)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestAPI_GetTask_NotFound(t *testing.T) {
	a, _ := newTestAPI(t)
	rl := middleware.NewRateLimiter(100, 100)
	router := a.Router(rl)

	req := httptest.NewRequest(http.MethodGet, "/tasks/missing", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestAPI_GetTask_Found(t *testing.T) {
	a, eng := newTestAPI(t)
	rl := middleware.NewRateLimiter(100, 100)
	router := a.Router(rl)

	task := &models.Task{ID: "t1", Phase: models.PhaseAccepted}
	eng.Accept(task)

	req := httptest.NewRequest(http.MethodGet, "/tasks/t1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["id"] != "t1" {
		t.Errorf("expected id t1, got %v", body["id"])
	}
}

func TestAPI_GetTask_CompletedIncludesOutputURL(t *testing.T) {
	a, eng := newTestAPI(t)
	rl := middleware.NewRateLimiter(100, 100)
	router := a.Router(rl)

	task := &models.Task{ID: "t1", Phase: models.PhaseCompleted, OutputURL: "/outputs/t1.mp4"}
	eng.Accept(task)
	task.Phase = models.PhaseCompleted

	req := httptest.NewRequest(http.MethodGet, "/tasks/t1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var body map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["output_url"] != "/outputs/t1.mp4" {
		t.Errorf("expected output_url to be surfaced, got %v", body["output_url"])
	}
}

func TestAPI_AdminReset(t *testing.T) {
	a, eng := newTestAPI(t)
	rl := middleware.NewRateLimiter(100, 100)
	router := a.Router(rl)

	task := &models.Task{ID: "t1"}
	eng.Accept(task)
	eng.TryReserve(task)

	req := httptest.NewRequest(http.MethodPost, "/admin/reset", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var body map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["tasks_reset"].(float64) != 1 {
		t.Errorf("expected 1 task reset, got %v", body["tasks_reset"])
	}
}

func TestAPI_AcceptTask_RejectsMissingText(t *testing.T) {
	a, _ := newTestAPI(t)
	rl := middleware.NewRateLimiter(100, 100)
	router := a.Router(rl)

	req := httptest.NewRequest(http.MethodPost, "/tasks", nil)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a body with no text field, got %d", w.Code)
	}
}
