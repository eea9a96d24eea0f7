// Package webhook delivers task lifecycle notifications to client-registered
// URLs. Generalized from the teacher's webhook.Service: the same HMAC
// signature and exponential-backoff retry table, but backed by an in-memory
// pending list instead of a Repository, since durable storage of task
// history beyond process lifetime is an explicit Non-goal.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lipsyncops/orchestrator/internal/logging"
	"github.com/lipsyncops/orchestrator/pkg/models"
)

// Event names published on task lifecycle transitions.
const (
	EventTaskStarted   = "task.started"
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"
	EventTaskProgress  = "task.progress"
)

// Endpoint is one client-registered webhook target.
type Endpoint struct {
	URL    string
	Secret string
}

type pendingDelivery struct {
	endpoint   Endpoint
	event      string
	payload    []byte
	retryCount int
	nextRetry  time.Time
}

// Service handles webhook delivery and retry logic for a fixed set of
// process-lifetime endpoints.
type Service struct {
	client    *http.Client
	log       *logging.Logger
	endpoints []Endpoint

	mu      sync.Mutex
	pending []*pendingDelivery
}

// retryDelays mirrors the teacher's backoff table: 1min, 5min, 15min, 1hr,
// 4hr, 12hr; after these are exhausted a delivery is dropped.
var retryDelays = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
	4 * time.Hour,
	12 * time.Hour,
}

// NewService creates a webhook service with a static endpoint set taken from
// configuration.
func NewService(log *logging.Logger, endpoints []Endpoint) *Service {
	return &Service{
		client:    &http.Client{Timeout: 30 * time.Second},
		log:       log,
		endpoints: endpoints,
	}
}

// Notify fires event for every registered endpoint in the background.
func (s *Service) Notify(ctx context.Context, event string, data interface{}) {
	if len(s.endpoints) == 0 {
		return
	}

	payload := struct {
		Event     string      `json:"event"`
		Timestamp time.Time   `json:"timestamp"`
		Data      interface{} `json:"data"`
	}{Event: event, Timestamp: time.Now(), Data: data}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		if s.log != nil {
			s.log.ErrorWithErr("failed to marshal webhook payload", err)
		}
		return
	}

	for _, ep := range s.endpoints {
		go s.deliver(context.Background(), ep, event, payloadBytes, 0)
	}
}

// NotifyTaskStarted, NotifyTaskCompleted, NotifyTaskFailed, NotifyTaskProgress
// are thin wrappers mirroring the teacher's Notify<Event> convenience methods.
func (s *Service) NotifyTaskStarted(ctx context.Context, t *models.Task) {
	s.Notify(ctx, EventTaskStarted, t)
}

func (s *Service) NotifyTaskCompleted(ctx context.Context, t *models.Task) {
	s.Notify(ctx, EventTaskCompleted, t)
}

func (s *Service) NotifyTaskFailed(ctx context.Context, t *models.Task) {
	s.Notify(ctx, EventTaskFailed, t)
}

func (s *Service) NotifyTaskProgress(ctx context.Context, t *models.Task) {
	s.Notify(ctx, EventTaskProgress, t)
}

func (s *Service) deliver(ctx context.Context, ep Endpoint, event string, payload []byte, retryCount int) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		s.scheduleRetry(ep, event, payload, retryCount)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "lipsync-orchestrator-webhook/1.0")
	req.Header.Set("X-Webhook-Event", event)
	req.Header.Set("X-Webhook-Delivery", uuid.New().String())
	if ep.Secret != "" {
		req.Header.Set("X-Webhook-Signature", s.generateSignature(payload, ep.Secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.scheduleRetry(ep, event, payload, retryCount)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.scheduleRetry(ep, event, payload, retryCount)
	}
}

func (s *Service) scheduleRetry(ep Endpoint, event string, payload []byte, retryCount int) {
	retryCount++
	if retryCount > len(retryDelays) {
		if s.log != nil {
			s.log.Warn(fmt.Sprintf("webhook delivery to %s abandoned after %d retries", ep.URL, retryCount-1))
		}
		return
	}

	s.mu.Lock()
	s.pending = append(s.pending, &pendingDelivery{
		endpoint:   ep,
		event:      event,
		payload:    payload,
		retryCount: retryCount,
		nextRetry:  time.Now().Add(retryDelays[retryCount-1]),
	})
	s.mu.Unlock()
}

func (s *Service) generateSignature(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// RetryWorker processes pending webhook deliveries on a 1-minute tick, the
// same cadence as the teacher's RetryWorker.
func (s *Service) RetryWorker(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.retryPendingDeliveries(ctx)
		}
	}
}

func (s *Service) retryPendingDeliveries(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	var due []*pendingDelivery
	var remaining []*pendingDelivery
	for _, d := range s.pending {
		if now.Before(d.nextRetry) {
			remaining = append(remaining, d)
			continue
		}
		due = append(due, d)
	}
	s.pending = remaining
	s.mu.Unlock()

	for _, d := range due {
		go s.deliver(ctx, d.endpoint, d.event, d.payload, d.retryCount)
	}
}
