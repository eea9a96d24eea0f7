// Command server is the single process entrypoint: it owns the GPU
// Registry, the Task Engine, the Pipeline Driver, and the HTTP surface in
// one address space. The original teacher split an API process from a
// worker process connected by RabbitMQ; this system has no such split since
// the scheduler, the dispatcher, and the per-task pipeline all share one
// in-memory GPU Registry (spec.md §5) that a second process could not see.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/lipsyncops/orchestrator/internal/api"
	"github.com/lipsyncops/orchestrator/internal/avatar"
	"github.com/lipsyncops/orchestrator/internal/backend"
	"github.com/lipsyncops/orchestrator/internal/cache"
	"github.com/lipsyncops/orchestrator/internal/config"
	"github.com/lipsyncops/orchestrator/internal/database"
	"github.com/lipsyncops/orchestrator/internal/engine"
	"github.com/lipsyncops/orchestrator/internal/events"
	"github.com/lipsyncops/orchestrator/internal/logging"
	"github.com/lipsyncops/orchestrator/internal/middleware"
	"github.com/lipsyncops/orchestrator/internal/pipeline"
	"github.com/lipsyncops/orchestrator/internal/registry"
	"github.com/lipsyncops/orchestrator/internal/staging"
	"github.com/lipsyncops/orchestrator/internal/storage"
	"github.com/lipsyncops/orchestrator/internal/tracing"
	"github.com/lipsyncops/orchestrator/internal/webhook"
	"github.com/lipsyncops/orchestrator/pkg/models"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.NewDefaultLogger()
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}

	if _, tracerCloser, err := tracing.InitTracer(cfg.Tracing.ServiceName, cfg.Tracing.JaegerEndpoint); err != nil {
		logger.Warn(fmt.Sprintf("tracing disabled: %v", err))
	} else {
		defer tracerCloser.Close()
	}

	db, err := database.New(cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	stor, err := storage.New(cfg.Storage)
	if err != nil {
		log.Fatalf("failed to init storage: %v", err)
	}

	rdb, err := cache.NewCache(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	evPublisher, err := events.New(cfg.Queue)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer evPublisher.Close()

	webhookEndpoints := make([]webhook.Endpoint, 0, len(cfg.Webhooks))
	for _, w := range cfg.Webhooks {
		webhookEndpoints = append(webhookEndpoints, webhook.Endpoint{URL: w.URL, Secret: w.Secret})
	}
	webhookSvc := webhook.NewService(logger, webhookEndpoints)
	go webhookSvc.RetryWorker(context.Background())

	notifier := multiNotifier{webhook: webhookSvc, events: evPublisher}

	slots := make([]models.GPUSlot, 0, len(cfg.GPUs))
	for _, g := range cfg.GPUs {
		slots = append(slots, models.GPUSlot{
			ID:            g.ID,
			InferenceAddr: g.InferenceAddr,
			TTSAddr:       g.TTSAddr,
			StagingDir:    g.StagingDir,
		})
	}
	reg := registry.New(logger, slots)
	reg.SetCache(rdb)

	bc := backend.New()
	st := staging.New(cfg.Backend.FFmpegPath, cfg.Backend.FFprobePath)
	st.SetCache(rdb)
	avatarResolver := avatar.New(db, stor, cfg.Pipeline.TempDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := engine.New(ctx, reg, nil, logger, engine.Config{MaxTerminalTasks: cfg.Pipeline.MaxTerminalTasks})

	driver := pipeline.New(reg, eng, bc, st, logger, notifier, pipeline.Config{
		ChunkCount:          cfg.Pipeline.ChunkCount,
		ChunkReserveWait:    cfg.Pipeline.ChunkReserveWait,
		InferenceTimeout:    cfg.Pipeline.InferenceTimeout,
		ChunkTimeout:        cfg.Pipeline.ChunkTimeout,
		MonitorPollInterval: cfg.Pipeline.MonitorPollInterval,
		OutputMissingGrace:  cfg.Pipeline.OutputMissingGrace,
		OutputsDir:          cfg.Pipeline.OutputsDir,
		TempDir:             cfg.Pipeline.TempDir,
		DefaultVideoPath:    cfg.Pipeline.DefaultVideoPath,
		DefaultAudioPath:    cfg.Pipeline.DefaultAudioPath,
	})
	eng.SetStarter(driver)

	httpAPI := api.New(eng, driver, avatarResolver, logger, cfg.Pipeline.OutputsDir)
	rl := middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	router := httpAPI.Router(rl)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info(fmt.Sprintf("starting server on %s", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("server forced to shutdown: %v", err)
	}

	driver.Wait()
	logger.Info("server stopped")
}

// multiNotifier fans a lifecycle event out to both the webhook service and
// the AMQP publisher, so a client-registered endpoint and the upload
// plug-ins both observe the same transitions.
type multiNotifier struct {
	webhook *webhook.Service
	events  *events.Publisher
}

func (m multiNotifier) NotifyTaskStarted(ctx context.Context, t *models.Task) {
	m.webhook.NotifyTaskStarted(ctx, t)
	m.events.NotifyTaskStarted(ctx, t)
}

func (m multiNotifier) NotifyTaskCompleted(ctx context.Context, t *models.Task) {
	m.webhook.NotifyTaskCompleted(ctx, t)
	m.events.NotifyTaskCompleted(ctx, t)
}

func (m multiNotifier) NotifyTaskFailed(ctx context.Context, t *models.Task) {
	m.webhook.NotifyTaskFailed(ctx, t)
	m.events.NotifyTaskFailed(ctx, t)
}

func (m multiNotifier) NotifyTaskProgress(ctx context.Context, t *models.Task) {
	m.webhook.NotifyTaskProgress(ctx, t)
	m.events.NotifyTaskProgress(ctx, t)
}
