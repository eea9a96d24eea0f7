// Package events publishes task lifecycle notifications onto a durable
// RabbitMQ exchange, replacing the original's fire-and-forget
// subprocess.Popen(['python3', uploader_script, ...]) auto-upload trigger
// (original_source/webapp/gpu_scheduler.py) with a message the (out-of-
// scope) upload plug-ins can consume independently of the core. Generalized
// from the teacher's queue.Queue (internal/queue/queue.go): same
// exchange/queue declare and durable-publish shape, publish-only since this
// package has no worker consumer of its own.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/lipsyncops/orchestrator/internal/config"
	"github.com/lipsyncops/orchestrator/pkg/models"
)

const (
	QueueName    = "task_lifecycle"
	ExchangeName = "orchestrator"
)

// Event names mirror the webhook package's, published on the same
// transitions so both channels stay in lockstep.
const (
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
)

// Publisher publishes task lifecycle events to the exchange.
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// New connects to RabbitMQ and declares the lifecycle exchange/queue.
func New(cfg config.QueueConfig) (*Publisher, error) {
	url := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Vhost)

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := channel.ExchangeDeclare(ExchangeName, "direct", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	if _, err := channel.QueueDeclare(QueueName, true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := channel.QueueBind(QueueName, QueueName, ExchangeName, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	return &Publisher{conn: conn, channel: channel}, nil
}

// Close tears down the channel and connection.
func (p *Publisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

type envelope struct {
	Event     string       `json:"event"`
	Task      *models.Task `json:"task"`
	Timestamp time.Time    `json:"timestamp"`
}

func (p *Publisher) publish(ctx context.Context, event string, t *models.Task) error {
	body, err := json.Marshal(envelope{Event: event, Task: t, Timestamp: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return p.channel.PublishWithContext(ctx,
		ExchangeName,
		QueueName,
		false, false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

// NotifyTaskStarted is a no-op for the AMQP channel: the upload plug-ins
// only care about terminal outcomes.
func (p *Publisher) NotifyTaskStarted(ctx context.Context, t *models.Task) {}

// NotifyTaskProgress is likewise a no-op; progress is webhook-only.
func (p *Publisher) NotifyTaskProgress(ctx context.Context, t *models.Task) {}

// NotifyTaskCompleted publishes task.completed.
func (p *Publisher) NotifyTaskCompleted(ctx context.Context, t *models.Task) {
	_ = p.publish(ctx, TaskCompleted, t)
}

// NotifyTaskFailed publishes task.failed.
func (p *Publisher) NotifyTaskFailed(ctx context.Context, t *models.Task) {
	_ = p.publish(ctx, TaskFailed, t)
}

// QueueDepth returns the number of undelivered messages, for observability.
func (p *Publisher) QueueDepth() (int, error) {
	info, err := p.channel.QueueInspect(QueueName)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue: %w", err)
	}
	return info.Messages, nil
}
