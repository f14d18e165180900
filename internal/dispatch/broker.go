package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rachitjindal56/mini-studio/shared/logger"
	"github.com/rachitjindal56/mini-studio/shared/rabbitmq"
)

// dispatchMessage is the wire format on the broker queue.
type dispatchMessage struct {
	JobID string `json:"job_id"`
}

// Broker is the RabbitMQ-backed Queue. Publishers and consumers are
// separate processes sharing the same exchange and queue declaration.
type Broker struct {
	client *rabbitmq.Client
	log    *logger.Logger

	startOnce sync.Once
	closeOnce sync.Once
	tasks     chan Task
	done      chan struct{}
}

func NewBroker(client *rabbitmq.Client, log *logger.Logger) *Broker {
	return &Broker{
		client: client,
		log:    log,
		tasks:  make(chan Task),
		done:   make(chan struct{}),
	}
}

func (b *Broker) Publish(ctx context.Context, jobID string) error {
	body, err := json.Marshal(dispatchMessage{JobID: jobID})
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch message: %w", err)
	}
	return b.client.Publish(ctx, body, "application/json")
}

// Tasks starts the consumer on first call and bridges broker deliveries
// into Task values. Malformed deliveries are rejected without requeue.
func (b *Broker) Tasks() <-chan Task {
	b.startOnce.Do(func() {
		deliveries, err := b.client.Consume("dispatcher")
		if err != nil {
			b.log.Error("Failed to start broker consumer",
				slog.Any("error", err))
			close(b.tasks)
			return
		}
		go b.bridge(deliveries)
	})
	return b.tasks
}

func (b *Broker) bridge(deliveries <-chan amqp.Delivery) {
	defer close(b.tasks)

	for {
		select {
		case <-b.done:
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}

			task, err := b.taskFromDelivery(delivery)
			if err != nil {
				b.log.Warn("Dropping malformed dispatch message",
					slog.Any("error", err))
				_ = delivery.Nack(false, false)
				continue
			}

			select {
			case b.tasks <- task:
			case <-b.done:
				_ = delivery.Nack(false, true)
				return
			}
		}
	}
}

func (b *Broker) taskFromDelivery(delivery amqp.Delivery) (Task, error) {
	var msg dispatchMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		return Task{}, fmt.Errorf("failed to unmarshal dispatch message: %w", err)
	}
	if _, err := uuid.Parse(msg.JobID); err != nil {
		return Task{}, fmt.Errorf("invalid job id %q: %w", msg.JobID, err)
	}

	return Task{
		JobID: msg.JobID,
		Ack: func() {
			_ = delivery.Ack(false)
		},
		Nack: func(requeue bool) {
			_ = delivery.Nack(false, requeue)
		},
	}, nil
}

func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
	})
	return b.client.Close()
}
