package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"wa-summary-bot/internal/domain"
	"wa-summary-bot/internal/infra/metrics"
)

const defaultPollInterval = time.Second

// RabbitSummaryQueue реализует очередь задач поверх AMQP.
type RabbitSummaryQueue struct {
	conn         *amqp.Connection
	channel      *amqp.Channel
	queue        string
	pollInterval time.Duration
}

// NewRabbitSummaryQueue подключается к брокеру и объявляет очередь.
func NewRabbitSummaryQueue(amqpURL, queue string) (*RabbitSummaryQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	return &RabbitSummaryQueue{
		conn:         conn,
		channel:      channel,
		queue:        queue,
		pollInterval: defaultPollInterval,
	}, nil
}

// Enqueue публикует задачу в очередь.
func (q *RabbitSummaryQueue) Enqueue(ctx context.Context, job domain.SummaryJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	err = q.channel.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Pop блокирующе читает задачу из очереди.
func (q *RabbitSummaryQueue) Pop(ctx context.Context) (domain.SummaryJob, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.SummaryJob{}, err
		}
		start := time.Now()
		delivery, ok, err := q.channel.Get(q.queue, true)
		metrics.ObserveNetworkRequest("rabbitmq", "get", q.queue, start, err)
		if err != nil {
			return domain.SummaryJob{}, fmt.Errorf("get message: %w", err)
		}
		if !ok {
			select {
			case <-ctx.Done():
				return domain.SummaryJob{}, ctx.Err()
			case <-time.After(q.pollInterval):
			}
			continue
		}
		var job domain.SummaryJob
		if err := json.Unmarshal(delivery.Body, &job); err != nil {
			return domain.SummaryJob{}, fmt.Errorf("decode job: %w", err)
		}
		return job, nil
	}
}

// Close освобождает канал и соединение.
func (q *RabbitSummaryQueue) Close() error {
	if err := q.channel.Close(); err != nil {
		_ = q.conn.Close()
		return err
	}
	return q.conn.Close()
}
