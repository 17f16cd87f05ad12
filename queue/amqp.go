// Package queue carries ingestion requests from the upload path to the
// ingestion workers, either in process or through RabbitMQ.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"videoSearch/config"
	"videoSearch/core"
)

// IngestMessage 入库任务消息
type IngestMessage struct {
	VideoID    string    `json:"video_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// requeueDelay throttles redelivery while the local pool is saturated.
const requeueDelay = 500 * time.Millisecond

// AMQPDispatcher publishes ingestion requests to a durable RabbitMQ queue and
// consumes them into a local dispatcher. The consumer runs in the same process
// as the HTTP server because the vector index lives there.
type AMQPDispatcher struct {
	conn  *amqp.Connection
	pub   *amqp.Channel
	sub   *amqp.Channel
	queue string

	pubMu  sync.Mutex
	wg     sync.WaitGroup
	logger *slog.Logger
}

// DialAMQP 连接 RabbitMQ 并声明持久队列
func DialAMQP(url, queue string, logger *slog.Logger) (*AMQPDispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open publish channel: %w", err)
	}
	sub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open consume channel: %w", err)
	}
	if _, err := pub.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	return &AMQPDispatcher{conn: conn, pub: pub, sub: sub, queue: queue, logger: logger}, nil
}

// Dispatch publishes a persistent message for videoID.
func (d *AMQPDispatcher) Dispatch(ctx context.Context, videoID string) error {
	body, err := json.Marshal(IngestMessage{VideoID: videoID, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode ingest message: %w", err)
	}
	// amqp.Channel 不支持并发发布
	d.pubMu.Lock()
	defer d.pubMu.Unlock()
	err = d.pub.PublishWithContext(ctx, "", d.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    videoID,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish ingest message: %w", err)
	}
	return nil
}

// Consume feeds deliveries into local until ctx is done or the channel closes.
// prefetch bounds the number of unacknowledged deliveries held by this process.
func (d *AMQPDispatcher) Consume(ctx context.Context, local core.Dispatcher, prefetch int) error {
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := d.sub.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := d.sub.ConsumeWithContext(ctx, d.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consuming %s: %w", d.queue, err)
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for delivery := range deliveries {
			handleDelivery(ctx, local, delivery, d.logger)
		}
		d.logger.Info("amqp consumer stopped", "queue", d.queue)
	}()
	return nil
}

// handleDelivery acks a message once the local pool owns it. A full pool
// requeues the message; a malformed one is dropped.
func handleDelivery(ctx context.Context, local core.Dispatcher, delivery amqp.Delivery, logger *slog.Logger) {
	var msg IngestMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil || msg.VideoID == "" {
		logger.Error("dropping malformed ingest message", "body", string(delivery.Body), "err", err)
		delivery.Reject(false)
		return
	}
	logger = logger.With("video_id", msg.VideoID)

	err := local.Dispatch(ctx, msg.VideoID)
	switch {
	case err == nil, errors.Is(err, core.ErrAlreadyQueued):
		delivery.Ack(false)
	case errors.Is(err, core.ErrQueueFull):
		logger.Warn("ingest pool full, requeueing")
		select {
		case <-time.After(requeueDelay):
		case <-ctx.Done():
		}
		delivery.Nack(false, true)
	default:
		logger.Error("local dispatch failed, requeueing", "err", err)
		delivery.Nack(false, true)
	}
}

// Close stops consuming and closes the connection.
func (d *AMQPDispatcher) Close() error {
	err := d.conn.Close()
	d.wg.Wait()
	return err
}

// Setup 按配置返回任务分发器。amqp 模式下消息会被本进程消费到 pool 中。
func Setup(ctx context.Context, cfg config.QueueConfig, pool *core.IngestPool, logger *slog.Logger) (core.Dispatcher, func() error, error) {
	switch cfg.Driver {
	case "memory", "":
		return pool, func() error { return nil }, nil
	case "amqp":
		d, err := DialAMQP(cfg.AMQPURL, cfg.Queue, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := d.Consume(ctx, pool, cfg.Workers); err != nil {
			d.Close()
			return nil, nil, err
		}
		return d, d.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue driver: %s", cfg.Driver)
	}
}
