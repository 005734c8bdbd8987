package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one admin notice. A returned error rejects the delivery
// into the DLQ.
type Handler func(ctx context.Context, m AdminMessage) error

// Consume reads notices from queue with concurrency workers until ctx is
// cancelled. Workers finish their current delivery before Consume returns.
func Consume(ctx context.Context, url, queue string, concurrency int, logger *slog.Logger, handle Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "admin-consumer"), slog.String("queue", queue))

	conn, err := amqp.Dial(url)
	if err != nil {
		return fmt.Errorf("rabbit dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbit channel: %w", err)
	}
	defer ch.Close()

	if err := declareQueues(ch, queue); err != nil {
		return err
	}
	if err := ch.Qos(concurrency, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	jobs := make(chan amqp.Delivery, concurrency*2)
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(worker int) {
			defer wg.Done()
			for d := range jobs {
				process(ctx, logger.With(slog.Int("worker", worker)), d, handle)
			}
		}(i)
	}

	defer func() {
		close(jobs)
		wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			logger.Info("consumer shutting down")
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			jobs <- d
		}
	}
}

func process(ctx context.Context, logger *slog.Logger, d amqp.Delivery, handle Handler) {
	m, err := decodeAdmin(d.Body)
	if err != nil {
		logger.Warn("bad admin notice", slog.String("error", err.Error()))
		_ = d.Nack(false, false)
		return
	}
	if err := handle(ctx, m); err != nil {
		logger.Warn("admin notice handler failed", slog.String("type", string(m.Kind)), slog.String("error", err.Error()))
		_ = d.Nack(false, false)
		return
	}
	if err := d.Ack(false); err != nil {
		logger.Warn("ack failed", slog.String("error", err.Error()))
	}
}

func decodeAdmin(body []byte) (AdminMessage, error) {
	var m AdminMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return AdminMessage{}, err
	}
	if m.Kind == "" {
		return AdminMessage{}, fmt.Errorf("missing type")
	}
	return m, nil
}
