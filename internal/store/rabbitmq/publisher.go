package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/suPer8Hu/ai-chatroom/internal/events"
)

const publishTimeout = 5 * time.Second

// Publisher forwards admin refresh notices to a durable queue so dashboards
// and operators outside the process can follow them.
type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// AdminMessage is the body of one queued notice.
type AdminMessage struct {
	Kind      events.AdminKind `json:"type"`
	Timestamp string           `json:"timestamp"`
	At        time.Time        `json:"at"`
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := declareQueues(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

// declareQueues sets up queue with a retry queue that dead-letters back to
// it and a DLQ for rejected notices. Consumer and publisher share this.
func declareQueues(ch *amqp.Channel, queue string) error {
	retryQ := queue + ".retry"
	dlqQ := queue + ".dlq"

	if _, err := ch.QueueDeclare(dlqQ, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", dlqQ, err)
	}
	if _, err := ch.QueueDeclare(retryQ, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}); err != nil {
		return fmt.Errorf("declare %s: %w", retryQ, err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlqQ,
	}); err != nil {
		return fmt.Errorf("declare %s: %w", queue, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Deliver implements events.Sink. Anything but an admin update is ignored.
func (p *Publisher) Deliver(ctx context.Context, e events.Event) error {
	body, ok, err := encodeAdmin(e)
	if err != nil || !ok {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	return p.ch.PublishWithContext(cctx,
		"",      // default exchange
		p.queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    e.At,
		},
	)
}

func encodeAdmin(e events.Event) ([]byte, bool, error) {
	if e.Name != events.AdminUpdate {
		return nil, false, nil
	}
	payload, ok := e.Data.(events.AdminPayload)
	if !ok {
		return nil, false, fmt.Errorf("admin update carries %T", e.Data)
	}
	body, err := json.Marshal(AdminMessage{Kind: payload.Type, Timestamp: payload.Timestamp, At: e.At})
	if err != nil {
		return nil, false, err
	}
	return body, true, nil
}
