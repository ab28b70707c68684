package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPQueue implements Queue against a RabbitMQ broker. Each Label maps
// to a durable queue of the same name; delayed delivery is implemented
// with the classic "parking lot" pattern — a per-delay queue with no
// consumers and a message TTL, whose dead-letter-exchange routes expired
// messages back to the real queue once the delay has elapsed.
type AMQPQueue struct {
	conn        *amqp.Connection
	pubCh       *amqp.Channel
	maxAttempts int
}

// NewAMQPQueue dials url and prepares the publisher channel.
func NewAMQPQueue(url string) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	return &AMQPQueue{conn: conn, pubCh: ch, maxAttempts: 10}, nil
}

func (q *AMQPQueue) declareQueue(ch *amqp.Channel, label Label) error {
	dlxName := "dlx." + string(label)
	if _, err := ch.QueueDeclare(string("dlq."+label), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq: %w", err)
	}
	if err := ch.ExchangeDeclare(dlxName, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx: %w", err)
	}
	if err := ch.QueueBind(string("dlq."+label), "", dlxName, false, nil); err != nil {
		return fmt.Errorf("bind dlq: %w", err)
	}
	_, err := ch.QueueDeclare(string(label), true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": dlxName,
	})
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", label, err)
	}
	return nil
}

func (q *AMQPQueue) Enqueue(ctx context.Context, label Label, payload []byte) error {
	return q.enqueueAttempt(ctx, label, payload, 1)
}

func (q *AMQPQueue) enqueueAttempt(ctx context.Context, label Label, payload []byte, attempt int) error {
	if err := q.declareQueue(q.pubCh, label); err != nil {
		return err
	}
	return q.pubCh.PublishWithContext(ctx, "", string(label), false, false, amqp.Publishing{
		ContentType:  "application/octet-stream",
		Body:         payload,
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{"x-attempt": int32(attempt)},
	})
}

// EnqueueDelayed routes payload through a per-delay parking queue: no
// consumer ever reads it, so it sits until its TTL expires, then its
// dead-letter-exchange republishes it to the real queue.
func (q *AMQPQueue) EnqueueDelayed(ctx context.Context, label Label, payload []byte, delay time.Duration) error {
	return q.enqueueDelayedAttempt(ctx, label, payload, delay, 1)
}

func (q *AMQPQueue) enqueueDelayedAttempt(ctx context.Context, label Label, payload []byte, delay time.Duration, attempt int) error {
	if delay <= 0 {
		return q.enqueueAttempt(ctx, label, payload, attempt)
	}
	if err := q.declareQueue(q.pubCh, label); err != nil {
		return err
	}
	parkExchange := "park." + string(label)
	parkQueue := fmt.Sprintf("park.%s.%dms", label, delay.Milliseconds())
	if err := q.pubCh.ExchangeDeclare(parkExchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare park exchange: %w", err)
	}
	_, err := q.pubCh.QueueDeclare(parkQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": string(label),
		"x-message-ttl":             int32(delay.Milliseconds()),
		"x-expires":                 int32(delay.Milliseconds() * 2),
	})
	if err != nil {
		return fmt.Errorf("declare park queue: %w", err)
	}
	if err := q.pubCh.QueueBind(parkQueue, "", parkExchange, false, nil); err != nil {
		return fmt.Errorf("bind park queue: %w", err)
	}
	return q.pubCh.PublishWithContext(ctx, parkExchange, "", false, false, amqp.Publishing{
		ContentType:  "application/octet-stream",
		Body:         payload,
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{"x-attempt": int32(attempt)},
	})
}

func (q *AMQPQueue) Consume(ctx context.Context, label Label, concurrency int, handler Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()
	if err := q.declareQueue(ch, label); err != nil {
		return err
	}
	if err := ch.Qos(concurrency, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	deliveries, err := ch.Consume(string(label), "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", label, err)
	}

	sem := make(chan struct{}, concurrency)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("amqp delivery channel closed for %s", label)
			}
			sem <- struct{}{}
			go func(d amqp.Delivery) {
				defer func() { <-sem }()
				q.handleDelivery(ctx, label, d, handler)
			}(d)
		}
	}
}

func (q *AMQPQueue) handleDelivery(ctx context.Context, label Label, d amqp.Delivery, handler Handler) {
	attempt := 1
	if v, ok := d.Headers["x-attempt"].(int32); ok {
		attempt = int(v)
	}
	job := Job{ID: d.MessageId, Label: label, Body: d.Body, Attempt: attempt}
	err := handler(ctx, job)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			slog.Error("amqp ack failed", "label", label, "err", ackErr)
		}
		return
	}

	slog.Warn("job handler failed", "label", label, "attempt", attempt, "err", err)
	if attempt >= q.maxAttempts {
		slog.Error("job exceeded max attempts, dead-lettering", "label", label, "attempt", attempt)
		if nackErr := d.Nack(false, false); nackErr != nil { // false,false => dead-letter, no requeue
			slog.Error("amqp nack (dlq) failed", "label", label, "err", nackErr)
		}
		return
	}
	// Requeue via a delayed republish so retries back off exponentially
	// instead of hot-looping (spec §7: "requeue with exponential backoff").
	delay := BackoffDelay(time.Second, attempt+1, 5*time.Minute)
	if pubErr := q.enqueueDelayedAttempt(ctx, label, d.Body, delay, attempt+1); pubErr != nil {
		slog.Error("requeue publish failed", "label", label, "err", pubErr)
	}
	if ackErr := d.Ack(false); ackErr != nil {
		slog.Error("amqp ack (after requeue) failed", "label", label, "err", ackErr)
	}
}

func (q *AMQPQueue) Close() error {
	q.pubCh.Close()
	return q.conn.Close()
}
