package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Queues names the main queue and its retry and dead-letter companions.
type Queues struct {
	Main  string
	Retry string
	DLQ   string
}

func QueuesFor(queue string) Queues {
	return Queues{Main: queue, Retry: queue + ".retry", DLQ: queue + ".dlq"}
}

// Declare creates the three queues. Retry dead-letters back to main after
// its message TTL; main dead-letters to the DLQ on nack without requeue.
// Publisher and worker both call it so their arguments always match.
func Declare(ch *amqp.Channel, q Queues) error {
	// DLQ
	if _, err := ch.QueueDeclare(
		q.DLQ,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		return fmt.Errorf("declare %s: %w", q.DLQ, err)
	}

	if _, err := ch.QueueDeclare(
		q.Retry,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": q.Main,
		},
	); err != nil {
		return fmt.Errorf("declare %s: %w", q.Retry, err)
	}

	if _, err := ch.QueueDeclare(
		q.Main,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": q.DLQ,
		},
	); err != nil {
		return fmt.Errorf("declare %s: %w", q.Main, err)
	}
	return nil
}

// Publisher sends usage summaries to the main queue. An amqp channel is not
// safe for concurrent publishes, so calls are serialized.
type Publisher struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queues Queues
	mu     sync.Mutex
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

	q := QueuesFor(queue)
	if err := Declare(ch, q); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return &Publisher{conn: conn, ch: ch, queues: q}, nil
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

func (p *Publisher) PublishUsage(ctx context.Context, body []byte) error {
	return p.publish(ctx, p.queues.Main, body, nil)
}

// PublishRetry parks body on the retry queue; it returns to the main queue
// after delay.
func (p *Publisher) PublishRetry(ctx context.Context, body []byte, delay time.Duration, attempt int) error {
	return p.publish(ctx, p.queues.Retry, body, &retryInfo{delay: delay, attempt: attempt})
}

type retryInfo struct {
	delay   time.Duration
	attempt int
}

func (p *Publisher) publish(ctx context.Context, queue string, body []byte, retry *retryInfo) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
	}
	if retry != nil {
		msg.Expiration = fmt.Sprintf("%d", retry.delay.Milliseconds())
		msg.Headers = amqp.Table{AttemptHeader: int32(retry.attempt)}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(cctx,
		"",    // default exchange
		queue, // routing key = queue
		false,
		false,
		msg,
	)
}

const AttemptHeader = "x-attempt"

// Attempt reads the retry counter set by PublishRetry.
func Attempt(d amqp.Delivery) int {
	switch v := d.Headers[AttemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}
