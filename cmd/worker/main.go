package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/streamgate/internal/config"
	"github.com/suPer8Hu/streamgate/internal/db"
	"github.com/suPer8Hu/streamgate/internal/store/rabbitmq"
	"github.com/suPer8Hu/streamgate/internal/usage"
)

func workerConcurrency() int {
	return envBounded("WORKER_CONCURRENCY", 2, 50)
}

func maxRetries() int {
	return envBounded("WORKER_MAX_RETRIES", 5, 20)
}

func envBounded(key string, def, ceiling int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > ceiling {
		return ceiling
	}
	return n
}

// retryDelay doubles from one second and caps at five minutes.
func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Second << min(attempt-1, 16)
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}

// recorder and retrier are the parts of the store and publisher a delivery
// touches.
type recorder interface {
	Record(ctx context.Context, s usage.Summary) error
}

type retrier interface {
	PublishRetry(ctx context.Context, body []byte, delay time.Duration, attempt int) error
}

type outcome int

const (
	outcomeAck outcome = iota
	outcomeRetried
	outcomeDead
	outcomeRequeue
)

// deliveryTimeout bounds one delivery. It does not derive from the shutdown
// signal, so deliveries already buffered still finish during shutdown.
const deliveryTimeout = 30 * time.Second

func deliveryContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), deliveryTimeout)
}

func handleDelivery(ctx context.Context, store recorder, pub retrier, body []byte, attempt, limit int) (outcome, error) {
	s, err := usage.DecodeSummary(body)
	if err != nil {
		return outcomeDead, err
	}
	if s.StreamID == "" {
		return outcomeDead, errors.New("summary without stream_id")
	}

	if err := store.Record(ctx, s); err != nil {
		if ctx.Err() != nil {
			return outcomeRequeue, err
		}
		next := attempt + 1
		if next > limit {
			return outcomeDead, err
		}
		if perr := pub.PublishRetry(ctx, body, retryDelay(next), next); perr != nil {
			return outcomeDead, errors.Join(err, perr)
		}
		return outcomeRetried, err
	}
	return outcomeAck, nil
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[Worker] .env not loaded: %v", err)
	}
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	store := usage.NewStore(gdb)
	if err := store.Migrate(); err != nil {
		log.Fatalf("usage migrate: %v", err)
	}

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatalf("rabbit publisher: %v", err)
	}
	defer pub.Close()

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	queues := rabbitmq.QueuesFor(cfg.RabbitQueue)
	if err := rabbitmq.Declare(ch, queues); err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	//  strict concurrency control
	concurrency := workerConcurrency()
	limit := maxRetries()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(queues.Main, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("[Worker] started queue=%s concurrency=%d max_retries=%d", queues.Main, concurrency, limit)

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				start := time.Now()
				attempt := rabbitmq.Attempt(d)
				dctx, cancel := deliveryContext()
				res, err := handleDelivery(dctx, store, pub, d.Body, attempt, limit)
				cancel()

				switch res {
				case outcomeAck:
					if err := d.Ack(false); err != nil {
						log.Printf("[Worker] worker=%d ack failed err=%v", workerID, err)
					}
				case outcomeRetried:
					log.Printf("[Worker] worker=%d record failed, retry scheduled attempt=%d cost=%s err=%v",
						workerID, attempt+1, time.Since(start), err)
					_ = d.Ack(false)
				case outcomeDead:
					log.Printf("[Worker] worker=%d dead-lettered attempt=%d cost=%s err=%v",
						workerID, attempt, time.Since(start), err)
					_ = d.Nack(false, false)
				case outcomeRequeue:
					log.Printf("[Worker] worker=%d delivery timed out, requeued cost=%s err=%v",
						workerID, time.Since(start), err)
					_ = d.Nack(false, true)
				}
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Worker] shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("[Worker] delivery channel closed")
				close(jobs)
				wg.Wait()
				return
			}
			jobs <- d
		}
	}
}
