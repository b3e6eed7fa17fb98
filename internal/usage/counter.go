package usage

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Counter keeps running per-model totals in a redis hash usage:<model>.
type Counter struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewCounter(rdb redis.UniversalClient) *Counter {
	return &Counter{rdb: rdb, prefix: "usage:"}
}

func (c *Counter) key(model string) string { return c.prefix + model }

func (c *Counter) Record(ctx context.Context, s Summary) error {
	key := c.key(s.Model)
	pipe := c.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, "requests", 1)
	pipe.HIncrBy(ctx, key, "prompt_tokens", int64(s.PromptTokens))
	pipe.HIncrBy(ctx, key, "completion_tokens", int64(s.CompletionTokens))
	if s.Status == StatusError {
		pipe.HIncrBy(ctx, key, "errors", 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("usage counter: %w", err)
	}
	return nil
}

// Totals reads the counters for model. Missing fields count as zero.
func (c *Counter) Totals(ctx context.Context, model string) (Totals, error) {
	vals, err := c.rdb.HGetAll(ctx, c.key(model)).Result()
	if err != nil {
		return Totals{}, fmt.Errorf("usage counter: %w", err)
	}
	num := func(field string) int64 {
		n, _ := strconv.ParseInt(vals[field], 10, 64)
		return n
	}
	return Totals{
		Requests:         num("requests"),
		PromptTokens:     num("prompt_tokens"),
		CompletionTokens: num("completion_tokens"),
		Errors:           num("errors"),
	}, nil
}
