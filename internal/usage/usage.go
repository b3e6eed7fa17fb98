// Package usage receives the per-stream summary emitted after a response
// ends and hands it to accounting sinks.
package usage

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

type Status string

const (
	StatusOK        Status = "ok"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Summary describes one finished stream. Token counts are zero when the
// upstream did not report them.
type Summary struct {
	StreamID         string        `json:"stream_id"`
	RequestID        string        `json:"request_id,omitempty"`
	Provider         string        `json:"provider"`
	Model            string        `json:"model"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TotalTokens      int           `json:"total_tokens"`
	OutputBytes      int           `json:"output_bytes"`
	Fragments        int           `json:"fragments"`
	Status           Status        `json:"status"`
	Error            string        `json:"error,omitempty"`
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
}

// Hook consumes summaries. Implementations must be safe for concurrent use.
type Hook interface {
	Record(ctx context.Context, s Summary) error
}

type HookFunc func(ctx context.Context, s Summary) error

func (f HookFunc) Record(ctx context.Context, s Summary) error { return f(ctx, s) }

// Multi calls every hook in order and joins their errors.
type Multi []Hook

func (m Multi) Record(ctx context.Context, s Summary) error {
	var errs []error
	for _, h := range m {
		if err := h.Record(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatcher runs the hook off the request goroutine, one goroutine per
// summary, each bounded by timeout.
type Dispatcher struct {
	hook    Hook
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewDispatcher(hook Hook, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{hook: hook, timeout: timeout}
}

// Dispatch never blocks the caller. A nil dispatcher or hook is a no-op.
func (d *Dispatcher) Dispatch(s Summary) {
	if d == nil || d.hook == nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[Usage] hook panic stream_id=%s err=%v", s.StreamID, r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.hook.Record(ctx, s); err != nil {
			log.Printf("[Usage] record failed stream_id=%s provider=%s model=%s err=%v", s.StreamID, s.Provider, s.Model, err)
		}
	}()
}

// Wait blocks until in-flight dispatches finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	if d == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
