package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/suPer8Hu/streamgate/internal/bridge"
)

type FragmentKind uint8

const (
	FragmentText FragmentKind = iota
	FragmentError
	FragmentEnd

	// carries a usage report from a producer; never returned by Next
	fragmentUsage
)

// Fragment is one unit of a response. A stream yields text fragments, at
// most one error fragment, and exactly one end fragment last.
type Fragment struct {
	Kind  FragmentKind
	Text  string
	Err   error
	Usage *Usage // set on FragmentEnd when the upstream reported usage
}

func textFragment(s string) Fragment { return Fragment{Kind: FragmentText, Text: s} }

func usageFragment(u Usage) Fragment {
	u = u.normalized()
	return Fragment{Kind: fragmentUsage, Usage: &u}
}

// Stream is a single-pass, forward-only sequence of fragments for one
// request. It is owned by one consumer and is not safe for concurrent use.
type Stream struct {
	Provider string
	Model    string

	pull   func(ctx context.Context) (Fragment, error)
	detach func()
	idle   time.Duration

	queue []Fragment
	usage *Usage
	ended bool
	close sync.Once
}

// NewStream wraps a pull function. pull returns the next fragment, a
// FragmentEnd when the source is exhausted, or ctx's error. detach releases
// the source and must be safe to call more than once.
func NewStream(provider, model string, idle time.Duration, pull func(context.Context) (Fragment, error), detach func()) *Stream {
	if detach == nil {
		detach = func() {}
	}
	return &Stream{Provider: provider, Model: model, pull: pull, detach: detach, idle: idle}
}

// streamFromHandoff adapts a bridge handoff. A terminal item carrying an
// error becomes one error fragment; the handoff then reports terminal again,
// which becomes the end fragment. cancel, when set, is the worker's context
// cancel and runs on detach together with the handoff's.
func streamFromHandoff(provider, model string, idle time.Duration, h *bridge.Handoff[Fragment], cancel context.CancelFunc) *Stream {
	pull := func(ctx context.Context) (Fragment, error) {
		it, err := h.Next(ctx)
		if err != nil {
			return Fragment{}, err
		}
		if !it.Terminal {
			return it.Value, nil
		}
		if it.Err != nil {
			return Fragment{Kind: FragmentError, Err: streamError(provider, it.Err)}, nil
		}
		return Fragment{Kind: FragmentEnd}, nil
	}
	detach := h.Detach
	if cancel != nil {
		detach = func() {
			h.Detach()
			cancel()
		}
	}
	return NewStream(provider, model, idle, pull, detach)
}

// Next blocks for the next fragment. It never blocks past the idle timeout:
// a silent source is detached and reported as an error followed by the end.
// Once the end has been returned every further call returns it again.
func (s *Stream) Next(ctx context.Context) Fragment {
	for {
		if len(s.queue) > 0 {
			f := s.queue[0]
			s.queue = s.queue[1:]
			return f
		}
		if s.ended {
			return Fragment{Kind: FragmentEnd, Usage: s.usage}
		}

		pctx, cancel := ctx, context.CancelFunc(func() {})
		if s.idle > 0 {
			pctx, cancel = context.WithTimeout(ctx, s.idle)
		}
		f, err := s.pull(pctx)
		cancel()

		if err != nil {
			s.Close()
			s.ended = true
			cause := err
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				cause = fmt.Errorf("idle timeout: no data for %s", s.idle)
			}
			s.queue = append(s.queue, Fragment{Kind: FragmentError, Err: streamError(s.Provider, cause)})
			continue
		}

		switch f.Kind {
		case fragmentUsage:
			s.usage = f.Usage
		case FragmentText:
			if f.Text != "" {
				return f
			}
		case FragmentError:
			return f
		case FragmentEnd:
			s.ended = true
			s.Close()
			if f.Usage != nil {
				s.usage = f.Usage
			}
		}
	}
}

// Close detaches the source and ends the stream. Fragments already queued
// are still returned by Next, followed by the end.
func (s *Stream) Close() {
	s.close.Do(s.detach)
	s.ended = true
}

// Collect drains s and returns the concatenated text. The first error
// fragment, if any, is returned after the stream ends.
func Collect(ctx context.Context, s *Stream) (string, *Usage, error) {
	var (
		b        strings.Builder
		firstErr error
	)
	for {
		f := s.Next(ctx)
		switch f.Kind {
		case FragmentText:
			b.WriteString(f.Text)
		case FragmentError:
			if firstErr == nil {
				firstErr = f.Err
			}
		case FragmentEnd:
			return b.String(), f.Usage, firstErr
		}
	}
}
