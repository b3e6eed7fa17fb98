package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/suPer8Hu/streamgate/internal/ai/extract"
)

// Profile is the provider-shape knowledge for a line-oriented transport:
// how the request body looks, how lines are framed, and where text and
// usage live in each decoded line.
type Profile struct {
	// Prefix marks data lines ("data:" for SSE). Empty means every line is
	// data, as in NDJSON.
	Prefix string
	// Sentinel is the data payload that ends the stream, e.g. "[DONE]".
	Sentinel string

	Body func(req ChatRequest, model string) any
	// Text returns the text of one decoded line. recognized=false means the
	// shape was not understood and the generic extractor should try.
	Text    func(n extract.Node) (text string, recognized bool)
	Usage   func(n extract.Node) (Usage, bool)
	Failure func(n extract.Node) string
	Done    func(n extract.Node) bool
}

type EventLineConfig struct {
	Name    string
	URL     string
	Model   string
	Headers map[string]string
	// Required lists settings that must be non-empty, by name, for the
	// provider to count as configured.
	Required map[string]string
	Profile  Profile
	Client   *http.Client
	Options  StreamOptions
}

// EventLineAdapter reads a long-lived HTTP response line by line (SSE or
// NDJSON). The read is tied to the request context, so detaching the stream
// cancels the upstream call.
type EventLineAdapter struct {
	cfg EventLineConfig
}

func NewEventLineAdapter(cfg EventLineConfig) *EventLineAdapter {
	if cfg.Client == nil {
		// no client timeout; ctx and the idle timeout bound the stream
		cfg.Client = &http.Client{}
	}
	return &EventLineAdapter{cfg: cfg}
}

func (a *EventLineAdapter) Name() string           { return a.cfg.Name }
func (a *EventLineAdapter) Transport() string      { return "event-line" }
func (a *EventLineAdapter) RequiresMessages() bool { return true }

func (a *EventLineAdapter) Configured() bool {
	return a.missing() == ""
}

func (a *EventLineAdapter) missing() string {
	if strings.TrimSpace(a.cfg.URL) == "" {
		return "endpoint"
	}
	for name, v := range a.cfg.Required {
		if strings.TrimSpace(v) == "" {
			return name
		}
	}
	return ""
}

func (a *EventLineAdapter) Stream(ctx context.Context, req ChatRequest) (*Stream, error) {
	if m := a.missing(); m != "" {
		return nil, configError(a.cfg.Name, "%s is required", m)
	}
	model := req.Model
	if model == "" {
		model = a.cfg.Model
	}

	b, err := json.Marshal(a.cfg.Profile.Body(req, model))
	if err != nil {
		return nil, configError(a.cfg.Name, "encode request: %v", err)
	}

	upCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(upCtx, http.MethodPost, a.cfg.URL, bytes.NewReader(b))
	if err != nil {
		cancel()
		return nil, configError(a.cfg.Name, "build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range a.cfg.Headers {
		if v != "" {
			httpReq.Header.Set(k, v)
		}
	}

	resp, err := a.cfg.Client.Do(httpReq)
	if err != nil {
		cancel()
		e := protocolError(a.cfg.Name, 0, "")
		e.Err = err
		return nil, e
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := readErrorBody(resp.Body, a.cfg.Options.bodyLimit())
		resp.Body.Close()
		cancel()
		return nil, protocolError(a.cfg.Name, resp.StatusCode, body)
	}

	capacity := a.cfg.Options.BridgeCapacity
	if capacity <= 0 {
		capacity = 16
	}
	out := make(chan Fragment, capacity)
	go a.pump(upCtx, resp.Body, out)

	pull := func(ctx context.Context) (Fragment, error) {
		select {
		case f, ok := <-out:
			if !ok {
				return Fragment{Kind: FragmentEnd}, nil
			}
			return f, nil
		case <-ctx.Done():
			return Fragment{}, ctx.Err()
		}
	}
	return NewStream(a.cfg.Name, model, a.cfg.Options.IdleTimeout, pull, cancel), nil
}

// pump owns body and out. It stops on the sentinel, on EOF, on an upstream
// error, or when ctx is cancelled.
func (a *EventLineAdapter) pump(ctx context.Context, body io.ReadCloser, out chan<- Fragment) {
	defer close(out)
	defer body.Close()

	send := func(f Fragment) bool {
		select {
		case out <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}

	sc := bufio.NewScanner(body)
	// Increase scanner buffer for long JSON lines.
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, 2*1024*1024)

	for sc.Scan() {
		frags, stop := a.handleLine(sc.Text())
		for _, f := range frags {
			if !send(f) {
				return
			}
		}
		if stop {
			return
		}
	}

	if err := sc.Err(); err != nil && ctx.Err() == nil {
		send(Fragment{Kind: FragmentError, Err: streamError(a.cfg.Name, fmt.Errorf("read stream: %w", err))})
	}
}

var sseFields = []string{"event:", "id:", "retry:"}

// handleLine turns one upstream line into zero or more fragments. Lines
// that do not decode are passed through as text rather than dropped.
func (a *EventLineAdapter) handleLine(raw string) ([]Fragment, bool) {
	p := a.cfg.Profile
	line := strings.TrimSpace(raw)
	if line == "" {
		return nil, false
	}

	payload := line
	if p.Prefix != "" {
		if strings.HasPrefix(line, ":") {
			return nil, false // keep-alive comment
		}
		if !strings.HasPrefix(line, p.Prefix) {
			for _, f := range sseFields {
				if strings.HasPrefix(line, f) {
					return nil, false
				}
			}
			return []Fragment{textFragment(raw)}, false
		}
		payload = strings.TrimSpace(strings.TrimPrefix(line, p.Prefix))
		if payload == "" {
			return nil, false
		}
	}
	if p.Sentinel != "" && payload == p.Sentinel {
		return nil, true
	}

	n, err := extract.Parse([]byte(payload))
	if err != nil {
		log.Printf("[%s] unparsed stream line passed through len=%d err=%v", a.cfg.Name, len(payload), err)
		return []Fragment{textFragment(payload)}, false
	}

	if p.Failure != nil {
		if msg := p.Failure(n); msg != "" {
			return []Fragment{{Kind: FragmentError, Err: &Error{Kind: ErrUpstreamStream, Provider: a.cfg.Name, Msg: msg}}}, true
		}
	}

	var frags []Fragment
	text, recognized := p.Text(n)
	if !recognized {
		text = extract.Text(n)
	}
	if text != "" {
		frags = append(frags, textFragment(text))
	}
	if p.Usage != nil {
		if u, ok := p.Usage(n); ok {
			frags = append(frags, usageFragment(u))
		}
	}
	return frags, p.Done != nil && p.Done(n)
}
