package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/kaptinlin/jsonrepair"
	"github.com/suPer8Hu/streamgate/internal/ai/extract"
	"github.com/suPer8Hu/streamgate/internal/bridge"
)

// EventSource is a blocking receive loop over a binary event stream. Recv
// returns the nested payload bytes of the next event, or io.EOF. It has no
// interruption point of its own.
type EventSource interface {
	Recv() ([]byte, error)
	Close() error
}

// EventStreamer opens one streaming invocation.
type EventStreamer interface {
	OpenStream(ctx context.Context, modelID string, body []byte) (EventSource, error)
}

type EventStreamConfig struct {
	Name     string
	Model    string
	Streamer EventStreamer // nil when region or credentials are missing
	// Missing says which setting kept Streamer from being built.
	Missing string
	Options StreamOptions
}

// EventStreamAdapter drives a synchronous SDK stream through the bridge.
type EventStreamAdapter struct {
	cfg EventStreamConfig
}

func NewEventStreamAdapter(cfg EventStreamConfig) *EventStreamAdapter {
	if cfg.Name == "" {
		cfg.Name = "aws_claude"
	}
	return &EventStreamAdapter{cfg: cfg}
}

func (a *EventStreamAdapter) Name() string           { return a.cfg.Name }
func (a *EventStreamAdapter) Transport() string      { return "event-stream" }
func (a *EventStreamAdapter) Configured() bool       { return a.cfg.Streamer != nil }
func (a *EventStreamAdapter) RequiresMessages() bool { return true }

type anthropicMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockAnthropicReq struct {
	AnthropicVersion string         `json:"anthropic_version"`
	MaxTokens        int            `json:"max_tokens"`
	Temperature      float64        `json:"temperature"`
	System           string         `json:"system,omitempty"`
	Messages         []anthropicMsg `json:"messages"`
}

const defaultAnthropicMaxTokens = 1024

func bedrockBody(req ChatRequest) bedrockAnthropicReq {
	body := bedrockAnthropicReq{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = defaultAnthropicMaxTokens
	}
	var system []string
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		role := m.Role
		if role != RoleAssistant {
			role = RoleUser
		}
		body.Messages = append(body.Messages, anthropicMsg{Role: role, Content: m.Content})
	}
	body.System = strings.Join(system, "\n\n")
	return body
}

func (a *EventStreamAdapter) Stream(ctx context.Context, req ChatRequest) (*Stream, error) {
	if a.cfg.Streamer == nil {
		missing := a.cfg.Missing
		if missing == "" {
			missing = "region and credentials"
		}
		return nil, configError(a.cfg.Name, "%s not configured", missing)
	}
	model := req.Model
	if model == "" {
		model = a.cfg.Model
	}
	if model == "" {
		return nil, configError(a.cfg.Name, "model id is required")
	}
	body, err := json.Marshal(bedrockBody(req))
	if err != nil {
		return nil, configError(a.cfg.Name, "encode request: %v", err)
	}

	wctx, cancel := context.WithCancel(ctx)
	h := bridge.Start(a.cfg.Options.BridgeCapacity, func(emit func(Fragment) bool) error {
		return a.produce(wctx, model, body, emit)
	})
	return streamFromHandoff(a.cfg.Name, model, a.cfg.Options.IdleTimeout, h, cancel), nil
}

// produce runs on the bridge goroutine.
func (a *EventStreamAdapter) produce(ctx context.Context, model string, body []byte, emit func(Fragment) bool) error {
	src, err := a.cfg.Streamer.OpenStream(ctx, model, body)
	if err != nil {
		return classifyOpenError(a.cfg.Name, err)
	}
	defer src.Close()

	var (
		usage    Usage
		hasUsage bool
	)
	for {
		payload, err := src.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return streamError(a.cfg.Name, err)
		}

		text, failure := a.decodeEvent(payload, &usage, &hasUsage)
		if failure != "" {
			return &Error{Kind: ErrUpstreamStream, Provider: a.cfg.Name, Msg: failure}
		}
		if text != "" && !emit(textFragment(text)) {
			return nil
		}
	}
	if hasUsage {
		emit(usageFragment(usage))
	}
	return nil
}

// decodeEvent never fails the stream on a bad payload: undecodable bytes
// fall back to their lossy text form.
func (a *EventStreamAdapter) decodeEvent(payload []byte, usage *Usage, hasUsage *bool) (text, failure string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[%s] event decode panic len=%d err=%v", a.cfg.Name, len(payload), r)
			text, failure = "", ""
		}
	}()

	decoded := string(payload)
	if !utf8.Valid(payload) {
		log.Printf("[%s] event payload is not valid utf-8 len=%d", a.cfg.Name, len(payload))
		decoded = strings.ToValidUTF8(decoded, "�")
	}

	n, err := extract.Parse([]byte(decoded))
	if err != nil {
		repaired, rerr := jsonrepair.JSONRepair(decoded)
		if rerr != nil {
			return decoded, ""
		}
		if n, err = extract.Parse([]byte(repaired)); err != nil {
			return decoded, ""
		}
	}

	if typ, _ := n.StringAt("type"); typ == "error" {
		msg, _ := n.StringAt("error", "message")
		if msg == "" {
			msg = "upstream reported an error event"
		}
		return "", msg
	}

	if u, ok := bedrockUsage(n, *usage); ok {
		*usage = u
		*hasUsage = true
	}

	if t, recognized := bedrockText(n); recognized {
		return t, ""
	}
	if t := extract.Text(n); t != "" {
		return t, ""
	}
	return decoded, ""
}

func bedrockText(n extract.Node) (string, bool) {
	typ, _ := n.StringAt("type")
	switch typ {
	case "content_block_delta":
		s, _ := n.StringAt("delta", "text")
		return s, true
	case "message_start", "content_block_start", "content_block_stop",
		"message_delta", "message_stop", "ping":
		return "", true
	}
	for _, key := range []string{"completion", "outputText", "generation"} {
		if s, ok := n.StringAt(key); ok {
			return s, true
		}
	}
	return "", n.Has("amazon-bedrock-invocationMetrics")
}

func bedrockUsage(n extract.Node, cur Usage) (Usage, bool) {
	found := false
	if v, ok := n.IntAt("message", "usage", "input_tokens"); ok {
		cur.PromptTokens, found = v, true
	}
	if v, ok := n.IntAt("usage", "output_tokens"); ok {
		cur.CompletionTokens, found = v, true
	}
	if v, ok := n.IntAt("amazon-bedrock-invocationMetrics", "inputTokenCount"); ok {
		cur.PromptTokens, found = v, true
	}
	if v, ok := n.IntAt("amazon-bedrock-invocationMetrics", "outputTokenCount"); ok {
		cur.CompletionTokens, found = v, true
	}
	return cur, found
}

// statusCoder matches SDK response errors that expose the HTTP status.
type statusCoder interface {
	HTTPStatusCode() int
}

func classifyOpenError(provider string, err error) error {
	var sc statusCoder
	if errors.As(err, &sc) && sc.HTTPStatusCode() != 0 {
		e := protocolError(provider, sc.HTTPStatusCode(), truncate(err.Error(), defaultErrorBodyLimit))
		e.Err = err
		return e
	}
	e := protocolError(provider, 0, "")
	e.Err = fmt.Errorf("open stream: %w", err)
	return e
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
