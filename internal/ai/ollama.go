package ai

import (
	"fmt"
	"strings"

	"github.com/suPer8Hu/streamgate/internal/ai/extract"
)

type ollamaMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	NumPredict  int      `json:"num_predict,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type ollamaChatReq struct {
	Model    string         `json:"model"`
	Messages []ollamaMsg    `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  *ollamaOptions `json:"options,omitempty"`
}

// OllamaProfile reads /api/chat NDJSON: one JSON object per line, the last
// one with done=true.
func OllamaProfile() Profile {
	return Profile{
		Body: func(req ChatRequest, model string) any {
			out := make([]ollamaMsg, 0, len(req.Messages))
			for _, m := range req.Messages {
				out = append(out, ollamaMsg{Role: m.Role, Content: m.Content})
			}
			return ollamaChatReq{
				Model:    model,
				Messages: out,
				Stream:   true,
				Options:  &ollamaOptions{NumPredict: req.MaxTokens, Temperature: &req.Temperature},
			}
		},
		Text: func(n extract.Node) (string, bool) {
			if s, ok := n.StringAt("message", "content"); ok {
				return s, true
			}
			if s, ok := n.StringAt("response"); ok {
				return s, true
			}
			return "", n.Has("done")
		},
		Usage: func(n extract.Node) (Usage, bool) {
			if !n.BoolAt("done") {
				return Usage{}, false
			}
			p, pok := n.IntAt("prompt_eval_count")
			c, cok := n.IntAt("eval_count")
			return Usage{PromptTokens: p, CompletionTokens: c}, pok || cok
		},
		Failure: func(n extract.Node) string {
			msg, _ := n.StringAt("error")
			return msg
		},
		Done: func(n extract.Node) bool { return n.BoolAt("done") },
	}
}

func NewOllamaAdapter(baseURL, model string, opts StreamOptions) *EventLineAdapter {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3:latest"
	}
	return NewEventLineAdapter(EventLineConfig{
		Name:    "ollama",
		URL:     fmt.Sprintf("%s/api/chat", strings.TrimRight(baseURL, "/")),
		Model:   model,
		Profile: OllamaProfile(),
		Options: opts,
	})
}
