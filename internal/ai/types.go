package ai

import "time"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatPayload is the client request body as received.
type ChatPayload struct {
	Messages    []Message `json:"messages"`
	Prompt      string    `json:"prompt"`
	Model       string    `json:"model"`
	MaxTokens   *int      `json:"max_tokens"`
	Temperature *float64  `json:"temperature"`
	Stream      *bool     `json:"stream"`
}

// Streaming reports whether the client asked for a streamed body. Absent
// means yes.
func (p ChatPayload) Streaming() bool {
	return p.Stream == nil || *p.Stream
}

// ChatRequest is the canonical request every adapter consumes.
type ChatRequest struct {
	Messages    []Message
	Prompt      string
	Model       string // upstream model id; empty selects the adapter default
	MaxTokens   int
	Temperature float64
}

// LastUserContent returns the newest user message, or the prompt.
func (r ChatRequest) LastUserContent() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return r.Prompt
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u Usage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0
}

func (u Usage) normalized() Usage {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

// StreamOptions are the knobs shared by every adapter. They come from
// config.Config once at startup.
type StreamOptions struct {
	IdleTimeout    time.Duration
	BridgeCapacity int
	ErrorBodyLimit int64
}

const defaultErrorBodyLimit = 4 * 1024

func (o StreamOptions) bodyLimit() int64 {
	if o.ErrorBodyLimit <= 0 {
		return defaultErrorBodyLimit
	}
	return o.ErrorBodyLimit
}
