package ai

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/suPer8Hu/streamgate/internal/ai/extract"
)

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIChatReq struct {
	Model         string               `json:"model,omitempty"`
	Messages      []Message            `json:"messages"`
	Stream        bool                 `json:"stream"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	StreamOptions *openAIStreamOptions `json:"stream_options,omitempty"`
}

// OpenAIProfile speaks the chat-completions SSE dialect shared by OpenAI,
// OpenRouter and Azure OpenAI. withModel is false for Azure, where the
// deployment in the URL picks the model.
func OpenAIProfile(withModel bool) Profile {
	return Profile{
		Prefix:   "data:",
		Sentinel: "[DONE]",
		Body: func(req ChatRequest, model string) any {
			body := openAIChatReq{
				Messages:      req.Messages,
				Stream:        true,
				MaxTokens:     req.MaxTokens,
				Temperature:   &req.Temperature,
				StreamOptions: &openAIStreamOptions{IncludeUsage: true},
			}
			if withModel {
				body.Model = model
			}
			return body
		},
		Text:    openAIText,
		Usage:   openAIUsage,
		Failure: openAIFailure,
	}
}

func openAIText(n extract.Node) (string, bool) {
	choices, ok := n.Get("choices")
	if !ok || choices.Kind != extract.Sequence {
		return "", false
	}
	c0, ok := choices.Index(0)
	if !ok {
		return "", true // usage-only chunk
	}
	if s, ok := c0.StringAt("delta", "content"); ok {
		return s, true
	}
	if s, ok := c0.StringAt("text"); ok {
		return s, true
	}
	if s, ok := c0.StringAt("message", "content"); ok {
		return s, true
	}
	// role-only, tool-call or finish chunks carry no text
	return "", c0.Has("delta") || c0.Has("finish_reason")
}

func openAIUsage(n extract.Node) (Usage, bool) {
	u, ok := n.Get("usage")
	if !ok || u.Kind != extract.Mapping {
		return Usage{}, false
	}
	p, _ := u.IntAt("prompt_tokens")
	c, _ := u.IntAt("completion_tokens")
	t, _ := u.IntAt("total_tokens")
	return Usage{PromptTokens: p, CompletionTokens: c, TotalTokens: t}, true
}

func openAIFailure(n extract.Node) string {
	if msg, ok := n.StringAt("error", "message"); ok {
		return msg
	}
	if msg, ok := n.StringAt("error"); ok {
		return msg
	}
	return ""
}

// OpenRouterConfig also covers plain OpenAI and any compatible base URL.
type OpenRouterConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	Model   string
	SiteURL string
	AppName string
	Options StreamOptions
}

func NewOpenRouterAdapter(cfg OpenRouterConfig) *EventLineAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://openrouter.ai/api/v1"
	}
	if cfg.Name == "" {
		cfg.Name = "openrouter"
	}
	headers := map[string]string{
		"HTTP-Referer": cfg.SiteURL,
		"X-Title":      cfg.AppName,
	}
	if cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + cfg.APIKey
	}
	return NewEventLineAdapter(EventLineConfig{
		Name:     cfg.Name,
		URL:      fmt.Sprintf("%s/chat/completions", strings.TrimRight(cfg.BaseURL, "/")),
		Model:    cfg.Model,
		Headers:  headers,
		Required: map[string]string{"api key": cfg.APIKey},
		Profile:  OpenAIProfile(true),
		Options:  cfg.Options,
	})
}

type AzureOpenAIConfig struct {
	Endpoint   string
	APIKey     string
	Deployment string
	APIVersion string
	Options    StreamOptions
}

func NewAzureOpenAIAdapter(cfg AzureOpenAIConfig) *EventLineAdapter {
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2024-06-01"
	}
	var endpoint string
	if cfg.Endpoint != "" && cfg.Deployment != "" {
		endpoint = fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			strings.TrimRight(cfg.Endpoint, "/"), url.PathEscape(cfg.Deployment), url.QueryEscape(cfg.APIVersion))
	}
	return NewEventLineAdapter(EventLineConfig{
		Name:     "azure_openai",
		URL:      endpoint,
		Model:    cfg.Deployment,
		Headers:  map[string]string{"api-key": cfg.APIKey},
		Required: map[string]string{"api key": cfg.APIKey, "deployment": cfg.Deployment},
		Profile:  OpenAIProfile(false),
		Options:  cfg.Options,
	})
}
