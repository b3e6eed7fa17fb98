package ai

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/suPer8Hu/streamgate/internal/ai/extract"
	"golang.org/x/oauth2/google"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// GoogleCredential looks up application default credentials and mints an
// access token on every call.
type GoogleCredential struct {
	Scopes []string
}

func (c GoogleCredential) Acquire(ctx context.Context) (Credential, error) {
	scopes := c.Scopes
	if len(scopes) == 0 {
		scopes = []string{cloudPlatformScope}
	}
	creds, err := google.FindDefaultCredentials(ctx, scopes...)
	if err != nil {
		return Credential{}, fmt.Errorf("find default credentials: %w", err)
	}
	tok, err := creds.TokenSource.Token()
	if err != nil {
		return Credential{}, fmt.Errorf("fetch access token: %w", err)
	}
	return Credential{Header: "Authorization", Value: "Bearer " + tok.AccessToken}, nil
}

type GeminiConfig struct {
	// APIKey selects the public generative language API.
	APIKey string
	// Project selects Vertex AI with application default credentials and
	// takes precedence over APIKey.
	Project  string
	Location string
	Model    string
	// BaseURL overrides the host part of the endpoint.
	BaseURL     string
	Credentials CredentialSource
	Options     StreamOptions
}

func NewGeminiAdapter(cfg GeminiConfig) *IteratorAdapter {
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	if cfg.Location == "" {
		cfg.Location = "us-central1"
	}
	ic := IteratorConfig{
		Name:    "gemini",
		Model:   cfg.Model,
		Shape:   GeminiShape(),
		Options: cfg.Options,
	}

	switch {
	case cfg.Project != "":
		base := cfg.BaseURL
		if base == "" {
			base = fmt.Sprintf("https://%s-aiplatform.googleapis.com", cfg.Location)
		}
		base = strings.TrimRight(base, "/")
		ic.Endpoint = func(model string) string {
			return fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/google/models/%s:streamGenerateContent",
				base, url.PathEscape(cfg.Project), url.PathEscape(cfg.Location), url.PathEscape(model))
		}
		ic.Credentials = cfg.Credentials
		if ic.Credentials == nil {
			ic.Credentials = GoogleCredential{}
		}
	case cfg.APIKey != "":
		base := cfg.BaseURL
		if base == "" {
			base = "https://generativelanguage.googleapis.com"
		}
		base = strings.TrimRight(base, "/")
		ic.Endpoint = func(model string) string {
			return fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent", base, url.PathEscape(model))
		}
		ic.Credentials = cfg.Credentials
		if ic.Credentials == nil {
			ic.Credentials = APIKeyCredential{Header: "x-goog-api-key", Key: cfg.APIKey}
		}
	default:
		ic.Missing = "api key or project"
	}
	return NewIteratorAdapter(ic)
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type geminiReq struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenConfig `json:"generationConfig"`
}

// GeminiShape reads streamGenerateContent chunks. Each chunk carries only
// the newly generated text.
func GeminiShape() ItemShape {
	return ItemShape{
		Body:    geminiBody,
		Text:    geminiText,
		Usage:   geminiUsage,
		Failure: geminiFailure,
	}
}

func geminiBody(req ChatRequest, _ string) any {
	body := geminiReq{
		GenerationConfig: geminiGenConfig{MaxOutputTokens: req.MaxTokens, Temperature: &req.Temperature},
	}
	var system []geminiPart
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, geminiPart{Text: m.Content})
		case RoleAssistant:
			body.Contents = append(body.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			body.Contents = append(body.Contents, geminiContent{Role: RoleUser, Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	if len(system) > 0 {
		body.SystemInstruction = &geminiContent{Parts: system}
	}
	return body
}

func geminiText(n extract.Node) (string, bool) {
	candidates, ok := n.Get("candidates")
	if !ok || candidates.Kind != extract.Sequence {
		// usage-only trailer
		return "", n.Has("usageMetadata")
	}
	parts, ok := candidates.Path(0, "content", "parts")
	if !ok {
		return "", true
	}
	var b strings.Builder
	for _, p := range parts.Items {
		if p.BoolAt("thought") {
			continue
		}
		if s, ok := p.StringAt("text"); ok {
			b.WriteString(s)
		}
	}
	return b.String(), true
}

func geminiUsage(n extract.Node) (Usage, bool) {
	u, ok := n.Get("usageMetadata")
	if !ok {
		return Usage{}, false
	}
	p, _ := u.IntAt("promptTokenCount")
	c, _ := u.IntAt("candidatesTokenCount")
	t, _ := u.IntAt("totalTokenCount")
	return Usage{PromptTokens: p, CompletionTokens: c, TotalTokens: t}, true
}

func geminiFailure(n extract.Node) string {
	msg, _ := n.StringAt("error", "message")
	return msg
}
