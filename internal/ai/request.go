package ai

import "strings"

// Defaults fill in what the client left out.
type Defaults struct {
	MaxTokens   int
	Temperature float64
}

// Normalize validates a client payload and turns it into a ChatRequest.
// requireMessages is set for providers that only take message form; a bare
// prompt is then wrapped into a single user message.
func Normalize(p ChatPayload, d Defaults, requireMessages bool) (ChatRequest, error) {
	msgs := make([]Message, 0, len(p.Messages)+1)
	for _, m := range p.Messages {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		if role == "" {
			role = RoleUser
		}
		msgs = append(msgs, Message{Role: role, Content: m.Content})
	}

	if len(msgs) == 0 && strings.TrimSpace(p.Prompt) == "" {
		return ChatRequest{}, configError("", "request needs messages or prompt")
	}
	if requireMessages && len(msgs) == 0 {
		msgs = append(msgs, Message{Role: RoleUser, Content: p.Prompt})
	}

	req := ChatRequest{
		Messages:    msgs,
		Prompt:      p.Prompt,
		Model:       strings.TrimSpace(p.Model),
		MaxTokens:   d.MaxTokens,
		Temperature: d.Temperature,
	}

	if p.MaxTokens != nil {
		if *p.MaxTokens < 0 {
			return ChatRequest{}, configError("", "max_tokens must not be negative")
		}
		if *p.MaxTokens > 0 {
			req.MaxTokens = *p.MaxTokens
		}
	}
	if p.Temperature != nil {
		if *p.Temperature < 0 || *p.Temperature > 2 {
			return ChatRequest{}, configError("", "temperature must be within [0, 2]")
		}
		req.Temperature = *p.Temperature
	}
	return req, nil
}
