package ai

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Adapter turns a ChatRequest into a fragment stream for one provider.
//
// An error from Stream means nothing was sent to the client yet and is one
// of ErrConfiguration or ErrUpstreamProtocol. Failures after that arrive as
// a FragmentError inside the stream.
type Adapter interface {
	Name() string
	// Transport is "event-line", "event-stream", "iterator" or "loopback".
	Transport() string
	Configured() bool
	RequiresMessages() bool
	Stream(ctx context.Context, req ChatRequest) (*Stream, error)
}

type ProviderInfo struct {
	Name       string `json:"name"`
	Transport  string `json:"transport"`
	Configured bool   `json:"configured"`
}

// Registry maps provider names to adapters. It is filled once by
// NewRegistry and only read afterwards, so it needs no locking.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[normalizeName(a.Name())] = a
	}
	return r
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[normalizeName(name)]
	if !ok {
		return nil, fmt.Errorf("unknown ai provider: %s", name)
	}
	return a, nil
}

func (r *Registry) Providers() []ProviderInfo {
	out := make([]ProviderInfo, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, ProviderInfo{Name: a.Name(), Transport: a.Transport(), Configured: a.Configured()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
