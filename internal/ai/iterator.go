package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/suPer8Hu/streamgate/internal/ai/extract"
	"github.com/suPer8Hu/streamgate/internal/bridge"
)

// Credential is one auth header to put on an outbound call.
type Credential struct {
	Header string
	Value  string
}

// CredentialSource hands out a fresh credential per call. Acquire may block
// on the network.
type CredentialSource interface {
	Acquire(ctx context.Context) (Credential, error)
}

// ChunkIterator walks the elements of a streamed top-level JSON array,
// decoding each one as soon as it is complete.
type ChunkIterator struct {
	body    io.ReadCloser
	dec     *json.Decoder
	started bool
	done    bool
}

func NewChunkIterator(body io.ReadCloser) *ChunkIterator {
	dec := json.NewDecoder(body)
	dec.UseNumber()
	return &ChunkIterator{body: body, dec: dec}
}

// Next returns io.EOF after the closing bracket.
func (it *ChunkIterator) Next() (extract.Node, error) {
	if it.done {
		return extract.Node{}, io.EOF
	}
	if !it.started {
		tok, err := it.dec.Token()
		if err != nil {
			return extract.Node{}, fmt.Errorf("read array start: %w", err)
		}
		if d, ok := tok.(json.Delim); !ok || d != '[' {
			return extract.Node{}, fmt.Errorf("expected a json array, got %v", tok)
		}
		it.started = true
	}
	if !it.dec.More() {
		if _, err := it.dec.Token(); err != nil {
			return extract.Node{}, fmt.Errorf("read array end: %w", err)
		}
		it.done = true
		return extract.Node{}, io.EOF
	}
	return extract.Decode(it.dec)
}

func (it *ChunkIterator) Close() error {
	return it.body.Close()
}

// ItemShape is the provider-shape knowledge for iterator items.
type ItemShape struct {
	Body    func(req ChatRequest, model string) any
	Text    func(n extract.Node) (string, bool)
	Usage   func(n extract.Node) (Usage, bool)
	Failure func(n extract.Node) string
}

type IteratorConfig struct {
	Name string
	// Endpoint builds the call URL for a model; empty means not configured.
	Endpoint    func(model string) string
	Model       string
	Credentials CredentialSource
	// Missing names the setting that is absent, if any.
	Missing string
	Shape   ItemShape
	Client  *http.Client
	Options StreamOptions
}

// IteratorAdapter performs the whole call on a bridge goroutine:
// credential, request and iteration all block there.
type IteratorAdapter struct {
	cfg IteratorConfig
}

func NewIteratorAdapter(cfg IteratorConfig) *IteratorAdapter {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &IteratorAdapter{cfg: cfg}
}

func (a *IteratorAdapter) Name() string           { return a.cfg.Name }
func (a *IteratorAdapter) Transport() string      { return "iterator" }
func (a *IteratorAdapter) RequiresMessages() bool { return true }

func (a *IteratorAdapter) Configured() bool {
	return a.cfg.Missing == "" && a.cfg.Endpoint != nil && a.cfg.Credentials != nil
}

// Stream never fails up front. Configuration and credential problems come
// back as the stream's first fragment followed by the end.
func (a *IteratorAdapter) Stream(ctx context.Context, req ChatRequest) (*Stream, error) {
	model := req.Model
	if model == "" {
		model = a.cfg.Model
	}
	wctx, cancel := context.WithCancel(ctx)
	h := bridge.Start(a.cfg.Options.BridgeCapacity, func(emit func(Fragment) bool) error {
		return a.produce(wctx, model, req, emit)
	})
	return streamFromHandoff(a.cfg.Name, model, a.cfg.Options.IdleTimeout, h, cancel), nil
}

func (a *IteratorAdapter) produce(ctx context.Context, model string, req ChatRequest, emit func(Fragment) bool) error {
	if !a.Configured() {
		missing := a.cfg.Missing
		if missing == "" {
			missing = "endpoint and credentials"
		}
		return configError(a.cfg.Name, "%s not configured", missing)
	}
	if model == "" {
		return configError(a.cfg.Name, "model is required")
	}

	cred, err := a.cfg.Credentials.Acquire(ctx)
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			if e.Provider == "" {
				e.Provider = a.cfg.Name
			}
			return e
		}
		return &Error{Kind: ErrConfiguration, Provider: a.cfg.Name, Msg: fmt.Sprintf("acquire credential: %v", err), Err: err}
	}

	b, err := json.Marshal(a.cfg.Shape.Body(req, model))
	if err != nil {
		return configError(a.cfg.Name, "encode request: %v", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint(model), bytes.NewReader(b))
	if err != nil {
		return configError(a.cfg.Name, "build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if cred.Header != "" {
		httpReq.Header.Set(cred.Header, cred.Value)
	}

	resp, err := a.cfg.Client.Do(httpReq)
	if err != nil {
		e := protocolError(a.cfg.Name, 0, "")
		e.Err = err
		return e
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := readErrorBody(resp.Body, a.cfg.Options.bodyLimit())
		resp.Body.Close()
		return protocolError(a.cfg.Name, resp.StatusCode, body)
	}

	it := NewChunkIterator(resp.Body)
	defer it.Close()

	var (
		usage    Usage
		hasUsage bool
	)
	for {
		n, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return streamError(a.cfg.Name, err)
		}
		if a.cfg.Shape.Failure != nil {
			if msg := a.cfg.Shape.Failure(n); msg != "" {
				return &Error{Kind: ErrUpstreamStream, Provider: a.cfg.Name, Msg: msg}
			}
		}
		if a.cfg.Shape.Usage != nil {
			if u, ok := a.cfg.Shape.Usage(n); ok {
				usage, hasUsage = u, true
			}
		}
		text, recognized := a.cfg.Shape.Text(n)
		if !recognized {
			text = extract.Text(n)
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

// APIKeyCredential sends a static key in a named header.
type APIKeyCredential struct {
	Header string
	Key    string
}

func (c APIKeyCredential) Acquire(context.Context) (Credential, error) {
	if strings.TrimSpace(c.Key) == "" {
		return Credential{}, configError("", "api key is required")
	}
	return Credential{Header: c.Header, Value: c.Key}, nil
}
