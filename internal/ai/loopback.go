package ai

import (
	"context"
	"os"
	"time"

	"github.com/suPer8Hu/streamgate/internal/bridge"
)

type LoopbackConfig struct {
	// File, when set, is replayed instead of echoing the user's message.
	File      string
	ChunkSize int // runes per fragment
	Delay     time.Duration
	Options   StreamOptions
}

// LoopbackAdapter streams local text through the bridge with a fixed delay
// between chunks. It needs no network and no credentials.
type LoopbackAdapter struct {
	cfg LoopbackConfig
}

func NewLoopbackAdapter(cfg LoopbackConfig) *LoopbackAdapter {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 4
	}
	return &LoopbackAdapter{cfg: cfg}
}

func (a *LoopbackAdapter) Name() string           { return "loopback" }
func (a *LoopbackAdapter) Transport() string      { return "loopback" }
func (a *LoopbackAdapter) Configured() bool       { return true }
func (a *LoopbackAdapter) RequiresMessages() bool { return false }

func (a *LoopbackAdapter) Stream(ctx context.Context, req ChatRequest) (*Stream, error) {
	text := req.LastUserContent()
	if a.cfg.File != "" {
		b, err := os.ReadFile(a.cfg.File)
		if err != nil {
			return nil, configError(a.Name(), "read loopback file: %v", err)
		}
		text = string(b)
	}

	wctx, cancel := context.WithCancel(ctx)
	h := bridge.Start(a.cfg.Options.BridgeCapacity, func(emit func(Fragment) bool) error {
		runes := []rune(text)
		for i := 0; i < len(runes); i += a.cfg.ChunkSize {
			end := min(i+a.cfg.ChunkSize, len(runes))
			if i > 0 && a.cfg.Delay > 0 {
				select {
				case <-time.After(a.cfg.Delay):
				case <-wctx.Done():
					return nil
				}
			}
			if !emit(textFragment(string(runes[i:end]))) {
				return nil
			}
		}
		emit(usageFragment(Usage{
			PromptTokens:     len([]rune(req.LastUserContent())),
			CompletionTokens: len(runes),
		}))
		return nil
	})
	model := req.Model
	if model == "" {
		model = "loopback"
	}
	return streamFromHandoff(a.Name(), model, a.cfg.Options.IdleTimeout, h, cancel), nil
}
