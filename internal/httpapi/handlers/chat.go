package handlers

import (
	"context"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/streamgate/internal/ai"
	"github.com/suPer8Hu/streamgate/internal/common"
	"github.com/suPer8Hu/streamgate/internal/httpapi/middleware"
	"github.com/suPer8Hu/streamgate/internal/usage"
)

const StreamIDHeader = "X-Stream-ID"

// StreamProvider serves POST /api/stream/:provider.
func (h *Handler) StreamProvider(c *gin.Context) {
	var p ai.ChatPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	h.serve(c, c.Param("provider"), p, "")
}

// Chat serves POST /api/chat: the catalog entry named by "model" picks the
// provider and the upstream model id, and fills unset settings.
func (h *Handler) Chat(c *gin.Context) {
	var p ai.ChatPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	name := strings.TrimSpace(p.Model)
	if name == "" {
		fail(c, http.StatusBadRequest, 10003, "model required")
		return
	}
	entry, found := h.Catalog.Model(name)
	if !found {
		fail(c, http.StatusNotFound, 40401, "model not found")
		return
	}

	p.Model = entry.ModelID
	if p.MaxTokens == nil && entry.Settings.MaxTokens > 0 {
		mt := entry.Settings.MaxTokens
		p.MaxTokens = &mt
	}
	if p.Temperature == nil && entry.Settings.Temperature != nil {
		t := *entry.Settings.Temperature
		p.Temperature = &t
	}
	h.serve(c, entry.Provider, p, entry.Name)
}

// serve runs one stream. usageModel keys the usage summary; empty means the
// upstream model id.
func (h *Handler) serve(c *gin.Context, provider string, p ai.ChatPayload, usageModel string) {
	adapter, err := h.Registry.Get(provider)
	if err != nil {
		fail(c, http.StatusNotFound, 40402, "unknown provider")
		return
	}
	if !adapter.Configured() {
		fail(c, http.StatusServiceUnavailable, 50301, adapter.Name()+": provider not configured")
		return
	}
	req, err := ai.Normalize(p, h.defaults(), adapter.RequiresMessages())
	if err != nil {
		fail(c, http.StatusBadRequest, 10002, errMessage(err))
		return
	}

	streamID, err := common.NewULID()
	if err != nil {
		log.Printf("[Chat] NewULID failed provider=%s err=%v", provider, err)
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	if usageModel == "" {
		usageModel = req.Model
	}
	sum := usage.Summary{
		StreamID:  streamID,
		RequestID: c.GetString(middleware.RequestIDKey),
		Provider:  adapter.Name(),
		Model:     usageModel,
		StartedAt: time.Now(),
	}
	defer func() {
		sum.Duration = time.Since(sum.StartedAt)
		h.Usage.Dispatch(sum)
	}()

	ctx := c.Request.Context()
	if h.Cfg.StreamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Cfg.StreamTimeout)
		defer cancel()
	}

	s, err := adapter.Stream(ctx, req)
	if err != nil {
		log.Printf("[Chat] stream open failed stream_id=%s provider=%s kind=%s err=%v", streamID, sum.Provider, ai.KindOf(err), err)
		sum.Status, sum.Error = usage.StatusError, err.Error()
		failErr(c, err)
		return
	}
	defer s.Close()
	if sum.Model == "" {
		sum.Model = s.Model
	}

	if !p.Streaming() {
		h.respondCollected(ctx, c, s, &sum)
		return
	}
	h.respondStream(ctx, c, s, &sum)
}

func (h *Handler) respondCollected(ctx context.Context, c *gin.Context, s *ai.Stream, sum *usage.Summary) {
	text, u, err := ai.Collect(ctx, s)
	sum.OutputBytes = len(text)
	applyUsage(sum, u)
	if err != nil {
		sum.Status, sum.Error = usage.StatusError, err.Error()
		failErr(c, err)
		return
	}
	sum.Status = usage.StatusOK

	c.Header(StreamIDHeader, sum.StreamID)
	ok(c, gin.H{
		"response": text,
		"model":    s.Model,
		"provider": s.Provider,
		"usage":    u,
	})
}

// respondStream holds the headers back until the first fragment, so a
// failure that happens before any output still gets a real HTTP status.
// After that, errors can only be reported inside the body.
func (h *Handler) respondStream(ctx context.Context, c *gin.Context, s *ai.Stream, sum *usage.Summary) {
	first := s.Next(ctx)
	if first.Kind == ai.FragmentError && ai.PreStream(first.Err) {
		log.Printf("[Chat] upstream failed before first byte stream_id=%s provider=%s err=%v", sum.StreamID, sum.Provider, first.Err)
		sum.Status, sum.Error = usage.StatusError, first.Err.Error()
		failErr(c, first.Err)
		return
	}

	w := c.Writer
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(StreamIDHeader, sum.StreamID)
	w.WriteHeader(http.StatusOK)
	w.Flush()

	write := func(str string) bool {
		if _, err := io.WriteString(w, str); err != nil {
			return false
		}
		w.Flush()
		return true
	}

	sum.Status = usage.StatusOK
	for f := first; ; f = s.Next(ctx) {
		switch f.Kind {
		case ai.FragmentText:
			if !write(f.Text) {
				sum.Status = usage.StatusCancelled
				return
			}
			sum.Fragments++
			sum.OutputBytes += len(f.Text)

		case ai.FragmentError:
			if c.Request.Context().Err() != nil {
				sum.Status = usage.StatusCancelled
				return
			}
			sum.Status, sum.Error = usage.StatusError, f.Err.Error()
			log.Printf("[Chat] stream error stream_id=%s provider=%s err=%v", sum.StreamID, sum.Provider, f.Err)
			if !write("\n[error] " + errMessage(f.Err) + "\n") {
				sum.Status = usage.StatusCancelled
				return
			}

		case ai.FragmentEnd:
			if c.Request.Context().Err() != nil {
				sum.Status = usage.StatusCancelled
			}
			applyUsage(sum, f.Usage)
			return
		}
	}
}

func applyUsage(sum *usage.Summary, u *ai.Usage) {
	if u == nil {
		return
	}
	sum.PromptTokens = u.PromptTokens
	sum.CompletionTokens = u.CompletionTokens
	sum.TotalTokens = u.TotalTokens
}
