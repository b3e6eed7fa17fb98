package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/streamgate/internal/ai"
	"github.com/suPer8Hu/streamgate/internal/common"
	"github.com/suPer8Hu/streamgate/internal/config"
	"github.com/suPer8Hu/streamgate/internal/usage"
)

var Version = "dev"

type Handler struct {
	Cfg      config.Config
	Registry *ai.Registry
	Catalog  *config.Catalog
	Usage    *usage.Dispatcher

	// optional readers for GET /api/usage/:model
	Counter *usage.Counter
	Store   *usage.Store

	StartedAt time.Time
}

func NewHandler(cfg config.Config, reg *ai.Registry, cat *config.Catalog, d *usage.Dispatcher) *Handler {
	if cat == nil {
		cat = &config.Catalog{}
	}
	return &Handler{Cfg: cfg, Registry: reg, Catalog: cat, Usage: d, StartedAt: time.Now()}
}

func (h *Handler) defaults() ai.Defaults {
	return ai.Defaults{MaxTokens: h.Cfg.DefaultMaxTokens, Temperature: h.Cfg.DefaultTemperature}
}

func ok(c *gin.Context, data any) {
	common.OK(c, data)
}

func fail(c *gin.Context, httpStatus int, code int, msg string) {
	common.Fail(c, httpStatus, code, msg)
}

// failErr maps a pre-stream adapter error onto a status and envelope code.
func failErr(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, 50001
	switch ai.KindOf(err) {
	case ai.ErrConfiguration:
		status, code = http.StatusServiceUnavailable, 50301
	case ai.ErrUpstreamProtocol:
		status, code = http.StatusBadGateway, 50201
	}
	fail(c, status, code, errMessage(err))
}

func errMessage(err error) string {
	var e *ai.Error
	if errors.As(err, &e) {
		return e.Error()
	}
	return err.Error()
}

func (h *Handler) Ping(c *gin.Context) {
	ok(c, gin.H{"status": "ok", "time": time.Now().UTC(), "version": Version})
}

func (h *Handler) Health(c *gin.Context) {
	configured := 0
	providers := h.Registry.Providers()
	for _, p := range providers {
		if p.Configured {
			configured++
		}
	}
	ok(c, gin.H{
		"status":               "healthy",
		"time":                 time.Now().UTC(),
		"version":              Version,
		"uptime_seconds":       int64(time.Since(h.StartedAt).Seconds()),
		"providers":            len(providers),
		"providers_configured": configured,
		"models":               len(h.Catalog.Models),
	})
}
