package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/streamgate/internal/config"
	"github.com/suPer8Hu/streamgate/internal/usage"
	"gorm.io/gorm"
)

func (h *Handler) ListModels(c *gin.Context) {
	models := h.Catalog.Models
	if provider := c.Query("provider"); provider != "" {
		models = h.Catalog.ByProvider(provider)
	}
	if models == nil {
		models = []config.ModelEntry{}
	}
	ok(c, gin.H{"models": models, "count": len(models)})
}

func (h *Handler) GetModel(c *gin.Context) {
	m, found := h.Catalog.Model(c.Param("name"))
	if !found {
		fail(c, http.StatusNotFound, 40401, "model not found")
		return
	}
	ok(c, m)
}

func (h *Handler) ModelCapabilities(c *gin.Context) {
	ok(c, h.Catalog.CapabilitySummary())
}

// TestModel checks that a catalog model resolves to a registered provider
// that has its settings. No upstream call is made.
func (h *Handler) TestModel(c *gin.Context) {
	m, found := h.Catalog.Model(c.Param("name"))
	if !found {
		fail(c, http.StatusNotFound, 40401, "model not found")
		return
	}
	adapter, err := h.Registry.Get(m.Provider)
	if err != nil {
		fail(c, http.StatusNotFound, 40402, "unknown provider")
		return
	}
	status, configured := "available", adapter.Configured()
	if !configured {
		status = "not_configured"
	}
	ok(c, gin.H{
		"model_name":    m.Name,
		"provider":      adapter.Name(),
		"transport":     adapter.Transport(),
		"configured":    configured,
		"status":        status,
		"configuration": m,
	})
}

func (h *Handler) ListProviders(c *gin.Context) {
	ok(c, gin.H{"providers": h.Registry.Providers()})
}

// UsageTotals prefers the redis counters and falls back to the database.
func (h *Handler) UsageTotals(c *gin.Context) {
	model := c.Param("model")
	var (
		totals usage.Totals
		source string
		err    error
	)
	switch {
	case h.Counter != nil:
		totals, err = h.Counter.Totals(c.Request.Context(), model)
		source = "redis"
	case h.Store != nil:
		totals, err = h.Store.TotalsByModel(c.Request.Context(), model)
		source = "db"
	default:
		fail(c, http.StatusNotFound, 40403, "usage accounting disabled")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, 50002, "usage lookup failed")
		return
	}
	ok(c, gin.H{"model": model, "source": source, "totals": totals})
}

// RecentUsage lists the newest usage records for a model. ?limit caps the
// count (default 20, max 200).
func (h *Handler) RecentUsage(c *gin.Context) {
	if h.Store == nil {
		fail(c, http.StatusNotFound, 40403, "usage accounting disabled")
		return
	}
	limit := 20
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			fail(c, http.StatusBadRequest, 10004, "invalid limit")
			return
		}
		limit = min(n, 200)
	}
	model := c.Param("model")
	records, err := h.Store.ListByModel(c.Request.Context(), model, limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50002, "usage lookup failed")
		return
	}
	ok(c, gin.H{"model": model, "records": records, "count": len(records)})
}

func (h *Handler) StreamUsage(c *gin.Context) {
	if h.Store == nil {
		fail(c, http.StatusNotFound, 40403, "usage accounting disabled")
		return
	}
	r, err := h.Store.Get(c.Request.Context(), c.Param("stream_id"))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		fail(c, http.StatusNotFound, 40404, "stream not found")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, 50002, "usage lookup failed")
		return
	}
	ok(c, r)
}
