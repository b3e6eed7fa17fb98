package httpapi

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/streamgate/internal/common"
	"github.com/suPer8Hu/streamgate/internal/httpapi/handlers"
	"github.com/suPer8Hu/streamgate/internal/httpapi/middleware"
)

// NewRouter wires every route onto h. accessLog receives gin's access log;
// nil keeps gin's default writer.
func NewRouter(h *handlers.Handler, accessLog io.Writer) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	if accessLog != nil {
		r.Use(gin.LoggerWithWriter(accessLog))
	} else {
		r.Use(gin.Logger())
	}
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	r.GET("/ping", h.Ping)
	r.GET("/health", h.Health)

	api := r.Group("/api")
	api.POST("/chat", h.Chat)
	api.POST("/stream/:provider", h.StreamProvider)

	api.GET("/models", h.ListModels)
	api.GET("/models/capabilities", h.ModelCapabilities)
	api.GET("/models/:name", h.GetModel)
	api.POST("/models/test/:name", h.TestModel)
	api.GET("/providers", h.ListProviders)

	api.GET("/usage/:model", h.UsageTotals)
	api.GET("/usage/:model/recent", h.RecentUsage)
	api.GET("/streams/:stream_id", h.StreamUsage)
	return r
}
