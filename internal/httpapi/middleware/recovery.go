package middleware

import (
	"log"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/streamgate/internal/common"
)

// Recovery turns a handler panic into the JSON 500 envelope. If a stream
// already committed its headers the connection is just closed.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[Recovery] panic request_id=%s path=%s err=%v\n%s", c.GetString(RequestIDKey), c.Request.URL.Path, r, debug.Stack())
				if c.Writer.Written() {
					c.Abort()
					return
				}
				common.Abort(c, http.StatusInternalServerError, 50000, "internal error")
			}
		}()
		c.Next()
	}
}
