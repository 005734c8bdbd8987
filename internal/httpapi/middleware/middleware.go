package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/ai-chatroom/internal/common"
)

const (
	RequestIDKey    = "request_id"
	RequestIDHeader = "X-Request-ID"
)

// RequestID reuses an inbound X-Request-ID or mints a ULID.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 64 {
			var err error
			if id, err = common.NewULID(); err != nil {
				id = "unknown"
			}
		}
		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// Recovery turns a panic into a 50000 envelope.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic recovered",
					slog.Any("panic", r),
					slog.String("path", c.Request.URL.Path),
					slog.String("request_id", c.GetString(RequestIDKey)),
					slog.String("stack", string(debug.Stack())),
				)
				common.Fail(c, http.StatusInternalServerError, 50000, "internal error")
			}
		}()
		c.Next()
	}
}
