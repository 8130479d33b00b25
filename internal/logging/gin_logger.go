package logging

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/merchantkit/merchantauth/internal/util"
	log "github.com/sirupsen/logrus"
)

// GinLogrusLogger returns a Gin middleware handler that logs HTTP requests and responses
// using logrus. Secret-bearing query parameters (code, state, tokens) are masked.
// When sessionID is non-empty it is attached to the request context and every log line.
//
// Output format: [2025-12-23 20:14:10] [a1b2c3d4] [info ] 200 |    23ms | 127.0.0.1 | GET "/oauth/callback?code=ab...yz"
func GinLogrusLogger(sessionID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := util.MaskSensitiveQuery(c.Request.URL.RawQuery)

		if sessionID != "" {
			SetGinSessionID(c, sessionID)
			c.Request = c.Request.WithContext(WithSessionID(c.Request.Context(), sessionID))
		}

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		latency := time.Since(start).Truncate(time.Millisecond)
		statusCode := c.Writer.Status()
		logLine := fmt.Sprintf("%3d | %8v | %15s | %-7s \"%s\"", statusCode, latency, c.ClientIP(), c.Request.Method, path)
		if errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String(); errorMessage != "" {
			logLine = logLine + " | " + errorMessage
		}

		entry := log.WithField(SessionIDField, sessionID)
		switch {
		case statusCode >= http.StatusInternalServerError:
			entry.Error(logLine)
		case statusCode >= http.StatusBadRequest:
			entry.Warn(logLine)
		default:
			entry.Info(logLine)
		}
	}
}

// GinLogrusRecovery returns a Gin middleware handler that recovers from panics and logs
// them using logrus. When a panic occurs, it captures the panic value, stack trace,
// and request path, then returns a 500 Internal Server Error response to the client.
func GinLogrusRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		if err, ok := recovered.(error); ok && errors.Is(err, http.ErrAbortHandler) {
			// Let net/http handle ErrAbortHandler so the connection is aborted without noisy stack logs.
			panic(http.ErrAbortHandler)
		}

		log.WithFields(log.Fields{
			"panic": recovered,
			"stack": string(debug.Stack()),
			"path":  c.Request.URL.Path,
		}).Error("recovered from panic")

		c.AbortWithStatus(http.StatusInternalServerError)
	})
}
