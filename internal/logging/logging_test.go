package logging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogFormatter(t *testing.T) {
	entry := &log.Entry{
		Logger:  log.New(),
		Time:    time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Level:   log.WarnLevel,
		Message: "state mismatch\n",
		Data: log.Fields{
			SessionIDField: "0f8fad5b-d9cb-469f-a165-70867728950e",
			"merchant_id":  "M1",
			"ignored":      "x",
		},
	}
	out, err := (&LogFormatter{}).Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "[2025-01-02 03:04:05] [0f8fad5b] [warn ] state mismatch merchant_id=M1\n", string(out))
}

func TestSessionIDContext(t *testing.T) {
	ctx := WithSessionID(context.Background(), "abc")
	assert.Equal(t, "abc", GetSessionID(ctx))
	assert.Empty(t, GetSessionID(context.Background()))
	assert.Equal(t, "abc", Entry(ctx).Data[SessionIDField])
}

func TestGinLogrusLoggerMasksQuery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hook := test.NewGlobal()
	defer hook.Reset()

	engine := gin.New()
	engine.Use(GinLogrusLogger("session-1"))
	engine.GET("/cb", func(c *gin.Context) {
		assert.Equal(t, "session-1", GetGinSessionID(c))
		assert.Equal(t, "session-1", GetSessionID(c.Request.Context()))
		c.Status(http.StatusBadRequest)
	})

	recorder := httptest.NewRecorder()
	engine.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/cb?code=supersecretcode", nil))

	last := hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, log.WarnLevel, last.Level)
	assert.NotContains(t, last.Message, "supersecretcode")
	assert.Contains(t, last.Message, "supe...code")
}

func TestGinLogrusRecoveryHandlesRegularPanic(t *testing.T) {
	gin.SetMode(gin.TestMode)

	engine := gin.New()
	engine.Use(GinLogrusRecovery())
	engine.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})

	recorder := httptest.NewRecorder()
	engine.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, recorder.Code)
}
