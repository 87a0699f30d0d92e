package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_BurstThenRefill(t *testing.T) {
	l := New(Config{RequestsPerMinute: 600, BurstSize: 3})

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("ip"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("ip"))

	// 10 per second refills one token in 100ms.
	require.Eventually(t, func() bool { return l.Allow("ip") }, time.Second, 20*time.Millisecond)
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := New(Config{RequestsPerMinute: 1, BurstSize: 1})

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	assert.Equal(t, 2, l.Len())
}

func TestLimiter_IdleKeysExpire(t *testing.T) {
	l := New(Config{RequestsPerMinute: 1, BurstSize: 1, IdleTTL: 20 * time.Millisecond})
	l.Allow("a")
	require.Eventually(t, func() bool { return l.Len() == 0 }, time.Second, 10*time.Millisecond)

	// A fresh bucket starts full.
	assert.True(t, l.Allow("a"))
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := New(Config{RequestsPerMinute: 1, BurstSize: 1})
	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 60, cfg.RequestsPerMinute)
	assert.Equal(t, 10, cfg.BurstSize)
	assert.Equal(t, 2*time.Minute, cfg.IdleTTL)
}
