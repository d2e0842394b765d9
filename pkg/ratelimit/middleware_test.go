package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestKeyedLimiter_Allow(t *testing.T) {
	l := NewKeyedLimiter(RateLimitConfig{RPS: 1, Burst: 2, MaxAge: time.Minute})

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"), "buckets are per key")
}

func TestKeyedLimiter_Sweep(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewKeyedLimiter(RateLimitConfig{RPS: 1, Burst: 1, MaxAge: time.Minute})
	l.now = func() time.Time { return now }

	l.Allow("old")
	now = now.Add(2 * time.Minute)
	l.Allow("fresh")

	assert.Equal(t, 1, l.Sweep())
	assert.Len(t, l.entries, 1)
}

func TestKeyedLimiter_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := NewKeyedLimiter(RateLimitConfig{RPS: 1, Burst: 1, MaxAge: time.Minute})

	router := gin.New()
	router.Use(l.Middleware())
	router.POST("/hook", func(c *gin.Context) { c.Status(http.StatusOK) })

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/hook", nil))
	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/hook", nil))

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Contains(t, second.Body.String(), "RATE_LIMIT_EXCEEDED")
}
