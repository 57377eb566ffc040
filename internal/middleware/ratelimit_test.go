package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func newTestRouter(rl *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(rl.Middleware())
	r.GET("/v1/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func doGet(r *gin.Engine) int {
	req := httptest.NewRequest(http.MethodGet, "/v1/ping", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec.Code
}

func TestRateLimiterAllowsRequestsWithinBurst(t *testing.T) {
	rl := NewRateLimiter(1, 3)
	r := newTestRouter(rl)

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, doGet(r), "request %d within burst should be allowed", i+1)
	}
}

func TestRateLimiterBlocksRequestsPastBurst(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	r := newTestRouter(rl)

	require.Equal(t, http.StatusOK, doGet(r))
	require.Equal(t, http.StatusOK, doGet(r))
	require.Equal(t, http.StatusTooManyRequests, doGet(r), "third immediate request must exceed the burst")
}

func TestRateLimiterTracksKeysIndependently(t *testing.T) {
	rl := NewRateLimiter(1, 1)

	first := rl.getLimiter("127.0.0.1")
	require.True(t, first.Allow())
	require.False(t, first.Allow(), "single-burst limiter must reject a second immediate call")

	second := rl.getLimiter("10.0.0.1")
	require.True(t, second.Allow(), "a different key must have its own independent bucket")
}
