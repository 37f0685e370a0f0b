package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mirrorcast/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newRateLimitedRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func get(router http.Handler, remoteAddr string) int {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/test", nil)
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	router.ServeHTTP(w, req)
	return w.Code
}

// Test that when rate limiting is disabled, middleware lets all requests through.
func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false
	router := newRateLimitedRouter(cfg)

	assert.Equal(t, http.StatusOK, get(router, ""))
	assert.Equal(t, http.StatusOK, get(router, ""))
}

// Test basic per-IP rate limiting behaviour.
func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	router := newRateLimitedRouter(cfg)

	assert.Equal(t, http.StatusOK, get(router, "10.0.0.5:5000"))
	assert.Equal(t, http.StatusTooManyRequests, get(router, "10.0.0.5:5001"))

	// another client has its own budget
	assert.Equal(t, http.StatusOK, get(router, "10.0.0.6:5000"))
}

func TestRateLimiterStore_EvictsIdleLimiters(t *testing.T) {
	store := newRateLimiterStore(1, 1)
	clock := time.Unix(1700000000, 0)
	store.now = func() time.Time { return clock }

	store.getLimiter("10.0.0.5")
	store.getLimiter("10.0.0.6")
	assert.Len(t, store.limiters, 2)

	clock = clock.Add(idleLimiterTTL + time.Second)
	store.getLimiter("10.0.0.6")
	assert.Len(t, store.limiters, 1)
}
