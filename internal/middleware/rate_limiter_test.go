package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllow(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 3, Burst: 5})
	defer rl.Stop()

	t.Run("within limit", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			assert.True(t, rl.Allow("alice"))
		}
	})

	t.Run("above limit", func(t *testing.T) {
		assert.False(t, rl.Allow("alice"))
	})

	t.Run("keys are independent", func(t *testing.T) {
		assert.True(t, rl.Allow("bob"))
	})
}

func TestMiddleware(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 1, Burst: 1})
	defer rl.Stop()

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func(user string) int {
		req := httptest.NewRequest("GET", "/api/loaders", nil)
		if user != "" {
			req.Header.Set("X-User", user)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call("alice"))
	assert.Equal(t, http.StatusTooManyRequests, call("alice"))
	assert.Equal(t, http.StatusOK, call("carol"))
}
