package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/status", nil)
	r.RemoteAddr = "203.0.113.5:12345"
	return r
}

func TestCheckLimitAllowsWithinBudget(t *testing.T) {
	l := New(Config{RequestsPerMinute: 5, RequestsPerHour: 100, MaxConcurrent: 10, CleanupInterval: time.Hour, BanDuration: time.Minute})
	defer l.Shutdown()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.CheckLimit(newRequest()))
		l.Release(newRequest())
	}
}

func TestCheckLimitRejectsOverPerMinuteBudget(t *testing.T) {
	l := New(Config{RequestsPerMinute: 2, RequestsPerHour: 100, MaxConcurrent: 10, CleanupInterval: time.Hour, BanDuration: time.Minute})
	defer l.Shutdown()

	require.NoError(t, l.CheckLimit(newRequest()))
	l.Release(newRequest())
	require.NoError(t, l.CheckLimit(newRequest()))
	l.Release(newRequest())

	assert.Error(t, l.CheckLimit(newRequest()))
}

func TestMiddlewareReturns429OnViolation(t *testing.T) {
	l := New(Config{RequestsPerMinute: 1, RequestsPerHour: 100, MaxConcurrent: 10, CleanupInterval: time.Hour, BanDuration: time.Minute})
	defer l.Shutdown()

	handler := l.Middleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	handler(rec, newRequest())
	assert.Equal(t, http.StatusOK, rec.Code)

	rec2 := httptest.NewRecorder()
	handler(rec2, newRequest())
	assert.Equal(t, http.StatusTooManyRequests, rec2.Code)
}

func TestConcurrentLimitEnforced(t *testing.T) {
	l := New(Config{RequestsPerMinute: 100, RequestsPerHour: 1000, MaxConcurrent: 1, CleanupInterval: time.Hour, BanDuration: time.Minute})
	defer l.Shutdown()

	req := newRequest()
	require.NoError(t, l.CheckLimit(req))
	assert.Error(t, l.CheckLimit(req))
	l.Release(req)
	require.NoError(t, l.CheckLimit(req))
}
