package middleware_test

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/a-essam23/acars-relay/internal/server/middleware"
)

func TestConnectionLimiterReservesBeforeHandler(t *testing.T) {
	const limit = 2
	var (
		admitted atomic.Int32
		entered  = make(chan struct{}, 8)
		hold     = make(chan struct{})
	)
	h := middleware.Chain(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		admitted.Add(1)
		entered <- struct{}{}
		<-hold
	}),
		middleware.RequestMetadataMiddleware(false),
		middleware.NewConnectionLimiter(slog.New(slog.DiscardHandler), limit),
	)

	serve := func() int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/gateway", nil)
		req.RemoteAddr = "10.0.0.1:4000"
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	var wg sync.WaitGroup
	codes := make(chan int, 6)
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes <- serve()
		}()
	}
	for range limit {
		<-entered
	}
	// four requests are turned away while two hold their slots
	rejected := 0
	for range 4 {
		assert.Equal(t, http.StatusTooManyRequests, <-codes)
		rejected++
	}
	close(hold)
	wg.Wait()
	close(codes)
	for code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
	assert.Equal(t, int32(limit), admitted.Load())
	assert.Equal(t, 4, rejected)

	assert.Equal(t, http.StatusOK, serve(), "released slots are reusable")
}
