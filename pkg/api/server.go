package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/autostop/pkg/middleware"
	"github.com/psantana5/autostop/pkg/ratelimit"
	"github.com/psantana5/autostop/pkg/tracing"
)

// NewRouter registers h behind request IDs, access logging, tracing and
// per-client rate limiting. A nil limiter or tracer skips the corresponding
// middleware.
func NewRouter(h *EmergencyHandler, limiter *ratelimit.Limiter, tracer *tracing.Provider) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestID, middleware.AccessLog(h.logger))
	if tracer != nil {
		r.Use(tracing.HTTPMiddleware(tracer))
	}
	if limiter != nil {
		keyFunc := h.clientKey
		if keyFunc == nil {
			keyFunc = ratelimit.IPKeyFunc
		}
		r.Use(limiter.Middleware(keyFunc))
	}
	h.RegisterRoutes(r)
	return r
}

// NewServer returns an http.Server for router
func NewServer(addr string, router http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// The emergency stop walks every ECS service before answering
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
}
