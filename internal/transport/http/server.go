// Package http provides the HTTP transport layer for xcmq.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	POST   /ingress
//	GET    /state/config
//	GET    /state/backlog
//	GET    /state/origins/{origin}/deferred
//	GET    /state/origins/{origin}/deferred/{deferred_to}/{bucket}
//	GET    /state/overweight/{index}
//	POST   /admin/deferred/service
//	POST   /admin/deferred/discard
//	POST   /admin/overweight/{index}/service
//	PUT    /admin/config/{knob}
//	POST   /admin/suspension
//	POST   /admin/subscriptions
//	GET    /admin/subscriptions
//	DELETE /admin/subscriptions/{id}
//	GET    /metrics
//	GET    /events/ws
//
// Admin routes require the privileged caller (see CallerMiddleware).
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/snehjoshi/xcmq/internal/chain"
	"github.com/snehjoshi/xcmq/internal/config"
	"github.com/snehjoshi/xcmq/internal/consumer"
	"github.com/snehjoshi/xcmq/internal/engine"
	"github.com/snehjoshi/xcmq/internal/metrics"
	"github.com/snehjoshi/xcmq/internal/node"
	transportws "github.com/snehjoshi/xcmq/internal/transport/websocket"
)

// maxRequestBodyBytes bounds every inbound request body: a full ingress
// batch of maximum-size pages, base64-encoded, plus JSON framing.
const maxRequestBodyBytes = 64 << 20 // 64 MiB

// Deps are the components the server exposes. Node, Metrics, Hub and
// Subscriptions may be nil; the matching routes are then omitted.
type Deps struct {
	Engine        *engine.Engine
	Producer      *chain.Producer
	Node          *node.Node
	Metrics       *metrics.Registry
	Hub           *transportws.Hub
	Subscriptions *consumer.Manager
}

// Server wraps the stdlib HTTP server with xcmq route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server. The caller is responsible for calling
// ListenAndServe / Shutdown.
func New(d Deps, cfg *config.Config) *Server {
	h := &Handler{
		engine:       d.Engine,
		producer:     d.Producer,
		node:         d.Node,
		subs:         d.Subscriptions,
		maxPageBytes: cfg.Limits.MaxPageSizeKB * 1024,
	}

	mux := http.NewServeMux()

	// Health
	mux.HandleFunc("GET /health", h.health)

	// Ingress
	mux.HandleFunc("POST /ingress", h.submitPages)

	// State
	mux.HandleFunc("GET /state/config", h.stateConfig)
	mux.HandleFunc("GET /state/backlog", h.backlog)
	mux.HandleFunc("GET /state/origins/{origin}/deferred", h.deferredIndices)
	mux.HandleFunc("GET /state/origins/{origin}/deferred/{deferred_to}/{bucket}", h.deferredBucket)
	mux.HandleFunc("GET /state/overweight/{index}", h.overweightEntry)

	// Admin
	mux.HandleFunc("POST /admin/deferred/service", h.serviceDeferred)
	mux.HandleFunc("POST /admin/deferred/discard", h.discardDeferred)
	mux.HandleFunc("POST /admin/overweight/{index}/service", h.serviceOverweight)
	mux.HandleFunc("PUT /admin/config/{knob}", h.updateConfig)
	mux.HandleFunc("POST /admin/suspension", h.suspension)
	if d.Subscriptions != nil {
		mux.HandleFunc("POST /admin/subscriptions", h.subscribe)
		mux.HandleFunc("GET /admin/subscriptions", h.listSubscriptions)
		mux.HandleFunc("DELETE /admin/subscriptions/{id}", h.unsubscribe)
	}

	// Metrics (Prometheus text format)
	if d.Metrics != nil && cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", d.Metrics.Handler())
	}

	// Live event stream
	if d.Hub != nil {
		mux.Handle("GET /events/ws", d.Hub)
	}

	// Build middleware chain: caller → body limit → logging → rate-limit.
	// The caller middleware copies the request, so it sits outside logging
	// for the logged request to carry the matched route pattern.
	var handler http.Handler = mux
	handler = chainMiddleware(handler,
		CORSMiddleware,
		CallerMiddleware(cfg.Auth.AdminKey, cfg.Auth.Enabled),
		MaxBodyMiddleware(maxRequestBodyBytes),
		LoggingMiddleware(d.Metrics),
		RateLimitMiddleware(cfg.HTTP.RateLimit, cfg.HTTP.Burst),
	)

	return &Server{
		inner: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
