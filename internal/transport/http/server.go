// Package http provides the ops HTTP surface of voxpipe.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	GET    /api/memory
//	GET    /api/queues
//	POST   /api/loop/run
//	POST   /api/sessions/{id}/done
//	GET    /api/sessions/{id}/dedup
//	POST   /api/sessions/{id}/dedup
//	GET    /ws/sessions/{id}
//	GET    /metrics
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/sneh-joshi/voxpipe/internal/config"
	"github.com/sneh-joshi/voxpipe/internal/dedup"
	"github.com/sneh-joshi/voxpipe/internal/jobqueue"
	"github.com/sneh-joshi/voxpipe/internal/metrics"
	"github.com/sneh-joshi/voxpipe/internal/pipeline"
	transportws "github.com/sneh-joshi/voxpipe/internal/transport/websocket"
	"github.com/sneh-joshi/voxpipe/internal/types"
)

// Queues reports work-queue memory and per-state counts.
type Queues interface {
	MemoryInfo() (jobqueue.MemoryInfo, error)
	Counts() (map[string]map[string]int, error)
}

// Ticker runs one scheduler tick on demand.
type Ticker interface {
	Tick(ctx context.Context, job types.LoopJob) (pipeline.Result, error)
}

// Closer handles a session "done" request.
type Closer interface {
	Close(ctx context.Context, sessionID string) (*types.Session, error)
}

// Deduper plans and applies duplicate-attachment cleanup.
type Deduper interface {
	Plan(ctx context.Context, sessionID string) (dedup.Plan, error)
	Apply(ctx context.Context, plan dedup.Plan) (dedup.ApplyResult, error)
}

// Deps are the components the routes call into. Hub may be nil, which
// disables the websocket route.
type Deps struct {
	NodeID     string
	RuntimeTag string
	Queues     Queues
	Loop       Ticker
	Closer     Closer
	Dedup      Deduper
	Hub        *transportws.Hub
	Lookup     func(ctx context.Context, sessionID string) error
}

// Server wraps the stdlib HTTP server with voxpipe route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server. The caller is responsible for calling
// ListenAndServe / Shutdown.
func New(d Deps, cfg *config.Config, reg *metrics.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{deps: d, log: logger.With("component", "http")}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	// Queue introspection
	mux.HandleFunc("GET /api/memory", h.memory)
	mux.HandleFunc("GET /api/queues", h.queues)

	// Pipeline control
	mux.HandleFunc("POST /api/loop/run", h.runLoop)
	mux.HandleFunc("POST /api/sessions/{id}/done", h.sessionDone)
	mux.HandleFunc("GET /api/sessions/{id}/dedup", h.dedupPlan)
	mux.HandleFunc("POST /api/sessions/{id}/dedup", h.dedupApply)

	// WebSocket push
	if d.Hub != nil {
		mux.Handle("GET /ws/sessions/{id}", &transportws.Handler{Hub: d.Hub, Lookup: d.Lookup})
	}

	// Metrics (Prometheus text format)
	if reg != nil && cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", reg.Handler())
	}

	rps, burst := cfg.HTTP.RateRPS, cfg.HTTP.RateBurst
	if rps <= 0 {
		rps = 100
	}
	if burst <= 0 {
		burst = 200
	}

	var handler http.Handler = mux
	handler = chain(handler,
		CORSMiddleware,
		MaxBodyMiddleware,
		LoggingMiddleware(logger, reg),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(rps, burst),
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
