// Package httpadmin is the host's small HTTP admin surface (spec §6):
// liveness/readiness probes, Prometheus metrics, and pprof, all served
// off http_admin_addr.
//
// Grounded on the teacher's pkg/api.HealthServer: a *http.ServeMux built
// once in the constructor, registered handlers, a Start(addr) that wraps
// http.Server with the same read/write/idle timeouts.
package httpadmin

import (
	"context"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/cuemby/wasmcloud-host/pkg/log"
	"github.com/cuemby/wasmcloud-host/pkg/metrics"
	"github.com/rs/zerolog"
)

// Server is the host's admin HTTP surface.
type Server struct {
	addr   string
	mux    *http.ServeMux
	srv    *http.Server
	logger zerolog.Logger
}

// New builds a Server listening on addr, wiring /livez, /readyz,
// /metrics, and pprof's /debug/pprof/* routes.
func New(addr string) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/livez", metrics.LivenessHandler())
	mux.HandleFunc("/readyz", metrics.ReadyHandler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return &Server{
		addr:   addr,
		mux:    mux,
		logger: log.WithComponent("httpadmin"),
	}
}

// Start runs the admin server until the process exits or Shutdown is
// called; it returns http.ErrServerClosed on a clean shutdown.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:         s.addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", s.addr).Msg("admin HTTP server listening")
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the admin server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
