// Package server implements the daemon's status endpoints: health checks, the latest standings and metrics.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/block/ctfplug/internal/ctf"
	"github.com/block/ctfplug/internal/httputil"
	"github.com/block/ctfplug/internal/logging"
)

// Snapshot is the result of one recalculation.
type Snapshot struct {
	Generation int64          `json:"generation"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Standings  []ctf.Standing `json:"standings"`
}

type Option func(*Server)

// WithMetrics serves handler on /metrics.
func WithMetrics(handler http.Handler) Option {
	return func(s *Server) { s.mux.Handle("GET /metrics", handler) }
}

// WithReadiness reports ready only while check returns nil, in addition to a snapshot having been published.
func WithReadiness(check func() error) Option {
	return func(s *Server) { s.ready = check }
}

// WithoutStandings reports ready without a published snapshot, for daemons that do not rescore.
func WithoutStandings() Option {
	return func(s *Server) { s.requireSnapshot = false }
}

type Server struct {
	logger          *slog.Logger
	mux             *http.ServeMux
	ready           func() error
	requireSnapshot bool
	snapshot        atomic.Pointer[Snapshot]
}

var _ http.Handler = (*Server)(nil)

func New(ctx context.Context, options ...Option) *Server {
	s := &Server{
		logger:          logging.FromContext(ctx),
		mux:             http.NewServeMux(),
		ready:           func() error { return nil },
		requireSnapshot: true,
	}
	s.mux.HandleFunc("GET /_liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK")) //nolint:errcheck
	})
	s.mux.HandleFunc("GET /_readiness", s.readiness)
	s.mux.HandleFunc("GET /standings", s.standings)
	s.mux.HandleFunc("GET /standings/{team}", s.teamStanding)
	for _, option := range options {
		option(s)
	}
	return s
}

// Publish replaces the standings served by the server.
func (s *Server) Publish(snapshot Snapshot) {
	s.snapshot.Store(&snapshot)
	s.logger.Debug("Published standings", "generation", snapshot.Generation, "teams", len(snapshot.Standings))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	if s.requireSnapshot && s.snapshot.Load() == nil {
		httputil.ErrorResponse(w, r, http.StatusServiceUnavailable, "standings have not been calculated")
		return
	}
	if err := s.ready(); err != nil {
		httputil.ErrorResponse(w, r, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK")) //nolint:errcheck
}

func (s *Server) standings(w http.ResponseWriter, r *http.Request) {
	snapshot := s.snapshot.Load()
	if snapshot == nil {
		httputil.ErrorResponse(w, r, http.StatusServiceUnavailable, "standings have not been calculated")
		return
	}
	httputil.WriteJSON(w, r, http.StatusOK, snapshot)
}

func (s *Server) teamStanding(w http.ResponseWriter, r *http.Request) {
	snapshot := s.snapshot.Load()
	if snapshot == nil {
		httputil.ErrorResponse(w, r, http.StatusServiceUnavailable, "standings have not been calculated")
		return
	}
	team := r.PathValue("team")
	for i, standing := range snapshot.Standings {
		if standing.TeamID == team {
			httputil.WriteJSON(w, r, http.StatusOK, struct {
				Position int `json:"position"`
				ctf.Standing
			}{i + 1, standing})
			return
		}
	}
	httputil.ErrorResponse(w, r, http.StatusNotFound, "unknown team "+team)
}
