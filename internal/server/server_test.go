package server_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/alecthomas/errors"

	"github.com/block/ctfplug/internal/ctf"
	"github.com/block/ctfplug/internal/logging"
	"github.com/block/ctfplug/internal/server"
)

func get(ctx context.Context, t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequestWithContext(ctx, http.MethodGet, path, nil))
	return w
}

func TestStandings(t *testing.T) {
	_, ctx := logging.Configure(t.Context(), logging.Config{Level: slog.LevelError})
	s := server.New(ctx)

	assert.Equal(t, http.StatusOK, get(ctx, t, s, "/_liveness").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(ctx, t, s, "/_readiness").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(ctx, t, s, "/standings").Code)

	s.Publish(server.Snapshot{
		Generation: 3,
		UpdatedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Standings: []ctf.Standing{
			{TeamID: "t2", TeamName: "Bravo", Points: 800, Solves: 2},
			{TeamID: "t1", TeamName: "Alpha", Points: 500, Solves: 1},
		},
	})
	assert.Equal(t, http.StatusOK, get(ctx, t, s, "/_readiness").Code)

	w := get(ctx, t, s, "/standings")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var snapshot server.Snapshot
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &snapshot))
	assert.Equal(t, int64(3), snapshot.Generation)
	assert.Equal(t, 2, len(snapshot.Standings))

	w = get(ctx, t, s, "/standings/t1")
	assert.Equal(t, http.StatusOK, w.Code)
	var team struct {
		Position int    `json:"position"`
		TeamName string `json:"team_name"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &team))
	assert.Equal(t, 2, team.Position)
	assert.Equal(t, "Alpha", team.TeamName)

	assert.Equal(t, http.StatusNotFound, get(ctx, t, s, "/standings/t9").Code)
}

func TestReadinessCheck(t *testing.T) {
	_, ctx := logging.Configure(t.Context(), logging.Config{Level: slog.LevelError})
	var failing error = errors.New("settings have not been loaded")
	s := server.New(ctx, server.WithReadiness(func() error { return failing }))
	s.Publish(server.Snapshot{})

	assert.Equal(t, http.StatusServiceUnavailable, get(ctx, t, s, "/_readiness").Code)
	failing = nil
	assert.Equal(t, http.StatusOK, get(ctx, t, s, "/_readiness").Code)
}

func TestReadyWithoutStandings(t *testing.T) {
	_, ctx := logging.Configure(t.Context(), logging.Config{Level: slog.LevelError})
	s := server.New(ctx, server.WithoutStandings())

	assert.Equal(t, http.StatusOK, get(ctx, t, s, "/_readiness").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(ctx, t, s, "/standings").Code)
}

func TestMetricsRoute(t *testing.T) {
	_, ctx := logging.Configure(t.Context(), logging.Config{Level: slog.LevelError})
	s := server.New(ctx, server.WithMetrics(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))
	assert.Equal(t, http.StatusTeapot, get(ctx, t, s, "/metrics").Code)
}
