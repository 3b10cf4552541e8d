package handler

import (
	"context"
	"net/http"
	"time"
)

// DBPinger abstracts database liveness for the health endpoint.
type DBPinger interface {
	Ping(ctx context.Context) error
}

// Health reports service liveness and database reachability.
// GET /api/health
func Health(db DBPinger, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := "ok"
		dbStatus := "ok"
		code := http.StatusOK
		if db != nil {
			if err := db.Ping(ctx); err != nil {
				status = "degraded"
				dbStatus = "unreachable"
				code = http.StatusServiceUnavailable
			}
		}

		respondJSON(w, code, map[string]string{
			"status":   status,
			"database": dbStatus,
			"version":  version,
		})
	}
}

// PipelineStatsProvider exposes pipeline configuration for diagnostics.
type PipelineStatsProvider interface {
	PipelineStats() map[string]any
}

// PipelineStats describes the generation pipeline and its defaults.
// GET /api/pipeline/stats
func PipelineStats(p PipelineStatsProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, envelope{Success: true, Data: p.PipelineStats()})
	}
}
