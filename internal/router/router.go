package router

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/docify-ai/docify-backend/internal/handler"
	"github.com/docify-ai/docify-backend/internal/middleware"
)

// Dependencies holds all injected services needed by the router.
type Dependencies struct {
	DB          handler.DBPinger
	FrontendURL string
	Version     string
	Metrics     *middleware.Metrics
	MetricsReg  *prometheus.Registry

	MessageDeps handler.MessageDeps
	StreamDeps  handler.StreamDeps
	Stats       handler.PipelineStatsProvider
}

// New creates and configures the Chi router with all routes.
func New(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Logging)
	r.Use(middleware.CORS(deps.FrontendURL))
	if deps.Metrics != nil {
		r.Use(middleware.Monitoring(deps.Metrics))
	}

	// Public routes
	r.Get("/api/health", handler.Health(deps.DB, deps.Version))
	if deps.MetricsReg != nil {
		r.Handle("/metrics", middleware.MetricsHandler(deps.MetricsReg))
	}

	// Short timeout for accept/status; the synchronous pipeline routes run
	// the full LLM round trip and need more headroom.
	timeout30s := middleware.Timeout(30 * time.Second)
	timeoutPipeline := middleware.Timeout(10 * time.Minute)

	r.With(timeout30s).Post("/api/conversations/{id}/messages", handler.CreateMessage(deps.MessageDeps))
	r.With(timeout30s).Get("/api/conversations/{cid}/messages/{mid}/status", handler.MessageStatus(deps.MessageDeps))
	r.With(timeoutPipeline).Post("/api/conversations/messages/{id}/regenerate", handler.RegenerateMessage(deps.MessageDeps))
	r.With(timeoutPipeline).Post("/api/conversations/generate", handler.GenerateOneShot(deps.MessageDeps))

	if deps.Stats != nil {
		r.With(timeout30s).Get("/api/pipeline/stats", handler.PipelineStats(deps.Stats))
	}

	// WebSocket push — no write timeout; the stream owns its own deadline.
	r.Get("/ws/messages/{message_id}/stream", handler.StreamMessage(deps.StreamDeps))

	// 404 fallback
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"error":   "route not found",
		})
	})

	return r
}
