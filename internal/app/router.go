package app

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/helios-pms/helios/internal/observability"
	"github.com/helios-pms/helios/internal/platform/httpx"
	"github.com/helios-pms/helios/internal/queue"
	"github.com/helios-pms/helios/internal/rbac"
	"github.com/helios-pms/helios/report"
)

// RouterParams groups dependencies for the worker's operational HTTP surface.
type RouterParams struct {
	Logger        *slog.Logger
	Config        *Config
	Queue         *queue.Queue
	Access        *rbac.Service
	ReportHandler *report.Handler
	Metrics       *observability.Metrics
}

// NewRouter constructs the ops router: health, queue introspection,
// permission lookups and the metrics scrape endpoint. No business traffic
// terminates here.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}
	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/queue", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			mode := "fallback"
			if params.Queue.DurableMode() {
				mode = "durable"
			}
			httpx.JSON(w, http.StatusOK, map[string]any{
				"mode":           mode,
				"fallback_depth": params.Queue.FallbackDepth(),
			})
		})
		r.Get("/dead", func(w http.ResponseWriter, r *http.Request) {
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			dead, err := params.Queue.DeadLetters(r.Context(), limit)
			if err != nil {
				httpx.RespondError(w, err)
				return
			}
			type deadEntry struct {
				ID        string `json:"id"`
				Kind      string `json:"kind"`
				LastError string `json:"last_error"`
				DiedAt    string `json:"died_at"`
				Source    string `json:"source"`
			}
			out := make([]deadEntry, 0, len(dead))
			for _, d := range dead {
				out = append(out, deadEntry{
					ID:        d.ID,
					Kind:      d.Kind,
					LastError: d.LastError,
					DiedAt:    d.DiedAt.Format("2006-01-02T15:04:05Z07:00"),
					Source:    d.Source,
				})
			}
			httpx.JSON(w, http.StatusOK, map[string]any{"dead": out})
		})
		r.Delete("/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
			if err := params.Queue.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
				httpx.RespondError(w, err)
				return
			}
			httpx.JSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
		})
	})

	r.Get("/rbac/permissions", func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
		if err != nil || userID <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "user_id is required")
			return
		}
		tenantID, err := strconv.ParseInt(r.URL.Query().Get("tenant_id"), 10, 64)
		if err != nil || tenantID <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "tenant_id is required")
			return
		}
		effective, err := params.Access.Resolve(r.Context(), userID, tenantID)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]any{
			"primary_role": effective.PrimaryRole.Name,
			"permissions":  effective.Permissions.Tokens(),
		})
	})

	if params.ReportHandler != nil {
		r.Route("/render", params.ReportHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
