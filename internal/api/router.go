package api

import (
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig holds the router's CORS and auth settings.
type RouterConfig struct {
	// BackendAPIKey is the key that must be provided in X-API-Key or Authorization: Bearer <key>.
	// If empty, auth middleware is skipped (development mode).
	BackendAPIKey string

	// CorsAllowedOrigins is a comma-separated list of allowed origins.
	// If empty, defaults to "*" (development mode).
	CorsAllowedOrigins string
}

func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (applied to all routes including /health)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg.CorsAllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)

	r.Route("/v1", func(r chi.Router) {
		if cfg.BackendAPIKey != "" {
			r.Use(APIKeyAuth(cfg.BackendAPIKey))
		}

		r.Get("/chapters/{chapterId}/dialogues", h.ListChapterDialogues)
		r.Get("/dialogues/{id}", h.GetDialogue)
		r.Put("/dialogues/{id}", h.UpdateDialogue)

		r.Route("/audio", func(r chi.Router) {
			r.Post("/generate", h.GenerateAudio)
			r.Post("/batch-generate", h.BatchGenerateAudio)
			r.Post("/generate-chapter", h.GenerateChapterAudio)
			r.Post("/export", h.ExportAudio)
			r.Get("/exports", h.ListAudioExports)
			r.Delete("/exports/{id}", h.DeleteAudioExport)
			r.Get("/engines", h.ListEngines)
		})

		r.Get("/jobs/{id}", h.GetJob)
	})

	return r
}

// allowedOrigins splits a comma-separated origin list; empty means any origin.
func allowedOrigins(list string) []string {
	var origins []string
	for _, o := range strings.Split(list, ",") {
		if s := strings.TrimSpace(o); s != "" {
			origins = append(origins, s)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
