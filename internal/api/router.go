// Package api assembles the chi router that fronts every C9 route.
package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/llamanexus/gateway/internal/api/handlers"
	"github.com/llamanexus/gateway/internal/api/middleware"
)

// NewRouter wires the admin, data-plane, health and static-UI routes (§4.9)
// behind the teacher's standard middleware chain.
func NewRouter(h *handlers.Handlers, webUIDir string) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "x-request-id", "x-conversation-id"},
		ExposedHeaders:   []string{"x-request-id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/admin/servers", func(r chi.Router) {
		r.Post("/register", h.RegisterBackend)
		r.Post("/unregister", h.UnregisterBackend)
		r.Get("/", h.ListBackends)
		r.Get("/{id}", h.GetBackend)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", h.ChatCompletions)
		r.Post("/embeddings", h.Embeddings())
		r.Post("/images/generations", h.ImagesGenerations())
		r.Post("/images/edits", h.ImagesEdits())
		r.Post("/audio/transcriptions", h.AudioTranscriptions())
		r.Post("/audio/translations", h.AudioTranslations())
		r.Post("/audio/speech", h.AudioSpeech())
		r.Get("/models", h.ListModels)
		r.Get("/health", h.Health)
	})

	if webUIDir != "" {
		serveWebUI(r, webUIDir)
	}

	return r
}

// serveWebUI serves static files from dir, falling back to index.html for
// SPA routing, for every GET not already claimed above (§4.9 Health/UI).
func serveWebUI(r chi.Router, dir string) {
	fileServer := http.FileServer(http.Dir(dir))
	r.Get("/*", func(w http.ResponseWriter, req *http.Request) {
		path := filepath.Join(dir, strings.TrimPrefix(req.URL.Path, "/"))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			http.ServeFile(w, req, filepath.Join(dir, "index.html"))
			return
		}
		fileServer.ServeHTTP(w, req)
	})
}
