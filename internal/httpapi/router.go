// Package httpapi wires the job intake API onto a chi router.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"framefarm/internal/httpapi/handlers"
	"framefarm/internal/httpkit"
	"framefarm/internal/pkg/logger"
	"framefarm/internal/pkg/middleware"
	"framefarm/internal/util"
)

type Deps = handlers.Deps

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	d.Log = log

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(log))
	r.Use(middleware.Recovery(log))
	r.Use(httpkit.CORS(httpkit.CORSOptions{
		AllowedOrigins: httpkit.SplitCSV(util.Env("CORS_ALLOWED_ORIGINS", "http://localhost:5173")),
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
	}))

	h := handlers.New(d)

	r.Get("/health", h.Health)

	// Uploads and frame downloads stream; only the JSON routes get a deadline.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Get("/scenes/{sceneId}", h.GetScene)
		r.Delete("/scenes/{sceneId}", h.DeleteScene)

		r.Post("/jobs", h.PostJob)
		r.Get("/jobs", h.ListJobs)
		r.Get("/jobs/{jobId}", h.GetJob)
		r.Post("/jobs/{jobId}/cancel", h.CancelJob)
	})

	r.Post("/scenes", h.PostScene)
	r.Get("/scenes/{sceneId}/content", h.StreamScene)
	r.Get("/jobs/{jobId}/frames/{frame}/content", h.StreamFrame)

	return r
}
