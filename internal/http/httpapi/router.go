package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"cloner/internal/http/handlers"
	"cloner/internal/middleware"
)

// RouterOptions tunes the cross-cutting middleware.
type RouterOptions struct {
	AllowedOrigins  []string
	SubmitRateLimit int
}

func NewRouter(app *handlers.App, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(app.Logger),
		middleware.CORS(opts.AllowedOrigins),
	)

	r.Get("/", app.Root)
	r.Get("/v1/healthz", app.Health)

	r.Route("/api/clone", func(r chi.Router) {
		r.With(middleware.RateLimit(opts.SubmitRateLimit, time.Minute)).Post("/", app.CloneCreate)
		r.Get("/", app.CloneList)
		r.Get("/{id}", app.CloneGet)
		r.Get("/{id}/html", app.CloneHTML)
		r.Get("/{id}/bundle", app.CloneBundle)
		r.Get("/{id}/assets/*", app.CloneAsset)
	})

	r.Get("/ws/{id}", app.CloneStatus)

	return r
}
