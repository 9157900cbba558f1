package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Deps are the collaborators the router dispatches to. Health and Metrics
// may be nil.
type Deps struct {
	Subscriptions Subscriber
	Newsletters   Publisher
	Health        *HealthChecker
	Metrics       http.Handler

	// Realm is sent in the Basic challenge of POST /newsletters.
	Realm       string
	CORSOrigins []string
}

// NewRouter builds the service's routes.
func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	// The subscribe form may be embedded on another origin.
	if len(d.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: d.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
			MaxAge:         300,
		}))
	}

	h := &handlers{subs: d.Subscriptions, news: d.Newsletters, realm: d.Realm}

	r.Get("/health_check", healthCheck)
	if d.Health != nil {
		r.Get("/health/ready", d.Health.HandleReadiness)
	}
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Post("/subscriptions", h.subscribe)
	r.Get("/subscriptions/confirm", h.confirm)
	r.Post("/newsletters", h.publish)

	return r
}
