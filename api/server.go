/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:    Unique ID per request for tracing
  2. RealIP:       Client address from proxy headers
  3. Logger:       Request logging
  4. Recoverer:    Panic recovery (500 instead of crash)
  5. CORS:         Cross-origin requests for the front desk app
  6. RateLimit:    Token bucket per client IP (429)
  7. Idempotency:  Replays responses for a repeated Idempotency-Key

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Rate limiting and idempotency
  - cmd/server/main.go: Server startup
*/
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// RouterOptions tune the middleware stack. Zero values disable rate
// limiting and idempotency.
type RouterOptions struct {
	AllowedOrigins  []string
	RateLimitPerSec float64
	RateLimitBurst  int
	RequestIPHeader string
	IdempotencyTTL  time.Duration
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", IdempotencyHeader},
		ExposedHeaders: []string{"Idempotent-Replayed"},
		MaxAge:         300,
	}))
	if opts.RateLimitPerSec > 0 {
		burst := opts.RateLimitBurst
		if burst <= 0 {
			burst = int(opts.RateLimitPerSec) + 1
		}
		r.Use(RateLimit(NewIPRateLimiter(rate.Limit(opts.RateLimitPerSec), burst), opts.RequestIPHeader))
	}
	if opts.IdempotencyTTL > 0 {
		r.Use(Idempotency(cache.New(opts.IdempotencyTTL, 2*opts.IdempotencyTTL), opts.IdempotencyTTL))
	}

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/instructors", func(r chi.Router) {
			r.Get("/", h.ListInstructors)
			r.Post("/", h.SaveInstructor)
		})
		r.Post("/resources", h.SaveResource)

		r.Route("/bookings", func(r chi.Router) {
			r.Post("/", h.CreateBooking)
			r.Get("/{id}", h.GetBooking)
			r.Post("/{id}/cancel", h.CancelBooking)
			r.Post("/{id}/attendance", h.RecordAttendance)
		})

		r.Route("/occurrences", func(r chi.Router) {
			r.Post("/", h.ScheduleOccurrence)
			r.Get("/{id}/roster", h.GetRoster)
			r.Post("/{id}/cancel", h.CancelOccurrence)
			r.Put("/{id}/capacity", h.ChangeCapacity)
			r.Post("/{id}/promote", h.PromoteWaitlist)
			r.Post("/{id}/registrations", h.Register)
		})

		r.Route("/registrations", func(r chi.Router) {
			r.Post("/{id}/cancel", h.CancelRegistration)
			r.Post("/{id}/checkin", h.CheckIn)
			r.Get("/{id}/position", h.WaitlistPosition)
		})

		r.Route("/prices", func(r chi.Router) {
			r.Post("/", h.SavePriceRule)
			r.Post("/resolve", h.ResolvePrice)
		})

		r.Route("/settlements", func(r chi.Router) {
			r.Get("/", h.ListSettlements)
			r.Post("/", h.GenerateSettlement)
			r.Get("/{id}", h.GetSettlement)
			r.Delete("/{id}", h.DeleteSettlement)
			r.Post("/{id}/finalize", h.FinalizeSettlement)
			r.Post("/{id}/pay", h.PaySettlement)
			r.Post("/{id}/regenerate", h.RegenerateSettlement)
			r.Delete("/{id}/items/{item}", h.RemoveSettlementItem)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", h.ListRuns)
			r.Post("/", h.EnqueueRun)
			r.Get("/{id}", h.GetRun)
			r.Post("/{id}/cancel", h.CancelRun)
		})

		r.Get("/events", h.ListEvents)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
