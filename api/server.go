/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in logs
  2. RealIP:     Client address behind a proxy
  3. Logger:     zap request log (method, path, status, duration)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the dashboard

ROUTE GROUPS:
  /healthz, /api/branches, /api/auth/login   Public
  everything else under /api                 Bearer token (branch session)

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: RequireBranch
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterOptions tunes the router.
type RouterOptions struct {
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/branches", h.ListBranches)
		r.Post("/auth/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.Auth.RequireBranch)

			r.Post("/refresh", h.Refresh)

			r.Route("/trainees", func(r chi.Router) {
				r.Get("/", h.ListTrainees)
				r.Post("/", h.CreateTrainee)
				r.Patch("/{id}", h.UpdateTrainee)
				r.Delete("/{id}", h.DeleteTrainee)
				r.Get("/{id}/subjects", h.TraineeSubjects)
			})

			r.Route("/subjects", func(r chi.Router) {
				r.Get("/", h.ListSubjects)
				r.Post("/", h.CreateSubject)
				r.Delete("/", h.DeleteBranchSubjects)
				r.Patch("/{id}", h.UpdateSubject)
				r.Delete("/{id}", h.DeleteSubject)
			})

			r.Get("/specialties", h.ListSpecialties)

			r.Route("/absences", func(r chi.Router) {
				r.Get("/", h.ListAbsences)
				r.Post("/", h.CreateAbsence)
				r.Post("/bulk-delete", h.BulkDeleteAbsences)
				r.Post("/import", h.ImportAbsences)
				r.Get("/import/template", h.ImportTemplate)
				r.Patch("/{id}", h.UpdateAbsence)
				r.Delete("/{id}", h.DeleteAbsence)
			})

			r.Get("/reports/exceeded", h.ExceededReport)

			r.Route("/notifications", func(r chi.Router) {
				r.Post("/trainee/{id}", h.NotifyTrainee)
				r.Post("/batch", h.NotifyBatch)
				r.Post("/exceeded", h.NotifyExceeded)
				r.Get("/log", h.NotificationLog)
			})

			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
			})
		})
	})

	return r
}

// requestLogger logs one line per request at info, or warn for 5xx.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				fields := []zap.Field{
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
				}
				if ww.Status() >= http.StatusInternalServerError {
					log.Warn("request", fields...)
					return
				}
				log.Info("request", fields...)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
