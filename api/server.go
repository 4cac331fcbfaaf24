/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logging:    Request logging through logrus
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the frontend

ROUTE GROUPS:
  /api/properties/*   Hierarchy: properties, their levels and units
  /api/levels/*       Units of a level
  /api/units/*        Unit removal
  /api/occupants/*    Occupant lifecycle
  /api/assignments    Assign / reassign
  /api/assets         Uploads and listings
  {assetPrefix}/*     Stored asset files

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

// NewRouter creates a new router with all routes configured. Requests from
// allowedOrigins pass CORS; "*" allows any origin.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: !allowsAny(allowedOrigins),
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/properties", func(r chi.Router) {
			r.Get("/", h.ListProperties)
			r.Post("/", h.CreateProperty)
			r.Delete("/{id}", h.DeleteProperty)
			r.Get("/{id}/levels", h.ListLevels)
			r.Post("/{id}/levels", h.CreateLevel)
			r.Post("/{id}/units", h.CreateUnit)
		})

		r.Route("/levels", func(r chi.Router) {
			r.Get("/{id}/units", h.ListUnits)
			r.Delete("/{id}", h.DeleteLevel)
		})

		r.Delete("/units/{id}", h.DeleteUnit)

		r.Route("/occupants", func(r chi.Router) {
			r.Get("/", h.ListOccupants)
			r.Post("/", h.CreateOccupant)
			r.Get("/{id}", h.GetOccupant)
			r.Patch("/{id}", h.EditOccupant)
			r.Delete("/{id}", h.DeleteOccupant)
			r.Post("/{id}/charges", h.RecordCharge)
			r.Post("/{id}/payments", h.RecordPayment)
		})

		r.Post("/assignments", h.Assign)
		r.Put("/assignments", h.Reassign)

		r.Get("/assets", h.ListAssets)
		r.Post("/assets", h.UploadAsset)
	})

	// Stored assets
	prefix := strings.TrimRight(h.assetPrefix, "/")
	if prefix != "" {
		r.Get(prefix+"/*", h.ServeAsset)
	}

	return r
}

// requestLogger logs one line per request with its status and duration.
func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.WithFields(logrus.Fields{
				"request_id": middleware.GetReqID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start).String(),
			}).Debug("http: request")
		})
	}
}

func allowsAny(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
