package adminapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dhiraj-trilio/trilio-dms/internal/logger"
	"github.com/dhiraj-trilio/trilio-dms/pkg/coordinator"
)

// NewRouter builds the admin API's chi router: an unauthenticated health
// endpoint and a JWT-protected /mounts surface over coord. The Prometheus
// /metrics endpoint is served on its own port (see internal/metrics and
// cmd/dms-server), not mounted here, so scraping never competes with or
// requires credentials for the operator-facing API.
func NewRouter(coord *coordinator.Coordinator, verifier *Verifier) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	h := NewHandler(coord)

	r.Get("/health", h.Health)

	r.Route("/mounts", func(r chi.Router) {
		r.Use(JWTAuth(verifier))
		r.Get("/", h.ListActive)
		r.Route("/{target_id}", func(r chi.Router) {
			r.Get("/status", h.Status)
			r.Get("/history", h.History)
			r.Delete("/", h.SoftDelete)
		})
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.Info("admin API request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
		)
	})
}
