package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tracelog/internal/metrics"
)

// SetupRouter creates and configures the HTTP router. m may be nil.
func SetupRouter(handler *Handler, m *metrics.Metrics, logger *slog.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(m.Middleware)

	if m != nil {
		r.Handle("/metrics", m.Handler())
	}
	handler.RegisterRoutes(r)

	return r
}

func requestID(ctx context.Context) string {
	return middleware.GetReqID(ctx)
}

// requestLogger attaches a request scoped clog logger to the context and
// logs every completed request.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			log := clog.New(logger.Handler()).With(
				"request_id", requestID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
			)
			ctx := clog.WithLogger(r.Context(), log)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			log.With("status", ww.Status(), "duration_ms", time.Since(start).Milliseconds()).Debug("request completed")
		})
	}
}
