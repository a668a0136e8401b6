// Package middleware holds the chi middleware shared by the API, probe
// and metrics servers.
package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/n3tuk/action-branch-deploy-lock/internal/metrics"
)

// unmatchedRoute labels requests that no route matched, keeping arbitrary
// paths out of the metric label space.
const unmatchedRoute = "unmatched"

// responseWriter wraps http.ResponseWriter to capture status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
	wroteHeader  bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code.
func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the number of bytes written.
func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// Metrics records request counts, durations and sizes for every request
// served by the named server. Route labels are read after the handler
// runs, since chi only fills in the pattern while routing.
func Metrics(m *metrics.Metrics, server string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			inFlight := m.HTTPRequestsInFlight.WithLabelValues(r.Method, server)
			inFlight.Inc()
			defer inFlight.Dec()

			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)

			route := routePattern(r)
			status := strconv.Itoa(rw.statusCode)

			m.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			m.HTTPRequestDurationSeconds.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
			if r.ContentLength > 0 {
				m.HTTPRequestSizeBytes.WithLabelValues(r.Method, route).Observe(float64(r.ContentLength))
			}
			if rw.bytesWritten > 0 {
				m.HTTPResponseSizeBytes.WithLabelValues(r.Method, route).Observe(float64(rw.bytesWritten))
			}
		})
	}
}

// routePattern returns the chi route pattern that served the request.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return unmatchedRoute
}

// Logging logs every request at Info, or at Debug when debug is set,
// which keeps the probe servers quiet.
func Logging(logger *zap.Logger, server string, debug bool) func(next http.Handler) http.Handler {
	log := logger.Info
	if debug {
		log = logger.Debug
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			log("HTTP request",
				zap.String("server", server),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("route", routePattern(r)),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// ProbeMetrics records the outcome of a probe endpoint as a health check
// called name.
func ProbeMetrics(m *metrics.Metrics, name string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newResponseWriter(w)

			next.ServeHTTP(rw, r)

			m.HealthCheckDurationSeconds.WithLabelValues(name).Observe(time.Since(start).Seconds())
			if rw.statusCode == http.StatusOK {
				m.HealthCheckStatus.WithLabelValues(name, "ok").Set(1)
				m.HealthCheckStatus.WithLabelValues(name, "error").Set(0)
				m.HealthCheckLastSuccessTimestamp.WithLabelValues(name).SetToCurrentTime()
				return
			}

			m.HealthCheckStatus.WithLabelValues(name, "ok").Set(0)
			m.HealthCheckStatus.WithLabelValues(name, "error").Set(1)
			m.HealthCheckFailuresTotal.WithLabelValues(name).Inc()
		})
	}
}

// Recoverer turns a panicking handler into a JSON 500 response.
func Recoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				logger.Error("Panic recovered",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.Any("panic", rec),
					zap.Stack("stack"),
				)

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
			}()

			next.ServeHTTP(w, r)
		})
	}
}
