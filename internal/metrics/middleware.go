package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// HTTPMiddleware counts API requests and observes their latency by route
// pattern. It is a no-op until a global Metrics is set.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := Global()
		if m == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routeLabel(r)

		m.APIRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.APIRequestDurationSeconds.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		if status >= 400 {
			m.APIErrorsTotal.WithLabelValues(errorClass(status)).Inc()
		}
	})
}

// routeLabel returns the matched chi pattern, or the path with job and
// contact ids collapsed when no route matched
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}

	segments := strings.Split(r.URL.Path, "/")
	for i, seg := range segments {
		if len(seg) == 36 && uuid.Validate(seg) == nil {
			segments[i] = "{id}"
		}
	}
	return strings.Join(segments, "/")
}

func errorClass(status int) string {
	switch {
	case status >= 500:
		return "server_error"
	case status == http.StatusBadRequest:
		return "validation"
	case status == http.StatusNotFound:
		return "not_found"
	case status == http.StatusConflict:
		return "conflict"
	case status == http.StatusRequestEntityTooLarge:
		return "too_large"
	case status >= 400:
		return "client_error"
	}
	return "none"
}
