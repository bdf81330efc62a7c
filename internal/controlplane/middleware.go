package controlplane

import (
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/fitjourney/subscriptions/internal/logging"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// RequestLogger tags each request with an id (honoring X-Request-ID), echoes
// it back, recovers panics and logs the outcome.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		incomingID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		ctx, requestID := logging.WithRequestID(r.Context(), incomingID)
		ctx = logging.WithLogger(ctx, logging.New("http").With().Str("remote_ip", clientIP(r)).Logger())
		r = r.WithContext(ctx)

		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		rw.Header().Set("X-Request-ID", requestID)
		start := time.Now()

		defer func() {
			logger := logging.FromContext(ctx)
			if err := recover(); err != nil {
				logger.Error().
					Interface("error", err).
					Str("path", r.URL.Path).
					Str("method", r.Method).
					Bytes("stack", debug.Stack()).
					Msg("Panic recovered in HTTP handler")
				rw.Header().Set("Content-Type", "application/json")
				rw.WriteHeader(http.StatusInternalServerError)
				_, _ = rw.Write([]byte(`{"error":"internal error"}` + "\n"))
			}

			event := logger.Debug()
			switch {
			case rw.status >= http.StatusInternalServerError:
				event = logger.Error()
			case rw.status >= http.StatusBadRequest:
				event = logger.Warn()
			}
			event.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rw.status).
				Dur("elapsed", time.Since(start)).
				Msg("HTTP request")
		}()

		next.ServeHTTP(rw, r)
	})
}
