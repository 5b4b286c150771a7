package slogx

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/aussiebroadwan/console/pkg/idx"
)

// HeaderRequestID carries the request id on outgoing requests.
const HeaderRequestID = "X-Request-ID"

// Transport logs every outgoing request and attaches a request-scoped logger
// to its context for the RoundTrippers below it. Requests without an
// X-Request-ID header get a fresh one.
func Transport(base *slog.Logger) func(http.RoundTripper) http.RoundTripper {
	return func(next http.RoundTripper) http.RoundTripper {
		return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			start := time.Now()

			reqID := r.Header.Get(HeaderRequestID)
			if reqID == "" {
				reqID = idx.New().String()
				r = r.Clone(r.Context())
				r.Header.Set(HeaderRequestID, reqID)
			}

			logger := base.With(
				"req_id", reqID,
				"method", r.Method,
				"host", r.URL.Host,
				"path", r.URL.Path,
			)
			r = r.WithContext(WithContext(r.Context(), logger))

			resp, err := next.RoundTrip(r)
			duration := time.Since(start).Milliseconds()
			if err != nil {
				logger.Warn("http_request_failed",
					"duration_ms", duration,
					"err", err,
				)
				return nil, err
			}

			level := slog.LevelDebug
			if resp.StatusCode >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "http_request",
				"status", resp.StatusCode,
				"duration_ms", duration,
			)
			return resp, nil
		})
	}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
