package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/graphcompute/mgcluster/pkg/auth"
	"github.com/graphcompute/mgcluster/pkg/logging"
)

// TokenValidator checks a bearer token
type TokenValidator interface {
	Validate(token string) error
}

// RequireToken rejects requests without a valid bearer token
func RequireToken(v TokenValidator, logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := v.Validate(auth.BearerToken(r)); err != nil {
				logger.Warn(fmt.Sprintf("Rejected %s %s from %s: %v", r.Method, r.URL.Path, r.RemoteAddr, err))
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// RequestLogger logs every request at DEBUG
func RequestLogger(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Debug(fmt.Sprintf("%s %s", r.Method, r.URL.Path), map[string]interface{}{
				"status":   rec.status,
				"duration": time.Since(start).String(),
			})
		})
	}
}
