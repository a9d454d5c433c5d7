package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/glare-io/glare/internal/db"
	"github.com/glare-io/glare/internal/heartbeat"
	"github.com/glare-io/glare/internal/repository"
)

// contextKey is an unexported type for context keys defined in this package.
// Using a custom type prevents collisions with keys defined in other packages.
type contextKey int

const (
	// contextKeyWorker is the context key under which the authenticated
	// *db.Worker is stored after successful credential validation.
	contextKeyWorker contextKey = iota
)

// WorkerAuth is a middleware that validates the worker sync credential
// presented as a Bearer token in the Authorization header. On success it
// stores the resolved worker in the request context so downstream handlers
// can retrieve it via workerFromCtx. On failure it writes a 401 and stops
// the chain.
//
// Token format: "Authorization: Bearer <credential>"
//
// A rotated credential fails here the same way an unknown one does — the
// worker sees 401s until it is reconfigured with the new credential.
func WorkerAuth(registry *heartbeat.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				ErrUnauthorized(w)
				return
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				ErrUnauthorized(w)
				return
			}

			worker, err := registry.Authenticate(r.Context(), parts[1])
			if err != nil {
				if !errors.Is(err, repository.ErrNotFound) {
					ErrInternal(w)
					return
				}
				ErrUnauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyWorker, worker)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogger returns a Chi-compatible middleware that logs each request
// using the provided zap logger. It logs method, path, status, and latency.
// Chi's middleware.RequestID is expected to run before this middleware so
// that the request ID is available in the context.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// workerFromCtx retrieves the worker stored by the WorkerAuth middleware.
// Returns nil if the request did not pass worker authentication.
func workerFromCtx(ctx context.Context) *db.Worker {
	worker, _ := ctx.Value(contextKeyWorker).(*db.Worker)
	return worker
}
