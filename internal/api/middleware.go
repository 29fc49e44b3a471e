package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/fleetcore/control-plane/internal/access"
	"github.com/fleetcore/control-plane/internal/auth"
	"github.com/fleetcore/control-plane/internal/db"
	"github.com/fleetcore/control-plane/internal/runner"
)

// Authenticate is a middleware that validates the JWT Bearer token present in
// the Authorization header. On success it stores an access.Identity built
// from the claims in the request context via access.ContextWithIdentity, so
// any service-layer package can resolve the caller without importing this
// package. On failure it writes a 401 and stops the chain.
//
// Token format: "Authorization: Bearer <token>"
func Authenticate(jwtMgr *auth.JWTManager) func(http.Handler) http.Handler {
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

			claims, err := jwtMgr.ValidateAccessToken(parts[1])
			if err != nil {
				ErrUnauthorized(w)
				return
			}

			ident := access.Identity{
				TokenIdentifier: claims.UserID,
				Email:           claims.Email,
			}
			ctx := access.ContextWithIdentity(r.Context(), ident)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AuthenticateRunner validates the bearer token on the /api/v1/runner
// prefix against RunnerToken, via runner.Service.Authenticate. On success it
// stores the resolved *db.RunnerToken in the request context for handlers
// to read the caller's project/runner scope from.
func AuthenticateRunner(runners *runner.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				ErrUnauthorized(w)
				return
			}

			token, err := runners.Authenticate(r.Context(), parts[1])
			if err != nil {
				WriteAPIError(w, err)
				return
			}

			ctx := contextWithRunnerToken(r.Context(), token)
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
			start := time.Now()
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

type runnerTokenContextKey struct{}

func contextWithRunnerToken(ctx context.Context, token *db.RunnerToken) context.Context {
	return context.WithValue(ctx, runnerTokenContextKey{}, token)
}

// runnerTokenFromCtx retrieves the *db.RunnerToken stored by
// AuthenticateRunner. Returns nil if the request didn't go through it.
func runnerTokenFromCtx(ctx context.Context) *db.RunnerToken {
	token, _ := ctx.Value(runnerTokenContextKey{}).(*db.RunnerToken)
	return token
}