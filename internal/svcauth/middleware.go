package svcauth

import (
	"context"
	"net/http"
	"strings"
)

type ctxKey int

const serviceCtxKey ctxKey = 0

// Middleware rejects requests missing a valid `Authorization: Bearer
// <token>` header signed by m, and stashes the calling service name in
// the request context for handlers that want to log it.
func (m *Issuer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || tokenString == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		claims, err := m.Validate(tokenString)
		if err != nil {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), serviceCtxKey, claims.Service)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CallerService extracts the authenticated caller's service name from ctx,
// set by Middleware.
func CallerService(ctx context.Context) string {
	s, _ := ctx.Value(serviceCtxKey).(string)
	return s
}
