// Package httpx is the shared HTTP scaffolding both services' surfaces
// build on: a chi router preloaded with request-id/recover/CORS
// middleware, a JSON response envelope, and a rate-limit middleware
// factory. Grounded on CedrosPay-server's chi+cors+httprate combination
// (same three libraries, same router-builder shape) generalized from a
// single-service router into a shared constructor both
// internal/upload/ingest and internal/payment/httpapi call.
package httpx

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/ar-permaweb/turbo/internal/apperr"
)

// NewRouter builds a chi.Mux with the ambient middleware stack every
// HTTP surface in this module shares: request id, panic recovery,
// structured access logging, and permissive CORS (both surfaces are
// same-origin-agnostic APIs, not browser-session-cookie authenticated).
func NewRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(accessLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Content-Length", "Authorization", "X-PAYMENT"},
		MaxAge:           300,
	}))
	return r
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"bytes", ww.BytesWritten(), "duration_ms", time.Since(start).Milliseconds(),
			"request_id", chimiddleware.GetReqID(r.Context()),
		)
	})
}

// RateLimit wraps httprate.Limit with spec §6's RATE_LIMIT_{scope} knobs:
// max requests per window, keyed by remote IP.
func RateLimit(max int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(max, window, httprate.WithKeyFuncs(httprate.KeyByIP))
}

// envelope is the structured error body spec §7 requires:
// {error, kind, detail?, retry_after?}.
type envelope struct {
	Error      string `json:"error"`
	Kind       string `json:"kind"`
	Detail     string `json:"detail,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// WriteJSON writes v as a JSON body with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode json response", "err", err)
	}
}

// WriteError maps err to the status code and structured body spec §6/§7
// bind its apperr.Kind to. Non-apperr errors default to 500 Internal.
func WriteError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	body := envelope{Error: err.Error(), Kind: string(kind)}
	if apperr.Retryable(kind) {
		body.RetryAfter = 5
	}
	WriteJSON(w, status, body)
}

// DecodeJSON decodes r's body into dst, returning a BadRequest apperr on
// malformed JSON.
func DecodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.Wrap(apperr.BadRequest, "decode request body", err)
	}
	return nil
}
