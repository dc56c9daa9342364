package middleware

import (
	"net/http"

	"github.com/go-chi/chi/middleware"

	"github.com/frahmantamala/listing-payment/pkg/logger"
)

const RequestIDHeader = "X-Request-ID"

// RequestContext echoes chi's request id back to the caller and scopes the
// context logger to it. It must run after middleware.RequestID.
func RequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.GetReqID(r.Context())
		if reqID != "" {
			w.Header().Set(RequestIDHeader, reqID)
		}

		ctx := logger.With(r.Context(), "request_id", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
