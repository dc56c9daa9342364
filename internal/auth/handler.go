package auth

import (
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"

	errors "github.com/frahmantamala/listing-payment/internal"
	"github.com/frahmantamala/listing-payment/internal/transport"
	"github.com/frahmantamala/listing-payment/pkg/logger"
)

const (
	APIKeyHeader = "X-API-Key"

	maxLoginBody = 16 << 10
)

type Handler struct {
	*transport.BaseHandler
	Service ServiceAPI
}

func NewHandler(svc ServiceAPI, lg *slog.Logger) *Handler {
	return &Handler{
		BaseHandler: transport.NewBaseHandler(lg),
		Service:     svc,
	}
}

// Login handles POST /api/v1/token. It takes the OAuth2 password form or a
// JSON body and relays the token response from User Management.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxLoginBody)

	var dto LoginDTO
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			h.HandleError(w, errors.NewValidationError("Invalid form body", errors.ErrCodeInvalidBody))
			return
		}
		dto.Username = r.PostForm.Get("username")
		dto.Password = r.PostForm.Get("password")
	default:
		if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
			h.HandleError(w, errors.NewValidationError("Invalid request body", errors.ErrCodeInvalidBody))
			return
		}
	}

	tokens, err := h.Service.Login(r.Context(), dto)
	if err != nil {
		if errors.Is(err, errors.ErrInvalidCredentials) {
			w.Header().Set("WWW-Authenticate", "Bearer")
		}
		h.HandleError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(tokens); err != nil {
		h.Logger.Error("failed to write login response", "error", err)
	}
}

// Authenticate resolves the request's credentials into a Principal.
// An X-API-Key header wins over a bearer token.
func (h *Handler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var principal Principal

		if key := r.Header.Get(APIKeyHeader); key != "" {
			caller, err := h.Service.AuthenticateAPIKey(key)
			if err != nil {
				h.Logger.Warn("auth middleware: invalid api key", "path", r.URL.Path)
				h.HandleError(w, err)
				return
			}
			principal = *caller
		} else {
			token := h.ExtractTokenFromHeader(r)
			if token == "" {
				h.HandleError(w, errors.ErrMissingCredentials)
				return
			}

			user, err := h.Service.VerifyToken(r.Context(), token)
			if err != nil {
				h.Logger.Warn("auth middleware: token verification failed", "error", err)
				h.HandleError(w, err)
				return
			}
			principal = *user
		}

		ctx := ContextWithPrincipal(r.Context(), principal)
		ctx = logger.With(ctx, "principal", describe(principal))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireEndUser rejects service callers; it must run after Authenticate.
func (h *Handler) RequireEndUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok {
			h.HandleError(w, errors.ErrMissingCredentials)
			return
		}
		if _, isUser := p.(EndUser); !isUser {
			h.HandleError(w, errors.NewForbiddenError("This endpoint requires a user token", errors.ErrCodeInsufficientRole))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func describe(p Principal) string {
	switch v := p.(type) {
	case EndUser:
		return "user:" + v.ID.String()
	case ServiceCaller:
		return "service:" + v.Name
	default:
		return "unknown"
	}
}
