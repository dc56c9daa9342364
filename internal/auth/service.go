package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	errors "github.com/frahmantamala/listing-payment/internal"
	"github.com/frahmantamala/listing-payment/internal/retry"
)

const (
	userManagementService = "user management service"
	authenticationService = "authentication service"
	loginPath             = "/api/v1/auth/login"
)

type ServiceAPI interface {
	VerifyToken(ctx context.Context, token string) (*EndUser, error)
	LookupUserByID(ctx context.Context, userID uuid.UUID) (*User, error)
	AuthenticateAPIKey(key string) (*ServiceCaller, error)
	Login(ctx context.Context, dto LoginDTO) (json.RawMessage, error)
}

type ServiceConfig struct {
	UserManagementURL string
	JWTSecret         string
	ServiceAPIKey     string
	Timeout           time.Duration
	CacheTTL          time.Duration
}

// Service resolves credentials against the User Management service.
type Service struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	tokens   *TokenValidator
	cache    TokenCache
	cacheTTL time.Duration
	policy   retry.Policy
	logger   *slog.Logger
}

var _ ServiceAPI = (*Service)(nil)

func NewService(cfg ServiceConfig, cache TokenCache, policy retry.Policy, logger *slog.Logger) *Service {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if cache == nil {
		cache = NewMemoryTokenCache(0)
	}

	return &Service{
		baseURL:  strings.TrimRight(cfg.UserManagementURL, "/"),
		apiKey:   cfg.ServiceAPIKey,
		client:   &http.Client{Timeout: timeout},
		tokens:   NewTokenValidator(cfg.JWTSecret),
		cache:    cache,
		cacheTTL: ttl,
		policy:   policy,
		logger:   logger,
	}
}

// VerifyToken checks the token signature locally, then asks User Management for
// the authoritative user record. Verified users are cached until the token
// expires or the cache TTL passes, whichever comes first.
func (s *Service) VerifyToken(ctx context.Context, token string) (*EndUser, error) {
	if token == "" {
		return nil, errors.ErrMissingCredentials
	}

	claims, err := s.tokens.ValidateToken(token)
	if err != nil {
		s.logger.Debug("bearer token rejected locally", "error", err)
		return nil, errors.ErrInvalidToken
	}

	key := cacheKey(token)
	if user, ok := s.cachedUser(ctx, key); ok {
		return &EndUser{User: *user}, nil
	}

	var user User
	err = s.policy.Do(ctx, func(ctx context.Context) error {
		return s.do(ctx, http.MethodPost, "/auth/verify", token, &user)
	})
	if err != nil {
		return nil, s.mapError(err, "verify token")
	}

	if user.ID == uuid.Nil {
		if id, perr := uuid.Parse(claims.Subject); perr == nil {
			user.ID = id
		} else {
			return nil, errors.ErrInvalidToken
		}
	}

	ttl := s.cacheTTL
	if claims.ExpiresAt != nil {
		if remaining := time.Until(claims.ExpiresAt.Time); remaining < ttl {
			ttl = remaining
		}
	}
	if err := s.cache.Set(ctx, key, &user, ttl); err != nil {
		s.logger.Warn("token cache write failed", "error", err)
	}

	return &EndUser{User: user}, nil
}

func (s *Service) cachedUser(ctx context.Context, key string) (*User, bool) {
	user, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("token cache read failed, verifying remotely", "error", err)
		return nil, false
	}
	return user, ok
}

// LookupUserByID fetches a payer's contact details.
func (s *Service) LookupUserByID(ctx context.Context, userID uuid.UUID) (*User, error) {
	var user User
	path := "/users/" + url.PathEscape(userID.String())
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		return s.do(ctx, http.MethodGet, path, "", &user)
	})
	if err != nil {
		if retry.StatusCode(err) == http.StatusNotFound {
			return nil, errors.NewNotFoundError("User details not found for the provided user_id", errors.ErrCodeUserNotFound)
		}
		return nil, s.mapError(err, "lookup user")
	}

	if user.ID == uuid.Nil {
		user.ID = userID
	}
	return &user, nil
}

func (s *Service) AuthenticateAPIKey(key string) (*ServiceCaller, error) {
	if key == "" || s.apiKey == "" {
		return nil, errors.ErrInvalidAPIKey
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
		return nil, errors.ErrInvalidAPIKey
	}
	return &ServiceCaller{Name: string(RoleService)}, nil
}

// Login forwards the credentials to User Management and returns its token
// response unchanged.
func (s *Service) Login(ctx context.Context, dto LoginDTO) (json.RawMessage, error) {
	if err := dto.Validate(); err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("username", dto.Username)
	form.Set("password", dto.Password)

	var tokens json.RawMessage
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+loginPath, strings.NewReader(form.Encode()))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")

		resp, err := s.client.Do(req)
		if err := retry.Classify(resp, err); err != nil {
			if resp != nil {
				resp.Body.Close()
			}
			return err
		}
		defer resp.Body.Close()

		if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
			return fmt.Errorf("decode %s response: %w", loginPath, err)
		}
		return nil
	})
	if err == nil {
		return tokens, nil
	}

	switch code := retry.StatusCode(err); {
	case code == http.StatusUnauthorized:
		s.logger.Warn("login rejected by user management", "username", dto.Username)
		return nil, errors.ErrInvalidCredentials
	case code == 0 && retry.IsTransient(err):
		s.logger.Error("user management unreachable for login", "error", err)
		return nil, errors.NewUpstreamUnavailableError(authenticationService, err)
	default:
		s.logger.Error("user management login failed", "status", code, "error", err)
		return nil, errors.NewUpstreamRejectedError("Failed to authenticate with the user service", errors.ErrCodeUpstreamRejected, http.StatusBadGateway).WithCause(err)
	}
}

func (s *Service) do(ctx context.Context, method, path, bearer string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := s.client.Do(req)
	if err := retry.Classify(resp, err); err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (s *Service) mapError(err error, op string) error {
	switch code := retry.StatusCode(err); {
	case retry.IsTransient(err):
		s.logger.Error("user management unavailable", "op", op, "error", err)
		return errors.NewUpstreamUnavailableError(userManagementService, err)
	case code == http.StatusUnauthorized:
		return errors.ErrInvalidToken
	case code == http.StatusForbidden:
		return errors.NewForbiddenError("Not authorized to perform this action", errors.ErrCodeUnauthorizedAccess)
	default:
		s.logger.Error("user management call failed", "op", op, "status", code, "error", err)
		return errors.NewUpstreamRejectedError("User management service error", errors.ErrCodeUpstreamRejected, http.StatusBadGateway).WithCause(err)
	}
}
