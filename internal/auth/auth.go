package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/frahmantamala/listing-payment/internal"
)

type Role string

const (
	RoleOwner   Role = "Owner"
	RoleAdmin   Role = "Admin"
	RoleService Role = "Service"
)

// User is the identity record held by the User Management service.
type User struct {
	ID                uuid.UUID `json:"user_id"`
	Role              Role      `json:"role"`
	Email             string    `json:"email"`
	PhoneNumber       string    `json:"phone_number"`
	PreferredLanguage string    `json:"preferred_language"`
}

// Principal is the authenticated caller of a request. It is either an EndUser
// or a ServiceCaller.
type Principal interface {
	principal()
}

// EndUser is a person authenticated by bearer token.
type EndUser struct {
	User
}

func (EndUser) principal() {}

func (u EndUser) HasRole(role Role) bool {
	return u.Role == role
}

// ServiceCaller is another backend authenticated by the shared API key. It acts
// on behalf of a user it does not itself authenticate as.
type ServiceCaller struct {
	Name string
}

func (ServiceCaller) principal() {}

// Claims is the subset of the bearer token checked locally before the
// User Management round trip.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return internal.ContextWithPrincipal(ctx, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := internal.PrincipalFromContext(ctx).(Principal)
	return p, ok && p != nil
}
