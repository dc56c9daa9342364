package auth

import (
	errors "github.com/frahmantamala/listing-payment/internal"
)

// LoginDTO is the credential pair forwarded to User Management.
type LoginDTO struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (d LoginDTO) Validate() error {
	if d.Username == "" {
		return errors.NewValidationFieldError("username", "username is required", errors.ErrCodeValidationFailed)
	}
	if d.Password == "" {
		return errors.NewValidationFieldError("password", "password is required", errors.ErrCodeValidationFailed)
	}
	return nil
}
