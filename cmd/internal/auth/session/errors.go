package session

import "errors"

var (
	// ErrInvalidToken is returned when an access token fails verification or validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")

	// ErrVerifyOnly is returned by Issue when the manager holds only a public key.
	ErrVerifyOnly = errors.New("token manager is verify-only")
)
