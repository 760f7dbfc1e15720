package auth

import "errors"

var (
	// ErrUnauthenticated is returned when a caller cannot be identified.
	ErrUnauthenticated = errors.New("auth: unauthenticated")

	// ErrForbidden is returned when an identified caller lacks a capability.
	ErrForbidden = errors.New("auth: forbidden")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("auth: invalid config")
)
