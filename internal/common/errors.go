package common

import "errors"

var (
	// Storage-level errors.
	ErrorNotFound = errors.New("not found")

	// Session errors.
	ErrNotSignedIn    = errors.New("not signed in")
	ErrStaleAccount   = errors.New("stale account")
	ErrManagerClosed  = errors.New("session manager closed")
	ErrProfileMissing = errors.New("profile not found")

	// Token lifecycle errors.
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)
