package backend

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// AuthError is the normalized form of every error returned by Auth.
type AuthError struct {
	Message string `json:"message"`
	Name    string `json:"name"`
	Status  int    `json:"status"`
}

func (e *AuthError) Error() string {
	return e.Message
}

// Is matches sentinels by name and status, so wrapped copies compare equal.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	if !ok {
		return false
	}
	if t.Name != "" && t.Name != e.Name {
		return false
	}
	if t.Status != 0 && t.Status != e.Status {
		return false
	}
	if t.Message != "" && !strings.EqualFold(t.Message, e.Message) {
		return false
	}
	return true
}

var (
	ErrInvalidCredentials = &AuthError{Name: "AuthApiError", Status: http.StatusBadRequest, Message: "Invalid login credentials"}
	ErrNoSession          = &AuthError{Name: "AuthSessionMissingError", Status: http.StatusUnauthorized}
	ErrUnavailable        = &AuthError{Name: "AuthRetryableFetchError", Status: http.StatusServiceUnavailable}
)

// NormalizeError turns any transport error into an *AuthError.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &AuthError{Name: "AuthRetryableFetchError", Status: 0, Message: err.Error()}
	}

	st, ok := status.FromError(err)
	if !ok {
		return &AuthError{Name: "AuthUnknownError", Status: 0, Message: err.Error()}
	}

	name := "AuthApiError"
	code := http.StatusInternalServerError
	switch st.Code() {
	case codes.InvalidArgument, codes.FailedPrecondition:
		code = http.StatusBadRequest
	case codes.Unauthenticated:
		code = http.StatusUnauthorized
		if st.Message() == "" {
			name = ErrNoSession.Name
		}
	case codes.PermissionDenied:
		code = http.StatusForbidden
	case codes.NotFound:
		code = http.StatusNotFound
	case codes.AlreadyExists:
		code = http.StatusUnprocessableEntity
	case codes.ResourceExhausted:
		code = http.StatusTooManyRequests
	case codes.Unavailable, codes.DeadlineExceeded:
		name = ErrUnavailable.Name
		code = http.StatusServiceUnavailable
	}
	return &AuthError{Name: name, Status: code, Message: st.Message()}
}
