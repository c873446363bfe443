package backend

import (
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophmarket/internal/common"
	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry reads the exp claim of a JWT without verifying its signature.
// The client never holds the signing key; the backend verifies tokens.
func TokenExpiry(accessToken string) (time.Time, error) {
	if accessToken == "" {
		return time.Time{}, common.ErrInvalidToken
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, &claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", common.ErrInvalidToken, err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time, nil
}
