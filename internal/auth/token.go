package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry reads the exp claim of a JWT access token without verifying
// its signature. The backend is the only party that can verify it; the
// client only needs to know when it will stop being accepted.
func TokenExpiry(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// EnsureFresh refreshes ahead of time when the access token is a JWT that
// expires within margin. Opaque tokens are left alone and handled on 401.
func (s *Store) EnsureFresh(ctx context.Context, margin time.Duration) {
	tok, ok := s.AccessToken()
	if !ok {
		return
	}
	exp, ok := TokenExpiry(tok)
	if !ok || time.Until(exp) > margin {
		return
	}
	if !s.Session().canRefresh() {
		return
	}
	s.log.Debug("access token near expiry, refreshing", "expires", exp)
	s.RefreshAfter(ctx, tok)
}
