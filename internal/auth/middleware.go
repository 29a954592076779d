package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/getsentry/sentry-go"

	"shopperspoint/internal/token"
)

// Authenticate is the per-request session gate. It resolves the token pair
// from the request cookies and, when they check out, attaches the caller
// identity to the request context. An expired access token backed by a
// valid refresh token is silently replaced: the response carries exactly
// one freshly minted access cookie and the refresh token stays as it is.
// Any token-level failure downgrades the request to anonymous; protected
// routes then fail in RequireAuth.
func (s *Service) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accessValue := cookieValue(r, accessCookieName)
		refreshValue := cookieValue(r, refreshCookieName)

		subject, mintedAccess, err := s.resolveSession(r.Context(), accessValue, refreshValue)
		if err != nil {
			sentry.CaptureException(err)
			s.logger.Error("session_check_failed", map[string]any{"error": err.Error()})
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		if mintedAccess != "" {
			setTokenCookie(w, accessCookieName, mintedAccess, s.codec.AccessTTL())
		}
		if subject != "" {
			r = r.WithContext(WithIdentity(r.Context(), subject))
		}

		next.ServeHTTP(w, r)
	})
}

// resolveSession implements the request-time protocol. The returned error
// is reserved for storage failures; every token-level failure yields an
// empty subject instead.
func (s *Service) resolveSession(ctx context.Context, accessValue, refreshValue string) (string, string, error) {
	if accessValue == "" {
		return "", "", nil
	}

	revoked, err := s.registry.IsRevoked(ctx, accessValue)
	if err != nil {
		return "", "", err
	}
	if revoked {
		return "", "", nil
	}

	claims, parseErr := s.codec.Parse(accessValue)
	switch {
	case parseErr == nil:
		// A refresh token must never authenticate a resource request.
		if claims.Kind != token.KindAccess {
			return "", "", nil
		}
		return claims.Subject, "", nil

	case errors.Is(parseErr, token.ErrExpired):
		return s.refreshSession(ctx, refreshValue)

	default:
		return "", "", nil
	}
}

func (s *Service) refreshSession(ctx context.Context, refreshValue string) (string, string, error) {
	if refreshValue == "" {
		return "", "", nil
	}

	revoked, err := s.registry.IsRevoked(ctx, refreshValue)
	if err != nil {
		return "", "", err
	}
	if revoked {
		return "", "", nil
	}

	claims, parseErr := s.codec.Parse(refreshValue)
	if parseErr != nil || claims.Kind != token.KindRefresh {
		return "", "", nil
	}

	minted, err := s.codec.Issue(claims.Subject, token.KindAccess)
	if err != nil {
		return "", "", err
	}

	s.logger.Info("access_token_rotated", map[string]any{"email": claims.Subject})
	return claims.Subject, minted, nil
}

// RequireAuth rejects requests that the session gate left anonymous.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := IdentityFrom(r.Context()); !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}
