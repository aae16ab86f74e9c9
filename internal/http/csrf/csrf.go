// Package csrf implements double-submit protection for the JSON API. The
// browser holds the token in a strict same-site cookie and echoes it in
// X-CSRF-Token on every POST, PUT, PATCH or DELETE.
package csrf

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"

	"gitea.jw6.us/james/dossiersync/internal/config"
	httperrors "gitea.jw6.us/james/dossiersync/internal/http/errors"
)

const (
	cookieName = "dossiersync_csrf"
	headerName = "X-CSRF-Token"
	tokenBytes = 24
)

type tokenKey struct{}

type guard struct {
	secure bool
}

// Middleware wraps next with the double-submit check. The token in use is
// published to handlers through TokenFromContext; /api/session hands it to
// the frontend.
func Middleware(cfg *config.Config) func(http.Handler) http.Handler {
	g := guard{secure: true}
	if base, err := url.Parse(cfg.BaseURL); err == nil && base.Scheme == "http" {
		g.secure = false
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := g.ensure(w, r)
			if err != nil {
				httperrors.InternalError(w, r, err, "issue csrf token")
				return
			}
			if !safeMethod(r.Method) && !matches(r.Header.Get(headerName), token) {
				httperrors.Error(w, http.StatusForbidden, "invalid csrf token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tokenKey{}, token)))
		})
	}
}

// ensure returns the request's token, minting and setting a new cookie when
// the browser has none yet.
func (g guard) ensure(w http.ResponseWriter, r *http.Request) (string, error) {
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value, nil
	}
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	token := hex.EncodeToString(raw)
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   g.secure,
		SameSite: http.SameSiteStrictMode,
	})
	return token, nil
}

func matches(sent, want string) bool {
	return sent != "" && subtle.ConstantTimeCompare([]byte(sent), []byte(want)) == 1
}

func safeMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}

// TokenFromContext reports the token Middleware attached, or "" outside it.
func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey{}).(string)
	return token
}
