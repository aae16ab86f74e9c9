package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"gitea.jw6.us/james/dossiersync/internal/config"
	"gitea.jw6.us/james/dossiersync/internal/store"
)

const purposeLogin = "login"

// Service runs the operator OIDC login and guards operator routes.
type Service struct {
	users    store.UserRepository
	sessions *SessionManager
	oauth    *oauth2.Config
	verifier *oidc.IDTokenVerifier
	logger   *slog.Logger
}

// NewService discovers the OIDC issuer and builds the login flow.
func NewService(ctx context.Context, cfg *config.Config, st *store.Store, sessions *SessionManager, logger *slog.Logger) (*Service, error) {
	provider, err := oidc.NewProvider(ctx, cfg.OAuth.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("discover oidc issuer: %w", err)
	}
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  cfg.BaseURL + cfg.OAuth.RedirectPath,
		Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.OAuth.ClientID})
	return newService(st.Users, sessions, oauthCfg, verifier, logger), nil
}

func newService(users store.UserRepository, sessions *SessionManager, oauthCfg *oauth2.Config, verifier *oidc.IDTokenVerifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		users:    users,
		sessions: sessions,
		oauth:    oauthCfg,
		verifier: verifier,
		logger:   logger.With(slog.String("component", "auth")),
	}
}

// Sessions exposes the cookie manager shared with the consent handlers.
func (s *Service) Sessions() *SessionManager { return s.sessions }

// BeginOAuth starts the OIDC authorization flow.
func (s *Service) BeginOAuth(w http.ResponseWriter, r *http.Request) {
	state, err := s.sessions.BeginState(w, State{Purpose: purposeLogin})
	if err != nil {
		s.logger.Error("issue login state", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, s.oauth.AuthCodeURL(state), http.StatusFound)
}

// HandleOAuthCallback completes the OIDC flow and creates a session.
func (s *Service) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if _, err := s.sessions.ConsumeState(w, r, purposeLogin); err != nil {
		http.Error(w, "invalid login state", http.StatusBadRequest)
		return
	}
	if e := r.URL.Query().Get("error"); e != "" {
		http.Error(w, "login was declined", http.StatusUnauthorized)
		return
	}

	user, err := s.login(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		s.logger.Warn("operator login failed", slog.String("error", err.Error()))
		http.Error(w, "login failed", http.StatusUnauthorized)
		return
	}
	if err := s.sessions.Issue(w, user.ID); err != nil {
		s.logger.Error("issue session", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	s.logger.Info("operator signed in", slog.Int64("user_id", user.ID))
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Service) login(ctx context.Context, code string) (*store.User, error) {
	if code == "" {
		return nil, errors.New("missing authorization code")
	}
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	raw, ok := tok.Extra("id_token").(string)
	if !ok || raw == "" {
		return nil, errors.New("token response has no id_token")
	}
	idToken, err := s.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("verify id_token: %w", err)
	}
	var claims struct {
		Email         string `json:"email"`
		EmailVerified *bool  `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode claims: %w", err)
	}
	if claims.Email == "" {
		return nil, errors.New("id_token has no email")
	}
	if claims.EmailVerified != nil && !*claims.EmailVerified {
		return nil, errors.New("email is not verified")
	}
	return s.users.UpsertOAuthUser(ctx, idToken.Subject, claims.Email, claims.Name)
}

// Logout clears the session.
func (s *Service) Logout(w http.ResponseWriter, r *http.Request) {
	s.sessions.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

// RequireSession loads the operator from the session cookie. API requests
// without a session get 401; other requests are sent to the login page.
func (s *Service) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.currentUser(r)
		if err != nil {
			if strings.HasPrefix(r.URL.Path, "/api/") {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "authentication required"})
				return
			}
			http.Redirect(w, r, "/auth/login", http.StatusFound)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func (s *Service) currentUser(r *http.Request) (*store.User, error) {
	id, ok := s.sessions.CurrentUserID(r)
	if !ok {
		return nil, errors.New("no session")
	}
	return s.users.GetByID(r.Context(), id)
}
