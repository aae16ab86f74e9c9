package tokens

import (
	"context"
	"fmt"

	"gitea.jw6.us/james/dossiersync/internal/config"
	"gitea.jw6.us/james/dossiersync/internal/store"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

var (
	oneDriveScopes = []string{"offline_access", "User.Read", "Files.ReadWrite.All"}
	googleScopes   = []string{"openid", "email", "profile", "https://www.googleapis.com/auth/calendar"}
)

// CallbackPath is where the provider redirects after consent.
func CallbackPath(service store.Service) string {
	return "/integrations/" + string(service) + "/callback"
}

// OneDriveOAuthConfig returns nil when OneDrive is not configured.
func OneDriveOAuthConfig(cfg config.OneDriveConfig, baseURL string) *oauth2.Config {
	if !cfg.Enabled() {
		return nil
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     endpoints.AzureAD(cfg.TenantID),
		RedirectURL:  baseURL + CallbackPath(store.ServiceOneDrive),
		Scopes:       oneDriveScopes,
	}
}

// GoogleOAuthConfig returns nil when Google Calendar is not configured.
func GoogleOAuthConfig(cfg config.GoogleConfig, baseURL string) *oauth2.Config {
	if !cfg.Enabled() {
		return nil
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     endpoints.Google,
		RedirectURL:  baseURL + CallbackPath(store.ServiceGoogleCalendar),
		Scopes:       googleScopes,
	}
}

// AuthCodeURL starts consent. Offline access with forced approval makes the
// provider return a refresh token even on reconnect.
func (s *Store) AuthCodeURL(service store.Service, state string) (string, error) {
	cfg, err := s.OAuthConfig(service)
	if err != nil {
		return "", err
	}
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// Exchange trades an authorization code for credentials. The caller fetches
// account details and then calls Save.
func (s *Store) Exchange(ctx context.Context, service store.Service, code string) (Credentials, error) {
	cfg, err := s.OAuthConfig(service)
	if err != nil {
		return Credentials{}, err
	}
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return Credentials{}, fmt.Errorf("exchange %s code: %w", service, err)
	}
	creds := CredentialsFromOAuth(tok)
	creds.Scopes = cfg.Scopes
	return creds, nil
}
