// Package tokens is the integration token store: encrypted OAuth credentials
// per (service, operator), freshness checks, and refresh through x/oauth2.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"gitea.jw6.us/james/dossiersync/internal/store"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// ErrNotConnected means no credentials exist for the service and operator.
var ErrNotConnected = errors.New("integration not connected")

// ErrNoRefreshToken means the stored grant cannot be renewed.
var ErrNoRefreshToken = errors.New("no refresh token stored")

// ErrNotConfigured means the service has no OAuth client configured.
var ErrNotConfigured = errors.New("integration not configured")

// RefreshError reports that a connected integration could not renew its
// access token. It is distinct from ErrNotConnected.
type RefreshError struct {
	Service store.Service
	Err     error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh %s token: %v", e.Service, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Revoked reports whether the provider rejected the grant itself, which
// needs a new consent rather than a retry.
func (e *RefreshError) Revoked() bool {
	var re *oauth2.RetrieveError
	if errors.As(e.Err, &re) {
		return re.ErrorCode == "invalid_grant" || re.ErrorCode == "unauthorized_client"
	}
	return errors.Is(e.Err, ErrNoRefreshToken)
}

// Token is the decrypted view of a stored credential.
type Token struct {
	ID           int64
	Service      store.Service
	OperatorID   *int64
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	AccountEmail string
	AccountName  string
	Scopes       []string
	UpdatedAt    time.Time
}

// IsExpired reports whether the expiry lies in the past. Tokens without an
// expiry never expire.
func (t *Token) IsExpired(now time.Time) bool {
	return t.ExpiresAt != nil && t.ExpiresAt.Before(now)
}

// WillExpireSoon reports whether the token expires within horizon.
func (t *Token) WillExpireSoon(now time.Time, horizon time.Duration) bool {
	return t.ExpiresAt != nil && t.ExpiresAt.Before(now.Add(horizon))
}

// Credentials is the token material produced by a consent or refresh.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	AccountEmail string
	AccountName  string
	Scopes       []string
}

// CredentialsFromOAuth converts an x/oauth2 token.
func CredentialsFromOAuth(tok *oauth2.Token) Credentials {
	return Credentials{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, Expiry: tok.Expiry}
}

// Store reads and writes integration tokens.
type Store struct {
	repo    store.TokenRepository
	cipher  *Cipher
	oauth   map[store.Service]*oauth2.Config
	horizon time.Duration
	logger  *slog.Logger
	now     func() time.Time
	flight  singleflight.Group
}

// Option customizes a Store.
type Option func(*Store)

// WithOAuthConfig registers the OAuth client used to refresh service tokens.
func WithOAuthConfig(service store.Service, cfg *oauth2.Config) Option {
	return func(s *Store) {
		if cfg != nil {
			s.oauth[service] = cfg
		}
	}
}

// WithRefreshHorizon sets how early tokens are refreshed before expiry.
func WithRefreshHorizon(d time.Duration) Option {
	return func(s *Store) { s.horizon = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a token store.
func NewStore(repo store.TokenRepository, cipher *Cipher, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Store{
		repo:    repo,
		cipher:  cipher,
		oauth:   map[store.Service]*oauth2.Config{},
		horizon: 5 * time.Minute,
		logger:  logger.With(slog.String("component", "tokens")),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Configured reports whether an OAuth client exists for service.
func (s *Store) Configured(service store.Service) bool {
	_, ok := s.oauth[service]
	return ok
}

// OAuthConfig returns the OAuth client for service.
func (s *Store) OAuthConfig(service store.Service) (*oauth2.Config, error) {
	cfg, ok := s.oauth[service]
	if !ok {
		return nil, ErrNotConfigured
	}
	return cfg, nil
}

// Now returns the store clock.
func (s *Store) Now() time.Time { return s.now() }

// Horizon returns the proactive refresh window.
func (s *Store) Horizon() time.Duration { return s.horizon }

// Get returns the decrypted token or ErrNotConnected.
func (s *Store) Get(ctx context.Context, service store.Service, operatorID *int64) (*Token, error) {
	row, err := s.repo.Get(ctx, service, operatorID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotConnected
	}
	if err != nil {
		return nil, fmt.Errorf("load %s token: %w", service, err)
	}
	return s.decrypt(row)
}

// GetByID loads a token by row id.
func (s *Store) GetByID(ctx context.Context, id int64) (*Token, error) {
	row, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotConnected
	}
	if err != nil {
		return nil, fmt.Errorf("load token %d: %w", id, err)
	}
	return s.decrypt(row)
}

// List returns every token of a service, shared and personal.
func (s *Store) List(ctx context.Context, service store.Service) ([]Token, error) {
	rows, err := s.repo.ListByService(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("list %s tokens: %w", service, err)
	}
	out := make([]Token, 0, len(rows))
	for i := range rows {
		t, err := s.decrypt(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

// Save upserts credentials for (service, operator). Empty refresh token and
// account fields keep the stored values.
func (s *Store) Save(ctx context.Context, service store.Service, operatorID *int64, creds Credentials) (*Token, error) {
	if !service.Valid() {
		return nil, fmt.Errorf("unknown service %q", service)
	}
	if creds.AccessToken == "" {
		return nil, errors.New("access token is required")
	}
	access, err := s.cipher.Seal(string(service), creds.AccessToken)
	if err != nil {
		return nil, err
	}
	refresh, err := s.cipher.Seal(string(service), creds.RefreshToken)
	if err != nil {
		return nil, err
	}
	row := store.Token{
		Service:      service,
		OperatorID:   operatorID,
		AccessToken:  access,
		RefreshToken: refresh,
		AccountEmail: creds.AccountEmail,
		AccountName:  creds.AccountName,
		Scopes:       creds.Scopes,
	}
	if !creds.Expiry.IsZero() {
		expiry := creds.Expiry.UTC()
		row.ExpiresAt = &expiry
	}
	saved, err := s.repo.Upsert(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("save %s token: %w", service, err)
	}
	return s.decrypt(saved)
}

// Disconnect deletes the token; calendar directory rows cascade.
func (s *Store) Disconnect(ctx context.Context, service store.Service, operatorID *int64) error {
	row, err := s.repo.Get(ctx, service, operatorID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotConnected
	}
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, row.ID); err != nil {
		return fmt.Errorf("delete %s token: %w", service, err)
	}
	s.logger.Info("integration disconnected", slog.String("service", string(service)), slog.Int64("token_id", row.ID))
	return nil
}

// AccessToken returns a usable access token, refreshing first when the
// stored one expires within the horizon.
func (s *Store) AccessToken(ctx context.Context, service store.Service, operatorID *int64) (string, error) {
	tok, err := s.Get(ctx, service, operatorID)
	if err != nil {
		return "", err
	}
	if !tok.WillExpireSoon(s.now(), s.horizon) {
		return tok.AccessToken, nil
	}
	refreshed, err := s.refresh(ctx, tok)
	if err != nil {
		if !tok.IsExpired(s.now()) {
			s.logger.Warn("proactive refresh failed, using current token",
				slog.String("service", string(service)), slog.String("error", err.Error()))
			return tok.AccessToken, nil
		}
		return "", err
	}
	return refreshed.AccessToken, nil
}

// Refresh renews the token unconditionally, as after a 401.
func (s *Store) Refresh(ctx context.Context, service store.Service, operatorID *int64) (*Token, error) {
	tok, err := s.Get(ctx, service, operatorID)
	if err != nil {
		return nil, err
	}
	return s.refresh(ctx, tok)
}

func (s *Store) refresh(ctx context.Context, tok *Token) (*Token, error) {
	key := string(tok.Service) + ":" + strconv.FormatInt(tok.ID, 10)
	v, err, _ := s.flight.Do(key, func() (any, error) {
		return s.doRefresh(ctx, tok)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Token), nil
}

func (s *Store) doRefresh(ctx context.Context, tok *Token) (*Token, error) {
	cfg, ok := s.oauth[tok.Service]
	if !ok {
		return nil, &RefreshError{Service: tok.Service, Err: ErrNotConfigured}
	}
	if tok.RefreshToken == "" {
		return nil, &RefreshError{Service: tok.Service, Err: ErrNoRefreshToken}
	}

	// An expired Expiry forces x/oauth2 to hit the token endpoint.
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken, Expiry: time.Unix(1, 0)})
	fresh, err := src.Token()
	if err != nil {
		s.logger.Warn("token refresh failed", slog.String("service", string(tok.Service)), slog.Int64("token_id", tok.ID), slog.String("error", err.Error()))
		return nil, &RefreshError{Service: tok.Service, Err: err}
	}

	saved, err := s.Save(ctx, tok.Service, tok.OperatorID, CredentialsFromOAuth(fresh))
	if err != nil {
		return nil, &RefreshError{Service: tok.Service, Err: err}
	}
	s.logger.Debug("token refreshed", slog.String("service", string(tok.Service)), slog.Int64("token_id", saved.ID))
	return saved, nil
}

func (s *Store) decrypt(row *store.Token) (*Token, error) {
	access, err := s.cipher.Open(string(row.Service), row.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("%s token %d: %w", row.Service, row.ID, err)
	}
	refresh, err := s.cipher.Open(string(row.Service), row.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("%s token %d: %w", row.Service, row.ID, err)
	}
	return &Token{
		ID:           row.ID,
		Service:      row.Service,
		OperatorID:   row.OperatorID,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    row.ExpiresAt,
		AccountEmail: row.AccountEmail,
		AccountName:  row.AccountName,
		Scopes:       row.Scopes,
		UpdatedAt:    row.UpdatedAt,
	}, nil
}

// Source binds the store to one (service, operator) pair for API clients.
type Source struct {
	store      *Store
	service    store.Service
	operatorID *int64
}

// Source returns a credential source for API clients.
func (s *Store) Source(service store.Service, operatorID *int64) *Source {
	return &Source{store: s, service: service, operatorID: operatorID}
}

// AccessToken returns a usable access token.
func (src *Source) AccessToken(ctx context.Context) (string, error) {
	return src.store.AccessToken(ctx, src.service, src.operatorID)
}

// ForceRefresh renews the token and returns the new access token.
func (src *Source) ForceRefresh(ctx context.Context) (string, error) {
	tok, err := src.store.Refresh(ctx, src.service, src.operatorID)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}
