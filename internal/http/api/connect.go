package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"gitea.jw6.us/james/dossiersync/internal/auth"
	httperrors "gitea.jw6.us/james/dossiersync/internal/http/errors"
	"gitea.jw6.us/james/dossiersync/internal/integrations/remote"
	"gitea.jw6.us/james/dossiersync/internal/store"
	"gitea.jw6.us/james/dossiersync/internal/tokens"
)

const purposeConnect = "connect"

// Connect starts the provider consent for an integration. scope=personal
// stores the resulting token for the signed-in operator only.
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	service := store.Service(chi.URLParam(r, "service"))
	if !service.Valid() {
		httperrors.NotFound(w, "integration")
		return
	}
	operator, err := scopeOperator(r)
	if err != nil {
		httperrors.BadRequestError(w, r, err, err.Error())
		return
	}
	if !h.Tokens.Configured(service) {
		httperrors.Error(w, http.StatusBadRequest, string(service)+" is not configured")
		return
	}

	nonce, err := h.Sessions.BeginState(w, auth.State{Purpose: purposeConnect, Service: service, Personal: operator != nil})
	if err != nil {
		httperrors.InternalError(w, r, err, "begin consent")
		return
	}
	target, err := h.Tokens.AuthCodeURL(service, nonce)
	if errors.Is(err, tokens.ErrNotConfigured) {
		httperrors.Error(w, http.StatusBadRequest, string(service)+" is not configured")
		return
	}
	if err != nil {
		httperrors.InternalError(w, r, err, "build consent url")
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// Callback completes consent: it exchanges the code, looks up the account the
// token belongs to and stores the credentials.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	service := store.Service(chi.URLParam(r, "service"))
	if !service.Valid() {
		httperrors.NotFound(w, "integration")
		return
	}
	st, err := h.Sessions.ConsumeState(w, r, purposeConnect)
	if err != nil || st.Service != service {
		httperrors.Error(w, http.StatusBadRequest, "invalid oauth state")
		return
	}
	if reason := r.URL.Query().Get("error"); reason != "" {
		h.logger.Warn("consent declined", slog.String("service", string(service)), slog.String("reason", reason))
		httperrors.Error(w, http.StatusBadRequest, "consent declined: "+reason)
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		httperrors.Error(w, http.StatusBadRequest, "missing authorization code")
		return
	}

	creds, err := h.Tokens.Exchange(r.Context(), service, code)
	if err != nil {
		httperrors.LogError(r, "exchange consent code", err)
		httperrors.Error(w, http.StatusBadGateway, "authorization code could not be exchanged")
		return
	}
	if err := h.lookupAccount(r.Context(), service, &creds); err != nil {
		httperrors.LogError(r, "look up connected account", err)
		httperrors.Error(w, http.StatusBadGateway, "connected account could not be read")
		return
	}

	var operator *int64
	if st.Personal {
		operator = auth.OperatorID(r.Context())
		if operator == nil {
			httperrors.Error(w, http.StatusUnauthorized, "authentication required")
			return
		}
	}
	tok, err := h.Tokens.Save(r.Context(), service, operator, creds)
	if err != nil {
		httperrors.InternalError(w, r, err, "save integration token")
		return
	}
	if service == store.ServiceGoogleCalendar {
		if _, err := h.Calendars.Refresh(r.Context(), operator); err != nil {
			h.logger.Warn("calendar directory refresh after connect failed", slog.String("error", err.Error()))
		}
	}
	h.Health.Invalidate()

	httperrors.WriteJSON(w, http.StatusOK, map[string]any{
		"service":       service,
		"connected":     true,
		"personal":      operator != nil,
		"account_email": tok.AccountEmail,
		"expires_at":    tok.ExpiresAt,
	})
}

func (h *Handler) lookupAccount(ctx context.Context, service store.Service, creds *tokens.Credentials) error {
	bearer := remote.StaticToken(creds.AccessToken)
	switch service {
	case store.ServiceOneDrive:
		me, err := h.Drive.WithCredentials(bearer).Me(ctx)
		if err != nil {
			return err
		}
		creds.AccountEmail, creds.AccountName = me.Email(), me.DisplayName
	case store.ServiceGoogleCalendar:
		primary, err := h.Calendar.WithCredentials(bearer).PrimaryCalendar(ctx)
		if err != nil {
			return err
		}
		creds.AccountEmail, creds.AccountName = primary.ID, primary.Summary
	}
	return nil
}
