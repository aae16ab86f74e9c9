package auth

import (
	"crypto/sha256"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"

	"gitea.jw6.us/james/dossiersync/internal/config"
	"gitea.jw6.us/james/dossiersync/internal/store"
)

const (
	sessionCookie = "dossiersync_session"
	stateCookie   = "dossiersync_oauth_state"
	sessionTTL    = 24 * time.Hour
	stateTTL      = 10 * time.Minute
)

// ErrInvalidState rejects an OAuth callback whose state does not match the
// cookie set when the flow began.
var ErrInvalidState = errors.New("invalid oauth state")

// State is carried in a signed cookie across an OAuth redirect.
type State struct {
	Nonce string `json:"nonce"`
	// Purpose is "login" for operator sign-in or "connect" for integration
	// consent.
	Purpose  string        `json:"purpose"`
	Service  store.Service `json:"service,omitempty"`
	Personal bool          `json:"personal,omitempty"`
	Expires  int64         `json:"exp"`
}

// SessionManager manages operator sessions and OAuth state cookies.
type SessionManager struct {
	codec  *securecookie.SecureCookie
	secure bool
	now    func() time.Time
}

func NewSessionManager(cfg *config.Config) *SessionManager {
	hash := sha256.Sum256([]byte(cfg.Session.Secret))
	hashKey := hash[:]

	// Derive an AES-256 sized block key to avoid invalid key length errors.
	blockKey := hash[:]
	sc := securecookie.New(hashKey, blockKey)
	sc.MaxAge(int(sessionTTL.Seconds()))
	sc.SetSerializer(securecookie.JSONEncoder{})

	secure := true
	if base, err := url.Parse(cfg.BaseURL); err == nil && base.Scheme != "https" {
		secure = false
	}

	return &SessionManager{codec: sc, secure: secure, now: time.Now}
}

// Issue sets the session cookie for an operator.
func (m *SessionManager) Issue(w http.ResponseWriter, userID int64) error {
	expires := m.now().Add(sessionTTL)
	value := map[string]any{
		"user_id": userID,
		"exp":     expires.Unix(),
	}

	encoded, err := m.codec.Encode(sessionCookie, value)
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    encoded,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Clear removes the session cookie.
func (m *SessionManager) Clear(w http.ResponseWriter) {
	m.expire(w, sessionCookie)
}

// CurrentUserID extracts the user ID from the request session if present.
func (m *SessionManager) CurrentUserID(r *http.Request) (int64, bool) {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return 0, false
	}

	var value map[string]any
	if err := m.codec.Decode(sessionCookie, c.Value, &value); err != nil {
		return 0, false
	}

	exp, ok := value["exp"].(float64)
	if !ok || time.Unix(int64(exp), 0).Before(m.now()) {
		return 0, false
	}

	uid, ok := value["user_id"].(float64)
	if !ok {
		return 0, false
	}

	return int64(uid), true
}

// BeginState stores a fresh state cookie and returns the nonce to send as
// the OAuth state parameter.
func (m *SessionManager) BeginState(w http.ResponseWriter, st State) (string, error) {
	st.Nonce = uuid.NewString()
	st.Expires = m.now().Add(stateTTL).Unix()
	encoded, err := m.codec.Encode(stateCookie, st)
	if err != nil {
		return "", err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    encoded,
		Path:     "/",
		MaxAge:   int(stateTTL.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return st.Nonce, nil
}

// ConsumeState validates the callback state against the cookie and clears
// it. The cookie is single use.
func (m *SessionManager) ConsumeState(w http.ResponseWriter, r *http.Request, purpose string) (State, error) {
	c, err := r.Cookie(stateCookie)
	if err != nil {
		return State{}, ErrInvalidState
	}
	m.expire(w, stateCookie)

	var st State
	if err := m.codec.Decode(stateCookie, c.Value, &st); err != nil {
		return State{}, ErrInvalidState
	}
	if st.Nonce == "" || st.Nonce != r.URL.Query().Get("state") || st.Purpose != purpose {
		return State{}, ErrInvalidState
	}
	if time.Unix(st.Expires, 0).Before(m.now()) {
		return State{}, ErrInvalidState
	}
	return st, nil
}

func (m *SessionManager) expire(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:    name,
		Value:   "",
		Path:    "/",
		Expires: time.Unix(0, 0),
		MaxAge:  -1,
		Secure:  m.secure,
	})
}
