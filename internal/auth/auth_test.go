package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"gitea.jw6.us/james/dossiersync/internal/config"
	"gitea.jw6.us/james/dossiersync/internal/store"
	"gitea.jw6.us/james/dossiersync/internal/store/storetest"
)

const (
	testIssuer   = "https://login.cabinet.example"
	testClientID = "dossiersync"
)

func testConfig() *config.Config {
	cfg := &config.Config{BaseURL: "https://portal.cabinet.example"}
	cfg.Session.Secret = strings.Repeat("s", 40)
	return cfg
}

func signJWT(t *testing.T, key *rsa.PrivateKey, claims map[string]any) string {
	t.Helper()
	enc := func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		return base64.RawURLEncoding.EncodeToString(b)
	}
	input := enc(map[string]string{"alg": "RS256", "typ": "JWT"}) + "." + enc(claims)
	sum := sha256.Sum256([]byte(input))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, sum[:])
	if err != nil {
		t.Fatal(err)
	}
	return input + "." + base64.RawURLEncoding.EncodeToString(sig)
}

type loginFixture struct {
	svc *Service
	mem *storetest.Memory
}

func newLoginFixture(t *testing.T, claims map[string]any) loginFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	idToken := signJWT(t, key, claims)
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.Form.Get("code") != "good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     idToken,
		})
	}))
	t.Cleanup(tokenServer.Close)

	st, mem := storetest.New()
	oauthCfg := &oauth2.Config{
		ClientID:     testClientID,
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{AuthURL: testIssuer + "/authorize", TokenURL: tokenServer.URL},
		RedirectURL:  "https://portal.cabinet.example/auth/callback",
	}
	verifier := oidc.NewVerifier(testIssuer, &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&key.PublicKey}}, &oidc.Config{ClientID: testClientID})
	return loginFixture{svc: newService(st.Users, NewSessionManager(testConfig()), oauthCfg, verifier, nil), mem: mem}
}

func validClaims() map[string]any {
	now := time.Now()
	return map[string]any{
		"iss":   testIssuer,
		"sub":   "operator-1",
		"aud":   testClientID,
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
		"email": "maitre@cabinet.example",
		"name":  "Maître Dupont",
	}
}

func begin(t *testing.T, svc *Service) (string, []*http.Cookie) {
	t.Helper()
	rec := httptest.NewRecorder()
	svc.BeginOAuth(rec, httptest.NewRequest(http.MethodGet, "/auth/login", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("begin status = %d", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	return loc.Query().Get("state"), rec.Result().Cookies()
}

func callback(svc *Service, query string, cookies []*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/auth/callback?"+query, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	svc.HandleOAuthCallback(rec, req)
	return rec
}

func cookieNamed(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name && c.Value != "" {
			return c
		}
	}
	return nil
}

func TestLoginFlowCreatesSession(t *testing.T) {
	f := newLoginFixture(t, validClaims())
	state, cookies := begin(t, f.svc)
	if state == "" {
		t.Fatal("missing state parameter")
	}

	rec := callback(f.svc, "state="+state+"&code=good-code", cookies)
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/" {
		t.Fatalf("callback = %d %s", rec.Code, rec.Body.String())
	}
	session := cookieNamed(rec.Result().Cookies(), sessionCookie)
	if session == nil {
		t.Fatal("no session cookie issued")
	}

	var seen *store.User
	protected := f.svc.RequireSession(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserFromContext(r.Context())
		if id := OperatorID(r.Context()); id == nil || *id != seen.ID {
			t.Errorf("operator id = %v", id)
		}
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/integrations/health", nil)
	req.AddCookie(session)
	protected.ServeHTTP(httptest.NewRecorder(), req)
	if seen == nil || seen.PrimaryEmail != "maitre@cabinet.example" || seen.OAuthSubject != "operator-1" {
		t.Fatalf("user = %+v", seen)
	}
}

func TestCallbackRejects(t *testing.T) {
	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	otherAudience := validClaims()
	otherAudience["aud"] = "someone-else"
	noEmail := validClaims()
	delete(noEmail, "email")

	tests := []struct {
		name   string
		claims map[string]any
		query  func(state string) string
		status int
	}{
		{"state mismatch", validClaims(), func(string) string { return "state=forged&code=good-code" }, http.StatusBadRequest},
		{"bad code", validClaims(), func(s string) string { return "state=" + s + "&code=bad" }, http.StatusUnauthorized},
		{"declined", validClaims(), func(s string) string { return "state=" + s + "&error=access_denied" }, http.StatusUnauthorized},
		{"expired id token", expired, func(s string) string { return "state=" + s + "&code=good-code" }, http.StatusUnauthorized},
		{"wrong audience", otherAudience, func(s string) string { return "state=" + s + "&code=good-code" }, http.StatusUnauthorized},
		{"no email", noEmail, func(s string) string { return "state=" + s + "&code=good-code" }, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newLoginFixture(t, tt.claims)
			state, cookies := begin(t, f.svc)
			rec := callback(f.svc, tt.query(state), cookies)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
			if cookieNamed(rec.Result().Cookies(), sessionCookie) != nil {
				t.Fatal("session issued on failed login")
			}
		})
	}
}

func TestRequireSessionWithoutCookie(t *testing.T) {
	f := newLoginFixture(t, validClaims())
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached without session")
	})

	api := httptest.NewRecorder()
	f.svc.RequireSession(next).ServeHTTP(api, httptest.NewRequest(http.MethodGet, "/api/integrations/health", nil))
	if api.Code != http.StatusUnauthorized || !strings.Contains(api.Body.String(), "authentication required") {
		t.Fatalf("api = %d %s", api.Code, api.Body.String())
	}

	page := httptest.NewRecorder()
	f.svc.RequireSession(next).ServeHTTP(page, httptest.NewRequest(http.MethodGet, "/integrations/onedrive/connect", nil))
	if page.Code != http.StatusFound || page.Header().Get("Location") != "/auth/login" {
		t.Fatalf("page = %d %s", page.Code, page.Header().Get("Location"))
	}
}

func TestSessionCookie(t *testing.T) {
	m := NewSessionManager(testConfig())
	rec := httptest.NewRecorder()
	if err := m.Issue(rec, 42); err != nil {
		t.Fatal(err)
	}
	c := cookieNamed(rec.Result().Cookies(), sessionCookie)
	if c == nil || !c.Secure || !c.HttpOnly {
		t.Fatalf("cookie = %+v", c)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(c)
	if id, ok := m.CurrentUserID(req); !ok || id != 42 {
		t.Fatalf("CurrentUserID = %d, %v", id, ok)
	}

	tampered := httptest.NewRequest(http.MethodGet, "/", nil)
	tampered.AddCookie(&http.Cookie{Name: sessionCookie, Value: c.Value[:len(c.Value)-4] + "AAAA"})
	if _, ok := m.CurrentUserID(tampered); ok {
		t.Fatal("tampered cookie accepted")
	}

	m.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	if _, ok := m.CurrentUserID(req); ok {
		t.Fatal("expired session accepted")
	}
}

func TestStateIsSingleUse(t *testing.T) {
	m := NewSessionManager(testConfig())
	rec := httptest.NewRecorder()
	nonce, err := m.BeginState(rec, State{Purpose: "connect", Service: store.ServiceGoogleCalendar, Personal: true})
	if err != nil {
		t.Fatal(err)
	}
	cookie := cookieNamed(rec.Result().Cookies(), stateCookie)

	req := httptest.NewRequest(http.MethodGet, "/integrations/google_calendar/callback?state="+nonce, nil)
	req.AddCookie(cookie)
	out := httptest.NewRecorder()
	st, err := m.ConsumeState(out, req, "connect")
	if err != nil || st.Service != store.ServiceGoogleCalendar || !st.Personal {
		t.Fatalf("ConsumeState = %+v, %v", st, err)
	}
	if c := out.Result().Cookies(); len(c) != 1 || c[0].MaxAge >= 0 {
		t.Fatalf("state cookie not cleared: %+v", c)
	}

	wrongPurpose := httptest.NewRequest(http.MethodGet, "/auth/callback?state="+nonce, nil)
	wrongPurpose.AddCookie(cookie)
	if _, err := m.ConsumeState(httptest.NewRecorder(), wrongPurpose, "login"); err != ErrInvalidState {
		t.Fatalf("expected invalid state, got %v", err)
	}
}
