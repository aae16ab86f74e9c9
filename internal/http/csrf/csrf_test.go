package csrf

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"gitea.jw6.us/james/dossiersync/internal/config"
)

func serve(t *testing.T, cfg *config.Config, req *http.Request) (*httptest.ResponseRecorder, string) {
	t.Helper()
	var seen string
	h := Middleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TokenFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, seen
}

func TestSafeRequestMintsCookie(t *testing.T) {
	cfg := &config.Config{BaseURL: "https://dossiers.example"}
	rec, seen := serve(t, cfg, httptest.NewRequest(http.MethodGet, "/api/session", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != cookieName {
		t.Fatalf("cookies = %+v", cookies)
	}
	c := cookies[0]
	if c.Value != seen || len(c.Value) != 2*tokenBytes {
		t.Fatalf("cookie %q, context %q", c.Value, seen)
	}
	if !c.Secure || !c.HttpOnly || c.SameSite != http.SameSiteStrictMode {
		t.Fatalf("cookie attributes = %+v", c)
	}
}

func TestPlainHTTPBaseURLDropsSecureFlag(t *testing.T) {
	cfg := &config.Config{BaseURL: "http://localhost:8080"}
	rec, _ := serve(t, cfg, httptest.NewRequest(http.MethodGet, "/", nil))
	if c := rec.Result().Cookies(); len(c) != 1 || c[0].Secure {
		t.Fatalf("cookies = %+v", c)
	}
}

func TestMutationsNeedMatchingHeader(t *testing.T) {
	cfg := &config.Config{BaseURL: "https://dossiers.example"}
	cookie := &http.Cookie{Name: cookieName, Value: "abc123"}
	cases := []struct {
		method string
		header string
		want   int
	}{
		{http.MethodPost, "", http.StatusForbidden},
		{http.MethodPost, "wrong", http.StatusForbidden},
		{http.MethodPut, "abc123", http.StatusNoContent},
		{http.MethodDelete, "abc123", http.StatusNoContent},
		{http.MethodHead, "", http.StatusNoContent},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, "/api/dossiers/1", nil)
		req.AddCookie(cookie)
		if tc.header != "" {
			req.Header.Set(headerName, tc.header)
		}
		rec, _ := serve(t, cfg, req)
		if rec.Code != tc.want {
			t.Errorf("%s with %q: status = %d, want %d", tc.method, tc.header, rec.Code, tc.want)
		}
		if len(rec.Result().Cookies()) != 0 {
			t.Errorf("%s reissued an existing cookie", tc.method)
		}
	}
}
