package server

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestSecurityFakeJWT presents forged application tokens to /me.
func TestSecurityFakeJWT(t *testing.T) {
	h := newHarness(t, true)
	_, kid := h.app.Keys.SigningKey()
	now := time.Now()
	base := jwt.MapClaims{
		"iss": h.app.Config.TokenIssuer(),
		"aud": h.app.Config.Tokens.Audience,
		"sub": "attacker",
		"jti": "forged",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	sign := func(method jwt.SigningMethod, key any, header map[string]any) string {
		tok := jwt.NewWithClaims(method, base)
		for k, v := range header {
			tok.Header[k] = v
		}
		s, err := tok.SignedString(key)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}

	tests := map[string]string{
		"alg_none":        sign(jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, map[string]any{"kid": kid}),
		"foreign_key":     sign(jwt.SigningMethodRS256, otherKey, map[string]any{"kid": kid}),
		"unknown_kid":     sign(jwt.SigningMethodRS256, otherKey, map[string]any{"kid": "rogue"}),
		"missing_kid":     sign(jwt.SigningMethodRS256, otherKey, nil),
		"hs256_confusion": sign(jwt.SigningMethodHS256, []byte("guessable"), map[string]any{"kid": kid}),
		"truncated":       "eyJhbGciOiJSUzI1NiJ9.eyJzdWIiOiJ4In0",
		"garbage":         "!!!invalid-base64@@@",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ids/me", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			w := httptest.NewRecorder()
			h.app.Routes().ServeHTTP(w, req)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("forged token accepted: status %d body %s", w.Code, w.Body.String())
			}
		})
	}
}

// TestSecurityFakeCookies sends malformed cookies to every cookie-reading route.
func TestSecurityFakeCookies(t *testing.T) {
	h := newHarness(t, true)
	values := []string{"fake-session-12345", "' OR '1'='1", strings.Repeat("A", 4000), "!!!invalid-base64@@@"}
	routes := []struct {
		method, path, cookie string
		want                 int
	}{
		{http.MethodGet, "/ids/me", cookieAppToken, http.StatusUnauthorized},
		{http.MethodPost, "/ids/auth/refresh", cookieRefresh, http.StatusUnauthorized},
		{http.MethodGet, "/ids/auth/callback?code=c&state=s", cookieState, http.StatusBadRequest},
		{http.MethodGet, "/ids/auth/callback?code=c&state=s", cookieRedirect, http.StatusBadRequest},
	}
	for _, route := range routes {
		for _, v := range values {
			req := httptest.NewRequest(route.method, route.path, nil)
			req.AddCookie(&http.Cookie{Name: route.cookie, Value: v})
			w := httptest.NewRecorder()
			h.app.Routes().ServeHTTP(w, req)
			if w.Code != route.want {
				t.Fatalf("%s %s with %s=%.20q: status %d, want %d", route.method, route.path, route.cookie, v, w.Code, route.want)
			}
		}
	}
}

// TestSecurityOpenRedirect checks that the login redirect parameter can never move
// the browser off the application URL.
func TestSecurityOpenRedirect(t *testing.T) {
	h := newHarness(t, true)
	for _, redirect := range []string{"https://evil.example.com", "//evil.example.com", "javascript:alert(1)"} {
		c := newBrowser(t)
		resp := get(t, c, h.startLogin(t, c, redirect))
		expectStatus(t, resp, http.StatusFound)
		loc, err := url.Parse(resp.Header.Get("Location"))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if loc.Host != strings.TrimPrefix(h.ts.URL, "http://") || loc.Path != "/cpds/" {
			t.Fatalf("redirect %q escaped the application: %s", redirect, loc)
		}
	}

	resp := get(t, newBrowser(t), h.url("/ids/auth/login?redirect="+strings.Repeat("a", maxRedirectLen+1)))
	expectStatus(t, resp, http.StatusBadRequest)
}

// TestSecurityBackchannelOversizedBody rejects bodies above the logout token limit.
func TestSecurityBackchannelOversizedBody(t *testing.T) {
	h := newHarness(t, true)
	body := "logout_token=" + strings.Repeat("a", maxLogoutTokenBytes+1)
	req := httptest.NewRequest(http.MethodPost, "/ids/auth/backchannel-logout", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.app.Routes().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

// TestSecurityInformationDisclosure ensures upstream error detail is not echoed.
func TestSecurityInformationDisclosure(t *testing.T) {
	h := newHarness(t, true)
	req := httptest.NewRequest(http.MethodGet, "/ids/auth/callback?error=server_error&error_description=<script>secret-detail</script>", nil)
	w := httptest.NewRecorder()
	h.app.Routes().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "secret-detail") {
		t.Fatalf("upstream error description echoed: %s", w.Body.String())
	}
}
