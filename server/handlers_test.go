package server

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"oidcbroker/upstream/upstreamtest"
)

const (
	testClientID     = "cpds-spa"
	testClientSecret = "broker-secret"
)

type harness struct {
	app *App
	op  *upstreamtest.Server
	ts  *httptest.Server
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newHarness starts a broker in front of a fake provider. When discover is false
// the broker stays behind its readiness gate.
func newHarness(t *testing.T, discover bool) *harness {
	t.Helper()
	op := upstreamtest.NewServer(testClientID, testClientSecret)
	t.Cleanup(op.Close)

	var handler http.Handler = http.NotFoundHandler()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	cfg := DefaultConfig()
	cfg.Server.PublicURL = ts.URL
	cfg.Server.AppURL = ts.URL + "/cpds/"
	cfg.Upstream.Issuer = op.Issuer()
	cfg.Upstream.ClientID = testClientID
	cfg.Upstream.ClientSecret = testClientSecret
	cfg.Upstream.Scopes = []string{"openid", "profile", "email"}
	cfg.Discovery.InitialInterval = 5 * time.Millisecond
	cfg.Discovery.MaxInterval = 20 * time.Millisecond
	cfg.Cookies.SigningKeys = []string{"test-cookie-signing-key-0001"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	app, err := NewApp(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })

	if discover {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.Discover(ctx); err != nil {
			t.Fatalf("Discover: %v", err)
		}
	}
	handler = app.Routes()
	return &harness{app: app, op: op, ts: ts}
}

func newBrowser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar: %v", err)
	}
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (h *harness) url(path string) string { return h.ts.URL + path }

func get(t *testing.T, c *http.Client, rawURL string) *http.Response {
	t.Helper()
	resp, err := c.Get(rawURL)
	if err != nil {
		t.Fatalf("GET %s: %v", rawURL, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func post(t *testing.T, c *http.Client, rawURL string, form url.Values) *http.Response {
	t.Helper()
	resp, err := c.PostForm(rawURL, form)
	if err != nil {
		t.Fatalf("POST %s: %v", rawURL, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: status %d, want %d (body %q)", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

// startLogin runs /auth/login and the provider's authorize step, returning the
// callback URL the provider sent the browser to.
func (h *harness) startLogin(t *testing.T, c *http.Client, redirect string) string {
	t.Helper()
	loginURL := h.url("/ids/auth/login")
	if redirect != "" {
		loginURL += "?redirect=" + url.QueryEscape(redirect)
	}
	resp := get(t, c, loginURL)
	expectStatus(t, resp, http.StatusFound)

	resp = get(t, c, resp.Header.Get("Location"))
	expectStatus(t, resp, http.StatusFound)
	callback := resp.Header.Get("Location")
	if !strings.HasPrefix(callback, h.url("/ids/auth/callback")) {
		t.Fatalf("provider redirected to %q", callback)
	}
	return callback
}

func (h *harness) login(t *testing.T, c *http.Client) *http.Response {
	t.Helper()
	resp := get(t, c, h.startLogin(t, c, ""))
	expectStatus(t, resp, http.StatusFound)
	return resp
}

func cookieValue(c *http.Client, rawURL, name string) string {
	u, _ := url.Parse(rawURL)
	for _, ck := range c.Jar.Cookies(u) {
		if ck.Name == name {
			return ck.Value
		}
	}
	return ""
}

func setCookieNamed(resp *http.Response, name string) *http.Cookie {
	for _, ck := range resp.Cookies() {
		if ck.Name == name {
			return ck
		}
	}
	return nil
}

func TestLoginRedirectCarriesPKCE(t *testing.T) {
	h := newHarness(t, true)
	c := newBrowser(t)

	resp := get(t, c, h.url("/ids/auth/login"))
	expectStatus(t, resp, http.StatusFound)
	authURL, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	q := authURL.Query()
	if q.Get("code_challenge_method") != "S256" || q.Get("client_id") != testClientID {
		t.Fatalf("authorize request missing PKCE or client: %s", authURL)
	}
	if q.Get("redirect_uri") != h.url("/ids/auth/callback") {
		t.Fatalf("redirect_uri = %q", q.Get("redirect_uri"))
	}

	for _, name := range transactionCookies[:4] {
		ck := setCookieNamed(resp, name)
		if ck == nil {
			t.Fatalf("cookie %s not set", name)
		}
		if !ck.HttpOnly || ck.SameSite != http.SameSiteLaxMode || ck.MaxAge != int(DefaultTransactionTTL.Seconds()) {
			t.Fatalf("cookie %s has wrong attributes: %+v", name, ck)
		}
	}

	verifier, err := h.app.Cookies.verify(cookieVerifier, cookieValue(c, h.ts.URL, cookieVerifier))
	if err != nil {
		t.Fatalf("stored verifier: %v", err)
	}
	sum := sha256.Sum256([]byte(verifier))
	if q.Get("code_challenge") != base64.RawURLEncoding.EncodeToString(sum[:]) {
		t.Fatalf("code_challenge is not S256 of the stored verifier")
	}
	if q.Get("state") == "" || q.Get("nonce") == "" {
		t.Fatalf("state and nonce must be sent upstream")
	}
}

func TestLoginAfterAbandonedLoginDropsItsRedirect(t *testing.T) {
	h := newHarness(t, true)
	c := newBrowser(t)

	h.startLogin(t, c, "/abandoned")
	resp := get(t, c, h.startLogin(t, c, ""))
	expectStatus(t, resp, http.StatusFound)

	target, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if target.Query().Has("redirect") || target.Path != "/cpds/" {
		t.Fatalf("second login inherited the abandoned redirect: %s", target)
	}
}

func TestLoginFlowMintsSessionLinkedToken(t *testing.T) {
	h := newHarness(t, true)
	c := newBrowser(t)

	callback := h.startLogin(t, c, "/reports/42")
	resp := get(t, c, callback)
	expectStatus(t, resp, http.StatusFound)

	target, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if target.Fragment != "authenticated" || target.Path != "/cpds/" {
		t.Fatalf("unexpected app redirect %q", target)
	}
	if want := base64.RawURLEncoding.EncodeToString([]byte("/reports/42")); target.Query().Get("redirect") != want {
		t.Fatalf("redirect param = %q, want %q", target.Query().Get("redirect"), want)
	}

	for _, name := range sessionCookies {
		if cookieValue(c, h.ts.URL, name) == "" {
			t.Fatalf("session cookie %s not set", name)
		}
	}
	if cookieValue(c, h.ts.URL, cookieSID) != "abc123" {
		t.Fatalf("kc_sid should hold the upstream sid")
	}
	if ck := setCookieNamed(resp, cookieState); ck == nil || ck.MaxAge >= 0 {
		t.Fatalf("transaction cookies must be cleared after login")
	}

	me := get(t, c, h.url("/ids/me"))
	expectStatus(t, me, http.StatusOK)
	claims := decodeBody(t, me)
	if claims["sub"] != "user-123" || claims["kc_sid"] != "abc123" || claims["name"] != "alice" {
		t.Fatalf("unexpected claims: %v", claims)
	}
	if claims["aud"] != "cpds-api" || claims["iss"] != h.url("/ids") {
		t.Fatalf("unexpected iss/aud: %v %v", claims["iss"], claims["aud"])
	}
	if _, ok := claims["nonce"]; ok {
		t.Fatalf("upstream nonce leaked into the application token")
	}
}

func TestMeAcceptsBearerHeader(t *testing.T) {
	h := newHarness(t, true)
	c := newBrowser(t)
	h.login(t, c)
	token := cookieValue(c, h.ts.URL, cookieAppToken)

	req, _ := http.NewRequest(http.MethodGet, h.url("/ids/me"), nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /me: %v", err)
	}
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)

	resp = get(t, http.DefaultClient, h.url("/ids/me"))
	expectStatus(t, resp, http.StatusUnauthorized)
	if body := decodeBody(t, resp); body["error"] != "invalid token" {
		t.Fatalf("unexpected error body: %v", body)
	}
}

func TestCallbackRejectsStateMismatch(t *testing.T) {
	h := newHarness(t, true)
	c := newBrowser(t)

	callback, _ := url.Parse(h.startLogin(t, c, ""))
	q := callback.Query()
	q.Set("state", "forged-state")
	callback.RawQuery = q.Encode()

	resp := get(t, c, callback.String())
	expectStatus(t, resp, http.StatusBadRequest)
	if len(resp.Cookies()) != 0 {
		t.Fatalf("state mismatch must not touch cookies, got %v", resp.Cookies())
	}
	if h.op.TokenCalls() != 0 {
		t.Fatalf("code must not be redeemed on state mismatch")
	}
}

func TestCallbackRejectsMissingOrForgedCookies(t *testing.T) {
	h := newHarness(t, true)
	c := newBrowser(t)
	callback := h.startLogin(t, c, "")

	resp := get(t, newBrowser(t), callback)
	expectStatus(t, resp, http.StatusBadRequest)

	u, _ := url.Parse(h.ts.URL)
	forged := newBrowser(t)
	var cookies []*http.Cookie
	for _, ck := range c.Jar.Cookies(u) {
		if ck.Name == cookieVerifier {
			ck = &http.Cookie{Name: ck.Name, Value: "attacker-verifier.bad-signature"}
		}
		cookies = append(cookies, ck)
	}
	forged.Jar.SetCookies(u, cookies)
	resp = get(t, forged, callback)
	expectStatus(t, resp, http.StatusBadRequest)

	if h.op.TokenCalls() != 0 {
		t.Fatalf("token endpoint called without a valid transaction")
	}
}

func TestCallbackUpstreamError(t *testing.T) {
	h := newHarness(t, true)
	c := newBrowser(t)
	h.startLogin(t, c, "")

	resp := get(t, c, h.url("/ids/auth/callback?error=access_denied&state=x"))
	expectStatus(t, resp, http.StatusBadRequest)
	resp = get(t, c, h.url("/ids/auth/callback?state=x"))
	expectStatus(t, resp, http.StatusBadRequest)
}

func TestCallbackReplayedCodeFails(t *testing.T) {
	h := newHarness(t, true)
	c := newBrowser(t)
	callback := h.startLogin(t, c, "")

	u, _ := url.Parse(h.ts.URL)
	saved := c.Jar.Cookies(u)

	resp := get(t, c, callback)
	expectStatus(t, resp, http.StatusFound)

	replay := newBrowser(t)
	replay.Jar.SetCookies(u, saved)
	resp = get(t, replay, callback)
	expectStatus(t, resp, http.StatusBadRequest)
	if h.op.TokenCalls() != 2 {
		t.Fatalf("expected the replayed code to reach the token endpoint, calls = %d", h.op.TokenCalls())
	}
}

func TestCallbackUpstreamUnavailable(t *testing.T) {
	h := newHarness(t, true)
	c := newBrowser(t)
	callback := h.startLogin(t, c, "")

	h.op.Close()
	resp := get(t, c, callback)
	expectStatus(t, resp, http.StatusBadGateway)
	if cookieValue(c, h.ts.URL, cookieAppToken) != "" {
		t.Fatalf("no session may be created when the exchange fails")
	}
}

func TestBackchannelLogoutRevokesSessionTokens(t *testing.T) {
	h := newHarness(t, true)
	c := newBrowser(t)
	h.login(t, c)

	resp := get(t, c, h.url("/ids/me"))
	expectStatus(t, resp, http.StatusOK)

	resp = post(t, http.DefaultClient, h.url("/ids/auth/backchannel-logout"),
		url.Values{"logout_token": {h.op.LogoutToken("abc123", true)}})
	expectStatus(t, resp, http.StatusOK)
	if resp.Header.Get("Cache-Control") != "no-store" {
		t.Fatalf("Cache-Control = %q", resp.Header.Get("Cache-Control"))
	}
	if body, _ := io.ReadAll(resp.Body); len(body) != 0 {
		t.Fatalf("expected empty body, got %q", body)
	}

	resp = get(t, c, h.url("/ids/me"))
	expectStatus(t, resp, http.StatusUnauthorized)
	if body := decodeBody(t, resp); body["error"] != "token revoked" {
		t.Fatalf("unexpected error body: %v", body)
	}

	// Idempotent: a repeated notification is accepted.
	resp = post(t, http.DefaultClient, h.url("/ids/auth/backchannel-logout"),
		url.Values{"logout_token": {h.op.LogoutToken("abc123", true)}})
	expectStatus(t, resp, http.StatusOK)
}

func TestBackchannelLogoutRejectsInvalidTokens(t *testing.T) {
	h := newHarness(t, true)
	c := newBrowser(t)
	h.login(t, c)

	for name, token := range map[string]string{
		"missing event": h.op.LogoutToken("abc123", false),
		"missing sid":   h.op.LogoutToken("", true),
		"garbage":       "not-a-token",
		"empty":         "",
	} {
		resp := post(t, http.DefaultClient, h.url("/ids/auth/backchannel-logout"), url.Values{"logout_token": {token}})
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status %d, want 400", name, resp.StatusCode)
		}
	}

	resp := get(t, c, h.url("/ids/me"))
	expectStatus(t, resp, http.StatusOK)
}

func TestBackchannelLogoutLeavesOtherSessions(t *testing.T) {
	h := newHarness(t, true)

	alice := newBrowser(t)
	h.login(t, alice)

	h.op.SetUser(upstreamtest.User{Subject: "user-456", Email: "bob@example.com", PreferredUsername: "bob", SessionID: "def456"})
	bob := newBrowser(t)
	h.login(t, bob)

	resp := post(t, http.DefaultClient, h.url("/ids/auth/backchannel-logout"),
		url.Values{"logout_token": {h.op.LogoutToken("abc123", true)}})
	expectStatus(t, resp, http.StatusOK)

	expectStatus(t, get(t, alice, h.url("/ids/me")), http.StatusUnauthorized)
	expectStatus(t, get(t, bob, h.url("/ids/me")), http.StatusOK)
}

func TestRefresh(t *testing.T) {
	h := newHarness(t, true)
	c := newBrowser(t)
	h.login(t, c)
	oldToken := cookieValue(c, h.ts.URL, cookieAppToken)
	oldRefresh := cookieValue(c, h.ts.URL, cookieRefresh)

	resp := post(t, c, h.url("/ids/auth/refresh"), nil)
	expectStatus(t, resp, http.StatusOK)
	body := decodeBody(t, resp)
	access, _ := body["access_token"].(string)
	if access == "" || access == oldToken {
		t.Fatalf("refresh must mint a new application token")
	}
	if body["refresh_token"] != oldRefresh {
		t.Fatalf("non-rotating provider: refresh_token should be unchanged")
	}
	if setCookieNamed(resp, cookieRefresh) != nil {
		t.Fatalf("kc_rt must only be rewritten when it changes")
	}
	if cookieValue(c, h.ts.URL, cookieAppToken) != access {
		t.Fatalf("app_token cookie not updated")
	}

	h.op.RotateRefreshTokens(true)
	resp = post(t, c, h.url("/ids/auth/refresh"), nil)
	expectStatus(t, resp, http.StatusOK)
	if rotated := cookieValue(c, h.ts.URL, cookieRefresh); rotated == oldRefresh {
		t.Fatalf("rotated refresh token not stored")
	}
}

func TestRefreshFailures(t *testing.T) {
	h := newHarness(t, true)

	resp := post(t, newBrowser(t), h.url("/ids/auth/refresh"), nil)
	expectStatus(t, resp, http.StatusUnauthorized)

	c := newBrowser(t)
	h.login(t, c)
	before := cookieValue(c, h.ts.URL, cookieAppToken)
	h.op.RevokeRefreshTokens()

	resp = post(t, c, h.url("/ids/auth/refresh"), nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	if body := decodeBody(t, resp); body["error"] != "refresh failed" {
		t.Fatalf("unexpected body: %v", body)
	}
	if cookieValue(c, h.ts.URL, cookieAppToken) != before {
		t.Fatalf("failed refresh must not change the session")
	}
}

func TestLogoutRedirects(t *testing.T) {
	h := newHarness(t, true)

	resp := get(t, newBrowser(t), h.url("/ids/auth/logout"))
	expectStatus(t, resp, http.StatusFound)
	if loc := resp.Header.Get("Location"); loc != h.url("/ids/auth/post-logout") {
		t.Fatalf("logout without a session should go to post-logout, got %q", loc)
	}

	c := newBrowser(t)
	h.login(t, c)
	resp = get(t, c, h.url("/ids/auth/logout"))
	expectStatus(t, resp, http.StatusFound)
	end, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := end.Query()
	if !strings.HasPrefix(end.String(), h.op.URL+"/logout") ||
		q.Get("id_token_hint") != cookieValue(c, h.ts.URL, cookieIDToken) ||
		q.Get("post_logout_redirect_uri") != h.url("/ids/auth/post-logout") ||
		q.Get("client_id") != testClientID {
		t.Fatalf("unexpected end session redirect %q", end)
	}
}

func TestPostLogoutClearsCookies(t *testing.T) {
	h := newHarness(t, true)
	c := newBrowser(t)
	h.login(t, c)

	resp := get(t, c, h.url("/ids/auth/post-logout"))
	expectStatus(t, resp, http.StatusFound)
	if loc := resp.Header.Get("Location"); loc != h.url("/cpds/?logged_out=1") {
		t.Fatalf("post-logout redirect = %q", loc)
	}
	for _, name := range sessionCookies {
		if cookieValue(c, h.ts.URL, name) != "" {
			t.Fatalf("cookie %s survived logout", name)
		}
	}
}

func TestReadinessGate(t *testing.T) {
	h := newHarness(t, false)
	c := newBrowser(t)

	resp := get(t, c, h.url("/ids/auth/login"))
	expectStatus(t, resp, http.StatusServiceUnavailable)
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("Retry-After missing")
	}
	expectStatus(t, get(t, c, h.url("/readyz")), http.StatusServiceUnavailable)
	expectStatus(t, get(t, c, h.url("/healthz")), http.StatusOK)
	expectStatus(t, get(t, c, h.url("/ids/.well-known/jwks.json")), http.StatusOK)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.app.Discover(ctx); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	expectStatus(t, get(t, c, h.url("/readyz")), http.StatusOK)
	expectStatus(t, get(t, c, h.url("/ids/auth/login")), http.StatusFound)
}

func TestJWKSPublishesSigningKey(t *testing.T) {
	h := newHarness(t, true)

	resp := get(t, http.DefaultClient, h.url("/ids/.well-known/jwks.json"))
	expectStatus(t, resp, http.StatusOK)
	if cc := resp.Header.Get("Cache-Control"); cc != "public, max-age=300" {
		t.Fatalf("Cache-Control = %q", cc)
	}
	var set struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			Alg string `json:"alg"`
			D   string `json:"d"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		t.Fatalf("decode: %v", err)
	}
	_, kid := h.app.Keys.SigningKey()
	if len(set.Keys) == 0 || set.Keys[0].Kid != kid || set.Keys[0].Kty != "RSA" {
		t.Fatalf("unexpected key set: %+v", set)
	}
	if set.Keys[0].D != "" {
		t.Fatalf("private key material published")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, true)
	c := newBrowser(t)
	h.login(t, c)

	resp := get(t, http.DefaultClient, h.url("/metrics"))
	expectStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		"oidcbroker_ready 1",
		`oidcbroker_logins_total{result="success"} 1`,
		`oidcbroker_tokens_minted_total{flow="login"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestMetricsUnroutedPathsShareOneSeries(t *testing.T) {
	h := newHarness(t, true)
	for _, p := range []string{"/wp-admin/setup.php", "/random-8f3a1c", "/random-77e0b2"} {
		resp := get(t, http.DefaultClient, h.url(p))
		expectStatus(t, resp, http.StatusNotFound)
	}

	resp := get(t, http.DefaultClient, h.url("/metrics"))
	expectStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `http_requests_total{method="GET",path="unmatched",status="404"} 3`) {
		t.Fatalf("unrouted requests not grouped under one label:\n%s", body)
	}
	if strings.Contains(string(body), "random-8f3a1c") {
		t.Fatalf("raw request path used as a metric label")
	}
}
