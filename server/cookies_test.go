package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"oidcbroker/upstream"
)

func newCookieManager(t *testing.T, keys ...string) *CookieManager {
	t.Helper()
	cfg := DefaultConfig()
	raw := make([][]byte, 0, len(keys))
	for _, k := range keys {
		raw = append(raw, []byte(k))
	}
	return NewCookieManager(cfg, raw, tokensTTL)
}

const tokensTTL = 30 * time.Minute

// replay copies the cookies a response set onto a new request.
func replay(rec *httptest.ResponseRecorder) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/ids/auth/callback", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	return req
}

func TestTransactionCookieRoundTrip(t *testing.T) {
	cm := newCookieManager(t, "key-one-0000000001")
	tx, err := upstream.NewTransaction()
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}

	rec := httptest.NewRecorder()
	if err := cm.SetTransaction(rec, tx, "/reports?id=7"); err != nil {
		t.Fatalf("SetTransaction: %v", err)
	}

	got, err := cm.ReadTransaction(replay(rec))
	if err != nil {
		t.Fatalf("ReadTransaction: %v", err)
	}
	if got.State != tx.State || got.Nonce != tx.Nonce || got.Verifier != tx.Verifier || got.Challenge != tx.Challenge {
		t.Fatalf("transaction mismatch: %+v vs %+v", got, tx)
	}
	if got.Redirect != "/reports?id=7" {
		t.Fatalf("redirect = %q", got.Redirect)
	}
}

func TestTransactionCookieKeyRotation(t *testing.T) {
	old := newCookieManager(t, "key-one-0000000001")
	rotated := newCookieManager(t, "key-two-0000000002", "key-one-0000000001")
	unrelated := newCookieManager(t, "key-three-00000003")

	tx, _ := upstream.NewTransaction()
	rec := httptest.NewRecorder()
	if err := old.SetTransaction(rec, tx, ""); err != nil {
		t.Fatalf("SetTransaction: %v", err)
	}

	if _, err := rotated.ReadTransaction(replay(rec)); err != nil {
		t.Fatalf("cookie signed with a retired key should still verify: %v", err)
	}
	if _, err := unrelated.ReadTransaction(replay(rec)); !errors.Is(err, errCookieInvalid) {
		t.Fatalf("expected errCookieInvalid, got %v", err)
	}
}

func TestTransactionCookieTampering(t *testing.T) {
	cm := newCookieManager(t, "key-one-0000000001")
	tx, _ := upstream.NewTransaction()
	rec := httptest.NewRecorder()
	if err := cm.SetTransaction(rec, tx, ""); err != nil {
		t.Fatalf("SetTransaction: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/ids/auth/callback", nil)
	for _, c := range rec.Result().Cookies() {
		switch c.Name {
		case cookieState:
			// A valid value moved under another name must not verify.
			req.AddCookie(&http.Cookie{Name: cookieNonce, Value: c.Value})
			req.AddCookie(c)
		case cookieNonce:
		default:
			req.AddCookie(c)
		}
	}
	if _, err := cm.ReadTransaction(req); !errors.Is(err, errCookieInvalid) {
		t.Fatalf("expected errCookieInvalid for swapped cookie, got %v", err)
	}

	missing := httptest.NewRequest(http.MethodGet, "/ids/auth/callback", nil)
	if _, err := cm.ReadTransaction(missing); !errors.Is(err, errCookieMissing) {
		t.Fatalf("expected errCookieMissing, got %v", err)
	}
}

func TestTransactionCookieExpires(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cookies.TransactionTTL = time.Second
	cm := NewCookieManager(cfg, [][]byte{[]byte("key-one-0000000001")}, tokensTTL)

	tx, _ := upstream.NewTransaction()
	rec := httptest.NewRecorder()
	if err := cm.SetTransaction(rec, tx, "/reports"); err != nil {
		t.Fatalf("SetTransaction: %v", err)
	}
	if _, err := cm.ReadTransaction(replay(rec)); err != nil {
		t.Fatalf("fresh transaction rejected: %v", err)
	}

	// Issue times have one second resolution.
	time.Sleep(2100 * time.Millisecond)
	if _, err := cm.ReadTransaction(replay(rec)); !errors.Is(err, errCookieInvalid) {
		t.Fatalf("expected errCookieInvalid for an aged transaction, got %v", err)
	}
}

func TestTransactionWithoutRedirectExpiresStaleRedirect(t *testing.T) {
	cm := newCookieManager(t, "key-one-0000000001")

	first, _ := upstream.NewTransaction()
	abandoned := httptest.NewRecorder()
	if err := cm.SetTransaction(abandoned, first, "/abandoned"); err != nil {
		t.Fatalf("SetTransaction: %v", err)
	}

	second, _ := upstream.NewTransaction()
	rec := httptest.NewRecorder()
	if err := cm.SetTransaction(rec, second, ""); err != nil {
		t.Fatalf("SetTransaction: %v", err)
	}
	var expired bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == cookieRedirect {
			expired = c.MaxAge < 0 && c.Value == ""
		}
	}
	if !expired {
		t.Fatalf("redirect cookie from the abandoned login was not expired")
	}

	got, err := cm.ReadTransaction(replay(rec))
	if err != nil {
		t.Fatalf("ReadTransaction: %v", err)
	}
	if got.Redirect != "" || got.State != second.State {
		t.Fatalf("second login inherited stale state: %+v", got)
	}
}

func TestSessionCookieSIDFollowsAppToken(t *testing.T) {
	cm := newCookieManager(t, "key-one-0000000001")

	rec := httptest.NewRecorder()
	cm.SetSession(rec, browserSession{AppToken: "a.b.c", IDToken: "id"})
	var sid *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == cookieSID {
			sid = c
		}
	}
	if sid == nil || sid.MaxAge >= 0 {
		t.Fatalf("a token minted without sid must expire the previous kc_sid, got %+v", sid)
	}
}

func TestSessionCookiesAttributes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.DevMode = false
	cfg.Cookies.Domain = "example.com"
	cm := NewCookieManager(cfg, [][]byte{[]byte("key-one-0000000001")}, tokensTTL)

	rec := httptest.NewRecorder()
	cm.SetSession(rec, browserSession{AppToken: "a.b.c", RefreshToken: "rt", IDToken: "id", SID: "abc123"})
	cookies := rec.Result().Cookies()
	if len(cookies) != len(sessionCookies) {
		t.Fatalf("expected %d cookies, got %d", len(sessionCookies), len(cookies))
	}
	for _, c := range cookies {
		if !c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteLaxMode || c.Path != "/" {
			t.Fatalf("cookie %s has wrong attributes: %+v", c.Name, c)
		}
		if c.MaxAge != 1800 || c.Domain != "example.com" {
			t.Fatalf("cookie %s max-age/domain = %d/%s", c.Name, c.MaxAge, c.Domain)
		}
	}

	rec = httptest.NewRecorder()
	cm.SetSession(rec, browserSession{AppToken: "new", SID: "abc123"})
	if n := len(rec.Result().Cookies()); n != 2 {
		t.Fatalf("only non-empty values should be written, got %d cookies", n)
	}

	rec = httptest.NewRecorder()
	cm.ClearSession(rec)
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge >= 0 {
			t.Fatalf("cookie %s not expired", c.Name)
		}
	}
}
