package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"

	"oidcbroker/upstream"
)

// Transaction cookies live for one login attempt.
const (
	cookieState     = "oidc_state"
	cookieNonce     = "oidc_nonce"
	cookieVerifier  = "oidc_verifier"
	cookieChallenge = "oidc_challenge"
	cookieRedirect  = "oidc_redirect"
)

// Session cookies carry the broker token and the upstream material needed for
// refresh and logout.
const (
	cookieAppToken = "app_token"
	cookieRefresh  = "kc_rt"
	cookieIDToken  = "kc_id"
	cookieSID      = "kc_sid"
)

var transactionCookies = []string{cookieState, cookieNonce, cookieVerifier, cookieChallenge, cookieRedirect}
var sessionCookies = []string{cookieAppToken, cookieRefresh, cookieIDToken, cookieSID}

var errCookieMissing = errors.New("transaction cookie missing")
var errCookieInvalid = errors.New("transaction cookie invalid or expired")

// pendingLogin is the transaction state recovered from cookies at callback time.
type pendingLogin struct {
	State     string
	Nonce     string
	Verifier  string
	Challenge string
	Redirect  string
}

// browserSession is what the session cookies hold after a successful login.
type browserSession struct {
	AppToken     string
	RefreshToken string
	IDToken      string
	SID          string
}

// CookieManager writes and reads the broker's cookies.
type CookieManager struct {
	codecs         []securecookie.Codec
	secure         bool
	domain         string
	transactionTTL time.Duration
	sessionTTL     time.Duration
}

// NewCookieManager constructs a cookie manager honouring config. keys must hold at
// least one entry: the first signs, all of them verify. Transaction values carry
// their issue time and are refused once older than the transaction TTL.
func NewCookieManager(cfg Config, keys [][]byte, sessionTTL time.Duration) *CookieManager {
	ttl := cfg.Cookies.TransactionTTL
	if ttl <= 0 {
		ttl = DefaultTransactionTTL
	}
	maxAge := int(ttl / time.Second)
	if maxAge < 1 {
		maxAge = 1
	}
	codecs := make([]securecookie.Codec, 0, len(keys))
	for _, key := range keys {
		codecs = append(codecs, securecookie.New(key, nil).MaxAge(maxAge))
	}
	return &CookieManager{
		codecs:         codecs,
		secure:         !cfg.Server.DevMode,
		domain:         cfg.Cookies.Domain,
		transactionTTL: ttl,
		sessionTTL:     sessionTTL,
	}
}

// SetTransaction stores the login transaction and the post-login redirect. Without
// a redirect, any redirect cookie left by an abandoned login is expired.
func (cm *CookieManager) SetTransaction(w http.ResponseWriter, tx upstream.Transaction, redirect string) error {
	maxAge := int(cm.transactionTTL.Seconds())
	values := map[string]string{
		cookieState:     tx.State,
		cookieNonce:     tx.Nonce,
		cookieVerifier:  tx.Verifier,
		cookieChallenge: tx.Challenge,
	}
	if redirect != "" {
		values[cookieRedirect] = redirect
	} else {
		cm.set(w, cookieRedirect, "", -1)
	}
	for name, value := range values {
		encoded, err := securecookie.EncodeMulti(name, value, cm.codecs...)
		if err != nil {
			return fmt.Errorf("encode %s cookie: %w", name, err)
		}
		cm.set(w, name, encoded, maxAge)
	}
	return nil
}

// ReadTransaction recovers the transaction and checks every cookie signature.
// The redirect cookie is optional; the rest are required.
func (cm *CookieManager) ReadTransaction(r *http.Request) (pendingLogin, error) {
	var p pendingLogin
	fields := map[string]*string{
		cookieState:     &p.State,
		cookieNonce:     &p.Nonce,
		cookieVerifier:  &p.Verifier,
		cookieChallenge: &p.Challenge,
	}
	for name, dst := range fields {
		c, err := r.Cookie(name)
		if err != nil || c.Value == "" {
			return pendingLogin{}, errCookieMissing
		}
		v, err := cm.verify(name, c.Value)
		if err != nil {
			return pendingLogin{}, err
		}
		*dst = v
	}
	if c, err := r.Cookie(cookieRedirect); err == nil && c.Value != "" {
		v, err := cm.verify(cookieRedirect, c.Value)
		if err != nil {
			return pendingLogin{}, err
		}
		p.Redirect = v
	}
	return p, nil
}

// ClearTransaction expires the transaction cookies.
func (cm *CookieManager) ClearTransaction(w http.ResponseWriter) {
	for _, name := range transactionCookies {
		cm.set(w, name, "", -1)
	}
}

// SetSession writes the session cookies. Empty token values leave the existing
// cookie in place. kc_sid always follows the app token it was minted with, so an
// empty SID expires it.
func (cm *CookieManager) SetSession(w http.ResponseWriter, s browserSession) {
	maxAge := int(cm.sessionTTL.Seconds())
	for name, value := range map[string]string{
		cookieAppToken: s.AppToken,
		cookieRefresh:  s.RefreshToken,
		cookieIDToken:  s.IDToken,
	} {
		if value != "" {
			cm.set(w, name, value, maxAge)
		}
	}
	if s.AppToken == "" {
		return
	}
	if s.SID == "" {
		cm.set(w, cookieSID, "", -1)
		return
	}
	cm.set(w, cookieSID, s.SID, maxAge)
}

// ReadSession returns whatever session cookies the request carries.
func (cm *CookieManager) ReadSession(r *http.Request) browserSession {
	value := func(name string) string {
		if c, err := r.Cookie(name); err == nil {
			return c.Value
		}
		return ""
	}
	return browserSession{
		AppToken:     value(cookieAppToken),
		RefreshToken: value(cookieRefresh),
		IDToken:      value(cookieIDToken),
		SID:          value(cookieSID),
	}
}

// ClearSession expires every session cookie.
func (cm *CookieManager) ClearSession(w http.ResponseWriter) {
	for _, name := range sessionCookies {
		cm.set(w, name, "", -1)
	}
}

func (cm *CookieManager) set(w http.ResponseWriter, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   cm.domain,
		HttpOnly: true,
		Secure:   cm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	})
}

func (cm *CookieManager) verify(name, encoded string) (string, error) {
	var value string
	if err := securecookie.DecodeMulti(name, encoded, &value, cm.codecs...); err != nil {
		return "", fmt.Errorf("%w: %s: %v", errCookieInvalid, name, err)
	}
	return value, nil
}
