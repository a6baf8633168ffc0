package server

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"oidcbroker/tokens"
	"oidcbroker/upstream"
)

const (
	maxRedirectLen      = 2048
	maxLogoutTokenBytes = 64 << 10
)

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	up, err := a.Upstream()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "upstream not ready")
		return
	}
	redirect := r.URL.Query().Get("redirect")
	if len(redirect) > maxRedirectLen {
		writeError(w, http.StatusBadRequest, "redirect too long")
		return
	}

	tx, err := upstream.NewTransaction()
	if err != nil {
		a.Logger.Error("login transaction", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := a.Cookies.SetTransaction(w, tx, redirect); err != nil {
		a.Logger.Error("login transaction", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	http.Redirect(w, r, up.AuthCodeURL(tx), http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	target, err := a.completeLogin(w, r)
	if err != nil {
		status := statusFor(err)
		attrs := []any{"error", err, "status", status, "request_id", RequestIDFromContext(r.Context())}
		switch {
		case status >= http.StatusInternalServerError:
			a.Logger.Error("login callback failed", attrs...)
		default:
			a.Logger.Warn("login callback rejected", attrs...)
		}
		a.Metrics.logins.WithLabelValues(loginResult(err)).Inc()
		writeError(w, status, callbackMessage(status))
		return
	}
	a.Metrics.logins.WithLabelValues("success").Inc()
	http.Redirect(w, r, target, http.StatusFound)
}

// completeLogin validates the callback against the transaction cookies, redeems the
// code and sets the session cookies. Nothing is written before the state check passes.
func (a *App) completeLogin(w http.ResponseWriter, r *http.Request) (string, error) {
	q := r.URL.Query()
	if upstreamErr := q.Get("error"); upstreamErr != "" {
		return "", &HTTPError{
			Status: http.StatusBadRequest,
			Err:    fmt.Errorf("upstream returned error %q: %s", upstreamErr, q.Get("error_description")),
		}
	}
	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		return "", fmt.Errorf("%w: missing code or state", ErrStateMismatch)
	}
	pending, err := a.Cookies.ReadTransaction(r)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStateMismatch, err)
	}
	if subtle.ConstantTimeCompare([]byte(state), []byte(pending.State)) != 1 {
		return "", ErrStateMismatch
	}

	up, err := a.Upstream()
	if err != nil {
		return "", err
	}
	set, err := up.Exchange(r.Context(), code, pending.Verifier, pending.Nonce)
	if err != nil {
		return "", exchangeError(err)
	}

	identity := tokens.BuildIdentity(set.Claims)
	minted, err := a.Tokens.Mint(r.Context(), identity)
	if err != nil {
		return "", fmt.Errorf("mint application token: %w", err)
	}
	a.Metrics.minted.WithLabelValues("login").Inc()

	a.Cookies.SetSession(w, browserSession{
		AppToken:     minted.Token,
		RefreshToken: set.RefreshToken,
		IDToken:      set.IDToken,
		SID:          identity.SessionID,
	})
	a.Cookies.ClearTransaction(w)
	a.Logger.Info("login complete", "sub", identity.Subject, "jti", minted.JTI, "sid_linked", identity.SessionID != "")

	return a.appRedirect(pending.Redirect), nil
}

// appRedirect builds <app_url>#authenticated, carrying the caller's redirect as ?redirect=<b64>.
func (a *App) appRedirect(redirect string) string {
	u, err := url.Parse(a.Config.Server.AppURL)
	if err != nil {
		return a.Config.Server.AppURL
	}
	if redirect != "" {
		q := u.Query()
		q.Set("redirect", base64.RawURLEncoding.EncodeToString([]byte(redirect)))
		u.RawQuery = q.Encode()
	}
	u.Fragment = "authenticated"
	return u.String()
}

func loginResult(err error) string {
	switch {
	case errors.Is(err, ErrStateMismatch):
		return "state_mismatch"
	case errors.Is(err, ErrTokenExchangeFailed):
		return "exchange_failed"
	case statusFor(err) == http.StatusBadRequest:
		return "upstream_error"
	default:
		return "error"
	}
}

func callbackMessage(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "login failed"
	case http.StatusBadGateway:
		return "upstream unavailable"
	case http.StatusServiceUnavailable:
		return "upstream not ready"
	default:
		return "internal error"
	}
}

func (a *App) handleRefresh(w http.ResponseWriter, r *http.Request) {
	sess := a.Cookies.ReadSession(r)
	if sess.RefreshToken == "" {
		writeError(w, http.StatusUnauthorized, "refresh failed")
		return
	}
	up, err := a.Upstream()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "upstream not ready")
		return
	}

	set, err := up.Refresh(r.Context(), sess.RefreshToken)
	if err != nil {
		a.Logger.Warn("refresh failed", "error", fmt.Errorf("%w: %v", ErrRefreshFailed, err),
			"request_id", RequestIDFromContext(r.Context()))
		writeError(w, http.StatusUnauthorized, "refresh failed")
		return
	}

	identity := tokens.BuildIdentity(set.Claims)
	minted, err := a.Tokens.Mint(r.Context(), identity)
	if err != nil {
		a.Logger.Error("refresh mint", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.Metrics.minted.WithLabelValues("refresh").Inc()

	next := browserSession{AppToken: minted.Token, IDToken: set.IDToken, SID: identity.SessionID}
	refreshToken := sess.RefreshToken
	if set.RefreshToken != "" && set.RefreshToken != sess.RefreshToken {
		next.RefreshToken = set.RefreshToken
		refreshToken = set.RefreshToken
	}
	a.Cookies.SetSession(w, next)

	writeJSON(w, http.StatusOK, map[string]string{
		"access_token":  minted.Token,
		"refresh_token": refreshToken,
	})
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	target := a.Config.PostLogoutURL()
	sess := a.Cookies.ReadSession(r)
	if sess.IDToken != "" {
		if up, err := a.Upstream(); err == nil {
			if endSession := up.EndSessionURL(sess.IDToken, a.Config.PostLogoutURL()); endSession != "" {
				target = endSession
			}
		}
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *App) handlePostLogout(w http.ResponseWriter, r *http.Request) {
	a.Cookies.ClearSession(w)
	a.Cookies.ClearTransaction(w)

	target := a.Config.Server.AppURL
	if u, err := url.Parse(target); err == nil {
		q := u.Query()
		q.Set("logged_out", "1")
		u.RawQuery = q.Encode()
		target = u.String()
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *App) handleBackchannelLogout(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")

	up, err := a.Upstream()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "upstream not ready")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxLogoutTokenBytes)
	if err := r.ParseForm(); err != nil {
		a.rejectBackchannel(w, r, err)
		return
	}
	lt, err := up.VerifyLogoutToken(r.Context(), r.PostForm.Get("logout_token"))
	if err != nil {
		a.rejectBackchannel(w, r, err)
		return
	}

	n, err := a.Index.RevokeBySID(r.Context(), lt.SID)
	if err != nil {
		a.Logger.Error("backchannel logout revoke", "error", err, "sid", lt.SID)
		a.Metrics.backchannel.WithLabelValues("error").Inc()
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.Metrics.backchannel.WithLabelValues("accepted").Inc()
	a.Metrics.sessionsRevoked.Inc()
	a.Metrics.tokensRevoked.Add(float64(n))
	a.Logger.Info("upstream session revoked", "sid", lt.SID, "sub", lt.Subject, "revoked_tokens", n)
	w.WriteHeader(http.StatusOK)
}

func (a *App) rejectBackchannel(w http.ResponseWriter, r *http.Request, cause error) {
	err := fmt.Errorf("%w: %v", ErrBackchannelLogoutRejected, cause)
	a.Logger.Warn("backchannel logout rejected", "error", err, "request_id", RequestIDFromContext(r.Context()))
	a.Metrics.backchannel.WithLabelValues("rejected").Inc()
	writeError(w, statusFor(err), "invalid logout token")
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	raw := extractBearerToken(r.Header.Get("Authorization"))
	if raw == "" {
		raw = a.Cookies.ReadSession(r).AppToken
	}

	claims, err := a.Tokens.Verify(r.Context(), raw)
	switch {
	case errors.Is(err, tokens.ErrRevokedToken):
		a.Metrics.verifications.WithLabelValues("revoked").Inc()
		a.Logger.Warn("revoked token presented", "jti", claims.ID, "sub", claims.Subject)
		writeError(w, http.StatusUnauthorized, "token revoked")
		return
	case errors.Is(err, tokens.ErrInvalidToken):
		a.Metrics.verifications.WithLabelValues("invalid").Inc()
		a.Logger.Info("invalid token presented", "error", err)
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	case err != nil:
		a.Metrics.verifications.WithLabelValues("error").Inc()
		a.Logger.Error("token verification", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.Metrics.verifications.WithLabelValues("valid").Inc()
	writeJSON(w, http.StatusOK, claims.Raw)
}

func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, a.Keys.PublicKeySet())
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !a.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "discovering"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
