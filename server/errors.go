package server

import (
	"errors"
	"net/http"

	"oidcbroker/tokens"
	"oidcbroker/upstream"
)

var (
	ErrStateMismatch             = errors.New("state mismatch")
	ErrTokenExchangeFailed       = errors.New("token exchange failed")
	ErrRefreshFailed             = errors.New("refresh failed")
	ErrBackchannelLogoutRejected = errors.New("backchannel logout rejected")
	ErrNotReady                  = errors.New("upstream discovery not complete")
)

// HTTPError carries the status a handler failure maps to.
type HTTPError struct {
	Status int
	Err    error
}

func (e *HTTPError) Error() string { return e.Err.Error() }

func (e *HTTPError) Unwrap() error { return e.Err }

// exchangeError classifies a failed code exchange. Upstream rejections and bad ID
// tokens are the client's problem; anything else is a gateway failure.
func exchangeError(err error) *HTTPError {
	status := http.StatusBadGateway
	if errors.Is(err, upstream.ErrUpstreamRejected) || errors.Is(err, upstream.ErrIDTokenInvalid) {
		status = http.StatusBadRequest
	}
	return &HTTPError{Status: status, Err: errors.Join(ErrTokenExchangeFailed, err)}
}

// statusFor maps any handler error onto an HTTP status.
func statusFor(err error) int {
	var he *HTTPError
	switch {
	case errors.As(err, &he):
		return he.Status
	case errors.Is(err, ErrStateMismatch), errors.Is(err, ErrBackchannelLogoutRejected):
		return http.StatusBadRequest
	case errors.Is(err, tokens.ErrInvalidToken), errors.Is(err, tokens.ErrRevokedToken), errors.Is(err, ErrRefreshFailed):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotReady):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
