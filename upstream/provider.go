package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// BackchannelLogoutEvent is the member of the events claim that marks a logout token.
const BackchannelLogoutEvent = "http://schemas.openid.net/event/backchannel-logout"

var (
	// ErrUpstreamRejected means the provider answered the token request with a 4xx.
	ErrUpstreamRejected = errors.New("upstream rejected request")
	// ErrUpstreamUnavailable means the provider could not be reached or answered 5xx.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrIDTokenInvalid means the returned ID token failed verification or the nonce check.
	ErrIDTokenInvalid = errors.New("id token invalid")
	// ErrLogoutTokenInvalid means a back-channel logout token was rejected.
	ErrLogoutTokenInvalid = errors.New("logout token invalid")
)

// TokenSet is what the broker keeps from an upstream token response.
type TokenSet struct {
	IDToken      string
	RefreshToken string
	Claims       map[string]any
}

// LogoutToken is the verified content of a back-channel logout token.
type LogoutToken struct {
	Issuer  string
	Subject string
	SID     string
	JTI     string
}

// Provider talks to a discovered upstream OpenID Provider.
type Provider struct {
	metadata    Metadata
	oauthConfig *oauth2.Config
	verifier    *oidc.IDTokenVerifier
	httpClient  *http.Client
	clientID    string
	logger      *slog.Logger
}

func newProvider(op *oidc.Provider, md Metadata, client ClientConfig, httpClient *http.Client, logger *slog.Logger) *Provider {
	endpoint := op.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	scopes := client.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}
	return &Provider{
		metadata: md,
		oauthConfig: &oauth2.Config{
			ClientID:     client.ClientID,
			ClientSecret: client.ClientSecret,
			RedirectURL:  client.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		verifier:   op.Verifier(&oidc.Config{ClientID: client.ClientID}),
		httpClient: httpClient,
		clientID:   client.ClientID,
		logger:     logger,
	}
}

// Metadata returns the discovery document the provider was built from.
func (p *Provider) Metadata() Metadata { return p.metadata }

// AuthCodeURL builds the authorization request for tx.
func (p *Provider) AuthCodeURL(tx Transaction) string {
	return p.oauthConfig.AuthCodeURL(tx.State,
		oauth2.SetAuthURLParam("nonce", tx.Nonce),
		oauth2.SetAuthURLParam("code_challenge", tx.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", ChallengeMethod),
	)
}

// Exchange redeems code with the PKCE verifier, verifies the ID token and checks
// that it echoes nonce.
func (p *Provider) Exchange(ctx context.Context, code, verifier, nonce string) (*TokenSet, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	tok, err := p.oauthConfig.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, classifyTokenError("exchange code", err)
	}
	set, err := p.tokenSet(ctx, tok)
	if err != nil {
		return nil, err
	}
	if got, _ := set.Claims["nonce"].(string); got != nonce {
		return nil, fmt.Errorf("%w: nonce mismatch", ErrIDTokenInvalid)
	}
	return set, nil
}

// Refresh redeems refreshToken for a new token set. When the provider does not
// rotate the refresh token the old one is returned unchanged.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	tok, err := p.oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classifyTokenError("refresh", err)
	}
	set, err := p.tokenSet(ctx, tok)
	if err != nil {
		return nil, err
	}
	if set.RefreshToken != refreshToken {
		p.logger.Debug("upstream rotated refresh token")
	}
	return set, nil
}

func (p *Provider) tokenSet(ctx context.Context, tok *oauth2.Token) (*TokenSet, error) {
	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%w: id_token missing in response", ErrIDTokenInvalid)
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIDTokenInvalid, err)
	}
	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("parse id_token claims: %w", err)
	}
	return &TokenSet{IDToken: rawIDToken, RefreshToken: tok.RefreshToken, Claims: claims}, nil
}

// EndSessionURL builds the RP-initiated logout redirect. It returns "" when the
// provider publishes no end-session endpoint.
func (p *Provider) EndSessionURL(idTokenHint, postLogoutRedirect string) string {
	if p.metadata.EndSessionEndpoint == "" {
		return ""
	}
	u, err := url.Parse(p.metadata.EndSessionEndpoint)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("id_token_hint", idTokenHint)
	q.Set("post_logout_redirect_uri", postLogoutRedirect)
	q.Set("client_id", p.clientID)
	u.RawQuery = q.Encode()
	return u.String()
}

type logoutClaims struct {
	SID    string                     `json:"sid"`
	JTI    string                     `json:"jti"`
	Nonce  *string                    `json:"nonce"`
	Events map[string]json.RawMessage `json:"events"`
}

// VerifyLogoutToken checks a back-channel logout token against the upstream keys,
// issuer and audience, and enforces the logout token profile: the logout event
// must be present, a sid must be present and nonce must be absent.
func (p *Provider) VerifyLogoutToken(ctx context.Context, raw string) (*LogoutToken, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", ErrLogoutTokenInvalid)
	}
	tok, err := p.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLogoutTokenInvalid, err)
	}
	var claims logoutClaims
	if err := tok.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLogoutTokenInvalid, err)
	}
	if _, ok := claims.Events[BackchannelLogoutEvent]; !ok {
		return nil, fmt.Errorf("%w: missing logout event", ErrLogoutTokenInvalid)
	}
	if claims.Nonce != nil {
		return nil, fmt.Errorf("%w: nonce not allowed", ErrLogoutTokenInvalid)
	}
	if claims.SID == "" {
		return nil, fmt.Errorf("%w: missing sid", ErrLogoutTokenInvalid)
	}
	return &LogoutToken{Issuer: tok.Issuer, Subject: tok.Subject, SID: claims.SID, JTI: claims.JTI}, nil
}

func classifyTokenError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < http.StatusInternalServerError {
		return fmt.Errorf("%s: %w: %s", op, ErrUpstreamRejected, re.ErrorCode)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUpstreamUnavailable, err)
}
