// Package client validates broker-issued application tokens in downstream services.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// AppTokenCookie is the cookie the broker stores the application token in.
const AppTokenCookie = "app_token"

const clockSkew = 30 * time.Second

var (
	// ErrTokenRequired is returned when the request carries no token.
	ErrTokenRequired = errors.New("token required")
	// ErrTokenRevoked is returned when the broker reports the session as ended.
	ErrTokenRevoked = errors.New("token revoked")
)

// ValidatorConfig configures the token validator.
type ValidatorConfig struct {
	Issuer            string
	JWKSURL           string
	ExpectedAudiences []string
	// CacheTTL applies when the JWKS response carries no max-age.
	CacheTTL   time.Duration
	HTTPClient *http.Client
	// MeURL, when set, is the broker's /me endpoint. Every validated token is also
	// presented there so tokens revoked by a back-channel logout are refused.
	MeURL string
}

// Claims is what a downstream handler needs from a broker token.
type Claims struct {
	Subject   string
	Issuer    string
	Audiences []string
	Email     string
	Name      string
	Roles     []string
	SessionID string
	TokenID   string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// brokerClaims mirrors the payload the broker signs.
type brokerClaims struct {
	jwt.RegisteredClaims
	Email     string   `json:"email,omitempty"`
	Name      string   `json:"name,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	SessionID string   `json:"kc_sid,omitempty"`
}

// Validator verifies broker-signed application tokens.
type Validator struct {
	cfg    ValidatorConfig
	client *http.Client
	keys   *remoteKeys
	parser *jwt.Parser
}

// NewValidator creates a validator. Zero values get a 10s HTTP timeout and a
// five minute key cache.
func NewValidator(cfg ValidatorConfig) *Validator {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(clockSkew),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &Validator{
		cfg:    cfg,
		client: hc,
		keys:   &remoteKeys{url: cfg.JWKSURL, client: hc, fallbackTTL: cfg.CacheTTL},
		parser: jwt.NewParser(opts...),
	}
}

// Validate checks the signature, expiry, issuer and audience of rawToken and,
// when MeURL is configured, that the broker still honours the session.
func (v *Validator) Validate(ctx context.Context, rawToken string) (*Claims, error) {
	if rawToken == "" {
		return nil, ErrTokenRequired
	}

	var bc brokerClaims
	_, err := v.parser.ParseWithClaims(rawToken, &bc, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.keys.lookup(ctx, kid)
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if bc.Subject == "" {
		return nil, errors.New("invalid token: sub missing")
	}
	if len(v.cfg.ExpectedAudiences) > 0 && !slices.ContainsFunc(bc.Audience, func(a string) bool {
		return slices.Contains(v.cfg.ExpectedAudiences, a)
	}) {
		return nil, fmt.Errorf("invalid token: audience %v not accepted", []string(bc.Audience))
	}

	if v.cfg.MeURL != "" {
		if err := v.checkSession(ctx, rawToken); err != nil {
			return nil, err
		}
	}
	return bc.toClaims(), nil
}

func (bc *brokerClaims) toClaims() *Claims {
	c := &Claims{
		Subject:   bc.Subject,
		Issuer:    bc.Issuer,
		Audiences: bc.Audience,
		Email:     bc.Email,
		Name:      bc.Name,
		Roles:     bc.Roles,
		SessionID: bc.SessionID,
		TokenID:   bc.ID,
	}
	if bc.ExpiresAt != nil {
		c.ExpiresAt = bc.ExpiresAt.Time
	}
	if bc.IssuedAt != nil {
		c.IssuedAt = bc.IssuedAt.Time
	}
	return c
}

// HasRoles reports the first required role the claims lack.
func (v *Validator) HasRoles(claims *Claims, required ...string) error {
	for _, role := range required {
		if !slices.Contains(claims.Roles, role) {
			return fmt.Errorf("missing role %s", role)
		}
	}
	return nil
}

// RequireAuth validates the bearer token, or failing that the app_token cookie,
// and stores the claims in the request context.
func RequireAuth(v *Validator, requiredRoles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := tokenFromRequest(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			claims, err := v.Validate(r.Context(), raw)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if err := v.HasRoles(claims, requiredRoles...); err != nil {
				http.Error(w, err.Error(), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

// RequireRole is RequireAuth for a single role, for chi route groups.
func RequireRole(v *Validator, role string) func(http.Handler) http.Handler {
	return RequireAuth(v, role)
}

// ClaimsFromContext retrieves claims attached by the middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}

type claimsKey struct{}

func tokenFromRequest(r *http.Request) (string, error) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return "", errors.New("invalid authorization header")
		}
		return strings.TrimSpace(token), nil
	}
	if c, err := r.Cookie(AppTokenCookie); err == nil && c.Value != "" {
		return c.Value, nil
	}
	return "", ErrTokenRequired
}

// checkSession presents the token to the broker, which answers 401 once the
// upstream session has been logged out.
func (v *Validator) checkSession(ctx context.Context, rawToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.MeURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+rawToken)

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("session check: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		return ErrTokenRevoked
	default:
		return fmt.Errorf("session check failed: %s", resp.Status)
	}
}

// remoteKeys caches the broker's published key set. A kid the cache does not hold
// forces a conditional refetch, which is how rotated keys are picked up.
type remoteKeys struct {
	url         string
	client      *http.Client
	fallbackTTL time.Duration
	group       singleflight.Group

	mu        sync.RWMutex
	set       jose.JSONWebKeySet
	etag      string
	expiresAt time.Time
}

func (rk *remoteKeys) lookup(ctx context.Context, kid string) (any, error) {
	if kid == "" {
		return nil, errors.New("token has no kid")
	}
	rk.mu.RLock()
	found := rk.set.Key(kid)
	fresh := time.Now().Before(rk.expiresAt)
	rk.mu.RUnlock()
	if len(found) > 0 && fresh {
		return found[0].Key, nil
	}

	if _, err, _ := rk.group.Do("refresh", func() (any, error) { return nil, rk.refresh(ctx) }); err != nil {
		return nil, err
	}
	rk.mu.RLock()
	defer rk.mu.RUnlock()
	if found := rk.set.Key(kid); len(found) > 0 {
		return found[0].Key, nil
	}
	return nil, fmt.Errorf("signing key %q not published", kid)
}

func (rk *remoteKeys) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rk.url, nil)
	if err != nil {
		return err
	}
	rk.mu.RLock()
	if rk.etag != "" {
		req.Header.Set("If-None-Match", rk.etag)
	}
	rk.mu.RUnlock()

	resp, err := rk.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	ttl := cacheLifetime(resp.Header.Get("Cache-Control"), rk.fallbackTTL)
	switch resp.StatusCode {
	case http.StatusNotModified:
		rk.mu.Lock()
		rk.expiresAt = time.Now().Add(ttl)
		rk.mu.Unlock()
		return nil
	case http.StatusOK:
	default:
		return fmt.Errorf("fetch jwks: %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}
	rk.mu.Lock()
	rk.set = set
	rk.etag = resp.Header.Get("ETag")
	rk.expiresAt = time.Now().Add(ttl)
	rk.mu.Unlock()
	return nil
}

// cacheLifetime honours a Cache-Control max-age directive, else fallback.
func cacheLifetime(cacheControl string, fallback time.Duration) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}
