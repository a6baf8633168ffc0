package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coreos/go-oidc/v3/oidc"
)

// WellKnownPath is appended to an issuer to locate its discovery document.
const WellKnownPath = "/.well-known/openid-configuration"

// ErrDiscoveryUnavailable wraps every failed discovery attempt.
var ErrDiscoveryUnavailable = errors.New("discovery unavailable")

// Metadata is the subset of the discovery document the broker relies on.
type Metadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	EndSessionEndpoint                string   `json:"end_session_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	BackchannelLogoutSupported        bool     `json:"backchannel_logout_supported"`
	BackchannelLogoutSessionSupported bool     `json:"backchannel_logout_session_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

func (m Metadata) validate() error {
	var missing []string
	if m.AuthorizationEndpoint == "" {
		missing = append(missing, "authorization_endpoint")
	}
	if m.TokenEndpoint == "" {
		missing = append(missing, "token_endpoint")
	}
	if m.JWKSURI == "" {
		missing = append(missing, "jwks_uri")
	}
	if len(missing) > 0 {
		return fmt.Errorf("discovery document missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// ClientConfig describes the broker's registration at the upstream provider.
type ClientConfig struct {
	// Issuer is the expected issuer. It may differ from the discovery host when the
	// provider is reached through an internal address.
	Issuer       string
	DiscoveryURL string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// DiscoveryURLFor returns the configured discovery URL or derives it from the issuer.
func (c ClientConfig) DiscoveryURLFor() string {
	if c.DiscoveryURL != "" {
		return c.DiscoveryURL
	}
	return strings.TrimSuffix(c.Issuer, "/") + WellKnownPath
}

// ResolverConfig tunes the retry loop.
type ResolverConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	HTTPClient      *http.Client
	// MaxAttempts bounds the number of tries. Zero retries until ctx is done.
	MaxAttempts uint
	// OnAttempt is called before every attempt.
	OnAttempt func(attempt int, target string)
}

// Resolver fetches provider metadata, retrying until it succeeds.
type Resolver struct {
	cfg    ResolverConfig
	logger *slog.Logger
}

// NewResolver builds a resolver with defaults filled in.
func NewResolver(cfg ResolverConfig, logger *slog.Logger) *Resolver {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Resolver{cfg: cfg, logger: logger}
}

// Resolve blocks until the discovery document is fetched and complete, then returns
// a ready Provider. Without MaxAttempts it only fails when ctx is done.
func (r *Resolver) Resolve(ctx context.Context, client ClientConfig) (*Provider, error) {
	target := client.DiscoveryURLFor()
	attempt := 0

	operation := func() (*Provider, error) {
		attempt++
		r.logger.Info("upstream discovery", "attempt", attempt, "url", target)
		if r.cfg.OnAttempt != nil {
			r.cfg.OnAttempt(attempt, target)
		}
		p, err := r.discover(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDiscoveryUnavailable, err)
		}
		return p, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = r.cfg.InitialInterval
	expBackoff.MaxInterval = r.cfg.MaxInterval

	opts := []backoff.RetryOption{
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("upstream discovery failed, retrying",
				"url", target, "error", err, "retry_in", next.String())
		}),
	}
	if r.cfg.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(r.cfg.MaxAttempts))
	}
	p, err := backoff.Retry(ctx, operation, opts...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	r.logger.Info("upstream discovery complete", "issuer", p.metadata.Issuer, "attempts", attempt)
	return p, nil
}

func (r *Resolver) discover(ctx context.Context, client ClientConfig) (*Provider, error) {
	// The provider keeps this context for later JWKS fetches, so it must outlive
	// the resolve call; the client timeout bounds each request instead.
	base := oidc.ClientContext(context.WithoutCancel(ctx), r.cfg.HTTPClient)

	discoveryBase := strings.TrimSuffix(client.DiscoveryURLFor(), WellKnownPath)
	if client.Issuer != "" && strings.TrimSuffix(client.Issuer, "/") != strings.TrimSuffix(discoveryBase, "/") {
		base = oidc.InsecureIssuerURLContext(base, client.Issuer)
	}

	op, err := oidc.NewProvider(base, discoveryBase)
	if err != nil {
		return nil, err
	}
	var md Metadata
	if err := op.Claims(&md); err != nil {
		return nil, fmt.Errorf("decode discovery document: %w", err)
	}
	if err := md.validate(); err != nil {
		return nil, err
	}
	return newProvider(op, md, client, r.cfg.HTTPClient, r.logger), nil
}
