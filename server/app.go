package server

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"oidcbroker/keys"
	"oidcbroker/revocation"
	"oidcbroker/tokens"
	"oidcbroker/upstream"
)

// Upstream is the part of the discovered provider the flow handlers use.
type Upstream interface {
	AuthCodeURL(tx upstream.Transaction) string
	Exchange(ctx context.Context, code, verifier, nonce string) (*upstream.TokenSet, error)
	Refresh(ctx context.Context, refreshToken string) (*upstream.TokenSet, error)
	EndSessionURL(idTokenHint, postLogoutRedirect string) string
	VerifyLogoutToken(ctx context.Context, raw string) (*upstream.LogoutToken, error)
}

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config  Config
	Logger  *slog.Logger
	Keys    *keys.Manager
	Tokens  *tokens.Service
	Index   revocation.Index
	Cookies *CookieManager
	Metrics *Metrics

	resolver *upstream.Resolver

	mu       sync.RWMutex
	upstream Upstream
}

// NewApp wires together the application state from configuration. Upstream
// discovery is not started here; call Discover.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	km, err := keys.New(keys.Config{
		PrivateKeyPath: cfg.Keys.PrivateKeyPath,
		JWKSPath:       cfg.Keys.JWKSPath,
		KeyID:          cfg.Keys.KeyID,
		RotateInterval: cfg.Keys.RotateInterval,
		RetainFor:      cfg.Tokens.TTL,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init signing keys: %w", err)
	}

	index, err := revocation.Open(ctx, revocation.Options{
		Backend: cfg.Revocation.Backend,
		Redis: revocation.RedisOptions{
			Addr:      cfg.Revocation.Redis.Addr,
			Username:  cfg.Revocation.Redis.Username,
			Password:  cfg.Revocation.Redis.Password,
			DB:        cfg.Revocation.Redis.DB,
			KeyPrefix: cfg.Revocation.Redis.KeyPrefix,
		},
		SQLite: revocation.SQLiteOptions{Path: cfg.Revocation.SQLite.Path},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init revocation index: %w", err)
	}

	signingKeys, err := cookieSigningKeys(cfg, logger)
	if err != nil {
		_ = index.Close()
		return nil, err
	}

	svc := tokens.NewService(tokens.Config{
		Issuer:   cfg.TokenIssuer(),
		Audience: cfg.Tokens.Audience,
		TTL:      cfg.Tokens.TTL,
	}, km, index, tokens.WithLogger(logger))

	metrics := NewMetrics()
	app := &App{
		Config:  cfg,
		Logger:  logger,
		Keys:    km,
		Tokens:  svc,
		Index:   index,
		Cookies: NewCookieManager(cfg, signingKeys, svc.TTL()),
		Metrics: metrics,
	}
	app.resolver = upstream.NewResolver(upstream.ResolverConfig{
		InitialInterval: cfg.Discovery.InitialInterval,
		MaxInterval:     cfg.Discovery.MaxInterval,
		HTTPClient:      &http.Client{Timeout: cfg.Upstream.RequestTimeout},
		OnAttempt:       func(int, string) { metrics.discoveryAttempts.Inc() },
	}, logger)
	return app, nil
}

func cookieSigningKeys(cfg Config, logger *slog.Logger) ([][]byte, error) {
	if len(cfg.Cookies.SigningKeys) > 0 {
		out := make([][]byte, 0, len(cfg.Cookies.SigningKeys))
		for _, k := range cfg.Cookies.SigningKeys {
			out = append(out, []byte(k))
		}
		return out, nil
	}
	if !cfg.Server.DevMode {
		return nil, errors.New("cookies.signing_keys must be provided in production")
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate cookie signing key: %w", err)
	}
	logger.Warn("no cookie signing keys configured, generated an ephemeral key; logins in flight will not survive a restart")
	return [][]byte{key}, nil
}

// Discover resolves the upstream provider, retrying until it succeeds or ctx ends.
func (a *App) Discover(ctx context.Context) error {
	p, err := a.resolver.Resolve(ctx, upstream.ClientConfig{
		Issuer:       a.Config.Upstream.Issuer,
		DiscoveryURL: a.Config.Upstream.DiscoveryURL,
		ClientID:     a.Config.Upstream.ClientID,
		ClientSecret: a.Config.Upstream.ClientSecret,
		RedirectURL:  a.Config.CallbackURL(),
		Scopes:       a.Config.Upstream.Scopes,
	})
	if err != nil {
		return err
	}
	a.SetUpstream(p)
	return nil
}

// SetUpstream installs the provider and opens the readiness gate.
func (a *App) SetUpstream(u Upstream) {
	a.mu.Lock()
	a.upstream = u
	a.mu.Unlock()
	a.Metrics.ready.Set(1)
	a.Logger.Info("broker ready")
}

// Upstream returns the provider once discovery has completed.
func (a *App) Upstream() (Upstream, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.upstream == nil {
		return nil, ErrNotReady
	}
	return a.upstream, nil
}

// Ready reports whether discovery has completed.
func (a *App) Ready() bool {
	_, err := a.Upstream()
	return err == nil
}

// Close releases the revocation index.
func (a *App) Close() error {
	return a.Index.Close()
}
