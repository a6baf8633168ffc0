package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"oidcbroker/revocation"
	"oidcbroker/tokens"
	"oidcbroker/upstream"
)

// Hardcoded flow defaults
const (
	DefaultPathPrefix     = "/ids"
	DefaultTransactionTTL = 10 * time.Minute
	DefaultSweepInterval  = 5 * time.Minute
	DefaultHSTSMaxAge     = 31536000
)

var validate = validator.New()

// Config captures the full broker configuration loaded from YAML and environment variables.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Tokens     TokenConfig      `yaml:"tokens"`
	Keys       KeyConfig        `yaml:"keys"`
	Cookies    CookieConfig     `yaml:"cookies"`
	Revocation RevocationConfig `yaml:"revocation"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url" validate:"required,url"`
	PathPrefix      string    `yaml:"path_prefix" validate:"required,startswith=/"`
	AppURL          string    `yaml:"app_url" validate:"required,url"`
	DevMode         bool      `yaml:"dev_mode"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	MetricsEnabled  bool      `yaml:"metrics_enabled"`
	CORSOrigins     []string  `yaml:"cors_origins" validate:"dive,url"`
	HSTSMaxAge      int       `yaml:"hsts_max_age" validate:"gte=0"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains  []string `yaml:"domains" validate:"dive,hostname"`
	Email    string   `yaml:"email" validate:"omitempty,email"`
	CacheDir string   `yaml:"cache_dir"`
}

// UpstreamConfig describes the broker's registration at the upstream provider.
type UpstreamConfig struct {
	Issuer         string        `yaml:"issuer" validate:"required,url"`
	DiscoveryURL   string        `yaml:"discovery_url" validate:"omitempty,url"`
	ClientID       string        `yaml:"client_id" validate:"required"`
	ClientSecret   string        `yaml:"client_secret"`
	Scopes         []string      `yaml:"scopes" validate:"required,min=1"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gte=0"`
}

// DiscoveryConfig tunes the discovery retry loop.
type DiscoveryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval" validate:"gte=0"`
	MaxInterval     time.Duration `yaml:"max_interval" validate:"gte=0"`
}

// TokenConfig controls the application tokens the broker mints.
type TokenConfig struct {
	Issuer   string        `yaml:"issuer" validate:"omitempty,url"`
	Audience string        `yaml:"audience" validate:"required"`
	TTL      time.Duration `yaml:"ttl" validate:"gte=0"`
}

// KeyConfig selects the signing key provider.
type KeyConfig struct {
	PrivateKeyPath string        `yaml:"private_key_path"`
	JWKSPath       string        `yaml:"jwks_path"`
	KeyID          string        `yaml:"key_id"`
	RotateInterval time.Duration `yaml:"rotate_interval" validate:"gte=0"`
}

// CookieConfig controls cookie scope and signing.
type CookieConfig struct {
	Domain         string        `yaml:"domain"`
	SigningKeys    []string      `yaml:"signing_keys" validate:"dive,min=16"`
	TransactionTTL time.Duration `yaml:"transaction_ttl" validate:"gte=0"`
}

// RevocationConfig selects and configures the session revocation index.
type RevocationConfig struct {
	Backend       string        `yaml:"backend" validate:"oneof=memory redis sqlite"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gte=0"`
	Redis         RedisConfig   `yaml:"redis"`
	SQLite        SQLiteConfig  `yaml:"sqlite"`
}

// RedisConfig holds the redis backend connection settings.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db" validate:"gte=0"`
	KeyPrefix string `yaml:"key_prefix"`
}

// SQLiteConfig holds the sqlite backend settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://localhost:8080",
			PathPrefix:      DefaultPathPrefix,
			AppURL:          "http://localhost:8080/cpds/",
			DevMode:         true,
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			MetricsEnabled:  true,
			HSTSMaxAge:      DefaultHSTSMaxAge,
			TLS: TLSConfig{
				CacheDir: ".secrets/tls",
			},
		},
		Upstream: UpstreamConfig{
			Issuer:         "http://localhost:8081/realms/cpds",
			ClientID:       "cpds-spa",
			Scopes:         []string{"openid", "profile", "email", "cpds-api"},
			RequestTimeout: 10 * time.Second,
		},
		Discovery: DiscoveryConfig{
			InitialInterval: time.Second,
			MaxInterval:     30 * time.Second,
		},
		Tokens: TokenConfig{
			Audience: "cpds-api",
			TTL:      tokens.DefaultTTL,
		},
		Cookies: CookieConfig{
			TransactionTTL: DefaultTransactionTTL,
		},
		Revocation: RevocationConfig{
			Backend:       revocation.BackendMemory,
			SweepInterval: DefaultSweepInterval,
			Redis:         RedisConfig{KeyPrefix: "oidcbroker:"},
			SQLite:        SQLiteConfig{Path: "revocation.db"},
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"BROKER_PUBLIC_URL":              func(v string) { cfg.Server.PublicURL = v },
		"BROKER_PATH_PREFIX":             func(v string) { cfg.Server.PathPrefix = v },
		"BROKER_APP_URL":                 func(v string) { cfg.Server.AppURL = v },
		"BROKER_DEV_MODE":                func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"BROKER_METRICS_ENABLED":         func(v string) { cfg.Server.MetricsEnabled = parseBool(v, cfg.Server.MetricsEnabled) },
		"BROKER_CORS_ORIGINS":            func(v string) { cfg.Server.CORSOrigins = splitAndTrim(v) },
		"BROKER_TLS_DOMAINS":             func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"BROKER_TLS_EMAIL":               func(v string) { cfg.Server.TLS.Email = v },
		"BROKER_UPSTREAM_ISSUER":         func(v string) { cfg.Upstream.Issuer = v },
		"BROKER_UPSTREAM_DISCOVERY_URL":  func(v string) { cfg.Upstream.DiscoveryURL = v },
		"BROKER_UPSTREAM_CLIENT_ID":      func(v string) { cfg.Upstream.ClientID = v },
		"BROKER_UPSTREAM_CLIENT_SECRET":  func(v string) { cfg.Upstream.ClientSecret = v },
		"BROKER_UPSTREAM_SCOPES":         func(v string) { cfg.Upstream.Scopes = splitAndTrim(v) },
		"BROKER_UPSTREAM_TIMEOUT":        func(v string) { cfg.Upstream.RequestTimeout = parseDuration(v, cfg.Upstream.RequestTimeout) },
		"BROKER_TOKEN_ISSUER":            func(v string) { cfg.Tokens.Issuer = v },
		"BROKER_TOKEN_AUDIENCE":          func(v string) { cfg.Tokens.Audience = v },
		"BROKER_TOKEN_TTL_MIN":           func(v string) { cfg.Tokens.TTL = parseMinutes(v, cfg.Tokens.TTL) },
		"BROKER_PRIVATE_KEY_PATH":        func(v string) { cfg.Keys.PrivateKeyPath = v },
		"BROKER_JWKS_PATH":               func(v string) { cfg.Keys.JWKSPath = v },
		"BROKER_COOKIE_DOMAIN":           func(v string) { cfg.Cookies.Domain = v },
		"BROKER_SESSION_KEYS":            func(v string) { cfg.Cookies.SigningKeys = splitAndTrim(v) },
		"BROKER_REVOCATION_BACKEND":      func(v string) { cfg.Revocation.Backend = strings.ToLower(strings.TrimSpace(v)) },
		"BROKER_REVOCATION_REDIS_ADDR":   func(v string) { cfg.Revocation.Redis.Addr = v },
		"BROKER_REVOCATION_REDIS_PASS":   func(v string) { cfg.Revocation.Redis.Password = v },
		"BROKER_REVOCATION_SQLITE_PATH":  func(v string) { cfg.Revocation.SQLite.Path = v },
		"BROKER_REVOCATION_SWEEP_PERIOD": func(v string) { cfg.Revocation.SweepInterval = parseDuration(v, cfg.Revocation.SweepInterval) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseMinutes(val string, fallback time.Duration) time.Duration {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Minute
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks struct constraints first, then the cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			slog.Error("Invalid configuration value", "field", fe.Namespace(), "rule", fe.Tag())
			return fmt.Errorf("config: %s fails %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}

	if c.Server.PathPrefix != "/" && strings.HasSuffix(c.Server.PathPrefix, "/") {
		slog.Error("Invalid configuration value", "field", "server.path_prefix", "value", c.Server.PathPrefix, "reason", "must not end with /")
		return fmt.Errorf("server.path_prefix must not end with /, got: %s", c.Server.PathPrefix)
	}

	if c.Upstream.DiscoveryURL != "" && !strings.HasSuffix(c.Upstream.DiscoveryURL, upstream.WellKnownPath) {
		slog.Error("Invalid configuration value", "field", "upstream.discovery_url", "reason", "must end with "+upstream.WellKnownPath)
		return fmt.Errorf("upstream.discovery_url must end with %s", upstream.WellKnownPath)
	}

	hasOpenID := false
	for _, s := range c.Upstream.Scopes {
		if s == "openid" {
			hasOpenID = true
			break
		}
	}
	if !hasOpenID {
		slog.Error("Missing required scope", "field", "upstream.scopes", "scope", "openid")
		return errors.New("upstream.scopes must include openid")
	}

	if c.Keys.PrivateKeyPath != "" && c.Keys.JWKSPath != "" {
		slog.Error("Conflicting key configuration", "fields", []string{"keys.private_key_path", "keys.jwks_path"})
		return errors.New("keys.private_key_path and keys.jwks_path are mutually exclusive")
	}

	switch c.Revocation.Backend {
	case revocation.BackendRedis:
		if c.Revocation.Redis.Addr == "" {
			slog.Error("Missing required configuration", "field", "revocation.redis.addr")
			return errors.New("revocation.redis.addr is required for the redis backend")
		}
	case revocation.BackendSQLite:
		if c.Revocation.SQLite.Path == "" {
			slog.Error("Missing required configuration", "field", "revocation.sqlite.path")
			return errors.New("revocation.sqlite.path is required for the sqlite backend")
		}
	}

	if c.Cookies.Domain != "" {
		host := hostOf(c.Server.PublicURL)
		cookieDomain := strings.TrimPrefix(c.Cookies.Domain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "cookies.domain",
				"cookie_domain", c.Cookies.Domain,
				"public_url_domain", host,
				"reason", "cookies.domain must be a suffix of public_url domain")
			return fmt.Errorf("cookies.domain '%s' does not match server.public_url domain '%s'", c.Cookies.Domain, host)
		}
	}

	if !c.Server.DevMode {
		if len(c.Server.TLS.Domains) == 0 {
			slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
			return errors.New("server.tls.domains must be provided in production")
		}
		if c.Keys.PrivateKeyPath == "" && c.Keys.JWKSPath == "" {
			slog.Error("Missing required configuration for production mode", "field", "keys.private_key_path")
			return errors.New("a persisted signing key (keys.private_key_path or keys.jwks_path) is required in production")
		}
		if len(c.Cookies.SigningKeys) == 0 {
			slog.Error("Missing required configuration for production mode", "field", "cookies.signing_keys")
			return errors.New("cookies.signing_keys must be provided in production")
		}
		if c.Upstream.ClientSecret == "" {
			slog.Error("Missing required configuration for production mode", "field", "upstream.client_secret")
			return errors.New("upstream.client_secret is required in production")
		}
	}

	return nil
}

// TokenIssuer returns the issuer stamped into minted tokens.
func (c Config) TokenIssuer() string {
	if c.Tokens.Issuer != "" {
		return c.Tokens.Issuer
	}
	return c.BaseURL()
}

// BaseURL is the public URL of the prefixed routes.
func (c Config) BaseURL() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/") + c.Server.PathPrefix
}

// CallbackURL is the redirect URI registered at the upstream provider.
func (c Config) CallbackURL() string {
	return c.BaseURL() + "/auth/callback"
}

// PostLogoutURL is where the upstream provider returns the browser after logout.
func (c Config) PostLogoutURL() string {
	return c.BaseURL() + "/auth/post-logout"
}

// AllowedOrigins returns the configured CORS origins, or the application origin.
func (c Config) AllowedOrigins() []string {
	if len(c.Server.CORSOrigins) > 0 {
		return c.Server.CORSOrigins
	}
	if origin := extractOrigin(c.Server.AppURL); origin != "" {
		return []string{origin}
	}
	return nil
}

// LogValue renders the configuration with every secret redacted.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("public_url", c.Server.PublicURL),
		slog.String("path_prefix", c.Server.PathPrefix),
		slog.String("app_url", c.Server.AppURL),
		slog.Bool("dev_mode", c.Server.DevMode),
		slog.String("upstream_issuer", c.Upstream.Issuer),
		slog.String("upstream_discovery_url", c.Upstream.DiscoveryURL),
		slog.String("upstream_client_id", c.Upstream.ClientID),
		slog.String("upstream_client_secret", redact(c.Upstream.ClientSecret)),
		slog.Any("upstream_scopes", c.Upstream.Scopes),
		slog.String("token_issuer", c.TokenIssuer()),
		slog.String("token_audience", c.Tokens.Audience),
		slog.Duration("token_ttl", c.Tokens.TTL),
		slog.String("private_key_path", c.Keys.PrivateKeyPath),
		slog.String("jwks_path", c.Keys.JWKSPath),
		slog.Int("cookie_signing_keys", len(c.Cookies.SigningKeys)),
		slog.String("revocation_backend", c.Revocation.Backend),
		slog.String("revocation_redis_addr", c.Revocation.Redis.Addr),
		slog.String("revocation_redis_password", redact(c.Revocation.Redis.Password)),
	)
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "[redacted]"
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// extractOrigin extracts the origin (scheme://host:port) from a URL
func extractOrigin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
