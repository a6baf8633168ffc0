package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"oidcbroker/revocation"
	"oidcbroker/server"
	"oidcbroker/upstream"
)

func main() {
	configPath := flag.String("config", os.Getenv("BROKER_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	configFile := *configPath
	args := flag.Args()
	command := ""
	if len(args) > 0 && args[0] == "connect" {
		command = "connect"
		args = args[1:]
	}
	if configFile == "" && len(args) > 0 {
		configFile = args[0]
	}
	if configFile == "" {
		configFile = "./config.yaml"
	}

	if *configCmd != "" {
		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, os.Stdin, os.Stdout, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger.Info("config loaded", "path", configFile, "config", cfg)

	if command == "connect" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runConnect(ctx, cfg, logger, nil); err != nil {
			logger.Error("upstream connectivity failed", "issuer", cfg.Upstream.Issuer, "error", err)
			os.Exit(1)
		}
		logger.Info("upstream connectivity succeeded", "issuer", cfg.Upstream.Issuer)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("broker stopped", "error", err)
		os.Exit(1)
	}
}

// run serves the broker until ctx is cancelled. Discovery runs in the background;
// the flow endpoints answer 503 until it completes.
func run(ctx context.Context, cfg server.Config, logger *slog.Logger) error {
	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer application.Close()

	stopBackground := make(chan struct{})
	defer close(stopBackground)
	application.Keys.StartRotation(stopBackground)
	revocation.StartSweeper(application.Index, cfg.Revocation.SweepInterval, logger, stopBackground)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := application.Discover(gctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("upstream discovery abandoned", "error", err)
		}
		return nil
	})

	for _, srv := range buildServers(cfg, application.Routes(), logger) {
		g.Go(func() error {
			logger.Info("server listening", "addr", srv.Addr, "tls", srv.TLSConfig != nil)
			var err error
			if srv.TLSConfig != nil {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// buildServers returns a plain listener in dev mode, and otherwise an autocert
// HTTPS listener plus the ACME/redirect listener on the HTTP port.
func buildServers(cfg server.Config, handler http.Handler, logger *slog.Logger) []*http.Server {
	if cfg.Server.DevMode {
		logger.Warn("dev mode: serving plain HTTP, cookies are not marked Secure")
		return []*http.Server{{
			Addr:              cfg.Server.DevListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
		}}
	}

	m := &autocert.Manager{
		Cache:      autocert.DirCache(cfg.Server.TLS.CacheDir),
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
		Email:      cfg.Server.TLS.Email,
	}
	return []*http.Server{
		{
			Addr:              cfg.Server.HTTPListenAddr,
			Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		},
		{
			Addr:    cfg.Server.HTTPSListenAddr,
			Handler: handler,
			TLSConfig: &tls.Config{
				GetCertificate: m.GetCertificate,
				MinVersion:     tls.VersionTLS12,
			},
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
		},
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// runConnect performs a single discovery round against the configured upstream
// and logs the endpoints the broker would use.
func runConnect(ctx context.Context, cfg server.Config, logger *slog.Logger, httpClient *http.Client) error {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Upstream.RequestTimeout}
	}
	client := upstream.ClientConfig{
		Issuer:       cfg.Upstream.Issuer,
		DiscoveryURL: cfg.Upstream.DiscoveryURL,
		ClientID:     cfg.Upstream.ClientID,
		ClientSecret: cfg.Upstream.ClientSecret,
		RedirectURL:  cfg.CallbackURL(),
		Scopes:       cfg.Upstream.Scopes,
	}
	logger.Info("connect.start", "discovery_url", client.DiscoveryURLFor())

	resolver := upstream.NewResolver(upstream.ResolverConfig{
		InitialInterval: cfg.Discovery.InitialInterval,
		MaxInterval:     cfg.Discovery.MaxInterval,
		MaxAttempts:     1,
		HTTPClient:      httpClient,
	}, logger)
	p, err := resolver.Resolve(ctx, client)
	if err != nil {
		return fmt.Errorf("discover %s: %w", cfg.Upstream.Issuer, err)
	}

	md := p.Metadata()
	logger.Info("connect.result",
		"issuer", md.Issuer,
		"authorization_endpoint", md.AuthorizationEndpoint,
		"token_endpoint", md.TokenEndpoint,
		"jwks_uri", md.JWKSURI,
		"end_session_endpoint", md.EndSessionEndpoint,
		"backchannel_logout_supported", md.BackchannelLogoutSupported,
	)
	if !md.BackchannelLogoutSupported {
		logger.Warn("upstream does not advertise back-channel logout; sessions ended upstream will not revoke broker tokens")
	}
	return nil
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, in io.Reader, out io.Writer, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	cfg, err := runSetup(bufio.NewReader(in), out)
	if err != nil {
		return err
	}
	if err := writeConfigFile(path, cfg); err != nil {
		return err
	}
	logger.Info("configuration created", "path", path)
	_, err = server.LoadConfig(path)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	discoveryURL := upstream.ClientConfig{Issuer: cfg.Upstream.Issuer, DiscoveryURL: cfg.Upstream.DiscoveryURL}.DiscoveryURLFor()
	if err := validateURL(ctx, discoveryURL); err != nil {
		logger.Warn("upstream discovery document not reachable",
			"url", discoveryURL,
			"error", err,
			"note", "the broker will start and keep retrying discovery")
	} else {
		logger.Info("upstream discovery document is reachable", "url", discoveryURL)
	}
	if err := validateURL(ctx, cfg.Server.AppURL); err != nil {
		logger.Warn("application URL not reachable", "url", cfg.Server.AppURL, "error", err)
	}

	logger.Info("configuration validation complete")
	return nil
}

func validateURL(ctx context.Context, urlStr string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

// runSetup asks for the handful of values every deployment has to change.
func runSetup(reader *bufio.Reader, out io.Writer) (server.Config, error) {
	fmt.Fprintln(out, "Starting guided broker setup. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	devMode := askYesNo(reader, out, "Run in development mode?", true)
	cfg.Server.DevMode = devMode

	if devMode {
		cfg.Server.PublicURL = strings.TrimSuffix(ask(reader, out, "Broker public URL", cfg.Server.PublicURL), "/")
		cfg.Server.DevListenAddr = ask(reader, out, "Broker dev listen address", cfg.Server.DevListenAddr)
	} else {
		domain := askRequired(reader, out, "Primary public domain (e.g. auth.example.com)")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + strings.TrimSuffix(domain, "/")
		cfg.Server.TLS.Email = ask(reader, out, "ACME contact email", cfg.Server.TLS.Email)
		cfg.Keys.PrivateKeyPath = ask(reader, out, "Signing key PEM path (create it with cmd/keygen)", "/etc/oidcbroker/signing.pem")
		cfg.Cookies.SigningKeys = []string{askRequired(reader, out, "Cookie signing secret (at least 16 characters)")}
	}
	cfg.Server.AppURL = ask(reader, out, "Application URL", cfg.Server.AppURL)

	cfg.Upstream.Issuer = strings.TrimSuffix(ask(reader, out, "Upstream issuer URL", cfg.Upstream.Issuer), "/")
	cfg.Upstream.ClientID = ask(reader, out, "Upstream client ID", cfg.Upstream.ClientID)
	if devMode {
		cfg.Upstream.ClientSecret = ask(reader, out, "Upstream client secret (empty for a public client)", "")
	} else {
		cfg.Upstream.ClientSecret = askRequired(reader, out, "Upstream client secret")
	}
	cfg.Upstream.Scopes = normalizeList(ask(reader, out, "Scopes", strings.Join(cfg.Upstream.Scopes, ",")), cfg.Upstream.Scopes)
	cfg.Tokens.Audience = ask(reader, out, "Application token audience", cfg.Tokens.Audience)

	if err := cfg.Validate(); err != nil {
		return server.Config{}, err
	}
	return cfg, nil
}

func ask(reader *bufio.Reader, out io.Writer, prompt, def string) string {
	if def != "" {
		fmt.Fprintf(out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(out, "%s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func askRequired(reader *bufio.Reader, out io.Writer, prompt string) string {
	for {
		fmt.Fprintf(out, "%s: ", prompt)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" {
			return input
		}
		if err != nil {
			return ""
		}
		fmt.Fprintln(out, "This value is required. Please enter a value.")
	}
}

func askYesNo(reader *bufio.Reader, out io.Writer, prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Fprintf(out, "%s [%s]: ", prompt, defLabel)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(out, "Please enter 'y' or 'n'.")
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func normalizeList(input string, fallback []string) []string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
