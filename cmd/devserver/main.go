package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	devkit "github.com/rathix/spa-devkit"
	"github.com/rathix/spa-devkit/internal/build"
	"github.com/rathix/spa-devkit/internal/certs"
	appconfig "github.com/rathix/spa-devkit/internal/config"
	"github.com/rathix/spa-devkit/internal/env"
	"github.com/rathix/spa-devkit/internal/proxy"
	"github.com/rathix/spa-devkit/internal/server"
)

const shutdownTimeout = 10 * time.Second

// flagEnvKeys maps flags that override a resolver key to that key.
var flagEnvKeys = map[string]string{
	"backend":         env.EnvServerURL,
	"host":            env.EnvHost,
	"port":            env.EnvPort,
	"allowed-hosts":   env.EnvAllowedHosts,
	"proxy-prefix":    env.EnvProxyPrefix,
	"proxy-timeout":   env.EnvProxyTimeout,
	"secure":          env.EnvProxySecure,
	"hmr-protocol":    env.EnvHMRProtocol,
	"hmr-client-port": env.EnvHMRClientPort,
}

// config holds all dev server configuration.
type config struct {
	ShowVersion bool
	ConfigFile  string
	EnvDir      string
	StaticDir   string
	AssetsURL   string
	BasePath    string
	Profile     build.Profile
	HTTPS       bool
	CertsDir    string
	LogFormat   string

	Effective *env.EffectiveConfig
	// ConfigWarnings are entries dropped from the YAML config file.
	ConfigWarnings []error
}

func main() {
	// Quick check for version flag before full config loading
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			fmt.Printf("spa-devkit devserver version %s\n", env.BaseVersion)
			return
		}
	}

	cfg, err := loadConfig(os.Args[1:], env.OSLookup())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig parses flags and layered settings with precedence:
// Flag > process env > .env.local > .env > YAML config file > Default.
func loadConfig(args []string, osLookup env.Lookup) (config, error) {
	fs := flag.NewFlagSet("devserver", flag.ContinueOnError)

	cfg := config{}
	fs.BoolVar(&cfg.ShowVersion, "version", false, "print version and exit")
	fs.String("backend", "", "backend origin for proxied API requests (overrides "+env.EnvServerURL+")")
	fs.Bool("host", true, "listen on all interfaces instead of loopback only")
	fs.String("port", "", "listen port")
	fs.String("allowed-hosts", "", "comma-separated extra Host names; a leading dot allows every subdomain")
	fs.String("proxy-prefix", "", "path prefix forwarded to the backend")
	fs.String("proxy-timeout", "", "upstream response header timeout")
	fs.Bool("secure", false, "verify the backend's TLS certificate")
	fs.String("hmr-protocol", "", "hot-reload socket protocol seen by the browser (ws or wss)")
	fs.String("hmr-client-port", "", "hot-reload socket port seen by the browser")

	fs.StringVar(&cfg.ConfigFile, "config", getEnv("DEV_CONFIG", ""), "path to YAML config file (default <env-dir>/devkit.yaml)")
	fs.StringVar(&cfg.EnvDir, "env-dir", getEnv("DEV_ENV_DIR", "."), "directory containing .env and .env.local")
	fs.StringVar(&cfg.StaticDir, "static-dir", getEnv("DEV_STATIC_DIR", ""), "built site directory to serve (default: the profile's output directory)")
	fs.StringVar(&cfg.AssetsURL, "assets-url", getEnv("DEV_ASSETS_URL", ""), "proxy non-API requests to this asset dev server instead of serving files")
	fs.StringVar(&cfg.BasePath, "base-path", getEnv("DEV_BASE_PATH", "/"), "public base path the site is mounted under")
	profileStr := getEnv("BUILD_PROFILE", string(build.StrictLocal))
	fs.StringVar(&profileStr, "profile", profileStr, "build profile whose CSP and output directory apply")
	relaxedCSP := getEnvBool("BUILD_RELAXED_CSP", false)
	fs.BoolVar(&relaxedCSP, "relaxed-csp", relaxedCSP, "emit the relaxed CSP (relaxed-tunnel profile only)")
	fs.BoolVar(&cfg.HTTPS, "https", getEnvBool("DEV_HTTPS", false), "serve HTTPS with a generated development CA")
	fs.StringVar(&cfg.CertsDir, "certs-dir", getEnv("DEV_CERTS_DIR", ".certs"), "directory for generated TLS certificates")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "log format (json or text)")

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return config{}, fmt.Errorf("unsupported log format %q: must be \"json\" or \"text\"", cfg.LogFormat)
	}

	id, err := build.ParseProfileID(profileStr)
	if err != nil {
		return config{}, err
	}
	cfg.Profile, err = build.Select(id, build.Options{RelaxedCSP: relaxedCSP})
	if err != nil {
		return config{}, err
	}
	if cfg.StaticDir == "" {
		cfg.StaticDir = cfg.Profile.OutputDir
	}

	explicit := make(map[string]string)
	fs.Visit(func(f *flag.Flag) {
		if key, ok := flagEnvKeys[f.Name]; ok {
			explicit[key] = f.Value.String()
		}
	})

	dotenv, err := env.DotEnvLookup(cfg.EnvDir)
	if err != nil {
		return config{}, err
	}

	if cfg.ConfigFile == "" {
		cfg.ConfigFile = filepath.Join(cfg.EnvDir, "devkit.yaml")
	}
	file, configErrs := appconfig.Load(cfg.ConfigFile)
	if file == nil {
		return config{}, errors.Join(configErrs...)
	}
	cfg.ConfigWarnings = configErrs

	cfg.Effective, err = env.Resolve(env.Chain(
		env.MapLookup(explicit),
		osLookup,
		dotenv,
		env.FileLookup(file),
	))
	if err != nil {
		return config{}, err
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fallback
		}
		return b
	}
	return fallback
}

func setupLogger(format string) *slog.Logger {
	return setupLoggerWithWriter(format, os.Stdout)
}

func setupLoggerWithWriter(format string, writer io.Writer) *slog.Logger {
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(writer, nil)
	} else {
		handler = slog.NewTextHandler(writer, nil)
	}
	return slog.New(handler)
}

// newHandler assembles the request pipeline: panic recovery, the Host
// allowlist, the runtime settings endpoint, then the proxy router with the
// site handler as its fallback.
func newHandler(cfg config, logger *slog.Logger) (http.Handler, *proxy.Router, error) {
	site, err := newSiteHandler(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	router, err := proxy.NewRouter(proxy.RulesFromConfig(cfg.Effective), site, proxy.WithLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create proxy router: %w", err)
	}

	allowlist := server.NewHostAllowlist(cfg.Effective.AllowedHostSuffixes, logger)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(allowlist.Middleware)
	r.Method(http.MethodGet, server.EnvInfoPath, server.NewEnvInfoHandler(cfg.Effective))
	r.Handle("/*", router)
	return r, router, nil
}

// newSiteHandler serves everything the proxy rules do not claim.
func newSiteHandler(cfg config, logger *slog.Logger) (http.Handler, error) {
	if cfg.AssetsURL != "" {
		h, err := server.NewDevProxyHandler(cfg.AssetsURL, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create dev proxy: %w", err)
		}
		logger.Info("Proxying site requests to asset server", "url", cfg.AssetsURL)
		return h, nil
	}

	if info, err := os.Stat(cfg.StaticDir); err == nil && info.IsDir() {
		h, err := server.NewSPAHandler(os.DirFS(cfg.StaticDir), ".",
			server.WithFallbackDocument(cfg.Profile.FallbackDocument),
			server.WithContentSecurityPolicy(cfg.Profile.CSP.Header()),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create SPA handler: %w", err)
		}
		logger.Info("Serving built site", "dir", cfg.StaticDir, "profile", string(cfg.Profile.ID))
		return server.NewBasePathHandler(cfg.BasePath, h), nil
	}

	logger.Warn("Static directory not found, serving placeholder page", "dir", cfg.StaticDir)
	h, err := server.NewSPAHandler(devkit.WebFS, devkit.PlaceholderDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create placeholder handler: %w", err)
	}
	return server.NewBasePathHandler(cfg.BasePath, h), nil
}

// newTLSConfig loads or generates the development certificates.
func newTLSConfig(cfg config) (*tls.Config, error) {
	assets, err := certs.LoadOrGenerateCerts(certs.CertsConfig{
		Dir:   cfg.CertsDir,
		Hosts: cfg.Effective.AllowedHostSuffixes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load certificates: %w", err)
	}

	switch assets.GenerationReason {
	case "leaf-renewal":
		slog.Warn("Server certificate expired or missing hosts, renewed it with the existing CA")
	case "full-generation":
		slog.Info("No usable TLS certificates found, generated a development CA")
	}
	slog.Info("Certificates ready",
		"ca", assets.CACertPath,
		"server", assets.ServerCertPath,
		"server_key", assets.ServerKeyPath)
	if assets.WasGenerated {
		slog.Info("Trust ca.crt in your browser or OS to avoid certificate warnings")
	}

	tlsConfig, err := certs.NewTLSConfig(assets.ServerCertPath, assets.ServerKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}
	return tlsConfig, nil
}

// run starts the server and handles graceful shutdown.
func run(ctx context.Context, cfg config) error {
	logger := setupLogger(cfg.LogFormat)
	slog.SetDefault(logger)

	eff := cfg.Effective
	slog.Info("Starting dev server",
		"version", eff.AppVersion,
		"addr", eff.ListenAddr(),
		"backend", eff.BackendOrigin.String(),
		"proxy_prefix", eff.ProxyPrefix)
	for _, e := range cfg.ConfigWarnings {
		slog.Warn("Config entry ignored", "file", cfg.ConfigFile, "error", e)
	}
	if len(eff.AllowedHostSuffixes) > 0 {
		slog.Info("Extra allowed hosts", "hosts", eff.AllowedHostSuffixes)
	}
	if eff.HMR != nil {
		slog.Info("HMR client override", "protocol", eff.HMR.Protocol, "client_port", eff.HMR.ClientPort)
	}

	handler, router, err := newHandler(cfg, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              eff.ListenAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	if cfg.HTTPS {
		srv.TLSConfig, err = newTLSConfig(cfg)
		if err != nil {
			return err
		}
		// HTTP/2 cannot hijack connections for WebSocket upgrades.
		srv.TLSNextProto = map[string]func(*http.Server, *tls.Conn, http.Handler){}
	}

	// Channel to catch server errors
	serverError := make(chan error, 1)

	go func() {
		var err error
		if cfg.HTTPS {
			slog.Info("Listening (HTTPS)", "addr", srv.Addr)
			err = srv.ListenAndServeTLS("", "")
		} else {
			slog.Info("Listening (HTTP)", "addr", srv.Addr)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverError <- err
		}
	}()

	// Wait for interruption or server error
	select {
	case <-ctx.Done():
		slog.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Hijacked WebSocket connections are invisible to srv.Shutdown.
		router.Shutdown(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		slog.Info("Server stopped")
	case err := <-serverError:
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}
