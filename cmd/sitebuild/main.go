package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/rathix/spa-devkit/internal/build"
	"github.com/rathix/spa-devkit/internal/env"
	"github.com/rathix/spa-devkit/internal/watch"
)

// config holds all build configuration.
type config struct {
	ShowVersion bool
	SourceDir   string
	OutRoot     string
	Watch       bool
	LogFormat   string
	Profile     build.Profile
	// Version is stamped into _app/version.json.
	Version string
}

func main() {
	// Quick check for version flag before full config loading
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			fmt.Printf("spa-devkit sitebuild version %s\n", env.BaseVersion)
			return
		}
	}

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, setupLogger(cfg.LogFormat)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig parses flags and environment variables with precedence: Flag > Env > Default.
func loadConfig(args []string) (config, error) {
	fs := flag.NewFlagSet("sitebuild", flag.ContinueOnError)

	cfg := config{}
	fs.BoolVar(&cfg.ShowVersion, "version", false, "print version and exit")
	profileStr := getEnv("BUILD_PROFILE", string(build.StrictLocal))
	fs.StringVar(&profileStr, "profile", profileStr, "build profile (strict-local or relaxed-tunnel)")
	relaxedCSP := getEnvBool("BUILD_RELAXED_CSP", false)
	fs.BoolVar(&relaxedCSP, "relaxed-csp", relaxedCSP, "emit the relaxed CSP (relaxed-tunnel profile only)")
	fs.StringVar(&cfg.SourceDir, "src", getEnv("BUILD_SRC", ".bundle"), "bundler output directory to read")
	fs.StringVar(&cfg.OutRoot, "root", getEnv("BUILD_ROOT", "."), "directory the profile's output directory is created in")
	fs.BoolVar(&cfg.Watch, "watch", false, "rebuild whenever the source directory changes")
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

	dotenv, err := env.DotEnvLookup(cfg.OutRoot)
	if err != nil {
		return config{}, err
	}
	cfg.Version = env.AppVersion(env.Chain(env.OSLookup(), dotenv))

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

// run builds once, then in watch mode rebuilds on every debounced source
// change until ctx is cancelled. A failed rebuild is logged and the previous
// output stays in place.
func run(ctx context.Context, cfg config, logger *slog.Logger) error {
	emitter, err := build.NewEmitter(cfg.Profile, cfg.Version, logger)
	if err != nil {
		return fmt.Errorf("failed to create emitter: %w", err)
	}

	logger.Info("Building site",
		"version", cfg.Version,
		"profile", string(cfg.Profile.ID),
		"src", cfg.SourceDir,
		"out", emitter.OutputDir(cfg.OutRoot))

	report, err := emitter.Emit(ctx, cfg.SourceDir, cfg.OutRoot)
	if err != nil {
		if !cfg.Watch {
			return fmt.Errorf("build failed: %w", err)
		}
		logger.Error("Build failed", "error", err)
	} else {
		report.Log(logger)
	}

	if !cfg.Watch {
		return nil
	}

	srcDir, err := filepath.Abs(cfg.SourceDir)
	if err != nil {
		return err
	}

	rebuild := func(changed []string) {
		logger.Info("Source changed, rebuilding", "files", len(changed))
		report, err := emitter.Emit(ctx, srcDir, cfg.OutRoot)
		if err != nil {
			logger.Error("Build failed", "error", err)
			return
		}
		report.Log(logger)
	}

	w := watch.New(srcDir, rebuild, logger, watch.WithIgnore(editorArtifact))
	logger.Info("Watching for changes", "dir", srcDir)
	if err := w.Run(ctx); err != nil {
		return fmt.Errorf("watcher stopped: %w", err)
	}
	return nil
}

// editorArtifact matches swap, backup and hidden files written by editors and
// the OS next to real sources.
func editorArtifact(p string) bool {
	base := filepath.Base(p)
	return strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp")
}
