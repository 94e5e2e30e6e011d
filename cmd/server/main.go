// Package main is the entry point for the clickpay API server.
//
// The main package stays minimal. Its job is to:
//  1. Read configuration (.env, optional YAML file, environment)
//  2. Create the logger and the notification sink
//  3. Start the server
//
// Everything else lives in internal/.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/sakif/clickpay/internal/config"
	"github.com/sakif/clickpay/internal/logging"
	"github.com/sakif/clickpay/internal/notify"
	"github.com/sakif/clickpay/internal/server"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file; environment variables override it")
	envFile := flag.String("env", ".env", "dotenv file loaded before reading the environment")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags]\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "\n%s\n", config.Usage())
	}
	flag.Parse()

	if err := run(*configPath, *envFile); err != nil {
		fmt.Fprintln(os.Stderr, "clickpay:", err)
		os.Exit(1)
	}
}

func run(configPath, envFile string) error {
	// === 1. CONFIGURATION ===
	// A missing .env is normal in production; anything else is a mistake.
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", envFile, err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// === 2. LOGGING ===
	logger, err := logging.New(os.Stdout, cfg.App.LogFormat, cfg.App.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	// === 3. DATABASE DIRECTORY ===
	// os.MkdirAll is a no-op when the directory already exists.
	if dir := filepath.Dir(cfg.DB.Path); dir != "." && cfg.DB.Path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating database directory %s: %w", dir, err)
		}
	}

	// === 4. NOTIFICATION SINK ===
	sink, err := newSink(cfg.Notify, logger)
	if err != nil {
		return err
	}

	// === 5. SERVER ===
	srv, err := server.New(cfg, logger, sink)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Start blocks until SIGINT/SIGTERM
	return srv.Start()
}

// newSink returns the HTTP gateway sink when NOTIFY_URL is set. Without it
// codes are only written to the log, which is what local development wants.
func newSink(cfg config.NotifyConfig, logger *slog.Logger) (notify.Sink, error) {
	if cfg.URL == "" {
		logger.Warn("NOTIFY_URL not set, codes will only be logged")
		return notify.NewLogSink(logger), nil
	}

	sink, err := notify.NewHTTPSink(notify.HTTPSinkConfig{
		URL:          cfg.URL,
		TokenURL:     cfg.TokenURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       cfg.Scopes,
	}, &http.Client{Timeout: 15 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("creating notification sink: %w", err)
	}
	return sink, nil
}
