// Package main is the entry point for the mailsink development SMTP server.
// It accepts every message, logs its envelope and optionally stores it as an
// .eml file.
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
	"syscall"
	"time"

	"github.com/shineum/mailer-lite/internal/config"
	"github.com/shineum/mailer-lite/internal/smtpd"
	mltls "github.com/shineum/mailer-lite/internal/tls"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(os.Stdout, cfg.Logging.Level)

	// Load or generate TLS certificates
	tlsConfig, err := mltls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		slog.Error("failed to setup TLS", "error", err)
		os.Exit(1)
	}

	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsMode = "file"
	}

	if cfg.Sink.OutputDir != "" {
		if err := os.MkdirAll(cfg.Sink.OutputDir, 0o755); err != nil {
			slog.Error("failed to create output directory", "dir", cfg.Sink.OutputDir, "error", err)
			os.Exit(1)
		}
	}

	server := smtpd.New(smtpd.ServerConfig{
		ListenAddr:     cfg.Sink.Listen,
		Hostname:       "localhost",
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.Sink.Username,
		AuthPassword:   cfg.Sink.Password,
		MaxMessageSize: cfg.Sink.MaxMessageSize,
		Handler:        newHandler(slog.Default(), cfg.Sink.OutputDir),
	})

	slog.Info("starting mailsink",
		"listen", cfg.Sink.Listen,
		"auth_enabled", cfg.SinkAuthEnabled(),
		"tls_mode", tlsMode,
		"output_dir", cfg.Sink.OutputDir,
	)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	// Start the server (blocks until context is cancelled)
	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("mailsink stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(w io.Writer, level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel})))
}

// newHandler logs each envelope and, when dir is set, writes the raw
// message to <dir>/<timestamp>-<id>.eml.
func newHandler(logger *slog.Logger, dir string) smtpd.Handler {
	return func(_ context.Context, env *smtpd.Envelope) error {
		logger.Info("message received",
			"id", env.ID,
			"remote_addr", env.RemoteAddr,
			"helo", env.Hostname,
			"user", env.User,
			"tls", env.TLS,
			"from", env.From,
			"to", env.To,
			"size", len(env.Data),
		)

		if dir == "" {
			return nil
		}

		name := fmt.Sprintf("%s-%s.eml", time.Now().UTC().Format("20060102T150405"), env.ID)
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, env.Data, 0o644); err != nil {
			logger.Error("failed to store message", "id", env.ID, "path", path, "error", err)
			return &smtpd.Reply{Code: 451, Message: "Requested action aborted: local storage error"}
		}
		logger.Debug("message stored", "id", env.ID, "path", path)
		return nil
	}
}
