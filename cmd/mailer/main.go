// Package main is the entry point for the mailer command line tool.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/shineum/mailer-lite/internal/config"
	"github.com/shineum/mailer-lite/internal/mailer"
	"github.com/shineum/mailer-lite/internal/message"
	"github.com/shineum/mailer-lite/internal/templating"
	mltls "github.com/shineum/mailer-lite/internal/tls"
	"github.com/shineum/mailer-lite/internal/transport"
	"github.com/shineum/mailer-lite/internal/transport/graph"
	"github.com/shineum/mailer-lite/internal/transport/mailgun"
	"github.com/shineum/mailer-lite/internal/transport/sendmail"
	"github.com/shineum/mailer-lite/internal/transport/ses"
	"github.com/shineum/mailer-lite/internal/transport/smtp"
	"github.com/shineum/mailer-lite/internal/transport/stdout"
)

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// composeOptions are the message related flags.
type composeOptions struct {
	subject  string
	text     string
	html     string
	attach   []string
	layout   string
	body     string
	dataFile string
}

func main() {
	os.Exit(run())
}

// run sends one message and returns the process exit code: 1 for setup or
// delivery failures, 2 for usage errors, 3 for partial delivery.
func run() int {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	transportName := flag.String("transport", "", "override the configured transport")
	to := flag.String("to", "", "comma separated recipient addresses")
	var opts composeOptions
	var attachments stringList
	flag.StringVar(&opts.subject, "subject", "", "message subject")
	flag.StringVar(&opts.text, "text", "", "plain text body")
	flag.StringVar(&opts.html, "html", "", "HTML body")
	flag.Var(&attachments, "attach", "file to attach (repeatable)")
	flag.StringVar(&opts.layout, "template", "", "layout file rendered with -body")
	flag.StringVar(&opts.body, "body", "", "body file name in the templates directory, without .html")
	flag.StringVar(&opts.dataFile, "data", "", "JSON file with values bound into the template")
	flag.Parse()
	opts.attach = attachments

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return 1
	}
	if *transportName != "" {
		cfg.Transport = strings.ToLower(*transportName)
		if err := cfg.Validate(); err != nil {
			slog.Error("invalid transport", "error", err)
			return 2
		}
	}

	// Setup structured logging. Stdout is left to the stdout transport.
	setupLogger(os.Stderr, cfg.Logging.Level)

	recipients := splitList(*to)
	if len(recipients) == 0 {
		slog.Error("at least one recipient is required (-to)")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tr, err := selectTransport(ctx, cfg)
	if err != nil {
		slog.Error("failed to create transport", "error", err)
		return 1
	}
	if closer, ok := tr.(io.Closer); ok {
		defer closer.Close()
	}
	if cfg.Individual {
		tr = transport.Individually(tr, false)
	}

	m := mailer.New(
		mailer.WithTransport(tr),
		mailer.WithSender(cfg.Sender.Name, cfg.Sender.Email),
	)
	if err := m.SetEOL(cfg.EOL()); err != nil {
		slog.Error("invalid line ending", "error", err)
		return 1
	}

	msg, err := buildMessage(m, cfg, opts)
	if err != nil {
		slog.Error("failed to build message", "error", err)
		return 1
	}

	sent, err := m.Send(ctx, msg, recipients...)
	if err != nil {
		return 1
	}
	if sent < len(recipients) {
		slog.Warn("some recipients were not sent", "sent", sent, "recipients", len(recipients))
		return 3
	}
	return 0
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
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// selectTransport builds the delivery backend named by the configuration,
// auto-detecting one when the name is empty.
func selectTransport(ctx context.Context, cfg *config.Config) (transport.Transport, error) {
	switch name := cfg.ResolveTransport(); name {
	case config.TransportSMTP:
		if !cfg.SMTPConfigured() {
			return nil, errors.New("SMTP transport selected but SMTP_HOST is required")
		}
		tlsConfig, err := mltls.ClientConfig(cfg.SMTP.Host, cfg.SMTP.CAFile)
		if err != nil {
			return nil, fmt.Errorf("loading SMTP CA file: %w", err)
		}
		slog.Info("using SMTP transport",
			"host", cfg.SMTP.Host,
			"port", cfg.SMTP.Port,
			"tls", cfg.SMTP.RequireTLS,
			"keep_alive", cfg.SMTP.KeepAlive,
		)
		return smtp.New(smtp.Config{
			Host:       cfg.SMTP.Host,
			Port:       cfg.SMTP.Port,
			Timeout:    cfg.SMTP.Timeout,
			ServerName: cfg.SMTP.ServerName,
			EOL:        cfg.EOL(),
			RequireTLS: cfg.SMTP.RequireTLS,
			TLSConfig:  tlsConfig,
			Username:   cfg.SMTP.Username,
			Password:   cfg.SMTP.Password,
			KeepAlive:  cfg.SMTP.KeepAlive,
		}), nil

	case config.TransportSendmail:
		slog.Info("using sendmail transport", "path", cfg.Sendmail.Path)
		return sendmail.New(cfg.Sendmail.Path), nil

	case config.TransportMailgun:
		if !cfg.MailgunConfigured() {
			return nil, errors.New("Mailgun transport selected but MAILGUN_DOMAIN and MAILGUN_API_KEY are required")
		}
		t, err := mailgun.New(mailgun.Config{
			Domain:         cfg.Mailgun.Domain,
			APIKey:         cfg.Mailgun.APIKey,
			EU:             cfg.Mailgun.EU,
			CAFile:         cfg.Mailgun.CAFile,
			Timeout:        cfg.Mailgun.Timeout,
			ConnectTimeout: cfg.Mailgun.ConnectTimeout,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("using Mailgun transport", "mailgun", t)
		return t, nil

	case config.TransportSES:
		if !cfg.SESConfigured() {
			return nil, errors.New("SES transport selected but SES_REGION and SENDER_EMAIL are required")
		}
		slog.Info("using AWS SES transport",
			"region", cfg.SES.Region,
			"sender", cfg.Sender.Email,
		)
		return ses.New(ctx, ses.Config{
			Region:           cfg.SES.Region,
			AccessKeyID:      cfg.SES.AccessKeyID,
			SecretAccessKey:  cfg.SES.SecretAccessKey,
			Endpoint:         cfg.SES.Endpoint,
			Sender:           cfg.Sender.Email,
			ConfigurationSet: cfg.SES.ConfigurationSet,
		})

	case config.TransportGraph:
		if !cfg.GraphConfigured() {
			return nil, errors.New("Graph transport selected but GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET and a sender are required")
		}
		slog.Info("using Microsoft Graph transport", "sender", cfg.GraphSender())
		return graph.New(graph.Config{
			TenantID:        cfg.Graph.TenantID,
			ClientID:        cfg.Graph.ClientID,
			ClientSecret:    cfg.Graph.ClientSecret,
			Sender:          cfg.GraphSender(),
			SaveToSentItems: cfg.Graph.SaveToSentItems,
		}), nil

	case config.TransportStdout:
		slog.Info("using stdout transport")
		return stdout.New(), nil

	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}

// buildMessage composes the message from flags, rendering the layout and
// body through the templating engine when a layout is given.
func buildMessage(m *mailer.Mailer, cfg *config.Config, opts composeOptions) (*message.Message, error) {
	var msg *message.Message

	if opts.layout != "" {
		if opts.body == "" {
			return nil, errors.New("-template requires -body")
		}
		engine := templating.NewEngine(m, cfg.Templates.Dir)
		name := strings.TrimSuffix(filepath.Base(opts.layout), filepath.Ext(opts.layout))
		tpl, err := engine.LoadTemplate(name, opts.layout)
		if err != nil {
			return nil, err
		}
		email, err := tpl.UseBody(opts.body, opts.subject)
		if err != nil {
			return nil, err
		}
		if opts.dataFile != "" {
			if err := bindDataFile(email, opts.dataFile); err != nil {
				return nil, err
			}
		}
		msg, err = email.Compose()
		if err != nil {
			return nil, err
		}
	} else {
		msg = m.Compose(opts.subject)
		if opts.html != "" {
			msg.SetHTML(opts.html)
		}
	}

	if opts.text != "" {
		msg.SetText(opts.text)
	}

	for _, path := range opts.attach {
		if _, err := msg.Attach(path, ""); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// bindDataFile binds every top-level key of a JSON object file.
func bindDataFile(email *templating.TemplatedEmail, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading template data: %w", err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parsing template data: %w", err)
	}
	for key, value := range data {
		if err := email.Set(key, value); err != nil {
			return err
		}
	}
	return nil
}

// splitList splits a comma separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
