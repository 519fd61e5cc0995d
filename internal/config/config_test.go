package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// allEnvVars lists every variable read by applyEnvVars.
var allEnvVars = []string{
	"MAILER_TRANSPORT", "MAILER_INDIVIDUAL",
	"SENDER_NAME", "SENDER_EMAIL", "MAIL_EOL",
	"SMTP_HOST", "SMTP_PORT", "SMTP_TIMEOUT", "SMTP_USERNAME", "SMTP_PASSWORD",
	"SMTP_TLS", "SMTP_KEEP_ALIVE", "SMTP_SERVER_NAME", "SMTP_CA_FILE",
	"SENDMAIL_PATH",
	"MAILGUN_DOMAIN", "MAILGUN_API_KEY", "MAILGUN_EU", "MAILGUN_CA_FILE", "MAILGUN_TIMEOUT", "MAILGUN_CONNECT_TIMEOUT",
	"SES_REGION", "SES_ACCESS_KEY_ID", "SES_SECRET_ACCESS_KEY", "SES_ENDPOINT", "SES_CONFIGURATION_SET",
	"GRAPH_TENANT_ID", "GRAPH_CLIENT_ID", "GRAPH_CLIENT_SECRET", "GRAPH_SENDER", "GRAPH_SAVE_TO_SENT_ITEMS",
	"TEMPLATES_DIR",
	"SINK_LISTEN", "SINK_USERNAME", "SINK_PASSWORD", "SINK_MAX_MESSAGE_SIZE", "SINK_OUTPUT_DIR",
	"TLS_CERT_FILE", "TLS_KEY_FILE", "LOG_LEVEL",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range allEnvVars {
		t.Setenv(env, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestLoad_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Transport != "" {
		t.Errorf("Transport: got %q, want empty", cfg.Transport)
	}
	if cfg.Sender.EOL != "crlf" || cfg.EOL() != "\r\n" {
		t.Errorf("Sender.EOL: got %q", cfg.Sender.EOL)
	}
	if cfg.SMTP.Port != 25 {
		t.Errorf("SMTP.Port: got %d, want %d", cfg.SMTP.Port, 25)
	}
	if cfg.SMTP.Timeout != 10*time.Second {
		t.Errorf("SMTP.Timeout: got %v, want %v", cfg.SMTP.Timeout, 10*time.Second)
	}
	if cfg.Sendmail.Path != "/usr/sbin/sendmail" {
		t.Errorf("Sendmail.Path: got %q", cfg.Sendmail.Path)
	}
	if cfg.Mailgun.Timeout != 30*time.Second {
		t.Errorf("Mailgun.Timeout: got %v", cfg.Mailgun.Timeout)
	}
	if cfg.Mailgun.ConnectTimeout != 6*time.Second {
		t.Errorf("Mailgun.ConnectTimeout: got %v", cfg.Mailgun.ConnectTimeout)
	}
	if cfg.Sink.Listen != ":2525" {
		t.Errorf("Sink.Listen: got %q, want %q", cfg.Sink.Listen, ":2525")
	}
	if cfg.Sink.MaxMessageSize != 26214400 {
		t.Errorf("Sink.MaxMessageSize: got %d, want %d", cfg.Sink.MaxMessageSize, 26214400)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "info")
	}
	if got := cfg.ResolveTransport(); got != TransportSendmail {
		t.Errorf("ResolveTransport(): got %q, want %q", got, TransportSendmail)
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAILER_TRANSPORT", "SMTP")
	t.Setenv("MAILER_INDIVIDUAL", "true")
	t.Setenv("SENDER_NAME", "Billing")
	t.Setenv("SENDER_EMAIL", "billing@example.com")
	t.Setenv("MAIL_EOL", "LF")
	t.Setenv("SMTP_HOST", "mail.example.com")
	t.Setenv("SMTP_PORT", "587")
	t.Setenv("SMTP_TIMEOUT", "3s")
	t.Setenv("SMTP_USERNAME", "admin")
	t.Setenv("SMTP_PASSWORD", "secret123")
	t.Setenv("SMTP_TLS", "1")
	t.Setenv("SMTP_KEEP_ALIVE", "true")
	t.Setenv("SMTP_SERVER_NAME", "app01.example.com")
	t.Setenv("MAILGUN_DOMAIN", "mg.example.com")
	t.Setenv("MAILGUN_API_KEY", "key-123")
	t.Setenv("MAILGUN_EU", "true")
	t.Setenv("MAILGUN_CONNECT_TIMEOUT", "2s")
	t.Setenv("SES_REGION", "us-east-1")
	t.Setenv("GRAPH_TENANT_ID", "tid-123")
	t.Setenv("GRAPH_SAVE_TO_SENT_ITEMS", "true")
	t.Setenv("SINK_MAX_MESSAGE_SIZE", "10485760")
	t.Setenv("SINK_OUTPUT_DIR", "/tmp/mail")
	t.Setenv("TLS_CERT_FILE", "/certs/cert.pem")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Transport != TransportSMTP {
		t.Errorf("Transport: got %q, want %q", cfg.Transport, TransportSMTP)
	}
	if !cfg.Individual {
		t.Error("Individual: got false, want true")
	}
	if cfg.Sender.Name != "Billing" || cfg.Sender.Email != "billing@example.com" {
		t.Errorf("Sender: got %+v", cfg.Sender)
	}
	if cfg.EOL() != "\n" {
		t.Errorf("EOL(): got %q, want LF", cfg.EOL())
	}
	if cfg.SMTP.Host != "mail.example.com" || cfg.SMTP.Port != 587 {
		t.Errorf("SMTP: got %s:%d", cfg.SMTP.Host, cfg.SMTP.Port)
	}
	if cfg.SMTP.Timeout != 3*time.Second {
		t.Errorf("SMTP.Timeout: got %v", cfg.SMTP.Timeout)
	}
	if !cfg.SMTP.RequireTLS || !cfg.SMTP.KeepAlive {
		t.Errorf("SMTP flags: tls=%v keep_alive=%v", cfg.SMTP.RequireTLS, cfg.SMTP.KeepAlive)
	}
	if cfg.SMTP.ServerName != "app01.example.com" {
		t.Errorf("SMTP.ServerName: got %q", cfg.SMTP.ServerName)
	}
	if !cfg.MailgunConfigured() || !cfg.Mailgun.EU || cfg.Mailgun.ConnectTimeout != 2*time.Second {
		t.Errorf("Mailgun: got %+v", cfg.Mailgun)
	}
	if !cfg.SESConfigured() {
		t.Error("SESConfigured(): got false, want true")
	}
	if !cfg.Graph.SaveToSentItems {
		t.Error("Graph.SaveToSentItems: got false, want true")
	}
	if cfg.Sink.MaxMessageSize != 10485760 {
		t.Errorf("Sink.MaxMessageSize: got %d", cfg.Sink.MaxMessageSize)
	}
	if cfg.Sink.OutputDir != "/tmp/mail" {
		t.Errorf("Sink.OutputDir: got %q", cfg.Sink.OutputDir)
	}
	if cfg.TLS.CertFile != "/certs/cert.pem" {
		t.Errorf("TLS.CertFile: got %q", cfg.TLS.CertFile)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestLoad_InvalidValuesIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv("SMTP_PORT", "not-a-number")
	t.Setenv("SMTP_TIMEOUT", "soon")
	t.Setenv("SMTP_TLS", "maybe")
	t.Setenv("SINK_MAX_MESSAGE_SIZE", "big")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Invalid values should be ignored, keeping the defaults
	if cfg.SMTP.Port != 25 {
		t.Errorf("SMTP.Port: got %d, want 25", cfg.SMTP.Port)
	}
	if cfg.SMTP.Timeout != 10*time.Second {
		t.Errorf("SMTP.Timeout: got %v", cfg.SMTP.Timeout)
	}
	if cfg.SMTP.RequireTLS {
		t.Error("SMTP.RequireTLS: got true, want false")
	}
	if cfg.Sink.MaxMessageSize != 26214400 {
		t.Errorf("Sink.MaxMessageSize: got %d", cfg.Sink.MaxMessageSize)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "unknown transport", key: "MAILER_TRANSPORT", val: "pigeon"},
		{name: "bad eol", key: "MAIL_EOL", val: "cr"},
		{name: "port out of range", key: "SMTP_PORT", val: "70000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.val)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%s", tt.key, tt.val)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
transport: mailgun
individual: true
sender:
  name: "Shop"
  email: "shop@example.com"
  eol: lf
smtp:
  host: "relay.example.com"
  port: 2587
  timeout: 15s
  tls: true
mailgun:
  domain: "mg.example.com"
  api_key: "yaml-key"
  eu: true
  timeout: 5s
graph:
  tenant_id: "yaml-tenant"
  client_id: "yaml-client"
  client_secret: "yaml-secret"
templates:
  dir: "/srv/templates"
sink:
  listen: ":3025"
  username: "yamluser"
  password: "yamlpass"
  max_message_size: 5242880
logging:
  level: "warn"
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Transport != TransportMailgun || !cfg.Individual {
		t.Errorf("Transport: got %q individual=%v", cfg.Transport, cfg.Individual)
	}
	if cfg.EOL() != "\n" {
		t.Errorf("EOL(): got %q", cfg.EOL())
	}
	if cfg.SMTP.Port != 2587 || cfg.SMTP.Timeout != 15*time.Second || !cfg.SMTP.RequireTLS {
		t.Errorf("SMTP: got %+v", cfg.SMTP)
	}
	if cfg.Mailgun.Timeout != 5*time.Second || !cfg.Mailgun.EU {
		t.Errorf("Mailgun: got %+v", cfg.Mailgun)
	}
	if !cfg.GraphConfigured() || cfg.GraphSender() != "shop@example.com" {
		t.Errorf("Graph sender: got %q", cfg.GraphSender())
	}
	if cfg.Templates.Dir != "/srv/templates" {
		t.Errorf("Templates.Dir: got %q", cfg.Templates.Dir)
	}
	if cfg.Sink.Listen != ":3025" || !cfg.SinkAuthEnabled() {
		t.Errorf("Sink: got %+v", cfg.Sink)
	}
	if cfg.Sink.MaxMessageSize != 5242880 {
		t.Errorf("Sink.MaxMessageSize: got %d, want %d", cfg.Sink.MaxMessageSize, 5242880)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "warn")
	}
}

func TestLoadFromFile_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
smtp:
  host: "yaml.example.com"
  username: "yamluser"
logging:
  level: "warn"
`)

	t.Setenv("SMTP_HOST", "env.example.com")
	t.Setenv("LOG_LEVEL", "error")

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Env var should override YAML
	if cfg.SMTP.Host != "env.example.com" {
		t.Errorf("SMTP.Host: got %q, want %q (env should override YAML)", cfg.SMTP.Host, "env.example.com")
	}
	// Empty env var should NOT override YAML value
	if cfg.SMTP.Username != "yamluser" {
		t.Errorf("SMTP.Username: got %q, want %q (empty env should not override YAML)", cfg.SMTP.Username, "yamluser")
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("Logging.Level: got %q, want %q (env should override YAML)", cfg.Logging.Level, "error")
	}
}

func TestLoadFromFile_FileNotFound(t *testing.T) {
	t.Parallel()

	_, err := LoadFromFile("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestLoadFromFile_InvalidYAML(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "{{invalid yaml")
	if _, err := LoadFromFile(path); err == nil {
		t.Error("expected error for invalid YAML, got nil")
	}
}

func TestGraphConfigured(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		cfg    Config
		expect bool
	}{
		{
			name:   "all set",
			cfg:    Config{Graph: GraphConfig{TenantID: "t", ClientID: "c", ClientSecret: "s", Sender: "sender@example.com"}},
			expect: true,
		},
		{
			name:   "sender from default identity",
			cfg:    Config{Graph: GraphConfig{TenantID: "t", ClientID: "c", ClientSecret: "s"}, Sender: SenderConfig{Email: "me@example.com"}},
			expect: true,
		},
		{
			name:   "missing tenant_id",
			cfg:    Config{Graph: GraphConfig{ClientID: "c", ClientSecret: "s", Sender: "sender@example.com"}},
			expect: false,
		},
		{
			name:   "missing client_secret",
			cfg:    Config{Graph: GraphConfig{TenantID: "t", ClientID: "c", Sender: "sender@example.com"}},
			expect: false,
		},
		{
			name:   "missing sender",
			cfg:    Config{Graph: GraphConfig{TenantID: "t", ClientID: "c", ClientSecret: "s"}},
			expect: false,
		},
		{
			name:   "none set",
			cfg:    Config{},
			expect: false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.cfg.GraphConfigured(); got != tt.expect {
				t.Errorf("GraphConfigured(): got %v, want %v", got, tt.expect)
			}
		})
	}
}

func TestSESConfigured(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		cfg    Config
		expect bool
	}{
		{
			name:   "region and sender set",
			cfg:    Config{SES: SESConfig{Region: "us-east-1"}, Sender: SenderConfig{Email: "ses@example.com"}},
			expect: true,
		},
		{
			name:   "missing region",
			cfg:    Config{Sender: SenderConfig{Email: "ses@example.com"}},
			expect: false,
		},
		{
			name:   "missing sender",
			cfg:    Config{SES: SESConfig{Region: "us-east-1"}},
			expect: false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.cfg.SESConfigured(); got != tt.expect {
				t.Errorf("SESConfigured(): got %v, want %v", got, tt.expect)
			}
		})
	}
}

func TestResolveTransport(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "explicit", cfg: Config{Transport: TransportStdout, SMTP: SMTPConfig{Host: "h"}}, want: TransportStdout},
		{name: "smtp first", cfg: Config{SMTP: SMTPConfig{Host: "h"}, Mailgun: MailgunConfig{Domain: "d", APIKey: "k"}}, want: TransportSMTP},
		{name: "mailgun", cfg: Config{Mailgun: MailgunConfig{Domain: "d", APIKey: "k"}}, want: TransportMailgun},
		{name: "mailgun missing key", cfg: Config{Mailgun: MailgunConfig{Domain: "d"}}, want: TransportSendmail},
		{name: "ses", cfg: Config{SES: SESConfig{Region: "eu-west-1"}, Sender: SenderConfig{Email: "a@b.c"}}, want: TransportSES},
		{name: "graph", cfg: Config{Graph: GraphConfig{TenantID: "t", ClientID: "c", ClientSecret: "s", Sender: "a@b.c"}}, want: TransportGraph},
		{name: "fallback", cfg: Config{}, want: TransportSendmail},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.cfg.ResolveTransport(); got != tt.want {
				t.Errorf("ResolveTransport(): got %q, want %q", got, tt.want)
			}
		})
	}
}
