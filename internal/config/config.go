// Package config provides YAML file configuration with environment variable
// overrides for the mailer and the capture sink.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport names accepted in Config.Transport.
const (
	TransportSMTP     = "smtp"
	TransportSendmail = "sendmail"
	TransportMailgun  = "mailgun"
	TransportSES      = "ses"
	TransportGraph    = "graph"
	TransportStdout   = "stdout"
)

// defaultSinkMaxMessageSize is 25 MB in bytes.
const defaultSinkMaxMessageSize = 26214400

// Config holds the complete application configuration.
type Config struct {
	// Transport selects the delivery backend. Empty picks the first
	// configured backend, falling back to sendmail.
	Transport string `yaml:"transport"`

	// Individual sends one copy per recipient.
	Individual bool `yaml:"individual"`

	Sender    SenderConfig    `yaml:"sender"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Sendmail  SendmailConfig  `yaml:"sendmail"`
	Mailgun   MailgunConfig   `yaml:"mailgun"`
	SES       SESConfig       `yaml:"ses"`
	Graph     GraphConfig     `yaml:"graph"`
	Templates TemplatesConfig `yaml:"templates"`
	Sink      SinkConfig      `yaml:"sink"`
	TLS       TLSConfig       `yaml:"tls"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SenderConfig is the default From identity and line ending of composed
// messages.
type SenderConfig struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
	// EOL is "crlf" or "lf".
	EOL string `yaml:"eol"`
}

// SMTPConfig holds SMTP relay settings.
type SMTPConfig struct {
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	Timeout    time.Duration `yaml:"timeout"`
	Username   string        `yaml:"username"`
	Password   string        `yaml:"password"`
	RequireTLS bool          `yaml:"tls"`
	KeepAlive  bool          `yaml:"keep_alive"`
	ServerName string        `yaml:"server_name"`
	CAFile     string        `yaml:"ca_file"`
}

// SendmailConfig holds the local MTA binary path.
type SendmailConfig struct {
	Path string `yaml:"path"`
}

// MailgunConfig holds Mailgun API settings.
type MailgunConfig struct {
	Domain         string        `yaml:"domain"`
	APIKey         string        `yaml:"api_key"`
	EU             bool          `yaml:"eu"`
	CAFile         string        `yaml:"ca_file"`
	Timeout        time.Duration `yaml:"timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKeyID      string `yaml:"access_key_id"`
	SecretAccessKey  string `yaml:"secret_access_key"`
	Endpoint         string `yaml:"endpoint"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID        string `yaml:"tenant_id"`
	ClientID        string `yaml:"client_id"`
	ClientSecret    string `yaml:"client_secret"`
	Sender          string `yaml:"sender"`
	SaveToSentItems bool   `yaml:"save_to_sent_items"`
}

// TemplatesConfig locates layouts and body files.
type TemplatesConfig struct {
	Dir string `yaml:"dir"`
}

// SinkConfig holds the capture SMTP server configuration.
type SinkConfig struct {
	Listen         string `yaml:"listen"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size"`
	// OutputDir receives one .eml file per accepted message when set.
	OutputDir string `yaml:"output_dir"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, cfg.Validate()
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, cfg.Validate()
}

// Validate checks values that cannot be corrected silently.
func (c *Config) Validate() error {
	switch c.Transport {
	case "", TransportSMTP, TransportSendmail, TransportMailgun, TransportSES, TransportGraph, TransportStdout:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	switch c.Sender.EOL {
	case "crlf", "lf":
	default:
		return fmt.Errorf("invalid sender eol %q: must be crlf or lf", c.Sender.EOL)
	}
	if c.SMTP.Port < 1 || c.SMTP.Port > 65535 {
		return fmt.Errorf("invalid smtp port %d", c.SMTP.Port)
	}
	return nil
}

// EOL returns the line ending selected by Sender.EOL.
func (c *Config) EOL() string {
	if c.Sender.EOL == "lf" {
		return "\n"
	}
	return "\r\n"
}

// SMTPConfigured returns true if an SMTP relay host is set.
func (c *Config) SMTPConfigured() bool {
	return c.SMTP.Host != ""
}

// MailgunConfigured returns true if both the Mailgun domain and API key
// are set.
func (c *Config) MailgunConfigured() bool {
	return c.Mailgun.Domain != "" && c.Mailgun.APIKey != ""
}

// SESConfigured returns true if the SES region and a sender are set.
// Credentials may come from the default AWS chain.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.Sender.Email != ""
}

// GraphConfigured returns true if all Graph API credentials and a sending
// mailbox are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.GraphSender() != ""
}

// GraphSender is the Graph mailbox, defaulting to the sender address.
func (c *Config) GraphSender() string {
	if c.Graph.Sender != "" {
		return c.Graph.Sender
	}
	return c.Sender.Email
}

// SinkAuthEnabled returns true if both sink username and password are set.
func (c *Config) SinkAuthEnabled() bool {
	return c.Sink.Username != "" && c.Sink.Password != ""
}

// ResolveTransport returns the configured transport name, or the first
// configured API or relay backend when none is named.
func (c *Config) ResolveTransport() string {
	if c.Transport != "" {
		return c.Transport
	}
	switch {
	case c.SMTPConfigured():
		return TransportSMTP
	case c.MailgunConfigured():
		return TransportMailgun
	case c.SESConfigured():
		return TransportSES
	case c.GraphConfigured():
		return TransportGraph
	default:
		return TransportSendmail
	}
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Sender.EOL = "crlf"
	c.SMTP.Port = 25
	c.SMTP.Timeout = 10 * time.Second
	c.Sendmail.Path = "/usr/sbin/sendmail"
	c.Mailgun.Timeout = 30 * time.Second
	c.Mailgun.ConnectTimeout = 6 * time.Second
	c.Sink.Listen = ":2525"
	c.Sink.MaxMessageSize = defaultSinkMaxMessageSize
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values; values
// that do not parse are ignored.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("MAILER_TRANSPORT"); v != "" {
		c.Transport = strings.ToLower(v)
	}
	envBool("MAILER_INDIVIDUAL", &c.Individual)

	envString("SENDER_NAME", &c.Sender.Name)
	envString("SENDER_EMAIL", &c.Sender.Email)
	if v := os.Getenv("MAIL_EOL"); v != "" {
		c.Sender.EOL = strings.ToLower(v)
	}

	envString("SMTP_HOST", &c.SMTP.Host)
	envInt("SMTP_PORT", &c.SMTP.Port)
	envDuration("SMTP_TIMEOUT", &c.SMTP.Timeout)
	envString("SMTP_USERNAME", &c.SMTP.Username)
	envString("SMTP_PASSWORD", &c.SMTP.Password)
	envBool("SMTP_TLS", &c.SMTP.RequireTLS)
	envBool("SMTP_KEEP_ALIVE", &c.SMTP.KeepAlive)
	envString("SMTP_SERVER_NAME", &c.SMTP.ServerName)
	envString("SMTP_CA_FILE", &c.SMTP.CAFile)

	envString("SENDMAIL_PATH", &c.Sendmail.Path)

	envString("MAILGUN_DOMAIN", &c.Mailgun.Domain)
	envString("MAILGUN_API_KEY", &c.Mailgun.APIKey)
	envBool("MAILGUN_EU", &c.Mailgun.EU)
	envString("MAILGUN_CA_FILE", &c.Mailgun.CAFile)
	envDuration("MAILGUN_TIMEOUT", &c.Mailgun.Timeout)
	envDuration("MAILGUN_CONNECT_TIMEOUT", &c.Mailgun.ConnectTimeout)

	envString("SES_REGION", &c.SES.Region)
	envString("SES_ACCESS_KEY_ID", &c.SES.AccessKeyID)
	envString("SES_SECRET_ACCESS_KEY", &c.SES.SecretAccessKey)
	envString("SES_ENDPOINT", &c.SES.Endpoint)
	envString("SES_CONFIGURATION_SET", &c.SES.ConfigurationSet)

	envString("GRAPH_TENANT_ID", &c.Graph.TenantID)
	envString("GRAPH_CLIENT_ID", &c.Graph.ClientID)
	envString("GRAPH_CLIENT_SECRET", &c.Graph.ClientSecret)
	envString("GRAPH_SENDER", &c.Graph.Sender)
	envBool("GRAPH_SAVE_TO_SENT_ITEMS", &c.Graph.SaveToSentItems)

	envString("TEMPLATES_DIR", &c.Templates.Dir)

	envString("SINK_LISTEN", &c.Sink.Listen)
	envString("SINK_USERNAME", &c.Sink.Username)
	envString("SINK_PASSWORD", &c.Sink.Password)
	if v := os.Getenv("SINK_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Sink.MaxMessageSize = size
		}
	}
	envString("SINK_OUTPUT_DIR", &c.Sink.OutputDir)

	envString("TLS_CERT_FILE", &c.TLS.CertFile)
	envString("TLS_KEY_FILE", &c.TLS.KeyFile)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
