// Package config provides environment-variable-first configuration loading
// with optional YAML file and .env fallbacks for the relay.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Provider names accepted in the provider setting.
const (
	ProviderGraph  = "graph"
	ProviderSES    = "ses"
	ProviderStdout = "stdout"
)

// Config holds the complete application configuration.
type Config struct {
	// Provider selects the delivery backend. Empty means auto-detect.
	Provider string        `yaml:"provider"`
	SMTP     SMTPConfig    `yaml:"smtp"`
	Queue    QueueConfig   `yaml:"queue"`
	Graph    GraphConfig   `yaml:"graph"`
	SES      SESConfig     `yaml:"ses"`
	Metrics  MetricsConfig `yaml:"metrics"`
	Logging  LoggingConfig `yaml:"logging"`
}

// Credential is one SMTP AUTH username/password pair.
type Credential struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// SMTPConfig holds SMTP listener configuration.
type SMTPConfig struct {
	Listen      string `yaml:"listen"`
	Hostname    string `yaml:"hostname"`
	RequireAuth bool   `yaml:"require_auth"`

	// Username and Password are a single credential that can be set from
	// the environment; Credentials holds any number more.
	Username    string       `yaml:"username"`
	Password    string       `yaml:"password"`
	Credentials []Credential `yaml:"credentials"`

	MaxMessageSize  int64         `yaml:"max_message_size"`
	MaxRecipients   int           `yaml:"max_recipients"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// QueueConfig holds delivery queue and processor configuration.
type QueueConfig struct {
	MaxSize          int           `yaml:"max_size"`
	MaxRetryAttempts int           `yaml:"max_retry_attempts"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	SendTimeout      time.Duration `yaml:"send_timeout"`
	CountTerminal    bool          `yaml:"count_terminal"`
	Retention        time.Duration `yaml:"retention"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID        string        `yaml:"tenant_id"`
	ClientID        string        `yaml:"client_id"`
	ClientSecret    string        `yaml:"client_secret"`
	Sender          string        `yaml:"sender"`
	SaveToSentItems bool          `yaml:"save_to_sent_items"`
	Timeout         time.Duration `yaml:"timeout"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKeyID      string `yaml:"access_key_id"`
	SecretAccessKey  string `yaml:"secret_access_key"`
	Sender           string `yaml:"sender"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// MetricsConfig holds the Prometheus endpoint configuration. An empty
// Listen disables the endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
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
	return cfg, nil
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

	return cfg, nil
}

// LoadEnvFile adds the variables of a .env file to the process environment.
// Variables that are already set keep their value.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// SESConfigured returns true if the SES region and sender are set. Keys may
// come from the default AWS credential chain.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// ResolveProvider returns the configured provider name, or the auto-detected
// one when none is set: Graph if configured, else SES, else stdout.
func (c *Config) ResolveProvider() string {
	if c.Provider != "" {
		return c.Provider
	}
	switch {
	case c.GraphConfigured():
		return ProviderGraph
	case c.SESConfigured():
		return ProviderSES
	default:
		return ProviderStdout
	}
}

// Credentials returns every configured credential, the single
// username/password pair first.
func (c *Config) Credentials() []Credential {
	var out []Credential
	if c.SMTP.Username != "" && c.SMTP.Password != "" {
		out = append(out, Credential{Username: c.SMTP.Username, Password: c.SMTP.Password})
	}
	for _, cred := range c.SMTP.Credentials {
		if cred.Username != "" {
			out = append(out, cred)
		}
	}
	return out
}

// AuthRequired returns true if clients must authenticate. Configuring the
// single username/password pair enables authentication on its own.
func (c *Config) AuthRequired() bool {
	return c.SMTP.RequireAuth || (c.SMTP.Username != "" && c.SMTP.Password != "")
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	if c.SMTP.Listen == "" {
		errs = append(errs, errors.New("smtp.listen is required"))
	}
	if c.SMTP.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("smtp.max_message_size must be positive, got %d", c.SMTP.MaxMessageSize))
	}
	if c.SMTP.MaxRecipients < 0 {
		errs = append(errs, fmt.Errorf("smtp.max_recipients must not be negative, got %d", c.SMTP.MaxRecipients))
	}
	if c.SMTP.ReadTimeout <= 0 {
		errs = append(errs, errors.New("smtp.read_timeout must be positive"))
	}
	if c.SMTP.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("smtp.shutdown_timeout must be positive"))
	}
	if c.AuthRequired() && len(c.Credentials()) == 0 {
		errs = append(errs, errors.New("smtp.require_auth is set but no credentials are configured"))
	}

	if c.Queue.MaxSize < 0 {
		errs = append(errs, fmt.Errorf("queue.max_size must not be negative, got %d", c.Queue.MaxSize))
	}
	if c.Queue.MaxRetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("queue.max_retry_attempts must be at least 1, got %d", c.Queue.MaxRetryAttempts))
	}
	if c.Queue.RetryDelay < 0 {
		errs = append(errs, errors.New("queue.retry_delay must not be negative"))
	}
	if c.Queue.PollInterval <= 0 {
		errs = append(errs, errors.New("queue.poll_interval must be positive"))
	}
	if c.Queue.SendTimeout <= 0 {
		errs = append(errs, errors.New("queue.send_timeout must be positive"))
	}
	if c.Queue.Retention < 0 {
		errs = append(errs, errors.New("queue.retention must not be negative"))
	}

	switch c.ResolveProvider() {
	case ProviderGraph:
		if !c.GraphConfigured() {
			errs = append(errs, errors.New("graph provider requires GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET and GRAPH_SENDER"))
		}
	case ProviderSES:
		if !c.SESConfigured() {
			errs = append(errs, errors.New("ses provider requires SES_REGION and SES_SENDER"))
		}
	case ProviderStdout:
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Logging.Level))
	}

	return errors.Join(errs...)
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.MaxRecipients = 100
	c.SMTP.ReadTimeout = 60 * time.Second
	c.SMTP.ShutdownTimeout = 30 * time.Second

	c.Queue.MaxSize = 1000
	c.Queue.MaxRetryAttempts = 3
	c.Queue.RetryDelay = 30 * time.Second
	c.Queue.PollInterval = time.Second
	c.Queue.SendTimeout = 30 * time.Second
	c.Queue.Retention = 24 * time.Hour

	c.Graph.Timeout = 30 * time.Second
	c.Metrics.Path = "/metrics"
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty, parseable environment variables override existing values.
func (c *Config) applyEnvVars() {
	setString(&c.Provider, "PROVIDER")
	c.Provider = strings.ToLower(c.Provider)

	setString(&c.SMTP.Listen, "SMTP_LISTEN")
	setString(&c.SMTP.Hostname, "SMTP_HOSTNAME")
	setBool(&c.SMTP.RequireAuth, "SMTP_REQUIRE_AUTH")
	setString(&c.SMTP.Username, "SMTP_USERNAME")
	setString(&c.SMTP.Password, "SMTP_PASSWORD")
	setInt64(&c.SMTP.MaxMessageSize, "SMTP_MAX_MESSAGE_SIZE")
	setInt(&c.SMTP.MaxRecipients, "SMTP_MAX_RECIPIENTS")
	setDuration(&c.SMTP.ReadTimeout, "SMTP_READ_TIMEOUT")
	setDuration(&c.SMTP.ShutdownTimeout, "SMTP_SHUTDOWN_TIMEOUT")

	setInt(&c.Queue.MaxSize, "QUEUE_MAX_SIZE")
	setInt(&c.Queue.MaxRetryAttempts, "QUEUE_MAX_RETRY_ATTEMPTS")
	setDuration(&c.Queue.RetryDelay, "QUEUE_RETRY_DELAY")
	setDuration(&c.Queue.PollInterval, "QUEUE_POLL_INTERVAL")
	setDuration(&c.Queue.SendTimeout, "QUEUE_SEND_TIMEOUT")
	setBool(&c.Queue.CountTerminal, "QUEUE_COUNT_TERMINAL")
	setDuration(&c.Queue.Retention, "QUEUE_RETENTION")

	setString(&c.Graph.TenantID, "GRAPH_TENANT_ID")
	setString(&c.Graph.ClientID, "GRAPH_CLIENT_ID")
	setString(&c.Graph.ClientSecret, "GRAPH_CLIENT_SECRET")
	setString(&c.Graph.Sender, "GRAPH_SENDER")
	setBool(&c.Graph.SaveToSentItems, "GRAPH_SAVE_TO_SENT_ITEMS")
	setDuration(&c.Graph.Timeout, "GRAPH_TIMEOUT")

	setString(&c.SES.Region, "SES_REGION")
	setString(&c.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	setString(&c.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")
	setString(&c.SES.Sender, "SES_SENDER")
	setString(&c.SES.ConfigurationSet, "SES_CONFIGURATION_SET")

	setString(&c.Metrics.Listen, "METRICS_LISTEN")
	setString(&c.Metrics.Path, "METRICS_PATH")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		*dst = v
	}
}

func setInt64(dst *int64, key string) {
	if v, err := strconv.ParseInt(os.Getenv(key), 10, 64); err == nil {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		*dst = v
	}
}
