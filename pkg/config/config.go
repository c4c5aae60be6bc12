package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// EnvConfigPath overrides the default config file location.
const EnvConfigPath = "MAIL_DISPATCH_CONFIG"

// MaxWorkers caps the optional worker pool; the send spacing is global anyway.
const MaxWorkers = 4

type Source struct {
	Path      string `yaml:"path"`
	Delimiter string `yaml:"delimiter"`
}

type Grouping struct {
	// KeyField identifies the recipient. Defaults to Mail.AddressField.
	KeyField string `yaml:"keyField"`
	// MissingKey is "skip" or "abort".
	MissingKey string `yaml:"missingKey"`
}

type Attachment struct {
	// SourcePath is accepted as an alias for Source.Path.
	SourcePath string   `yaml:"sourcePath"`
	NameFields []string `yaml:"nameFields"`
	Columns    []string `yaml:"columns"`
	FileName   string   `yaml:"fileName"`
	WorkDir    string   `yaml:"workDir"`
}

type Mail struct {
	SMTPHost           string `yaml:"smtpHost"`
	SMTPPort           int    `yaml:"smtpPort"`
	UseStartTLS        bool   `yaml:"useStartTls"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
	// CAFile is an optional PEM bundle used to verify the SMTP server.
	CAFile   string `yaml:"caFile"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// PasswordRef points at the password: env:NAME, file:/path or keyring:service/user.
	PasswordRef string `yaml:"passwordRef"`

	SenderAddress string `yaml:"senderAddress"`
	SenderName    string `yaml:"senderName"`

	SubjectTemplate string `yaml:"subjectTemplate"`
	BodyTemplate    string `yaml:"bodyTemplate"`
	// BodyTextTemplate is the text/plain counterpart of BodyTemplate.
	BodyTextTemplate string   `yaml:"bodyTextTemplate"`
	AddressField     string   `yaml:"addressField"`
	NameFields       []string `yaml:"nameFields"`

	SendDelaySeconds int `yaml:"sendDelaySeconds"`
	// RetryCount and RetryBackoffMs are pointers so an explicit 0 survives Defaults.
	RetryCount     *int `yaml:"retryCount"`
	RetryBackoffMs *int `yaml:"retryBackoffMs"`
}

const (
	DefaultRetryCount     = 3
	DefaultRetryBackoffMs = 100
)

// SendDelay returns the configured inter-send delay.
func (m Mail) SendDelay() time.Duration {
	return time.Duration(m.SendDelaySeconds) * time.Second
}

// Retries returns the transient-failure retry count, DefaultRetryCount when unset.
func (m Mail) Retries() int {
	if m.RetryCount == nil {
		return DefaultRetryCount
	}
	return *m.RetryCount
}

// RetryBackoff returns the base backoff in milliseconds, DefaultRetryBackoffMs when unset.
func (m Mail) RetryBackoff() int {
	if m.RetryBackoffMs == nil {
		return DefaultRetryBackoffMs
	}
	return *m.RetryBackoffMs
}

type Dispatch struct {
	Workers int  `yaml:"workers"`
	DryRun  bool `yaml:"dryRun"`
}

type Webhook struct {
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type Audit struct {
	Log     bool    `yaml:"log"`
	Webhook Webhook `yaml:"webhook"`
	Kafka   Kafka   `yaml:"kafka"`
}

type Tracing struct {
	Enabled bool `yaml:"enabled"`
	// Exporter is otlp, stdout or none.
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"samplingRate"`
}

type Metrics struct {
	ListenAddress string `yaml:"listenAddress"`
}

type Config struct {
	Source     Source     `yaml:"source"`
	Grouping   Grouping   `yaml:"grouping"`
	Attachment Attachment `yaml:"attachment"`
	Mail       Mail       `yaml:"mail"`
	Dispatch   Dispatch   `yaml:"dispatch"`
	Audit      Audit      `yaml:"audit"`
	Metrics    Metrics    `yaml:"metrics"`
	Tracing    Tracing    `yaml:"tracing"`
}

// Load loads the configuration from a file path.
// If configPath is empty, MAIL_DISPATCH_CONFIG is consulted and then "./config.yaml".
func Load(configPath ...string) (Config, error) {
	path := "./config.yaml"
	if env := os.Getenv(EnvConfigPath); env != "" {
		path = env
	}
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	var config Config

	content, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("trying to open mail-dispatch config file %s: %w", path, err)
	}

	if err := yaml.UnmarshalStrict(content, &config); err != nil {
		return config, fmt.Errorf("error unmarshaling YAML %s: %w", path, err)
	}
	config.Defaults()
	return config, nil
}

// Defaults fills in unset values.
func (c *Config) Defaults() {
	if c.Source.Path == "" {
		c.Source.Path = c.Attachment.SourcePath
	}
	if c.Mail.AddressField == "" {
		c.Mail.AddressField = "email"
	}
	if c.Grouping.KeyField == "" {
		c.Grouping.KeyField = c.Mail.AddressField
	}
	if c.Grouping.MissingKey == "" {
		c.Grouping.MissingKey = "skip"
	}
	if c.Mail.SMTPPort == 0 {
		c.Mail.SMTPPort = 587
	}
	if c.Mail.SenderAddress == "" {
		c.Mail.SenderAddress = c.Mail.Username
	}
	if c.Mail.RetryCount == nil {
		retries := DefaultRetryCount
		c.Mail.RetryCount = &retries
	}
	if c.Mail.RetryBackoffMs == nil {
		backoff := DefaultRetryBackoffMs
		c.Mail.RetryBackoffMs = &backoff
	}
	if c.Dispatch.Workers == 0 {
		c.Dispatch.Workers = 1
	}
	if c.Tracing.Enabled && c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = 1
	}
	if c.Audit.Webhook.Timeout == 0 {
		c.Audit.Webhook.Timeout = 5 * time.Second
	}
}

// Validate reports every problem found in the configuration at once.
func (c Config) Validate() error {
	var errs []error
	if c.Source.Path == "" {
		errs = append(errs, errors.New("source.path (or attachment.sourcePath) is required"))
	}
	if c.Grouping.KeyField == "" {
		errs = append(errs, errors.New("grouping.keyField is required"))
	}
	switch strings.ToLower(c.Grouping.MissingKey) {
	case "skip", "abort":
	default:
		errs = append(errs, fmt.Errorf("grouping.missingKey must be skip or abort, got %q", c.Grouping.MissingKey))
	}
	if !c.Dispatch.DryRun && c.Mail.SMTPHost == "" {
		errs = append(errs, errors.New("mail.smtpHost is required"))
	}
	if c.Mail.SMTPPort < 1 || c.Mail.SMTPPort > 65535 {
		errs = append(errs, fmt.Errorf("mail.smtpPort %d is out of range", c.Mail.SMTPPort))
	}
	if c.Mail.SenderAddress == "" {
		errs = append(errs, errors.New("mail.senderAddress (or mail.username) is required"))
	}
	if c.Mail.SendDelaySeconds < 0 {
		errs = append(errs, errors.New("mail.sendDelaySeconds must not be negative"))
	}
	if c.Mail.Retries() < 0 || c.Mail.RetryBackoff() < 0 {
		errs = append(errs, errors.New("mail.retryCount and mail.retryBackoffMs must not be negative"))
	}
	if c.Dispatch.Workers < 1 || c.Dispatch.Workers > MaxWorkers {
		errs = append(errs, fmt.Errorf("dispatch.workers must be between 1 and %d", MaxWorkers))
	}
	if len(c.Audit.Kafka.Brokers) > 0 && c.Audit.Kafka.Topic == "" {
		errs = append(errs, errors.New("audit.kafka.topic is required when brokers are set"))
	}
	switch c.Tracing.Exporter {
	case "", "otlp", "stdout", "none":
	default:
		errs = append(errs, fmt.Errorf("tracing.exporter must be otlp, stdout or none, got %q", c.Tracing.Exporter))
	}
	return errors.Join(errs...)
}
