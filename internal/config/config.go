// Package config provides configuration loading for deadlined.
//
// Configuration is layered: hardcoded defaults, an optional YAML file, an
// optional .env file, then DEADLINED_* environment variables.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/deadlined/internal/deadline"
)

// Scan modes.
const (
	ScanModeDays      = "days"
	ScanModeStartDate = "start_date"
)

// Mail source kinds.
const (
	SourceIMAP = "imap"
	SourceDir  = "dir"
)

// Config holds the complete deadlined configuration.
type Config struct {
	Scan       ScanConfig       `koanf:"scan"`
	Mail       MailConfig       `koanf:"mail"`
	Extraction ExtractionConfig `koanf:"extraction"`
	Model      ModelConfig      `koanf:"model"`
	Feedback   FeedbackConfig   `koanf:"feedback"`
	Reconcile  ReconcileConfig  `koanf:"reconcile"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Metrics    MetricsConfig    `koanf:"metrics"`
}

// ScanConfig bounds which messages a run considers.
type ScanConfig struct {
	Mode        string `koanf:"mode"`
	Days        int    `koanf:"days"`
	StartDate   string `koanf:"start_date"` // YYYY-MM-DD, inclusive
	MaxMessages int    `koanf:"max_messages"`
}

// MailConfig selects and configures the mail source.
type MailConfig struct {
	Source   string   `koanf:"source"`
	Host     string   `koanf:"host"`
	Port     int      `koanf:"port"`
	Username string   `koanf:"username"`
	Password Secret   `koanf:"password"`
	Mailbox  string   `koanf:"mailbox"`
	Timeout  Duration `koanf:"timeout"`
	Dir      string   `koanf:"dir"`
}

// ExtractionConfig configures normalization and pattern extraction.
type ExtractionConfig struct {
	RulesFile    string `koanf:"rules_file"`
	Workers      int    `koanf:"workers"`
	Location     string `koanf:"location"`
	DayFirst     bool   `koanf:"day_first"`
	MaxBodyBytes int    `koanf:"max_body_bytes"`
}

// ModelConfig configures the optional model extractor.
type ModelConfig struct {
	Enabled       bool     `koanf:"enabled"`
	Model         string   `koanf:"model"`
	APIKey        Secret   `koanf:"api_key"`
	BaseURL       string   `koanf:"base_url"`
	Budget        float64  `koanf:"budget"`
	BatchSize     int      `koanf:"batch_size"`
	Concurrency   int      `koanf:"concurrency"`
	MaxRetries    int      `koanf:"max_retries"`
	Timeout       Duration `koanf:"timeout"`
	MinConfidence float64  `koanf:"min_confidence"`
	UsageDB       string   `koanf:"usage_db"`
	AutoApprove   bool     `koanf:"auto_approve"`
}

// FeedbackConfig configures the feedback history.
type FeedbackConfig struct {
	Path     string   `koanf:"path"`
	Disabled bool     `koanf:"disabled"`
	HalfLife Duration `koanf:"half_life"`
	MaxDelta float64  `koanf:"max_delta"`
}

// ReconcileConfig holds the tunable merge parameters.
type ReconcileConfig struct {
	SimilarityThreshold float64  `koanf:"similarity_threshold"`
	TimeTolerance       Duration `koanf:"time_tolerance"` // 0 means same calendar day
	MinConfidence       float64  `koanf:"min_confidence"`
}

// ValidateSource checks the fields the selected mail source needs.
// It is separate from Config.Validate so commands that never read mail can run unconfigured.
func (m MailConfig) ValidateSource() error {
	switch m.Source {
	case SourceIMAP:
		if m.Host == "" {
			return &deadline.ConfigError{Field: "mail.host", Reason: "required for imap source"}
		}
		if m.Username == "" || !m.Password.IsSet() {
			return &deadline.ConfigError{Field: "mail.username", Reason: "username and password required for imap source"}
		}
	case SourceDir:
		if m.Dir == "" {
			return &deadline.ConfigError{Field: "mail.dir", Reason: "required for dir source"}
		}
	}
	return nil
}

// LoggingConfig is the subset of logging settings exposed to users.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// MetricsConfig holds Prometheus export settings.
type MetricsConfig struct {
	Textfile string `koanf:"textfile"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Scan.Mode {
	case ScanModeDays:
		if c.Scan.Days <= 0 {
			return &deadline.ConfigError{Field: "scan.days", Reason: "must be positive"}
		}
	case ScanModeStartDate:
		if _, err := time.Parse(time.DateOnly, c.Scan.StartDate); err != nil {
			return &deadline.ConfigError{Field: "scan.start_date", Reason: "must be YYYY-MM-DD"}
		}
	default:
		return &deadline.ConfigError{Field: "scan.mode", Reason: "must be 'days' or 'start_date', got " + c.Scan.Mode}
	}
	if c.Scan.MaxMessages <= 0 {
		return &deadline.ConfigError{Field: "scan.max_messages", Reason: "must be positive"}
	}

	if c.Mail.Source != SourceIMAP && c.Mail.Source != SourceDir {
		return &deadline.ConfigError{Field: "mail.source", Reason: "must be 'imap' or 'dir', got " + c.Mail.Source}
	}
	if c.Mail.Port < 1 || c.Mail.Port > 65535 {
		return &deadline.ConfigError{Field: "mail.port", Reason: "must be 1-65535"}
	}

	if _, err := time.LoadLocation(c.Extraction.Location); err != nil {
		return &deadline.ConfigError{Field: "extraction.location", Reason: err.Error()}
	}
	if c.Model.Budget < 0 {
		return &deadline.ConfigError{Field: "model.budget", Reason: "must not be negative"}
	}
	if c.Model.MinConfidence < 0 || c.Model.MinConfidence > 1 {
		return &deadline.ConfigError{Field: "model.min_confidence", Reason: "must be within [0,1]"}
	}
	if t := c.Reconcile.SimilarityThreshold; t <= 0 || t > 1 {
		return &deadline.ConfigError{Field: "reconcile.similarity_threshold", Reason: "must be within (0,1]"}
	}
	if c.Reconcile.MinConfidence < 0 || c.Reconcile.MinConfidence > 1 {
		return &deadline.ConfigError{Field: "reconcile.min_confidence", Reason: "must be within [0,1]"}
	}
	if c.Feedback.MaxDelta < 0 || c.Feedback.MaxDelta > 1 {
		return &deadline.ConfigError{Field: "feedback.max_delta", Reason: "must be within [0,1]"}
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return &deadline.ConfigError{Field: "telemetry.endpoint", Reason: "required when telemetry is enabled"}
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	dataDir := defaultDataDir()

	if cfg.Scan.Mode == "" {
		cfg.Scan.Mode = ScanModeDays
	}
	if cfg.Scan.Days == 0 {
		cfg.Scan.Days = 30
	}
	if cfg.Scan.MaxMessages == 0 {
		cfg.Scan.MaxMessages = 200
	}

	if cfg.Mail.Source == "" {
		cfg.Mail.Source = SourceIMAP
	}
	if cfg.Mail.Port == 0 {
		cfg.Mail.Port = 993
	}
	if cfg.Mail.Mailbox == "" {
		cfg.Mail.Mailbox = "INBOX"
	}
	if cfg.Mail.Timeout == 0 {
		cfg.Mail.Timeout = Duration(30 * time.Second)
	}

	if cfg.Extraction.Workers == 0 {
		cfg.Extraction.Workers = 4
	}
	if cfg.Extraction.Location == "" {
		cfg.Extraction.Location = "UTC"
	}
	if cfg.Extraction.MaxBodyBytes == 0 {
		cfg.Extraction.MaxBodyBytes = 64 * 1024
	}

	if cfg.Model.Model == "" {
		cfg.Model.Model = "gpt-4o-mini"
	}
	if cfg.Model.BatchSize == 0 {
		cfg.Model.BatchSize = 5
	}
	if cfg.Model.Concurrency == 0 {
		cfg.Model.Concurrency = 2
	}
	if cfg.Model.MaxRetries == 0 {
		cfg.Model.MaxRetries = 3
	}
	if cfg.Model.Timeout == 0 {
		cfg.Model.Timeout = Duration(60 * time.Second)
	}
	if cfg.Model.MinConfidence == 0 {
		cfg.Model.MinConfidence = 0.5
	}
	if cfg.Model.UsageDB == "" {
		cfg.Model.UsageDB = filepath.Join(dataDir, "usage.db")
	}

	if cfg.Feedback.Path == "" {
		cfg.Feedback.Path = filepath.Join(dataDir, "feedback.jsonl")
	}
	if cfg.Feedback.HalfLife == 0 {
		cfg.Feedback.HalfLife = Duration(90 * 24 * time.Hour)
	}
	if cfg.Feedback.MaxDelta == 0 {
		cfg.Feedback.MaxDelta = 0.3
	}

	if cfg.Reconcile.SimilarityThreshold == 0 {
		cfg.Reconcile.SimilarityThreshold = 0.6
	}
	if cfg.Reconcile.MinConfidence == 0 {
		cfg.Reconcile.MinConfidence = 0.3
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "deadlined"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
}

// defaultDataDir returns ~/.local/share/deadlined, or the working directory
// when no home directory is available.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "deadlined")
}
