// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// Components take the narrow section they need, the CLI holds the whole thing.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Target() TargetConfig
	Session() SessionConfig
	Resolver() ResolverConfig
	Workflow() WorkflowConfig
	Download() DownloadConfig
	Diagnostics() DiagnosticsConfig
	Audit() AuditConfig
	Batch() BatchConfig

	SetBrowserHeadless(bool)
	SetSessionPath(string)
	SetDownloadDir(string)
	SetWorkflowFile(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	BrowserCfg     BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	TargetCfg      TargetConfig      `mapstructure:"target" yaml:"target"`
	SessionCfg     SessionConfig     `mapstructure:"session" yaml:"session"`
	ResolverCfg    ResolverConfig    `mapstructure:"resolver" yaml:"resolver"`
	WorkflowCfg    WorkflowConfig    `mapstructure:"workflow" yaml:"workflow"`
	DownloadCfg    DownloadConfig    `mapstructure:"download" yaml:"download"`
	DiagnosticsCfg DiagnosticsConfig `mapstructure:"diagnostics" yaml:"diagnostics"`
	AuditCfg       AuditConfig       `mapstructure:"audit" yaml:"audit"`
	BatchCfg       BatchConfig       `mapstructure:"batch" yaml:"batch"`
}

// --- Getters ---

func (c *Config) Logger() LoggerConfig           { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig         { return c.BrowserCfg }
func (c *Config) Target() TargetConfig           { return c.TargetCfg }
func (c *Config) Session() SessionConfig         { return c.SessionCfg }
func (c *Config) Resolver() ResolverConfig       { return c.ResolverCfg }
func (c *Config) Workflow() WorkflowConfig       { return c.WorkflowCfg }
func (c *Config) Download() DownloadConfig       { return c.DownloadCfg }
func (c *Config) Diagnostics() DiagnosticsConfig { return c.DiagnosticsCfg }
func (c *Config) Audit() AuditConfig             { return c.AuditCfg }
func (c *Config) Batch() BatchConfig             { return c.BatchCfg }

// --- Setters (CLI overrides) ---

func (c *Config) SetBrowserHeadless(b bool) { c.BrowserCfg.Headless = b }
func (c *Config) SetSessionPath(p string)   { c.SessionCfg.Path = p }
func (c *Config) SetDownloadDir(p string)   { c.DownloadCfg.Dir = p }
func (c *Config) SetWorkflowFile(p string)  { c.WorkflowCfg.File = p }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the ANSI color codes for different log levels.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
	Fatal string `mapstructure:"fatal" yaml:"fatal"`
}

// ViewportConfig is the emulated window size.
type ViewportConfig struct {
	Width  int64 `mapstructure:"width" yaml:"width"`
	Height int64 `mapstructure:"height" yaml:"height"`
}

// BrowserConfig holds settings for the per-run browser instance.
type BrowserConfig struct {
	Headless        bool           `mapstructure:"headless" yaml:"headless"`
	ExecPath        string         `mapstructure:"exec_path" yaml:"exec_path"`
	Args            []string       `mapstructure:"args" yaml:"args"`
	Viewport        ViewportConfig `mapstructure:"viewport" yaml:"viewport"`
	UserAgent       string         `mapstructure:"user_agent" yaml:"user_agent"`
	Locale          string         `mapstructure:"locale" yaml:"locale"`
	Timezone        string         `mapstructure:"timezone" yaml:"timezone"`
	IgnoreTLSErrors bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	LaunchTimeout   time.Duration  `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	CloseTimeout    time.Duration  `mapstructure:"close_timeout" yaml:"close_timeout"`
	Debug           bool           `mapstructure:"debug" yaml:"debug"`
}

// TargetConfig describes the one product this engine drives.
type TargetConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	// AuthMarkers are URL fragments that mean the session has expired.
	AuthMarkers []string `mapstructure:"auth_markers" yaml:"auth_markers"`
}

// Origin returns scheme://host of the base URL.
func (t TargetConfig) Origin() string {
	u, err := url.Parse(t.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// SessionConfig locates the persisted session descriptor.
type SessionConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
	// SerializeRuns holds an exclusive lock per descriptor for the whole run.
	SerializeRuns bool          `mapstructure:"serialize_runs" yaml:"serialize_runs"`
	LockTimeout   time.Duration `mapstructure:"lock_timeout" yaml:"lock_timeout"`
}

// ResolverConfig tunes element resolution.
type ResolverConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	DefaultTimeout    time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
	HeuristicKeywords []string      `mapstructure:"heuristic_keywords" yaml:"heuristic_keywords"`
	MaxScanCandidates int           `mapstructure:"max_scan_candidates" yaml:"max_scan_candidates"`
}

// WorkflowConfig tunes the action sequencer.
type WorkflowConfig struct {
	// File is an optional YAML workflow definition replacing the built-in one.
	File                  string        `mapstructure:"file" yaml:"file"`
	StartPath             string        `mapstructure:"start_path" yaml:"start_path"`
	DefaultSettle         time.Duration `mapstructure:"default_settle" yaml:"default_settle"`
	DefaultStepTimeout    time.Duration `mapstructure:"default_step_timeout" yaml:"default_step_timeout"`
	TransformPollInterval time.Duration `mapstructure:"transform_poll_interval" yaml:"transform_poll_interval"`
	TransformPollMax      int           `mapstructure:"transform_poll_max" yaml:"transform_poll_max"`
}

// DownloadConfig tunes capture and verification.
type DownloadConfig struct {
	Dir        string        `mapstructure:"dir" yaml:"dir"`
	StagingDir string        `mapstructure:"staging_dir" yaml:"staging_dir"`
	MinBytes   int64         `mapstructure:"min_bytes" yaml:"min_bytes"`
	Format     string        `mapstructure:"format" yaml:"format"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// DiagnosticsConfig controls screenshots.
type DiagnosticsConfig struct {
	Dir            string        `mapstructure:"dir" yaml:"dir"`
	Checkpoints    []string      `mapstructure:"checkpoints" yaml:"checkpoints"`
	CaptureTimeout time.Duration `mapstructure:"capture_timeout" yaml:"capture_timeout"`
}

// AuditConfig locates the append-only run log.
type AuditConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
	// DatabaseURL enables the Postgres mirror when set.
	DatabaseURL string `mapstructure:"database_url" yaml:"database_url"`
}

// BatchConfig bounds multi-run invocations.
type BatchConfig struct {
	Concurrency    int           `mapstructure:"concurrency" yaml:"concurrency"`
	LaunchInterval time.Duration `mapstructure:"launch_interval" yaml:"launch_interval"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "uipilot")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.viewport.width", 1366)
	v.SetDefault("browser.viewport.height", 900)
	v.SetDefault("browser.locale", "en-US")
	v.SetDefault("browser.timezone", "")
	v.SetDefault("browser.launch_timeout", "45s")
	v.SetDefault("browser.close_timeout", "10s")

	// -- Target --
	v.SetDefault("target.base_url", "")
	v.SetDefault("target.auth_markers", []string{"/login", "/signin", "/sign-in", "/auth/"})

	// -- Session --
	v.SetDefault("session.path", "~/.uipilot/session.json")
	v.SetDefault("session.serialize_runs", true)
	v.SetDefault("session.lock_timeout", "10m")

	// -- Resolver --
	v.SetDefault("resolver.poll_interval", "250ms")
	v.SetDefault("resolver.default_timeout", "15s")
	v.SetDefault("resolver.heuristic_keywords", []string{})
	v.SetDefault("resolver.max_scan_candidates", 25)

	// -- Workflow --
	v.SetDefault("workflow.file", "")
	v.SetDefault("workflow.start_path", "/")
	v.SetDefault("workflow.default_settle", "1500ms")
	v.SetDefault("workflow.default_step_timeout", "20s")
	v.SetDefault("workflow.transform_poll_interval", "2s")
	v.SetDefault("workflow.transform_poll_max", 15)

	// -- Download --
	v.SetDefault("download.dir", "./downloads")
	v.SetDefault("download.staging_dir", "")
	v.SetDefault("download.min_bytes", 1024)
	v.SetDefault("download.format", "wav")
	v.SetDefault("download.timeout", "2m")

	// -- Diagnostics --
	v.SetDefault("diagnostics.dir", "./diagnostics")
	v.SetDefault("diagnostics.checkpoints", []string{})
	v.SetDefault("diagnostics.capture_timeout", "10s")

	// -- Audit --
	v.SetDefault("audit.path", "./runs.jsonl")
	v.SetDefault("audit.database_url", "")

	// -- Batch --
	v.SetDefault("batch.concurrency", 1)
	v.SetDefault("batch.launch_interval", "5s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// The connection string usually carries a password, keep it out of files.
	_ = v.BindEnv("audit.database_url", "UIPILOT_AUDIT_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves a leading ~ in every path setting.
func (c *Config) expandPaths() error {
	paths := []*string{
		&c.LoggerCfg.LogFile,
		&c.BrowserCfg.ExecPath,
		&c.SessionCfg.Path,
		&c.WorkflowCfg.File,
		&c.DownloadCfg.Dir,
		&c.DownloadCfg.StagingDir,
		&c.DiagnosticsCfg.Dir,
		&c.AuditCfg.Path,
	}
	for _, p := range paths {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.TargetCfg.BaseURL != "" && c.TargetCfg.Origin() == "" {
		return fmt.Errorf("target.base_url %q must be an absolute URL", c.TargetCfg.BaseURL)
	}
	for _, m := range c.TargetCfg.AuthMarkers {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("target.auth_markers must not contain empty entries")
		}
	}
	if c.BrowserCfg.Viewport.Width <= 0 || c.BrowserCfg.Viewport.Height <= 0 {
		return fmt.Errorf("browser.viewport width and height must be positive")
	}
	positive := map[string]time.Duration{
		"browser.launch_timeout":           c.BrowserCfg.LaunchTimeout,
		"browser.close_timeout":            c.BrowserCfg.CloseTimeout,
		"resolver.poll_interval":           c.ResolverCfg.PollInterval,
		"resolver.default_timeout":         c.ResolverCfg.DefaultTimeout,
		"workflow.default_step_timeout":    c.WorkflowCfg.DefaultStepTimeout,
		"workflow.transform_poll_interval": c.WorkflowCfg.TransformPollInterval,
		"download.timeout":                 c.DownloadCfg.Timeout,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be a positive duration", key)
		}
	}
	if c.WorkflowCfg.DefaultSettle < 0 {
		return fmt.Errorf("workflow.default_settle must not be negative")
	}
	if c.WorkflowCfg.TransformPollMax <= 0 {
		return fmt.Errorf("workflow.transform_poll_max must be a positive integer")
	}
	if c.DownloadCfg.MinBytes < 0 {
		return fmt.Errorf("download.min_bytes must not be negative")
	}
	if c.DownloadCfg.Dir == "" {
		return fmt.Errorf("download.dir is a required configuration field")
	}
	if c.BatchCfg.Concurrency <= 0 {
		return fmt.Errorf("batch.concurrency must be a positive integer")
	}
	if c.BatchCfg.LaunchInterval < 0 {
		return fmt.Errorf("batch.launch_interval must not be negative")
	}
	return nil
}
