// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Network() NetworkConfig
	Replay() ReplayConfig
	Diagnostics() DiagnosticsConfig
	Session() SessionConfig
	Database() DatabaseConfig
	Batch() BatchConfig
	Telemetry() TelemetryConfig
	Executor(name string) (ExecutorConfig, error)
	ExecutorNames() []string

	// Browser Setters
	SetBrowserHeadless(bool)
	SetBrowserDebug(bool)

	// Replay Setters
	SetReplaySeed(int64)
	SetReplaySelection(string)

	// Batch Setters
	SetBatchConcurrency(int)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg      LoggerConfig              `mapstructure:"logger" yaml:"logger"`
	BrowserCfg     BrowserConfig             `mapstructure:"browser" yaml:"browser"`
	NetworkCfg     NetworkConfig             `mapstructure:"network" yaml:"network"`
	ReplayCfg      ReplayConfig              `mapstructure:"replay" yaml:"replay"`
	DiagnosticsCfg DiagnosticsConfig         `mapstructure:"diagnostics" yaml:"diagnostics"`
	SessionCfg     SessionConfig             `mapstructure:"session" yaml:"session"`
	DatabaseCfg    DatabaseConfig            `mapstructure:"database" yaml:"database"`
	BatchCfg       BatchConfig               `mapstructure:"batch" yaml:"batch"`
	TelemetryCfg   TelemetryConfig           `mapstructure:"telemetry" yaml:"telemetry"`
	ExecutorsCfg   map[string]ExecutorConfig `mapstructure:"executors" yaml:"executors"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig           { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig         { return c.BrowserCfg }
func (c *Config) Network() NetworkConfig         { return c.NetworkCfg }
func (c *Config) Replay() ReplayConfig           { return c.ReplayCfg }
func (c *Config) Diagnostics() DiagnosticsConfig { return c.DiagnosticsCfg }
func (c *Config) Session() SessionConfig         { return c.SessionCfg }
func (c *Config) Database() DatabaseConfig       { return c.DatabaseCfg }
func (c *Config) Batch() BatchConfig             { return c.BatchCfg }
func (c *Config) Telemetry() TelemetryConfig     { return c.TelemetryCfg }

// Executor returns the named executor configuration.
func (c *Config) Executor(name string) (ExecutorConfig, error) {
	e, ok := c.ExecutorsCfg[name]
	if !ok {
		return ExecutorConfig{}, fmt.Errorf("unknown executor %q (available: %s)", name, strings.Join(c.ExecutorNames(), ", "))
	}
	e.Name = name
	return e, nil
}

// ExecutorNames lists the configured executors in sorted order.
func (c *Config) ExecutorNames() []string {
	names := make([]string, 0, len(c.ExecutorsCfg))
	for name := range c.ExecutorsCfg {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserHeadless(b bool)   { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserDebug(b bool)      { c.BrowserCfg.Debug = b }
func (c *Config) SetReplaySeed(s int64)       { c.ReplayCfg.Seed = s }
func (c *Config) SetReplaySelection(s string) { c.ReplayCfg.Selection = s }
func (c *Config) SetBatchConcurrency(n int)   { c.BatchCfg.Concurrency = n }

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

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the Chrome instance a replay drives.
type BrowserConfig struct {
	Headless        bool           `mapstructure:"headless" yaml:"headless"`
	DisableCache    bool           `mapstructure:"disable_cache" yaml:"disable_cache"`
	IgnoreTLSErrors bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Debug           bool           `mapstructure:"debug" yaml:"debug"`
	ExecutablePath  string         `mapstructure:"executable_path" yaml:"executable_path"`
	UserDataDir     string         `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	UserAgent       string         `mapstructure:"user_agent" yaml:"user_agent"`
	Args            []string       `mapstructure:"args" yaml:"args"`
	Viewport        map[string]int `mapstructure:"viewport" yaml:"viewport"`
}

// ProxyConfig defines the configuration for an outbound proxy.
type ProxyConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
}

// NetworkConfig tunes page loading.
type NetworkConfig struct {
	NavigationTimeout time.Duration     `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	PostLoadWait      time.Duration     `mapstructure:"post_load_wait" yaml:"post_load_wait"`
	Headers           map[string]string `mapstructure:"headers" yaml:"headers"`
	Proxy             ProxyConfig       `mapstructure:"proxy" yaml:"proxy"`
}

// ReplayConfig tunes the replay engine.
type ReplayConfig struct {
	MaxRetries         int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay         time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	ActionTimeout      time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	WaitBetweenActions time.Duration `mapstructure:"wait_between_actions" yaml:"wait_between_actions"`
	CheckNewElements   bool          `mapstructure:"check_new_elements" yaml:"check_new_elements"`
	// Selection is the default tree selection policy, fixed or random.
	Selection string `mapstructure:"selection" yaml:"selection"`
	// Seed seeds the random policy. Zero seeds from the clock.
	Seed        int64  `mapstructure:"seed" yaml:"seed"`
	Placeholder string `mapstructure:"placeholder" yaml:"placeholder"`
}

// DiagnosticsConfig controls the crash bundle written when a run fails.
type DiagnosticsConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Dir      string `mapstructure:"dir" yaml:"dir"`
	Compress bool   `mapstructure:"compress" yaml:"compress"`
}

// SessionConfig controls login state persistence.
type SessionConfig struct {
	CookiesPath string `mapstructure:"cookies_path" yaml:"cookies_path"`
	SaveCookies bool   `mapstructure:"save_cookies" yaml:"save_cookies"`
}

// DatabaseConfig selects the run journal backend.
type DatabaseConfig struct {
	// Driver is sqlite, postgres or none.
	Driver string `mapstructure:"driver" yaml:"driver"`
	URL    string `mapstructure:"url" yaml:"url"`
}

// BatchConfig bounds parallel batch execution.
type BatchConfig struct {
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
	// LaunchRate is the number of runs started per second. Zero disables pacing.
	LaunchRate  float64 `mapstructure:"launch_rate" yaml:"launch_rate"`
	LaunchBurst int     `mapstructure:"launch_burst" yaml:"launch_burst"`
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"`
}

// ExecutorConfig describes one named executor: a site, a recording and how to
// replay it.
type ExecutorConfig struct {
	Name             string   `mapstructure:"-" yaml:"-"`
	URL              string   `mapstructure:"url" yaml:"url"`
	Recording        string   `mapstructure:"recording" yaml:"recording"`
	Mode             string   `mapstructure:"mode" yaml:"mode"`
	Selection        string   `mapstructure:"selection" yaml:"selection"`
	PromptSuffix     string   `mapstructure:"prompt_suffix" yaml:"prompt_suffix"`
	Placeholder      string   `mapstructure:"placeholder" yaml:"placeholder"`
	AvailableActions []string `mapstructure:"available_actions" yaml:"available_actions"`
}

const (
	defaultUserAgent    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/134.0.0.0 Safari/537.36"
	defaultPromptSuffix = "\nPlease wrap your entire response inside three square brackets like this: [[[your full answer here]]]"
	yuanbaoURL          = "https://yuanbao.tencent.com/chat/naQivTmsDa"
)

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
	v.SetDefault("logger.service_name", "replaydock")
	v.SetDefault("logger.log_file", "log/replaydock.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.disable_cache", false)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.debug", false)
	v.SetDefault("browser.user_data_dir", "chrome_data")
	v.SetDefault("browser.user_agent", defaultUserAgent)
	v.SetDefault("browser.viewport.width", 1280)
	v.SetDefault("browser.viewport.height", 1100)

	// -- Network --
	v.SetDefault("network.navigation_timeout", "60s")
	v.SetDefault("network.post_load_wait", "1s")
	v.SetDefault("network.proxy.enabled", false)

	// -- Replay --
	v.SetDefault("replay.max_retries", 3)
	v.SetDefault("replay.retry_delay", "1s")
	v.SetDefault("replay.action_timeout", "120s")
	v.SetDefault("replay.wait_between_actions", "500ms")
	v.SetDefault("replay.check_new_elements", true)
	v.SetDefault("replay.selection", "fixed")
	v.SetDefault("replay.seed", 0)
	v.SetDefault("replay.placeholder", "<PLACEHOLDER>")

	// -- Diagnostics --
	v.SetDefault("diagnostics.enabled", true)
	v.SetDefault("diagnostics.dir", "log")
	v.SetDefault("diagnostics.compress", true)

	// -- Session --
	v.SetDefault("session.cookies_path", "cookies.json")
	v.SetDefault("session.save_cookies", true)

	// -- Database --
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.url", "~/.replaydock/runs.db")

	// -- Batch --
	v.SetDefault("batch.concurrency", 2)
	v.SetDefault("batch.launch_rate", 0.5)
	v.SetDefault("batch.launch_burst", 1)

	// -- Telemetry --
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4318")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.sample_ratio", 1.0)

	// -- Executors --
	setExecutorDefaults(v, "yuanbao", "tree", "recordings/yuanbao_tree_history.json")
	setExecutorDefaults(v, "yuanbao-list", "list", "recordings/yuanbao_list_history.json")
}

func setExecutorDefaults(v *viper.Viper, name, mode, recording string) {
	prefix := "executors." + name + "."
	v.SetDefault(prefix+"url", yuanbaoURL)
	v.SetDefault(prefix+"recording", recording)
	v.SetDefault(prefix+"mode", mode)
	v.SetDefault(prefix+"prompt_suffix", defaultPromptSuffix)
	v.SetDefault(prefix+"available_actions", []string{"wait_message"})
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Legacy variable names are honoured after the prefixed ones.
	_ = v.BindEnv("session.cookies_path", "REPLAYDOCK_SESSION_COOKIES_PATH", "COOKIES_JSON_PATH")
	_ = v.BindEnv("browser.user_data_dir", "REPLAYDOCK_BROWSER_USER_DATA_DIR", "CHROME_USER_DATA_PATH")
	_ = v.BindEnv("database.url", "REPLAYDOCK_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.DatabaseCfg.Driver == "postgres" && cfg.DatabaseCfg.URL == "" {
		cfg.DatabaseCfg.URL = os.Getenv("DATABASE_URL")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.ReplayCfg.Validate(); err != nil {
		return fmt.Errorf("replay configuration invalid: %w", err)
	}
	if c.BatchCfg.Concurrency <= 0 {
		return fmt.Errorf("batch.concurrency must be a positive integer")
	}
	if c.BatchCfg.LaunchRate < 0 {
		return fmt.Errorf("batch.launch_rate must not be negative")
	}
	switch c.DatabaseCfg.Driver {
	case "sqlite", "postgres":
		if c.DatabaseCfg.URL == "" {
			return fmt.Errorf("database.url is required for driver %q", c.DatabaseCfg.Driver)
		}
	case "none", "":
	default:
		return fmt.Errorf("database.driver must be sqlite, postgres or none, got %q", c.DatabaseCfg.Driver)
	}
	if c.TelemetryCfg.Enabled && (c.TelemetryCfg.SampleRatio < 0 || c.TelemetryCfg.SampleRatio > 1) {
		return fmt.Errorf("telemetry.sample_ratio must be between 0.0 and 1.0")
	}
	for _, name := range c.ExecutorNames() {
		if err := c.ExecutorsCfg[name].Validate(); err != nil {
			return fmt.Errorf("executors.%s: %w", name, err)
		}
	}
	return nil
}

// Validate checks the replay settings.
func (r *ReplayConfig) Validate() error {
	if r.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1")
	}
	if r.RetryDelay < 0 || r.ActionTimeout < 0 || r.WaitBetweenActions < 0 {
		return fmt.Errorf("delays and timeouts must not be negative")
	}
	return validateSelection(r.Selection)
}

// Validate checks one executor definition.
func (e ExecutorConfig) Validate() error {
	if e.URL == "" {
		return fmt.Errorf("url is required")
	}
	if e.Recording == "" {
		return fmt.Errorf("recording is required")
	}
	switch e.Mode {
	case "", "auto", "list", "tree":
	default:
		return fmt.Errorf("mode must be auto, list or tree, got %q", e.Mode)
	}
	return validateSelection(e.Selection)
}

func validateSelection(s string) error {
	switch strings.ToLower(s) {
	case "", "fixed", "random":
		return nil
	}
	return fmt.Errorf("selection must be fixed or random, got %q", s)
}
