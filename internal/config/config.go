// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Fixer() FixerConfig
	Breaker() BreakerConfig
	Validator() ValidatorConfig
	Agent() AgentConfig
	Watcher() WatcherConfig
	Database() DatabaseConfig

	SetFixerEnabled(bool)
	SetFixerWorkDir(string)
	SetFixerPlanReview(bool)
	SetWatcherLogPath(string)

	// EnsureWorkDir resolves the fixer work directory to an absolute path,
	// creates it if needed, and updates the configuration to the resolved path.
	EnsureWorkDir() (string, error)
}

// Config holds the entire application configuration. Fields are exported so
// viper can unmarshal the whole document in one pass; access goes through the
// Interface getters.
type Config struct {
	LoggerCfg    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	FixerCfg     FixerConfig     `mapstructure:"fixer" yaml:"fixer"`
	BreakerCfg   BreakerConfig   `mapstructure:"breaker" yaml:"breaker"`
	ValidatorCfg ValidatorConfig `mapstructure:"validator" yaml:"validator"`
	AgentCfg     AgentConfig     `mapstructure:"agent" yaml:"agent"`
	WatcherCfg   WatcherConfig   `mapstructure:"watcher" yaml:"watcher"`
	DatabaseCfg  DatabaseConfig  `mapstructure:"database" yaml:"database"`
}

func (c *Config) Logger() LoggerConfig       { return c.LoggerCfg }
func (c *Config) Fixer() FixerConfig         { return c.FixerCfg }
func (c *Config) Breaker() BreakerConfig     { return c.BreakerCfg }
func (c *Config) Validator() ValidatorConfig { return c.ValidatorCfg }
func (c *Config) Agent() AgentConfig         { return c.AgentCfg }
func (c *Config) Watcher() WatcherConfig     { return c.WatcherCfg }
func (c *Config) Database() DatabaseConfig   { return c.DatabaseCfg }

func (c *Config) SetFixerEnabled(b bool)     { c.FixerCfg.Enabled = b }
func (c *Config) SetFixerWorkDir(d string)   { c.FixerCfg.WorkDir = d }
func (c *Config) SetFixerPlanReview(b bool)  { c.FixerCfg.PlanReview = b }
func (c *Config) SetWatcherLogPath(p string) { c.WatcherCfg.LogPath = p }

// LoggerConfig controls zap output.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "console" or "json"
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// FixerConfig holds settings for the self-healing remediation core.
type FixerConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// WorkDir is the per-project directory holding persisted fixer state
	// (circuit breaker document, learned fixes, security log).
	WorkDir            string `mapstructure:"work_dir" yaml:"work_dir"`
	ProjectRoot        string `mapstructure:"project_root" yaml:"project_root"`
	MaxAttemptsPerErr  int    `mapstructure:"max_attempts_per_error" yaml:"max_attempts_per_error"`
	MaxSessionAttempts int    `mapstructure:"max_session_attempts" yaml:"max_session_attempts"`
	MaxCustomFixes     int    `mapstructure:"max_custom_fixes" yaml:"max_custom_fixes"`
	// PlanReview gates the optional external-agent review of a plan before
	// it is applied.
	PlanReview bool `mapstructure:"plan_review" yaml:"plan_review"`
	// ReviewAgent selects the model tier used for plan review: "fast" or
	// "powerful".
	ReviewAgent    string        `mapstructure:"review_agent" yaml:"review_agent"`
	MinSuccessRate float64       `mapstructure:"min_success_rate" yaml:"min_success_rate"`
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
	TestRunTimeout time.Duration `mapstructure:"test_run_timeout" yaml:"test_run_timeout"`
	HistoryInDB    bool          `mapstructure:"history_in_db" yaml:"history_in_db"`
}

// BreakerConfig tunes the failure-storm guard.
type BreakerConfig struct {
	FailureThreshold         int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	ResetTimeout             time.Duration `mapstructure:"reset_timeout" yaml:"reset_timeout"`
	HalfOpenSuccessThreshold int           `mapstructure:"half_open_success_threshold" yaml:"half_open_success_threshold"`
}

// ValidatorConfig bounds the scope of any single fix.
type ValidatorConfig struct {
	MaxFilesPerFix    int  `mapstructure:"max_files_per_fix" yaml:"max_files_per_fix"`
	MaxCommandsPerFix int  `mapstructure:"max_commands_per_fix" yaml:"max_commands_per_fix"`
	RunTests          bool `mapstructure:"run_tests" yaml:"run_tests"`
}

// AgentProvider identifies the backing implementation of the agent capability.
type AgentProvider string

const (
	ProviderGemini AgentProvider = "gemini"
)

// AgentModelConfig defines the configuration for a single agent model.
type AgentModelConfig struct {
	Provider    AgentProvider `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// AgentConfig configures the outbound coding-agent capability.
type AgentConfig struct {
	FastModel     AgentModelConfig `mapstructure:"fast_model" yaml:"fast_model"`
	PowerfulModel AgentModelConfig `mapstructure:"powerful_model" yaml:"powerful_model"`
	// RequestsPerMinute caps outbound agent calls across both tiers.
	RequestsPerMinute float64       `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	DiagnosisTimeout  time.Duration `mapstructure:"diagnosis_timeout" yaml:"diagnosis_timeout"`
	ReviewTimeout     time.Duration `mapstructure:"review_timeout" yaml:"review_timeout"`
}

// WatcherConfig configures the log-tailing failure watcher.
type WatcherConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	LogPath  string        `mapstructure:"log_path" yaml:"log_path"`
	Cooldown time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	// Source is recorded on every error the watcher synthesizes.
	Source string `mapstructure:"source" yaml:"source"`
}

// DatabaseConfig configures the optional Postgres attempt-history store.
type DatabaseConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	DBName   string `mapstructure:"dbname" yaml:"dbname"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
}

// DSN renders the pgx connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

// NewDefaultConfig creates a configuration populated with defaults only.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with defaults alone.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "mend")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Fixer --
	v.SetDefault("fixer.enabled", true)
	v.SetDefault("fixer.work_dir", ".mend")
	v.SetDefault("fixer.project_root", ".")
	v.SetDefault("fixer.max_attempts_per_error", 3)
	v.SetDefault("fixer.max_session_attempts", 10)
	v.SetDefault("fixer.max_custom_fixes", 100)
	v.SetDefault("fixer.plan_review", false)
	v.SetDefault("fixer.review_agent", "fast")
	v.SetDefault("fixer.min_success_rate", 0.6)
	v.SetDefault("fixer.command_timeout", "2m")
	v.SetDefault("fixer.test_run_timeout", "5m")
	v.SetDefault("fixer.history_in_db", false)

	// -- Circuit breaker --
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", "5m")
	v.SetDefault("breaker.half_open_success_threshold", 2)

	// -- Validator --
	v.SetDefault("validator.max_files_per_fix", 5)
	v.SetDefault("validator.max_commands_per_fix", 3)
	v.SetDefault("validator.run_tests", false)

	// -- Agent --
	v.SetDefault("agent.fast_model.provider", "gemini")
	v.SetDefault("agent.fast_model.model", "gemini-2.5-flash")
	v.SetDefault("agent.fast_model.api_timeout", "1m")
	v.SetDefault("agent.fast_model.temperature", 0.1)
	v.SetDefault("agent.powerful_model.provider", "gemini")
	v.SetDefault("agent.powerful_model.model", "gemini-2.5-pro")
	v.SetDefault("agent.powerful_model.api_timeout", "3m")
	v.SetDefault("agent.powerful_model.temperature", 0.1)
	v.SetDefault("agent.requests_per_minute", 30.0)
	v.SetDefault("agent.diagnosis_timeout", "90s")
	v.SetDefault("agent.review_timeout", "60s")

	// -- Watcher --
	v.SetDefault("watcher.enabled", false)
	v.SetDefault("watcher.log_path", "")
	v.SetDefault("watcher.cooldown", "60s")
	v.SetDefault("watcher.source", "watcher")

	// -- Database --
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "mend")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "mend")
	v.SetDefault("database.sslmode", "disable")
}

// Load reads configuration from the given file (optional), environment
// variables prefixed with MEND_, and defaults, in increasing precedence of
// file < env.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("MEND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		expanded, err := homedir.Expand(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to expand config path %q: %w", configFile, err)
		}
		v.SetConfigFile(expanded)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", expanded, err)
		}
	} else {
		v.SetConfigName("mend")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "mend"))
		}
		if err := v.ReadInConfig(); err != nil {
			// A missing config file is fine; anything else is not.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	// A single whole-document Unmarshal merges defaults, file and env
	// layers key by key, so a file that overrides part of a section keeps
	// the defaults for the keys it does not mention.
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.FixerCfg.MaxAttemptsPerErr < 1 {
		return fmt.Errorf("fixer.max_attempts_per_error must be >= 1, got %d", c.FixerCfg.MaxAttemptsPerErr)
	}
	if c.BreakerCfg.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be >= 1, got %d", c.BreakerCfg.FailureThreshold)
	}
	if c.BreakerCfg.HalfOpenSuccessThreshold < 1 {
		return fmt.Errorf("breaker.half_open_success_threshold must be >= 1, got %d", c.BreakerCfg.HalfOpenSuccessThreshold)
	}
	if c.ValidatorCfg.MaxFilesPerFix < 1 || c.ValidatorCfg.MaxCommandsPerFix < 1 {
		return fmt.Errorf("validator scope limits must be >= 1")
	}
	if c.FixerCfg.WorkDir == "" {
		return fmt.Errorf("fixer.work_dir must not be empty")
	}
	return nil
}

// EnsureWorkDir creates the fixer state directory if it does not exist and
// returns its absolute path.
func (c *Config) EnsureWorkDir() (string, error) {
	dir, err := filepath.Abs(c.FixerCfg.WorkDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve work dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create work dir %q: %w", dir, err)
	}
	c.FixerCfg.WorkDir = dir
	return dir, nil
}
