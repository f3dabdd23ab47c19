// Package config loads the launcher configuration from an optional TOML file
// with DESKLAUNCH_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/desklaunch/internal/health"
	"github.com/loykin/desklaunch/internal/history/factory"
	"github.com/loykin/desklaunch/internal/logger"
	"github.com/loykin/desklaunch/internal/process"
	"github.com/loykin/desklaunch/internal/startup"
	"github.com/loykin/desklaunch/internal/ui"
)

// EnvPrefix prefixes environment overrides, e.g. DESKLAUNCH_HEALTH_URL.
const EnvPrefix = "DESKLAUNCH"

// DefaultFileName is searched in the working directory when no path is given.
const DefaultFileName = "desklaunch.toml"

// Config is the top-level TOML structure.
type Config struct {
	AppName  string         `toml:"app_name" mapstructure:"app_name"`
	AppDir   string         `toml:"app_dir" mapstructure:"app_dir"`
	StateDir string         `toml:"state_dir" mapstructure:"state_dir"`
	Backend  BackendConfig  `toml:"backend" mapstructure:"backend"`
	Health   health.Config  `toml:"health" mapstructure:"health"`
	Startup  StartupConfig  `toml:"startup" mapstructure:"startup"`
	Frontend FrontendConfig `toml:"frontend" mapstructure:"frontend"`
	Server   ServerConfig   `toml:"server" mapstructure:"server"`
	UI       UIConfig       `toml:"ui" mapstructure:"ui"`
	Log      logger.Config  `toml:"log" mapstructure:"log"`
	History  HistoryConfig  `toml:"history" mapstructure:"history"`
	Metrics  MetricsConfig  `toml:"metrics" mapstructure:"metrics"`

	// File is the config file that was read, empty when none was found.
	File string `toml:"-" mapstructure:"-"`
}

// BackendConfig is the backend spec plus env files merged into its env.
type BackendConfig struct {
	process.Spec `mapstructure:",squash"`
	EnvFiles     []string `toml:"env_files" mapstructure:"env_files"`
}

type StartupConfig struct {
	MaxRetries   int           `toml:"max_retries" mapstructure:"max_retries"`
	RetryBackoff time.Duration `toml:"retry_backoff" mapstructure:"retry_backoff"`
	SettleDelay  time.Duration `toml:"settle_delay" mapstructure:"settle_delay"`
	ErrorPageDir string        `toml:"error_page_dir" mapstructure:"error_page_dir"`
}

type FrontendConfig struct {
	Candidates []string `toml:"candidates" mapstructure:"candidates"`
	Index      string   `toml:"index" mapstructure:"index"`
}

type ServerConfig struct {
	Host          string `toml:"host" mapstructure:"host"`
	Port          int    `toml:"port" mapstructure:"port"` // 0 lets the OS choose
	Control       bool   `toml:"control" mapstructure:"control"`
	ControlPrefix string `toml:"control_prefix" mapstructure:"control_prefix"`
}

type UIConfig struct {
	Kind ui.Kind `toml:"kind" mapstructure:"kind"`
}

type HistoryConfig struct {
	Enabled bool     `toml:"enabled" mapstructure:"enabled"`
	Sinks   []string `toml:"sinks" mapstructure:"sinks"` // DSNs, see factory.ParseDSN
}

type MetricsConfig struct {
	Enabled        bool          `toml:"enabled" mapstructure:"enabled"`
	SampleInterval time.Duration `toml:"sample_interval" mapstructure:"sample_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "desklaunch")
	v.SetDefault("app_dir", "")
	v.SetDefault("state_dir", "")

	v.SetDefault("backend.name", "")
	v.SetDefault("backend.executable", "")
	v.SetDefault("backend.args", []string{})
	v.SetDefault("backend.workdir", "")
	v.SetDefault("backend.image", "")
	v.SetDefault("backend.launch_mode", string(process.LaunchAuto))
	v.SetDefault("backend.stop_grace", process.DefaultStopGrace.String())

	v.SetDefault("health.url", health.DefaultURL)
	v.SetDefault("health.attempts", health.DefaultAttempts)
	v.SetDefault("health.interval", health.DefaultInterval.String())
	v.SetDefault("health.log_every", health.DefaultLogEvery)
	v.SetDefault("health.sentinel", health.DefaultSentinel)

	v.SetDefault("startup.max_retries", startup.MaxStartupRetries)
	v.SetDefault("startup.retry_backoff", startup.DefaultRetryBackoff.String())
	v.SetDefault("startup.settle_delay", time.Second.String())
	v.SetDefault("startup.error_page_dir", "")

	v.SetDefault("frontend.candidates", startup.DefaultCandidates)
	v.SetDefault("frontend.index", "index.html")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 0)
	v.SetDefault("server.control", true)
	v.SetDefault("server.control_prefix", "/_launcher")

	v.SetDefault("ui.kind", string(ui.KindBrowser))

	v.SetDefault("log.slog.level", "info")
	v.SetDefault("log.slog.format", string(logger.FormatText))
	v.SetDefault("log.slog.color", false)
	v.SetDefault("log.slog.path", "")

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.sinks", []string{})

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.sample_interval", "5s")
}

// New returns a viper instance with defaults and env overrides but no file.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Read loads path into v. An empty path searches DefaultFileName in the
// working directory and tolerates its absence; an explicit path must exist.
func Read(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}
	v.SetConfigName(strings.TrimSuffix(DefaultFileName, filepath.Ext(DefaultFileName)))
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if errors.As(err, &nf) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Load reads, decodes, resolves paths and validates the configuration.
func Load(path string) (*Config, error) {
	v := New()
	if err := Read(v, path); err != nil {
		return nil, err
	}
	return Decode(v)
}

// Decode turns a populated viper instance into a resolved, validated Config.
func Decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.File = v.ConfigFileUsed()
	if err := c.resolve(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

var executableDir = func() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Dir(exe), nil
}

// resolve anchors relative paths: app_dir on the launcher executable,
// backend paths on app_dir, state_dir on the user cache dir.
func (c *Config) resolve() error {
	if c.AppDir == "" {
		dir, err := executableDir()
		if err != nil {
			return fmt.Errorf("resolve app_dir: %w", err)
		}
		c.AppDir = dir
	}
	c.AppDir = filepath.Clean(c.AppDir)
	if exe := c.Backend.Executable; exe != "" && !filepath.IsAbs(exe) {
		c.Backend.Executable = filepath.Join(c.AppDir, exe)
	}
	switch wd := c.Backend.WorkDir; {
	case wd == "" && c.Backend.Executable != "":
		c.Backend.WorkDir = filepath.Dir(c.Backend.Executable)
	case wd != "" && !filepath.IsAbs(wd):
		c.Backend.WorkDir = filepath.Join(c.AppDir, wd)
	}
	for i, p := range c.Backend.EnvFiles {
		if !filepath.IsAbs(p) {
			c.Backend.EnvFiles[i] = filepath.Join(c.AppDir, p)
		}
	}
	if c.StateDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			base = os.TempDir()
		}
		c.StateDir = filepath.Join(base, startup.FileName(c.AppName))
	}
	return nil
}

// Validate checks value ranges and cross-field constraints.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.AppName) == "" {
		return errors.New("app_name is required")
	}
	if strings.ContainsAny(c.AppName, `/\`) {
		return fmt.Errorf("app_name %q must not contain path separators", c.AppName)
	}
	if err := c.Backend.Validate(); err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	if c.Health.Attempts < 1 {
		return fmt.Errorf("health.attempts must be at least 1, got %d", c.Health.Attempts)
	}
	if c.Health.Interval <= 0 {
		return errors.New("health.interval must be positive")
	}
	if !strings.HasPrefix(c.Health.URL, "http://") && !strings.HasPrefix(c.Health.URL, "https://") {
		return fmt.Errorf("health.url %q must be an http(s) URL", c.Health.URL)
	}
	if c.Startup.MaxRetries < 0 {
		return fmt.Errorf("startup.max_retries cannot be negative")
	}
	if c.Startup.RetryBackoff < 0 || c.Startup.SettleDelay < 0 {
		return errors.New("startup delays cannot be negative")
	}
	if len(c.Frontend.Candidates) == 0 {
		return errors.New("frontend.candidates must list at least one directory")
	}
	if c.Frontend.Index == "" || strings.ContainsAny(c.Frontend.Index, `/\`) {
		return fmt.Errorf("frontend.index %q must be a plain file name", c.Frontend.Index)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.UI.Kind {
	case ui.KindBrowser, ui.KindHeadless:
	default:
		return fmt.Errorf("invalid ui.kind %q, must be one of: browser, headless", c.UI.Kind)
	}
	if _, err := logger.ParseLevel(c.Log.Slog.Level); err != nil {
		return fmt.Errorf("log.slog.level: %w", err)
	}
	switch c.Log.Slog.Format {
	case logger.FormatText, logger.FormatJSON:
	default:
		return fmt.Errorf("invalid log.slog.format %q, must be one of: text, json", c.Log.Slog.Format)
	}
	if c.History.Enabled {
		if len(c.History.Sinks) == 0 {
			return errors.New("history.enabled requires at least one entry in history.sinks")
		}
		for _, dsn := range c.History.Sinks {
			if _, err := factory.ParseDSN(dsn); err != nil {
				return fmt.Errorf("history.sinks: %w", err)
			}
		}
	}
	if c.Metrics.SampleInterval < 0 {
		return errors.New("metrics.sample_interval cannot be negative")
	}
	return nil
}

// BackendSpec returns the spawn spec with env files merged in front of the
// inline env, so inline entries win.
func (c *Config) BackendSpec() (process.Spec, error) {
	spec := c.Backend.Spec
	if len(c.Backend.EnvFiles) == 0 {
		return spec, nil
	}
	env := make([]string, 0, len(spec.Env))
	for _, p := range c.Backend.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return process.Spec{}, fmt.Errorf("backend env file %s: %w", p, err)
		}
		env = append(env, pairs...)
	}
	spec.Env = append(env, spec.Env...)
	return spec, nil
}

// OrchestratorConfig maps the startup settings. A configured max_retries of 0
// disables retries.
func (c *Config) OrchestratorConfig() startup.Config {
	retries := c.Startup.MaxRetries
	if retries == 0 {
		retries = -1
	}
	return startup.Config{
		AppName:      c.AppName,
		AppDir:       c.AppDir,
		Candidates:   c.Frontend.Candidates,
		Index:        c.Frontend.Index,
		MaxRetries:   retries,
		RetryBackoff: c.Startup.RetryBackoff,
		ErrorPageDir: c.Startup.ErrorPageDir,
	}
}

// SessionFile is where a running launcher records how to reach it.
func (c *Config) SessionFile() string { return filepath.Join(c.StateDir, "session.json") }

// LoadEnvFile parses a .env file into KEY=VALUE entries in file order.
// Lines starting with # and lines without '=' are ignored.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			out = append(out, strings.TrimSpace(line[:i])+"="+strings.TrimSpace(line[i+1:]))
		}
	}
	return out, nil
}
