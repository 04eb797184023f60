// Package config loads coordinator settings from defaults, an optional
// coord.yaml, COORD_* environment variables and bound CLI flags.
package config

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	coorderr "github.com/fentz26/agent-coordinator/internal/errors"
	"github.com/fentz26/agent-coordinator/internal/workqueue"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. COORD_STORE_URL.
const EnvPrefix = "COORD"

// MaxLockTTL bounds lock.default_ttl.
const MaxLockTTL = 24 * time.Hour

// Config represents the complete coordinator configuration.
type Config struct {
	Store   StoreConfig   `mapstructure:"store"`
	Service ServiceConfig `mapstructure:"service"`
	Lock    LockConfig    `mapstructure:"lock"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Policy  PolicyConfig  `mapstructure:"policy"`
	Queue   QueueConfig   `mapstructure:"queue"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Log     LogConfig     `mapstructure:"log"`
	Worker  WorkerConfig  `mapstructure:"worker"`
}

// StoreConfig selects the persistent store.
type StoreConfig struct {
	// URL is sqlite://path, :memory:, or postgres://...
	URL string `mapstructure:"url"`
}

// ServiceConfig holds the credential callers present to the daemon.
type ServiceConfig struct {
	Credential string `mapstructure:"credential"`
}

type LockConfig struct {
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
}

// AgentConfig identifies this process when it acts as a caller.
type AgentConfig struct {
	ID string `mapstructure:"id"`
}

type PolicyConfig struct {
	// File is an optional YAML policy. Empty means the built-in default.
	File string `mapstructure:"file"`
}

type QueueConfig struct {
	CancelPolicy string `mapstructure:"cancel_policy"`
}

type HTTPConfig struct {
	Listen string `mapstructure:"listen"`
	// URL is where CLI subcommands reach the daemon.
	URL string `mapstructure:"url"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// WorkerConfig tunes the polling worker.
type WorkerConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
	// AllowedCommands extends the executor's allowlist.
	AllowedCommands []string `mapstructure:"allowed_commands"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Store:  StoreConfig{URL: "sqlite://~/.coord/coord.db"},
		Lock:   LockConfig{DefaultTTL: 5 * time.Minute},
		Agent:  AgentConfig{ID: defaultAgentID()},
		Queue:  QueueConfig{CancelPolicy: string(workqueue.CancelCascade)},
		HTTP:   HTTPConfig{Listen: "127.0.0.1:7466", URL: "http://127.0.0.1:7466"},
		Log:    LogConfig{Level: "info", Format: "console"},
		Worker: WorkerConfig{Concurrency: 2, PollInterval: time.Second, MaxBackoff: 30 * time.Second},
	}
}

func defaultAgentID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return "cli@" + host
}

// SetDefaults registers every key on v so env overrides and Unmarshal see
// them even without a config file.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("store.url", d.Store.URL)
	v.SetDefault("service.credential", d.Service.Credential)
	v.SetDefault("lock.default_ttl", d.Lock.DefaultTTL)
	v.SetDefault("agent.id", d.Agent.ID)
	v.SetDefault("policy.file", d.Policy.File)
	v.SetDefault("queue.cancel_policy", d.Queue.CancelPolicy)
	v.SetDefault("http.listen", d.HTTP.Listen)
	v.SetDefault("http.url", d.HTTP.URL)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("worker.concurrency", d.Worker.Concurrency)
	v.SetDefault("worker.poll_interval", d.Worker.PollInterval)
	v.SetDefault("worker.max_backoff", d.Worker.MaxBackoff)
	v.SetDefault("worker.allowed_commands", []string{})
}

// NewViper returns a viper instance with defaults, environment binding and
// the config file search path set. file overrides the search when non-empty.
func NewViper(file string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("coord")
		v.SetConfigType("yaml")
		v.AddConfigPath(Dir())
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".coord"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	// COORD_LOCK_DEFAULT_TTL for lock.default_ttl
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Read loads the config file into v. A missing file is not an error unless
// it was named explicitly.
func Read(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return coorderr.Wrap(coorderr.KindConfig, "read config", err)
	}
	return nil
}

// Load unmarshals and validates v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, coorderr.Wrap(coorderr.KindConfig, "load config", err)
	}
	cfg.Store.URL = strings.TrimSpace(cfg.Store.URL)
	cfg.Agent.ID = strings.TrimSpace(cfg.Agent.ID)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first missing or out-of-range setting.
func (c *Config) Validate() error {
	fail := func(format string, args ...any) error {
		return coorderr.E(coorderr.KindConfig, "validate config", format, args...)
	}

	if c.Store.URL == "" {
		return fail("store.url is required")
	}
	if c.Lock.DefaultTTL <= 0 || c.Lock.DefaultTTL > MaxLockTTL {
		return fail("lock.default_ttl must be in (0, %s], got %s", MaxLockTTL, c.Lock.DefaultTTL)
	}
	if c.Agent.ID == "" {
		return fail("agent.id is required")
	}
	if _, err := workqueue.ParseCancelPolicy(c.Queue.CancelPolicy); err != nil {
		return err
	}
	if c.HTTP.Listen == "" {
		return fail("http.listen is required")
	}
	if _, _, err := net.SplitHostPort(c.HTTP.Listen); err != nil {
		return fail("http.listen %q: %v", c.HTTP.Listen, err)
	}
	if !IsLoopback(c.HTTP.Listen) && c.Service.Credential == "" {
		return fail("service.credential is required when http.listen (%s) is not loopback", c.HTTP.Listen)
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fail("log.format must be console or json, got %q", c.Log.Format)
	}
	if c.Worker.Concurrency < 1 {
		return fail("worker.concurrency must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.PollInterval <= 0 || c.Worker.MaxBackoff < c.Worker.PollInterval {
		return fail("worker.max_backoff (%s) must be at least worker.poll_interval (%s) and both positive",
			c.Worker.MaxBackoff, c.Worker.PollInterval)
	}
	return nil
}

// IsLoopback reports whether a listen address only accepts local connections.
func IsLoopback(listen string) bool {
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Dir returns the coordinator's config directory.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "coord")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".coord"
	}
	return filepath.Join(home, ".config", "coord")
}
