package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	CookieSecure bool   `mapstructure:"cookie_secure"`
	AdminToken   string `mapstructure:"admin_token"`
}

type SessionConfig struct {
	CookieName string `mapstructure:"cookie_name"`
	HashKey    string `mapstructure:"hash_key"`
	BlockKey   string `mapstructure:"block_key"`
}

type SandboxConfig struct {
	Lifetime       time.Duration `mapstructure:"lifetime"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	CreateTimeout  time.Duration `mapstructure:"create_timeout"`
	ReadyTimeout   time.Duration `mapstructure:"ready_timeout"`
	DeleteTimeout  time.Duration `mapstructure:"delete_timeout"`
	ExecTimeout    time.Duration `mapstructure:"exec_timeout"`
	ListTimeout    time.Duration `mapstructure:"list_timeout"`
	AdoptOrphans   bool          `mapstructure:"adopt_orphans"`
	MaxParallel    int           `mapstructure:"max_parallel_deletes"`
	MaxOutputBytes int           `mapstructure:"max_output_bytes"`
}

type DriverConfig struct {
	KindBinary    string   `mapstructure:"kind_binary"`
	KubectlBinary string   `mapstructure:"kubectl_binary"`
	NodeImage     string   `mapstructure:"node_image"`
	AllowedImages []string `mapstructure:"allowed_images"`
	Workers       int      `mapstructure:"workers"`
	KubeconfigDir string   `mapstructure:"kubeconfig_dir"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ClientConfig struct {
	ServerURL string `mapstructure:"server_url"`
}

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Session SessionConfig `mapstructure:"session"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Driver  DriverConfig  `mapstructure:"driver"`
	Storage StorageConfig `mapstructure:"storage"`
	Log     LogConfig     `mapstructure:"log"`
	Client  ClientConfig  `mapstructure:"client"`
}

// Load reads kubebox.yaml from the working directory or $HOME/.kubebox.
// A missing file is fine; defaults and KUBEBOX_* variables still apply.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("kubebox")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.kubebox")
	return load(v)
}

// LoadFile reads the config from an explicit path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("KUBEBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Expand environment variables in secrets
	cfg.Server.AdminToken = expandEnv(cfg.Server.AdminToken)
	cfg.Session.HashKey = expandEnv(cfg.Session.HashKey)
	cfg.Session.BlockKey = expandEnv(cfg.Session.BlockKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cookie_secure", false)
	v.SetDefault("server.admin_token", "")

	v.SetDefault("session.cookie_name", "kubebox_session")
	v.SetDefault("session.hash_key", "")
	v.SetDefault("session.block_key", "")

	v.SetDefault("sandbox.lifetime", time.Hour)
	v.SetDefault("sandbox.sweep_interval", time.Minute)
	v.SetDefault("sandbox.create_timeout", 5*time.Minute)
	v.SetDefault("sandbox.ready_timeout", 3*time.Minute)
	v.SetDefault("sandbox.delete_timeout", 2*time.Minute)
	v.SetDefault("sandbox.exec_timeout", time.Minute)
	v.SetDefault("sandbox.list_timeout", 30*time.Second)
	v.SetDefault("sandbox.adopt_orphans", false)
	v.SetDefault("sandbox.max_parallel_deletes", 4)
	v.SetDefault("sandbox.max_output_bytes", 1<<20)

	v.SetDefault("driver.kind_binary", "kind")
	v.SetDefault("driver.kubectl_binary", "kubectl")
	v.SetDefault("driver.node_image", "")
	v.SetDefault("driver.allowed_images", []string{})
	v.SetDefault("driver.workers", 0)
	v.SetDefault("driver.kubeconfig_dir", filepath.Join(os.Getenv("HOME"), ".kubebox", "kubeconfigs"))

	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".kubebox", "kubebox.db"))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("client.server_url", "http://localhost:8080")
}

// Validate checks values viper cannot type-check on its own.
func (c *Config) Validate() error {
	if c.Sandbox.Lifetime <= 0 {
		return fmt.Errorf("sandbox.lifetime must be positive, got %s", c.Sandbox.Lifetime)
	}
	if c.Sandbox.SweepInterval <= 0 {
		return fmt.Errorf("sandbox.sweep_interval must be positive, got %s", c.Sandbox.SweepInterval)
	}
	if c.Driver.Workers < 0 {
		return fmt.Errorf("driver.workers must not be negative, got %d", c.Driver.Workers)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if n := len(c.Session.BlockKey); n != 0 && n != 16 && n != 24 && n != 32 {
		return fmt.Errorf("session.block_key must be 16, 24 or 32 bytes, got %d", n)
	}
	return nil
}

func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	return s
}
