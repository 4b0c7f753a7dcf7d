// Package config loads ppewatch settings. PPEWATCH_* environment variables
// override the YAML file, which overrides the built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Cameras   []CameraConfig  `mapstructure:"cameras"`
	Detector  DetectorConfig  `mapstructure:"detector"`
	Caption   CaptionConfig   `mapstructure:"caption"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"`
	Store     StoreConfig     `mapstructure:"store"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Retention RetentionConfig `mapstructure:"retention"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// PublicURL prefixes signed blob links handed to clients
	PublicURL       string        `mapstructure:"public_url"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Debug           bool          `mapstructure:"debug"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type PipelineConfig struct {
	Cooldown       time.Duration `mapstructure:"cooldown"`
	QueueSize      int           `mapstructure:"queue_size"`
	CaptionTimeout time.Duration `mapstructure:"caption_timeout"`
	StoreTimeout   time.Duration `mapstructure:"store_timeout"`
	RulesFile      string        `mapstructure:"rules_file"`
}

type CameraConfig struct {
	ID   string  `mapstructure:"id"`
	Type string  `mapstructure:"type"` // snapshot, mjpeg or directory
	URL  string  `mapstructure:"url"`
	Dir  string  `mapstructure:"dir"`
	FPS  float64 `mapstructure:"fps"`
	Loop bool    `mapstructure:"loop"`
}

type DetectorConfig struct {
	Endpoint            string        `mapstructure:"endpoint"`
	ConfidenceThreshold float32       `mapstructure:"confidence_threshold"`
	ClassesFilter       string        `mapstructure:"classes_filter"`
	Timeout             time.Duration `mapstructure:"timeout"`
}

type CaptionConfig struct {
	// Endpoint of the captioning service. Empty disables captioning.
	Endpoint string        `mapstructure:"endpoint"`
	Prompt   string        `mapstructure:"prompt"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type AnalysisConfig struct {
	// Backends is the fallback order
	Backends []string       `mapstructure:"backends"`
	Local    LocalConfig    `mapstructure:"local"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	Template TemplateConfig `mapstructure:"template"`
}

type LocalConfig struct {
	Endpoint   string        `mapstructure:"endpoint"`
	Model      string        `mapstructure:"model"`
	HealthAddr string        `mapstructure:"health_addr"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type RemoteConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	Model            string        `mapstructure:"model"`
	APIKeyEnv        string        `mapstructure:"api_key_env"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxResponseBytes int64         `mapstructure:"max_response_bytes"`
}

type TemplateConfig struct {
	// Fallback marks the template answer as degraded
	Fallback bool `mapstructure:"fallback"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"` // sqlite, postgres or memory
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

type BlobConfig struct {
	Dir       string        `mapstructure:"dir"`
	Secret    string        `mapstructure:"secret"`
	SignedTTL time.Duration `mapstructure:"signed_ttl"`
}

type AuthConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	JWTSecret   string        `mapstructure:"jwt_secret"`
	TokenExpiry time.Duration `mapstructure:"token_expiry"`
}

type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	Cooldown time.Duration `mapstructure:"cooldown"`
	// Statuses lists the terminal statuses that trigger an alert
	Statuses []string `mapstructure:"statuses"`
}

type RetentionConfig struct {
	// MaxAge of incident records. Zero keeps everything.
	MaxAge   time.Duration `mapstructure:"max_age"`
	Interval time.Duration `mapstructure:"interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.public_url", "http://localhost:8080")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.debug", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("pipeline.cooldown", 30*time.Second)
	v.SetDefault("pipeline.queue_size", 5)
	v.SetDefault("pipeline.caption_timeout", 20*time.Second)
	v.SetDefault("pipeline.store_timeout", 5*time.Second)
	v.SetDefault("pipeline.rules_file", "")

	v.SetDefault("detector.endpoint", "http://localhost:8081")
	v.SetDefault("detector.confidence_threshold", 0.25)
	v.SetDefault("detector.classes_filter", "")
	v.SetDefault("detector.timeout", 15*time.Second)

	v.SetDefault("caption.endpoint", "")
	v.SetDefault("caption.prompt", "Describe the workers and the protective equipment they wear.")
	v.SetDefault("caption.timeout", 20*time.Second)

	v.SetDefault("analysis.backends", []string{"local", "remote", "template"})
	v.SetDefault("analysis.local.endpoint", "http://localhost:11434")
	v.SetDefault("analysis.local.model", "llama3.2")
	v.SetDefault("analysis.local.health_addr", "")
	v.SetDefault("analysis.local.timeout", 120*time.Second)
	v.SetDefault("analysis.remote.base_url", "https://api.openai.com/v1")
	v.SetDefault("analysis.remote.model", "gpt-4o-mini")
	v.SetDefault("analysis.remote.api_key_env", "OPENAI_API_KEY")
	v.SetDefault("analysis.remote.timeout", 60*time.Second)
	v.SetDefault("analysis.remote.max_response_bytes", 1<<20)
	v.SetDefault("analysis.template.fallback", true)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "data/ppewatch.db")
	v.SetDefault("store.dsn", "")

	v.SetDefault("blob.dir", "data/blobs")
	v.SetDefault("blob.secret", "")
	v.SetDefault("blob.signed_ttl", time.Hour)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.username", "admin")
	v.SetDefault("auth.password", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_expiry", 24*time.Hour)

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.cooldown", 30*time.Second)
	v.SetDefault("telegram.statuses", []string{"completed", "partial", "failed"})

	v.SetDefault("retention.max_age", 0)
	v.SetDefault("retention.interval", time.Hour)
}

// Load reads path (optional) and the environment. An empty path looks for
// ppewatch.yaml in the working directory and /etc/ppewatch; a missing default
// file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PPEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("ppewatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/ppewatch")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside a component
func (c *Config) Validate() error {
	if c.Pipeline.Cooldown < 0 {
		return fmt.Errorf("config: pipeline.cooldown must not be negative")
	}
	if c.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("config: pipeline.queue_size must be positive, got %d", c.Pipeline.QueueSize)
	}
	if c.Pipeline.CaptionTimeout <= 0 {
		return fmt.Errorf("config: pipeline.caption_timeout must be positive")
	}

	seen := make(map[string]bool, len(c.Cameras))
	for i, cam := range c.Cameras {
		if cam.ID == "" {
			return fmt.Errorf("config: cameras[%d] has no id", i)
		}
		if seen[cam.ID] {
			return fmt.Errorf("config: duplicate camera id %q", cam.ID)
		}
		seen[cam.ID] = true

		switch cam.Type {
		case "snapshot", "mjpeg":
			if cam.URL == "" {
				return fmt.Errorf("config: camera %q needs a url", cam.ID)
			}
		case "directory":
			if cam.Dir == "" {
				return fmt.Errorf("config: camera %q needs a dir", cam.ID)
			}
		default:
			return fmt.Errorf("config: camera %q has unknown type %q", cam.ID, cam.Type)
		}
	}

	if len(c.Analysis.Backends) == 0 {
		return fmt.Errorf("config: analysis.backends must name at least one backend")
	}
	for _, name := range c.Analysis.Backends {
		switch name {
		case "local", "remote", "template":
		default:
			return fmt.Errorf("config: unknown analysis backend %q", name)
		}
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("config: store.path is required for sqlite")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("config: store.dsn is required for postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}

	if c.Auth.Enabled && c.Auth.Password == "" {
		return fmt.Errorf("config: auth.password is required when auth is enabled")
	}
	if c.Telegram.Enabled && (c.Telegram.BotToken == "" || c.Telegram.ChatID == "") {
		return fmt.Errorf("config: telegram.bot_token and telegram.chat_id are required when telegram is enabled")
	}
	return nil
}

// RemoteAPIKey resolves the hosted model key from the configured variable
func (c *Config) RemoteAPIKey() string {
	if c.Analysis.Remote.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Analysis.Remote.APIKeyEnv)
}
