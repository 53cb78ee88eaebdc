package config

import (
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all configuration for modelchat
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Log        LogConfig        `mapstructure:"log"`
	Database   DatabaseConfig   `mapstructure:"database"`
	ImageCache ImageCacheConfig `mapstructure:"image_cache"`
	Gemini     GeminiConfig     `mapstructure:"gemini"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Upload     UploadConfig     `mapstructure:"upload"`
	History    HistoryConfig    `mapstructure:"history"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Chat       ChatConfig       `mapstructure:"chat"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	BaseURL string `mapstructure:"base_url"`
	// AllowOrigins lists the CORS origins; "*" allows any.
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// AdminConfig holds API authentication configuration
type AdminConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// DatabaseConfig holds the bounded key-value store configuration
type DatabaseConfig struct {
	Path     string `mapstructure:"path"`
	MaxBytes int64  `mapstructure:"max_bytes"`
}

// ImageCacheConfig holds the session image cache configuration
type ImageCacheConfig struct {
	Path string `mapstructure:"path"`
}

// GeminiConfig holds backend configuration
type GeminiConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// RateLimitConfig holds backend request throttling configuration
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// UploadConfig holds file upload configuration
type UploadConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	PollTimeout   time.Duration `mapstructure:"poll_timeout"`
	MaxFileBytes  int64         `mapstructure:"max_file_bytes"`
}

// HistoryConfig holds session persistence configuration
type HistoryConfig struct {
	SaveDebounce        time.Duration `mapstructure:"save_debounce"`
	ImageRetainSessions int           `mapstructure:"image_retain_sessions"`
}

// WorkerConfig holds background executor configuration
type WorkerConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ChatConfig holds the app-wide defaults a fresh session starts from
type ChatConfig struct {
	ModelID           string  `mapstructure:"model_id"`
	Temperature       float64 `mapstructure:"temperature"`
	TopP              float64 `mapstructure:"top_p"`
	ThinkingBudget    int     `mapstructure:"thinking_budget"`
	ShowThoughts      bool    `mapstructure:"show_thoughts"`
	SystemInstruction string  `mapstructure:"system_instruction"`
	GoogleSearch      bool    `mapstructure:"google_search"`
	CodeExecution     bool    `mapstructure:"code_execution"`
	URLContext        bool    `mapstructure:"url_context"`
	// Streaming selects streamed generations; off uses a single request.
	Streaming bool `mapstructure:"streaming"`
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found, use defaults
	}

	return decode(v)
}

// Watch reloads the config file whenever it changes on disk and passes the
// new configuration to onChange. Decode failures are reported through onError.
func Watch(configPath string, onChange func(*Config), onError func(error)) error {
	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("MODELCHAT")
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.allow_origins", []string{"*"})

	v.SetDefault("admin.api_key", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("database.path", "./data/modelchat.db")
	v.SetDefault("database.max_bytes", 5*1024*1024)
	v.SetDefault("image_cache.path", "./data/images.db")

	v.SetDefault("gemini.base_url", "https://generativelanguage.googleapis.com")
	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.request_timeout", "0s")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_minute", 60)
	v.SetDefault("rate_limit.burst", 10)

	v.SetDefault("upload.max_concurrent", 4)
	v.SetDefault("upload.poll_interval", "2s")
	v.SetDefault("upload.poll_timeout", "2m")
	v.SetDefault("upload.max_file_bytes", 2*1024*1024*1024)

	v.SetDefault("history.save_debounce", "500ms")
	v.SetDefault("history.image_retain_sessions", 5)

	v.SetDefault("worker.enabled", true)

	v.SetDefault("chat.model_id", "gemini-2.5-flash")
	v.SetDefault("chat.temperature", 1.0)
	v.SetDefault("chat.top_p", 0.95)
	v.SetDefault("chat.thinking_budget", -1)
	v.SetDefault("chat.show_thoughts", true)
	v.SetDefault("chat.system_instruction", "")
	v.SetDefault("chat.google_search", false)
	v.SetDefault("chat.code_execution", false)
	v.SetDefault("chat.url_context", false)
	v.SetDefault("chat.streaming", true)
}

// Address returns the server address
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
