package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	API     APIConfig
	Chat    ChatConfig
	Storage StorageConfig
}

// APIConfig holds backend connection settings.
type APIConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	PageSize    int           `mapstructure:"page_size"`
}

// ChatConfig holds local message checks.
type ChatConfig struct {
	MaxMessageLength int `mapstructure:"max_message_length"`
}

// StorageConfig holds the session store location.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// Load reads configuration from file and env. Env var overrides use prefix FINANCEBOT_.
func Load() (Config, error) {
	v := viper.New()

	// default values
	v.SetDefault("api.base_url", "http://localhost:8000")
	v.SetDefault("api.timeout", "10s")
	v.SetDefault("api.send_timeout", "60s")
	v.SetDefault("api.page_size", 20)
	v.SetDefault("chat.max_message_length", 10000)
	v.SetDefault("storage.path", filepath.Join(os.Getenv("HOME"), ".local", "share", "financebot", "financebot.db"))

	v.SetConfigType("toml")

	cfgPath := os.Getenv("FINANCEBOT_CONFIG")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "financebot"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("FINANCEBOT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// read config file if present
	_ = v.ReadInConfig()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return c, nil
}

// Save writes the provided config to disk, creating the config directory if needed.
// This is primarily used by the TUI settings view for the backend URL.
func Save(cfg Config) error {
	path := os.Getenv("FINANCEBOT_CONFIG")
	if path == "" {
		path = filepath.Join(os.Getenv("HOME"), ".config", "financebot", "config.toml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.Set("api.base_url", cfg.API.BaseURL)
	v.Set("api.timeout", cfg.API.Timeout.String())
	v.Set("api.send_timeout", cfg.API.SendTimeout.String())
	v.Set("api.page_size", cfg.API.PageSize)
	v.Set("chat.max_message_length", cfg.Chat.MaxMessageLength)
	v.Set("storage.path", cfg.Storage.Path)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
