package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/michaelbrown/parley/internal/tools"
)

type EngineConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

type SessionConfig struct {
	WorkDir      string   `mapstructure:"work_dir"`
	Model        string   `mapstructure:"model"`
	AllowedTools []string `mapstructure:"allowed_tools"`
	MaxTurns     int      `mapstructure:"max_turns"`
	ProfilesDir  string   `mapstructure:"profiles_dir"`
}

type PermissionConfig struct {
	Mode           string `mapstructure:"mode"` // "prompt" or "auto"
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type Config struct {
	Engine     EngineConfig                  `mapstructure:"engine"`
	Session    SessionConfig                 `mapstructure:"session"`
	Permission PermissionConfig              `mapstructure:"permission"`
	Server     ServerConfig                  `mapstructure:"server"`
	Storage    StorageConfig                 `mapstructure:"storage"`
	Tools      map[string]tools.ServerConfig `mapstructure:"tools"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("parley")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.parley")

	v.SetDefault("engine.base_url", "http://localhost:11434/v1")
	v.SetDefault("engine.model", "qwen2.5-coder:7b")
	v.SetDefault("session.max_turns", 10)
	v.SetDefault("permission.mode", "prompt")
	v.SetDefault("permission.timeout_seconds", 30)
	v.SetDefault("server.port", 8080)
	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".parley", "parley.db"))

	if err := v.ReadInConfig(); err != nil {
		// Defaults alone are a valid configuration.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Expand environment variables in the API key
	if key := cfg.Engine.APIKey; strings.HasPrefix(key, "${") && strings.HasSuffix(key, "}") {
		cfg.Engine.APIKey = os.Getenv(key[2 : len(key)-1])
	}

	return &cfg, nil
}
