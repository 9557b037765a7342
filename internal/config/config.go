package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "DECENTCHAT"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "decentchat.db"
	defaultLogLevel     = "info"
	defaultHomeRoom     = "general"
	defaultMaxMembers   = 100
)

// AppConfig captures runtime configuration for the chat engine daemon.
type AppConfig struct {
	HTTPAddress       string
	AuthSigningSecret string
	DatabasePath      string
	LogLevel          string
	HomeRoom          string
	MaxRoomMembers    int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("room.home", defaultHomeRoom)
	configViper.SetDefault("room.max_members", defaultMaxMembers)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		HomeRoom:          configViper.GetString("room.home"),
		MaxRoomMembers:    configViper.GetInt("room.max_members"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.HomeRoom) == "" {
		return fmt.Errorf("room.home is required")
	}
	if c.MaxRoomMembers <= 0 {
		return fmt.Errorf("room.max_members must be positive")
	}
	return nil
}
