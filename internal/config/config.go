package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/notify"
	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/tenant"
	"github.com/spf13/viper"
)

const (
	envPrefix                 = "DOCSYNC"
	defaultHTTPAddress        = "0.0.0.0:1234"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultCookieName         = "session"
	defaultSessionLifetime    = 10 * time.Minute
	defaultRedisURL           = "redis://localhost:6379/0"
	defaultRetentionDays      = 3
	defaultCheckpointInterval = 5 * time.Minute
	defaultSMTPPort           = "587"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// AppConfig captures runtime configuration for the sync server.
type AppConfig struct {
	HTTPAddress        string
	AllowedOrigins     []string
	LogLevel           string
	LogFormat          string
	AuthEndpoint       string
	APIEndpoint        string
	OverrideSecret     string
	CookieName         string
	SigningSecret      string
	SessionLifetime    time.Duration
	RedisURL           string
	RetentionDays      int
	CheckpointInterval time.Duration
	AppURL             string
	SMTP               notify.SMTPConfig
	Tenants            []tenant.Definition
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
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("session.max_lifetime", defaultSessionLifetime)
	configViper.SetDefault("redis.url", defaultRedisURL)
	configViper.SetDefault("versions.retention_days", defaultRetentionDays)
	configViper.SetDefault("collab.checkpoint_interval", defaultCheckpointInterval)
	configViper.SetDefault("smtp.port", defaultSMTPPort)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		AllowedOrigins:     configViper.GetStringSlice("http.allowed_origins"),
		LogLevel:           configViper.GetString("log.level"),
		LogFormat:          configViper.GetString("log.format"),
		AuthEndpoint:       configViper.GetString("auth.endpoint"),
		APIEndpoint:        configViper.GetString("api.endpoint"),
		OverrideSecret:     configViper.GetString("auth.override_secret"),
		CookieName:         configViper.GetString("auth.cookie_name"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		SessionLifetime:    configViper.GetDuration("session.max_lifetime"),
		RedisURL:           configViper.GetString("redis.url"),
		RetentionDays:      configViper.GetInt("versions.retention_days"),
		CheckpointInterval: configViper.GetDuration("collab.checkpoint_interval"),
		AppURL:             configViper.GetString("app.url"),
		SMTP: notify.SMTPConfig{
			Host:     configViper.GetString("smtp.host"),
			Port:     configViper.GetString("smtp.port"),
			Username: configViper.GetString("smtp.username"),
			Password: configViper.GetString("smtp.password"),
			From:     configViper.GetString("smtp.from"),
			FromName: configViper.GetString("smtp.from_name"),
		},
	}
	if err := configViper.UnmarshalKey("tenants", &cfg.Tenants); err != nil {
		return AppConfig{}, fmt.Errorf("%w: tenants: %v", ErrInvalidConfig, err)
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthEndpoint) == "" {
		return fmt.Errorf("%w: auth.endpoint is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.APIEndpoint) == "" {
		return fmt.Errorf("%w: api.endpoint is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("%w: redis.url is required", ErrInvalidConfig)
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("%w: versions.retention_days must be positive", ErrInvalidConfig)
	}
	if len(c.Tenants) == 0 {
		return fmt.Errorf("%w: at least one tenant is required", ErrInvalidConfig)
	}
	seen := make(map[string]struct{}, len(c.Tenants))
	for index, definition := range c.Tenants {
		name := strings.TrimSpace(definition.Name)
		if name == "" {
			return fmt.Errorf("%w: tenants[%d].name is required", ErrInvalidConfig, index)
		}
		if strings.TrimSpace(definition.DSN) == "" {
			return fmt.Errorf("%w: tenants[%d].dsn is required", ErrInvalidConfig, index)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: duplicate tenant %q", ErrInvalidConfig, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}
