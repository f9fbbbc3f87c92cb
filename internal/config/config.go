// Package config loads the service configuration from YAML with environment
// overrides for the deployment-specific values.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Queue    QueueConfig    `yaml:"queue"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Auth     AuthConfig     `yaml:"auth"`
	Channels ChannelsConfig `yaml:"channels"`
}

type HTTPConfig struct {
	Port int `yaml:"port"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type DatabaseConfig struct {
	// Driver is sqlite or postgres. An empty DSN runs on the in-memory store.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type RedisConfig struct {
	// URL is a redis:// URL; empty keeps caches in process.
	URL string `yaml:"url"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type QueueConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	LeadMinutes  int           `yaml:"lead_minutes"`
}

type DispatchConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

type AuthConfig struct {
	Mode       string `yaml:"mode"`
	HMACSecret string `yaml:"hmac_secret"`
	JWKSURL    string `yaml:"jwks_url"`
}

type ChannelsConfig struct {
	Native       ChannelConfig `yaml:"native"`
	MarketplaceA ChannelConfig `yaml:"marketplace_a"`
	MarketplaceB ChannelConfig `yaml:"marketplace_b"`
}

// ChannelConfig carries the union of the channel credentials; each adapter
// reads the ones it needs.
type ChannelConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	BasicUser     string        `yaml:"basic_user"`
	BasicPassword string        `yaml:"basic_password"`
	ClientID      string        `yaml:"client_id"`
	ClientSecret  string        `yaml:"client_secret"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	WebhookSecret string        `yaml:"webhook_secret"`
}

func Defaults() *Config {
	return &Config{
		HTTP:     HTTPConfig{Port: 8080},
		Log:      LogConfig{Level: "info"},
		Database: DatabaseConfig{Driver: "sqlite"},
		Kafka:    KafkaConfig{Topic: "orderhub.events"},
		Queue: QueueConfig{
			PollInterval: time.Minute,
			BatchSize:    50,
			LeadMinutes:  30,
		},
		Dispatch: DispatchConfig{
			Timeout:    5 * time.Second,
			Retries:    2,
			RetryDelay: 2 * time.Second,
		},
		Auth: AuthConfig{Mode: "dev"},
		Channels: ChannelsConfig{
			Native:       ChannelConfig{Timeout: 10 * time.Second, RatePerSecond: 20},
			MarketplaceA: ChannelConfig{Timeout: 10 * time.Second, RatePerSecond: 5},
			MarketplaceB: ChannelConfig{Timeout: 10 * time.Second, RatePerSecond: 5},
		},
	}
}

// Load reads path over the defaults. A missing file is not an error.
// Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
		if strings.HasPrefix(v, "postgres://") || strings.HasPrefix(v, "postgresql://") {
			c.Database.Driver = "postgres"
		}
	}
	if v := getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.HTTP.Port = p
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.Kafka.Brokers = append(c.Kafka.Brokers, b)
			}
		}
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q: want sqlite or postgres", c.Database.Driver))
	}
	if c.Queue.PollInterval <= 0 {
		errs = append(errs, errors.New("queue.poll_interval must be positive"))
	}
	if c.Dispatch.Timeout <= 0 {
		errs = append(errs, errors.New("dispatch.timeout must be positive"))
	}
	if c.Dispatch.Retries < 0 {
		errs = append(errs, errors.New("dispatch.retries must not be negative"))
	}
	switch c.Auth.Mode {
	case "dev":
	case "hmac":
		if c.Auth.HMACSecret == "" {
			errs = append(errs, errors.New("auth.hmac_secret required in hmac mode"))
		}
	case "jwks":
		if c.Auth.JWKSURL == "" {
			errs = append(errs, errors.New("auth.jwks_url required in jwks mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.mode %q: want dev, hmac or jwks", c.Auth.Mode))
	}
	for name, ch := range map[string]ChannelConfig{
		"native":        c.Channels.Native,
		"marketplace_a": c.Channels.MarketplaceA,
		"marketplace_b": c.Channels.MarketplaceB,
	} {
		if ch.Enabled && ch.BaseURL == "" {
			errs = append(errs, fmt.Errorf("channels.%s.base_url required when enabled", name))
		}
	}
	return errors.Join(errs...)
}
