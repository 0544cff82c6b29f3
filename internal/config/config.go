package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Bus backends.
const (
	BusMemory = "memory"
	BusRedis  = "redis"
	BusNATS   = "nats"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	NATS struct {
		URL string `yaml:"url"`
	} `yaml:"nats"`
	Bus struct {
		Type string `yaml:"type"`
	} `yaml:"bus"`
	Catalog struct {
		TTL  string `yaml:"ttl"`
		File string `yaml:"file"`
	} `yaml:"catalog"`
	Session struct {
		QuestionDuration  string            `yaml:"questionDuration"`
		FeedbackDuration  string            `yaml:"feedbackDuration"`
		FeedbackByMode    map[string]string `yaml:"feedbackByMode"`
		IdempotencyWindow string            `yaml:"idempotencyWindow"`
		IdempotencySweep  string            `yaml:"idempotencySweep"`
	} `yaml:"session"`
}

// Load reads YAML config from path, then applies environment overrides.
// A missing file is not an error: the service can run from environment alone.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, err
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, err
			}
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Port, "PORT")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setString(&cfg.Redis.TTL, "REDIS_TTL")
	setString(&cfg.Postgres.URL, "POSTGRES_URL")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Bus.Type, "BUS_TYPE")
	setString(&cfg.Catalog.File, "CATALOG_FILE")
	if raw := os.Getenv("REDIS_DB"); raw != "" {
		if db, err := strconv.Atoi(raw); err == nil {
			cfg.Redis.DB = db
		}
	}
	if raw := os.Getenv("LOG_PRETTY"); raw != "" {
		if pretty, err := strconv.ParseBool(raw); err == nil {
			cfg.Log.Pretty = pretty
		}
	}
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

// BusType picks the fan-out backend: explicit setting first, then NATS, then Redis, then memory.
func (c Config) BusType() string {
	switch {
	case c.Bus.Type != "":
		return c.Bus.Type
	case c.NATS.URL != "":
		return BusNATS
	case c.Redis.Addr != "":
		return BusRedis
	default:
		return BusMemory
	}
}

// FeedbackByMode parses the per-mode feedback windows, skipping unparsable entries.
func (c Config) FeedbackByMode() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.Session.FeedbackByMode))
	for mode, raw := range c.Session.FeedbackByMode {
		if d := TTLDuration(raw, 0); d > 0 {
			out[mode] = d
		}
	}
	return out
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
