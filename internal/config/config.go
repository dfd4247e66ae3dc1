// Package config loads service settings from YAML, an optional .env file and USERGATE_* variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App struct {
		// dev | staging | prod
		Env string `yaml:"env"`
	} `yaml:"app"`

	Server struct {
		HTTPAddr        string        `yaml:"http_addr"`
		GRPCAddr        string        `yaml:"grpc_addr"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		MaxBodyBytes    int64         `yaml:"max_body_bytes"`
		CORSOrigins     []string      `yaml:"cors_allowed_origins"`
		// TrustedProxies are IPs or CIDRs whose X-Forwarded-For is believed.
		TrustedProxies []string `yaml:"trusted_proxies"`
	} `yaml:"server"`

	Storage struct {
		// postgres | memory
		Driver          string        `yaml:"driver"`
		DSN             string        `yaml:"dsn"`
		MaxOpenConns    int           `yaml:"max_open_conns"`
		MaxIdleConns    int           `yaml:"max_idle_conns"`
		ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
		Timeout         time.Duration `yaml:"timeout"`
	} `yaml:"storage"`

	Ledger struct {
		// postgres | redis | memory; empty follows storage.driver
		Driver string `yaml:"driver"`
	} `yaml:"ledger"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`

	Auth struct {
		Issuer         string        `yaml:"issuer"`
		Secret         string        `yaml:"secret"`
		PrivateKeyPath string        `yaml:"private_key_path"`
		PublicKeyPath  string        `yaml:"public_key_path"`
		KeyID          string        `yaml:"key_id"`
		AccessTTL      time.Duration `yaml:"access_ttl"`
		RefreshTTL     time.Duration `yaml:"refresh_ttl"`
		AdminRole      string        `yaml:"admin_role"`
	} `yaml:"auth"`

	Reset struct {
		BaseURL             string `yaml:"base_url"`
		ConcealUnknownEmail bool   `yaml:"conceal_unknown_email"`
		// ExposeLink echoes the reset link in the HTTP response. Development only.
		ExposeLink bool `yaml:"expose_link"`
	} `yaml:"reset"`

	SMTP struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		From     string `yaml:"from"`
		TLSMode  string `yaml:"tls_mode"`
	} `yaml:"smtp"`

	Rate struct {
		// Requests per second per client on login and reset endpoints.
		PerSecond float64 `yaml:"per_second"`
		Burst     int     `yaml:"burst"`
	} `yaml:"rate"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load reads path (optional), then .env, then USERGATE_* overrides, and applies defaults.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	// .env is optional; an explicit missing file is not an error.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Server.GRPCAddr == "" {
		c.Server.GRPCAddr = ":9090"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "postgres"
	}
	if c.Storage.MaxOpenConns == 0 {
		c.Storage.MaxOpenConns = 20
	}
	if c.Storage.MaxIdleConns == 0 {
		c.Storage.MaxIdleConns = 20
	}
	if c.Storage.ConnMaxLifetime == 0 {
		c.Storage.ConnMaxLifetime = 30 * time.Minute
	}
	if c.Storage.Timeout == 0 {
		c.Storage.Timeout = 3 * time.Second
	}
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = c.Storage.Driver
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "usergate:"
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "usergate"
	}
	if c.Auth.AccessTTL == 0 {
		c.Auth.AccessTTL = 5 * time.Minute
	}
	if c.Auth.RefreshTTL == 0 {
		c.Auth.RefreshTTL = 24 * time.Hour
	}
	if c.Auth.AdminRole == "" {
		c.Auth.AdminRole = "Admin"
	}
	if c.Reset.BaseURL == "" {
		c.Reset.BaseURL = "http://localhost:8000/api/v1/account/password/recover/"
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	if c.Rate.PerSecond == 0 {
		c.Rate.PerSecond = 1
	}
	if c.Rate.Burst == 0 {
		c.Rate.Burst = 5
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		if c.App.Env == "dev" {
			c.Log.Format = "console"
		} else {
			c.Log.Format = "json"
		}
	}
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("USERGATE_ENV", &c.App.Env)
	str("USERGATE_HTTP_ADDR", &c.Server.HTTPAddr)
	str("USERGATE_GRPC_ADDR", &c.Server.GRPCAddr)
	str("USERGATE_STORAGE_DRIVER", &c.Storage.Driver)
	str("USERGATE_PG_DSN", &c.Storage.DSN)
	str("USERGATE_LEDGER_DRIVER", &c.Ledger.Driver)
	str("USERGATE_REDIS_ADDR", &c.Redis.Addr)
	str("USERGATE_REDIS_PASSWORD", &c.Redis.Password)
	str("USERGATE_AUTH_SECRET", &c.Auth.Secret)
	str("USERGATE_AUTH_PRIVATE_KEY_PATH", &c.Auth.PrivateKeyPath)
	str("USERGATE_AUTH_PUBLIC_KEY_PATH", &c.Auth.PublicKeyPath)
	str("USERGATE_RESET_BASE_URL", &c.Reset.BaseURL)
	str("USERGATE_SMTP_HOST", &c.SMTP.Host)
	str("USERGATE_SMTP_USERNAME", &c.SMTP.Username)
	str("USERGATE_SMTP_PASSWORD", &c.SMTP.Password)
	str("USERGATE_SMTP_FROM", &c.SMTP.From)
	str("USERGATE_LOG_LEVEL", &c.Log.Level)

	if v, ok := os.LookupEnv("USERGATE_TRUSTED_PROXIES"); ok && strings.TrimSpace(v) != "" {
		c.Server.TrustedProxies = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.Server.TrustedProxies = append(c.Server.TrustedProxies, p)
			}
		}
	}
	if v, ok := os.LookupEnv("USERGATE_ACCESS_TTL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("USERGATE_ACCESS_TTL: %w", err)
		}
		c.Auth.AccessTTL = d
	}
	if v, ok := os.LookupEnv("USERGATE_SMTP_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("USERGATE_SMTP_PORT: %w", err)
		}
		c.SMTP.Port = port
	}
	if v, ok := os.LookupEnv("USERGATE_RESET_CONCEAL_UNKNOWN_EMAIL"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("USERGATE_RESET_CONCEAL_UNKNOWN_EMAIL: %w", err)
		}
		c.Reset.ConcealUnknownEmail = b
	}
	return nil
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "postgres":
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	switch c.Ledger.Driver {
	case "postgres":
		if c.Storage.Driver != "postgres" {
			return errors.New("ledger.driver postgres requires storage.driver postgres")
		}
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required for the redis ledger")
		}
	case "memory":
	default:
		return fmt.Errorf("ledger.driver %q is not supported", c.Ledger.Driver)
	}
	if c.Auth.Secret == "" && (c.Auth.PrivateKeyPath == "" || c.Auth.PublicKeyPath == "") {
		return errors.New("auth.secret or auth.private_key_path and auth.public_key_path are required")
	}
	if c.Auth.AccessTTL < 0 || c.Auth.RefreshTTL < 0 || c.Storage.Timeout < 0 {
		return errors.New("durations must be positive")
	}
	if c.Auth.RefreshTTL < c.Auth.AccessTTL {
		return errors.New("auth.refresh_ttl must not be shorter than auth.access_ttl")
	}
	if c.Rate.PerSecond < 0 || c.Rate.Burst < 0 {
		return errors.New("rate limits must be positive")
	}
	return nil
}

// SMTPEnabled reports whether mail should go through SMTP rather than the log.
func (c *Config) SMTPEnabled() bool {
	return c.SMTP.Host != "" && c.SMTP.From != ""
}
