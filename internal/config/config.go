package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath     = "config.toml"
	DefaultHTTPAddr       = ":8080"
	DefaultAPIBaseURL     = "https://api.dingtalk.com"
	DefaultAgentID        = "main"
	DefaultSessionDriver  = "file"
	DefaultSessionDir     = "data/sessions"
	DefaultRedisPrefix    = "dingtalk:sessions"
	DefaultPGHost         = "127.0.0.1"
	DefaultPGPort         = 5432
	DefaultPGUser         = "postgres"
	DefaultPGDatabase     = "dingtalk_bridge"
	DefaultPGSSLMode      = "disable"
	DefaultMediaMaxBytes  = 20 << 20
	DefaultMediaTTL       = 60
	DefaultSweepSchedule  = "@every 10m"
	DefaultAccountID      = "default"
	DefaultGatewayTimeout = 120
)

type Config struct {
	Log          LogConfig          `toml:"log" yaml:"log"`
	Server       ServerConfig       `toml:"server" yaml:"server"`
	DingTalk     DingTalkConfig     `toml:"dingtalk" yaml:"dingtalk"`
	Routing      RoutingConfig      `toml:"routing" yaml:"routing"`
	Session      SessionConfig      `toml:"session" yaml:"session"`
	Postgres     PostgresConfig     `toml:"postgres" yaml:"postgres"`
	Redis        RedisConfig        `toml:"redis" yaml:"redis"`
	Media        MediaConfig        `toml:"media" yaml:"media"`
	AgentGateway AgentGatewayConfig `toml:"agent_gateway" yaml:"agent_gateway"`
}

type LogConfig struct {
	Level  string `toml:"level" yaml:"level" env:"LOG_LEVEL"`
	Format string `toml:"format" yaml:"format" env:"LOG_FORMAT" validate:"oneof=text json"`
}

type ServerConfig struct {
	Addr string `toml:"addr" yaml:"addr" env:"HTTP_ADDR" validate:"required"`
}

// AccountConfig holds the options recognized for one DingTalk robot.
// The top-level [dingtalk] table uses the same keys and acts as the base
// every entry in accounts is merged over.
type AccountConfig struct {
	Disabled     bool     `toml:"disabled" yaml:"disabled"`
	Name         string   `toml:"name" yaml:"name"`
	ClientID     string   `toml:"clientId" yaml:"clientId" env:"DINGTALK_CLIENT_ID"`
	ClientSecret string   `toml:"clientSecret" yaml:"clientSecret" env:"DINGTALK_CLIENT_SECRET"`
	RobotCode    string   `toml:"robotCode" yaml:"robotCode" env:"DINGTALK_ROBOT_CODE"`
	Debug        *bool    `toml:"debug" yaml:"debug" env:"DINGTALK_DEBUG"`
	DMPolicy     string   `toml:"dmPolicy" yaml:"dmPolicy" env:"DINGTALK_DM_POLICY"`
	AllowFrom    []string `toml:"allowFrom" yaml:"allowFrom" env:"DINGTALK_ALLOW_FROM"`
	GroupPolicy  string   `toml:"groupPolicy" yaml:"groupPolicy" env:"DINGTALK_GROUP_POLICY"`
	InboundMode  string   `toml:"inboundMode" yaml:"inboundMode" env:"DINGTALK_INBOUND_MODE"`
	APIBaseURL   string   `toml:"apiBaseURL" yaml:"apiBaseURL" env:"DINGTALK_API_BASE_URL"`
	AgentID      string   `toml:"agentId" yaml:"agentId" env:"DINGTALK_AGENT_ID"`
}

type DingTalkConfig struct {
	AccountConfig `yaml:",inline"`
	Accounts      map[string]AccountConfig `toml:"accounts" yaml:"accounts"`
}

type RoutingConfig struct {
	DefaultAgent string `toml:"default_agent" yaml:"default_agent" env:"ROUTING_DEFAULT_AGENT"`
}

type SessionConfig struct {
	Driver string `toml:"driver" yaml:"driver" env:"SESSION_DRIVER" validate:"oneof=file redis postgres"`
	Dir    string `toml:"dir" yaml:"dir" env:"SESSION_DIR"`
}

type PostgresConfig struct {
	Host     string `toml:"host" yaml:"host" env:"PG_HOST"`
	Port     int    `toml:"port" yaml:"port" env:"PG_PORT"`
	User     string `toml:"user" yaml:"user" env:"PG_USER"`
	Password string `toml:"password" yaml:"password" env:"PG_PASSWORD"`
	Database string `toml:"database" yaml:"database" env:"PG_DATABASE"`
	SSLMode  string `toml:"sslmode" yaml:"sslmode" env:"PG_SSLMODE"`
}

// DSN renders the connection URL understood by pgx.
func (c PostgresConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	if c.Password != "" {
		u.User = url.UserPassword(c.User, c.Password)
	} else {
		u.User = url.User(c.User)
	}
	if c.SSLMode != "" {
		u.RawQuery = "sslmode=" + url.QueryEscape(c.SSLMode)
	}
	return u.String()
}

type RedisConfig struct {
	Addr     string `toml:"addr" yaml:"addr" env:"REDIS_ADDR"`
	Password string `toml:"password" yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `toml:"db" yaml:"db" env:"REDIS_DB"`
	Prefix   string `toml:"prefix" yaml:"prefix" env:"REDIS_PREFIX"`
}

type MediaConfig struct {
	Dir           string `toml:"dir" yaml:"dir" env:"MEDIA_DIR"`
	MaxBytes      int64  `toml:"max_bytes" yaml:"max_bytes" env:"MEDIA_MAX_BYTES" validate:"gt=0"`
	TTLMinutes    int    `toml:"ttl_minutes" yaml:"ttl_minutes" env:"MEDIA_TTL_MINUTES" validate:"gt=0"`
	SweepSchedule string `toml:"sweep_schedule" yaml:"sweep_schedule" env:"MEDIA_SWEEP_SCHEDULE"`
}

// StagingDir returns the configured media directory or the OS temp dir.
func (c MediaConfig) StagingDir() string {
	if strings.TrimSpace(c.Dir) != "" {
		return c.Dir
	}
	return os.TempDir()
}

type AgentGatewayConfig struct {
	Host           string `toml:"host" yaml:"host" env:"AGENT_GATEWAY_HOST"`
	Port           int    `toml:"port" yaml:"port" env:"AGENT_GATEWAY_PORT"`
	Token          string `toml:"token" yaml:"token" env:"AGENT_GATEWAY_TOKEN"`
	TimeoutSeconds int    `toml:"timeout_seconds" yaml:"timeout_seconds" env:"AGENT_GATEWAY_TIMEOUT_SECONDS"`
}

func (c AgentGatewayConfig) BaseURL() string {
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := c.Port
	if port == 0 {
		port = 8081
	}
	return "http://" + host + ":" + fmt.Sprint(port)
}

// Defaults returns the configuration used when no file is present.
func Defaults() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Routing: RoutingConfig{
			DefaultAgent: DefaultAgentID,
		},
		Session: SessionConfig{
			Driver: DefaultSessionDriver,
			Dir:    DefaultSessionDir,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Redis: RedisConfig{
			Addr:   "127.0.0.1:6379",
			Prefix: DefaultRedisPrefix,
		},
		Media: MediaConfig{
			MaxBytes:      DefaultMediaMaxBytes,
			TTLMinutes:    DefaultMediaTTL,
			SweepSchedule: DefaultSweepSchedule,
		},
		AgentGateway: AgentGatewayConfig{
			Host:           "127.0.0.1",
			Port:           8081,
			TimeoutSeconds: DefaultGatewayTimeout,
		},
	}
}

// Load reads the config file at path (TOML, or YAML by extension), then
// applies environment overrides. A missing file yields defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return cfg, err
		}
	} else if err := decodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return fmt.Errorf("decode yaml config: %w", err)
		}
		return nil
	default:
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode toml config: %w", err)
		}
		return nil
	}
}
