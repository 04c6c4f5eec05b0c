package server

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ByteSize is a size in bytes that also accepts human strings like "4KiB".
type ByteSize int64

// UnmarshalYAML accepts plain integers and humanized sizes.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	size, err := parseByteSize(raw)
	if err != nil {
		return err
	}
	*b = ByteSize(size)
	return nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// StoreConfig selects the message store.
type StoreConfig struct {
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`
	DatabaseURL string `yaml:"database_url"`
}

// PresenceConfig selects the presence tracker.
type PresenceConfig struct {
	Driver        string        `yaml:"driver"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
}

// AuthConfig selects how connection identities are resolved.
type AuthConfig struct {
	Mode      string `yaml:"mode"`
	JWTSecret string `yaml:"jwt_secret"`
}

// RenderConfig selects the broadcast payload format.
type RenderConfig struct {
	Format string `yaml:"format"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port            string         `yaml:"port"`
	AllowedOrigins  []string       `yaml:"allowed_origins"`
	MaxMessageSize  ByteSize       `yaml:"max_message_size"`
	SendBuffer      int            `yaml:"send_buffer"`
	HistoryLimit    int            `yaml:"history_limit"`
	ShutdownTimeout time.Duration  `yaml:"shutdown_timeout"`
	Store           StoreConfig    `yaml:"store"`
	Presence        PresenceConfig `yaml:"presence"`
	Auth            AuthConfig     `yaml:"auth"`
	Render          RenderConfig   `yaml:"render"`
	Log             LogConfig      `yaml:"log"`
}

const (
	defaultPort            = ":8080"
	defaultMaxMessageSize  = 4096
	defaultSendBuffer      = 256
	defaultHistoryLimit    = 200
	defaultShutdownTimeout = 10 * time.Second
)

func defaultConfig() Config {
	return Config{
		Port: defaultPort,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize:  defaultMaxMessageSize,
		SendBuffer:      defaultSendBuffer,
		HistoryLimit:    defaultHistoryLimit,
		ShutdownTimeout: defaultShutdownTimeout,
		Store:           StoreConfig{Driver: "pebble", Path: "data/roomchat"},
		Presence:        PresenceConfig{Driver: "memory", RedisAddr: "localhost:6379", TTL: 2 * time.Hour},
		Auth:            AuthConfig{Mode: "header"},
		Render:          RenderConfig{Format: "html"},
		Log:             LogConfig{Level: "info", Format: "console"},
	}
}

func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = def.Store.Driver
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = def.Store.Path
	}
	if cfg.Presence.Driver == "" {
		cfg.Presence.Driver = def.Presence.Driver
	}
	if cfg.Presence.TTL <= 0 {
		cfg.Presence.TTL = def.Presence.TTL
	}
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = def.Auth.Mode
	}
	if cfg.Render.Format == "" {
		cfg.Render.Format = def.Render.Format
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()
	applyEnv(&cfg)
	cfg = sanitizeConfig(cfg)
	return &cfg
}

// LoadConfig reads the YAML file at path, when given, on top of the defaults
// and then applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	applyEnv(&cfg)
	cfg = sanitizeConfig(cfg)
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		if size, err := parseByteSize(maxSize); err == nil && size > 0 {
			cfg.MaxMessageSize = ByteSize(size)
		}
	}
	if v := os.Getenv("ROOMCHAT_SEND_BUFFER"); v != "" {
		cfg.SendBuffer = parseIntValue(v, cfg.SendBuffer)
	}
	if v := os.Getenv("ROOMCHAT_HISTORY_LIMIT"); v != "" {
		cfg.HistoryLimit = parseIntValue(v, cfg.HistoryLimit)
	}
	if v := os.Getenv("ROOMCHAT_SHUTDOWN_TIMEOUT"); v != "" {
		cfg.ShutdownTimeout = parseDuration(v, cfg.ShutdownTimeout)
	}

	setString(&cfg.Store.Driver, "ROOMCHAT_STORE_DRIVER")
	setString(&cfg.Store.Path, "ROOMCHAT_STORE_PATH")
	setString(&cfg.Store.DatabaseURL, "ROOMCHAT_DATABASE_URL")

	setString(&cfg.Presence.Driver, "ROOMCHAT_PRESENCE_DRIVER")
	setString(&cfg.Presence.RedisAddr, "ROOMCHAT_REDIS_ADDR")
	setString(&cfg.Presence.RedisPassword, "ROOMCHAT_REDIS_PASSWORD")
	if v := os.Getenv("ROOMCHAT_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil && db >= 0 {
			cfg.Presence.RedisDB = db
		}
	}
	if v := os.Getenv("ROOMCHAT_PRESENCE_TTL"); v != "" {
		cfg.Presence.TTL = parseDuration(v, cfg.Presence.TTL)
	}

	setString(&cfg.Auth.Mode, "ROOMCHAT_AUTH_MODE")
	setString(&cfg.Auth.JWTSecret, "ROOMCHAT_JWT_SECRET")
	setString(&cfg.Render.Format, "ROOMCHAT_RENDER_FORMAT")
	setString(&cfg.Log.Level, "ROOMCHAT_LOG_LEVEL")
	setString(&cfg.Log.Format, "ROOMCHAT_LOG_FORMAT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseByteSize(value string) (int64, error) {
	size, err := humanize.ParseBytes(strings.TrimSpace(value))
	if err != nil {
		return 0, errors.Wrapf(err, "invalid size %q", value)
	}
	return int64(size), nil
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseDuration accepts Go durations ("30s") and bare seconds ("30").
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
