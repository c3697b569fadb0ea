package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// Config defines how the HTTP/WebSocket backend should run. Values come from an optional
// YAML file, then DASHCHAT_* environment variables, then command line flags.
type Config struct {
	Addr      string `yaml:"addr" env:"DASHCHAT_ADDR"`
	WSPath    string `yaml:"wsPath" env:"DASHCHAT_WS_PATH"`
	DBPath    string `yaml:"dbPath" env:"DASHCHAT_DB_PATH"`
	LogLevel  string `yaml:"logLevel" env:"DASHCHAT_LOG_LEVEL"`
	LogFormat string `yaml:"logFormat" env:"DASHCHAT_LOG_FORMAT"`

	JWTSecret string        `yaml:"jwtSecret" env:"DASHCHAT_JWT_SECRET"`
	TokenTTL  time.Duration `yaml:"tokenTTL" env:"DASHCHAT_TOKEN_TTL"`
	Admins    []string      `yaml:"admins"`
	// AdminList is the comma separated environment form of Admins.
	AdminList string `yaml:"-" env:"DASHCHAT_ADMINS"`

	RedisAddr       string `yaml:"redisAddr" env:"DASHCHAT_REDIS_ADDR"`
	RedisPassword   string `yaml:"redisPassword" env:"DASHCHAT_REDIS_PASSWORD"`
	AuthRatePerMin  int    `yaml:"authRateLimitPerMinute" env:"DASHCHAT_AUTH_RATE_LIMIT"`
	TrustProxy      bool   `yaml:"trustProxy" env:"DASHCHAT_TRUST_PROXY"`
	MessageBurst    int    `yaml:"messageBurst" env:"DASHCHAT_MESSAGE_BURST"`
	MaxMessageChars int    `yaml:"maxMessageLength" env:"DASHCHAT_MAX_MESSAGE_LENGTH"`

	MessageWindow time.Duration `yaml:"messageWindow" env:"DASHCHAT_MESSAGE_WINDOW"`
	StoreTimeout  time.Duration `yaml:"storeTimeout" env:"DASHCHAT_STORE_TIMEOUT"`
	SendBuffer    int           `yaml:"sendBuffer" env:"DASHCHAT_SEND_BUFFER"`

	RequireToken             bool `yaml:"requireToken" env:"DASHCHAT_REQUIRE_TOKEN"`
	RequireChannelMembership bool `yaml:"requireChannelMembership" env:"DASHCHAT_REQUIRE_CHANNEL_MEMBERSHIP"`
}

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	ServerURL string
	Username  string
	Password  string
	Channel   string
}

// DefaultConfig returns the settings used when nothing overrides them.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		WSPath:          "/ws",
		DBPath:          DefaultDBPath(),
		LogLevel:        "info",
		LogFormat:       "json",
		TokenTTL:        24 * time.Hour,
		AuthRatePerMin:  10,
		MessageBurst:    20,
		MessageWindow:   time.Second,
		MaxMessageChars: 4000,
		StoreTimeout:    5 * time.Second,
		SendBuffer:      256,
		RequireToken:    true,
	}
}

// LoadConfig layers the YAML file at path (optional) and the environment over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	c.WSPath = NormalizeJoinPath(c.WSPath)
	if c.AdminList != "" {
		c.Admins = append(c.Admins, strings.Split(c.AdminList, ",")...)
		c.AdminList = ""
	}
	c.Admins = lo.Uniq(lo.Compact(lo.Map(c.Admins, func(name string, _ int) string {
		return strings.TrimSpace(name)
	})))
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch {
	case c.Addr == "":
		return errors.New("addr is required")
	case c.DBPath == "":
		return errors.New("database path is required")
	case len(c.JWTSecret) < 16:
		return errors.New("jwt secret must be at least 16 characters (DASHCHAT_JWT_SECRET)")
	case c.TokenTTL <= 0:
		return errors.New("token ttl must be positive")
	case c.AuthRatePerMin <= 0:
		return errors.New("auth rate limit must be positive")
	case c.MessageBurst < 0:
		return errors.New("message burst cannot be negative")
	case c.MaxMessageChars <= 0:
		return errors.New("max message length must be positive")
	case c.StoreTimeout <= 0:
		return errors.New("store timeout must be positive")
	case c.SendBuffer <= 0:
		return errors.New("send buffer must be positive")
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if dir := os.Getenv("DASHCHAT_DATA_DIR"); dir != "" {
		return filepath.Join(dir, "dashchat.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "dashchat", "dashchat.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Dashchat", "dashchat.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Dashchat", "dashchat.db")
		}
		return filepath.Join(home, ".local", "share", "dashchat", "dashchat.db")
	}
	return filepath.Join(".", ".dashchat", "dashchat.db")
}

// NormalizeJoinPath guarantees the websocket path starts with '/' and
// falls back to /ws when empty.
func NormalizeJoinPath(path string) string {
	if path == "" {
		return "/ws"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}
