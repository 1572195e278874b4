package xframe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const envPrefix = "XFRAME_"

// Config is the file form of messenger, server and bus settings.
type Config struct {
	App    string
	Listen string
	Log    LogConfig

	Origin          string
	ExpectedOrigin  string
	RequestTimeout  time.Duration
	AutoReplyErrors bool
	// RateLimit caps handler invocations per sender per second; zero
	// disables the limiter.
	RateLimit       float64
	RateBurst       int

	AllowedOrigins []string
	Queue          QueueConfig
	Heartbeat      HeartbeatConfig

	RedisURL   string
	BusChannel string
}

type configFile struct {
	App    string    `yaml:"app" toml:"app"`
	Listen string    `yaml:"listen" toml:"listen"`
	Log    LogConfig `yaml:"log" toml:"log"`

	Messenger struct {
		Origin          string  `yaml:"origin" toml:"origin"`
		ExpectedOrigin  string  `yaml:"expected_origin" toml:"expected_origin"`
		RequestTimeout  string  `yaml:"request_timeout" toml:"request_timeout"`
		AutoReplyErrors *bool   `yaml:"auto_reply_errors" toml:"auto_reply_errors"`
		RateLimit       float64 `yaml:"rate_limit" toml:"rate_limit"`
		RateBurst       int     `yaml:"rate_burst" toml:"rate_burst"`
	} `yaml:"messenger" toml:"messenger"`

	WebSocket struct {
		AllowedOrigins []string    `yaml:"allowed_origins" toml:"allowed_origins"`
		Queue          QueueConfig `yaml:"queue" toml:"queue"`
		Heartbeat      struct {
			Interval    string `yaml:"interval" toml:"interval"`
			PongTimeout string `yaml:"pong_timeout" toml:"pong_timeout"`
			WriteWait   string `yaml:"write_wait" toml:"write_wait"`
			ReadLimit   int64  `yaml:"read_limit" toml:"read_limit"`
		} `yaml:"heartbeat" toml:"heartbeat"`
	} `yaml:"websocket" toml:"websocket"`

	Bus struct {
		RedisURL string `yaml:"redis_url" toml:"redis_url"`
		Channel  string `yaml:"channel" toml:"channel"`
	} `yaml:"bus" toml:"bus"`
}

func DefaultConfig() Config {
	return Config{
		App:            "xframe",
		Listen:         ":8080",
		Log:            LogConfig{Level: "info"},
		ExpectedOrigin: AnyOrigin,
		RequestTimeout: DefaultRequestTimeout,
		Queue:          defaultQueueConfig(),
		Heartbeat:      defaultHeartbeatConfig(),
		BusChannel:     "xframe",
	}
}

// LoadConfig reads a YAML or TOML file (chosen by extension) over the
// defaults, then applies XFRAME_* environment overrides. An empty path
// skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		var f configFile
		switch strings.ToLower(filepath.Ext(path)) {
		case ".toml":
			if _, err := toml.Decode(string(raw), &f); err != nil {
				return Config{}, fmt.Errorf("parse config file: %w", err)
			}
		case ".yaml", ".yml", "":
			if err := yaml.Unmarshal(raw, &f); err != nil {
				return Config{}, fmt.Errorf("parse config file: %w", err)
			}
		default:
			return Config{}, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
		}
		if err := cfg.merge(f); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.Queue = cfg.Queue.withDefaults()
	cfg.Heartbeat = cfg.Heartbeat.withDefaults()
	return cfg, cfg.validate()
}

func (cfg *Config) merge(f configFile) error {
	if f.App != "" {
		cfg.App = f.App
	}
	if f.Listen != "" {
		cfg.Listen = f.Listen
	}
	if f.Log.Level != "" {
		cfg.Log.Level = f.Log.Level
	}
	cfg.Log.JSON = f.Log.JSON
	cfg.Log.NoColor = f.Log.NoColor

	if f.Messenger.Origin != "" {
		cfg.Origin = f.Messenger.Origin
	}
	if f.Messenger.ExpectedOrigin != "" {
		cfg.ExpectedOrigin = f.Messenger.ExpectedOrigin
	}
	if err := setDuration(&cfg.RequestTimeout, "messenger.request_timeout", f.Messenger.RequestTimeout); err != nil {
		return err
	}
	if f.Messenger.AutoReplyErrors != nil {
		cfg.AutoReplyErrors = *f.Messenger.AutoReplyErrors
	}
	if f.Messenger.RateLimit > 0 {
		cfg.RateLimit = f.Messenger.RateLimit
	}
	if f.Messenger.RateBurst > 0 {
		cfg.RateBurst = f.Messenger.RateBurst
	}

	if len(f.WebSocket.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = trimNonEmpty(f.WebSocket.AllowedOrigins)
	}
	if f.WebSocket.Queue.Size > 0 {
		cfg.Queue.Size = f.WebSocket.Queue.Size
	}
	if f.WebSocket.Queue.DropPolicy != "" {
		cfg.Queue.DropPolicy = f.WebSocket.Queue.DropPolicy
	}
	hb := f.WebSocket.Heartbeat
	if err := setDuration(&cfg.Heartbeat.Interval, "websocket.heartbeat.interval", hb.Interval); err != nil {
		return err
	}
	if err := setDuration(&cfg.Heartbeat.PongTimeout, "websocket.heartbeat.pong_timeout", hb.PongTimeout); err != nil {
		return err
	}
	if err := setDuration(&cfg.Heartbeat.WriteWait, "websocket.heartbeat.write_wait", hb.WriteWait); err != nil {
		return err
	}
	if hb.ReadLimit > 0 {
		cfg.Heartbeat.ReadLimit = hb.ReadLimit
	}

	if f.Bus.RedisURL != "" {
		cfg.RedisURL = f.Bus.RedisURL
	}
	if f.Bus.Channel != "" {
		cfg.BusChannel = f.Bus.Channel
	}
	return nil
}

func (cfg *Config) applyEnv() error {
	cfg.App = envOrDefault("APP", cfg.App)
	cfg.Listen = envOrDefault("LISTEN", cfg.Listen)
	cfg.Origin = envOrDefault("ORIGIN", cfg.Origin)
	cfg.ExpectedOrigin = envOrDefault("EXPECTED_ORIGIN", cfg.ExpectedOrigin)
	cfg.AllowedOrigins = envCSV("ALLOWED_ORIGINS", cfg.AllowedOrigins)
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.BusChannel = envOrDefault("BUS_CHANNEL", cfg.BusChannel)
	cfg.AutoReplyErrors = envBool("AUTO_REPLY_ERRORS", cfg.AutoReplyErrors)
	cfg.Queue.Size = envInt("QUEUE_SIZE", cfg.Queue.Size)
	cfg.RateLimit = envFloat("RATE_LIMIT", cfg.RateLimit)
	cfg.RateBurst = envInt("RATE_BURST", cfg.RateBurst)
	if v := os.Getenv(envPrefix + "DROP_POLICY"); v != "" {
		cfg.Queue.DropPolicy = DropPolicy(strings.TrimSpace(v))
	}
	return setDuration(&cfg.RequestTimeout, envPrefix+"REQUEST_TIMEOUT", os.Getenv(envPrefix+"REQUEST_TIMEOUT"))
}

func (cfg Config) validate() error {
	switch cfg.Queue.DropPolicy {
	case DropNewest, DropOldest, DropAndDisconnect:
	default:
		return fmt.Errorf("invalid drop policy %q", cfg.Queue.DropPolicy)
	}
	if cfg.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", cfg.RequestTimeout)
	}
	if cfg.RateLimit < 0 || cfg.RateBurst < 0 {
		return fmt.Errorf("rate limit must not be negative, got %g/%d", cfg.RateLimit, cfg.RateBurst)
	}
	return nil
}

// Logger builds the configured logger.
func (cfg Config) Logger() zerolog.Logger {
	return NewLogger(cfg.App, cfg.Log)
}

// MessengerOptions turns cfg into messenger options, logger included.
func (cfg Config) MessengerOptions() []Option {
	opts := []Option{
		WithLogger(cfg.Logger()),
		WithExpectedOrigin(cfg.ExpectedOrigin),
		WithRequestTimeout(cfg.RequestTimeout),
		WithAutoReplyErrors(cfg.AutoReplyErrors),
	}
	if cfg.RateLimit > 0 {
		limiter := NewInMemoryTokenBucketLimiter(cfg.RateLimit, cfg.RateBurst)
		opts = append(opts, WithMiddleware(RateLimitMiddleware(limiter, nil)))
	}
	return opts
}

func (cfg Config) ConnOptions() []ConnOption {
	return []ConnOption{
		WithQueueConfig(cfg.Queue),
		WithHeartbeat(cfg.Heartbeat),
		WithConnLogger(cfg.Logger()),
	}
}

func (cfg Config) ServerOptions() []ServerOption {
	opts := []ServerOption{WithConnOptions(cfg.ConnOptions()...)}
	if cfg.Origin != "" {
		opts = append(opts, WithServerOrigin(cfg.Origin))
	}
	if len(cfg.AllowedOrigins) > 0 {
		opts = append(opts, WithAllowedOrigins(cfg.AllowedOrigins...))
	}
	return opts
}

// OpenBus connects to RedisURL, or returns an in-process bus when it is
// empty. The returned func releases the connection.
func (cfg Config) OpenBus(ctx context.Context) (PubSub, func() error, error) {
	if cfg.RedisURL == "" {
		return NewMemoryPubSub(), func() error { return nil }, nil
	}
	bus, err := ConnectRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return bus, bus.Close, nil
}

// BusEndpoint subscribes to BusChannel on bus as Origin, falling back to
// a bus:// origin named after App.
func (cfg Config) BusEndpoint(ctx context.Context, bus PubSub) (*BusEndpoint, error) {
	origin := cfg.Origin
	if origin == "" {
		origin = "bus://" + cfg.App
	}
	return NewBusEndpoint(ctx, bus, cfg.BusChannel, origin, cfg.ConnOptions()...)
}

func setDuration(dst *time.Duration, field string, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", field, err)
	}
	*dst = d
	return nil
}

func envOrDefault(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(envPrefix + name)); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(envPrefix + name))
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(name string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(envPrefix + name))
	if value == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(name string, fallback bool) bool {
	if v, ok := parseBool(os.Getenv(envPrefix + name)); ok {
		return v
	}
	return fallback
}

func envCSV(name string, fallback []string) []string {
	value := strings.TrimSpace(os.Getenv(envPrefix + name))
	if value == "" {
		return fallback
	}
	return trimNonEmpty(strings.Split(value, ","))
}

func trimNonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
