package xframe

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel   = "XFRAME_LOG_LEVEL"
	EnvLogJSON    = "XFRAME_LOG_JSON"
	EnvLogNoColor = "XFRAME_LOG_NOCOLOR"
)

type LogConfig struct {
	Level   string    `yaml:"level" toml:"level"`
	JSON    bool      `yaml:"json" toml:"json"`
	NoColor bool      `yaml:"no_color" toml:"no_color"`
	Output  io.Writer `yaml:"-" toml:"-"`
}

// NewLogger builds the zerolog logger used by messengers and transports.
// Environment variables override cfg.
func NewLogger(app string, cfg LogConfig) zerolog.Logger {
	applyLogEnv(&cfg)

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if !cfg.JSON {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    cfg.NoColor,
		}
	}

	level, ok := ParseLevel(cfg.Level)
	if !ok {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	if app != "" {
		logger = logger.With().Str("app", app).Logger()
	}
	return logger
}

func defaultLogger() zerolog.Logger {
	return NewLogger("xframe", LogConfig{Level: "warn"})
}

func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func applyLogEnv(cfg *LogConfig) {
	if raw := os.Getenv(EnvLogLevel); raw != "" {
		if _, ok := ParseLevel(raw); ok {
			cfg.Level = raw
		}
	}
	if v, ok := parseBool(os.Getenv(EnvLogJSON)); ok {
		cfg.JSON = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
