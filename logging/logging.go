// Package logging provides named zap loggers per subsystem.
//
// Levels are read from the environment:
//   - SCATTERBRAINED_LOG_LEVEL: "subsystem=level,...,default", e.g. "discovery=debug,warn"
//   - SCATTERBRAINED_LOG_FORMAT: "text" (default) or "json"
package logging

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvLevel  = "SCATTERBRAINED_LOG_LEVEL"
	EnvFormat = "SCATTERBRAINED_LOG_FORMAT"
)

// Format selects the log encoder.
type Format int

const (
	// FormatText writes human readable console lines.
	FormatText Format = iota
	// FormatJSON writes one JSON object per line.
	FormatJSON
)

// Config holds logger settings.
type Config struct {
	DefaultLevel    zapcore.Level
	SubsystemLevels map[string]zapcore.Level
	Format          Format
}

// LevelFor returns the level configured for a subsystem.
func (c Config) LevelFor(subsystem string) zapcore.Level {
	if lvl, ok := c.SubsystemLevels[subsystem]; ok {
		return lvl
	}
	return c.DefaultLevel
}

// DefaultConfig returns info level text logging.
func DefaultConfig() Config {
	return Config{
		DefaultLevel:    zapcore.InfoLevel,
		SubsystemLevels: make(map[string]zapcore.Level),
		Format:          FormatText,
	}
}

// ParseConfig builds a Config from a level spec and a format name.
// Unknown levels are ignored.
func ParseConfig(levelSpec, format string) Config {
	cfg := DefaultConfig()

	for _, part := range strings.Split(levelSpec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if subsystem, name, ok := strings.Cut(part, "="); ok {
			if lvl, err := zapcore.ParseLevel(strings.TrimSpace(name)); err == nil {
				cfg.SubsystemLevels[strings.TrimSpace(subsystem)] = lvl
			}
			continue
		}
		if lvl, err := zapcore.ParseLevel(part); err == nil {
			cfg.DefaultLevel = lvl
		}
	}

	if strings.EqualFold(strings.TrimSpace(format), "json") {
		cfg.Format = FormatJSON
	}
	return cfg
}

// ConfigFromEnv reads SCATTERBRAINED_LOG_LEVEL and SCATTERBRAINED_LOG_FORMAT.
func ConfigFromEnv() Config {
	return ParseConfig(os.Getenv(EnvLevel), os.Getenv(EnvFormat))
}

var (
	mu      sync.Mutex
	current *Config
	loggers = make(map[string]*zap.Logger)
)

// Configure replaces the active configuration and drops cached loggers.
func Configure(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	current = &cfg
	loggers = make(map[string]*zap.Logger)
}

// Logger returns the cached logger for a subsystem, creating it on first use.
func Logger(subsystem string) *zap.Logger {
	mu.Lock()
	defer mu.Unlock()

	if l, ok := loggers[subsystem]; ok {
		return l
	}
	if current == nil {
		cfg := ConfigFromEnv()
		current = &cfg
	}
	l := New(subsystem, *current)
	loggers[subsystem] = l
	return l
}

// New builds an uncached logger for a subsystem.
func New(subsystem string, cfg Config) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if cfg.Format == FormatJSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), cfg.LevelFor(subsystem))
	return zap.New(core, zap.AddCaller()).Named(subsystem)
}
