package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors zerolog severity for configuration surfaces.
type Level int8

const (
	TraceLevel Level = iota - 1
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	Disabled Level = 7
)

// Config controls the process-wide logger built by Configure.
type Config struct {
	Level     Level
	Timestamp bool
	NoColor   bool
	Bypass    bool
	Writer    io.Writer
}

// DefaultConfig returns the runtime logging defaults.
func DefaultConfig() Config {
	return Config{
		Level:     InfoLevel,
		Timestamp: true,
		NoColor:   false,
		Bypass:    false,
		Writer:    os.Stderr,
	}
}

var (
	mu     sync.RWMutex
	logger = newLogger(DefaultConfig())
)

// Configure rebuilds the shared logger from cfg.
func Configure(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	logger = newLogger(cfg)
}

func newLogger(cfg Config) zerolog.Logger {
	out := cfg.Writer
	if out == nil {
		out = os.Stderr
	}
	writer := zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    cfg.NoColor,
		TimeFormat: time.RFC3339,
	}
	if !cfg.Timestamp {
		writer.PartsExclude = []string{zerolog.TimestampFieldName}
	}
	level := zerolog.Level(cfg.Level)
	if cfg.Bypass {
		// Bypass drops the severity gate; Disabled still wins.
		if level != zerolog.Disabled {
			level = zerolog.TraceLevel
		}
	}
	lg := zerolog.New(writer).Level(level)
	if cfg.Timestamp {
		lg = lg.With().Timestamp().Logger()
	}
	return lg
}

func current() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Logf emits regardless of the configured level unless logging is disabled.
func Logf(format string, args ...any) {
	lg := current()
	lg.Log().Msgf(format, args...)
}

func Log(args ...any) {
	lg := current()
	lg.Log().Msg(fmt.Sprint(args...))
}

func Tracef(format string, args ...any) {
	lg := current()
	lg.Trace().Msgf(format, args...)
}

func Debugf(format string, args ...any) {
	lg := current()
	lg.Debug().Msgf(format, args...)
}

func Debug(args ...any) {
	lg := current()
	lg.Debug().Msg(fmt.Sprint(args...))
}

func Infof(format string, args ...any) {
	lg := current()
	lg.Info().Msgf(format, args...)
}

func Warnf(format string, args ...any) {
	lg := current()
	lg.Warn().Msgf(format, args...)
}

func Errf(format string, args ...any) {
	lg := current()
	lg.Error().Msgf(format, args...)
}
