// Package logger wraps zerolog with the category-based debug switches the
// teacher's own logger package used, adapted from log/slog's category
// flags to zerolog's component-field convention (the ecosystem way the
// rest of this corpus logs, per SPEC_FULL.md's ambient stack section).
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Level is the logging verbosity level.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// DebugCategory names a subsystem that can be independently enabled for
// verbose logging, matching the teacher's per-category debug switches but
// scoped to RAOP's own components.
type DebugCategory string

const (
	DebugRTSP    DebugCategory = "rtsp"
	DebugAudio   DebugCategory = "audio"
	DebugControl DebugCategory = "control"
	DebugTiming  DebugCategory = "timing"
	DebugAll     DebugCategory = "all"
)

// OutputFormat selects the on-the-wire log encoding.
type OutputFormat string

const (
	FormatJSON    OutputFormat = "json"
	FormatConsole OutputFormat = "console"
)

// Config holds logger configuration, including the debug category toggles.
type Config struct {
	Level      Level
	Format     OutputFormat
	OutputFile string

	mu                sync.RWMutex
	enabledCategories map[DebugCategory]bool
}

// NewConfig returns a Config with reasonable defaults: info level, console
// output, no categories enabled.
func NewConfig() *Config {
	return &Config{
		Level:             LevelInfo,
		Format:            FormatConsole,
		enabledCategories: make(map[DebugCategory]bool),
	}
}

// ParseLevel converts a string flag value to a Level.
func ParseLevel(level string) (Level, error) {
	switch level {
	case "debug", "DEBUG":
		return LevelDebug, nil
	case "info", "INFO":
		return LevelInfo, nil
	case "warn", "WARN", "warning", "WARNING":
		return LevelWarn, nil
	case "error", "ERROR":
		return LevelError, nil
	default:
		return "", fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
	}
}

// ParseFormat converts a string flag value to an OutputFormat.
func ParseFormat(format string) (OutputFormat, error) {
	switch format {
	case "json", "JSON":
		return FormatJSON, nil
	case "console", "CONSOLE", "text", "TEXT":
		return FormatConsole, nil
	default:
		return "", fmt.Errorf("invalid log format: %s (must be json or console)", format)
	}
}

func (l Level) zerologLevel() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// EnableCategory enables a debug category. DebugAll enables every
// known category.
func (c *Config) EnableCategory(category DebugCategory) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if category == DebugAll {
		c.enabledCategories[DebugRTSP] = true
		c.enabledCategories[DebugAudio] = true
		c.enabledCategories[DebugControl] = true
		c.enabledCategories[DebugTiming] = true
		return
	}
	c.enabledCategories[category] = true
}

// IsCategoryEnabled reports whether category has been enabled.
func (c *Config) IsCategoryEnabled(category DebugCategory) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabledCategories[category]
}

// Logger wraps a zerolog.Logger with the category debug switches.
type Logger struct {
	zerolog.Logger
	config *Config
	file   *os.File
}

// New builds a Logger from cfg. Format FormatConsole uses zerolog's
// human-readable console writer; FormatJSON writes newline-delimited JSON.
func New(cfg *Config) (*Logger, error) {
	var writer io.Writer = os.Stdout
	var file *os.File

	if cfg.OutputFile != "" {
		f, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("logger: open log file %s: %w", cfg.OutputFile, err)
		}
		writer = f
		file = f
	}

	if cfg.Format == FormatConsole {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: "15:04:05"}
	}

	base := zerolog.New(writer).Level(cfg.Level.zerologLevel()).With().Timestamp().Logger()

	return &Logger{Logger: base, config: cfg, file: file}, nil
}

// Close closes the log output file, if one was opened.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// DebugCategory logs at debug level only when category is enabled, in the
// teacher's "DebugRTP"-style per-category helper shape.
func (l *Logger) DebugCategory(category DebugCategory, msg string, fields map[string]any) {
	if !l.config.IsCategoryEnabled(category) {
		return
	}
	ev := l.Debug().Str("category", string(category))
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// SetDefault installs logger as the package-level default and as
// zerolog.DefaultContextLogger (what zerolog.Ctx returns for a context
// with no logger attached). zerolog/log's global Logger is not changed.
func SetDefault(l *Logger) {
	defaultLogger = l
	zerolog.DefaultContextLogger = &l.Logger
}

// Default returns the process-wide default Logger, building one with
// NewConfig's defaults on first use if SetDefault has not installed one.
func Default() *Logger {
	once.Do(func() {
		if defaultLogger != nil {
			return
		}
		l, err := New(NewConfig())
		if err != nil {
			l = &Logger{Logger: zerolog.New(os.Stderr), config: NewConfig()}
		}
		defaultLogger = l
	})
	return defaultLogger
}
