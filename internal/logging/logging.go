// Package logging sets up the slog logger shared by the keyshell daemon.
//
// Output can go to stderr, stdout, a rotated file, or both stderr and the
// file. The level lives in a slog.LevelVar so a config reload can change it
// without rebuilding the handler.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Level represents a logging level.
type Level = slog.Level

// Log levels.
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format represents the output format for logs.
type Format int

const (
	// FormatText outputs human-readable text logs.
	FormatText Format = iota
	// FormatJSON outputs JSON-structured logs.
	FormatJSON
)

// Config holds the logging configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level Level

	// Format is the output format (text or JSON).
	Format Format

	// Output is "stdout", "stderr", "file" or "both" (stderr and file).
	Output string

	// FilePath is the log file used when Output includes a file.
	FilePath string

	// MaxSize is the size in megabytes at which the file is rotated.
	MaxSize int64

	// MaxBackups is the number of rotated files kept.
	MaxBackups int

	// Compress gzips rotated files.
	Compress bool

	// AddSource adds source file and line to log entries.
	AddSource bool

	// Component is attached to every record.
	Component string

	// Writer overrides Output. Tests use it to capture records.
	Writer io.Writer
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     "stderr",
		FilePath:   DefaultLogPath(),
		MaxSize:    10,
		MaxBackups: 3,
		Compress:   true,
		Component:  "keyshell",
	}
}

// DefaultLogPath returns $XDG_STATE_HOME/keyshell/keyshell.log.
func DefaultLogPath() string {
	return filepath.Join(stateDir(), "keyshell.log")
}

func stateDir() string {
	stateHome := os.Getenv("XDG_STATE_HOME")
	if stateHome == "" {
		homeDir, _ := os.UserHomeDir()
		stateHome = filepath.Join(homeDir, ".local", "state")
	}
	return filepath.Join(stateHome, "keyshell")
}

// Logger wraps slog.Logger with its level and rotator.
type Logger struct {
	*slog.Logger
	config  *Config
	level   *slog.LevelVar
	rotator *FileRotator
	mu      sync.Mutex
}

var (
	defaultMu     sync.Mutex
	defaultLogger *Logger
)

// Default returns the process-wide logger, creating a stderr logger on first
// use.
func Default() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultLogger == nil {
		l, err := New(DefaultConfig())
		if err != nil {
			l = &Logger{Logger: slog.Default(), config: DefaultConfig(), level: new(slog.LevelVar)}
		}
		defaultLogger = l
	}
	return defaultLogger
}

// SetDefault makes l the process-wide logger and the slog default.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
	slog.SetDefault(l.Logger)
}

// New creates a Logger with the given configuration.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	l := &Logger{
		config: cfg,
		level:  new(slog.LevelVar),
	}
	l.level.Set(cfg.Level)

	w, err := l.writer()
	if err != nil {
		return nil, fmt.Errorf("setup writers: %w", err)
	}

	opts := &slog.HandlerOptions{
		Level:     l.level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	if cfg.Component != "" {
		handler = handler.WithAttrs([]slog.Attr{
			slog.String("component", cfg.Component),
		})
	}

	l.Logger = slog.New(handler)
	return l, nil
}

func (l *Logger) writer() (io.Writer, error) {
	if l.config.Writer != nil {
		return l.config.Writer, nil
	}

	switch strings.ToLower(l.config.Output) {
	case "stdout":
		return os.Stdout, nil
	case "file", "both":
		rotator, err := NewFileRotator(l.config)
		if err != nil {
			return nil, err
		}
		l.rotator = rotator
		if strings.EqualFold(l.config.Output, "both") {
			return io.MultiWriter(os.Stderr, rotator), nil
		}
		return rotator, nil
	default:
		return os.Stderr, nil
	}
}

// SetLevel changes the minimum level of this logger and every logger
// derived from it.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level)
}

// GetLevel returns the current minimum level.
func (l *Logger) GetLevel() Level {
	return l.level.Level()
}

// WithComponent returns a logger that tags records with a component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger:  l.Logger.With(slog.String("component", name)),
		config:  l.config,
		level:   l.level,
		rotator: l.rotator,
	}
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}

// Sync flushes the log file, if any.
func (l *Logger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rotator != nil {
		return l.rotator.Sync()
	}
	return nil
}

// Convenience functions for the default logger.

// Debug logs at debug level using the default logger.
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

// Info logs at info level using the default logger.
func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

// Warn logs at warn level using the default logger.
func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

// Error logs at error level using the default logger.
func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}

// ParseLevel parses a string into a log level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// LevelString returns the string representation of a log level.
func LevelString(level Level) string {
	switch level {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// ParseFormat parses "text" or "json".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown log format: %s", s)
	}
}
