// Package logging provides leveled, structured logging for the DMI/abstract
// command engine. The hot path (C2/C4/C7) calls into it on every scan, so
// formatting only happens once the level gate passes.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// LogLevel is the severity of a log line.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) prefix() string {
	switch l {
	case LevelDebug:
		return "[DEBUG]"
	case LevelInfo:
		return "[INFO]"
	case LevelWarn:
		return "[WARN]"
	case LevelError:
		return "[ERROR]"
	default:
		return "[?]"
	}
}

// Config holds logging configuration.
type Config struct {
	Level     LogLevel
	Output    io.Writer
	Component string // short tag, e.g. "dmi", "abstractcmd", "hart0"
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{Level: LevelInfo, Output: os.Stderr}
}

// Logger wraps the stdlib logger with levels and an optional component tag.
// Every subsystem in this module (transport, abstract-command engine,
// program-buffer engine, memory streamer, hart controller) is handed its
// own tagged Logger so a session trace can be filtered by subsystem.
type Logger struct {
	logger    *log.Logger
	level     LogLevel
	component string
	mu        sync.Mutex
}

var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
)

// New creates a new Logger from config. A nil config uses DefaultConfig.
func New(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	return &Logger{
		logger:    log.New(output, "", log.LstdFlags),
		level:     config.Level,
		component: config.Component,
	}
}

// WithComponent returns a logger sharing l's writer and level but tagged
// with a different component name.
func (l *Logger) WithComponent(component string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{logger: l.logger, level: l.level, component: component}
}

// Default returns the process default logger, creating it on first use.
func Default() *Logger {
	defaultMu.RLock()
	if defaultLogger != nil {
		defer defaultMu.RUnlock()
		return defaultLogger
	}
	defaultMu.RUnlock()

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New(nil)
	}
	return defaultLogger
}

// SetDefault replaces the process default logger.
func SetDefault(logger *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

func formatArgs(args []any) string {
	if len(args) == 0 {
		return ""
	}
	var result string
	for i := 0; i+1 < len(args); i += 2 {
		if result != "" {
			result += " "
		}
		result += fmt.Sprintf("%v=%v", args[i], args[i+1])
	}
	if result == "" {
		return ""
	}
	return " " + result
}

func (l *Logger) log(level LogLevel, msg string, args ...any) {
	if l == nil || level < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	tag := l.component
	if tag != "" {
		tag = "(" + tag + ") "
	}
	l.logger.Printf("%s %s%s%s", level.prefix(), tag, msg, formatArgs(args))
}

func (l *Logger) Debug(msg string, args ...any) { l.log(LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(LevelError, msg, args...) }

// Global convenience functions delegate to the default logger.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
