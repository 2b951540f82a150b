package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Logger wraps the process-wide slog logger and the file it writes to
type Logger struct {
	logger *slog.Logger
	level  *slog.LevelVar
	file   *os.File
}

var (
	mu           sync.RWMutex
	globalLogger *Logger
)

func init() {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)
	globalLogger = &Logger{
		logger: slog.New(newHandler(os.Stderr, level)),
		level:  level,
		file:   os.Stderr,
	}
}

func newHandler(w io.Writer, level *slog.LevelVar) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{
					Key:   slog.TimeKey,
					Value: slog.StringValue(a.Value.Time().Format("2006/01/02 15:04:05.000000")),
				}
			}
			return a
		},
	})
}

// SetFileOutput redirects logging to the named file, keeping the current level
func SetFileOutput(filename string) error {
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()

	old := globalLogger
	globalLogger = &Logger{
		logger: slog.New(newHandler(file, old.level)),
		level:  old.level,
		file:   file,
	}
	if old.file != os.Stderr && old.file != os.Stdout {
		old.file.Close()
	}
	return nil
}

// SetOutput redirects logging to w. Used by tests to capture output.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	globalLogger.logger = slog.New(newHandler(w, globalLogger.level))
}

// SetLevel accepts debug, info, warn or error
func SetLevel(level string) error {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "info", "":
		l = slog.LevelInfo
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", level)
	}

	mu.RLock()
	globalLogger.level.Set(l)
	mu.RUnlock()
	return nil
}

func current() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return globalLogger.logger
}

// Standard logging methods
func Debug(msg string, args ...any) {
	current().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	current().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	current().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	current().Error(msg, args...)
}

// Close closes the log file if one was opened
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if globalLogger.file != os.Stderr && globalLogger.file != os.Stdout {
		globalLogger.file.Close()
		globalLogger.file = os.Stderr
		globalLogger.logger = slog.New(newHandler(os.Stderr, globalLogger.level))
	}
}
