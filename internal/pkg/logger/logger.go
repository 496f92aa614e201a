// Package logger provides structured logging with PII redaction on top of
// zerolog. Call sites pass key/value pairs:
//
//	logger.Info("message accepted", "tenant_id", tid, "recipient", to)
//
// Values under phone-like keys are masked, and E.164 numbers or e-mail
// addresses embedded in other values are masked as well.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config controls the process-wide logger.
type Config struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"` // json or pretty
	RedactPII bool   `yaml:"redact_pii"`
}

var (
	mu        sync.RWMutex
	base      = zerolog.New(os.Stderr).With().Timestamp().Logger()
	redactPII = true
)

// Init replaces the default logger. Unknown levels fall back to info.
func Init(cfg Config) {
	InitWithWriter(cfg, os.Stderr)
}

// InitWithWriter is Init with an explicit output, used by tests.
func InitWithWriter(cfg Config, out io.Writer) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.Format == "pretty" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	mu.Lock()
	base = zerolog.New(out).Level(level).With().Timestamp().Logger()
	redactPII = cfg.RedactPII
	mu.Unlock()
}

// Zerolog exposes the underlying logger for libraries that want one.
func Zerolog() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Debug emits a DEBUG-level structured log entry.
func Debug(msg string, fields ...interface{}) { emit(zerolog.DebugLevel, msg, fields) }

// Info emits an INFO-level structured log entry.
func Info(msg string, fields ...interface{}) { emit(zerolog.InfoLevel, msg, fields) }

// Warn emits a WARN-level structured log entry.
func Warn(msg string, fields ...interface{}) { emit(zerolog.WarnLevel, msg, fields) }

// Error emits an ERROR-level structured log entry.
func Error(msg string, fields ...interface{}) { emit(zerolog.ErrorLevel, msg, fields) }

func emit(level zerolog.Level, msg string, fields []interface{}) {
	mu.RLock()
	l := base
	redact := redactPII
	mu.RUnlock()

	ev := l.WithLevel(level)
	if ev == nil {
		return
	}
	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		switch v := fields[i+1].(type) {
		case error:
			val := v.Error()
			if redact {
				val = redactValue(key, val)
			}
			ev = ev.Str(key, val)
		case string:
			if redact {
				v = redactValue(key, v)
			}
			ev = ev.Str(key, v)
		case int:
			ev = ev.Int(key, v)
		case int64:
			ev = ev.Int64(key, v)
		case bool:
			ev = ev.Bool(key, v)
		case time.Duration:
			ev = ev.Dur(key, v)
		default:
			val := fmt.Sprintf("%v", v)
			if redact {
				val = redactValue(key, val)
			}
			ev = ev.Str(key, val)
		}
	}
	ev.Msg(msg)
}
