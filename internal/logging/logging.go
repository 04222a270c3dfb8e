// Package logging provides the process-wide slog logger. Records at Error
// and above are forwarded to Sentry when a DSN is configured.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
)

// Config holds logging configuration.
type Config struct {
	Level     slog.Level
	SentryDSN string
	Env       string // "development", "production"
	Version   string
	LogFile   string // empty = stderr
}

type state struct {
	logger        *slog.Logger
	level         *slog.LevelVar
	sentryEnabled bool
	logFile       *os.File
}

var (
	mu      sync.RWMutex
	current *state
)

// Init installs the global logger. It may be called again to reconfigure;
// the previous log file is closed.
func Init(cfg Config) error {
	sentryEnabled := false
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.Env,
			Release:          cfg.Version,
			TracesSampleRate: 0.1,
		})
		if err != nil {
			return fmt.Errorf("sentry init: %w", err)
		}
		sentryEnabled = true
	}

	var output io.Writer = os.Stderr
	var logFile *os.File
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		output = f
		logFile = f
	}

	level := new(slog.LevelVar)
	level.Set(cfg.Level)
	handler := &sentryHandler{
		Handler: slog.NewTextHandler(output, &slog.HandlerOptions{
			Level:       level,
			AddSource:   true,
			ReplaceAttr: localTime,
		}),
		sentryEnabled: sentryEnabled,
	}

	next := &state{
		logger:        slog.New(handler),
		level:         level,
		sentryEnabled: sentryEnabled,
		logFile:       logFile,
	}

	mu.Lock()
	prev := current
	current = next
	mu.Unlock()
	slog.SetDefault(next.logger)

	if prev != nil && prev.logFile != nil {
		prev.logFile.Close()
	}
	return nil
}

func localTime(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		if t, ok := a.Value.Any().(time.Time); ok {
			a.Value = slog.StringValue(t.Local().Format("2006-01-02T15:04:05.000-07:00"))
		}
	}
	return a
}

// ParseLevel accepts debug, info, warn/warning and error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// SetLevel changes the minimum level of the installed logger.
func SetLevel(level slog.Level) {
	mu.RLock()
	defer mu.RUnlock()
	if current != nil {
		current.level.Set(level)
	}
}

// Flush sends buffered Sentry events and closes the log file. Call before exit.
func Flush(timeout time.Duration) {
	mu.Lock()
	s := current
	var f *os.File
	if s != nil {
		f, s.logFile = s.logFile, nil
	}
	mu.Unlock()
	if s == nil {
		return
	}
	if s.sentryEnabled {
		sentry.Flush(timeout)
	}
	if f != nil {
		f.Sync()
		f.Close()
	}
}

// Default returns the installed logger, or slog's default before Init.
func Default() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if current == nil {
		return slog.Default()
	}
	return current.logger
}

func sentryOn() bool {
	mu.RLock()
	defer mu.RUnlock()
	return current != nil && current.sentryEnabled
}

// sentryHandler forwards error records to Sentry after logging them.
type sentryHandler struct {
	slog.Handler
	sentryEnabled bool
}

func (h *sentryHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.Handler.Handle(ctx, r); err != nil {
		return err
	}
	if h.sentryEnabled && r.Level >= slog.LevelError {
		h.sendToSentry(r)
	}
	return nil
}

func (h *sentryHandler) sendToSentry(r slog.Record) {
	ev := sentry.NewEvent()
	ev.Level = sentry.LevelError
	ev.Message = r.Message
	ev.Timestamp = r.Time
	r.Attrs(func(a slog.Attr) bool {
		ev.Extra[a.Key] = a.Value.Any()
		return true
	})
	if r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		ev.Exception = []sentry.Exception{{
			Type:  "LogError",
			Value: r.Message,
			Stacktrace: &sentry.Stacktrace{
				Frames: []sentry.Frame{{
					Filename: frame.File,
					Function: frame.Function,
					Lineno:   frame.Line,
				}},
			},
		}}
	}
	sentry.CaptureEvent(ev)
}

func (h *sentryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &sentryHandler{Handler: h.Handler.WithAttrs(attrs), sentryEnabled: h.sentryEnabled}
}

func (h *sentryHandler) WithGroup(name string) slog.Handler {
	return &sentryHandler{Handler: h.Handler.WithGroup(name), sentryEnabled: h.sentryEnabled}
}

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

// Error logs at error level and sends to Sentry.
func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}

// With returns a logger with the given attributes. The logger is bound at
// call time; long-lived components should call it after Init.
func With(args ...any) *slog.Logger {
	return Default().With(args...)
}

// CaptureError logs err and reports it to Sentry with kv as extras.
func CaptureError(err error, kv ...any) {
	if sentryOn() {
		sentry.WithScope(func(scope *sentry.Scope) {
			setExtras(scope, kv)
			sentry.CaptureException(err)
		})
	}
	Default().Error("captured error", append([]any{"error", err}, kv...)...)
}

// CapturePanic records a recovered panic value. Call it from a deferred
// recover; it returns the value for re-panicking.
func CapturePanic(panicValue any, kv ...any) any {
	if panicValue == nil {
		return nil
	}
	msg := fmt.Sprintf("panic: %v", panicValue)
	Default().Error(msg, append([]any{"panic", panicValue}, kv...)...)

	if sentryOn() {
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetLevel(sentry.LevelFatal)
			scope.SetTag("type", "panic")
			setExtras(scope, kv)
			if err, ok := panicValue.(error); ok {
				sentry.CaptureException(err)
			} else {
				sentry.CaptureMessage(msg)
			}
		})
		sentry.Flush(2 * time.Second)
	}
	return panicValue
}

func setExtras(scope *sentry.Scope, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			scope.SetExtra(key, kv[i+1])
		}
	}
}
