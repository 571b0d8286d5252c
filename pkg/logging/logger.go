package logging

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls the process-wide log output.
type Config struct {
	// Level is one of debug, info, warn, error. Unknown values mean info.
	Level string

	// Format is "console" (default) or "json" for the console output.
	Format string

	// File, when set, receives JSON logs rotated by lumberjack.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Logger provides leveled, component-scoped logging for service components.
// The zero value is not usable; obtain one from NewLogger, FromZap or NewNop.
type Logger struct {
	component string
	sugar     *zap.SugaredLogger
}

var (
	// base is the process logger every component logger derives from.
	base atomic.Pointer[zap.Logger]

	initOnce sync.Once

	// runID tags every log line of this process.
	runID     string
	runIDOnce sync.Once
)

func getRunID() string {
	runIDOnce.Do(func() {
		runID = uuid.New().String()
	})
	return runID
}

// Initialize builds the process logger. Only the first call has any effect.
// console receives human-oriented output; nil means stderr, colored when it
// is a terminal.
func Initialize(cfg Config, console zapcore.WriteSyncer) {
	initOnce.Do(func() {
		color := false
		if console == nil {
			console = zapcore.Lock(os.Stderr)
			color = term.IsTerminal(int(os.Stderr.Fd()))
		}

		level := zap.NewAtomicLevel()
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil || cfg.Level == "" {
			level.SetLevel(zap.InfoLevel)
		}

		cores := []zapcore.Core{
			zapcore.NewCore(encoder(cfg.Format, color), console, level),
		}

		if cfg.File != "" {
			file := zapcore.AddSync(&lumberjack.Logger{
				Filename:   cfg.File,
				MaxSize:    cfg.MaxSizeMB,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAgeDays,
				Compress:   cfg.Compress,
			})
			cores = append(cores, zapcore.NewCore(encoder("json", false), file, level))
		}

		logger := zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zap.ErrorLevel)).
			With(zap.String("run_id", getRunID()))
		base.Store(logger)
	})
}

func encoder(format string, color bool) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "json" {
		return zapcore.NewJSONEncoder(cfg)
	}
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	if color {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return zapcore.NewConsoleEncoder(cfg)
}

// NewLogger creates a logger for a specific component. Before Initialize is
// called the returned logger discards everything.
func NewLogger(component string) *Logger {
	z := base.Load()
	if z == nil {
		z = zap.NewNop()
	}
	return FromZap(z, component)
}

// FromZap wraps an existing zap logger, naming it after component.
func FromZap(z *zap.Logger, component string) *Logger {
	return &Logger{
		component: component,
		sugar:     z.Named(component).Sugar(),
	}
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return FromZap(zap.NewNop(), "nop")
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{
		component: l.component,
		sugar:     l.sugar.With(keysAndValues...),
	}
}

// Debugf logs a debug-level message
func (l *Logger) Debugf(format string, v ...interface{}) {
	l.sugar.Debugf(format, v...)
}

// Infof logs an info-level message
func (l *Logger) Infof(format string, v ...interface{}) {
	l.sugar.Infof(format, v...)
}

// Warnf logs a warning-level message
func (l *Logger) Warnf(format string, v ...interface{}) {
	l.sugar.Warnf(format, v...)
}

// Errorf logs an error-level message
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.sugar.Errorf(format, v...)
}

// Component returns the component name.
func (l *Logger) Component() string {
	return l.component
}

// Zap exposes the underlying logger for libraries that want one.
func (l *Logger) Zap() *zap.Logger {
	return l.sugar.Desugar()
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}

// GetRunID returns the identifier attached to this process's log lines.
func GetRunID() string {
	return getRunID()
}
