package core

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelOff
)

// LogConfig holds logging configuration from YAML.
type LogConfig struct {
	Level       string            `yaml:"level,omitempty"`
	Development bool              `yaml:"development,omitempty"`
	Components  map[string]string `yaml:"components,omitempty"`
}

// Logger provides per-component log level filtering on top of zap.
type Logger struct {
	mu          sync.RWMutex
	globalLevel LogLevel
	components  map[string]LogLevel // lowercase component name → level
	sink        *zap.SugaredLogger
}

// ParseLevel converts a string level name to LogLevel.
// Returns LevelInfo for unrecognized values.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info", "":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "off", "none":
		return LevelOff
	default:
		return LevelInfo
	}
}

// NewLogger creates a Logger from config.
func NewLogger(cfg LogConfig) *Logger {
	l := &Logger{
		globalLevel: ParseLevel(cfg.Level),
		components:  make(map[string]LogLevel, len(cfg.Components)),
		sink:        newSink(cfg.Development),
	}
	for name, level := range cfg.Components {
		l.components[strings.ToLower(name)] = ParseLevel(level)
	}
	return l
}

// NewNopLogger returns a Logger that discards everything. Useful in tests.
func NewNopLogger() *Logger {
	return &Logger{
		globalLevel: LevelOff,
		components:  map[string]LogLevel{},
		sink:        zap.NewNop().Sugar(),
	}
}

// newSink builds the zap backend. Filtering happens in Logger, so zap
// itself runs at debug level.
func newSink(development bool) *zap.SugaredLogger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.MessageKey = "message"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)
	if development {
		encCfg = zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zapcore.DebugLevel)
	return zap.New(core).Sugar()
}

// Configure replaces levels and sink from cfg. Safe to call at runtime.
func (l *Logger) Configure(cfg LogConfig) {
	components := make(map[string]LogLevel, len(cfg.Components))
	for name, level := range cfg.Components {
		components[strings.ToLower(name)] = ParseLevel(level)
	}
	sink := newSink(cfg.Development)

	l.mu.Lock()
	old := l.sink
	l.globalLevel = ParseLevel(cfg.Level)
	l.components = components
	l.sink = sink
	l.mu.Unlock()

	if old != nil {
		_ = old.Sync()
	}
}

// levelFor returns the effective log level for a component tag.
func (l *Logger) levelFor(tag string) (LogLevel, *zap.SugaredLogger) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if lvl, ok := l.components[strings.ToLower(tag)]; ok {
		return lvl, l.sink
	}
	return l.globalLevel, l.sink
}

// Debugf logs at debug level.
func (l *Logger) Debugf(tag, format string, args ...any) {
	if lvl, sink := l.levelFor(tag); lvl <= LevelDebug {
		sink.With("component", tag).Debugf(format, args...)
	}
}

// Infof logs at info level.
func (l *Logger) Infof(tag, format string, args ...any) {
	if lvl, sink := l.levelFor(tag); lvl <= LevelInfo {
		sink.With("component", tag).Infof(format, args...)
	}
}

// Warnf logs at warn level.
func (l *Logger) Warnf(tag, format string, args ...any) {
	if lvl, sink := l.levelFor(tag); lvl <= LevelWarn {
		sink.With("component", tag).Warnf(format, args...)
	}
}

// Errorf logs at error level.
func (l *Logger) Errorf(tag, format string, args ...any) {
	if lvl, sink := l.levelFor(tag); lvl <= LevelError {
		sink.With("component", tag).Errorf(format, args...)
	}
}

// Sync flushes buffered log entries.
func (l *Logger) Sync() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sink.Sync()
}

// Log is the global logger instance. Initialized with default (info level).
var Log = NewLogger(LogConfig{})
