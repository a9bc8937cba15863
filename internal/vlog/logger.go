// Package vlog provides structured logging for vmprotect using zap.
package vlog

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with vmprotect-specific helpers.
type Logger struct {
	*zap.Logger
	runID string
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a new Logger instance, stamped with a fresh run id so
// that log lines from a single pipeline invocation can be correlated.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		logger = zap.NewNop()
	}

	runID := uuid.NewString()
	return &Logger{Logger: logger.With(zap.String("run", runID)), runID: runID}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// RunID returns the correlation id stamped on every line this logger emits.
func (l *Logger) RunID() string {
	return l.runID
}

// Stage logs entry into a pipeline stage (C1..C8).
func (l *Logger) Stage(name string, fields ...zap.Field) {
	l.Info("stage", append([]zap.Field{zap.String("stage", name)}, fields...)...)
}

// FunctionResult logs the outcome of lifting a single function.
func (l *Logger) FunctionResult(symbol string, ok bool, detail string) {
	l.Debug("function",
		zap.String("symbol", symbol),
		zap.Bool("translate_ok", ok),
		zap.String("detail", detail),
	)
}

// PatchSummary logs the result of a patchbay run.
func (l *Logger) PatchSummary(aliasCount int, dynsymLen int) {
	l.Info("patch",
		zap.Int("aliases", aliasCount),
		zap.Int("dynsym_len", dynsymLen),
	)
}

// Hex formats a uint64 as a 0x-prefixed hex string for logging.
func Hex(addr uint64) string {
	return "0x" + hexString(addr)
}

func hexString(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 16)
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}
