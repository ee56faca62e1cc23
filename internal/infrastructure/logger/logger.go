package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Logger struct {
	*zap.SugaredLogger
}

// Options configures the console and optional rotating file sinks.
type Options struct {
	Level string
	File  string
	Name  string
}

func New(opts Options) (*Logger, error) {
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	// Diagnostics go to stderr so list output on stdout stays parseable.
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(os.Stderr), level),
	}
	if opts.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(rotating), level))
	}

	return NewWithCore(zapcore.NewTee(cores...), opts.Name), nil
}

// NewWithCore wraps an existing core, used by tests with zaptest/observer.
func NewWithCore(core zapcore.Core, name string) *Logger {
	zl := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if name != "" {
		zl = zl.Named(name)
	}
	return &Logger{zl.Sugar()}
}

func Nop() *Logger {
	return &Logger{zap.NewNop().Sugar()}
}

// ForRun tags every entry with the restore run and the database it targets.
func (l *Logger) ForRun(runID, database string) *Logger {
	return &Logger{l.With("run_id", runID, "database", database)}
}

func (l *Logger) Close() {
	_ = l.Sync()
}
