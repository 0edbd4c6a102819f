package logger

import (
	"sync"

	"go.uber.org/zap"
)

type Logger struct {
	sugar *zap.SugaredLogger
}

// New builds a development zap logger. Production callers that need JSON
// output use FromZap with their own zap.Logger.
func New() *Logger {
	l, err := zap.NewDevelopment(zap.AddCallerSkip(2))
	if err != nil {
		l = zap.NewNop()
	}
	return &Logger{sugar: l.Sugar()}
}

func FromZap(l *zap.Logger) *Logger {
	return &Logger{sugar: l.WithOptions(zap.AddCallerSkip(2)).Sugar()}
}

func (l *Logger) Info(format string, v ...interface{}) {
	l.sugar.Infof(format, v...)
}

func (l *Logger) Warn(format string, v ...interface{}) {
	l.sugar.Warnf(format, v...)
}

func (l *Logger) Error(format string, v ...interface{}) {
	l.sugar.Errorf(format, v...)
}

func (l *Logger) Debug(format string, v ...interface{}) {
	l.sugar.Debugf(format, v...)
}

func (l *Logger) Fatal(format string, v ...interface{}) {
	l.sugar.Fatalf(format, v...)
}

func (l *Logger) Sync() error {
	return l.sugar.Sync()
}

var (
	mu           sync.RWMutex
	globalLogger = New()
)

// SetGlobal replaces the logger used by the package-level helpers.
func SetGlobal(l *Logger) {
	mu.Lock()
	defer mu.Unlock()
	globalLogger = l
}

func global() *Logger {
	mu.RLock()
	defer mu.RUnlock()
	return globalLogger
}

// L returns the global logger as a zap.SugaredLogger for components that
// take one by injection.
func L() *zap.SugaredLogger {
	return global().sugar.Desugar().WithOptions(zap.AddCallerSkip(-2)).Sugar()
}

// Convenience functions
func Info(format string, v ...interface{}) {
	global().Info(format, v...)
}

func Warn(format string, v ...interface{}) {
	global().Warn(format, v...)
}

func Error(format string, v ...interface{}) {
	global().Error(format, v...)
}

func Debug(format string, v ...interface{}) {
	global().Debug(format, v...)
}

func Fatal(format string, v ...interface{}) {
	global().Fatal(format, v...)
}

func Sync() error {
	return global().Sync()
}
