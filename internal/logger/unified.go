package logger

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// LogType represents the type of log message
type LogType string

const (
	UserLog LogType = "user"
	OpLog   LogType = "op"
)

// UnifiedLogger owns the single logrus instance behind User and Op.
type UnifiedLogger struct {
	mu     sync.RWMutex
	logger *logrus.Logger
}

var (
	unifiedLog *UnifiedLogger
	once       sync.Once
)

// GetLogger returns the global logger instance, initializing it if necessary
func GetLogger() *UnifiedLogger {
	once.Do(func() {
		l := logrus.New()
		l.SetLevel(logrus.InfoLevel)
		l.SetFormatter(&CLIFormatter{DisableTimestamp: true, DisableLevel: true})
		unifiedLog = &UnifiedLogger{logger: l}
	})
	return unifiedLog
}

// GetInternalLogger returns the underlying logrus logger (use with caution)
func (l *UnifiedLogger) GetInternalLogger() *logrus.Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.logger
}
