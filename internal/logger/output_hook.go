package logger

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// OutputRouterHook routes log entries to different outputs based on log_type.
// When FileWriter is set every entry is also written there, regardless of type.
type OutputRouterHook struct {
	UserFormatter logrus.Formatter
	OpFormatter   logrus.Formatter
	FileFormatter logrus.Formatter
	UserWriter    io.Writer
	OpWriter      io.Writer
	FileWriter    io.Writer

	mu sync.Mutex
}

// NewOutputRouterHook creates a new output router hook
func NewOutputRouterHook() *OutputRouterHook {
	return &OutputRouterHook{
		UserFormatter: &CLIFormatter{
			DisableTimestamp: true,
			DisableLevel:     true,
		},
		OpFormatter:   &CLIFormatter{},
		FileFormatter: &logrus.JSONFormatter{},
		UserWriter:    os.Stdout,
		OpWriter:      os.Stderr,
	}
}

// Levels returns all log levels (this hook processes all levels)
func (h *OutputRouterHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire is called when a log event is fired
func (h *OutputRouterHook) Fire(entry *logrus.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.FileWriter != nil {
		data, err := h.FileFormatter.Format(entry)
		if err != nil {
			return err
		}
		if _, err := h.FileWriter.Write(data); err != nil {
			return err
		}
	}

	logType, _ := entry.Data["log_type"].(string)

	formatter, writer := h.OpFormatter, h.OpWriter
	if logType == string(UserLog) {
		formatter, writer = h.UserFormatter, h.UserWriter
		if emoji, ok := entry.Data["emoji"].(string); ok && emoji != "" {
			// Format a copy so the file log keeps the bare message.
			decorated := *entry
			decorated.Message = emoji + " " + entry.Message
			entry = &decorated
		}
	}

	data, err := formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = writer.Write(data)
	return err
}
