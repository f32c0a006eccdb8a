package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	User *UserLogger // Clean messages for users (stdout)
	Op   *OpLogger   // Detailed operational logs (stderr)

	routerMu sync.Mutex
	router   *OutputRouterHook
	logFile  *lumberjack.Logger
)

func init() {
	internal := GetLogger().GetInternalLogger()
	User = &UserLogger{logger: internal}
	Op = &OpLogger{logger: internal}
}

type UserLogger struct {
	logger *logrus.Logger
}

type OpLogger struct {
	logger *logrus.Logger
}

func (u *UserLogger) entry(emoji string) *logrus.Entry {
	fields := logrus.Fields{"log_type": string(UserLog)}
	if emoji != "" {
		fields["emoji"] = emoji
	}
	return u.logger.WithFields(fields)
}

func (u *UserLogger) Info(msg string) { u.entry("").Info(msg) }

func (u *UserLogger) Infof(format string, args ...interface{}) { u.entry("").Infof(format, args...) }

func (u *UserLogger) Warn(msg string) { u.entry("⚠️").Warn(msg) }

func (u *UserLogger) Warnf(format string, args ...interface{}) { u.entry("⚠️").Warnf(format, args...) }

func (u *UserLogger) Error(msg string) { u.entry("❌").Error(msg) }

func (u *UserLogger) Errorf(format string, args ...interface{}) { u.entry("❌").Errorf(format, args...) }

// Task and run lifecycle messages

func (u *UserLogger) Starting(msg string) { u.entry("🚀").Info(msg) }

func (u *UserLogger) Startingf(format string, args ...interface{}) {
	u.entry("🚀").Infof(format, args...)
}

func (u *UserLogger) Success(msg string) { u.entry("✅").Info(msg) }

func (u *UserLogger) Successf(format string, args ...interface{}) {
	u.entry("✅").Infof(format, args...)
}

func (u *UserLogger) Reusedf(format string, args ...interface{}) {
	u.entry("♻️").Infof(format, args...)
}

func (u *UserLogger) Failedf(format string, args ...interface{}) {
	u.entry("❌").Errorf(format, args...)
}

func (u *UserLogger) Cleanupf(format string, args ...interface{}) {
	u.entry("🧹").Infof(format, args...)
}

func (o *OpLogger) entry() *logrus.Entry {
	return o.logger.WithField("log_type", string(OpLog))
}

func (o *OpLogger) Info(msg string) { o.entry().Info(msg) }

func (o *OpLogger) Infof(format string, args ...interface{}) { o.entry().Infof(format, args...) }

func (o *OpLogger) Error(msg string) { o.entry().Error(msg) }

func (o *OpLogger) Errorf(format string, args ...interface{}) { o.entry().Errorf(format, args...) }

func (o *OpLogger) Warn(msg string) { o.entry().Warn(msg) }

func (o *OpLogger) Warnf(format string, args ...interface{}) { o.entry().Warnf(format, args...) }

func (o *OpLogger) Debug(msg string) { o.entry().Debug(msg) }

func (o *OpLogger) Debugf(format string, args ...interface{}) { o.entry().Debugf(format, args...) }

func (o *OpLogger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["log_type"] = string(OpLog)
	return o.logger.WithFields(fields)
}

// WithTask returns an operational entry carrying the task-scoped fields.
func (o *OpLogger) WithTask(taskID, handler string) *logrus.Entry {
	return o.WithFields(map[string]interface{}{
		"task":    taskID,
		"handler": handler,
	})
}

// CLIFormatter provides clean output for CLI applications
type CLIFormatter struct {
	DisableTimestamp bool
	DisableLevel     bool
	DisableColors    bool
}

func (f *CLIFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer

	if f.DisableLevel && f.DisableTimestamp {
		b.WriteString(entry.Message)
		b.WriteByte('\n')
		return b.Bytes(), nil
	}

	if !f.DisableTimestamp {
		b.WriteString(entry.Time.Format("15:04:05 "))
	}

	if !f.DisableLevel {
		levelColor, resetColor := "", ""
		if !f.DisableColors {
			switch entry.Level {
			case logrus.ErrorLevel:
				levelColor = "\033[31m"
			case logrus.WarnLevel:
				levelColor = "\033[33m"
			case logrus.InfoLevel:
				levelColor = "\033[36m"
			case logrus.DebugLevel:
				levelColor = "\033[37m"
			}
			resetColor = "\033[0m"
		}
		b.WriteString(levelColor)
		b.WriteString(strings.ToUpper(entry.Level.String()))
		b.WriteString(resetColor)
		b.WriteString(": ")
	}

	b.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k == "log_type" || k == "emoji" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(fmt.Sprintf(" %s=%v", k, entry.Data[k]))
	}

	b.WriteByte('\n')
	return b.Bytes(), nil
}

func Setup(verbose bool, jsonLogs bool, quiet bool) {
	// Environment overrides CLI flags
	switch os.Getenv("LOG_MODE") {
	case "quiet":
		quiet, verbose = true, false
	case "verbose", "debug":
		verbose, quiet = true, false
	}
	switch os.Getenv("LOG_FORMAT") {
	case "json":
		jsonLogs = true
	case "text":
		jsonLogs = false
	}

	internalLogger := GetLogger().GetInternalLogger()

	level := logrus.InfoLevel
	if quiet {
		level = logrus.ErrorLevel
	} else if verbose {
		level = logrus.DebugLevel
	}

	hook := NewOutputRouterHook()
	if jsonLogs {
		hook.UserFormatter = &logrus.JSONFormatter{}
		hook.OpFormatter = &logrus.JSONFormatter{}
	} else if verbose {
		hook.OpFormatter = &logrus.TextFormatter{
			FullTimestamp: true,
			ForceColors:   isatty.IsTerminal(os.Stderr.Fd()),
		}
	} else {
		hook.OpFormatter = &CLIFormatter{
			DisableTimestamp: true,
			DisableColors:    !isatty.IsTerminal(os.Stderr.Fd()),
		}
	}

	routerMu.Lock()
	if logFile != nil {
		hook.FileWriter = logFile
	}
	router = hook
	routerMu.Unlock()

	internalLogger.Hooks = make(logrus.LevelHooks)
	internalLogger.SetOutput(io.Discard) // Output handled by hooks
	internalLogger.SetLevel(level)
	internalLogger.AddHook(hook)

	User = &UserLogger{logger: internalLogger}
	Op = &OpLogger{logger: internalLogger}
}

// SetupFile additionally writes every entry as JSON to a size-rotated file.
// Call it after Setup.
func SetupFile(path string, maxSizeMB, maxBackups int) {
	routerMu.Lock()
	defer routerMu.Unlock()

	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}
	if router != nil {
		router.mu.Lock()
		router.FileWriter = logFile
		router.mu.Unlock()
	}
}

// Close flushes and closes the rotating log file, if any.
func Close() error {
	routerMu.Lock()
	defer routerMu.Unlock()
	if logFile == nil {
		return nil
	}
	if router != nil {
		router.mu.Lock()
		router.FileWriter = nil
		router.mu.Unlock()
	}
	err := logFile.Close()
	logFile = nil
	return err
}
