package internal

import (
	"errors"
	"io"
	"os"
	"strings"
	"sync"
)

var (
	globalLogger *SecureLogger
	loggerMutex  sync.Mutex
)

// InitLogger initializes the global logger with the given configuration
func InitLogger(config *Config) error {
	level := parseLogLevel(config.LogLevel)

	var output io.Writer = os.Stderr
	if config.LogFile != "" {
		file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return NewValidationError("log_file", "failed to open log file").
				WithSuggestion("Check file permissions and path validity").
				WithContext("file", config.LogFile).
				WithContext("error", err.Error())
		}
		output = file
	}

	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	globalLogger = NewSecureLogger(output, level, config.EnableDebug, config.QuietMode)

	return nil
}

// GetLogger returns the global logger instance
func GetLogger() *SecureLogger {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()

	if globalLogger == nil {
		globalLogger = NewDefaultLogger(false, false)
	}

	return globalLogger
}

func parseLogLevel(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// LogError logs an error message using the global logger
func LogError(format string, args ...interface{}) {
	GetLogger().Error(format, args...)
}

// LogWarn logs a warning message using the global logger
func LogWarn(format string, args ...interface{}) {
	GetLogger().Warn(format, args...)
}

// LogInfo logs an info message using the global logger
func LogInfo(format string, args ...interface{}) {
	GetLogger().Info(format, args...)
}

// LogDebug logs a debug message using the global logger
func LogDebug(format string, args ...interface{}) {
	GetLogger().Debug(format, args...)
}

// LogFailure logs any error, using the severity of a HostError when there is one
func LogFailure(err error) {
	var hostErr *HostError
	if !errors.As(err, &hostErr) {
		var validationErr *ValidationError
		if errors.As(err, &validationErr) {
			GetLogger().Error("Validation Error: %s", validationErr.DetailedError())
			return
		}
		GetLogger().Error("%v", err)
		return
	}

	logger := GetLogger()
	if hostErr.IsCritical() {
		logger.Error("CRITICAL: %s", hostErr.DetailedError())
		return
	}
	switch hostErr.Severity {
	case SeverityWarning:
		logger.Warn("%s", hostErr.DetailedError())
	case SeverityInfo:
		logger.Info("%s", hostErr.DetailedError())
	default:
		logger.Error("%s", hostErr.DetailedError())
	}
}
