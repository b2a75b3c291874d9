package internal

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"
)

// LogLevel represents different logging levels
type LogLevel int

const (
	LogLevelError LogLevel = iota
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "ERROR"
	case LogLevelWarn:
		return "WARN"
	case LogLevelInfo:
		return "INFO"
	case LogLevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// Redactor rewrites a log line so that secrets never reach the output
type Redactor interface {
	Redact(input string) string
}

// PatternRedactor replaces the value captured by each pattern with [REDACTED].
// Every pattern must have exactly one capture group holding the secret.
type PatternRedactor struct {
	patterns []*regexp.Regexp
}

// Redact implements Redactor
func (r *PatternRedactor) Redact(input string) string {
	for _, re := range r.patterns {
		input = re.ReplaceAllStringFunc(input, func(match string) string {
			loc := re.FindStringSubmatchIndex(match)
			if len(loc) < 4 || loc[2] < 0 || loc[3] == loc[2] {
				return match
			}
			return match[:loc[2]] + "[REDACTED]" + match[loc[3]:]
		})
	}
	return input
}

// NewCredentialRedactor redacts session cookies and authorization values
func NewCredentialRedactor() *PatternRedactor {
	return &PatternRedactor{patterns: []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:phpsessid|sessionid|session|sid|auth|login|xfss|user)=([^;\s&]+)`),
		regexp.MustCompile(`(?i)authorization:\s*(?:bearer|basic)?\s*([^\s;]+)`),
	}}
}

// NewQueryRedactor redacts secrets passed as URL or form parameters
func NewQueryRedactor() *PatternRedactor {
	return &PatternRedactor{patterns: []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:access_token|token|key|secret|password|pass|pwd)=([^&\s]+)`),
	}}
}

// SecureLogger provides leveled logging with sensitive data redaction
type SecureLogger struct {
	mu        sync.Mutex
	logger    *log.Logger
	level     LogLevel
	debug     bool
	quiet     bool
	redactors []Redactor
}

// NewSecureLogger creates a new secure logger
func NewSecureLogger(output io.Writer, level LogLevel, debug, quiet bool) *SecureLogger {
	return &SecureLogger{
		logger: log.New(output, "", 0),
		level:  level,
		debug:  debug,
		quiet:  quiet,
		redactors: []Redactor{
			NewCredentialRedactor(),
			NewQueryRedactor(),
		},
	}
}

// NewDefaultLogger creates a logger with default settings
func NewDefaultLogger(debug, quiet bool) *SecureLogger {
	level := LogLevelInfo
	if debug {
		level = LogLevelDebug
	}
	if quiet {
		level = LogLevelError
	}

	return NewSecureLogger(os.Stderr, level, debug, quiet)
}

func (sl *SecureLogger) redactSensitiveData(input string) string {
	sl.mu.Lock()
	redactors := sl.redactors
	sl.mu.Unlock()
	for _, redactor := range redactors {
		input = redactor.Redact(input)
	}
	return input
}

func (sl *SecureLogger) shouldLog(level LogLevel) bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.quiet && level > LogLevelError {
		return false
	}
	return level <= sl.level
}

// emit formats, redacts and writes one line; debug mode adds the caller
func (sl *SecureLogger) emit(level LogLevel, format string, args ...interface{}) {
	if !sl.shouldLog(level) {
		return
	}

	message := sl.redactSensitiveData(fmt.Sprintf(format, args...))
	timestamp := time.Now().Format("2006-01-02 15:04:05")

	sl.mu.Lock()
	debug := sl.debug
	sl.mu.Unlock()

	if debug {
		for depth := 2; depth <= 4; depth++ {
			_, file, line, ok := runtime.Caller(depth)
			if base := filepath.Base(file); ok && base != "logger.go" && base != "log.go" {
				sl.logger.Printf("[%s] %s %s:%d %s", timestamp, level, base, line, message)
				return
			}
		}
	}

	sl.logger.Printf("[%s] %s %s", timestamp, level, message)
}

// Error logs an error message
func (sl *SecureLogger) Error(format string, args ...interface{}) {
	sl.emit(LogLevelError, format, args...)
}

// Warn logs a warning message
func (sl *SecureLogger) Warn(format string, args ...interface{}) {
	sl.emit(LogLevelWarn, format, args...)
}

// Info logs an info message
func (sl *SecureLogger) Info(format string, args ...interface{}) {
	sl.emit(LogLevelInfo, format, args...)
}

// Debug logs a debug message
func (sl *SecureLogger) Debug(format string, args ...interface{}) {
	sl.emit(LogLevelDebug, format, args...)
}

// LogHTTPRequest logs an HTTP request with sensitive headers removed
func (sl *SecureLogger) LogHTTPRequest(req *http.Request) {
	if !sl.shouldLog(LogLevelDebug) {
		return
	}
	sl.Debug("HTTP Request: %s %s Headers: %v", req.Method, req.URL.String(), sanitizeHeaders(req.Header))
}

// LogHTTPResponse logs an HTTP response with sensitive headers removed
func (sl *SecureLogger) LogHTTPResponse(resp *http.Response) {
	if !sl.shouldLog(LogLevelDebug) {
		return
	}
	sl.Debug("HTTP Response: %s Headers: %v", resp.Status, sanitizeHeaders(resp.Header))
}

func sanitizeHeaders(header http.Header) map[string]string {
	out := make(map[string]string, len(header))
	for name, values := range header {
		if isSensitiveHeader(name) {
			out[name] = "[REDACTED]"
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}

func isSensitiveHeader(name string) bool {
	lower := strings.ToLower(name)
	for _, sensitive := range []string{"authorization", "cookie", "token", "api-key"} {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}

// SetLevel sets the logging level
func (sl *SecureLogger) SetLevel(level LogLevel) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.level = level
}

// SetDebug enables or disables debug mode
func (sl *SecureLogger) SetDebug(debug bool) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.debug = debug
	if debug {
		sl.level = LogLevelDebug
	}
}

// SetQuiet enables or disables quiet mode
func (sl *SecureLogger) SetQuiet(quiet bool) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.quiet = quiet
	if quiet {
		sl.level = LogLevelError
	}
}

// AddRedactor adds a custom redactor
func (sl *SecureLogger) AddRedactor(redactor Redactor) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.redactors = append(sl.redactors, redactor)
}
