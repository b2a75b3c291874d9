package internal

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	DefaultTimeout   int
	MaxRetries       int
	UploadWorkers    int
	UserAgentList    []string
	ServicesFile     string
	CaptchaUsername  string
	CaptchaPassword  string
	CaptchaEndpoint  string
	CaptchaPollLimit time.Duration

	// Logging configuration
	LogLevel    string
	EnableDebug bool
	QuietMode   bool
	LogFile     string
}

// ServiceOptions is the plain option map of a single hosting service,
// keyed by option name. Each service turns it into its own typed config.
type ServiceOptions map[string]string

// ServicesFile is the on-disk layout of the services file
type ServicesFile struct {
	Services map[string]ServiceOptions `yaml:"services"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DefaultTimeout:   30,
		MaxRetries:       3,
		UploadWorkers:    2,
		CaptchaPollLimit: 2 * time.Minute,
		UserAgentList: []string{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},
		ServicesFile: "hostfetch.yaml",

		// Logging defaults
		LogLevel:    "info",
		EnableDebug: false,
		QuietMode:   false,
		LogFile:     "", // Empty means stderr
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() {
	if timeout := os.Getenv("HOSTFETCH_TIMEOUT"); timeout != "" {
		if t, err := strconv.Atoi(timeout); err == nil && t > 0 {
			c.DefaultTimeout = t
		}
	}

	if workers := os.Getenv("HOSTFETCH_WORKERS"); workers != "" {
		if w, err := strconv.Atoi(workers); err == nil && w > 0 && w <= 16 {
			c.UploadWorkers = w
		}
	}

	if file := os.Getenv("HOSTFETCH_SERVICES"); file != "" {
		c.ServicesFile = file
	}

	c.CaptchaUsername = GetEnvWithDefault("HOSTFETCH_CAPTCHA_USER", c.CaptchaUsername)
	c.CaptchaPassword = GetEnvWithDefault("HOSTFETCH_CAPTCHA_PASS", c.CaptchaPassword)
	c.CaptchaEndpoint = GetEnvWithDefault("HOSTFETCH_CAPTCHA_ENDPOINT", c.CaptchaEndpoint)

	if logLevel := os.Getenv("HOSTFETCH_LOG_LEVEL"); logLevel != "" {
		c.LogLevel = logLevel
	}

	if debug := os.Getenv("HOSTFETCH_DEBUG"); debug != "" {
		c.EnableDebug = debug == "true" || debug == "1"
	}

	if quiet := os.Getenv("HOSTFETCH_QUIET"); quiet != "" {
		c.QuietMode = quiet == "true" || quiet == "1"
	}

	if logFile := os.Getenv("HOSTFETCH_LOG_FILE"); logFile != "" {
		c.LogFile = logFile
	}
}

// GetEnvWithDefault returns environment variable value or default
func GetEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Timeout returns the HTTP timeout as a duration
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.DefaultTimeout) * time.Second
}

// ValidateConfig validates the configuration values
func (c *Config) ValidateConfig() error {
	if c.DefaultTimeout < 1 {
		return fmt.Errorf("invalid default timeout: %d (must be > 0)", c.DefaultTimeout)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("invalid max retries: %d (must be >= 0)", c.MaxRetries)
	}

	if c.UploadWorkers < 1 || c.UploadWorkers > 16 {
		return fmt.Errorf("invalid upload workers: %d (must be 1-16)", c.UploadWorkers)
	}

	if len(c.UserAgentList) == 0 {
		return fmt.Errorf("user agent list cannot be empty")
	}

	if c.CaptchaPollLimit <= 0 {
		return fmt.Errorf("invalid captcha poll limit: %v (must be > 0)", c.CaptchaPollLimit)
	}

	return nil
}

// LoadServices reads the services file and returns the option map of every
// configured service, keyed by service ID.
func LoadServices(path string) (map[string]ServiceOptions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewValidationError("services_file", "failed to read services file").
			WithContext("file", path).
			WithContext("error", err.Error())
	}
	return ParseServices(data)
}

// ParseServices decodes a YAML services document
func ParseServices(data []byte) (map[string]ServiceOptions, error) {
	var file ServicesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, NewValidationError("services_file", fmt.Sprintf("invalid YAML: %v", err)).
			WithSuggestion("The file must contain a top-level 'services' mapping of id to options")
	}

	if len(file.Services) == 0 {
		return nil, NewValidationError("services_file", "no services defined")
	}

	for id, opts := range file.Services {
		if opts == nil {
			file.Services[id] = ServiceOptions{}
		}
	}

	return file.Services, nil
}
