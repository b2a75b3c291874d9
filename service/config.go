package service

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"hostfetch/internal"
	"hostfetch/utils"
)

// FormConfig describes a site driven through plain HTML forms. Locator
// fields take either a regular expression or "css:SELECTOR@ATTR".
type FormConfig struct {
	ID      string
	Domains []string

	// UploadPage hosts the upload form; its hidden fields are sent along
	UploadPage string
	// UploadURL overrides the form action
	UploadURL        string
	UploadForm       string
	FileField        string
	DescriptionField string
	MaxUploadSize    int64
	// LinkPattern finds the download link in the upload response
	LinkPattern string

	DirectLinkPattern string
	WaitPattern       string
	MaxWait           time.Duration
	CaptchaPattern    string
	CaptchaForm       string
	CaptchaField      string
	// CaptchaErrorPattern recognises a page that rejected the answer
	CaptchaErrorPattern string
	CaptchaAttempts     int
	Resume              bool

	LoginURL         string
	LoginForm        string
	LoginUserField   string
	LoginPassField   string
	LoginFailPattern string
	LogoutURL        string
	Premium          bool

	CacheSize int
}

// DefaultFormConfig returns the configuration every site starts from
func DefaultFormConfig() FormConfig {
	return FormConfig{
		UploadForm:      "form",
		FileField:       "file",
		LinkPattern:     `https?://[^\s"'<>]+`,
		MaxWait:         2 * time.Minute,
		CaptchaForm:     "form",
		CaptchaField:    "code",
		CaptchaAttempts: 3,
		Resume:          true,
		LoginForm:       "form",
		LoginUserField:  "login",
		LoginPassField:  "password",
		CacheSize:       256,
	}
}

// FormConfigFromOptions builds a config from a plain option map, as read
// from the services file. Unset options keep their defaults.
func FormConfigFromOptions(id string, opts map[string]string) (FormConfig, error) {
	cfg := DefaultFormConfig()
	cfg.ID = id

	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := strings.TrimSpace(opts[key])
		var err error

		switch key {
		case "domains":
			cfg.Domains = splitList(value)
		case "upload_page":
			cfg.UploadPage = value
		case "upload_url":
			cfg.UploadURL = value
		case "upload_form":
			cfg.UploadForm = value
		case "file_field":
			cfg.FileField = value
		case "description_field":
			cfg.DescriptionField = value
		case "max_upload_size":
			cfg.MaxUploadSize, err = utils.ParseRateLimit(value)
		case "link_pattern":
			cfg.LinkPattern = value
		case "direct_link_pattern":
			cfg.DirectLinkPattern = value
		case "wait_pattern":
			cfg.WaitPattern = value
		case "max_wait":
			cfg.MaxWait, err = time.ParseDuration(value)
		case "captcha_pattern":
			cfg.CaptchaPattern = value
		case "captcha_form":
			cfg.CaptchaForm = value
		case "captcha_field":
			cfg.CaptchaField = value
		case "captcha_error_pattern":
			cfg.CaptchaErrorPattern = value
		case "captcha_attempts":
			cfg.CaptchaAttempts, err = strconv.Atoi(value)
		case "resume":
			cfg.Resume, err = strconv.ParseBool(value)
		case "login_url":
			cfg.LoginURL = value
		case "login_form":
			cfg.LoginForm = value
		case "login_user_field":
			cfg.LoginUserField = value
		case "login_pass_field":
			cfg.LoginPassField = value
		case "login_fail_pattern":
			cfg.LoginFailPattern = value
		case "logout_url":
			cfg.LogoutURL = value
		case "premium":
			cfg.Premium, err = strconv.ParseBool(value)
		case "cache_size":
			cfg.CacheSize, err = strconv.Atoi(value)
		default:
			return cfg, internal.NewValidationErrorWithValue(key, "unknown service option", value).
				WithContext("service", id)
		}

		if err != nil {
			return cfg, internal.NewValidationErrorWithValue(key, fmt.Sprintf("invalid value: %v", err), value).
				WithContext("service", id)
		}
	}

	return cfg, cfg.Validate()
}

// Validate checks the fields a site cannot work without
func (c FormConfig) Validate() error {
	if c.ID == "" {
		return internal.NewValidationError("id", "service ID cannot be empty")
	}
	if len(c.Domains) == 0 {
		return internal.NewValidationError("domains", "at least one domain is required").
			WithContext("service", c.ID)
	}
	if c.CaptchaAttempts < 1 {
		return internal.NewValidationErrorWithValue("captcha_attempts", "must be at least 1", c.CaptchaAttempts).
			WithContext("service", c.ID)
	}
	if c.CacheSize < 1 {
		return internal.NewValidationErrorWithValue("cache_size", "must be at least 1", c.CacheSize).
			WithContext("service", c.ID)
	}
	if c.MaxWait < 0 {
		return internal.NewValidationErrorWithValue("max_wait", "cannot be negative", c.MaxWait).
			WithContext("service", c.ID)
	}
	return nil
}

// CanUpload reports whether the site has an upload endpoint configured
func (c FormConfig) CanUpload() bool {
	return c.UploadPage != "" || c.UploadURL != ""
}

// CanLogin reports whether the site has a login form configured
func (c FormConfig) CanLogin() bool {
	return c.LoginURL != ""
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
