package utils

import (
	"fmt"
	"net/url"
	"strings"

	"hostfetch/internal"
)

// URLInfo contains the parts of a download link the registry dispatches on
type URLInfo struct {
	OriginalURL string
	Scheme      string
	Host        string
	Path        string
}

// ParseLink validates a download link and splits it for dispatch
func ParseLink(rawURL string) (*URLInfo, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, internal.NewValidationError("url", "URL cannot be empty")
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, internal.NewValidationError("url", fmt.Sprintf("invalid URL format: %v", err))
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, internal.NewInvalidURLError(rawURL, "URL must use http or https protocol")
	}

	host := NormalizeHost(parsedURL.Hostname())
	if host == "" {
		return nil, internal.NewInvalidURLError(rawURL, "URL has no host")
	}

	return &URLInfo{
		OriginalURL: rawURL,
		Scheme:      parsedURL.Scheme,
		Host:        host,
		Path:        parsedURL.EscapedPath(),
	}, nil
}

// NormalizeHost lowercases host and drops a leading "www." and trailing dot
func NormalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	return strings.TrimPrefix(host, "www.")
}

// HostMatches reports whether host is domain or one of its subdomains
func HostMatches(host, domain string) bool {
	host, domain = NormalizeHost(host), NormalizeHost(domain)
	if host == "" || domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// MatchesAny reports whether the link's host belongs to one of domains
func (u *URLInfo) MatchesAny(domains []string) bool {
	for _, d := range domains {
		if HostMatches(u.Host, d) {
			return true
		}
	}
	return false
}

// String returns a string representation of the URLInfo
func (u *URLInfo) String() string {
	return fmt.Sprintf("URLInfo{Host: %s, Path: %s}", u.Host, u.Path)
}
