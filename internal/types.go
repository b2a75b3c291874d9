package internal

import (
	"net/http"
	"time"
)

// Response is the parsed outcome of an HTTP request made against a
// hosting site: enough of the page for link extraction.
type Response struct {
	StatusCode int
	URL        string // final URL after redirects
	Header     http.Header
	Content    string
}

// Location returns the Location header, if the site answered with a redirect
func (r *Response) Location() string {
	if r == nil || r.Header == nil {
		return ""
	}
	return r.Header.Get("Location")
}

// Credentials identifies an account on a hosting or solving service
type Credentials struct {
	Username string
	Password string
}

// IsZero reports whether no credentials were supplied
func (c Credentials) IsZero() bool {
	return c.Username == "" && c.Password == ""
}

// FileMetadata describes a remote file behind a download link
type FileMetadata struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	DirectURL string    `json:"direct_url"`
	Link      string    `json:"link"`
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"`
}

// UploadResult is what the caller gets back once an upload channel closes
type UploadResult struct {
	Service  string        `json:"service"`
	Filename string        `json:"filename"`
	Size     int64         `json:"size"`
	Link     string        `json:"link"`
	Elapsed  time.Duration `json:"elapsed"`
}
