// Package transport runs the asynchronous multipart request behind an
// upload channel.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sort"
	"strings"
	"sync"

	"hostfetch/channel"
	"hostfetch/internal"
	"hostfetch/utils"
)

// ErrLengthMismatch aborts a request whose body differs from the declared length
var ErrLengthMismatch = errors.New("upload body does not match declared length")

// MultipartUpload describes a multipart/form-data POST whose file part is
// streamed from a channel
type MultipartUpload struct {
	URL       string
	FileField string
	Filename  string
	// Length of the file part; negative sends the body chunked
	Length      int64
	ContentType string
	Fields      map[string]string
	Header      map[string]string
}

// Option configures Start
type Option func(*options)

type options struct {
	limiter internal.RateLimiter
}

// WithRateLimiter paces the file part through limiter
func WithRateLimiter(limiter internal.RateLimiter) Option {
	return func(o *options) { o.limiter = limiter }
}

// Start links a pipe-backed sink into ch and sends the request on its own
// goroutine. When Start returns nil the caller may write the payload into
// ch; closing ch ends the body and waits for the response.
func Start(ctx context.Context, client *utils.HTTPClient, upload MultipartUpload, ch *channel.LinkedChannel, opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if upload.FileField == "" {
		upload.FileField = "file"
	}
	if upload.Filename == "" {
		upload.Filename = ch.Filename()
	}

	prefix, suffix, contentType, err := renderEnvelope(upload)
	if err != nil {
		return err
	}

	pr, pw := io.Pipe()
	body := io.MultiReader(bytes.NewReader(prefix), pr, bytes.NewReader(suffix))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, upload.URL, body)
	if err != nil {
		return internal.NewInvalidURLError(upload.URL, err.Error())
	}
	req.Header.Set("Content-Type", contentType)
	for key, value := range upload.Header {
		req.Header.Set(key, value)
	}
	if upload.Length >= 0 {
		req.ContentLength = int64(len(prefix)) + upload.Length + int64(len(suffix))
	} else {
		req.ContentLength = -1
	}

	sink := &pipeSink{ctx: ctx, pw: pw, length: upload.Length, limiter: o.limiter, open: true}
	if err := ch.Link(sink); err != nil {
		pw.Close()
		return err
	}

	internal.LogDebug("upload %s started: %s -> %s", ch.ID(), upload.Filename, upload.URL)
	go run(client, req, pr, ch)
	return nil
}

func run(client *utils.HTTPClient, req *http.Request, pr *io.PipeReader, ch *channel.LinkedChannel) {
	resp, err := client.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		internal.LogDebug("upload %s failed: %v", ch.ID(), err)
		_ = ch.Complete(nil, err)
		return
	}

	// the server may answer before reading the whole body; unblock the writer
	pr.Close()

	page, err := utils.ReadResponse(resp)
	if err == nil && page.StatusCode >= 400 {
		err = internal.NewHostError(page.StatusCode, "upload rejected by server", internal.ErrInvalidResponse).
			WithURL(page.URL)
	}
	internal.LogDebug("upload %s finished with status %d", ch.ID(), resp.StatusCode)
	_ = ch.Complete(page, err)
}

// renderEnvelope writes the multipart fields and file part header, then
// the closing boundary, so the file bytes can be streamed in between.
func renderEnvelope(upload MultipartUpload) (prefix, suffix []byte, contentType string, err error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	keys := make([]string, 0, len(upload.Fields))
	for k := range upload.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := w.WriteField(k, upload.Fields[k]); err != nil {
			return nil, nil, "", fmt.Errorf("failed to write field %s: %w", k, err)
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		escapeQuotes(upload.FileField), escapeQuotes(upload.Filename)))
	ct := upload.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	if _, err := w.CreatePart(h); err != nil {
		return nil, nil, "", fmt.Errorf("failed to write file part: %w", err)
	}

	prefix = append([]byte(nil), buf.Bytes()...)
	buf.Reset()
	if err := w.Close(); err != nil {
		return nil, nil, "", err
	}
	suffix = append([]byte(nil), buf.Bytes()...)
	return prefix, suffix, w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// pipeSink is the channel.Sink linked into an upload channel. It feeds
// the request body and enforces the declared length.
type pipeSink struct {
	ctx     context.Context
	pw      *io.PipeWriter
	length  int64
	limiter internal.RateLimiter

	mu      sync.Mutex
	written int64
	open    bool
}

func (s *pipeSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	if s.length >= 0 && s.written+int64(len(p)) > s.length {
		s.open = false
		s.mu.Unlock()
		err := fmt.Errorf("%w: more than %d bytes written", ErrLengthMismatch, s.length)
		s.pw.CloseWithError(err)
		return 0, err
	}
	s.mu.Unlock()

	var w io.Writer = s.pw
	if s.limiter != nil {
		w = utils.NewThrottledWriter(s.ctx, s.pw, s.limiter)
	}
	n, err := w.Write(p)

	s.mu.Lock()
	s.written += int64(n)
	if err != nil {
		s.open = false
	}
	s.mu.Unlock()
	return n, err
}

func (s *pipeSink) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Close ends the file part. A short body aborts the request.
func (s *pipeSink) Close() error {
	s.mu.Lock()
	wasOpen, written := s.open, s.written
	s.open = false
	s.mu.Unlock()

	if s.length >= 0 && written != s.length {
		err := fmt.Errorf("%w: wrote %d of %d bytes", ErrLengthMismatch, written, s.length)
		s.pw.CloseWithError(err)
		return err
	}
	if !wasOpen {
		return nil
	}
	return s.pw.Close()
}
