package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"hostfetch/capability"
	"hostfetch/captcha"
	"hostfetch/channel"
	"hostfetch/extract"
	"hostfetch/internal"
	"hostfetch/transport"
	"hostfetch/utils"
)

// FormService is a site driven entirely by its FormConfig: a multipart
// upload form, a download page that may be gated by a challenge, and an
// optional login form. Session cookies live in the shared HTTP client.
type FormService struct {
	cfg     FormConfig
	client  *utils.HTTPClient
	solver  captcha.Service
	limiter internal.RateLimiter

	link    extract.Locator
	direct  extract.Locator
	wait    extract.Locator
	capErr  extract.Locator
	failed  extract.Locator
	scraper *captcha.ScrapedSolver

	// download page -> direct link
	links *lru.Cache[string, string]

	mu       sync.RWMutex
	loggedIn bool
}

// FormOption configures a FormService
type FormOption func(*FormService)

// WithSolver sets the backend used for download challenges
func WithSolver(solver captcha.Service) FormOption {
	return func(s *FormService) { s.solver = solver }
}

// WithRateLimiter paces uploads and downloads
func WithRateLimiter(limiter internal.RateLimiter) FormOption {
	return func(s *FormService) { s.limiter = limiter }
}

// NewFormService builds a site from cfg
func NewFormService(cfg FormConfig, client *utils.HTTPClient, opts ...FormOption) (*FormService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &FormService{cfg: cfg, client: client}
	for _, opt := range opts {
		opt(s)
	}

	var err error
	locators := []struct {
		def  string
		dst  *extract.Locator
		name string
	}{
		{cfg.LinkPattern, &s.link, "link_pattern"},
		{cfg.DirectLinkPattern, &s.direct, "direct_link_pattern"},
		{cfg.WaitPattern, &s.wait, "wait_pattern"},
		{cfg.CaptchaErrorPattern, &s.capErr, "captcha_error_pattern"},
		{cfg.LoginFailPattern, &s.failed, "login_fail_pattern"},
	}
	for _, l := range locators {
		if l.def == "" {
			continue
		}
		if *l.dst, err = extract.ParseLocator(l.def); err != nil {
			return nil, internal.NewValidationErrorWithValue(l.name, err.Error(), l.def).
				WithContext("service", cfg.ID)
		}
	}

	if cfg.CaptchaPattern != "" {
		loc, err := extract.ParseLocator(cfg.CaptchaPattern)
		if err != nil {
			return nil, internal.NewValidationErrorWithValue("captcha_pattern", err.Error(), cfg.CaptchaPattern).
				WithContext("service", cfg.ID)
		}
		s.scraper = captcha.NewScrapedSolver(loc)
	}

	s.links, err = lru.New[string, string](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create link cache: %w", err)
	}
	return s, nil
}

// ID implements Service
func (s *FormService) ID() string { return s.cfg.ID }

// Domains implements Service
func (s *FormService) Domains() []string { return append([]string(nil), s.cfg.Domains...) }

// UploadCapabilities implements UploadService
func (s *FormService) UploadCapabilities() capability.Matrix[UploaderCapability] {
	if !s.cfg.CanUpload() {
		return capability.New[UploaderCapability]()
	}
	caps := []UploaderCapability{UnauthenticatedUpload}
	if s.cfg.CanLogin() {
		caps = append(caps, NonPremiumAccountUpload)
		if s.cfg.Premium {
			caps = append(caps, PremiumAccountUpload)
		}
	}
	if s.cfg.MaxUploadSize > 0 {
		caps = append(caps, FileSizeRequired)
	}
	return capability.New(caps...)
}

// DownloadCapabilities implements DownloadService
func (s *FormService) DownloadCapabilities() capability.Matrix[DownloaderCapability] {
	caps := []DownloaderCapability{UnauthenticatedDownload}
	if s.cfg.Resume {
		caps = append(caps, UnauthenticatedResume)
	}
	if s.cfg.CanLogin() {
		caps = append(caps, NonPremiumAccountDownload)
		if s.cfg.Resume {
			caps = append(caps, NonPremiumAccountResume)
		}
		if s.cfg.Premium {
			caps = append(caps, PremiumAccountDownload, PremiumAccountResume)
		}
	}
	return capability.New(caps...)
}

// AuthenticationCapabilities implements AuthenticationService
func (s *FormService) AuthenticationCapabilities() capability.Matrix[AuthenticatorCapability] {
	if !s.cfg.CanLogin() {
		return capability.New[AuthenticatorCapability]()
	}
	if s.cfg.Premium {
		return capability.New(NonPremiumAccountAuthentication, PremiumAccountAuthentication)
	}
	return capability.New(NonPremiumAccountAuthentication)
}

// MaxUploadSize implements UploadService
func (s *FormService) MaxUploadSize() int64 { return s.cfg.MaxUploadSize }

// LoggedIn reports whether an authenticator has logged the session in
func (s *FormService) LoggedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loggedIn
}

func (s *FormService) setLoggedIn(v bool) {
	s.mu.Lock()
	s.loggedIn = v
	s.mu.Unlock()
}

// Uploader implements UploadService
func (s *FormService) Uploader(filename string, length int64, description string) (Uploader, error) {
	caps := s.UploadCapabilities()
	if !caps.HasAny(UnauthenticatedUpload, NonPremiumAccountUpload, PremiumAccountUpload) {
		return nil, internal.NewHostError(0, "service does not accept uploads", internal.ErrUnsupportedCapability).
			WithService(s.cfg.ID)
	}
	if length < 0 && caps.Has(FileSizeRequired) {
		return nil, internal.NewHostError(0, "service needs the file size before upload", internal.ErrUnsupportedCapability).
			WithService(s.cfg.ID)
	}
	if s.cfg.MaxUploadSize > 0 && length > s.cfg.MaxUploadSize {
		return nil, internal.NewHostError(413, "file exceeds the service upload limit", internal.ErrQuotaExceeded).
			WithService(s.cfg.ID).
			WithContext("limit", utils.FormatBytes(s.cfg.MaxUploadSize)).
			WithContext("size", utils.FormatBytes(length))
	}
	return &formUploader{svc: s, filename: filename, length: length, description: description}, nil
}

type formUploader struct {
	svc         *FormService
	filename    string
	length      int64
	description string
}

// Open resolves the upload form and starts the request in the background
func (u *formUploader) Open(ctx context.Context) (*channel.LinkedChannel, error) {
	s := u.svc
	action, fields := s.cfg.UploadURL, map[string]string{}

	if s.cfg.UploadPage != "" {
		page, err := s.client.GetPage(ctx, s.cfg.UploadPage, nil)
		if err != nil {
			return nil, s.wrap(err, "failed to load upload page")
		}
		formAction, values, err := extract.FormFields(page.Content, s.cfg.UploadForm)
		if err != nil {
			return nil, internal.WrapError(err, "upload form not found", internal.ErrInvalidResponse).
				WithService(s.cfg.ID).WithURL(page.URL)
		}
		for k := range values {
			fields[k] = values.Get(k)
		}
		if action == "" {
			if action, err = extract.Resolve(page.URL, formAction); err != nil {
				return nil, internal.WrapError(err, "invalid upload form action", internal.ErrInvalidResponse).
					WithService(s.cfg.ID)
			}
		}
	}
	if action == "" {
		return nil, internal.NewHostError(0, "no upload endpoint configured", internal.ErrUnsupportedCapability).
			WithService(s.cfg.ID)
	}
	if s.cfg.DescriptionField != "" && u.description != "" {
		fields[s.cfg.DescriptionField] = u.description
	}

	ch := channel.New(u.filename, u.length, s.extractUploadLink)
	upload := transport.MultipartUpload{
		URL:       action,
		FileField: s.cfg.FileField,
		Filename:  u.filename,
		Length:    u.length,
		Fields:    fields,
	}
	if err := transport.Start(ctx, s.client, upload, ch, transport.WithRateLimiter(s.limiter)); err != nil {
		return nil, s.wrap(err, "failed to start upload")
	}

	internal.LogInfo("Uploading %s to %s (channel %s)", u.filename, s.cfg.ID, ch.ID())
	return ch, nil
}

// extractUploadLink finds the download link on the page returned by an upload
func (s *FormService) extractUploadLink(resp *internal.Response) string {
	if s.link == nil {
		return ""
	}
	link, ok := s.link.Find(resp.Content)
	if !ok {
		// a 307/308 answer to a streamed POST is not followed
		if link = resp.Location(); link == "" {
			return ""
		}
	}
	if resp.URL == "" {
		return link
	}
	abs, err := extract.Resolve(resp.URL, link)
	if err != nil {
		return link
	}
	return abs
}

// Downloader implements DownloadService
func (s *FormService) Downloader(link string) (Downloader, error) {
	info, err := utils.ParseLink(link)
	if err != nil {
		return nil, err
	}
	if !info.MatchesAny(s.cfg.Domains) {
		return nil, internal.NewInvalidURLError(link, "link does not belong to "+s.cfg.ID)
	}
	return &formDownloader{svc: s, link: info.OriginalURL}, nil
}

type formDownloader struct {
	svc  *FormService
	link string
}

// Open resolves the direct link, solving challenges on the way, and
// starts the transfer at position
func (d *formDownloader) Open(ctx context.Context, position int64) (*Download, error) {
	s := d.svc
	if position > 0 && !s.cfg.Resume {
		return nil, internal.NewHostError(0, "service cannot resume downloads", internal.ErrUnsupportedCapability).
			WithService(s.cfg.ID)
	}

	direct, cached := s.links.Get(d.link)
	if !cached {
		var err error
		if direct, err = s.resolve(ctx, d.link); err != nil {
			return nil, err
		}
		s.links.Add(d.link, direct)
	}

	dl, err := s.fetch(ctx, direct, position)
	if err != nil && cached {
		// direct links expire; resolve once more from the page
		internal.LogDebug("Cached link for %s failed, resolving again: %v", d.link, err)
		s.links.Remove(d.link)
		if direct, err = s.resolve(ctx, d.link); err != nil {
			return nil, err
		}
		s.links.Add(d.link, direct)
		dl, err = s.fetch(ctx, direct, position)
	}
	return dl, err
}

// resolve walks from the download page to the direct file link
func (s *FormService) resolve(ctx context.Context, link string) (string, error) {
	page, err := s.client.GetPage(ctx, link, nil)
	if err != nil {
		return "", s.wrap(err, "failed to load download page")
	}

	for attempt := 1; ; attempt++ {
		if direct, ok := s.findDirect(page); ok {
			return direct, nil
		}

		var challenge *captcha.Captcha
		if s.scraper != nil {
			challenge, _ = s.scraper.Scrape(page.Content)
		}
		if challenge == nil {
			return "", internal.NewHostError(0, "download link not found on page", internal.ErrLinkNotFound).
				WithService(s.cfg.ID).WithURL(link)
		}
		if attempt > s.cfg.CaptchaAttempts {
			return "", internal.NewUnsolvableError("challenge still present after all attempts", nil).
				WithService(s.cfg.ID).WithContext("attempts", s.cfg.CaptchaAttempts)
		}

		if page, err = s.passChallenge(ctx, page, challenge); err != nil {
			return "", err
		}
	}
}

// passChallenge solves one challenge, submits the answer and tells the
// solver whether the site took it
func (s *FormService) passChallenge(ctx context.Context, page *internal.Response, c *captcha.Captcha) (*internal.Response, error) {
	solver := s.solver
	if !captcha.Supports(solver, captcha.Solve) {
		return nil, s.wrap(s.scraper.Solve(ctx, c), "download is gated by a challenge")
	}

	imageURL, err := extract.Resolve(page.URL, c.Presentation)
	if err != nil {
		return nil, internal.WrapError(err, "invalid challenge image location", internal.ErrInvalidResponse).
			WithService(s.cfg.ID)
	}
	c.Presentation = imageURL
	if c.Image, err = s.fetchImage(ctx, imageURL); err != nil {
		return nil, err
	}

	if err := s.countdown(ctx, page); err != nil {
		return nil, err
	}

	if err := solver.Solve(ctx, c); err != nil {
		return nil, err
	}

	formAction, fields, err := extract.FormFields(page.Content, s.cfg.CaptchaForm)
	if err != nil {
		return nil, internal.WrapError(err, "challenge form not found", internal.ErrInvalidResponse).
			WithService(s.cfg.ID)
	}
	action, err := extract.Resolve(page.URL, formAction)
	if err != nil {
		return nil, internal.WrapError(err, "invalid challenge form action", internal.ErrInvalidResponse).
			WithService(s.cfg.ID)
	}
	fields.Set(s.cfg.CaptchaField, c.Answer)

	next, err := s.client.PostPage(ctx, action, fields, map[string]string{"Referer": page.URL})
	if err != nil {
		// no verdict from the site, so nothing to report
		return nil, s.wrap(err, "failed to submit challenge answer")
	}

	accepted := !s.rejected(next)
	if err := captcha.Report(ctx, solver, c, accepted); err != nil {
		internal.LogWarn("Failed to report challenge outcome to solver: %v", err)
	}
	if accepted {
		internal.LogDebug("Challenge %s accepted by %s", c.ID, s.cfg.ID)
	} else {
		internal.LogInfo("Challenge answer rejected by %s, retrying", s.cfg.ID)
	}
	return next, nil
}

// rejected reports whether the page answering a submission still asks
// for a challenge
func (s *FormService) rejected(page *internal.Response) bool {
	if s.capErr != nil {
		if _, ok := s.capErr.Find(page.Content); ok {
			return true
		}
	}
	if _, ok := s.findDirect(page); ok {
		return false
	}
	_, again := s.scraper.Scrape(page.Content)
	return again
}

func (s *FormService) findDirect(page *internal.Response) (string, bool) {
	if s.direct == nil {
		return "", false
	}
	direct, ok := s.direct.Find(page.Content)
	if !ok {
		return "", false
	}
	if abs, err := extract.Resolve(page.URL, direct); err == nil {
		direct = abs
	}
	return direct, true
}

// countdown honours the wait a free download page imposes
func (s *FormService) countdown(ctx context.Context, page *internal.Response) error {
	if s.wait == nil {
		return nil
	}
	raw, ok := s.wait.Find(page.Content)
	if !ok {
		return nil
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || seconds <= 0 {
		return nil
	}

	wait := time.Duration(seconds) * time.Second
	if wait > s.cfg.MaxWait {
		return internal.NewHostError(0, "site imposes a longer wait than allowed", internal.ErrRateLimit).
			WithService(s.cfg.ID).
			WithRetryAfter(seconds)
	}

	internal.LogInfo("Waiting %v before continuing on %s", wait, s.cfg.ID)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return internal.WrapError(ctx.Err(), "interrupted during site countdown", internal.ErrInterrupted)
	}
}

func (s *FormService) fetchImage(ctx context.Context, imageURL string) ([]byte, error) {
	resp, err := s.client.Get(ctx, imageURL, nil)
	if err != nil {
		return nil, s.wrap(err, "failed to fetch challenge image")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, s.wrap(err, "failed to read challenge image")
	}
	return data, nil
}

// fetch opens the direct link, asking for a range when resuming
func (s *FormService) fetch(ctx context.Context, direct string, position int64) (*Download, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, direct, nil)
	if err != nil {
		return nil, internal.NewInvalidURLError(direct, err.Error())
	}
	if position > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", position))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, s.wrap(err, "failed to open download")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		resp.Body.Close()
		return nil, internal.NewFileNotFoundError(direct).WithService(s.cfg.ID)
	case resp.StatusCode >= 400:
		resp.Body.Close()
		return nil, internal.NewHostError(resp.StatusCode, "download refused", internal.ErrInvalidResponse).
			WithService(s.cfg.ID).WithURL(direct)
	}

	offset := int64(0)
	if position > 0 && resp.StatusCode == http.StatusPartialContent {
		offset = position
	} else if position > 0 {
		internal.LogWarn("%s ignored the range request, restarting from 0", s.cfg.ID)
	}

	return &Download{
		Body: readCloser{
			Reader: utils.NewThrottledReader(ctx, resp.Body, s.limiter),
			Closer: resp.Body,
		},
		Filename: responseFilename(resp),
		URL:      direct,
		Length:   resp.ContentLength,
		Offset:   offset,
	}, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

func responseFilename(resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name, ok := safeBase(params["filename"]); ok {
				return name
			}
		}
	}
	if resp.Request != nil && resp.Request.URL != nil {
		if name, ok := safeBase(resp.Request.URL.Path); ok {
			return name
		}
	}
	return "download"
}

// safeBase returns the last element of p when it names a file that can be
// joined onto a directory without leaving it
func safeBase(p string) (string, bool) {
	name := path.Base(strings.ReplaceAll(p, "\\", "/"))
	switch name {
	case "", ".", "..", "/":
		return "", false
	}
	return name, true
}

// Authenticator implements AuthenticationService
func (s *FormService) Authenticator(creds internal.Credentials) Authenticator {
	return &formAuthenticator{svc: s, creds: creds}
}

type formAuthenticator struct {
	svc   *FormService
	creds internal.Credentials
}

// Login submits the login form; the session cookie stays in the client jar
func (a *formAuthenticator) Login(ctx context.Context) error {
	s := a.svc
	if !s.cfg.CanLogin() {
		return internal.NewHostError(0, "service has no login form", internal.ErrUnsupportedCapability).
			WithService(s.cfg.ID)
	}
	if a.creds.IsZero() {
		return internal.NewAuthenticationError("no credentials supplied", nil).WithService(s.cfg.ID)
	}

	page, err := s.client.GetPage(ctx, s.cfg.LoginURL, nil)
	if err != nil {
		return internal.NewAuthenticationError("failed to load login page", err).WithService(s.cfg.ID)
	}
	formAction, fields, err := extract.FormFields(page.Content, s.cfg.LoginForm)
	if err != nil {
		return internal.NewAuthenticationError("login form not found", err).WithService(s.cfg.ID)
	}
	action, err := extract.Resolve(page.URL, formAction)
	if err != nil {
		return internal.NewAuthenticationError("invalid login form action", err).WithService(s.cfg.ID)
	}
	fields.Set(s.cfg.LoginUserField, a.creds.Username)
	fields.Set(s.cfg.LoginPassField, a.creds.Password)

	result, err := s.client.PostPage(ctx, action, fields, map[string]string{"Referer": page.URL})
	if err != nil {
		return internal.NewAuthenticationError("login request failed", err).WithService(s.cfg.ID)
	}
	if s.failed != nil {
		if _, bad := s.failed.Find(result.Content); bad {
			return internal.NewAuthenticationError("site rejected the credentials", nil).WithService(s.cfg.ID)
		}
	}

	s.setLoggedIn(true)
	internal.LogInfo("Logged in to %s as %s", s.cfg.ID, a.creds.Username)
	return nil
}

// Logout ends the session
func (a *formAuthenticator) Logout(ctx context.Context) error {
	s := a.svc
	if s.cfg.LogoutURL != "" {
		if _, err := s.client.GetPage(ctx, s.cfg.LogoutURL, nil); err != nil {
			return s.wrap(err, "logout request failed")
		}
	}
	s.setLoggedIn(false)
	return nil
}

// wrap tags err with the service. HostErrors keep their type; a copy is
// returned when the service has to be filled in.
func (s *FormService) wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	var hostErr *internal.HostError
	if errors.As(err, &hostErr) {
		if hostErr.Service != "" {
			return err
		}
		tagged := *hostErr
		tagged.Service = s.cfg.ID
		return &tagged
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return internal.WrapError(err, message, internal.ErrInterrupted).WithService(s.cfg.ID)
	}
	return internal.WrapError(err, message, internal.ErrNetworkTimeout).WithService(s.cfg.ID)
}
