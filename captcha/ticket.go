package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"hostfetch/capability"
	"hostfetch/internal"
	"hostfetch/utils"
)

// Ticket is the correlation token a TicketSolver attaches to a solved challenge
type Ticket int64

// TicketConfig configures a TicketSolver
type TicketConfig struct {
	Endpoint     string
	Username     string
	Password     string
	PollInterval time.Duration
	// PollLimit bounds how long Solve waits for an answer
	PollLimit time.Duration
}

// TicketSolver submits challenges to a remote solving API and polls for
// the answer. The API speaks JSON:
//
//	POST /user                  balance for the account
//	POST /captcha               upload the image, returns a ticket
//	GET  /captcha/{id}          poll for the answer
//	POST /captcha/{id}/feedback correct=1|0
type TicketSolver struct {
	endpoint     string
	client       *utils.HTTPClient
	pollInterval time.Duration
	pollLimit    time.Duration

	mu    sync.RWMutex
	creds internal.Credentials
}

type userReply struct {
	Status   int   `json:"status"`
	User     int64 `json:"user"`
	Balance  int64 `json:"balance"`
	IsBanned bool  `json:"is_banned"`
}

type ticketReply struct {
	Status    int    `json:"status"`
	Captcha   int64  `json:"captcha"`
	Text      string `json:"text"`
	IsCorrect bool   `json:"is_correct"`
	Error     string `json:"error"`
}

// NewTicketSolver creates a solver for the API at cfg.Endpoint
func NewTicketSolver(client *utils.HTTPClient, cfg TicketConfig) *TicketSolver {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PollLimit <= 0 {
		cfg.PollLimit = 2 * time.Minute
	}
	return &TicketSolver{
		endpoint:     strings.TrimRight(cfg.Endpoint, "/"),
		client:       client,
		pollInterval: cfg.PollInterval,
		pollLimit:    cfg.PollLimit,
		creds:        internal.Credentials{Username: cfg.Username, Password: cfg.Password},
	}
}

// Capabilities implements Service
func (t *TicketSolver) Capabilities() capability.Matrix[Capability] {
	return capability.New(Authenticate, Solve, ReportValid, ReportInvalid)
}

// Authenticate checks the credentials and returns the account balance.
// On success the credentials are kept for later calls.
func (t *TicketSolver) Authenticate(ctx context.Context, username, password string) (int64, error) {
	form := url.Values{"username": {username}, "password": {password}}

	var reply userReply
	status, err := t.call(ctx, http.MethodPost, "/user", strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", &reply)
	if err != nil {
		return 0, internal.NewAuthenticationError("solver authentication failed", err).WithURL(t.endpoint)
	}
	if status == http.StatusForbidden || status == http.StatusUnauthorized || reply.Status != 0 || reply.User == 0 {
		return 0, internal.NewAuthenticationError("solver rejected the credentials", nil).
			WithContext("status", status)
	}
	if reply.IsBanned {
		return 0, internal.NewAuthenticationError("solver account is banned", nil)
	}

	t.mu.Lock()
	t.creds = internal.Credentials{Username: username, Password: password}
	t.mu.Unlock()
	return reply.Balance, nil
}

// Solve uploads the challenge image and waits for an answer. On any
// failure the challenge is left without an answer.
func (t *TicketSolver) Solve(ctx context.Context, c *Captcha) error {
	if len(c.Image) == 0 {
		return internal.NewUnsolvableError("challenge has no image to submit", nil).
			WithContext("presentation", c.Presentation)
	}

	body, contentType, err := t.captchaForm(c)
	if err != nil {
		return internal.NewUnsolvableError("failed to encode challenge", err)
	}

	var reply ticketReply
	status, err := t.call(ctx, http.MethodPost, "/captcha", body, contentType, &reply)
	if err != nil {
		resetAnswer(c)
		return internal.NewUnsolvableError("failed to submit challenge", err)
	}
	switch {
	case status == http.StatusForbidden:
		resetAnswer(c)
		return internal.NewUnsolvableError("solver refused the challenge",
			internal.NewHostError(status, "insufficient balance or bad credentials", internal.ErrQuotaExceeded))
	case status >= 400 || reply.Status != 0 || reply.Captcha == 0:
		resetAnswer(c)
		return internal.NewUnsolvableError("solver rejected the challenge", nil).
			WithContext("status", status)
	}

	c.Status = StatusSubmitted
	text, err := t.poll(ctx, reply)
	if err != nil {
		resetAnswer(c)
		return err
	}

	c.Answer = text
	c.Attachment = Ticket(reply.Captcha)
	c.Status = StatusSolved
	return nil
}

// Valid reports that the site accepted the answer
func (t *TicketSolver) Valid(ctx context.Context, c *Captcha) error {
	return t.feedback(ctx, c, true)
}

// Invalid reports that the site rejected the answer, which usually
// refunds the solve
func (t *TicketSolver) Invalid(ctx context.Context, c *Captcha) error {
	return t.feedback(ctx, c, false)
}

func (t *TicketSolver) feedback(ctx context.Context, c *Captcha, correct bool) error {
	if err := requireAttachment(c); err != nil {
		return err
	}
	ticket, ok := c.Attachment.(Ticket)
	if !ok {
		return internal.NewInvalidFeedbackStateError("challenge was solved by another backend").
			WithContext("attachment", fmt.Sprintf("%T", c.Attachment))
	}

	form := t.credentialForm()
	form.Set("correct", "0")
	if correct {
		form.Set("correct", "1")
	}

	var reply ticketReply
	path := "/captcha/" + strconv.FormatInt(int64(ticket), 10) + "/feedback"
	status, err := t.call(ctx, http.MethodPost, path, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", &reply)
	if err != nil {
		return internal.NewTransportError(err).WithURL(t.endpoint + path)
	}
	if status == http.StatusNotFound || status >= 400 || reply.Status != 0 {
		return internal.NewInvalidFeedbackStateError("solver does not recognise the ticket").
			WithContext("ticket", int64(ticket)).
			WithContext("status", status)
	}

	if correct {
		c.Status = StatusConfirmedValid
	} else {
		c.Status = StatusConfirmedInvalid
	}
	return nil
}

// poll waits for the ticket's answer until the poll limit runs out
func (t *TicketSolver) poll(ctx context.Context, reply ticketReply) (string, error) {
	deadline := time.NewTimer(t.pollLimit)
	defer deadline.Stop()
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	path := "/captcha/" + strconv.FormatInt(reply.Captcha, 10)
	for {
		if reply.Text != "" {
			return reply.Text, nil
		}
		// a pending ticket stays is_correct until a worker gives up on it
		if !reply.IsCorrect {
			return "", internal.NewUnsolvableError("solver could not read the challenge", nil).
				WithContext("ticket", reply.Captcha).
				WithContext("reason", reply.Error)
		}

		select {
		case <-ctx.Done():
			return "", internal.NewUnsolvableError("interrupted while polling", ctx.Err())
		case <-deadline.C:
			return "", internal.NewUnsolvableError("no answer before the poll limit", nil).
				WithContext("ticket", reply.Captcha)
		case <-ticker.C:
		}

		var next ticketReply
		status, err := t.call(ctx, http.MethodGet, path, nil, "", &next)
		if err != nil {
			return "", internal.NewUnsolvableError("failed to poll for the answer", err)
		}
		if status >= 400 || next.Status != 0 {
			return "", internal.NewUnsolvableError("solver dropped the ticket", nil).
				WithContext("status", status)
		}
		reply = next
	}
}

func (t *TicketSolver) credentialForm() url.Values {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return url.Values{"username": {t.creds.Username}, "password": {t.creds.Password}}
}

func (t *TicketSolver) captchaForm(c *Captcha) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for key, values := range t.credentialForm() {
		if err := w.WriteField(key, values[0]); err != nil {
			return nil, "", err
		}
	}
	part, err := w.CreateFormFile("captchafile", "captcha")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(c.Image); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// call sends one request without retry and decodes a JSON reply into out.
// It returns the HTTP status; a non-JSON error body is not a failure.
func (t *TicketSolver) call(ctx context.Context, method, path string, body io.Reader, contentType string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, t.endpoint+path, body)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read solver reply: %w", err)
	}
	if resp.StatusCode < 400 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, internal.WrapError(err, "malformed solver reply", internal.ErrInvalidResponse)
		}
	}
	return resp.StatusCode, nil
}
