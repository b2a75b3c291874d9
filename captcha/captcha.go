// Package captcha implements the challenge resolution protocol used by
// site flows gated by a human-verification step.
//
// A challenge moves Unsolved → Submitted → Solved → ConfirmedValid or
// ConfirmedInvalid. Solve fills the answer and the backend's correlation
// attachment; Valid and Invalid report whether the site accepted the
// answer and require that attachment. Backends declare what they support
// through a capability matrix and callers check it before invoking.
package captcha

import (
	"context"

	"github.com/google/uuid"

	"hostfetch/capability"
	"hostfetch/internal"
)

// Status is the resolution state of a challenge
type Status int

const (
	StatusUnsolved Status = iota
	StatusSubmitted
	StatusSolved
	StatusConfirmedValid
	StatusConfirmedInvalid
)

func (s Status) String() string {
	switch s {
	case StatusUnsolved:
		return "unsolved"
	case StatusSubmitted:
		return "submitted"
	case StatusSolved:
		return "solved"
	case StatusConfirmedValid:
		return "confirmed-valid"
	case StatusConfirmedInvalid:
		return "confirmed-invalid"
	default:
		return "unknown"
	}
}

// Capability is an operation a solving backend may implement
type Capability int

const (
	Authenticate Capability = iota
	Solve
	ReportValid
	ReportInvalid
)

func (c Capability) String() string {
	switch c {
	case Authenticate:
		return "authenticate"
	case Solve:
		return "solve"
	case ReportValid:
		return "report-valid"
	case ReportInvalid:
		return "report-invalid"
	default:
		return "unknown"
	}
}

// Captcha is one challenge. It belongs to the flow that created it and is
// discarded once that flow finishes.
type Captcha struct {
	ID string
	// Presentation locates the challenge, usually an image URL
	Presentation string
	// Image holds the fetched challenge, when the backend needs the bytes
	Image []byte
	Answer string
	// Attachment is the backend's correlation token, set by Solve
	Attachment any
	Status     Status
}

// New creates an unsolved challenge for presentation
func New(presentation string) *Captcha {
	return &Captcha{
		ID:           uuid.NewString(),
		Presentation: presentation,
	}
}

// Solved reports whether the challenge carries an answer and attachment
func (c *Captcha) Solved() bool {
	return c != nil && c.Attachment != nil && c.Status >= StatusSolved
}

// Service is a solving backend
type Service interface {
	Capabilities() capability.Matrix[Capability]
	// Authenticate opens a session and returns the remaining credit
	Authenticate(ctx context.Context, username, password string) (int64, error)
	Solve(ctx context.Context, c *Captcha) error
	Valid(ctx context.Context, c *Captcha) error
	Invalid(ctx context.Context, c *Captcha) error
}

// Supports reports whether svc declares capability c
func Supports(svc Service, c Capability) bool {
	return svc != nil && svc.Capabilities().Has(c)
}

// Report feeds the site's verdict on a solved challenge back to svc.
// Backends without the matching feedback capability are skipped and the
// verdict is only recorded on the challenge.
func Report(ctx context.Context, svc Service, c *Captcha, accepted bool) error {
	want, status := ReportInvalid, StatusConfirmedInvalid
	if accepted {
		want, status = ReportValid, StatusConfirmedValid
	}

	if err := requireAttachment(c); err != nil {
		return err
	}
	if !Supports(svc, want) {
		c.Status = status
		return nil
	}
	if accepted {
		return svc.Valid(ctx, c)
	}
	return svc.Invalid(ctx, c)
}

// requireAttachment enforces the feedback precondition shared by every
// backend: only a solved challenge can be confirmed.
func requireAttachment(c *Captcha) error {
	if c == nil || c.Attachment == nil {
		return internal.NewInvalidFeedbackStateError("challenge was never solved")
	}
	return nil
}

// resetAnswer returns a challenge to Unsolved after a failed attempt
func resetAnswer(c *Captcha) {
	c.Answer = ""
	c.Attachment = nil
	c.Status = StatusUnsolved
}
