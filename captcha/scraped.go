package captcha

import (
	"context"

	"hostfetch/capability"
	"hostfetch/extract"
	"hostfetch/internal"
)

// ScrapedSolver discovers challenges in page content but cannot answer
// them. It is the fallback when no solving backend is configured.
type ScrapedSolver struct {
	locator extract.Locator
}

// NewScrapedSolver creates a solver that finds challenges with locator
func NewScrapedSolver(locator extract.Locator) *ScrapedSolver {
	return &ScrapedSolver{locator: locator}
}

// Capabilities implements Service; a scraped solver declares none
func (s *ScrapedSolver) Capabilities() capability.Matrix[Capability] {
	return capability.New[Capability]()
}

// Scrape looks for a challenge in content and returns it unsolved
func (s *ScrapedSolver) Scrape(content string) (*Captcha, bool) {
	if s.locator == nil {
		return nil, false
	}
	presentation, ok := s.locator.Find(content)
	if !ok || presentation == "" {
		return nil, false
	}
	return New(presentation), true
}

// Authenticate implements Service
func (s *ScrapedSolver) Authenticate(ctx context.Context, username, password string) (int64, error) {
	return 0, internal.NewUnsupportedError("authentication")
}

// Solve always fails: a scraped challenge needs another backend to answer it
func (s *ScrapedSolver) Solve(ctx context.Context, c *Captcha) error {
	if c == nil {
		return internal.NewUnsolvableError("no challenge to solve", nil)
	}
	return internal.NewUnsolvableError("challenge cannot be resolved by scraping", nil).
		WithContext("presentation", c.Presentation)
}

// Valid implements Service
func (s *ScrapedSolver) Valid(ctx context.Context, c *Captcha) error {
	if err := requireAttachment(c); err != nil {
		return err
	}
	return internal.NewUnsupportedError("valid feedback")
}

// Invalid implements Service
func (s *ScrapedSolver) Invalid(ctx context.Context, c *Captcha) error {
	if err := requireAttachment(c); err != nil {
		return err
	}
	return internal.NewUnsupportedError("invalid feedback")
}
