package captcha

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"hostfetch/capability"
	"hostfetch/internal"
)

// promptTicket correlates an answer typed by the user
type promptTicket int64

// line carries the prompt that was the latest one shown when it was read
type line struct {
	prompt int64
	text   string
	err    error
}

// PromptSolver asks a person for the answer, reading one line per challenge
type PromptSolver struct {
	mu   sync.Mutex
	in   io.Reader
	out  io.Writer
	seq  int64
	once sync.Once

	// lines is fed by a single reader goroutine so an abandoned prompt
	// does not leave a second reader racing on in
	lines     chan line
	shown     atomic.Int64
	abandoned map[int64]bool
}

// NewPromptSolver reads answers from in and writes prompts to out
func NewPromptSolver(in io.Reader, out io.Writer) *PromptSolver {
	return &PromptSolver{
		in:        in,
		out:       out,
		lines:     make(chan line),
		abandoned: make(map[int64]bool),
	}
}

func (p *PromptSolver) readLines() {
	r := bufio.NewReader(p.in)
	for {
		text, err := r.ReadString('\n')
		p.lines <- line{prompt: p.shown.Load(), text: text, err: err}
		if err != nil {
			close(p.lines)
			return
		}
	}
}

// next returns the first line not typed for an abandoned prompt.
// Must be called with p.mu held.
func (p *PromptSolver) next(ctx context.Context) (line, error) {
	for {
		select {
		case got, ok := <-p.lines:
			if !ok {
				return line{err: io.EOF}, nil
			}
			if p.abandoned[got.prompt] {
				if got.err == nil {
					continue
				}
				got.text = ""
			}
			return got, nil
		case <-ctx.Done():
			return line{}, ctx.Err()
		}
	}
}

// Capabilities implements Service
func (p *PromptSolver) Capabilities() capability.Matrix[Capability] {
	return capability.New(Solve)
}

// Authenticate implements Service
func (p *PromptSolver) Authenticate(ctx context.Context, username, password string) (int64, error) {
	return 0, internal.NewUnsupportedError("authentication")
}

// Solve prints the challenge and waits for a non-empty line
func (p *PromptSolver) Solve(ctx context.Context, c *Captcha) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	id := p.seq
	p.shown.Store(id)

	c.Status = StatusSubmitted
	fmt.Fprintf(p.out, "Captcha %s\nAnswer: ", c.Presentation)

	p.once.Do(func() { go p.readLines() })

	got, err := p.next(ctx)
	if err != nil {
		p.abandoned[id] = true
		resetAnswer(c)
		return internal.WrapError(err, "interrupted while waiting for an answer", internal.ErrInterrupted)
	}

	answer := strings.TrimSpace(got.text)
	if answer == "" {
		resetAnswer(c)
		cause := got.err
		if cause == nil {
			cause = io.ErrUnexpectedEOF
		}
		return internal.NewUnsolvableError("no answer was entered", cause)
	}

	c.Answer = answer
	c.Attachment = promptTicket(id)
	c.Status = StatusSolved
	return nil
}

// Valid implements Service
func (p *PromptSolver) Valid(ctx context.Context, c *Captcha) error {
	if err := requireAttachment(c); err != nil {
		return err
	}
	return internal.NewUnsupportedError("valid feedback")
}

// Invalid implements Service
func (p *PromptSolver) Invalid(ctx context.Context, c *Captcha) error {
	if err := requireAttachment(c); err != nil {
		return err
	}
	return internal.NewUnsupportedError("invalid feedback")
}
