package captcha

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostfetch/extract"
	"hostfetch/internal"
	"hostfetch/utils"
)

// fakeSolverAPI emulates the ticket API. Polls answer after pendingPolls
// attempts; rejectAll makes every submission come back unreadable.
type fakeSolverAPI struct {
	mu           sync.Mutex
	pendingPolls int
	polls        int
	rejectAll    bool
	noBalance    bool
	feedback     []string
	submitted    []byte
}

func (f *fakeSolverAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	reply := func(v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/user":
		_ = r.ParseForm()
		if r.PostForm.Get("username") != "alice" || r.PostForm.Get("password") != "pw" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		reply(map[string]any{"status": 0, "user": 7, "balance": 1500, "is_banned": false})

	case r.Method == http.MethodPost && r.URL.Path == "/captcha":
		if f.noBalance {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		file, _, err := r.FormFile("captchafile")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.submitted, _ = io.ReadAll(file)
		if f.rejectAll {
			reply(map[string]any{"status": 0, "captcha": 99, "text": "", "is_correct": false, "error": "unreadable"})
			return
		}
		reply(map[string]any{"status": 0, "captcha": 42, "text": "", "is_correct": true})

	case r.Method == http.MethodGet && r.URL.Path == "/captcha/42":
		f.polls++
		if f.polls <= f.pendingPolls {
			reply(map[string]any{"status": 0, "captcha": 42, "text": "", "is_correct": true})
			return
		}
		reply(map[string]any{"status": 0, "captcha": 42, "text": "xk7p", "is_correct": true})

	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/feedback"):
		if r.URL.Path != "/captcha/42/feedback" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = r.ParseForm()
		f.feedback = append(f.feedback, r.PostForm.Get("correct"))
		reply(map[string]any{"status": 0, "captcha": 42})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTicketSolver(t *testing.T, api *fakeSolverAPI) *TicketSolver {
	t.Helper()
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)

	return NewTicketSolver(utils.NewHTTPClient(), TicketConfig{
		Endpoint:     server.URL,
		Username:     "alice",
		Password:     "pw",
		PollInterval: 5 * time.Millisecond,
		PollLimit:    time.Second,
	})
}

func challenge() *Captcha {
	c := New("https://host.example/captcha.png")
	c.Image = []byte("\x89PNG fake")
	return c
}

func TestFeedbackWithoutSolveFailsForEveryBackend(t *testing.T) {
	backends := map[string]Service{
		"ticket":  newTicketSolver(t, &fakeSolverAPI{}),
		"scraped": NewScrapedSolver(extract.MustPattern(`src="([^"]+captcha[^"]*)"`)),
		"prompt":  NewPromptSolver(strings.NewReader(""), io.Discard),
	}

	for name, svc := range backends {
		t.Run(name, func(t *testing.T) {
			c := challenge()

			err := svc.Valid(context.Background(), c)
			assert.True(t, internal.IsErrorType(err, internal.ErrInvalidFeedbackState), "Valid: %v", err)

			err = svc.Invalid(context.Background(), c)
			assert.True(t, internal.IsErrorType(err, internal.ErrInvalidFeedbackState), "Invalid: %v", err)

			var hostErr *internal.HostError
			require.ErrorAs(t, err, &hostErr)
			assert.False(t, hostErr.IsRetryable())
			assert.Equal(t, StatusUnsolved, c.Status)
		})
	}
}

func TestTicketSolver_Authenticate(t *testing.T) {
	solver := newTicketSolver(t, &fakeSolverAPI{})

	balance, err := solver.Authenticate(context.Background(), "alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), balance)

	_, err = solver.Authenticate(context.Background(), "alice", "wrong")
	require.Error(t, err)
	assert.True(t, internal.IsErrorType(err, internal.ErrAuthentication))
}

func TestTicketSolver_AuthenticateTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	endpoint := server.URL
	server.Close()

	solver := NewTicketSolver(utils.NewHTTPClient(), TicketConfig{Endpoint: endpoint})
	_, err := solver.Authenticate(context.Background(), "alice", "pw")
	require.Error(t, err)
	assert.True(t, internal.IsErrorType(err, internal.ErrAuthentication))

	var hostErr *internal.HostError
	require.ErrorAs(t, err, &hostErr)
	assert.NotNil(t, hostErr.Cause, "transport cause should be kept")
}

func TestTicketSolver_SolveAndConfirm(t *testing.T) {
	api := &fakeSolverAPI{pendingPolls: 2}
	solver := newTicketSolver(t, api)
	c := challenge()

	require.NoError(t, solver.Solve(context.Background(), c))
	assert.Equal(t, "xk7p", c.Answer)
	assert.Equal(t, Ticket(42), c.Attachment)
	assert.Equal(t, StatusSolved, c.Status)
	assert.True(t, c.Solved())
	assert.Equal(t, c.Image, api.submitted)

	require.NoError(t, solver.Valid(context.Background(), c))
	assert.Equal(t, StatusConfirmedValid, c.Status)

	require.NoError(t, solver.Invalid(context.Background(), c))
	assert.Equal(t, StatusConfirmedInvalid, c.Status)
	assert.Equal(t, []string{"1", "0"}, api.feedback)
}

func TestTicketSolver_AlwaysRejectingBackend(t *testing.T) {
	solver := newTicketSolver(t, &fakeSolverAPI{rejectAll: true})
	c := challenge()

	err := solver.Solve(context.Background(), c)
	require.Error(t, err)
	assert.True(t, internal.IsErrorType(err, internal.ErrUnsolvableChallenge))
	assert.Empty(t, c.Answer)
	assert.Nil(t, c.Attachment)
	assert.Equal(t, StatusUnsolved, c.Status)
}

func TestTicketSolver_NoBalance(t *testing.T) {
	solver := newTicketSolver(t, &fakeSolverAPI{noBalance: true})
	c := challenge()

	err := solver.Solve(context.Background(), c)
	assert.True(t, internal.IsErrorType(err, internal.ErrUnsolvableChallenge))
	assert.True(t, internal.IsErrorType(err, internal.ErrQuotaExceeded), "cause should say why")
	assert.Empty(t, c.Answer)
}

func TestTicketSolver_PollLimit(t *testing.T) {
	server := httptest.NewServer(&fakeSolverAPI{pendingPolls: 1 << 30})
	t.Cleanup(server.Close)
	solver := NewTicketSolver(utils.NewHTTPClient(), TicketConfig{
		Endpoint:     server.URL,
		PollInterval: 5 * time.Millisecond,
		PollLimit:    40 * time.Millisecond,
	})
	c := challenge()

	err := solver.Solve(context.Background(), c)
	assert.True(t, internal.IsErrorType(err, internal.ErrUnsolvableChallenge))
	assert.Empty(t, c.Answer)
	assert.Equal(t, StatusUnsolved, c.Status)
}

func TestTicketSolver_NoImage(t *testing.T) {
	solver := newTicketSolver(t, &fakeSolverAPI{})

	err := solver.Solve(context.Background(), New("https://host.example/c.png"))
	assert.True(t, internal.IsErrorType(err, internal.ErrUnsolvableChallenge))
}

func TestTicketSolver_ForeignAttachment(t *testing.T) {
	solver := newTicketSolver(t, &fakeSolverAPI{})
	c := challenge()
	c.Attachment = "not-a-ticket"
	c.Status = StatusSolved

	err := solver.Valid(context.Background(), c)
	assert.True(t, internal.IsErrorType(err, internal.ErrInvalidFeedbackState))
}

func TestTicketSolver_UnknownTicket(t *testing.T) {
	solver := newTicketSolver(t, &fakeSolverAPI{})
	c := challenge()
	c.Attachment = Ticket(13)
	c.Status = StatusSolved

	err := solver.Invalid(context.Background(), c)
	assert.True(t, internal.IsErrorType(err, internal.ErrInvalidFeedbackState))
	assert.Equal(t, StatusSolved, c.Status)
}

func TestScrapedSolver(t *testing.T) {
	page := `<form><img id="cap" src="/img/captcha.php?id=5"><input name="code"></form>`
	solver := NewScrapedSolver(extract.Selector{Query: "img#cap", Attr: "src"})

	c, ok := solver.Scrape(page)
	require.True(t, ok)
	assert.Equal(t, "/img/captcha.php?id=5", c.Presentation)
	assert.Equal(t, StatusUnsolved, c.Status)
	assert.NotEmpty(t, c.ID)

	_, ok = solver.Scrape("<p>no challenge</p>")
	assert.False(t, ok)

	err := solver.Solve(context.Background(), c)
	assert.True(t, internal.IsErrorType(err, internal.ErrUnsolvableChallenge))
	assert.Empty(t, c.Answer)

	assert.NotPanics(t, func() {
		err = solver.Solve(context.Background(), nil)
	})
	assert.True(t, internal.IsErrorType(err, internal.ErrUnsolvableChallenge))

	_, err = solver.Authenticate(context.Background(), "u", "p")
	assert.True(t, internal.IsErrorType(err, internal.ErrResolutionUnsupported))

	c.Attachment = "set elsewhere"
	assert.True(t, internal.IsErrorType(solver.Valid(context.Background(), c), internal.ErrResolutionUnsupported))
	assert.True(t, internal.IsErrorType(solver.Invalid(context.Background(), c), internal.ErrResolutionUnsupported))
	assert.Zero(t, solver.Capabilities().Len())
}

func TestPromptSolver(t *testing.T) {
	var out strings.Builder
	solver := NewPromptSolver(strings.NewReader("  abc12 \n\n"), &out)

	c := New("https://host.example/c.png")
	require.NoError(t, solver.Solve(context.Background(), c))
	assert.Equal(t, "abc12", c.Answer)
	assert.True(t, c.Solved())
	assert.Contains(t, out.String(), "https://host.example/c.png")

	err := solver.Valid(context.Background(), c)
	assert.True(t, internal.IsErrorType(err, internal.ErrResolutionUnsupported))

	// blank line then EOF
	next := New("https://host.example/d.png")
	err = solver.Solve(context.Background(), next)
	assert.True(t, internal.IsErrorType(err, internal.ErrUnsolvableChallenge))
	assert.Empty(t, next.Answer)

	err = solver.Solve(context.Background(), New("x"))
	assert.True(t, internal.IsErrorType(err, internal.ErrUnsolvableChallenge))
}

func TestPromptSolver_Interrupted(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	solver := NewPromptSolver(r, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	c := New("x")
	err := solver.Solve(ctx, c)
	assert.True(t, internal.IsErrorType(err, internal.ErrInterrupted))
	assert.Equal(t, StatusUnsolved, c.Status)
}

func TestPromptSolver_DropsAnswerForAbandonedPrompt(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	solver := NewPromptSolver(r, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	first := New("first")
	err := solver.Solve(ctx, first)
	require.True(t, internal.IsErrorType(err, internal.ErrInterrupted), "first: %v", err)

	// typed after the first prompt gave up
	_, err = io.WriteString(w, "answer-for-one\n")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	second := New("second")
	done := make(chan error, 1)
	go func() { done <- solver.Solve(context.Background(), second) }()

	_, err = io.WriteString(w, "answer-for-two\n")
	require.NoError(t, err)

	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second prompt never returned")
	}
	require.NoError(t, err)
	assert.Equal(t, "answer-for-two", second.Answer)
	assert.Equal(t, promptTicket(2), second.Attachment)
	assert.Empty(t, first.Answer)
}

func TestSupportsAndReport(t *testing.T) {
	api := &fakeSolverAPI{}
	ticket := newTicketSolver(t, api)
	prompt := NewPromptSolver(strings.NewReader("ok\n"), io.Discard)

	assert.True(t, Supports(ticket, ReportValid))
	assert.True(t, Supports(prompt, Solve))
	assert.False(t, Supports(prompt, Authenticate))
	assert.False(t, Supports(nil, Solve))

	unsolved := challenge()
	assert.True(t, internal.IsErrorType(Report(context.Background(), prompt, unsolved, true), internal.ErrInvalidFeedbackState))

	c := New("x")
	require.NoError(t, prompt.Solve(context.Background(), c))
	require.NoError(t, Report(context.Background(), prompt, c, false))
	assert.Equal(t, StatusConfirmedInvalid, c.Status)

	solved := challenge()
	require.NoError(t, ticket.Solve(context.Background(), solved))
	require.NoError(t, Report(context.Background(), ticket, solved, true))
	assert.Equal(t, StatusConfirmedValid, solved.Status)
	assert.Equal(t, []string{"1"}, api.feedback)
}

func TestStatusAndCapabilityStrings(t *testing.T) {
	assert.Equal(t, "submitted", StatusSubmitted.String())
	assert.Equal(t, "confirmed-invalid", StatusConfirmedInvalid.String())
	assert.Equal(t, "unknown", Status(42).String())
	assert.Equal(t, "report-valid", ReportValid.String())
	assert.Equal(t, "[authenticate, solve, report-valid, report-invalid]", (&TicketSolver{}).Capabilities().String())
}
