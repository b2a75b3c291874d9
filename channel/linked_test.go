package channel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostfetch/internal"
)

var downloadPattern = regexp.MustCompile(`http://host/download/\w+`)

func extractDownload(resp *internal.Response) string {
	return downloadPattern.FindString(resp.Content)
}

// fakeSink records writes and signals when the channel closes it
type fakeSink struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	open     bool
	writeErr error
	closed   chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{open: true, closed: make(chan struct{})}
}

func (s *fakeSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	return s.buf.Write(p)
}

func (s *fakeSink) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
	close(s.closed)
	return nil
}

func (s *fakeSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// startBackground links sink and, once the body is finished, completes
// the channel with the given outcome, the way a transport goroutine does.
func startBackground(t *testing.T, c *LinkedChannel, sink *fakeSink, resp *internal.Response, err error) <-chan struct{} {
	t.Helper()
	linked := make(chan struct{})
	go func() {
		assert.NoError(t, c.Link(sink))
		close(linked)
		<-sink.closed
		_ = c.Complete(resp, err)
	}()
	return linked
}

func TestLinkedChannel_SuccessfulUpload(t *testing.T) {
	c := New("f.txt", 11, extractDownload)
	sink := newFakeSink()
	resp := &internal.Response{StatusCode: 200, Content: `<a href="http://host/download/abc123">file</a>`}
	<-startBackground(t, c, sink, resp, nil)

	n, err := c.Write([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	require.NoError(t, c.Close())
	assert.Equal(t, "http://host/download/abc123", c.DownloadLink())
	assert.Equal(t, "hello world", sink.String())
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, "f.txt", c.Filename())
	assert.Equal(t, int64(11), c.Length())
	assert.NotEmpty(t, c.ID())
}

func TestLinkedChannel_WriteBeforeLinkFails(t *testing.T) {
	c := New("f.txt", 3, extractDownload)

	n, err := c.Write([]byte("abc"))
	assert.Equal(t, 0, n)
	require.Error(t, err)
	assert.True(t, internal.IsErrorType(err, internal.ErrChannelLink))
}

func TestLinkedChannel_DoubleLinkFails(t *testing.T) {
	c := New("f.txt", 3, extractDownload)

	require.NoError(t, c.Link(newFakeSink()))
	err := c.Link(newFakeSink())
	require.Error(t, err)
	assert.True(t, internal.IsErrorType(err, internal.ErrChannelLink))
}

func TestLinkedChannel_LinkNilSinkFails(t *testing.T) {
	c := New("f.txt", 3, extractDownload)

	err := c.Link(nil)
	assert.True(t, internal.IsErrorType(err, internal.ErrChannelLink))
	assert.Equal(t, StateCreated, c.State())
}

func TestLinkedChannel_CloseUnlinkedFailsFast(t *testing.T) {
	c := New("f.txt", 3, extractDownload)

	done := make(chan error, 1)
	go func() { done <- c.Close() }()

	select {
	case err := <-done:
		assert.True(t, internal.IsErrorType(err, internal.ErrChannelLink))
	case <-time.After(time.Second):
		t.Fatal("Close on an unlinked channel blocked")
	}
	assert.Equal(t, StateCreated, c.State())
}

func TestLinkedChannel_NoLinkInResponseIsNotAnError(t *testing.T) {
	c := New("f.txt", 2, extractDownload)
	sink := newFakeSink()
	<-startBackground(t, c, sink, &internal.Response{StatusCode: 200, Content: "upload complete"}, nil)

	_, err := c.Write([]byte("hi"))
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.Empty(t, c.DownloadLink())
}

func TestLinkedChannel_TransportFailureKeepsCause(t *testing.T) {
	cause := errors.New("connection reset by peer")
	c := New("f.txt", 2, extractDownload)
	sink := newFakeSink()
	<-startBackground(t, c, sink, nil, cause)

	_, err := c.Write([]byte("hi"))
	require.NoError(t, err)

	err = c.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.True(t, internal.IsErrorType(err, internal.ErrTransport))
	assert.Empty(t, c.DownloadLink())
}

func TestLinkedChannel_CloseWaitsEvenAfterWriteFailure(t *testing.T) {
	c := New("f.txt", 2, extractDownload)
	sink := newFakeSink()
	sink.writeErr = io.ErrClosedPipe
	cause := errors.New("server aborted upload")
	<-startBackground(t, c, sink, nil, cause)

	_, err := c.Write([]byte("hi"))
	require.ErrorIs(t, err, io.ErrClosedPipe)

	err = c.Close()
	assert.ErrorIs(t, err, cause, "Close should still report the request outcome")
}

func TestLinkedChannel_CloseBlocksUntilComplete(t *testing.T) {
	c := New("f.txt", 0, extractDownload)
	sink := newFakeSink()
	require.NoError(t, c.Link(sink))

	release := make(chan struct{})
	go func() {
		<-release
		_ = c.Complete(&internal.Response{Content: "http://host/download/late"}, nil)
	}()

	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()

	select {
	case <-closed:
		t.Fatal("Close returned before the request completed")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-closed)
	assert.Equal(t, "http://host/download/late", c.DownloadLink())
}

func TestLinkedChannel_InterruptedWait(t *testing.T) {
	c := New("f.txt", 0, extractDownload)
	require.NoError(t, c.Link(newFakeSink()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.CloseContext(ctx)
	require.Error(t, err)
	assert.True(t, internal.IsErrorType(err, internal.ErrInterrupted))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, c.DownloadLink())

	// a late completion must not block the request goroutine
	assert.NoError(t, c.Complete(&internal.Response{}, nil))
}

func TestLinkedChannel_WriteAndCloseAfterClose(t *testing.T) {
	c := New("f.txt", 0, extractDownload)
	sink := newFakeSink()
	<-startBackground(t, c, sink, &internal.Response{}, nil)
	require.NoError(t, c.Close())

	_, err := c.Write([]byte("x"))
	assert.True(t, internal.IsErrorType(err, internal.ErrChannelClosed))

	err = c.Close()
	assert.True(t, internal.IsErrorType(err, internal.ErrChannelClosed))

	err = c.Link(newFakeSink())
	assert.True(t, internal.IsErrorType(err, internal.ErrChannelClosed))
}

func TestLinkedChannel_CompleteOnlyOnce(t *testing.T) {
	c := New("f.txt", 0, extractDownload)

	require.NoError(t, c.Complete(&internal.Response{}, nil))
	err := c.Complete(&internal.Response{}, nil)
	assert.True(t, internal.IsErrorType(err, internal.ErrChannelLink))
}

func TestLinkedChannel_IsOpen(t *testing.T) {
	c := New("f.txt", 0, extractDownload)
	assert.True(t, c.IsOpen(), "unlinked channel is open")

	sink := newFakeSink()
	<-startBackground(t, c, sink, &internal.Response{}, nil)
	assert.True(t, c.IsOpen(), "linked channel follows its sink")

	sink.mu.Lock()
	sink.open = false
	sink.mu.Unlock()
	assert.False(t, c.IsOpen())

	sink.mu.Lock()
	sink.open = true
	sink.mu.Unlock()
	require.NoError(t, c.Close())
	assert.False(t, c.IsOpen(), "closed channel is never open")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "created", StateCreated.String())
	assert.Equal(t, "linked", StateLinked.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(9).String())
}
