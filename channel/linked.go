// Package channel implements the deferred-link upload channel: a byte sink
// handed to the caller before the network request that will carry its
// bytes exists.
//
// The uploader creates a LinkedChannel and returns it immediately. A
// background request goroutine calls Link with its real sink as soon as
// it starts reading the body, and Complete once the server has answered.
// The caller writes the payload and calls Close, which blocks until that
// answer arrives and extracts the download link from it.
package channel

import (
	"context"
	"io"
	"sync"

	"github.com/google/uuid"

	"hostfetch/internal"
)

// State is the link state of a LinkedChannel
type State int

const (
	StateCreated State = iota
	StateLinked
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateLinked:
		return "linked"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sink is the transport-side writer plugged in at link time.
// If it also implements io.Closer, Close is called when the channel closes.
type Sink interface {
	io.Writer
	IsOpen() bool
}

// LinkExtractor pulls the download link out of the upload response.
// An empty result means the response carried no link.
type LinkExtractor func(resp *internal.Response) string

type outcome struct {
	resp *internal.Response
	err  error
}

// LinkedChannel is a write-only channel whose sink is supplied later.
//
// One goroutine writes and closes, one goroutine links and completes.
// Only the state transitions are guarded.
type LinkedChannel struct {
	id       string
	filename string
	length   int64
	extract  LinkExtractor

	mu        sync.Mutex
	state     State
	sink      Sink
	link      string
	completed bool

	// done is the one-shot handoff from the request goroutine to Close
	done chan outcome
}

// New creates an unlinked channel for a payload of length bytes.
// A negative length means the size is not known in advance.
func New(filename string, length int64, extract LinkExtractor) *LinkedChannel {
	return &LinkedChannel{
		id:       uuid.NewString(),
		filename: filename,
		length:   length,
		extract:  extract,
		done:     make(chan outcome, 1),
	}
}

// ID returns a correlation identifier for logs
func (c *LinkedChannel) ID() string { return c.id }

// Filename returns the name the payload is uploaded under
func (c *LinkedChannel) Filename() string { return c.filename }

// Length returns the declared payload length
func (c *LinkedChannel) Length() int64 { return c.length }

// State returns the current link state
func (c *LinkedChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Write forwards p to the linked sink
func (c *LinkedChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	state, sink := c.state, c.sink
	c.mu.Unlock()

	switch state {
	case StateCreated:
		return 0, internal.NewChannelLinkError("channel is not yet linked").
			WithContext("filename", c.filename)
	case StateClosed:
		return 0, internal.NewHostError(0, "write on closed channel", internal.ErrChannelClosed).
			WithContext("filename", c.filename)
	}

	return sink.Write(p)
}

// Link plugs the real sink in. It succeeds at most once.
func (c *LinkedChannel) Link(sink Sink) error {
	if sink == nil {
		return internal.NewChannelLinkError("cannot link a nil sink")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateLinked:
		return internal.NewChannelLinkError("channel is already linked").
			WithContext("filename", c.filename)
	case StateClosed:
		return internal.NewHostError(0, "cannot link a closed channel", internal.ErrChannelClosed)
	}

	c.sink = sink
	c.state = StateLinked
	return nil
}

// Complete delivers the outcome of the background request. It must be
// called exactly once by the goroutine that linked the channel; it never blocks.
func (c *LinkedChannel) Complete(resp *internal.Response, err error) error {
	c.mu.Lock()
	if c.completed {
		c.mu.Unlock()
		return internal.NewChannelLinkError("request outcome was already delivered")
	}
	c.completed = true
	c.mu.Unlock()

	c.done <- outcome{resp: resp, err: err}
	return nil
}

// Close is CloseContext without a deadline
func (c *LinkedChannel) Close() error {
	return c.CloseContext(context.Background())
}

// CloseContext closes the channel and waits for the upload response.
//
// Closing an unlinked channel fails immediately. Otherwise the sink is
// closed and the call blocks until Complete delivers the outcome, even
// if earlier writes failed. A request failure is returned wrapped with
// its cause intact. A response without a link is not an error; the link
// simply stays empty. If ctx ends first the error has type ErrInterrupted.
func (c *LinkedChannel) CloseContext(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateCreated:
		c.mu.Unlock()
		return internal.NewChannelLinkError("channel closed before it was linked").
			WithContext("filename", c.filename)
	case StateClosed:
		c.mu.Unlock()
		return internal.NewHostError(0, "channel is already closed", internal.ErrChannelClosed)
	}
	c.state = StateClosed
	sink := c.sink
	c.mu.Unlock()

	var closeErr error
	if closer, ok := sink.(io.Closer); ok {
		closeErr = closer.Close()
	}

	var result outcome
	select {
	case result = <-c.done:
	case <-ctx.Done():
		return internal.WrapError(ctx.Err(), "interrupted while waiting for upload response", internal.ErrInterrupted).
			WithContext("filename", c.filename)
	}

	if result.err != nil {
		return internal.NewTransportError(result.err).WithContext("filename", c.filename)
	}
	if closeErr != nil {
		return internal.WrapError(closeErr, "failed to finish upload body", internal.ErrTransport).
			WithContext("filename", c.filename)
	}

	var link string
	if c.extract != nil && result.resp != nil {
		link = c.extract(result.resp)
	}

	c.mu.Lock()
	c.link = link
	c.mu.Unlock()
	return nil
}

// IsOpen reports whether the channel still accepts writes
func (c *LinkedChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateCreated:
		return true
	case StateLinked:
		return c.sink.IsOpen()
	default:
		return false
	}
}

// DownloadLink returns the link extracted at close, or "" before a
// successful close or when the response carried none.
func (c *LinkedChannel) DownloadLink() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link
}
