package proxy

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// errIdleTimeout marks a body stream that stalled longer than the
// service's idleTimeout.
var errIdleTimeout = errors.New("idle timeout on body stream")

// errStreamTimeout marks a body stream cut by callAndStreamTimeout.
var errStreamTimeout = errors.New("stream timeout exceeded")

type readResult struct {
	n   int
	err error
}

// timeoutReader bounds a body stream two ways: each Read must complete
// within idle, and the whole stream must finish before deadline. Reads
// run in a goroutine so a stalled upstream cannot pin the caller.
// Callers must Close the reader once done so the goroutine exits even
// when the stream was cut mid-chunk.
type timeoutReader struct {
	r        io.Reader
	idle     time.Duration
	deadline time.Time

	results   chan readResult
	ack       chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	buf       []byte
	started   bool
}

func newTimeoutReader(r io.Reader, idle time.Duration, deadline time.Time) *timeoutReader {
	return &timeoutReader{
		r:        r,
		idle:     idle,
		deadline: deadline,
		results:  make(chan readResult, 1),
		ack:      make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Close releases the pump goroutine. Safe to call more than once.
func (t *timeoutReader) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

func (t *timeoutReader) Read(p []byte) (int, error) {
	if !t.deadline.IsZero() && !time.Now().Before(t.deadline) {
		return 0, errStreamTimeout
	}

	if !t.started {
		t.started = true
		t.buf = make([]byte, len(p))
		go t.pump()
	}

	timeout := t.idle
	if !t.deadline.IsZero() {
		if until := time.Until(t.deadline); timeout <= 0 || until < timeout {
			timeout = until
		}
	}

	var timer <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		timer = tm.C
	}

	select {
	case res := <-t.results:
		n := copy(p, t.buf[:res.n])
		if res.err == nil {
			t.ack <- struct{}{}
		}
		return n, res.err
	case <-timer:
		if !t.deadline.IsZero() && !time.Now().Before(t.deadline) {
			return 0, errStreamTimeout
		}
		return 0, errIdleTimeout
	}
}

// pump reads ahead one chunk at a time, handing each to Read through
// the results channel and waiting for the ack before reading again.
// When a timed-out Read abandons the stream, the chunk in flight is
// never consumed; done lets the pump exit instead of waiting forever.
func (t *timeoutReader) pump() {
	for {
		n, err := t.r.Read(t.buf)
		select {
		case t.results <- readResult{n: n, err: err}:
		case <-t.done:
			return
		}
		if err != nil {
			return
		}
		select {
		case <-t.ack:
		case <-t.done:
			return
		}
	}
}

// countingReader tallies bytes pulled through it.
type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

func (c *countingReader) count() int64 {
	return c.n.Load()
}
