package connector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ErrIdleTimeout is returned when an SSE stream stops producing bytes for
// longer than the idle window. Distinguishable from transport errors so the
// caller can decide whether partial output is usable.
var ErrIdleTimeout = errors.New("sse read idle timeout")

// Event is one server-sent event. Name is empty for bare data events.
type Event struct {
	Name string
	Data string
}

// EventReader scans a text/event-stream body into events with a per-read
// idle timeout. Bounded line size protects against malformed upstreams.
type EventReader struct {
	scanner *bufio.Scanner
	pending string // event: name awaiting its data line
}

// NewEventReader wraps r. idleTimeout of zero disables the idle watchdog.
func NewEventReader(r io.Reader, idleTimeout time.Duration) *EventReader {
	if idleTimeout > 0 {
		r = &timedReader{r: r, timeout: idleTimeout}
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024) // 1MB max line
	return &EventReader{scanner: scanner}
}

// Next returns the next event, or io.EOF at end of stream.
func (er *EventReader) Next() (Event, error) {
	for er.scanner.Scan() {
		line := er.scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			er.pending = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev := Event{Name: er.pending, Data: strings.TrimPrefix(line, "data: ")}
			er.pending = ""
			return ev, nil
		case line == "":
			// event separator
		}
	}
	if err := er.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

// timedReader applies a per-Read deadline so a stalled upstream cannot hold
// a stream open forever.
type timedReader struct {
	r       io.Reader
	timeout time.Duration
}

func (t *timedReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := t.r.Read(p)
		ch <- result{n, err}
	}()

	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(t.timeout):
		return 0, fmt.Errorf("%w after %v", ErrIdleTimeout, t.timeout)
	}
}

// CloseOnCancel force-closes body when ctx is cancelled so a blocked SSE
// read unblocks promptly. The returned stop function must be called once the
// stream finishes normally.
func CloseOnCancel(ctx context.Context, body io.Closer) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			body.Close()
		case <-done:
		}
	}()
	var once bool
	return func() {
		if !once {
			once = true
			close(done)
		}
	}
}
