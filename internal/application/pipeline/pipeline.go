// Package pipeline transforms connector output before delivery: loop
// detection, tool-call loop guarding, JSON repair and usage accounting.
//
// The pipeline is pull-based: the HTTP layer reads a chunk, each middleware
// transforms it, and the upstream body is only read on demand, so client
// cancellation propagates to the upstream connection without draining.
package pipeline

import (
	"io"

	"github.com/modelgate/modelgate/internal/domain/entity"
	"github.com/modelgate/modelgate/internal/domain/session"
	"github.com/modelgate/modelgate/internal/infrastructure/connector"
)

// Request carries the per-request facts middlewares key off.
type Request struct {
	SessionID string
	Backend   string
	Model     string
	State     session.State
}

// Middleware transforms responses. OnResponse handles the non-streaming
// path; WrapStream returns a stream that transforms chunks as they are
// pulled. Middlewares may emit fewer chunks but never reorder them.
type Middleware interface {
	Name() string
	OnResponse(req *Request, resp *entity.ChatResponse) (*entity.ChatResponse, error)
	WrapStream(req *Request, stream connector.Stream) connector.Stream
}

// Chain applies middlewares in order. For streams the first middleware sits
// closest to the upstream.
type Chain struct {
	middlewares []Middleware
}

// NewChain builds a chain; order is significant.
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{middlewares: middlewares}
}

// OnResponse runs the non-streaming transforms in order.
func (c *Chain) OnResponse(req *Request, resp *entity.ChatResponse) (*entity.ChatResponse, error) {
	var err error
	for _, mw := range c.middlewares {
		resp, err = mw.OnResponse(req, resp)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// WrapStream layers the stream transforms, first middleware innermost.
func (c *Chain) WrapStream(req *Request, stream connector.Stream) connector.Stream {
	for _, mw := range c.middlewares {
		stream = mw.WrapStream(req, stream)
	}
	return stream
}

// queueStream is a helper base for middlewares that occasionally expand or
// replace chunks: Recv drains the queue before pulling upstream again.
type queueStream struct {
	inner connector.Stream
	queue []*entity.StreamChunk
	done  bool
	// next transforms one upstream chunk into zero or more output chunks,
	// or signals early termination by returning terminal=true.
	next func(chunk *entity.StreamChunk) (out []*entity.StreamChunk, terminal bool)
	// finish emits trailing chunks when the upstream ends.
	finish func() []*entity.StreamChunk
}

func (q *queueStream) Recv() (*entity.StreamChunk, error) {
	for {
		if len(q.queue) > 0 {
			chunk := q.queue[0]
			q.queue = q.queue[1:]
			return chunk, nil
		}
		if q.done {
			return nil, io.EOF
		}

		chunk, err := q.inner.Recv()
		if err == io.EOF {
			q.done = true
			if q.finish != nil {
				q.queue = append(q.queue, q.finish()...)
			}
			continue
		}
		if err != nil {
			q.done = true
			return nil, err
		}

		out, terminal := q.next(chunk)
		q.queue = append(q.queue, out...)
		if terminal {
			q.done = true
			// Early termination stops pulling the upstream; close it so the
			// connection is released promptly.
			q.inner.Close()
		}
	}
}

func (q *queueStream) Close() error { return q.inner.Close() }
