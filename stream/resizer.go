package stream

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/bitrise-io/go-chunkstream/bytequeue"
	"github.com/bitrise-io/go-chunkstream/ioerr"
)

// ResizerOptions ...
type ResizerOptions struct {
	// FlushEmpty makes the end of input always emit exactly one final chunk, even when
	// no bytes remain (also when the whole input was empty). Framing transforms that mark
	// the end of a stream with a short chunk rely on it.
	// When false the remainder is only emitted if it is not empty.
	FlushEmpty bool
}

// resizer is the state shared by the pull and push forms.
type resizer struct {
	outputSize int
	opts       ResizerOptions
	queue      *bytequeue.Queue
	buffered   atomic.Int64
	flushed    bool
}

func newResizer(outputSize int, opts ResizerOptions) (*resizer, error) {
	if outputSize <= 0 {
		return nil, ioerr.InvalidArgument("output size must be positive, got %d", outputSize)
	}
	return &resizer{
		outputSize: outputSize,
		opts:       opts,
		queue:      bytequeue.New(),
	}, nil
}

func (r *resizer) push(b []byte) {
	r.queue.Push(b)
	r.buffered.Store(int64(r.queue.ByteSize()))
}

func (r *resizer) full() bool {
	return r.queue.ByteSize() >= r.outputSize
}

func (r *resizer) consume(n int) ([]byte, error) {
	b, err := r.queue.Consume(n)
	r.buffered.Store(int64(r.queue.ByteSize()))
	return b, err
}

// final returns the last chunk at end of input, ok is false when nothing must be emitted.
func (r *resizer) final() (chunk []byte, ok bool, err error) {
	if r.flushed {
		return nil, false, nil
	}
	r.flushed = true
	if r.queue.ByteSize() == 0 && !r.opts.FlushEmpty {
		return nil, false, nil
	}
	chunk, err = r.consume(r.queue.ByteSize())
	return chunk, err == nil, err
}

// Resizer turns the chunks of a Source into chunks of exactly outputSize bytes,
// the last one may be shorter. It pulls from upstream only until one output chunk is
// complete, so it buffers less than outputSize plus one input chunk.
// A Resizer must be used by a single consumer.
type Resizer struct {
	*resizer
	src   Source
	ended bool
	err   error
}

// NewResizer ...
func NewResizer(src Source, outputSize int, opts ResizerOptions) (*Resizer, error) {
	r, err := newResizer(outputSize, opts)
	if err != nil {
		return nil, err
	}
	return &Resizer{resizer: r, src: src}, nil
}

// Buffered returns the number of bytes pulled from upstream but not emitted yet.
// It is safe to call concurrently with Next.
func (r *Resizer) Buffered() int {
	return int(r.buffered.Load())
}

// Next ...
func (r *Resizer) Next(ctx context.Context) ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}

	for !r.ended && !r.full() {
		b, err := r.src.Next(ctx)
		if err == io.EOF {
			r.ended = true
			break
		}
		if err != nil {
			if err != ErrInFlight {
				r.err = err
			}
			return nil, err
		}
		r.push(b)
	}

	if r.full() {
		b, err := r.consume(r.outputSize)
		if err != nil {
			r.err = err
			return nil, err
		}
		return b, nil
	}

	b, ok, err := r.final()
	if err != nil {
		r.err = err
		return nil, err
	}
	if !ok {
		r.err = io.EOF
		return nil, io.EOF
	}
	return b, nil
}

// ResizerSink is the push form of the Resizer: chunks written to it reach dst as chunks of
// exactly outputSize bytes, the last one may be shorter. Write returns only after every
// complete chunk was accepted by dst.
type ResizerSink struct {
	*resizer
	dst    Sink
	closed bool
	err    error
}

// NewResizerSink ...
func NewResizerSink(dst Sink, outputSize int, opts ResizerOptions) (*ResizerSink, error) {
	r, err := newResizer(outputSize, opts)
	if err != nil {
		return nil, err
	}
	return &ResizerSink{resizer: r, dst: dst}, nil
}

// Buffered returns the number of bytes accepted but not forwarded yet.
func (r *ResizerSink) Buffered() int {
	return int(r.buffered.Load())
}

// Write ...
func (r *ResizerSink) Write(ctx context.Context, chunk []byte) error {
	if r.err != nil {
		return r.err
	}
	if r.closed {
		return ErrClosed
	}

	r.push(chunk)
	for r.full() {
		b, err := r.consume(r.outputSize)
		if err == nil {
			err = r.dst.Write(ctx, b)
		}
		if err != nil {
			r.err = err
			return err
		}
	}
	return nil
}

// Close flushes the remainder and closes dst.
func (r *ResizerSink) Close(ctx context.Context) error {
	if r.err != nil {
		return r.err
	}
	if r.closed {
		return nil
	}
	r.closed = true

	b, ok, err := r.final()
	if err == nil && ok {
		err = r.dst.Write(ctx, b)
	}
	if err == nil {
		err = r.dst.Close(ctx)
	}
	if err != nil {
		r.err = err
	}
	return err
}
