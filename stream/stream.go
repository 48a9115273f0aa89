// Package stream implements the chunk pipeline stages: the Slicer producing fixed-size chunks
// from a source, the Resizer normalizing chunk sizes, the Merger rebuilding a single value
// from chunks, and the plumbing connecting them.
//
// Every stage has exactly one producer and one consumer. Backpressure is carried by the
// calls themselves: a Source only produces a chunk when Next is called, and a Sink only
// returns from Write once the chunk was accepted downstream.
package stream

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrInFlight is returned when an operation is issued while another one is still running
	// on the same stream. The second call performs no I/O.
	ErrInFlight = errors.New("an operation is already in flight on this stream")
	// ErrClosed is returned when writing to a sink that was already closed.
	ErrClosed = errors.New("write to closed stream")
)

// Source produces chunks on demand.
// Next returns io.EOF after the final chunk. Any other error is terminal: every later call returns it again.
// Ownership of the returned slice transfers to the caller.
type Source interface {
	Next(ctx context.Context) ([]byte, error)
}

// Sink consumes chunks.
// Write blocks until the chunk was accepted. The sink takes ownership of the chunk,
// the caller must not modify it afterwards. Close signals the end of input.
type Sink interface {
	Write(ctx context.Context, chunk []byte) error
	Close(ctx context.Context) error
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) ([]byte, error)

// Next ...
func (f SourceFunc) Next(ctx context.Context) ([]byte, error) {
	return f(ctx)
}

// Chunk is a chunk together with its absolute position in the logical stream.
type Chunk struct {
	Offset int64
	Data   []byte
}

// End returns the offset right after the chunk.
func (c Chunk) End() int64 {
	return c.Offset + int64(len(c.Data))
}

// FromChunks returns a Source emitting the given chunks in order.
func FromChunks(chunks ...[]byte) Source {
	i := 0
	return SourceFunc(func(ctx context.Context) ([]byte, error) {
		if i >= len(chunks) {
			return nil, io.EOF
		}
		c := chunks[i]
		i++
		return c, nil
	})
}

// Collect drains src and returns every chunk it produced.
func Collect(ctx context.Context, src Source) ([][]byte, error) {
	var chunks [][]byte
	for {
		c, err := src.Next(ctx)
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, c)
	}
}

// Pipe moves every chunk of src into dst and closes dst once src is exhausted.
// It returns the number of bytes written. On error dst is left open, the caller decides
// whether to resume or abort it.
func Pipe(ctx context.Context, src Source, dst Sink) (int64, error) {
	var written int64
	for {
		c, err := src.Next(ctx)
		if err == io.EOF {
			return written, dst.Close(ctx)
		}
		if err != nil {
			return written, err
		}
		if err := dst.Write(ctx, c); err != nil {
			return written, err
		}
		written += int64(len(c))
	}
}

// Map applies fn to every chunk of src. It is the adapter for stateless chunk-in/chunk-out
// transforms such as per-chunk encryption.
func Map(src Source, fn func(ctx context.Context, chunk []byte) ([]byte, error)) Source {
	var failed error
	return SourceFunc(func(ctx context.Context) ([]byte, error) {
		if failed != nil {
			return nil, failed
		}
		c, err := src.Next(ctx)
		if err != nil {
			if err != ErrInFlight {
				failed = err
			}
			return nil, err
		}
		out, err := fn(ctx, c)
		if err != nil {
			failed = err
			return nil, err
		}
		return out, nil
	})
}

// Reader exposes a Source as an io.Reader.
type Reader struct {
	ctx  context.Context
	src  Source
	rest []byte
	err  error
}

// NewReader ...
func NewReader(ctx context.Context, src Source) *Reader {
	return &Reader{ctx: ctx, src: src}
}

// Read ...
func (r *Reader) Read(p []byte) (int, error) {
	for len(r.rest) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		c, err := r.src.Next(r.ctx)
		if err != nil {
			r.err = err
			return 0, err
		}
		r.rest = c
	}
	n := copy(p, r.rest)
	r.rest = r.rest[n:]
	return n, nil
}
