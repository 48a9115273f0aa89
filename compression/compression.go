// Package compression provides zstd transforms between chunk streams. They are meant for
// the transform stage between a source and an upload sink, or after a download stream.
package compression

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bitrise-io/go-chunkstream/ioerr"
	"github.com/bitrise-io/go-chunkstream/stream"
	"github.com/klauspost/compress/zstd"
)

// Option configures the compressor.
type Option func(*[]zstd.EOption)

// WithLevel sets the zstd encoder level. The default is zstd.SpeedDefault.
func WithLevel(level zstd.EncoderLevel) Option {
	return func(opts *[]zstd.EOption) {
		*opts = append(*opts, zstd.WithEncoderLevel(level))
	}
}

// Compressor encodes the chunks of a source into a single zstd frame sequence.
// Output chunk boundaries follow the encoder's block boundaries, use a
// stream.Resizer after it when an upload needs fixed chunk sizes.
type Compressor struct {
	src  stream.Source
	buf  bytes.Buffer
	enc  *zstd.Encoder
	done bool
	err  error
}

// NewCompressor ...
func NewCompressor(src stream.Source, opts ...Option) (*Compressor, error) {
	eopts := []zstd.EOption{zstd.WithEncoderConcurrency(1), zstd.WithZeroFrames(true)}
	for _, o := range opts {
		o(&eopts)
	}

	c := &Compressor{src: src}
	enc, err := zstd.NewWriter(&c.buf, eopts...)
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	c.enc = enc
	return c, nil
}

// Next returns the next compressed chunk, io.EOF after the last one.
func (c *Compressor) Next(ctx context.Context) ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}

	for c.buf.Len() == 0 {
		if c.done {
			return nil, io.EOF
		}

		chunk, err := c.src.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			c.done = true
			if err := c.enc.Close(); err != nil {
				return nil, c.fail(fmt.Errorf("close zstd writer: %w", err))
			}
		case errors.Is(err, stream.ErrInFlight):
			return nil, err
		case err != nil:
			c.err = err
			_ = c.enc.Close()
			return nil, err
		default:
			if _, err := c.enc.Write(chunk); err != nil {
				return nil, c.fail(fmt.Errorf("compress chunk: %w", err))
			}
		}
	}

	out := make([]byte, c.buf.Len())
	copy(out, c.buf.Bytes())
	c.buf.Reset()
	return out, nil
}

func (c *Compressor) fail(err error) error {
	c.err = fmt.Errorf("%w: %s", ioerr.ErrInternal, err)
	return c.err
}

// Decompressor decodes a zstd stream read from a source into chunks of a fixed size.
// Only the last chunk can be shorter.
type Decompressor struct {
	src        stream.Source
	dec        *zstd.Decoder
	outputSize int
	done       bool
	err        error
}

// NewDecompressor ...
func NewDecompressor(ctx context.Context, src stream.Source, outputSize int) (*Decompressor, error) {
	if outputSize <= 0 {
		return nil, ioerr.InvalidArgument("output size must be positive, got %d", outputSize)
	}

	dec, err := zstd.NewReader(stream.NewReader(ctx, src), zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	return &Decompressor{src: src, dec: dec, outputSize: outputSize}, nil
}

// Next returns the next decompressed chunk, io.EOF after the last one.
func (d *Decompressor) Next(_ context.Context) ([]byte, error) {
	if d.err != nil {
		return nil, d.err
	}
	if d.done {
		return nil, io.EOF
	}

	buf := make([]byte, d.outputSize)
	n, err := io.ReadFull(d.dec, buf)
	switch {
	case err == nil:
		return buf, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		d.finish()
		return buf[:n], nil
	case errors.Is(err, io.EOF):
		d.finish()
		return nil, io.EOF
	default:
		d.dec.Close()
		if !ioerr.Classified(err) {
			err = fmt.Errorf("%w: decompress: %s", ioerr.ErrInternal, err)
		}
		d.err = err
		return nil, err
	}
}

func (d *Decompressor) finish() {
	d.done = true
	d.dec.Close()
}
