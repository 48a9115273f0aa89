package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/bitrise-io/go-chunkstream/bytequeue"
	"github.com/bitrise-io/go-chunkstream/ioerr"
)

// Kind selects the value a Merger produces.
type Kind int

const (
	// KindBytes produces a []byte.
	KindBytes Kind = iota
	// KindBuffer produces a *bytes.Buffer.
	KindBuffer
	// KindBlob produces a *Blob.
	KindBlob
	// KindFile produces a *File.
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "bytes"
	case KindBuffer:
		return "buffer"
	case KindBlob:
		return "blob"
	case KindFile:
		return "file"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Representation describes the output of a Merger. MIME applies to blobs and files,
// Name and LastModified to files only.
type Representation struct {
	Kind         Kind
	MIME         string
	Name         string
	LastModified time.Time
}

// Blob is a byte payload with its MIME type.
type Blob struct {
	MIME string
	Data []byte
}

// Size ...
func (b *Blob) Size() int64 {
	return int64(len(b.Data))
}

// Reader returns a reader over the payload.
func (b *Blob) Reader() *bytes.Reader {
	return bytes.NewReader(b.Data)
}

// File is a Blob carrying file metadata.
type File struct {
	Blob
	Name         string
	LastModified time.Time
}

// Converter turns the merged payload into the requested value.
type Converter func(data []byte) (interface{}, error)

func converterFor(rep Representation) (Converter, error) {
	switch rep.Kind {
	case KindBytes:
		return func(data []byte) (interface{}, error) {
			return data, nil
		}, nil
	case KindBuffer:
		return func(data []byte) (interface{}, error) {
			return bytes.NewBuffer(data), nil
		}, nil
	case KindBlob:
		return func(data []byte) (interface{}, error) {
			return &Blob{MIME: rep.MIME, Data: data}, nil
		}, nil
	case KindFile:
		if rep.Name == "" {
			return nil, ioerr.InvalidArgument("file representation requires a name")
		}
		return func(data []byte) (interface{}, error) {
			lastModified := rep.LastModified
			if lastModified.IsZero() {
				lastModified = time.Now()
			}
			return &File{
				Blob:         Blob{MIME: rep.MIME, Data: data},
				Name:         rep.Name,
				LastModified: lastModified,
			}, nil
		}, nil
	default:
		return nil, ioerr.InvalidArgument("unsupported output representation: %s", rep.Kind)
	}
}

// Merger accumulates every chunk it receives and produces exactly one value in the
// requested representation once the input ends, also when no byte was received.
// It can be driven as a Sink (Write, Close, then Value) or pull a Source with Merge.
type Merger struct {
	convert Converter
	queue   *bytequeue.Queue

	closed bool
	value  interface{}
	err    error
}

// NewMerger fails with ErrInvalidArgument for unsupported representations.
func NewMerger(rep Representation) (*Merger, error) {
	convert, err := converterFor(rep)
	if err != nil {
		return nil, err
	}
	return NewMergerWithConverter(convert)
}

// NewMergerWithConverter creates a Merger producing a custom value.
func NewMergerWithConverter(convert Converter) (*Merger, error) {
	if convert == nil {
		return nil, ioerr.InvalidArgument("nil converter")
	}
	return &Merger{convert: convert, queue: bytequeue.New()}, nil
}

// Write ...
func (m *Merger) Write(_ context.Context, chunk []byte) error {
	if m.err != nil {
		return m.err
	}
	if m.closed {
		return ErrClosed
	}
	m.queue.Push(chunk)
	return nil
}

// Close builds the value. Closing twice is a no-op.
func (m *Merger) Close(_ context.Context) error {
	if m.err != nil {
		return m.err
	}
	if m.closed {
		return nil
	}
	m.closed = true

	data, err := m.queue.Consume(m.queue.ByteSize())
	if err != nil {
		m.err = err
		return err
	}
	value, err := m.convert(data)
	if err != nil {
		m.err = fmt.Errorf("convert merged payload: %w", err)
		return m.err
	}
	m.value = value
	return nil
}

// Value returns the merged value, available after a successful Close.
func (m *Merger) Value() (interface{}, error) {
	if m.err != nil {
		return nil, m.err
	}
	if !m.closed {
		return nil, ioerr.InvalidArgument("merger is still accepting input")
	}
	return m.value, nil
}

// Merge drains src into the merger and returns the value.
func (m *Merger) Merge(ctx context.Context, src Source) (interface{}, error) {
	for {
		c, err := src.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			m.err = err
			return nil, err
		}
		if err := m.Write(ctx, c); err != nil {
			return nil, err
		}
	}
	if err := m.Close(ctx); err != nil {
		return nil, err
	}
	return m.Value()
}

// MergeAs drains src into a value of type T produced by the representation.
func MergeAs[T any](ctx context.Context, src Source, rep Representation) (T, error) {
	var zero T
	m, err := NewMerger(rep)
	if err != nil {
		return zero, err
	}
	v, err := m.Merge(ctx, src)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, ioerr.InvalidArgument("%s representation produces %T, not %T", rep.Kind, v, zero)
	}
	return typed, nil
}
