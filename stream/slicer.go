package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"

	"github.com/bitrise-io/go-chunkstream/ioerr"
)

// Sizer is implemented by range-readable sources that know their length upfront,
// like *bytes.Reader or *io.SectionReader.
type Sizer interface {
	Size() int64
}

// statter is implemented by *os.File.
type statter interface {
	Stat() (fs.FileInfo, error)
}

// Slicer produces fixed-size chunks from a source. Every chunk but the last one is exactly
// outputSize long. It only reads when Next is called.
//
// In binary mode the source is fully resident and chunks are subslices of it.
// In file mode the source is read incrementally through io.ReaderAt.
type Slicer struct {
	flight     *Flight
	outputSize int

	data   []byte
	reader io.ReaderAt

	mu     sync.Mutex
	offset int64
	// total is -1 until discovered for file sources without a known size.
	total int64
}

// NewBytesSlicer creates a binary mode slicer. The returned chunks share memory with data.
func NewBytesSlicer(data []byte, outputSize int) (*Slicer, error) {
	if outputSize <= 0 {
		return nil, ioerr.InvalidArgument("output size must be positive, got %d", outputSize)
	}
	return &Slicer{
		flight:     NewFlight("slice bytes", io.EOF),
		outputSize: outputSize,
		data:       data,
		total:      int64(len(data)),
	}, nil
}

// NewFileSlicer creates a file mode slicer reading r from offset 0.
// The length is known immediately if r implements Sizer or is a regular file,
// otherwise the end is discovered by a short read.
func NewFileSlicer(r io.ReaderAt, outputSize int) (*Slicer, error) {
	if outputSize <= 0 {
		return nil, ioerr.InvalidArgument("output size must be positive, got %d", outputSize)
	}
	if r == nil {
		return nil, ioerr.InvalidArgument("nil source")
	}
	return &Slicer{
		flight:     NewFlight("slice file", io.EOF),
		outputSize: outputSize,
		reader:     r,
		total:      sizeOf(r),
	}, nil
}

func sizeOf(r io.ReaderAt) int64 {
	switch v := r.(type) {
	case Sizer:
		return v.Size()
	case statter:
		info, err := v.Stat()
		if err != nil || !info.Mode().IsRegular() {
			return -1
		}
		return info.Size()
	}
	return -1
}

// Offset returns the number of bytes produced so far.
func (s *Slicer) Offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// TotalLength returns the source length, or -1 while it is not known yet.
func (s *Slicer) TotalLength() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// setTotal publishes total to the accessors. Only Next writes offset and total,
// so Next itself reads them without the lock.
func (s *Slicer) setTotal(total int64) {
	s.mu.Lock()
	s.total = total
	s.mu.Unlock()
}

// State ...
func (s *Slicer) State() State {
	return s.flight.State()
}

// Abort stops the slicer, pending and later calls return ErrCanceled.
func (s *Slicer) Abort() {
	s.flight.Abort()
}

// Next returns the next chunk, or io.EOF once the whole source was produced.
// A call made while a read is outstanding returns ErrInFlight without reading.
func (s *Slicer) Next(ctx context.Context) ([]byte, error) {
	opCtx, err := s.flight.Begin(ctx)
	if err != nil {
		return nil, err
	}

	if s.total >= 0 && s.offset >= s.total {
		return nil, s.endOfSource()
	}

	var chunk []byte
	if s.reader == nil {
		chunk = s.sliceBytes()
	} else {
		chunk, err = s.readFile(opCtx)
		if err != nil {
			return nil, s.flight.End(err, false)
		}
		if len(chunk) == 0 {
			s.setTotal(s.offset)
			return nil, s.endOfSource()
		}
	}

	s.mu.Lock()
	s.offset += int64(len(chunk))
	s.mu.Unlock()
	last := s.total >= 0 && s.offset >= s.total
	if err := s.flight.End(nil, last); err != nil {
		return nil, err
	}
	return chunk, nil
}

func (s *Slicer) endOfSource() error {
	if err := s.flight.End(nil, true); err != nil {
		return err
	}
	return io.EOF
}

func (s *Slicer) sliceBytes() []byte {
	end := s.offset + int64(s.outputSize)
	if end > s.total {
		end = s.total
	}
	return s.data[s.offset:end:end]
}

func (s *Slicer) readFile(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	size := int64(s.outputSize)
	if s.total >= 0 && s.total-s.offset < size {
		size = s.total - s.offset
	}
	buf := make([]byte, size)
	n, err := s.reader.ReadAt(buf, s.offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read %d bytes at offset %d: %w", size, s.offset, err)
	}
	if int64(n) < size {
		// short read: this is the end of the source
		s.setTotal(s.offset + int64(n))
	}
	return buf[:n], nil
}
