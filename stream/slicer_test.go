package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	testutil "github.com/bitrise-io/go-chunkstream/internal/testing"
	"github.com/bitrise-io/go-chunkstream/ioerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readerAtOnly hides the Size method of the wrapped reader so the length must be discovered.
type readerAtOnly struct {
	r     io.ReaderAt
	reads atomic.Int32
}

func (r *readerAtOnly) ReadAt(p []byte, off int64) (int, error) {
	r.reads.Add(1)
	return r.r.ReadAt(p, off)
}

type failingReaderAt struct {
	err error
}

func (r failingReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return 0, r.err
}

// blockingReaderAt blocks every read until release is closed.
type blockingReaderAt struct {
	started chan struct{}
	release chan struct{}
	reads   atomic.Int32
}

func (r *blockingReaderAt) ReadAt(p []byte, off int64) (int, error) {
	r.reads.Add(1)
	close(r.started)
	<-r.release
	for i := range p {
		p[i] = 'x'
	}
	return len(p), nil
}

func TestSlicer_ProducesFixedSizeChunks(t *testing.T) {
	lengths := []int{0, 1, 9, 10, 11, 99, 100, 101, 1000}
	sizes := []int{1, 3, 10, 64, 2000}

	newSlicers := map[string]func(data []byte, size int) (*Slicer, error){
		"binary": NewBytesSlicer,
		"file with size": func(data []byte, size int) (*Slicer, error) {
			return NewFileSlicer(bytes.NewReader(data), size)
		},
		"file without size": func(data []byte, size int) (*Slicer, error) {
			return NewFileSlicer(&readerAtOnly{r: bytes.NewReader(data)}, size)
		},
	}

	for mode, newSlicer := range newSlicers {
		for _, length := range lengths {
			for _, size := range sizes {
				data := testutil.Payload(length)
				s, err := newSlicer(data, size)
				require.NoError(t, err)

				chunks, err := Collect(context.Background(), s)
				require.NoError(t, err, "mode=%s length=%d size=%d", mode, length, size)

				assert.Equal(t, (length+size-1)/size, len(chunks), "mode=%s length=%d size=%d", mode, length, size)
				for i, c := range chunks {
					if i < len(chunks)-1 {
						assert.Len(t, c, size)
					}
				}
				assert.Equal(t, data, bytes.Join(chunks, nil))
				assert.Equal(t, int64(length), s.Offset())
				assert.Equal(t, StateDone, s.State())
			}
		}
	}
}

func TestSlicer_TerminatesOnce(t *testing.T) {
	s, err := NewBytesSlicer([]byte("abc"), 2)
	require.NoError(t, err)

	_, err = Collect(context.Background(), s)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := s.Next(context.Background())
		assert.Equal(t, io.EOF, err)
	}
}

func TestSlicer_DiscoversLengthOnShortRead(t *testing.T) {
	// Given
	r := &readerAtOnly{r: bytes.NewReader(testutil.Payload(25))}
	s, err := NewFileSlicer(r, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), s.TotalLength())

	// When
	chunks, err := Collect(context.Background(), s)

	// Then
	require.NoError(t, err)
	assert.Len(t, chunks, 3)
	assert.Equal(t, int64(25), s.TotalLength())
	assert.Equal(t, int32(3), r.reads.Load())
}

func TestSlicer_FileSizeFromStat(t *testing.T) {
	// Given
	data := testutil.Payload(10)
	path := filepath.Join(t.TempDir(), "source.bin")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	// When
	s, err := NewFileSlicer(f, 4)
	require.NoError(t, err)
	total := s.TotalLength()
	chunks, err := Collect(context.Background(), s)

	// Then
	require.NoError(t, err)
	assert.Equal(t, int64(10), total)
	assert.Equal(t, testutil.Split(data, 4), chunks)
}

func TestSlicer_ProgressCanBePolledDuringReads(t *testing.T) {
	// Given
	data := testutil.Payload(1000)
	s, err := NewFileSlicer(&readerAtOnly{r: bytes.NewReader(data)}, 7)
	require.NoError(t, err)

	done := make(chan struct{})
	polled := make(chan int64)
	go func() {
		var maxOffset int64
		for {
			select {
			case <-done:
				polled <- maxOffset
				return
			default:
			}
			if o := s.Offset(); o > maxOffset {
				maxOffset = o
			}
			_ = s.TotalLength()
		}
	}()

	// When
	chunks, err := Collect(context.Background(), s)
	close(done)

	// Then
	require.NoError(t, err)
	assert.Equal(t, data, bytes.Join(chunks, nil))
	assert.LessOrEqual(t, <-polled, int64(len(data)))
	assert.Equal(t, int64(len(data)), s.Offset())
	assert.Equal(t, int64(len(data)), s.TotalLength())
}

func TestSlicer_ReadErrorIsTerminal(t *testing.T) {
	readErr := errors.New("disk on fire")
	s, err := NewFileSlicer(failingReaderAt{err: readErr}, 4)
	require.NoError(t, err)

	_, err = s.Next(context.Background())
	require.ErrorIs(t, err, readErr)

	_, err = s.Next(context.Background())
	require.ErrorIs(t, err, readErr)
	assert.Equal(t, StateFailed, s.State())
}

func TestSlicer_SingleFlight(t *testing.T) {
	// Given
	r := &blockingReaderAt{started: make(chan struct{}), release: make(chan struct{})}
	s, err := NewFileSlicer(r, 4)
	require.NoError(t, err)

	done := make(chan []byte)
	go func() {
		c, err := s.Next(context.Background())
		assert.NoError(t, err)
		done <- c
	}()
	<-r.started

	// When
	_, err = s.Next(context.Background())

	// Then
	require.ErrorIs(t, err, ErrInFlight)
	close(r.release)
	assert.Equal(t, []byte("xxxx"), <-done)
	assert.Equal(t, int32(1), r.reads.Load())
	assert.Equal(t, StateIdle, s.State())
}

func TestSlicer_AbortDiscardsInFlightRead(t *testing.T) {
	r := &blockingReaderAt{started: make(chan struct{}), release: make(chan struct{})}
	s, err := NewFileSlicer(r, 4)
	require.NoError(t, err)

	errs := make(chan error)
	go func() {
		_, err := s.Next(context.Background())
		errs <- err
	}()
	<-r.started

	s.Abort()
	close(r.release)

	require.ErrorIs(t, <-errs, ioerr.ErrCanceled)
	_, err = s.Next(context.Background())
	require.ErrorIs(t, err, ioerr.ErrCanceled)
	assert.Equal(t, StateAborted, s.State())
}

func TestSlicer_InvalidArguments(t *testing.T) {
	_, err := NewBytesSlicer([]byte("abc"), 0)
	require.ErrorIs(t, err, ioerr.ErrInvalidArgument)

	_, err = NewFileSlicer(nil, 10)
	require.ErrorIs(t, err, ioerr.ErrInvalidArgument)

	_, err = NewFileSlicer(bytes.NewReader(nil), -1)
	require.ErrorIs(t, err, ioerr.ErrInvalidArgument)
}
