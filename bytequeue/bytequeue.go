// Package bytequeue provides an append-only byte accumulator with exact-size consumption.
package bytequeue

import (
	"github.com/bitrise-io/go-chunkstream/ioerr"
)

// Queue buffers byte fragments in arrival order.
// Pushed fragments are retained as-is until consumed, they must not be modified by the caller afterwards.
// The zero value is an empty queue ready to use. A Queue is not safe for concurrent use.
type Queue struct {
	fragments [][]byte
	size      int
}

// New ...
func New() *Queue {
	return &Queue{}
}

// Push appends a fragment. Empty fragments are ignored.
func (q *Queue) Push(b []byte) {
	if len(b) == 0 {
		return
	}
	q.fragments = append(q.fragments, b)
	q.size += len(b)
}

// ByteSize returns the number of buffered bytes.
func (q *Queue) ByteSize() int {
	return q.size
}

// Consume removes and returns exactly n bytes in original order.
// When the first n bytes live in a single fragment the returned slice shares its memory,
// a copy is only made when n spans multiple fragments.
// Asking for more bytes than buffered is an ErrInvalidArgument.
func (q *Queue) Consume(n int) ([]byte, error) {
	if n < 0 || n > q.size {
		return nil, ioerr.InvalidArgument("consume %d bytes from a queue holding %d bytes", n, q.size)
	}
	if n == 0 {
		return []byte{}, nil
	}

	first := q.fragments[0]
	if n <= len(first) {
		out := first[:n:n]
		q.dropFront(n)
		return out, nil
	}

	out := make([]byte, 0, n)
	for len(out) < n {
		head := q.fragments[0]
		take := n - len(out)
		if take > len(head) {
			take = len(head)
		}
		out = append(out, head[:take]...)
		q.dropFront(take)
	}
	return out, nil
}

// dropFront discards n bytes from the first fragment, n must not exceed its length.
func (q *Queue) dropFront(n int) {
	if n == len(q.fragments[0]) {
		q.fragments[0] = nil
		q.fragments = q.fragments[1:]
	} else {
		q.fragments[0] = q.fragments[0][n:]
	}
	q.size -= n
	if len(q.fragments) == 0 {
		q.fragments = nil
	}
}
