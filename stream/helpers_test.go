package stream

import (
	"context"
	"time"
)

// recordingSink keeps every chunk written to it.
type recordingSink struct {
	chunks [][]byte
	closed bool
	delay  time.Duration
	err    error
}

func (s *recordingSink) Write(_ context.Context, chunk []byte) error {
	if s.err != nil {
		return s.err
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.chunks = append(s.chunks, chunk)
	return nil
}

func (s *recordingSink) Close(context.Context) error {
	s.closed = true
	return nil
}
