package stream

import (
	"context"
	"sync"
	"sync/atomic"
)

type result struct {
	chunk []byte
	err   error
}

// ReadAhead produces the next chunk of its upstream while the consumer is still handling
// the current one. The hand-off is unbuffered: at most one produced chunk waits for the
// consumer, so the pipeline holds one chunk being consumed, one waiting and one being
// accumulated upstream.
type ReadAhead struct {
	results chan result
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	pending atomic.Int64

	err       error
	closeOnce sync.Once
}

// NewReadAhead starts pulling src in a goroutine. Close must be called to release it.
func NewReadAhead(ctx context.Context, src Source) *ReadAhead {
	ctx, cancel := context.WithCancel(ctx)
	r := &ReadAhead{
		results: make(chan result),
		cancel:  cancel,
	}
	r.wg.Add(1)
	go r.run(ctx, src)
	return r
}

func (r *ReadAhead) run(ctx context.Context, src Source) {
	defer r.wg.Done()
	defer close(r.results)

	for {
		c, err := src.Next(ctx)
		r.pending.Add(int64(len(c)))
		select {
		case r.results <- result{chunk: c, err: err}:
		case <-ctx.Done():
			r.pending.Add(-int64(len(c)))
			return
		}
		if err != nil {
			return
		}
	}
}

// Pending returns the number of bytes produced upstream and not yet handed to the consumer.
func (r *ReadAhead) Pending() int {
	return int(r.pending.Load())
}

// Next ...
func (r *ReadAhead) Next(ctx context.Context) ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	select {
	case res, ok := <-r.results:
		if !ok {
			if r.err == nil {
				r.err = ErrClosed
			}
			return nil, r.err
		}
		r.pending.Add(-int64(len(res.chunk)))
		if res.err != nil {
			r.err = res.err
			return nil, res.err
		}
		return res.chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the producing goroutine and waits for it to exit.
func (r *ReadAhead) Close() {
	r.closeOnce.Do(func() {
		r.cancel()
		r.wg.Wait()
	})
}
