package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-chunkstream/ioerr"
	"github.com/bitrise-io/go-chunkstream/retrier"
	"github.com/bitrise-io/go-chunkstream/stream"
)

// UploadStream is a resumable upload consuming chunks through the stream.Sink contract.
// Close completes the upload once exactly ContentLength bytes were written.
type UploadStream interface {
	stream.Sink
	// ChunkSize is the chunk size Write expects for every chunk but the last one.
	ChunkSize() int
	UploadedLength() int64
	ContentLength() int64
	Checkpoint() Checkpoint
	Abort()
}

// Upload resizes the chunks of src to dst's chunk size and uploads them.
// When resuming, src must start at dst.UploadedLength().
func Upload(ctx context.Context, src stream.Source, dst UploadStream) (int64, error) {
	resizer, err := stream.NewResizer(src, dst.ChunkSize(), stream.ResizerOptions{})
	if err != nil {
		return 0, err
	}
	return stream.Pipe(ctx, resizer, dst)
}

// upload is the state and the write loop shared by the backends.
type upload struct {
	opts          options
	policy        retrier.Policy
	flight        *stream.Flight
	backend       Backend
	resourceID    string
	contentLength int64
	chunkSize     int64

	mu       sync.Mutex
	uploaded int64
}

func newUpload(backend Backend, resourceID string, contentLength, chunkSize int64, o options) *upload {
	return &upload{
		opts:          o,
		policy:        o.retryPolicy(),
		flight:        stream.NewFlight(fmt.Sprintf("upload %s", resourceID), stream.ErrClosed),
		backend:       backend,
		resourceID:    resourceID,
		contentLength: contentLength,
		chunkSize:     chunkSize,
	}
}

// ChunkSize ...
func (u *upload) ChunkSize() int {
	return int(u.chunkSize)
}

// UploadedLength returns the number of bytes the backend confirmed.
func (u *upload) UploadedLength() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.uploaded
}

// ContentLength returns the declared total length.
func (u *upload) ContentLength() int64 {
	return u.contentLength
}

// TransferID identifies the upload in logs and checkpoints.
func (u *upload) TransferID() string {
	return u.opts.id
}

// State ...
func (u *upload) State() stream.State {
	return u.flight.State()
}

// Abort destroys the upload. A request in flight completes but its result is discarded,
// and every later call fails with ioerr.ErrCanceled. Confirmed bytes stay on the backend.
func (u *upload) Abort() {
	u.opts.logger.Debugf("[%s] Aborting upload of %s", u.opts.id, u.resourceID)
	u.flight.Abort()
}

func (u *upload) checkpoint() Checkpoint {
	u.mu.Lock()
	defer u.mu.Unlock()
	return Checkpoint{
		TransferID:     u.opts.id,
		ResourceID:     u.resourceID,
		Backend:        u.backend,
		ContentLength:  u.contentLength,
		UploadedLength: u.uploaded,
		UpdatedAt:      time.Now().UTC(),
	}
}

// sendFunc uploads chunk at offset. The returned function, if any, records backend
// specific results and runs with the upload lock held.
type sendFunc func(ctx context.Context, offset int64, chunk []byte) (func(), error)

// write validates chunk before any I/O, then sends it under the retry policy.
// A rejected chunk leaves the stream usable, a failed send terminates it.
func (u *upload) write(ctx context.Context, chunk []byte, validate func(offset int64, n int) error, send sendFunc) error {
	opCtx, err := u.flight.Begin(ctx)
	if err != nil {
		return err
	}
	if len(chunk) == 0 {
		return u.flight.End(nil, false)
	}

	offset := u.UploadedLength()
	if err := validate(offset, len(chunk)); err != nil {
		if endErr := u.flight.End(nil, false); endErr != nil {
			return endErr
		}
		return err
	}

	start := time.Now()
	record, err := retrier.Do(opCtx, u.policy, func(ctx context.Context, attempt uint) (func(), error) {
		return send(ctx, offset, chunk)
	})
	if err != nil {
		err = u.flight.End(err, false)
		u.opts.logger.Errorf("[%s] Upload of %s failed at offset %d: %s", u.opts.id, u.resourceID, offset, err)
		return err
	}

	err = u.flight.Commit(false, func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		u.uploaded += int64(len(chunk))
		if record != nil {
			record()
		}
	})
	if err != nil {
		return err
	}

	u.opts.stats.Update(len(chunk), time.Since(start))
	u.opts.logger.Debugf("[%s] Uploaded %d-%d/%d of %s", u.opts.id, offset, offset+int64(len(chunk))-1, u.contentLength, u.resourceID)
	if u.opts.onUploaded != nil {
		u.opts.onUploaded(stream.Chunk{Offset: offset, Data: chunk})
	}
	return nil
}

// close completes the upload with finish. Closing an incomplete upload fails it.
func (u *upload) close(ctx context.Context, finish func(ctx context.Context) error) error {
	opCtx, err := u.flight.Begin(ctx)
	if errors.Is(err, stream.ErrClosed) {
		return nil
	}
	if err != nil {
		return err
	}

	if uploaded := u.UploadedLength(); uploaded != u.contentLength {
		err := ioerr.InvalidArgument("upload of %s closed after %d of %d bytes", u.resourceID, uploaded, u.contentLength)
		return u.flight.End(err, false)
	}

	if finish != nil {
		err = retrier.Run(opCtx, u.policy, func(ctx context.Context, attempt uint) error {
			return finish(ctx)
		})
		if err != nil {
			err = u.flight.End(err, false)
			u.opts.logger.Errorf("[%s] Completing the upload of %s failed: %s", u.opts.id, u.resourceID, err)
			return err
		}
	}

	if err := u.flight.End(nil, true); err != nil {
		return err
	}
	u.opts.logger.Infof("[%s] Upload of %s finished: %s", u.opts.id, u.resourceID, u.opts.stats)
	return nil
}

// fetch issues req and classifies transport failures as network errors.
func (u *upload) fetch(ctx context.Context, op string, req Request) (*Response, error) {
	return fetch(ctx, u.opts.fetcher, op, req)
}

func fetch(ctx context.Context, f Fetcher, op string, req Request) (*Response, error) {
	resp, err := f.Fetch(ctx, req)
	if err == nil {
		return resp, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if ioerr.Classified(err) {
		return nil, err
	}
	return nil, ioerr.Network(op, err)
}
