// Package resume persists upload checkpoints so an interrupted upload can continue
// where the backend stopped confirming chunks.
package resume

import (
	"context"
	"errors"

	"github.com/bitrise-io/go-chunkstream/stream"
	"github.com/bitrise-io/go-chunkstream/transfer"
	"github.com/bitrise-io/go-utils/v2/log"
)

// ErrNoCheckpoint is returned by Load when nothing was recorded for the key.
var ErrNoCheckpoint = errors.New("no checkpoint recorded")

// Recorder stores checkpoints by a caller chosen key, typically the resource id.
type Recorder interface {
	Load(ctx context.Context, key string) (transfer.Checkpoint, error)
	Save(ctx context.Context, key string, cp transfer.Checkpoint) error
	Delete(ctx context.Context, key string) error
}

// Tracker records the checkpoint of an upload after every confirmed chunk.
//
//	tracker := resume.NewTracker(rec, key, logger)
//	up, err := transfer.NewS3UploadStream(params, transfer.WithOnUploaded(tracker.OnUploaded))
//	tracker.Attach(up)
type Tracker struct {
	rec    Recorder
	key    string
	logger log.Logger
	upload transfer.UploadStream
}

// NewTracker ...
func NewTracker(rec Recorder, key string, logger log.Logger) *Tracker {
	return &Tracker{rec: rec, key: key, logger: logger}
}

// Attach sets the upload whose checkpoints are recorded.
func (t *Tracker) Attach(up transfer.UploadStream) {
	t.upload = up
}

// OnUploaded saves the current checkpoint. A failed save is logged, the upload goes on.
func (t *Tracker) OnUploaded(c stream.Chunk) {
	if t.upload == nil {
		return
	}
	if err := t.rec.Save(context.Background(), t.key, t.upload.Checkpoint()); err != nil {
		t.logger.Warnf("Failed to record checkpoint of %s at %d: %s", t.key, c.End(), err)
	}
}

// Finish deletes the checkpoint of a completed upload.
func (t *Tracker) Finish(ctx context.Context) error {
	err := t.rec.Delete(ctx, t.key)
	if errors.Is(err, ErrNoCheckpoint) {
		return nil
	}
	return err
}
