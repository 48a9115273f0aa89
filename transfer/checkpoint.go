package transfer

import (
	"time"

	"github.com/bitrise-io/go-chunkstream/ioerr"
)

// Backend identifies the upload protocol a checkpoint belongs to.
type Backend string

const (
	// BackendGCS is the continuation-style protocol with a single growing session.
	BackendGCS Backend = "gcs"
	// BackendS3 is the multipart protocol with pre-signed part URLs.
	BackendS3 Backend = "s3"
)

// Checkpoint is the resumable state of an upload. Persist it with a resume.Recorder
// and pass it back through WithCheckpoint to continue after a failure.
type Checkpoint struct {
	TransferID     string    `json:"transfer_id"`
	ResourceID     string    `json:"resource_id"`
	Backend        Backend   `json:"backend"`
	SessionURL     string    `json:"session_url,omitempty"`
	ContentLength  int64     `json:"content_length"`
	UploadedLength int64     `json:"uploaded_length"`
	PartTags       []string  `json:"part_tags,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Complete reports whether every byte was confirmed by the backend.
func (c Checkpoint) Complete() bool {
	return c.UploadedLength == c.ContentLength
}

func (c Checkpoint) validate(backend Backend, resourceID string, contentLength int64) error {
	if c.Backend != backend {
		return ioerr.InvalidArgument("checkpoint of a %s upload used for a %s upload", c.Backend, backend)
	}
	if c.ResourceID != resourceID {
		return ioerr.InvalidArgument("checkpoint of resource %s used for resource %s", c.ResourceID, resourceID)
	}
	if c.ContentLength != contentLength {
		return ioerr.InvalidArgument("checkpoint content length %d does not match %d", c.ContentLength, contentLength)
	}
	if c.UploadedLength < 0 || c.UploadedLength > c.ContentLength {
		return ioerr.InvalidArgument("checkpoint uploaded length %d is out of range", c.UploadedLength)
	}
	return nil
}
