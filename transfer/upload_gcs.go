package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/bitrise-io/go-chunkstream/ioerr"
	"github.com/bitrise-io/go-chunkstream/retrier"
)

const (
	// GCSChunkAlignment is the quantum every non-final chunk of a GCS upload must be a multiple of.
	GCSChunkAlignment = 256 * 1024
	// DefaultGCSChunkSize is used when no chunk size is recommended.
	DefaultGCSChunkSize = 32 * GCSChunkAlignment
)

// StatusResumeIncomplete is the status GCS answers a non-final chunk with.
const StatusResumeIncomplete = 308

// GCSUploadParams ...
type GCSUploadParams struct {
	ResourceID string
	// InitURL receives the POST initiating the resumable session.
	InitURL string
	// Headers are sent with the initiating request, e.g. x-goog-resumable: start.
	Headers       map[string]string
	ContentLength int64
	// RecommendedChunkSize must be a multiple of GCSChunkAlignment, DefaultGCSChunkSize if zero.
	RecommendedChunkSize int64
}

// GCSUploadStream uploads into a single resumable session, each chunk extending what the
// backend already persisted.
type GCSUploadStream struct {
	*upload
	sessionURL string
}

// NewGCSUploadStream initiates a resumable session, or resumes the one recorded in the
// checkpoint given with WithCheckpoint.
func NewGCSUploadStream(ctx context.Context, params GCSUploadParams, opts ...Option) (*GCSUploadStream, error) {
	if params.ContentLength < 0 {
		return nil, ioerr.InvalidArgument("content length must not be negative, got %d", params.ContentLength)
	}
	chunkSize := params.RecommendedChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultGCSChunkSize
	}
	if chunkSize < 0 || chunkSize%GCSChunkAlignment != 0 {
		return nil, ioerr.InvalidArgument("chunk size must be a positive multiple of %d, got %d", GCSChunkAlignment, chunkSize)
	}

	o := newOptions(opts)
	s := &GCSUploadStream{
		upload: newUpload(BackendGCS, params.ResourceID, params.ContentLength, chunkSize, o),
	}

	if cp := o.checkpoint; cp != nil {
		if err := cp.validate(BackendGCS, params.ResourceID, params.ContentLength); err != nil {
			return nil, err
		}
		if cp.SessionURL == "" {
			return nil, ioerr.InvalidArgument("checkpoint has no session URL")
		}
		if cp.UploadedLength%GCSChunkAlignment != 0 && !cp.Complete() {
			return nil, ioerr.InvalidArgument("checkpoint uploaded length %d is not a multiple of %d", cp.UploadedLength, GCSChunkAlignment)
		}
		s.sessionURL = cp.SessionURL
		s.uploaded = cp.UploadedLength
		o.logger.Debugf("[%s] Resuming upload of %s at %d/%d", o.id, params.ResourceID, cp.UploadedLength, params.ContentLength)
		return s, nil
	}

	if params.InitURL == "" {
		return nil, ioerr.InvalidArgument("init URL is empty")
	}
	sessionURL, err := retrier.Do(ctx, s.policy, func(ctx context.Context, attempt uint) (string, error) {
		return s.initSession(ctx, params)
	})
	if err != nil {
		return nil, fmt.Errorf("initialize upload of %s: %w", params.ResourceID, err)
	}
	s.sessionURL = sessionURL
	o.logger.Debugf("[%s] Upload session of %s started", o.id, params.ResourceID)

	return s, nil
}

func (s *GCSUploadStream) initSession(ctx context.Context, params GCSUploadParams) (string, error) {
	const op = "initialize upload session"
	resp, err := s.fetch(ctx, op, Request{
		Method: http.MethodPost,
		URL:    params.InitURL,
		Header: headerOf(params.Headers),
	})
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", httpError(op, s.resourceID, resp)
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return "", ioerr.Network(op, errors.New("response has no Location header"))
	}
	return location, nil
}

// SessionURL returns the URL of the resumable session.
func (s *GCSUploadStream) SessionURL() string {
	return s.sessionURL
}

// Checkpoint ...
func (s *GCSUploadStream) Checkpoint() Checkpoint {
	cp := s.checkpoint()
	cp.SessionURL = s.sessionURL
	return cp
}

// Write uploads chunk. Every chunk but the final one must be a multiple of GCSChunkAlignment,
// and the chunks must not add up to more than the content length.
func (s *GCSUploadStream) Write(ctx context.Context, chunk []byte) error {
	return s.write(ctx, chunk, s.validate, s.send)
}

// Close completes the upload. An empty upload is finalized here, otherwise the final
// chunk already did it.
func (s *GCSUploadStream) Close(ctx context.Context) error {
	var finish func(ctx context.Context) error
	if s.contentLength == 0 {
		finish = s.finalizeEmpty
	}
	return s.close(ctx, finish)
}

func (s *GCSUploadStream) validate(offset int64, n int) error {
	end := offset + int64(n)
	if end > s.contentLength {
		return ioerr.InvalidArgument("chunk of %d bytes at offset %d exceeds the content length %d", n, offset, s.contentLength)
	}
	if end < s.contentLength && n%GCSChunkAlignment != 0 {
		return ioerr.InvalidArgument("non-final chunk of %d bytes is not a multiple of %d", n, GCSChunkAlignment)
	}
	return nil
}

func (s *GCSUploadStream) send(ctx context.Context, offset int64, chunk []byte) (func(), error) {
	const op = "upload chunk"
	end := offset + int64(len(chunk))
	final := end == s.contentLength

	total := "*"
	if final {
		total = strconv.FormatInt(s.contentLength, 10)
	}
	header := http.Header{}
	header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%s", offset, end-1, total))

	resp, err := s.fetch(ctx, op, Request{
		Method: http.MethodPut,
		URL:    s.sessionURL,
		Header: header,
		Body:   chunk,
	})
	if err != nil {
		return nil, err
	}

	switch {
	case final && (resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated):
		return nil, nil
	case !final && resp.StatusCode == StatusResumeIncomplete:
		return nil, nil
	default:
		return nil, httpError(op, s.resourceID, resp)
	}
}

func (s *GCSUploadStream) finalizeEmpty(ctx context.Context) error {
	const op = "finalize empty upload"
	header := http.Header{}
	header.Set("Content-Range", "bytes */0")

	resp, err := s.fetch(ctx, op, Request{
		Method: http.MethodPut,
		URL:    s.sessionURL,
		Header: header,
		Body:   []byte{},
	})
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return httpError(op, s.resourceID, resp)
	}
	return nil
}
