package transfer

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"

	"github.com/bitrise-io/go-chunkstream/ioerr"
)

// S3UploadParams describes a multipart upload with pre-signed URLs.
type S3UploadParams struct {
	ResourceID string
	// PartURLs holds one pre-signed PUT URL per part, in part order.
	PartURLs []string
	// CompletionURL receives the POST listing the uploaded parts.
	CompletionURL string
	// Headers are sent with every part upload.
	Headers              map[string]string
	ContentLength        int64
	RecommendedChunkSize int64
}

// PartCount returns how many parts contentLength splits into.
func PartCount(contentLength, chunkSize int64) int {
	if chunkSize <= 0 {
		return 0
	}
	return int((contentLength + chunkSize - 1) / chunkSize)
}

type completeMultipartUpload struct {
	XMLName xml.Name        `xml:"CompleteMultipartUpload"`
	Parts   []completedPart `xml:"Part"`
}

type completedPart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

type s3ErrorResponse struct {
	XMLName xml.Name
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

// S3UploadStream uploads every chunk as one part of a multipart upload.
type S3UploadStream struct {
	*upload
	partURLs      []string
	completionURL string
	headers       map[string]string
	partTags      []string
}

// NewS3UploadStream validates the part URLs against the content length. It does no I/O.
func NewS3UploadStream(params S3UploadParams, opts ...Option) (*S3UploadStream, error) {
	if params.ContentLength < 0 {
		return nil, ioerr.InvalidArgument("content length must not be negative, got %d", params.ContentLength)
	}
	if params.RecommendedChunkSize <= 0 {
		return nil, ioerr.InvalidArgument("chunk size must be positive, got %d", params.RecommendedChunkSize)
	}
	if expected := PartCount(params.ContentLength, params.RecommendedChunkSize); len(params.PartURLs) != expected {
		return nil, ioerr.Internal("got %d part URLs, %d bytes in %d byte parts need %d",
			len(params.PartURLs), params.ContentLength, params.RecommendedChunkSize, expected)
	}
	if params.CompletionURL == "" {
		return nil, ioerr.Internal("completion URL is empty")
	}

	o := newOptions(opts)
	s := &S3UploadStream{
		upload:        newUpload(BackendS3, params.ResourceID, params.ContentLength, params.RecommendedChunkSize, o),
		partURLs:      params.PartURLs,
		completionURL: params.CompletionURL,
		headers:       params.Headers,
		partTags:      make([]string, 0, len(params.PartURLs)),
	}

	if cp := o.checkpoint; cp != nil {
		if err := cp.validate(BackendS3, params.ResourceID, params.ContentLength); err != nil {
			return nil, err
		}
		if cp.UploadedLength%params.RecommendedChunkSize != 0 && !cp.Complete() {
			return nil, ioerr.InvalidArgument("checkpoint uploaded length %d is not a multiple of %d", cp.UploadedLength, params.RecommendedChunkSize)
		}
		if expected := PartCount(cp.UploadedLength, params.RecommendedChunkSize); len(cp.PartTags) != expected {
			return nil, ioerr.InvalidArgument("checkpoint has %d part tags for %d uploaded bytes, expected %d", len(cp.PartTags), cp.UploadedLength, expected)
		}
		s.uploaded = cp.UploadedLength
		s.partTags = append(s.partTags, cp.PartTags...)
		o.logger.Debugf("[%s] Resuming upload of %s at part %d/%d", o.id, params.ResourceID, len(cp.PartTags)+1, len(params.PartURLs))
	}

	return s, nil
}

// PartTags returns the ETags confirmed so far, in part order.
func (s *S3UploadStream) PartTags() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.partTags...)
}

// Checkpoint ...
func (s *S3UploadStream) Checkpoint() Checkpoint {
	cp := s.checkpoint()
	cp.PartTags = s.PartTags()
	return cp
}

// Write uploads chunk as the next part. Every chunk but the final one must be exactly
// the recommended chunk size.
func (s *S3UploadStream) Write(ctx context.Context, chunk []byte) error {
	return s.write(ctx, chunk, s.validate, s.send)
}

// Close posts the completion request listing every part. It is retried as a whole.
func (s *S3UploadStream) Close(ctx context.Context) error {
	return s.close(ctx, s.complete)
}

func (s *S3UploadStream) validate(offset int64, n int) error {
	end := offset + int64(n)
	if end > s.contentLength {
		return ioerr.InvalidArgument("chunk of %d bytes at offset %d exceeds the content length %d", n, offset, s.contentLength)
	}
	final := end == s.contentLength
	if !final && int64(n) != s.chunkSize {
		return ioerr.InvalidArgument("non-final chunk must be %d bytes, got %d", s.chunkSize, n)
	}
	if final && int64(n) > s.chunkSize {
		return ioerr.InvalidArgument("final chunk of %d bytes exceeds the part size %d", n, s.chunkSize)
	}
	return nil
}

func (s *S3UploadStream) send(ctx context.Context, offset int64, chunk []byte) (func(), error) {
	index := int(offset / s.chunkSize)
	op := fmt.Sprintf("upload part %d", index+1)

	resp, err := s.fetch(ctx, op, Request{
		Method: http.MethodPut,
		URL:    s.partURLs[index],
		Header: headerOf(s.headers),
		Body:   chunk,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpError(op, s.resourceID, resp)
	}

	etag := resp.Header.Get("ETag")
	if etag == "" {
		return nil, ioerr.Network(op, errors.New("response has no ETag header"))
	}

	return func() {
		s.partTags = append(s.partTags, etag)
	}, nil
}

func (s *S3UploadStream) complete(ctx context.Context) error {
	const op = "complete multipart upload"

	tags := s.PartTags()
	body := completeMultipartUpload{Parts: make([]completedPart, 0, len(tags))}
	for i, tag := range tags {
		body.Parts = append(body.Parts, completedPart{PartNumber: i + 1, ETag: tag})
	}
	data, err := xml.Marshal(body)
	if err != nil {
		return ioerr.Internal("encode completion body: %s", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/xml")
	resp, err := s.fetch(ctx, op, Request{
		Method: http.MethodPost,
		URL:    s.completionURL,
		Header: header,
		Body:   data,
	})
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return httpError(op, s.resourceID, resp)
	}

	// The completion can fail after the 200 status line was sent, the error is in the body then.
	var s3Err s3ErrorResponse
	if len(resp.Body) > 0 && xml.Unmarshal(resp.Body, &s3Err) == nil && s3Err.XMLName.Local == "Error" {
		return &ioerr.HTTPError{
			Op:         op,
			ResourceID: s.resourceID,
			StatusCode: resp.StatusCode,
			Status:     s3Err.Code,
			Body:       s3Err.Message,
		}
	}
	return nil
}
