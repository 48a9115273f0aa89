package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/bitrise-io/go-chunkstream/ioerr"
	"github.com/bitrise-io/go-chunkstream/retrier"
	"github.com/bitrise-io/go-chunkstream/stream"
)

// DefaultMetadataHeader carries the application metadata of a resource.
const DefaultMetadataHeader = "X-Goog-Meta-Metadata"

// DownloadParams ...
type DownloadParams struct {
	ResourceID  string
	MetadataURL string
	DataURL     string
	ChunkSize   int64
	// Headers are sent with every request.
	Headers map[string]string
	// MetadataHeader is the response header GetMetadata reads, DefaultMetadataHeader if empty.
	MetadataHeader string
	// Offset resumes a download at the given byte.
	Offset int64
}

// Metadata describes a remote resource.
type Metadata struct {
	// Value is the opaque application metadata.
	Value         string
	ContentLength int64
}

var contentRangePattern = regexp.MustCompile(`^bytes (\d+)-(\d+)/(\d+|\*)$`)

// DownloadStream reads a remote resource in ranged requests of ChunkSize bytes.
// Every chunk but the last one is exactly ChunkSize long.
type DownloadStream struct {
	params DownloadParams
	opts   options
	policy retrier.Policy
	flight *stream.Flight

	mu         sync.Mutex
	downloaded int64
	// total is -1 until the first response told it.
	total int64
}

// NewDownloadStream creates the stream. It does no I/O until Next or GetMetadata is called.
func NewDownloadStream(params DownloadParams, opts ...Option) (*DownloadStream, error) {
	if params.ChunkSize <= 0 {
		return nil, ioerr.InvalidArgument("chunk size must be positive, got %d", params.ChunkSize)
	}
	if params.DataURL == "" {
		return nil, ioerr.InvalidArgument("data URL is empty")
	}
	if params.Offset < 0 {
		return nil, ioerr.InvalidArgument("offset must not be negative, got %d", params.Offset)
	}
	if params.MetadataHeader == "" {
		params.MetadataHeader = DefaultMetadataHeader
	}

	o := newOptions(opts)
	return &DownloadStream{
		params:     params,
		opts:       o,
		policy:     o.retryPolicy(),
		flight:     stream.NewFlight(fmt.Sprintf("download %s", params.ResourceID), io.EOF),
		downloaded: params.Offset,
		total:      -1,
	}, nil
}

// DownloadedLength returns the number of bytes emitted so far, including the initial offset.
func (d *DownloadStream) DownloadedLength() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.downloaded
}

// TotalLength returns the resource length, or -1 while it is not known.
func (d *DownloadStream) TotalLength() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}

// State ...
func (d *DownloadStream) State() stream.State {
	return d.flight.State()
}

// Abort destroys the stream. A request in flight completes but its result is discarded,
// and every later call fails with ioerr.ErrCanceled.
func (d *DownloadStream) Abort() {
	d.opts.logger.Debugf("[%s] Aborting download of %s", d.opts.id, d.params.ResourceID)
	d.flight.Abort()
}

// GetMetadata probes the resource. A missing resource is an ioerr.ErrInvalidArgument error.
func (d *DownloadStream) GetMetadata(ctx context.Context) (Metadata, error) {
	const op = "get metadata"
	url := d.params.MetadataURL
	if url == "" {
		url = d.params.DataURL
	}

	return retrier.Do(ctx, d.policy, func(ctx context.Context, attempt uint) (Metadata, error) {
		resp, err := fetch(ctx, d.opts.fetcher, op, Request{
			Method: http.MethodHead,
			URL:    url,
			Header: headerOf(d.params.Headers),
		})
		if err != nil {
			return Metadata{}, err
		}
		if resp.StatusCode == http.StatusNotFound {
			return Metadata{}, ioerr.InvalidArgument("resource not found for identifier %s", d.params.ResourceID)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return Metadata{}, httpError(op, d.params.ResourceID, resp)
		}

		length := resp.ContentLength
		if v := resp.Header.Get("Content-Length"); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				length = n
			}
		}
		return Metadata{
			Value:         resp.Header.Get(d.params.MetadataHeader),
			ContentLength: length,
		}, nil
	})
}

// Next downloads the next chunk. It returns io.EOF once the whole resource was emitted,
// and stream.ErrInFlight without any I/O while another Next is running.
func (d *DownloadStream) Next(ctx context.Context) ([]byte, error) {
	opCtx, err := d.flight.Begin(ctx)
	if err != nil {
		return nil, err
	}

	offset := d.DownloadedLength()
	if total := d.TotalLength(); total >= 0 && offset >= total {
		if err := d.flight.End(nil, true); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	start := time.Now()
	res, err := retrier.Do(opCtx, d.policy, func(ctx context.Context, attempt uint) (rangeResult, error) {
		return d.fetchRange(ctx, offset)
	})
	if err != nil {
		err = d.flight.End(err, false)
		d.opts.logger.Errorf("[%s] Download of %s failed at offset %d: %s", d.opts.id, d.params.ResourceID, offset, err)
		return nil, err
	}

	end := offset + int64(len(res.data))
	last := res.last || int64(len(res.data)) < d.params.ChunkSize || (res.total >= 0 && end >= res.total)
	err = d.flight.Commit(last && len(res.data) == 0, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.downloaded = end
		switch {
		case last:
			// A short chunk ends the download even if the advertised total is larger.
			d.total = end
		case res.total >= 0:
			d.total = res.total
		}
	})
	if err != nil {
		return nil, err
	}

	if len(res.data) == 0 {
		d.opts.logger.Infof("[%s] Download of %s finished: %s", d.opts.id, d.params.ResourceID, d.opts.stats)
		return nil, io.EOF
	}

	d.opts.stats.Update(len(res.data), time.Since(start))
	d.opts.logger.Debugf("[%s] Downloaded %d-%d of %s", d.opts.id, offset, end-1, d.params.ResourceID)
	if last {
		d.opts.logger.Infof("[%s] Download of %s finished: %s", d.opts.id, d.params.ResourceID, d.opts.stats)
	}
	return res.data, nil
}

type rangeResult struct {
	data  []byte
	total int64
	// last is set when the response covered the rest of the resource.
	last bool
}

func (d *DownloadStream) fetchRange(ctx context.Context, offset int64) (rangeResult, error) {
	const op = "download range"
	header := headerOf(d.params.Headers)
	header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+d.params.ChunkSize-1))

	resp, err := fetch(ctx, d.opts.fetcher, op, Request{
		Method: http.MethodGet,
		URL:    d.params.DataURL,
		Header: header,
	})
	if err != nil {
		return rangeResult{}, err
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return rangeResult{}, ioerr.Network(op, err)
		}
		if start != offset {
			return rangeResult{}, ioerr.Network(op, fmt.Errorf("requested offset %d, got range starting at %d", offset, start))
		}
		return rangeResult{data: resp.Body, total: total}, nil
	case http.StatusOK:
		// The range was ignored, the body is the whole resource.
		total := int64(len(resp.Body))
		if offset > total {
			return rangeResult{}, ioerr.Network(op, fmt.Errorf("resource of %d bytes is shorter than offset %d", total, offset))
		}
		return rangeResult{data: resp.Body[offset:], total: total, last: true}, nil
	case http.StatusRequestedRangeNotSatisfiable:
		// Nothing left to read: the resource is empty or ends exactly at offset.
		return rangeResult{total: offset, last: true}, nil
	default:
		return rangeResult{}, httpError(op, d.params.ResourceID, resp)
	}
}

// parseContentRange parses "bytes <start>-<end>/<total>". The total is -1 when the server sent "*".
func parseContentRange(value string) (start, total int64, err error) {
	m := contentRangePattern.FindStringSubmatch(value)
	if m == nil {
		return 0, 0, fmt.Errorf("malformed Content-Range header: %q", value)
	}
	start, err = strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed Content-Range start: %w", err)
	}
	end, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed Content-Range end: %w", err)
	}
	if end < start {
		return 0, 0, fmt.Errorf("malformed Content-Range: end %d before start %d", end, start)
	}
	if m[3] == "*" {
		return start, -1, nil
	}
	total, err = strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed Content-Range total: %w", err)
	}
	if end >= total {
		return 0, 0, fmt.Errorf("malformed Content-Range: end %d beyond total %d", end, total)
	}
	return start, total, nil
}
