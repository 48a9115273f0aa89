// Package transfer implements the network backed streams of the chunk pipeline: resumable
// uploads against continuation-style (GCS) and multipart-style (S3) backends, and a resumable
// ranged download. Every network attempt runs under a retrier.Policy.
package transfer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bitrise-io/go-chunkstream/ioerr"
	"github.com/bitrise-io/go-chunkstream/retrier"
	"github.com/bitrise-io/go-chunkstream/stream"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

// Option configures a transfer stream.
type Option func(*options)

type options struct {
	fetcher    Fetcher
	policy     *retrier.Policy
	logger     log.Logger
	onUploaded func(stream.Chunk)
	checkpoint *Checkpoint
	stats      *Stats
	timeout    time.Duration
	id         string
}

// WithFetcher sets the HTTP capability. Defaults to an HTTPFetcher.
func WithFetcher(f Fetcher) Option {
	return func(o *options) {
		o.fetcher = f
	}
}

// WithRetryPolicy overrides the retry policy. Defaults to retrier.DefaultPolicy.
// Errors other than network errors are never retried, whatever the policy's condition says.
func WithRetryPolicy(p retrier.Policy) Option {
	return func(o *options) {
		o.policy = &p
	}
}

// WithLogger ...
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithOnUploaded registers a callback called after each chunk the backend confirmed.
func WithOnUploaded(fn func(stream.Chunk)) Option {
	return func(o *options) {
		o.onUploaded = fn
	}
}

// WithCheckpoint resumes an upload from a recorded checkpoint instead of starting a new one.
func WithCheckpoint(cp Checkpoint) Option {
	return func(o *options) {
		o.checkpoint = &cp
	}
}

// WithStats collects transfer metrics into s.
func WithStats(s *Stats) Option {
	return func(o *options) {
		o.stats = s
	}
}

// WithTimeout sets the per-request timeout of the default fetcher.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithTransferID sets the id attached to logs and checkpoints. Defaults to a random UUID.
func WithTransferID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

func newOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.NewLogger()
	}
	if o.fetcher == nil {
		o.fetcher = NewHTTPFetcher(o.logger, o.timeout)
	}
	if o.policy == nil {
		p := retrier.DefaultPolicy(o.logger)
		o.policy = &p
	}
	if o.stats == nil {
		o.stats = NewStats()
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	return o
}

// retryPolicy restricts the configured policy to network errors and counts retries.
func (o options) retryPolicy() retrier.Policy {
	p := *o.policy
	if p.Logger == nil {
		p.Logger = o.logger
	}
	condition := p.Condition
	stats := o.stats
	p.Condition = func(ctx context.Context, err error) bool {
		if !errors.Is(err, ioerr.ErrNetwork) {
			return false
		}
		if condition != nil && !condition(ctx, err) {
			return false
		}
		stats.AddRetry()
		return true
	}
	return p
}

func headerOf(values map[string]string) http.Header {
	h := make(http.Header, len(values))
	for k, v := range values {
		h.Set(k, v)
	}
	return h
}
