// Package s3presign provisions S3 multipart uploads for transfer.S3UploadStream: it creates
// the upload and pre-signs one PUT URL per part plus the completion URL, so the streaming side
// never holds AWS credentials.
package s3presign

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-chunkstream/ioerr"
	"github.com/bitrise-io/go-chunkstream/transfer"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

const (
	// MinPartSize is the smallest part S3 accepts, except for the last one.
	MinPartSize = 5 * units.MiB
	// MaxParts is the highest part number S3 accepts.
	MaxParts = 10000
	// DefaultExpiry is how long the pre-signed URLs stay valid.
	DefaultExpiry = time.Hour

	// MetadataHeader carries the application metadata stored with PrepareWithMetadata.
	MetadataHeader = "X-Amz-Meta-Metadata"

	defaultRegion = "us-east-1"
	metadataKey   = "metadata"
)

// Config ...
type Config struct {
	Bucket string
	// Region is discovered from the bucket when empty.
	Region string
	// AccessKeyID and SecretAccessKey are optional, the default credential chain is used without them.
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the S3 endpoint, e.g. for S3 compatible storages.
	Endpoint     string
	UsePathStyle bool
	Expiry       time.Duration
}

// Provisioner creates multipart uploads and pre-signs their URLs.
type Provisioner struct {
	client  *s3.Client
	presign *s3.PresignClient
	signer  *v4.Signer
	creds   aws.CredentialsProvider
	bucket  string
	region  string
	expiry  time.Duration
	logger  log.Logger
}

// New loads the AWS configuration and creates a Provisioner for cfg.Bucket.
func New(ctx context.Context, cfg Config, logger log.Logger) (*Provisioner, error) {
	if cfg.Bucket == "" {
		return nil, ioerr.InvalidArgument("bucket must not be empty")
	}

	region := cfg.Region
	if region == "" {
		discovered, err := discoverRegion(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		region = discovered
	}

	awsCfg, err := loadAWSCredentials(ctx, region, cfg.AccessKeyID, cfg.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := newClient(*awsCfg, cfg)
	p := NewWithClient(client, awsCfg.Credentials, cfg.Bucket, region, logger)
	if cfg.Expiry > 0 {
		p.expiry = cfg.Expiry
	}
	return p, nil
}

// NewWithClient creates a Provisioner on an existing client.
func NewWithClient(client *s3.Client, creds aws.CredentialsProvider, bucket, region string, logger log.Logger) *Provisioner {
	return &Provisioner{
		client:  client,
		presign: s3.NewPresignClient(client),
		signer:  v4.NewSigner(),
		creds:   creds,
		bucket:  bucket,
		region:  region,
		expiry:  DefaultExpiry,
		logger:  logger,
	}
}

// Region returns the region the URLs are signed for.
func (p *Provisioner) Region() string {
	return p.region
}

// Prepare creates a multipart upload for key and returns the parameters of the stream
// uploading it, together with the upload id needed to abort it.
func (p *Provisioner) Prepare(ctx context.Context, key string, contentLength, chunkSize int64) (transfer.S3UploadParams, string, error) {
	return p.PrepareWithMetadata(ctx, key, "", contentLength, chunkSize)
}

// PrepareWithMetadata is Prepare storing an opaque metadata value with the object.
// Downloads read it back through transfer.DownloadStream.GetMetadata.
func (p *Provisioner) PrepareWithMetadata(ctx context.Context, key, metadata string, contentLength, chunkSize int64) (transfer.S3UploadParams, string, error) {
	if key == "" {
		return transfer.S3UploadParams{}, "", ioerr.InvalidArgument("key must not be empty")
	}
	if contentLength <= 0 {
		return transfer.S3UploadParams{}, "", ioerr.InvalidArgument("multipart uploads need content, got %d bytes", contentLength)
	}
	if chunkSize <= 0 {
		return transfer.S3UploadParams{}, "", ioerr.InvalidArgument("chunk size must be positive, got %d", chunkSize)
	}
	parts := transfer.PartCount(contentLength, chunkSize)
	if parts > 1 && chunkSize < MinPartSize {
		return transfer.S3UploadParams{}, "", ioerr.InvalidArgument("chunk size %s is below the S3 minimum of %s",
			units.BytesSize(float64(chunkSize)), units.BytesSize(float64(MinPartSize)))
	}
	if parts > MaxParts {
		return transfer.S3UploadParams{}, "", ioerr.InvalidArgument("%d parts exceed the S3 maximum of %d", parts, MaxParts)
	}

	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}
	if metadata != "" {
		input.Metadata = map[string]string{metadataKey: metadata}
	}
	created, err := p.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return transfer.S3UploadParams{}, "", p.wrap("create multipart upload", key, err)
	}
	uploadID := aws.ToString(created.UploadId)
	p.logger.Debugf("Created multipart upload %s for %s in %d parts", uploadID, key, parts)

	params := transfer.S3UploadParams{
		ResourceID:           key,
		PartURLs:             make([]string, 0, parts),
		ContentLength:        contentLength,
		RecommendedChunkSize: chunkSize,
	}
	for i := 0; i < parts; i++ {
		req, err := p.presign.PresignUploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(p.bucket),
			Key:        aws.String(key),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(int32(i + 1)),
		}, s3.WithPresignExpires(p.expiry))
		if err != nil {
			return transfer.S3UploadParams{}, uploadID, fmt.Errorf("presign part %d of %s: %w", i+1, key, err)
		}
		params.PartURLs = append(params.PartURLs, req.URL)
		if i == 0 {
			params.Headers = signedHeaders(req.SignedHeader)
		}
	}

	completionURL, err := p.presignCompletion(ctx, params.PartURLs[0], uploadID)
	if err != nil {
		return transfer.S3UploadParams{}, uploadID, fmt.Errorf("presign completion of %s: %w", key, err)
	}
	params.CompletionURL = completionURL

	return params, uploadID, nil
}

// PresignDownload returns the parameters of a transfer.DownloadStream reading key.
func (p *Provisioner) PresignDownload(ctx context.Context, key string, chunkSize int64) (transfer.DownloadParams, error) {
	if key == "" {
		return transfer.DownloadParams{}, ioerr.InvalidArgument("key must not be empty")
	}

	head, err := p.presign.PresignHeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(p.expiry))
	if err != nil {
		return transfer.DownloadParams{}, fmt.Errorf("presign head of %s: %w", key, err)
	}
	get, err := p.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(p.expiry))
	if err != nil {
		return transfer.DownloadParams{}, fmt.Errorf("presign get of %s: %w", key, err)
	}

	return transfer.DownloadParams{
		ResourceID:     key,
		MetadataURL:    head.URL,
		DataURL:        get.URL,
		ChunkSize:      chunkSize,
		MetadataHeader: MetadataHeader,
	}, nil
}

// presignCompletion signs the CompleteMultipartUpload POST of the object the part URL points to.
func (p *Provisioner) presignCompletion(ctx context.Context, partURL, uploadID string) (string, error) {
	u, err := url.Parse(partURL)
	if err != nil {
		return "", err
	}
	query := url.Values{}
	query.Set("uploadId", uploadID)
	query.Set("X-Amz-Expires", strconv.Itoa(int(p.expiry.Seconds())))
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return "", err
	}
	creds, err := p.creds.Retrieve(ctx)
	if err != nil {
		return "", fmt.Errorf("retrieve credentials: %w", err)
	}
	signed, _, err := p.signer.PresignHTTP(ctx, creds, req, "UNSIGNED-PAYLOAD", "s3", p.region, time.Now().UTC())
	if err != nil {
		return "", err
	}
	return signed, nil
}

// Abort aborts a multipart upload, freeing the stored parts. An upload that no longer exists is not an error.
func (p *Provisioner) Abort(ctx context.Context, key, uploadID string) error {
	_, err := p.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(p.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		var notFound *types.NoSuchUpload
		if errors.As(err, &notFound) {
			p.logger.Debugf("multipart upload %s of %s is already gone", uploadID, key)
			return nil
		}
		return p.wrap("abort multipart upload", key, err)
	}
	return nil
}

func (p *Provisioner) wrap(op, key string, err error) error {
	var apiError smithy.APIError
	if errors.As(err, &apiError) {
		p.logger.Debugf("%s %s: %s (%s)", op, key, apiError.ErrorCode(), apiError.ErrorMessage())
		switch apiError.ErrorCode() {
		case "NoSuchBucket", "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%s %s: %s: %w", op, key, apiError.ErrorMessage(), ioerr.ErrInvalidArgument)
		}
	}
	return ioerr.Network(fmt.Sprintf("%s %s", op, key), err)
}

func signedHeaders(h http.Header) map[string]string {
	headers := map[string]string{}
	for k, values := range h {
		if http.CanonicalHeaderKey(k) == "Host" || len(values) == 0 {
			continue
		}
		headers[k] = values[0]
	}
	if len(headers) == 0 {
		return nil
	}
	return headers
}

func newClient(awsCfg aws.Config, cfg Config) *s3.Client {
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
}

func discoverRegion(ctx context.Context, cfg Config, logger log.Logger) (string, error) {
	awsCfg, err := loadAWSCredentials(ctx, defaultRegion, cfg.AccessKeyID, cfg.SecretAccessKey, logger)
	if err != nil {
		return "", fmt.Errorf("load aws credentials: %w", err)
	}
	region, err := manager.GetBucketRegion(ctx, newClient(*awsCfg, cfg), cfg.Bucket)
	if err != nil {
		var notFound manager.BucketNotFound
		if errors.As(err, &notFound) {
			return "", ioerr.InvalidArgument("bucket %s not found", cfg.Bucket)
		}
		return "", ioerr.Network(fmt.Sprintf("get region of bucket %s", cfg.Bucket), err)
	}
	logger.Debugf("Bucket %s is in %s", cfg.Bucket, region)
	return region, nil
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("using static aws credentials")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	} else {
		logger.Debugf("aws credentials not defined, loading credentials from environment...")
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
