//go:build integration
// +build integration

// Package integration runs the pipeline against a real S3 compatible bucket.
//
// Required: CHUNKSTREAM_IT_BUCKET. Optional: CHUNKSTREAM_IT_REGION, CHUNKSTREAM_IT_ENDPOINT
// (path style is used with a custom endpoint), AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY.
package integration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"testing"

	"github.com/bitrise-io/go-chunkstream/config"
	"github.com/bitrise-io/go-chunkstream/transfer/s3presign"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var logger = log.NewLogger()

func checksumOf(bytes []byte) string {
	hash := sha256.New()
	hash.Write(bytes)
	return hex.EncodeToString(hash.Sum(nil))
}

func loadConfig(t *testing.T) config.Config {
	cfg, err := config.New(env.NewRepository())
	require.NoError(t, err)
	logger.EnableDebugLog(true)
	return cfg
}

func newProvisioner(t *testing.T) *s3presign.Provisioner {
	bucket := os.Getenv("CHUNKSTREAM_IT_BUCKET")
	if bucket == "" {
		t.Skip("CHUNKSTREAM_IT_BUCKET is not set")
	}
	endpoint := os.Getenv("CHUNKSTREAM_IT_ENDPOINT")

	p, err := s3presign.New(context.Background(), s3presign.Config{
		Bucket:          bucket,
		Region:          os.Getenv("CHUNKSTREAM_IT_REGION"),
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		Endpoint:        endpoint,
		UsePathStyle:    endpoint != "",
	}, logger)
	require.NoError(t, err)
	return p
}

func objectKey() string {
	return "chunkstream-integration/" + uuid.NewString()
}
