//go:build integration
// +build integration

package integration

import (
	"bytes"
	"context"
	"testing"

	"github.com/bitrise-io/go-chunkstream/compression"
	testutil "github.com/bitrise-io/go-chunkstream/internal/testing"
	"github.com/bitrise-io/go-chunkstream/stream"
	"github.com/bitrise-io/go-chunkstream/transfer"
	"github.com/bitrise-io/go-chunkstream/transfer/resume"
	"github.com/bitrise-io/go-chunkstream/transfer/s3presign"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressedRoundTrip(t *testing.T) {
	// Given
	ctx := context.Background()
	cfg := loadConfig(t)
	p := newProvisioner(t)
	key := objectKey()
	data := testutil.Payload(12 * s3presign.MinPartSize / 5)

	comp, err := compression.NewCompressor(stream.FromChunks(testutil.Split(data, 1<<20)...))
	require.NoError(t, err)
	compressed, err := stream.Collect(ctx, comp)
	require.NoError(t, err)
	size := int64(len(bytes.Join(compressed, nil)))

	params, uploadID, err := p.PrepareWithMetadata(ctx, key, "zstd", size, s3presign.MinPartSize)
	require.NoError(t, err)
	up, err := transfer.NewS3UploadStream(params, cfg.TransferOptions(logger)...)
	require.NoError(t, err)

	// When
	_, err = transfer.Upload(ctx, stream.FromChunks(compressed...), up)
	if err != nil {
		_ = p.Abort(ctx, key, uploadID)
	}
	require.NoError(t, err)

	downloadParams, err := p.PresignDownload(ctx, key, cfg.ChunkSize)
	require.NoError(t, err)
	down, err := transfer.NewDownloadStream(downloadParams, cfg.TransferOptions(logger)...)
	require.NoError(t, err)
	meta, err := down.GetMetadata(ctx)
	require.NoError(t, err)
	dec, err := compression.NewDecompressor(ctx, down, 1<<20)
	require.NoError(t, err)
	chunks, err := stream.Collect(ctx, dec)

	// Then
	require.NoError(t, err)
	assert.Equal(t, "zstd", meta.Value)
	assert.Equal(t, size, meta.ContentLength)
	assert.Equal(t, checksumOf(data), checksumOf(bytes.Join(chunks, nil)))
}

func TestResumeAfterAbort(t *testing.T) {
	// Given
	ctx := context.Background()
	cfg := loadConfig(t)
	p := newProvisioner(t)
	key := objectKey()
	data := testutil.Payload(2*s3presign.MinPartSize + 100)

	params, uploadID, err := p.Prepare(ctx, key, int64(len(data)), s3presign.MinPartSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Abort(context.Background(), key, uploadID) })

	rec, err := resume.NewFileRecorder(t.TempDir())
	require.NoError(t, err)
	tracker := resume.NewTracker(rec, key, logger)
	first, err := transfer.NewS3UploadStream(params, append(cfg.TransferOptions(logger), transfer.WithOnUploaded(tracker.OnUploaded))...)
	require.NoError(t, err)
	tracker.Attach(first)

	require.NoError(t, first.Write(ctx, data[:s3presign.MinPartSize]))
	first.Abort()

	// When
	cp, err := rec.Load(ctx, key)
	require.NoError(t, err)
	second, err := transfer.NewS3UploadStream(params, append(cfg.TransferOptions(logger), transfer.WithCheckpoint(cp))...)
	require.NoError(t, err)
	require.NoError(t, second.Write(ctx, data[s3presign.MinPartSize:2*s3presign.MinPartSize]))
	require.NoError(t, second.Write(ctx, data[2*s3presign.MinPartSize:]))
	require.NoError(t, second.Close(ctx))
	require.NoError(t, tracker.Finish(ctx))

	// Then
	downloadParams, err := p.PresignDownload(ctx, key, cfg.ChunkSize)
	require.NoError(t, err)
	down, err := transfer.NewDownloadStream(downloadParams, cfg.TransferOptions(logger)...)
	require.NoError(t, err)
	chunks, err := stream.Collect(ctx, down)
	require.NoError(t, err)
	assert.Equal(t, checksumOf(data), checksumOf(bytes.Join(chunks, nil)))
}
