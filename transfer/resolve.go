package transfer

import (
	"context"
	"fmt"

	"github.com/bitrise-io/go-chunkstream/transfer/urlcache"
)

// ResolveDownloadParams builds the parameters of a download, resolving the URLs of resourceID
// through the process-wide url cache. resolve is only called on a cache miss.
// Evict the entry with urlcache.Delete once the backend rejects its URLs as expired.
func ResolveDownloadParams(ctx context.Context, resourceID string, chunkSize int64, resolve func(ctx context.Context) (urlcache.Entry, error)) (DownloadParams, error) {
	entry, err := urlcache.Resolve(ctx, resourceID, resolve)
	if err != nil {
		return DownloadParams{}, fmt.Errorf("resolve URLs of %s: %w", resourceID, err)
	}
	return DownloadParams{
		ResourceID:  resourceID,
		MetadataURL: entry.MetadataURL,
		DataURL:     entry.DataURL,
		Headers:     entry.Headers,
		ChunkSize:   chunkSize,
	}, nil
}
