package transfer

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bitrise-io/go-chunkstream/ioerr"
	"github.com/melbahja/got"
)

// DownloadToFile downloads the whole resource at url into dest with parallel range requests.
// It is meant for caching a ciphertext locally before decrypting it with a file Slicer.
// A nil client means http.DefaultClient.
func DownloadToFile(ctx context.Context, client *http.Client, url string, dest string) error {
	if url == "" || dest == "" {
		return ioerr.InvalidArgument("download URL and destination must not be empty")
	}

	downloader := got.New()
	if client != nil {
		downloader.Client = client
	}

	if err := downloader.Do(got.NewDownload(ctx, url, dest)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ioerr.Network(fmt.Sprintf("download to %s", dest), err)
	}
	return nil
}
