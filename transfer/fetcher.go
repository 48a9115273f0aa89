package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/bitrise-io/go-chunkstream/ioerr"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// Request is a single HTTP exchange issued by a transfer stream.
type Request struct {
	Method string
	URL    string
	Header http.Header
	// Body is sent as is, nil means no body.
	Body []byte
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode    int
	Status        string
	Header        http.Header
	ContentLength int64
	Body          []byte
}

// Fetcher performs HTTP requests. Implementations must not retry on their own,
// the transfer streams apply their retry policy around every call.
// Timeouts belong to the Fetcher: a timed out request is reported as an error like any other failure.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Response, error)
}

// HTTPFetcher is the default Fetcher backed by a retryablehttp client.
type HTTPFetcher struct {
	client *retryablehttp.Client
	logger log.Logger
}

// NewHTTPFetcher creates a fetcher with transport level retries disabled.
// A zero timeout means no timeout.
func NewHTTPFetcher(logger log.Logger, timeout time.Duration) *HTTPFetcher {
	client := retryhttp.NewClient(logger)
	client.RetryMax = 0
	client.CheckRetry = createCustomRetryFunction(logger)
	// Hand back the last response instead of a generic "giving up" error, the status is needed.
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.HTTPClient.Timeout = timeout

	return NewHTTPFetcherFromClient(client, logger)
}

// NewHTTPFetcherFromClient wraps an already configured client.
func NewHTTPFetcherFromClient(client *retryablehttp.Client, logger log.Logger) *HTTPFetcher {
	return &HTTPFetcher{client: client, logger: logger}
}

// StandardClient returns a plain *http.Client sharing the fetcher's transport.
func (f *HTTPFetcher) StandardClient() *http.Client {
	return f.client.StandardClient()
}

// Fetch ...
func (f *HTTPFetcher) Fetch(ctx context.Context, r Request) (*Response, error) {
	var body interface{}
	if r.Body != nil {
		body = r.Body
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, values := range r.Header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if r.Body != nil {
		// Add Content-Length header manually because retryablehttp doesn't do it automatically
		req.Header.Set("Content-Length", fmt.Sprintf("%d", len(r.Body)))
		req.ContentLength = int64(len(r.Body))
	}

	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		f.logger.Warnf("error while dumping request: %s", err)
	}
	f.logger.Debugf("Request dump: %s", string(dump))

	resp, err := f.client.Do(req)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			f.logger.Printf(err.Error())
		}
	}(resp.Body)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	f.logger.Debugf("Response: %s, %d bytes", resp.Status, len(data))

	return &Response{
		StatusCode:    resp.StatusCode,
		Status:        resp.Status,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		Body:          data,
	}, nil
}

func createCustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, fetchErr error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, fetchErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; fetchErr=%+v", retry, err, fetchErr)
		return retry, err
	}
}

// httpError converts an unexpected response to the error the streams surface.
func httpError(op, resourceID string, resp *Response) error {
	body := string(resp.Body)
	if len(body) > maxErrorBodyLength {
		body = body[:maxErrorBodyLength]
	}
	return &ioerr.HTTPError{
		Op:         op,
		ResourceID: resourceID,
		StatusCode: resp.StatusCode,
		Status:     http.StatusText(resp.StatusCode),
		Body:       body,
	}
}

const maxErrorBodyLength = 512
