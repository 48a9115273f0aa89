package transfer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/bitrise-io/go-chunkstream/ioerr"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockedFetcher(t *testing.T) *HTTPFetcher {
	f := NewHTTPFetcher(log.NewLogger(), 0)
	httpmock.ActivateNonDefault(f.client.HTTPClient)
	t.Cleanup(httpmock.DeactivateAndReset)
	return f
}

func TestHTTPFetcher_Fetch(t *testing.T) {
	// Given
	f := newMockedFetcher(t)
	httpmock.RegisterResponder(http.MethodPut, "https://storage.example.com/session",
		func(req *http.Request) (*http.Response, error) {
			body, err := io.ReadAll(req.Body)
			require.NoError(t, err)
			assert.Equal(t, "chunk", string(body))
			assert.Equal(t, int64(5), req.ContentLength)
			assert.Equal(t, "bytes 0-4/5", req.Header.Get("Content-Range"))

			resp := httpmock.NewStringResponse(http.StatusOK, "done")
			resp.Header.Set("ETag", "\"abc\"")
			return resp, nil
		})

	// When
	resp, err := f.Fetch(context.Background(), Request{
		Method: http.MethodPut,
		URL:    "https://storage.example.com/session",
		Header: http.Header{"Content-Range": {"bytes 0-4/5"}},
		Body:   []byte("chunk"),
	})

	// Then
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "done", string(resp.Body))
	assert.Equal(t, "\"abc\"", resp.Header.Get("ETag"))
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestHTTPFetcher_DoesNotRetryOnItsOwn(t *testing.T) {
	// Given
	f := newMockedFetcher(t)
	httpmock.RegisterResponder(http.MethodGet, "https://storage.example.com/object",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, "slow down"))

	// When
	resp, err := f.Fetch(context.Background(), Request{Method: http.MethodGet, URL: "https://storage.example.com/object"})

	// Then
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "slow down", string(resp.Body))
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestHTTPFetcher_TransportErrorIsClassifiedAsNetwork(t *testing.T) {
	// Given
	f := newMockedFetcher(t)
	httpmock.RegisterResponder(http.MethodGet, "https://storage.example.com/object",
		httpmock.NewErrorResponder(errors.New("connection reset by peer")))

	// When
	_, err := fetch(context.Background(), f, "download range", Request{Method: http.MethodGet, URL: "https://storage.example.com/object"})

	// Then
	require.ErrorIs(t, err, ioerr.ErrNetwork)
	assert.Contains(t, err.Error(), "connection reset by peer")
	assert.Contains(t, err.Error(), "download range")
}

func TestCreateCustomRetryFunction(t *testing.T) {
	cases := []struct {
		name     string
		response *http.Response
		error    error
		expected bool
	}{
		{
			name:     "Retry for any error",
			response: &http.Response{},
			error:    errors.New("EOF"),
			expected: true,
		},
		{
			name:     "No retry for HTTP 404 status code",
			response: &http.Response{StatusCode: 404},
			expected: false,
		},
		{
			name:     "No retry for GCS resume incomplete",
			response: &http.Response{StatusCode: StatusResumeIncomplete},
			expected: false,
		},
		{
			name:     "Retry for HTTP 429 status code",
			response: &http.Response{StatusCode: 429},
			expected: true,
		},
		{
			name:     "Retry for HTTP 500 status code",
			response: &http.Response{StatusCode: 500},
			expected: true,
		},
	}

	customRetryFunction := createCustomRetryFunction(log.NewLogger())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			retry, _ := customRetryFunction(context.Background(), tc.response, tc.error)
			assert.Equal(t, tc.expected, retry)
		})
	}
}

func TestNewHTTPFetcherFromClient(t *testing.T) {
	client := retryhttp.NewClient(log.NewLogger())

	f := NewHTTPFetcherFromClient(client, log.NewLogger())

	assert.Same(t, client.HTTPClient, f.client.HTTPClient)
	assert.NotNil(t, f.StandardClient())
}
