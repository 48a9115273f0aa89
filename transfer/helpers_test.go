package transfer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/bitrise-io/go-chunkstream/retrier"
	"github.com/bitrise-io/go-utils/v2/log"
)

func testPolicy(retries uint) Option {
	return WithRetryPolicy(retrier.Policy{Retries: retries, Delay: retrier.NoDelay})
}

func testOptions(f Fetcher, extra ...Option) []Option {
	return append([]Option{WithFetcher(f), WithLogger(log.NewLogger()), testPolicy(2)}, extra...)
}

// fakeFetcher records every request and answers with respond.
type fakeFetcher struct {
	mu       sync.Mutex
	requests []Request
	respond  func(req Request) (*Response, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	respond := f.respond
	f.mu.Unlock()

	if respond == nil {
		return &Response{StatusCode: http.StatusOK, Header: http.Header{}}, nil
	}
	return respond(req)
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeFetcher) request(i int) Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

func status(code int, header ...string) *Response {
	h := http.Header{}
	for i := 0; i+1 < len(header); i += 2 {
		h.Set(header[i], header[i+1])
	}
	return &Response{StatusCode: code, Status: http.StatusText(code), Header: h}
}

// newRangeServer serves data honoring single "bytes=a-b" range requests like an object store.
func newRangeServer(t *testing.T, data []byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			_, _ = w.Write(data)
			return
		}

		fromTo := strings.Split(strings.TrimPrefix(rangeHeader, "bytes="), "-")
		if len(fromTo) != 2 {
			t.Errorf("invalid range header: %s", rangeHeader)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		from, _ := strconv.Atoi(fromTo[0])
		to, _ := strconv.Atoi(fromTo[1])
		if from >= len(data) {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", len(data)))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if to >= len(data) {
			to = len(data) - 1
		}

		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", from, to, len(data)))
		w.Header().Set("Content-Length", strconv.Itoa(to-from+1))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(data[from : to+1])
	}))
}

func newStatusServer(code int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}))
}
