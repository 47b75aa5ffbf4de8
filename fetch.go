package imagemill

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/image-mill/image-mill/variant"
)

// fetchError reports an upstream problem retrieving a source image. It
// maps to a 502 on the API.
type fetchError struct {
	url    string
	status int
	err    error
}

func (e *fetchError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("fetch %s: %v", e.url, e.err)
	}
	return fmt.Sprintf("fetch %s: status %d", e.url, e.status)
}

func (e *fetchError) Unwrap() error {
	return e.err
}

// fetcher retrieves source images by URL under a time budget and size
// cap.
type fetcher struct {
	client   *http.Client
	maxBytes int64
}

func newFetcher(timeout time.Duration, maxBytes int64) *fetcher {
	return &fetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

// fetch returns the response bytes and the extension implied by the
// Content-Type header. The extension may be empty; the storage sniff
// has the final say on the format either way.
func (f *fetcher) fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", &fetchError{url: url, err: err}
	}
	req.Header.Set("Accept", "image/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", &fetchError{url: url, err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", &fetchError{url: url, status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", &fetchError{url: url, err: err}
	}
	if int64(len(body)) > f.maxBytes {
		return nil, "", &fetchError{url: url, err: fmt.Errorf("body exceeds %d bytes", f.maxBytes)}
	}

	ext := ""
	if mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err == nil {
		if e, ok := variant.ExtForMIME(mt); ok {
			ext = e
		}
	}
	return body, ext, nil
}
