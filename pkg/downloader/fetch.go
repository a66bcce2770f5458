package downloader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

const segmentSize = 32 * 1024

// Fetcher executes a single ranged GET and consumes the body as a stream
// of segments.
type Fetcher struct {
	client *http.Client
}

func NewFetcher(client *http.Client) *Fetcher {
	return &Fetcher{client: client}
}

// Fetch requests the inclusive byte range [start, end] and streams the
// body. A zero end issues an unranged request for the whole resource. Each segment is handed to keep: when it reports false the segment
// is dropped without buffering or progress, the request is aborted for
// prompt socket release, and whatever accumulated so far is returned.
// Accepted segments are appended to the chunk buffer and reported through
// onSegment. A stream error yields an empty buffer and a FetchError.
func (f *Fetcher) Fetch(ctx context.Context, url string, start, end int64, keep func() bool, onSegment func(n int)) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, Start: start, End: end, Err: err}
	}

	if end > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Start: start, End: end, Err: err}
	}

	defer resp.Body.Close()

	// 200 and 206 are treated identically; the body is consumed as-is.
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &FetchError{URL: url, Start: start, End: end, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var out bytes.Buffer

	seg := make([]byte, segmentSize)

	for {
		n, err := resp.Body.Read(seg)
		if n > 0 {
			if !keep() {
				return out.Bytes(), nil
			}

			out.Write(seg[:n])
			onSegment(n)
		}

		if err == io.EOF {
			return out.Bytes(), nil
		}

		if err != nil {
			return nil, &FetchError{URL: url, Start: start, End: end, Err: err}
		}
	}
}
