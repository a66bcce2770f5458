package downloader

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rangedown/rangedown/internal/logctx"
)

// Metadata describes the remote resource as reported by a HEAD probe.
type Metadata struct {
	// TotalBytes is the advertised content length, 0 when absent or
	// unparsable.
	TotalBytes int64

	// AcceptsRanges is true iff the server advertised
	// "Accept-Ranges: bytes".
	AcceptsRanges bool
}

// Prober issues HEAD requests to derive download metadata.
type Prober struct {
	client *http.Client
}

func NewProber(client *http.Client) *Prober {
	return &Prober{client: client}
}

// Probe fetches the resource headers. Any transport or status failure is
// surfaced as a MetadataError.
func (p *Prober) Probe(ctx context.Context, url string) (Metadata, error) {
	logger := logctx.LoggerFromContext(ctx).With("component", "prober")

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return Metadata{}, &MetadataError{URL: url, Err: err}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Metadata{}, &MetadataError{URL: url, Err: err}
	}

	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return Metadata{}, &MetadataError{URL: url, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	meta := Metadata{
		TotalBytes:    contentLength(resp),
		AcceptsRanges: resp.Header.Get("Accept-Ranges") == "bytes",
	}

	logger.Debug("probed resource",
		"url", url,
		"total_bytes", meta.TotalBytes,
		"accepts_ranges", meta.AcceptsRanges)

	return meta, nil
}

func contentLength(resp *http.Response) int64 {
	if resp.ContentLength >= 0 {
		return resp.ContentLength
	}

	n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil || n < 0 {
		return 0
	}

	return n
}
