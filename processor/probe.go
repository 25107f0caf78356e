package processor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// probe issues a metadata-only HEAD request for url and reports the
// advertised content length (0 when absent) and whether the server
// offers byte-range retrieval. Any transport error or non-2xx status is
// returned to the caller, which aborts the job before any payload bytes
// move.
func (p *Processor) probe(ctx context.Context, url string) (size int64, ranges bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, false, err
	}
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return 0, false, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, false, fmt.Errorf("Received status code %d", resp.StatusCode)
	}

	if resp.ContentLength > 0 {
		size = resp.ContentLength
	}
	ranges = strings.Contains(resp.Header.Get("Accept-Ranges"), "bytes")
	return size, ranges, nil
}
