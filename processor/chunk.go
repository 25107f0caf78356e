package processor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/WangWindow/AvaGodots/job"
)

// span is one contiguous byte range of a resource, bounds inclusive.
type span struct {
	start int64
	end   int64
}

func (s span) header() string {
	return fmt.Sprintf("bytes=%d-%d", s.start, s.end)
}

// partition splits [0,total) into n contiguous spans of equal length.
// The final span absorbs the remainder of the integer division, so the
// span lengths always sum to total exactly.
func partition(total int64, n int) []span {
	size := total / int64(n)
	spans := make([]span, n)
	for i := range spans {
		start := int64(i) * size
		end := start + size - 1
		if i == n-1 {
			end = total - 1
		}
		spans[i] = span{start: start, end: end}
	}
	return spans
}

// partPath returns the temporary file of chunk idx, derived
// deterministically from the job's destination path.
func partPath(dest string, idx int) string {
	return fmt.Sprintf("%s.part%d", dest, idx)
}

// fetchChunk retrieves one byte range of j.URL into its own part file,
// crediting j's chunk counter as bytes arrive. It owns its file handle
// exclusively; sibling workers never share state beyond the counters
// array.
func (p *Processor) fetchChunk(ctx context.Context, j *job.Job, idx int, sp span) error {
	wctx, wd := newWatchdog(ctx, p.IdleTimeout)
	defer wd.Stop()

	req, err := http.NewRequestWithContext(wctx, http.MethodGet, j.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", sp.header())
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return chunkErr(wctx, idx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("chunk %d: received status code %d, want %d",
			idx, resp.StatusCode, http.StatusPartialContent)
	}

	out, err := os.Create(partPath(j.Dest, idx))
	if err != nil {
		return fmt.Errorf("chunk %d: %s", idx, err)
	}
	defer out.Close()

	buf := make([]byte, copyBufferSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			wd.Kick()
			if _, werr := out.Write(buf[:n]); werr != nil {
				return fmt.Errorf("chunk %d: %s", idx, werr)
			}
			j.CountBytes(idx, int64(n))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return chunkErr(wctx, idx, rerr)
		}
	}

	return nil
}

// chunkErr prefers the watchdog's cancellation cause over the raw
// transport error so an idle timeout reads as such in the job's status
// text.
func chunkErr(ctx context.Context, idx int, err error) error {
	if cause := context.Cause(ctx); cause != nil && cause != context.Canceled {
		err = cause
	}
	return fmt.Errorf("chunk %d: %w", idx, err)
}
