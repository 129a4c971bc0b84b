package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
)

// DefaultUserAgent is the User-Agent header sent with requests.
const DefaultUserAgent = "goclip/1.0"

func newHTTPClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}
}

// getHTTP performs one download attempt. With chunks > 1 it probes for
// range support and splits large bodies into concurrent range requests.
func (f *Fetcher) getHTTP(ctx context.Context, url string) ([]byte, error) {
	if f.chunks > 1 {
		size, ok, err := f.probeRanges(ctx, url)
		if err != nil {
			return nil, err
		}
		if ok && size > f.maxSize {
			return nil, tooLarge(size, f.maxSize)
		}
		if ok && size >= f.minChunkSize && size >= int64(f.chunks) {
			return f.getRanges(ctx, url, size)
		}
	}

	resp, err := f.do(ctx, url, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	return f.readBody(resp)
}

func (f *Fetcher) do(ctx context.Context, url, rangeHeader string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, notFound("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, transient("execute request: %w", err)
	}
	return resp, nil
}

// probeRanges asks for the first byte. A 206 with a Content-Range total means
// the server serves ranges; anything else falls back to a plain GET.
func (f *Fetcher) probeRanges(ctx context.Context, url string) (int64, bool, error) {
	resp, err := f.do(ctx, url, "bytes=0-0")
	if err != nil {
		return 0, false, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode != http.StatusPartialContent {
		if err := checkStatus(resp, http.StatusOK); err != nil {
			return 0, false, err
		}
		return 0, false, nil
	}
	size, ok := contentRangeTotal(resp.Header.Get("Content-Range"))
	return size, ok, nil
}

// getRanges downloads size bytes as f.chunks concurrent range requests and
// reassembles them in order.
func (f *Fetcher) getRanges(ctx context.Context, url string, size int64) ([]byte, error) {
	buf := make([]byte, size)
	chunk := (size + int64(f.chunks) - 1) / int64(f.chunks)

	g, gctx := errgroup.WithContext(ctx)
	for start := int64(0); start < size; start += chunk {
		end := min(start+chunk, size) - 1
		g.Go(func() error {
			resp, err := f.do(gctx, url, fmt.Sprintf("bytes=%d-%d", start, end))
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if err := checkStatus(resp, http.StatusPartialContent); err != nil {
				return err
			}
			if _, err := io.ReadFull(resp.Body, buf[start:end+1]); err != nil {
				return transient("read range %d-%d: %w", start, end, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	f.log.Debug("ranged download complete", "url", redact(url), "size", size, "chunks", f.chunks)
	return buf, nil
}

func checkStatus(resp *http.Response, want int) error {
	switch code := resp.StatusCode; {
	case code == want:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return transient("unexpected status code: %d", code)
	default:
		return notFound("unexpected status code: %d", code)
	}
}

// readBody reads at most f.maxSize bytes. A larger declared or actual body
// is rejected before it is buffered.
func (f *Fetcher) readBody(resp *http.Response) ([]byte, error) {
	if resp.ContentLength > f.maxSize {
		return nil, tooLarge(resp.ContentLength, f.maxSize)
	}

	var buf bytes.Buffer
	if resp.ContentLength > 0 {
		buf.Grow(int(resp.ContentLength))
	}
	n, err := io.Copy(&buf, io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, transient("copy response body: %w", err)
	}
	if n > f.maxSize {
		return nil, tooLarge(n, f.maxSize)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return nil, transient("short body: got %d of %d bytes: %w", n, resp.ContentLength, io.ErrUnexpectedEOF)
	}
	return buf.Bytes(), nil
}

func tooLarge(size, limit int64) error {
	return notFound("artifact of %d bytes exceeds the %d byte limit", size, limit)
}

// contentRangeTotal parses the total from "bytes 0-0/1234".
func contentRangeTotal(h string) (int64, bool) {
	i := strings.LastIndexByte(h, '/')
	if i < 0 || i == len(h)-1 {
		return 0, false
	}
	n, err := strconv.ParseInt(h[i+1:], 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
