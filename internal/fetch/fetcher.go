package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/italolelis/mediadrop/internal/fetch/progress"
	"github.com/italolelis/mediadrop/internal/logctx"
	"github.com/italolelis/mediadrop/internal/media"
	"github.com/italolelis/mediadrop/internal/telemetry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultConcurrency  = 4
	DefaultFragmentSize = 4 << 20
	DefaultRetries      = 5

	filePerm = 0o644
)

// Request identifies one stream to fetch into a partial file.
type Request struct {
	Stream int // index echoed back in updates
	Spec   media.StreamSpec
	Dest   string
}

// Update is a progress report for one stream. Done never exceeds Total when
// Total is known.
type Update struct {
	Stream int
	Done   int64
	Total  int64
	Retry  bool // a fragment request is being retried
}

// Result describes a completed stream.
type Result struct {
	Path    string
	Size    int64
	Resumed int64 // bytes already on disk when the fetch started
}

// Options tunes a Fetcher. Zero values fall back to the defaults.
type Options struct {
	Concurrency  int
	FragmentSize int64
	Retries      uint
	RetryDelay   time.Duration
	Telemetry    *telemetry.Telemetry
}

// Fetcher downloads a stream as parallel byte-range fragments and appends
// them to a partial file strictly in order, so the partial file length is
// always a valid resume point.
type Fetcher struct {
	client *http.Client
	opts   Options
}

// New creates a Fetcher. A nil client gets a pooled transport tuned for many
// range requests against the same host.
func New(client *http.Client, opts Options) *Fetcher {
	if client == nil {
		client = NewClient(opts.Concurrency)
	}

	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}

	if opts.FragmentSize <= 0 {
		opts.FragmentSize = DefaultFragmentSize
	}

	if opts.Retries == 0 {
		opts.Retries = DefaultRetries
	}

	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}

	return &Fetcher{client: client, opts: opts}
}

// NewClient returns an HTTP client for media sources. There is no overall
// timeout since a single stream can take hours.
func NewClient(concurrency int) *http.Client {
	transport := cleanhttp.DefaultPooledTransport()
	transport.DisableCompression = true
	transport.ResponseHeaderTimeout = 30 * time.Second

	if concurrency > transport.MaxIdleConnsPerHost {
		transport.MaxIdleConnsPerHost = concurrency
	}

	return &http.Client{Transport: transport}
}

// Fetch downloads req.Spec into req.Dest. If the destination already holds
// L bytes the fetch resumes at offset L and never requests [0, L) again.
// Progress is sent on updates, which may be nil.
func (f *Fetcher) Fetch(ctx context.Context, req Request, updates chan<- Update) (*Result, error) {
	logger := logctx.LoggerFromContext(ctx).With("stream", req.Stream, "dest", req.Dest)

	probe, err := f.probe(ctx, req.Spec.URL)
	if err != nil {
		return nil, err
	}

	total := probe.total
	if expected := req.Spec.ExpectedSize; expected > 0 && total >= 0 && total < expected {
		return nil, &media.SourceExhaustedError{Expected: expected, Received: total}
	}

	file, err := os.OpenFile(req.Dest, os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return nil, &media.DiskError{Op: "open", Path: req.Dest, Err: err}
	}
	defer file.Close()

	if !probe.ranges || total < 0 {
		logger.Warn("source does not support range requests, fetching sequentially")

		return f.fetchSequential(ctx, req, file, total, updates)
	}

	info, err := file.Stat()
	if err != nil {
		return nil, &media.DiskError{Op: "stat", Path: req.Dest, Err: err}
	}

	offset := info.Size()
	if offset > total {
		logger.Warn("partial file larger than source, starting over",
			"partial", humanize.IBytes(uint64(offset)), "total", humanize.IBytes(uint64(total)))

		if err := file.Truncate(0); err != nil {
			return nil, &media.DiskError{Op: "truncate", Path: req.Dest, Err: err}
		}

		offset = 0
	}

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, &media.DiskError{Op: "seek", Path: req.Dest, Err: err}
	}

	if offset > 0 {
		logger.Info("resuming fetch",
			"offset", humanize.IBytes(uint64(offset)), "total", humanize.IBytes(uint64(total)))
	} else {
		logger.Info("starting fetch", "total", humanize.IBytes(uint64(total)))
	}

	send(ctx, updates, Update{Stream: req.Stream, Done: offset, Total: total})

	if offset < total {
		if err := f.fetchRanges(ctx, req, file, offset, total, updates); err != nil {
			return nil, err
		}
	}

	return &Result{Path: req.Dest, Size: total, Resumed: offset}, nil
}

type fragment struct {
	start, end int64 // inclusive
}

func (fr fragment) size() int64 {
	return fr.end - fr.start + 1
}

func split(offset, total, size int64) []fragment {
	var fragments []fragment

	for start := offset; start < total; start += size {
		end := min(start+size, total) - 1
		fragments = append(fragments, fragment{start: start, end: end})
	}

	return fragments
}

// fetchRanges runs up to Concurrency fragment requests while a single writer
// appends completed fragments in order. A semaphore slot is held from request
// start until the fragment is flushed, bounding buffered memory.
func (f *Fetcher) fetchRanges(ctx context.Context, req Request, file *os.File, offset, total int64, updates chan<- Update) error {
	fragments := split(offset, total, f.opts.FragmentSize)

	results := make([]chan []byte, len(fragments))
	for i := range results {
		results[i] = make(chan []byte, 1)
	}

	sem := semaphore.NewWeighted(int64(f.opts.Concurrency))
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for i, frag := range fragments {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}

			g.Go(func() error {
				buf, err := f.fetchFragment(gctx, req, frag, total, updates)
				if err != nil {
					return err
				}

				results[i] <- buf

				return nil
			})
		}

		return nil
	})

	g.Go(func() error {
		next := offset

		for i := range fragments {
			var buf []byte

			select {
			case buf = <-results[i]:
			case <-gctx.Done():
				return gctx.Err()
			}

			if _, err := file.Write(buf); err != nil {
				return &media.DiskError{Op: "write", Path: req.Dest, Err: err}
			}

			if err := file.Sync(); err != nil {
				return &media.DiskError{Op: "sync", Path: req.Dest, Err: err}
			}

			next += int64(len(buf))
			sem.Release(1)

			f.opts.Telemetry.RecordFetchedBytes(int64(len(buf)))
			send(gctx, updates, Update{Stream: req.Stream, Done: next, Total: total})
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return err
	}

	return nil
}

func (f *Fetcher) fetchFragment(ctx context.Context, req Request, frag fragment, total int64, updates chan<- Update) ([]byte, error) {
	operation := func() ([]byte, error) {
		buf, err := f.getRange(ctx, req.Spec.URL, frag, total)
		if err == nil {
			return buf, nil
		}

		if ctx.Err() != nil || !retryable(err) {
			return nil, backoff.Permanent(err)
		}

		return nil, err
	}

	notify := func(err error, next time.Duration) {
		logctx.LoggerFromContext(ctx).Debug("retrying fragment",
			"stream", req.Stream, "offset", frag.start, "in", next.String(), "err", err)

		f.opts.Telemetry.RecordFragmentRetry()
		send(ctx, updates, Update{Stream: req.Stream, Retry: true})
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(f.newBackOff()),
		backoff.WithMaxTries(f.opts.Retries),
		backoff.WithNotify(notify),
	)
}

func (f *Fetcher) getRange(ctx context.Context, url string, frag fragment, total int64) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", frag.start, frag.end))

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, &media.NetworkError{Operation: "fetch_fragment", Offset: frag.start, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusRequestedRangeNotSatisfiable:
		received := frag.start
		if t, ok := contentRangeTotal(resp.Header.Get("Content-Range")); ok {
			received = t
		}

		return nil, &media.SourceExhaustedError{Expected: total, Received: received}
	default:
		return nil, &media.NetworkError{Operation: "fetch_fragment", StatusCode: resp.StatusCode, Offset: frag.start}
	}

	if t, ok := contentRangeTotal(resp.Header.Get("Content-Range")); ok && t < total {
		return nil, &media.SourceExhaustedError{Expected: total, Received: t}
	}

	buf := make([]byte, frag.size())
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		return nil, &media.NetworkError{Operation: "fetch_fragment", Offset: frag.start, Err: err}
	}

	return buf, nil
}

// fetchSequential handles sources without range support. They cannot be
// resumed, so any partial data is discarded first.
func (f *Fetcher) fetchSequential(ctx context.Context, req Request, file *os.File, total int64, updates chan<- Update) (*Result, error) {
	if err := file.Truncate(0); err != nil {
		return nil, &media.DiskError{Op: "truncate", Path: req.Dest, Err: err}
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, &media.DiskError{Op: "seek", Path: req.Dest, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.Spec.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, &media.NetworkError{Operation: "fetch_stream", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &media.NetworkError{Operation: "fetch_stream", StatusCode: resp.StatusCode}
	}

	if total < 0 {
		total = resp.ContentLength
	}

	var reported int64

	pr := progress.NewReader(resp.Body, f.opts.FragmentSize, func(read int64) {
		f.opts.Telemetry.RecordFetchedBytes(read - reported)
		reported = read

		send(ctx, updates, Update{Stream: req.Stream, Done: read, Total: max(total, read)})
	})

	n, err := io.Copy(&diskWriter{file: file}, pr)

	if rest := pr.N() - reported; rest > 0 {
		f.opts.Telemetry.RecordFetchedBytes(rest)
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var diskErr *media.DiskError
		if errors.As(err, &diskErr) {
			return nil, err
		}

		return nil, &media.NetworkError{Operation: "fetch_stream", Offset: n, Err: err}
	}

	if err := file.Sync(); err != nil {
		return nil, &media.DiskError{Op: "sync", Path: req.Dest, Err: err}
	}

	if total >= 0 && n < total {
		return nil, &media.SourceExhaustedError{Expected: total, Received: n}
	}

	send(ctx, updates, Update{Stream: req.Stream, Done: n, Total: n})

	return &Result{Path: req.Dest, Size: n}, nil
}

type probeResult struct {
	total  int64 // -1 when unknown
	ranges bool
}

// probe asks for the first byte to learn the total size and whether the
// source honours Range requests.
func (f *Fetcher) probe(ctx context.Context, url string) (probeResult, error) {
	operation := func() (probeResult, error) {
		res, err := f.probeOnce(ctx, url)
		if err != nil && (ctx.Err() != nil || !retryable(err)) {
			return res, backoff.Permanent(err)
		}

		return res, err
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(f.newBackOff()),
		backoff.WithMaxTries(f.opts.Retries),
	)
}

func (f *Fetcher) probeOnce(ctx context.Context, url string) (probeResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return probeResult{}, fmt.Errorf("failed to build request: %w", err)
	}

	httpReq.Header.Set("Range", "bytes=0-0")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return probeResult{}, &media.NetworkError{Operation: "probe", Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1))

		total, ok := contentRangeTotal(resp.Header.Get("Content-Range"))
		if !ok {
			return probeResult{total: -1}, nil
		}

		return probeResult{total: total, ranges: true}, nil
	case http.StatusRequestedRangeNotSatisfiable:
		// Only an empty resource cannot satisfy bytes=0-0.
		return probeResult{total: 0, ranges: true}, nil
	case http.StatusOK:
		return probeResult{total: resp.ContentLength}, nil
	default:
		return probeResult{}, &media.NetworkError{Operation: "probe", StatusCode: resp.StatusCode}
	}
}

func (f *Fetcher) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.opts.RetryDelay
	b.MaxInterval = 30 * f.opts.RetryDelay

	return b
}

// retryable reports whether another attempt at the same request can succeed.
func retryable(err error) bool {
	var netErr *media.NetworkError
	if !errors.As(err, &netErr) {
		return false
	}

	switch {
	case netErr.StatusCode == 0:
		return true
	case netErr.StatusCode == http.StatusTooManyRequests:
		return true
	case netErr.StatusCode >= http.StatusInternalServerError:
		return true
	}

	return false
}

// contentRangeTotal extracts the complete length from "bytes a-b/total".
func contentRangeTotal(header string) (int64, bool) {
	i := strings.LastIndexByte(header, '/')
	if i < 0 {
		return 0, false
	}

	total, err := strconv.ParseInt(strings.TrimSpace(header[i+1:]), 10, 64)
	if err != nil || total < 0 {
		return 0, false
	}

	return total, true
}

func send(ctx context.Context, updates chan<- Update, u Update) {
	if updates == nil {
		return
	}

	select {
	case updates <- u:
	case <-ctx.Done():
	}
}

type diskWriter struct {
	file *os.File
}

func (w *diskWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	if err != nil {
		return n, &media.DiskError{Op: "write", Path: w.file.Name(), Err: err}
	}

	return n, nil
}
