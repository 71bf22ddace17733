package session

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/mediadrop/internal/delivery"
	"github.com/italolelis/mediadrop/internal/fetch"
	"github.com/italolelis/mediadrop/internal/fileserver"
	"github.com/italolelis/mediadrop/internal/limiter"
	"github.com/italolelis/mediadrop/internal/media"
	"github.com/italolelis/mediadrop/internal/storage"
	"github.com/stretchr/testify/require"
)

// fakeFetcher runs fn for every fetch. The default writes ExpectedSize zero
// bytes to the destination.
type fakeFetcher struct {
	calls atomic.Int32
	fn    func(ctx context.Context, req fetch.Request, updates chan<- fetch.Update) (*fetch.Result, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context, req fetch.Request, updates chan<- fetch.Update) (*fetch.Result, error) {
	f.calls.Add(1)

	if f.fn != nil {
		return f.fn(ctx, req, updates)
	}

	return writeSparse(req, updates)
}

func writeSparse(req fetch.Request, updates chan<- fetch.Update) (*fetch.Result, error) {
	size := req.Spec.ExpectedSize

	file, err := os.OpenFile(req.Dest, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, &media.DiskError{Op: "open", Path: req.Dest, Err: err}
	}
	defer file.Close()

	if err := file.Truncate(size); err != nil {
		return nil, &media.DiskError{Op: "truncate", Path: req.Dest, Err: err}
	}

	updates <- fetch.Update{Stream: req.Stream, Done: size, Total: size}

	return &fetch.Result{Path: req.Dest, Size: size}, nil
}

// blockingFetch waits for cancellation.
func blockingFetch(ctx context.Context, req fetch.Request, updates chan<- fetch.Update) (*fetch.Result, error) {
	<-ctx.Done()

	return nil, ctx.Err()
}

type fakeMerger struct {
	calls atomic.Int32
	err   error
}

func (f *fakeMerger) Merge(_ context.Context, video, audio, out string) (string, error) {
	f.calls.Add(1)

	if f.err != nil {
		return "", f.err
	}

	if err := os.WriteFile(out, []byte("merged"), 0o644); err != nil {
		return "", err
	}

	return out, nil
}

type fakeDeliverer struct {
	mu       sync.Mutex
	err      error
	requests []delivery.Request
	lastCtx  context.Context
}

func (f *fakeDeliverer) Deliver(ctx context.Context, req delivery.Request) (*delivery.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)
	f.lastCtx = ctx

	if f.err != nil {
		return nil, &media.DeliveryError{Method: "upload", Path: req.Path, Err: f.err}
	}

	return &delivery.Outcome{Method: delivery.MethodUpload}, nil
}

func (f *fakeDeliverer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.requests)
}

func (f *fakeDeliverer) deliveryCtx() context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.lastCtx
}

func (f *fakeDeliverer) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.err = err
}

type fakeUploader struct {
	mu       sync.Mutex
	received []byte
	calls    int
}

func (f *fakeUploader) Upload(_ context.Context, _ delivery.UploadRequest, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.received = data

	return nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeNotifier) Notify(_ context.Context, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.messages = append(f.messages, content)

	return nil
}

type memSessionRepo struct {
	mu      sync.Mutex
	records map[string]storage.SessionRecord
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{records: make(map[string]storage.SessionRecord)}
}

func (r *memSessionRepo) SaveSession(_ context.Context, rec storage.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[rec.ID] = rec

	return nil
}

func (r *memSessionRepo) DeleteSession(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[id]; !ok {
		return storage.ErrNotFound
	}

	delete(r.records, id)

	return nil
}

func (r *memSessionRepo) ListSessions(context.Context) ([]storage.SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]storage.SessionRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}

	return out, nil
}

func (r *memSessionRepo) get(id string) (storage.SessionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]

	return rec, ok
}

type progressLog struct {
	mu      sync.Mutex
	reports [][2]int64
}

func (p *progressLog) record(_ string, done, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.reports = append(p.reports, [2]int64{done, total})
}

func (p *progressLog) all() [][2]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([][2]int64(nil), p.reports...)
}

// rangeSource serves data with Range support and records requested ranges.
type rangeSource struct {
	data   []byte
	broken atomic.Int64 // requests starting at or after this offset fail; 0 disables

	mu     sync.Mutex
	ranges []string
}

func (s *rangeSource) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rh := r.Header.Get("Range")

	s.mu.Lock()
	s.ranges = append(s.ranges, rh)
	s.mu.Unlock()

	if limit := s.broken.Load(); limit > 0 && rangeStart(rh) >= limit {
		w.WriteHeader(http.StatusBadGateway)

		return
	}

	http.ServeContent(w, r, "media.bin", time.Time{}, bytes.NewReader(s.data))
}

func (s *rangeSource) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ranges = nil
}

// fragmentStarts returns the first byte of every fragment request, skipping
// the probe.
func (s *rangeSource) fragmentStarts() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var starts []int64

	for _, rh := range s.ranges {
		if rh == "bytes=0-0" || rh == "" {
			continue
		}

		starts = append(starts, rangeStart(rh))
	}

	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	return starts
}

func rangeStart(rh string) int64 {
	spec := strings.TrimPrefix(rh, "bytes=")

	i := strings.IndexByte(spec, '-')
	if i <= 0 {
		return -1
	}

	start, err := strconv.ParseInt(spec[:i], 10, 64)
	if err != nil {
		return -1
	}

	return start
}

type harness struct {
	manager  *Manager
	limiter  *limiter.Limiter
	registry *fileserver.Registry
	dataDir  string
}

func newHarness(t *testing.T, fetcher Fetcher, merger Merger, deliverer Deliverer, opts Options) *harness {
	t.Helper()

	if opts.DataDir == "" {
		opts.DataDir = t.TempDir()
	}

	if opts.ProgressInterval == 0 {
		opts.ProgressInterval = time.Millisecond
	}

	lim := limiter.New(2, 0)
	registry := fileserver.NewRegistry(8*time.Hour, nil)
	m := NewManager(lim, fetcher, merger, deliverer, registry, opts)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = m.Shutdown(ctx)
	})

	return &harness{manager: m, limiter: lim, registry: registry, dataDir: opts.DataDir}
}

func waitState(t *testing.T, m *Manager, id string, want State) Snapshot {
	t.Helper()

	var snap Snapshot

	require.Eventually(t, func() bool {
		var err error

		snap, err = m.Get(id)

		return err == nil && snap.State == want
	}, 10*time.Second, 5*time.Millisecond, "session %s never reached %s", id, want)

	return snap
}

func singleFormat(url string, size int64) media.Format {
	return media.Format{
		ID:   "18",
		Kind: media.KindCombined,
		Ext:  "mp4",
		Streams: []media.StreamSpec{
			{URL: url, Kind: media.KindCombined, ExpectedSize: size},
		},
	}
}

func pairFormat(videoSize, audioSize int64) media.Format {
	return media.Format{
		ID:   "137+140",
		Kind: media.KindCombined,
		Ext:  "mp4",
		Streams: []media.StreamSpec{
			{URL: "https://cdn.example.com/v", Kind: media.KindVideo, Codec: "avc1", ExpectedSize: videoSize},
			{URL: "https://cdn.example.com/a", Kind: media.KindAudio, Codec: "mp4a", ExpectedSize: audioSize},
		},
	}
}
