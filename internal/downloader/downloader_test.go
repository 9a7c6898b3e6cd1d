package downloader

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sthetix/SwitchrootDepot/internal/build"
	depothttp "github.com/sthetix/SwitchrootDepot/internal/http"
	"github.com/sthetix/SwitchrootDepot/internal/metrics"
	"github.com/sthetix/SwitchrootDepot/internal/tempstore"
	"github.com/sthetix/SwitchrootDepot/internal/testutils"
)

type countingRecorder struct {
	metrics.Noop
	retries atomic.Int64
	bytes   atomic.Int64
}

func (r *countingRecorder) RecordSegmentRetry()         { r.retries.Add(1) }
func (r *countingRecorder) AddBytesTransferred(n int64) { r.bytes.Add(n) }

type recordingSink struct {
	mu     sync.Mutex
	stages []Stage
	last   Progress
}

func (s *recordingSink) Progress(p Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.stages) == 0 || s.stages[len(s.stages)-1] != p.Stage {
		s.stages = append(s.stages, p.Stage)
	}
	s.last = p
}

func newTestEngine(t *testing.T, mod func(*Options)) (*Engine, *tempstore.Store, *countingRecorder) {
	t.Helper()

	store, err := tempstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	rec := &countingRecorder{}
	opts := Options{
		Client: depothttp.NewClient(depothttp.Options{
			RetryAttempts:   1,
			RetryBackoff:    time.Millisecond,
			RetryMaxBackoff: 5 * time.Millisecond,
		}),
		Store:            store,
		Connections:      4,
		ChunkSize:        64 * 1024,
		MinSegmentSize:   1,
		RetryAttempts:    3,
		RetryBackoff:     time.Millisecond,
		RetryMaxBackoff:  5 * time.Millisecond,
		ProgressInterval: 10 * time.Millisecond,
		Metrics:          rec,
	}
	if mod != nil {
		mod(&opts)
	}

	e, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, store, rec
}

func testJob(srv *testutils.Server, name string, data []byte) build.ArtifactJob {
	return build.ArtifactJob{
		ID:           "00-" + name,
		Name:         name,
		SourceURL:    srv.FileURL(name),
		Role:         build.RoleOSImage,
		Family:       build.FamilyLineage,
		Variant:      "tablet",
		ExpectedSize: int64(len(data)),
	}
}

func partExists(t *testing.T, store *tempstore.Store, job build.ArtifactJob) bool {
	t.Helper()
	_, err := os.Stat(store.PartPath(job.TempKey()))
	return err == nil
}

func TestSplitCoversRange(t *testing.T) {
	for _, total := range []int64{1, 3, 7, 100, 1<<20 + 3} {
		for k := 1; k <= 16; k++ {
			ranges := Split(total, k)

			want := min(int64(k), total)
			if int64(len(ranges)) != want {
				t.Fatalf("Split(%d, %d): %d ranges, want %d", total, k, len(ranges), want)
			}

			var next int64
			for i, r := range ranges {
				if r.Start != next {
					t.Fatalf("Split(%d, %d)[%d] starts at %d, want %d", total, k, i, r.Start, next)
				}
				if r.Len() <= 0 {
					t.Fatalf("Split(%d, %d)[%d] is empty", total, k, i)
				}
				next = r.End
			}
			if next != total {
				t.Fatalf("Split(%d, %d) ends at %d, want %d", total, k, next, total)
			}
		}
	}
}

func TestSplitUnknownSize(t *testing.T) {
	ranges := Split(-1, 8)
	if len(ranges) != 1 || ranges[0] != (Range{}) {
		t.Fatalf("Split(-1, 8) = %v, want one open-ended range", ranges)
	}
	seg := &segment{rng: ranges[0]}
	if seg.remaining() != -1 {
		t.Fatalf("remaining = %d, want -1", seg.remaining())
	}
}

func TestDownloadBasic(t *testing.T) {
	data := testutils.GenerateTestData(t, 1024*1024)
	srv := testutils.StartTestHTTPServer(t, []testutils.TestFile{{Name: "lineage.zip", Data: data}}, testutils.ServerOptions{})
	e, store, rec := newTestEngine(t, nil)

	job := testJob(srv, "lineage.zip", data)
	job.Checksum = testutils.SHA256(data)

	sink := &recordingSink{}
	done, err := e.Download(context.Background(), job, sink)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}

	if done.Segments != 4 {
		t.Errorf("segments = %d, want 4", done.Segments)
	}
	if done.Size != int64(len(data)) {
		t.Errorf("size = %d, want %d", done.Size, len(data))
	}
	if done.Path != store.PartPath(job.TempKey()) {
		t.Errorf("path = %s", done.Path)
	}
	testutils.CompareFileToData(t, done.Path, data)

	if got := rec.bytes.Load(); got != int64(len(data)) {
		t.Errorf("bytes transferred = %d, want %d", got, len(data))
	}
	if _, err := store.LoadState(context.Background(), job.TempKey()); !errors.Is(err, tempstore.ErrNoState) {
		t.Errorf("state left behind: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.stages[0] != StageProbing {
		t.Errorf("first stage = %s, want %s", sink.stages[0], StageProbing)
	}
	if last := sink.stages[len(sink.stages)-1]; last != StageDone {
		t.Errorf("last stage = %s, want %s", last, StageDone)
	}
	if sink.last.Bytes != int64(len(data)) {
		t.Errorf("last progress bytes = %d, want %d", sink.last.Bytes, len(data))
	}
}

func TestDownloadSmallFileSingleSegment(t *testing.T) {
	data := testutils.GenerateTestData(t, 4096)
	srv := testutils.StartTestHTTPServer(t, []testutils.TestFile{{Name: "boot.img", Data: data}}, testutils.ServerOptions{})
	e, _, _ := newTestEngine(t, func(o *Options) { o.MinSegmentSize = 1024 * 1024 })

	done, err := e.Download(context.Background(), testJob(srv, "boot.img", data), nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if done.Segments != 1 {
		t.Errorf("segments = %d, want 1", done.Segments)
	}
	testutils.CompareFileToData(t, done.Path, data)
}

func TestDownloadWithoutRangeSupport(t *testing.T) {
	data := testutils.GenerateTestData(t, 512*1024)
	srv := testutils.StartTestHTTPServer(t, []testutils.TestFile{{Name: "noble.7z", Data: data}}, testutils.ServerOptions{NoRanges: true})
	e, _, _ := newTestEngine(t, nil)

	done, err := e.Download(context.Background(), testJob(srv, "noble.7z", data), nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if done.Segments != 1 {
		t.Errorf("segments = %d, want 1", done.Segments)
	}
	testutils.CompareFileToData(t, done.Path, data)
}

func TestDownloadDegradesWhenRangeIgnored(t *testing.T) {
	data := testutils.GenerateTestData(t, 512*1024)
	srv := testutils.StartTestHTTPServer(t, []testutils.TestFile{{Name: "jammy.7z", Data: data}}, testutils.ServerOptions{IgnoreRanges: true})
	e, _, _ := newTestEngine(t, nil)

	sink := &recordingSink{}
	done, err := e.Download(context.Background(), testJob(srv, "jammy.7z", data), sink)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if done.Segments != 1 {
		t.Errorf("segments = %d, want 1", done.Segments)
	}
	testutils.CompareFileToData(t, done.Path, data)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	splits := 0
	for _, s := range sink.stages {
		if s == StageSplitting {
			splits++
		}
	}
	if splits != 2 {
		t.Errorf("stages = %v, want splitting twice", sink.stages)
	}
}

func TestDownloadWithoutHead(t *testing.T) {
	data := testutils.GenerateTestData(t, 300*1024)
	srv := testutils.StartTestHTTPServer(t, []testutils.TestFile{{Name: "fedora.7z", Data: data}}, testutils.ServerOptions{NoHead: true})
	e, _, _ := newTestEngine(t, nil)

	done, err := e.Download(context.Background(), testJob(srv, "fedora.7z", data), nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if done.Segments != 1 {
		t.Errorf("segments = %d, want 1", done.Segments)
	}
	testutils.CompareFileToData(t, done.Path, data)
}

func TestDownloadRetriesFlakyServer(t *testing.T) {
	data := testutils.GenerateTestData(t, 200*1024)
	srv := testutils.StartTestHTTPServer(t, []testutils.TestFile{{Name: "gapps.zip", Data: data}}, testutils.ServerOptions{FailFirst: 2})
	e, _, rec := newTestEngine(t, func(o *Options) { o.Connections = 1 })

	done, err := e.Download(context.Background(), testJob(srv, "gapps.zip", data), nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	testutils.CompareFileToData(t, done.Path, data)

	if got := rec.retries.Load(); got != 2 {
		t.Errorf("retries = %d, want 2", got)
	}
}

func TestDownloadContinuesFromOffset(t *testing.T) {
	data := testutils.GenerateTestData(t, 256*1024)
	srv := testutils.StartTestHTTPServer(t, []testutils.TestFile{{Name: "recovery.img", Data: data}}, testutils.ServerOptions{TruncateFirst: 1})
	e, _, rec := newTestEngine(t, func(o *Options) { o.Connections = 1 })

	done, err := e.Download(context.Background(), testJob(srv, "recovery.img", data), nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	testutils.CompareFileToData(t, done.Path, data)

	if srv.Gets() != 2 {
		t.Errorf("gets = %d, want 2", srv.Gets())
	}
	// The retry only fetched the missing half.
	if got := rec.bytes.Load(); got != int64(len(data)) {
		t.Errorf("bytes transferred = %d, want %d", got, len(data))
	}
}

func TestDownloadRetryBudgetExceeded(t *testing.T) {
	data := testutils.GenerateTestData(t, 64*1024)
	srv := testutils.StartTestHTTPServer(t, []testutils.TestFile{{Name: "bad.zip", Data: data}}, testutils.ServerOptions{FailAlways: true})
	e, store, _ := newTestEngine(t, func(o *Options) {
		o.Connections = 1
		o.RetryAttempts = 2
	})

	job := testJob(srv, "bad.zip", data)
	_, err := e.Download(context.Background(), job, nil)
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("err = %v, want ErrTransferFailed", err)
	}
	if !errors.Is(err, depothttp.ErrServerError) {
		t.Errorf("err = %v, want wrapped ErrServerError", err)
	}

	var terr *TransferError
	if !errors.As(err, &terr) {
		t.Fatalf("err = %T, want *TransferError", err)
	}
	if terr.Start != 0 || terr.End != int64(len(data)) {
		t.Errorf("range = [%d, %d), want [0, %d)", terr.Start, terr.End, len(data))
	}
	if terr.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", terr.Attempts)
	}
	if srv.Gets() != 3 {
		t.Errorf("gets = %d, want 3", srv.Gets())
	}
	if partExists(t, store, job) {
		t.Error("part file should be removed")
	}
}

func TestDownloadFailureOfUnknownSize(t *testing.T) {
	data := testutils.GenerateTestData(t, 4096)
	srv := testutils.StartTestHTTPServer(t, []testutils.TestFile{{Name: "fedora.7z", Data: data}},
		testutils.ServerOptions{NoHead: true, FailAlways: true})
	e, _, _ := newTestEngine(t, func(o *Options) { o.RetryAttempts = 1 })

	job := testJob(srv, "fedora.7z", data)
	job.ExpectedSize = 0
	_, err := e.Download(context.Background(), job, nil)

	var terr *TransferError
	if !errors.As(err, &terr) {
		t.Fatalf("err = %v, want *TransferError", err)
	}
	if terr.End < 0 {
		t.Errorf("End = %d, want a non-negative bound", terr.End)
	}
	msg := err.Error()
	if strings.Contains(msg, "-1)") || !strings.Contains(msg, "unknown size") {
		t.Errorf("message = %q, want an unknown size range", msg)
	}
}

func TestTransferErrorMessage(t *testing.T) {
	known := &TransferError{JobID: "00-boot.img", Start: 0, End: 4096, Attempts: 2, Err: errors.New("reset")}
	if got := known.Error(); !strings.Contains(got, "bytes [0, 4096) after 2 attempts") {
		t.Errorf("known size message = %q", got)
	}
	unknown := &TransferError{JobID: "00-boot.img", Start: 0, End: 0, Attempts: 1, Err: errors.New("reset")}
	if got := unknown.Error(); !strings.Contains(got, "from byte 0 of unknown size") {
		t.Errorf("unknown size message = %q", got)
	}
}

func TestDownloadNotFound(t *testing.T) {
	srv := testutils.StartTestHTTPServer(t, nil, testutils.ServerOptions{})
	e, _, _ := newTestEngine(t, nil)

	job := build.ArtifactJob{ID: "00-missing", Name: "missing.zip", SourceURL: srv.FileURL("missing.zip"), ExpectedSize: 10}
	_, err := e.Download(context.Background(), job, nil)
	if !errors.Is(err, ErrTransferFailed) || !errors.Is(err, depothttp.ErrNotFound) {
		t.Fatalf("err = %v, want ErrTransferFailed wrapping ErrNotFound", err)
	}
}

func TestDownloadChecksumMismatch(t *testing.T) {
	data := testutils.GenerateTestData(t, 128*1024)
	srv := testutils.StartTestHTTPServer(t, []testutils.TestFile{{Name: "lineage.zip", Data: data}}, testutils.ServerOptions{})
	e, store, _ := newTestEngine(t, func(o *Options) { o.Resumable = true })

	job := testJob(srv, "lineage.zip", data)
	job.Checksum = testutils.SHA256([]byte("something else"))

	_, err := e.Download(context.Background(), job, nil)
	if !errors.Is(err, ErrIntegrityMismatch) {
		t.Fatalf("err = %v, want ErrIntegrityMismatch", err)
	}
	var ierr *IntegrityError
	if !errors.As(err, &ierr) || ierr.Check != "checksum" {
		t.Fatalf("err = %v, want checksum IntegrityError", err)
	}
	if partExists(t, store, job) {
		t.Error("corrupt part file should be removed even when resumable")
	}
}

func TestDownloadSizeMismatch(t *testing.T) {
	data := testutils.GenerateTestData(t, 10*1024)
	srv := testutils.StartTestHTTPServer(t, []testutils.TestFile{{Name: "boot.img", Data: data}}, testutils.ServerOptions{})
	e, _, _ := newTestEngine(t, nil)

	job := testJob(srv, "boot.img", data)
	job.ExpectedSize = 999

	_, err := e.Download(context.Background(), job, nil)
	var ierr *IntegrityError
	if !errors.As(err, &ierr) || ierr.Check != "size" {
		t.Fatalf("err = %v, want size IntegrityError", err)
	}
	if srv.Gets() != 0 {
		t.Errorf("gets = %d, want 0", srv.Gets())
	}
}

func TestDownloadCancelled(t *testing.T) {
	data := testutils.GenerateTestData(t, 1024*1024)
	srv := testutils.StartTestHTTPServer(t, []testutils.TestFile{{Name: "big.zip", Data: data}},
		testutils.ServerOptions{ChunkDelay: 20 * time.Millisecond})
	e, store, _ := newTestEngine(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var once sync.Once
	sink := SinkFunc(func(p Progress) {
		if p.Bytes > 0 {
			once.Do(cancel)
		}
	})

	job := testJob(srv, "big.zip", data)
	_, err := e.Download(ctx, job, sink)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want wrapped context.Canceled", err)
	}
	if partExists(t, store, job) {
		t.Error("part file should be removed when not resumable")
	}
}

func TestDownloadResumesAfterCancel(t *testing.T) {
	data := testutils.GenerateTestData(t, 1024*1024)
	srv := testutils.StartTestHTTPServer(t, []testutils.TestFile{{Name: "big.zip", Data: data}},
		testutils.ServerOptions{ChunkDelay: 10 * time.Millisecond})
	e, store, rec := newTestEngine(t, func(o *Options) { o.Resumable = true })

	job := testJob(srv, "big.zip", data)

	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	_, err := e.Download(ctx, job, SinkFunc(func(p Progress) {
		if p.Bytes >= 64*1024 {
			once.Do(cancel)
		}
	}))
	cancel()
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("first run err = %v, want ErrCancelled", err)
	}
	if !partExists(t, store, job) {
		t.Fatal("part file should be kept when resumable")
	}
	st, err := store.LoadState(context.Background(), job.TempKey())
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	first := st.Completed()
	if first <= 0 || first >= int64(len(data)) {
		t.Fatalf("saved progress = %d, want partial", first)
	}

	done, err := e.Download(context.Background(), job, nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !done.Resumed {
		t.Error("second run should resume")
	}
	testutils.CompareFileToData(t, done.Path, data)

	if got := rec.bytes.Load(); got != int64(len(data)) {
		t.Errorf("bytes transferred across runs = %d, want %d", got, len(data))
	}
}

func TestDownloadInline(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)

	content := []byte("[Android Tablet]\nl4t=1\n")
	job := build.ArtifactJob{
		ID:           "02-android.ini",
		Name:         "android.ini",
		Role:         build.RoleBootloaderConfig,
		ExpectedSize: int64(len(content)),
		Content:      content,
	}

	done, err := e.Download(context.Background(), job, nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	testutils.CompareFileToData(t, done.Path, content)
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without store")
	}
}
