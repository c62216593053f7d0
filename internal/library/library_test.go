package library

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pakfur/metascan/internal/media"
	"github.com/pakfur/metascan/internal/store"
	"github.com/pakfur/metascan/internal/tokenizer"
	"github.com/pakfur/metascan/pkg/config"
	apperrors "github.com/pakfur/metascan/pkg/errors"
	"github.com/pakfur/metascan/pkg/metrics"
)

var testClock = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// fakeCaptioner returns canned text and can block to hold ingests in the
// pending state.
type fakeCaptioner struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
	block chan struct{}
}

func (f *fakeCaptioner) Caption(ctx context.Context, path string) (string, error) {
	f.mu.Lock()
	f.calls++
	text, err, block := f.text, f.err, f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return text, err
}

func (f *fakeCaptioner) set(text string, err error) {
	f.mu.Lock()
	f.text, f.err = text, err
	f.mu.Unlock()
}

func (f *fakeCaptioner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func searchConfig() config.SearchConfig {
	return config.SearchConfig{
		DefaultPageSize: 50,
		MaxPageSize:     500,
		RecencyWeight:   0.25,
		RecencyHalfLife: 72 * time.Hour,
	}
}

func openTestLibrary(t *testing.T, dir string, capt *fakeCaptioner) *Library {
	t.Helper()
	st, err := store.Open(dir)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	lib, err := Open(Options{
		Store:                st,
		Captioner:            capt,
		Tokenizer:            tokenizer.New(nil),
		Search:               searchConfig(),
		MaxConcurrentIngests: 2,
	})
	if err != nil {
		st.Close()
		t.Fatalf("library.Open: %v", err)
	}
	lib.now = func() time.Time { return testClock }
	return lib
}

func newTestLibrary(t *testing.T, capt *fakeCaptioner) *Library {
	t.Helper()
	lib := openTestLibrary(t, t.TempDir(), capt)
	t.Cleanup(func() { lib.Close() })
	return lib
}

func mediaFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("fake image bytes"), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

func TestIngestThenSearch(t *testing.T) {
	capt := &fakeCaptioner{text: "a red car parked on the road"}
	lib := newTestLibrary(t, capt)
	path := mediaFile(t, "car.png")

	rec, err := lib.Ingest(context.Background(), path)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if rec.State != media.StateIndexed {
		t.Errorf("state = %s, want indexed", rec.State)
	}
	if rec.ContentHash == "" {
		t.Error("content hash missing")
	}

	res, err := lib.Search(context.Background(), "car", 10, "")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Count != 1 || res.Hits[0].Record.Path != path {
		t.Fatalf("search result = %+v, want one hit for %s", res, path)
	}
	if res.Hits[0].Score <= 0 {
		t.Errorf("score = %v, want positive", res.Hits[0].Score)
	}
}

func TestPhraseSearch(t *testing.T) {
	capt := &fakeCaptioner{text: "a red car parked on the road"}
	lib := newTestLibrary(t, capt)
	if _, err := lib.Ingest(context.Background(), mediaFile(t, "car.png")); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	res, err := lib.Search(context.Background(), `"red car"`, 10, "")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Count != 1 {
		t.Errorf("phrase in order: count = %d, want 1", res.Count)
	}

	res, err = lib.Search(context.Background(), `"car red"`, 10, "")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Count != 0 {
		t.Errorf("phrase out of order: count = %d, want 0", res.Count)
	}
}

func TestIngestUnreadableFile(t *testing.T) {
	capt := &fakeCaptioner{text: "never used"}
	lib := newTestLibrary(t, capt)

	_, err := lib.Ingest(context.Background(), filepath.Join(t.TempDir(), "missing.png"))
	if !errors.Is(err, apperrors.ErrCaption) {
		t.Fatalf("got %v, want ErrCaption", err)
	}
	if len(lib.ListAll()) != 0 {
		t.Error("failed ingest left a record behind")
	}
}

func TestIngestEmptyPath(t *testing.T) {
	lib := newTestLibrary(t, &fakeCaptioner{})
	if _, err := lib.Ingest(context.Background(), "  "); !errors.Is(err, apperrors.ErrNormalization) {
		t.Fatalf("got %v, want ErrNormalization", err)
	}
}

func TestCaptionFailureLeavesLibraryUntouched(t *testing.T) {
	capt := &fakeCaptioner{err: errors.New("model crashed")}
	lib := newTestLibrary(t, capt)
	path := mediaFile(t, "broken.png")

	if _, err := lib.Ingest(context.Background(), path); err == nil {
		t.Fatal("expected ingest error")
	}
	if _, err := lib.Get(path); !errors.Is(err, apperrors.ErrRecordNotFound) {
		t.Errorf("record should be absent, Get returned %v", err)
	}

	// The ingest is retryable once the captioner recovers.
	capt.set("a fixed caption", nil)
	if _, err := lib.Ingest(context.Background(), path); err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
}

func TestPendingRecordsListedButNotSearchable(t *testing.T) {
	release := make(chan struct{})
	capt := &fakeCaptioner{text: "a slow sunset caption", block: release}
	lib := newTestLibrary(t, capt)
	path := mediaFile(t, "slow.png")

	done := make(chan error, 1)
	go func() {
		_, err := lib.Ingest(context.Background(), path)
		done <- err
	}()

	// Wait until the record shows up pending.
	deadline := time.After(2 * time.Second)
	for {
		if recs := lib.ListAll(); len(recs) == 1 && recs[0].State == media.StatePending {
			break
		}
		select {
		case <-deadline:
			t.Fatal("record never became pending")
		case <-time.After(5 * time.Millisecond):
		}
	}

	res, err := lib.Search(context.Background(), "sunset", 10, "")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Count != 0 {
		t.Errorf("pending record surfaced as a search hit: %+v", res)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	res, err = lib.Search(context.Background(), "sunset", 10, "")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Count != 1 {
		t.Errorf("indexed record missing from search: %+v", res)
	}
}

func TestCancelledIngestRevertsToAbsent(t *testing.T) {
	capt := &fakeCaptioner{text: "unused", block: make(chan struct{})}
	lib := newTestLibrary(t, capt)
	path := mediaFile(t, "cancelled.png")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := lib.Ingest(ctx, path)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-done; err == nil {
		t.Fatal("cancelled ingest returned nil error")
	}
	if len(lib.ListAll()) != 0 {
		t.Error("cancelled ingest left a record behind")
	}
}

func TestIngestExistingPathReplacesDocument(t *testing.T) {
	capt := &fakeCaptioner{text: "a red car"}
	lib := newTestLibrary(t, capt)
	path := mediaFile(t, "car.png")

	first, err := lib.Ingest(context.Background(), path)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	capt.set("a blue bicycle", nil)
	second, err := lib.Ingest(context.Background(), path)
	if err != nil {
		t.Fatalf("repeat Ingest: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("repeat ingest changed CreatedAt: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
	if len(lib.ListAll()) != 1 {
		t.Error("repeat ingest duplicated the record")
	}
	if res, _ := lib.Search(context.Background(), "car", 10, ""); res.Count != 0 {
		t.Errorf("old terms still searchable after repeat ingest: %+v", res)
	}
	if res, _ := lib.Search(context.Background(), "bicycle", 10, ""); res.Count != 1 {
		t.Errorf("new terms not searchable after repeat ingest: %+v", res)
	}
}

func TestIngestExistingPathFailureKeepsPrior(t *testing.T) {
	capt := &fakeCaptioner{text: "a red car on the road"}
	lib := newTestLibrary(t, capt)
	path := mediaFile(t, "car.png")
	if _, err := lib.Ingest(context.Background(), path); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	capt.set("", errors.New("model offline"))
	if _, err := lib.Ingest(context.Background(), path); err == nil {
		t.Fatal("expected repeat ingest error")
	}

	rec, err := lib.Get(path)
	if err != nil {
		t.Fatalf("prior record lost after failed repeat ingest: %v", err)
	}
	if rec.State != media.StateIndexed {
		t.Errorf("state = %s, want indexed", rec.State)
	}
	if res, _ := lib.Search(context.Background(), "car", 10, ""); res.Count != 1 {
		t.Errorf("prior document lost after failed repeat ingest: %+v", res)
	}
	if err := lib.CheckIntegrity(); err != nil {
		t.Errorf("CheckIntegrity after failed repeat ingest: %v", err)
	}
}

func TestReingestReplacesDocument(t *testing.T) {
	capt := &fakeCaptioner{text: "a red car"}
	lib := newTestLibrary(t, capt)
	path := mediaFile(t, "car.png")

	first, err := lib.Ingest(context.Background(), path)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	capt.set("a blue bicycle", nil)
	second, err := lib.Reingest(context.Background(), path)
	if err != nil {
		t.Fatalf("Reingest: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("reingest changed CreatedAt: %v -> %v", first.CreatedAt, second.CreatedAt)
	}

	if res, _ := lib.Search(context.Background(), "car", 10, ""); res.Count != 0 {
		t.Errorf("old terms still searchable after reingest: %+v", res)
	}
	if res, _ := lib.Search(context.Background(), "bicycle", 10, ""); res.Count != 1 {
		t.Errorf("new terms not searchable after reingest: %+v", res)
	}
	if len(lib.ListAll()) != 1 {
		t.Error("reingest duplicated the record")
	}
}

func TestReingestFailureKeepsPriorDocument(t *testing.T) {
	capt := &fakeCaptioner{text: "a red car"}
	lib := newTestLibrary(t, capt)
	path := mediaFile(t, "car.png")
	if _, err := lib.Ingest(context.Background(), path); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	capt.set("", errors.New("model offline"))
	if _, err := lib.Reingest(context.Background(), path); err == nil {
		t.Fatal("expected reingest error")
	}

	rec, err := lib.Get(path)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.State != media.StateIndexed {
		t.Errorf("state = %s, want indexed after failed reingest", rec.State)
	}
	if res, _ := lib.Search(context.Background(), "car", 10, ""); res.Count != 1 {
		t.Errorf("prior document lost after failed reingest: %+v", res)
	}
}

func TestReingestUnknownPath(t *testing.T) {
	lib := newTestLibrary(t, &fakeCaptioner{})
	if _, err := lib.Reingest(context.Background(), "/nope.png"); !errors.Is(err, apperrors.ErrRecordNotFound) {
		t.Fatalf("got %v, want ErrRecordNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	capt := &fakeCaptioner{text: "a red car"}
	lib := newTestLibrary(t, capt)
	path := mediaFile(t, "car.png")
	if _, err := lib.Ingest(context.Background(), path); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if err := lib.Delete(context.Background(), path); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if res, _ := lib.Search(context.Background(), "car", 10, ""); res.Count != 0 {
		t.Errorf("deleted record still searchable: %+v", res)
	}
	if err := lib.Delete(context.Background(), path); !errors.Is(err, apperrors.ErrRecordNotFound) {
		t.Errorf("second delete: got %v, want ErrRecordNotFound", err)
	}
}

func TestIngestBatchReportsPerItemOutcomes(t *testing.T) {
	capt := &fakeCaptioner{text: "a forest trail"}
	lib := newTestLibrary(t, capt)
	good1 := mediaFile(t, "one.png")
	good2 := mediaFile(t, "two.png")
	missing := filepath.Join(t.TempDir(), "missing.png")

	items := lib.IngestBatch(context.Background(), []string{good1, missing, good2})
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	if items[0].State != media.StateIndexed || items[0].Error != "" {
		t.Errorf("item 0 = %+v, want indexed", items[0])
	}
	if items[1].State != media.StateAbsent || items[1].Error == "" {
		t.Errorf("item 1 = %+v, want absent with error", items[1])
	}
	if items[2].State != media.StateIndexed {
		t.Errorf("item 2 = %+v, want indexed", items[2])
	}

	if res, _ := lib.Search(context.Background(), "forest", 10, ""); res.Count != 2 {
		t.Errorf("batch indexed %d documents, want 2", res.Count)
	}
}

func TestRestartRestoresIndexWithoutRecaptioning(t *testing.T) {
	dir := t.TempDir()
	capt := &fakeCaptioner{text: "a mountain lake at dawn"}
	lib := openTestLibrary(t, dir, capt)
	paths := []string{mediaFile(t, "a.png"), mediaFile(t, "b.png")}
	for _, p := range paths {
		if _, err := lib.Ingest(context.Background(), p); err != nil {
			t.Fatalf("Ingest(%s): %v", p, err)
		}
	}
	if err := lib.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	offline := &fakeCaptioner{err: errors.New("captioner offline")}
	restored := openTestLibrary(t, dir, offline)
	defer restored.Close()

	res, err := restored.Search(context.Background(), "mountain", 10, "")
	if err != nil {
		t.Fatalf("Search after restart: %v", err)
	}
	if res.Count != 2 {
		t.Errorf("restored %d documents, want 2", res.Count)
	}
	if offline.callCount() != 0 {
		t.Errorf("restart re-captioned %d files", offline.callCount())
	}
	for _, rec := range restored.ListAll() {
		if rec.State != media.StateIndexed {
			t.Errorf("restored record %s in state %s", rec.Path, rec.State)
		}
	}
}

func TestRebuildFromStore(t *testing.T) {
	capt := &fakeCaptioner{text: "an old windmill"}
	lib := newTestLibrary(t, capt)
	if _, err := lib.Ingest(context.Background(), mediaFile(t, "mill.png")); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if err := lib.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if err := lib.CheckIntegrity(); err != nil {
		t.Errorf("CheckIntegrity after rebuild: %v", err)
	}
	if res, _ := lib.Search(context.Background(), "windmill", 10, ""); res.Count != 1 {
		t.Errorf("document lost across rebuild: %+v", res)
	}
	if capt.callCount() != 1 {
		t.Errorf("rebuild re-captioned: %d calls", capt.callCount())
	}
}

func TestSearchPagination(t *testing.T) {
	capt := &fakeCaptioner{text: "golden sunset over the beach"}
	lib := newTestLibrary(t, capt)
	for i := 0; i < 5; i++ {
		name := string(rune('a'+i)) + ".png"
		if _, err := lib.Ingest(context.Background(), mediaFile(t, name)); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	seen := make(map[string]int)
	cursor := ""
	pages := 0
	for {
		res, err := lib.Search(context.Background(), "sunset", 2, cursor)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		pages++
		for _, h := range res.Hits {
			seen[h.Record.Path]++
		}
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
		if pages > 5 {
			t.Fatal("pagination did not terminate")
		}
	}
	if len(seen) != 5 {
		t.Errorf("pagination covered %d records, want 5", len(seen))
	}
	for p, n := range seen {
		if n != 1 {
			t.Errorf("record %s served %d times", p, n)
		}
	}
}

func TestSearchMalformedCursor(t *testing.T) {
	lib := newTestLibrary(t, &fakeCaptioner{})
	if _, err := lib.Search(context.Background(), "cat", 10, "!!bad!!"); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Fatalf("got %v, want ErrInvalidInput", err)
	}
}

func TestStats(t *testing.T) {
	capt := &fakeCaptioner{text: "a quiet harbor"}
	lib := newTestLibrary(t, capt)
	if _, err := lib.Ingest(context.Background(), mediaFile(t, "harbor.png")); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	st := lib.Stats()
	if st.TotalRecords != 1 || st.ByState[media.StateIndexed] != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.ByFormat["png"] != 1 {
		t.Errorf("format counts = %v", st.ByFormat)
	}
	if st.IndexDocs != 1 || st.IndexTerms == 0 {
		t.Errorf("index stats = %+v", st)
	}
	if !st.TokenizerDegraded {
		t.Error("test tokenizer has no language data, expected degraded")
	}
}

// fakeCache is an in-memory ResultCache.
type fakeCache struct {
	mu    sync.Mutex
	pages map[string][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{pages: make(map[string][]byte)}
}

func (f *fakeCache) Key(query string, pageSize int, cursor string) string {
	return fmt.Sprintf("%s|%d|%s", query, pageSize, cursor)
}

func (f *fakeCache) Get(ctx context.Context, key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, ok := f.pages[key]
	return payload, ok
}

func (f *fakeCache) Set(ctx context.Context, key string, payload []byte) {
	f.mu.Lock()
	f.pages[key] = payload
	f.mu.Unlock()
}

func (f *fakeCache) Invalidate(ctx context.Context) {
	f.mu.Lock()
	f.pages = make(map[string][]byte)
	f.mu.Unlock()
}

func (f *fakeCache) Stats() (uint64, uint64) { return 0, 0 }

func TestCacheAndFallbackMetrics(t *testing.T) {
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	m := metrics.NewWith(prometheus.NewRegistry())
	lib, err := Open(Options{
		Store:                st,
		Captioner:            &fakeCaptioner{text: "a pier at dusk"},
		Tokenizer:            tokenizer.New(nil),
		Cache:                newFakeCache(),
		Metrics:              m,
		Search:               searchConfig(),
		MaxConcurrentIngests: 2,
	})
	if err != nil {
		st.Close()
		t.Fatalf("library.Open: %v", err)
	}
	t.Cleanup(func() { lib.Close() })
	lib.now = func() time.Time { return testClock }

	if _, err := lib.Ingest(context.Background(), mediaFile(t, "pier.png")); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := lib.Search(context.Background(), "pier", 10, ""); err != nil {
			t.Fatalf("Search: %v", err)
		}
	}

	if got := testutil.ToFloat64(m.CacheMissesTotal); got != 1 {
		t.Errorf("cache misses = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CacheHitsTotal); got != 1 {
		t.Errorf("cache hits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TokenizerFallbacksTotal); got == 0 {
		t.Error("tokenizer fallback counter never incremented")
	}
}

func TestSidecarMetadataIndexed(t *testing.T) {
	capt := &fakeCaptioner{text: "abstract art"}
	lib := newTestLibrary(t, capt)
	path := mediaFile(t, "gen.png")
	sidecarJSON := `{
		"prompt": "abstract art",
		"negative_prompt": "blurry",
		"model": "dreamshaper",
		"sampler": "euler",
		"steps": 30,
		"cfg_scale": 7.5,
		"seed": 42,
		"tags": ["abstract", "colorful"],
		"width": 1024,
		"height": 1024
	}`
	if err := os.WriteFile(path+".json", []byte(sidecarJSON), 0o644); err != nil {
		t.Fatalf("writing sidecar: %v", err)
	}

	rec, err := lib.Ingest(context.Background(), path)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if rec.NegativeCaption != "blurry" {
		t.Errorf("negative caption = %q", rec.NegativeCaption)
	}
	if len(rec.Tags) != 2 {
		t.Errorf("tags = %v", rec.Tags)
	}

	// Generator model and tags flow into the index.
	if res, _ := lib.Search(context.Background(), "dreamshaper", 10, ""); res.Count != 1 {
		t.Errorf("generator model not searchable")
	}
	if res, _ := lib.Search(context.Background(), "colorful", 10, ""); res.Count != 1 {
		t.Errorf("sidecar tag not searchable")
	}
}
