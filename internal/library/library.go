// Package library implements the coordinator that owns all media records and
// serialises every mutation of the library. It is the only writer of the
// store and the inverted index; the HTTP layer talks exclusively to it.
package library

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/pakfur/metascan/internal/captioner"
	"github.com/pakfur/metascan/internal/index"
	"github.com/pakfur/metascan/internal/media"
	"github.com/pakfur/metascan/internal/normalizer"
	"github.com/pakfur/metascan/internal/search"
	"github.com/pakfur/metascan/internal/store"
	"github.com/pakfur/metascan/internal/tokenizer"
	"github.com/pakfur/metascan/pkg/config"
	apperrors "github.com/pakfur/metascan/pkg/errors"
	"github.com/pakfur/metascan/pkg/metrics"
)

// ResultCache caches serialized search result pages. Implementations must be
// safe for concurrent use; all methods are best-effort.
type ResultCache interface {
	Key(query string, pageSize int, cursor string) string
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, payload []byte)
	Invalidate(ctx context.Context)
	Stats() (hits, misses uint64)
}

// Options configures a Library. Cache and Metrics are optional.
type Options struct {
	Store                *store.Store
	Captioner            captioner.Captioner
	Tokenizer            *tokenizer.Adapter
	Cache                ResultCache
	Metrics              *metrics.Metrics
	Search               config.SearchConfig
	MaxConcurrentIngests int64
}

// Library is the coordinator. Records are keyed by media path; a per-identity
// lock serialises the ingest lifecycle of each path while leaving unrelated
// paths fully concurrent.
type Library struct {
	store   *store.Store
	cap     captioner.Captioner
	tok     *tokenizer.Adapter
	norm    *normalizer.Normalizer
	ix      *index.Inverted
	planner *search.Planner
	cache   ResultCache
	metrics *metrics.Metrics

	defaultPageSize int
	maxPageSize     int

	sem        *semaphore.Weighted
	maxIngests int
	flight     singleflight.Group

	mu      sync.RWMutex
	records map[string]*media.Record

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	rebuildMu sync.Mutex

	// now is swapped in tests to pin recency scoring.
	now    func() time.Time
	logger *slog.Logger
}

// Open builds a Library over an opened store and restores the index from
// persisted documents.
func Open(opts Options) (*Library, error) {
	if opts.MaxConcurrentIngests <= 0 {
		opts.MaxConcurrentIngests = 4
	}
	if opts.Search.DefaultPageSize <= 0 {
		opts.Search.DefaultPageSize = 50
	}
	if opts.Search.MaxPageSize <= 0 {
		opts.Search.MaxPageSize = 500
	}
	ix := index.New()
	l := &Library{
		store: opts.Store,
		cap:   opts.Captioner,
		tok:   opts.Tokenizer,
		norm:  normalizer.New(opts.Tokenizer),
		ix:    ix,
		planner: search.NewPlanner(ix, search.Config{
			RecencyWeight:   opts.Search.RecencyWeight,
			RecencyHalfLife: opts.Search.RecencyHalfLife,
		}),
		cache:           opts.Cache,
		metrics:         opts.Metrics,
		defaultPageSize: opts.Search.DefaultPageSize,
		maxPageSize:     opts.Search.MaxPageSize,
		sem:             semaphore.NewWeighted(opts.MaxConcurrentIngests),
		maxIngests:      int(opts.MaxConcurrentIngests),
		records:         make(map[string]*media.Record),
		locks:           make(map[string]*sync.Mutex),
		now:             time.Now,
		logger:          slog.Default().With("component", "library"),
	}
	if opts.Metrics != nil {
		opts.Tokenizer.ObserveFallback(opts.Metrics.TokenizerFallbacksTotal.Inc)
	}
	if err := l.restore(); err != nil {
		return nil, err
	}
	l.syncGauges()
	return l, nil
}

// restore loads persisted records and rebuilds the index from their stored
// documents. An ingest interrupted before commit never persisted anything, so
// every stored record is authoritative and comes back indexed; missing or
// undecodable documents are re-derived from the record and written back.
func (l *Library) restore() error {
	records, err := l.store.AllRecords()
	if err != nil {
		return fmt.Errorf("restoring library: %w", err)
	}
	repaired := 0
	for _, rec := range records {
		rec.State = media.StateIndexed
		doc, err := l.store.GetDocument(rec.Path)
		if err != nil {
			doc, err = l.norm.Normalize(rec)
			if err != nil {
				l.logger.Error("dropping unrecoverable record", "path", rec.Path, "error", err)
				continue
			}
			if err := l.store.ApplyUpsert(rec, doc); err != nil {
				return fmt.Errorf("repairing document for %s: %w", rec.Path, err)
			}
			repaired++
		}
		l.ix.Upsert(doc)
		l.records[rec.Path] = rec
	}
	l.logger.Info("library restored",
		"records", len(l.records), "terms", l.ix.TermCount(), "repaired_documents", repaired)
	return nil
}

// Hit pairs a record with its relevance score.
type Hit struct {
	Record *media.Record `json:"record"`
	Score  float64       `json:"score"`
}

// Result is one page of ranked search results.
type Result struct {
	Query      string `json:"query"`
	Count      int    `json:"count"`
	Hits       []Hit  `json:"hits"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// Search runs a ranked query against the index and returns one page of
// results. Concurrent identical queries are coalesced, and pages are served
// from the result cache when one is configured.
func (l *Library) Search(ctx context.Context, query string, pageSize int, cursorStr string) (*Result, error) {
	start := l.now()
	if pageSize <= 0 {
		pageSize = l.defaultPageSize
	}
	if pageSize > l.maxPageSize {
		pageSize = l.maxPageSize
	}
	cursor, err := search.DecodeCursor(cursorStr)
	if err != nil {
		l.observeSearch("error")
		return nil, err
	}

	var cacheKey string
	if l.cache != nil {
		cacheKey = l.cache.Key(query, pageSize, cursorStr)
		if payload, ok := l.cache.Get(ctx, cacheKey); ok {
			var res Result
			if err := json.Unmarshal(payload, &res); err == nil {
				if l.metrics != nil {
					l.metrics.CacheHitsTotal.Inc()
				}
				l.recordSearchMetrics(&res, start, "hit")
				return &res, nil
			}
			l.logger.Warn("discarding undecodable cached page", "key", cacheKey)
		}
		if l.metrics != nil {
			l.metrics.CacheMissesTotal.Inc()
		}
	}

	flightKey := fmt.Sprintf("%s|%d|%s", query, pageSize, cursorStr)
	v, _, _ := l.flight.Do(flightKey, func() (interface{}, error) {
		return l.execute(query, pageSize, cursor), nil
	})
	res := v.(*Result)

	if l.cache != nil {
		if payload, err := json.Marshal(res); err == nil {
			l.cache.Set(ctx, cacheKey, payload)
		}
	}
	l.recordSearchMetrics(res, start, "miss")
	return res, nil
}

func (l *Library) execute(query string, pageSize int, cursor *search.Cursor) *Result {
	plan := search.Parse(query, l.tok)
	ranked, next := l.planner.Search(plan, pageSize, cursor, l.now(), l.visible)

	res := &Result{Query: query, Hits: make([]Hit, 0, len(ranked))}
	for _, h := range ranked {
		if rec, ok := l.getRecord(h.DocID); ok {
			res.Hits = append(res.Hits, Hit{Record: rec, Score: h.Score})
		}
	}
	res.Count = len(res.Hits)
	if next != nil {
		res.NextCursor = next.Encode()
	}
	return res
}

// visible filters records out of search hits while the captioner is still
// working on them. Reingesting records keep serving their prior document.
func (l *Library) visible(docID string) bool {
	rec, ok := l.getRecord(docID)
	if !ok {
		return false
	}
	return rec.State == media.StateIndexed || rec.State == media.StateReingesting
}

func (l *Library) recordSearchMetrics(res *Result, start time.Time, cacheStatus string) {
	if l.metrics == nil {
		return
	}
	l.metrics.SearchLatency.WithLabelValues(cacheStatus).Observe(time.Since(start).Seconds())
	l.metrics.SearchResultsCount.Observe(float64(res.Count))
	if res.Count > 0 {
		l.observeSearch("hit")
	} else {
		l.observeSearch("zero_result")
	}
}

func (l *Library) observeSearch(resultType string) {
	if l.metrics != nil {
		l.metrics.SearchesTotal.WithLabelValues(resultType).Inc()
	}
}

// Get returns the record for a media path in any lifecycle state.
func (l *Library) Get(path string) (*media.Record, error) {
	rec, ok := l.getRecord(path)
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrRecordNotFound, http.StatusNotFound, "no record for %s", path)
	}
	return rec, nil
}

// ListAll returns every record ordered by path, pending ones included.
func (l *Library) ListAll() []*media.Record {
	l.mu.RLock()
	records := make([]*media.Record, 0, len(l.records))
	for _, rec := range l.records {
		records = append(records, rec)
	}
	l.mu.RUnlock()
	sort.Slice(records, func(i, j int) bool {
		return records[i].Path < records[j].Path
	})
	return records
}

// Stats is a point-in-time summary of the library and index.
type Stats struct {
	TotalRecords      int                 `json:"total_records"`
	TotalBytes        int64               `json:"total_bytes"`
	ByState           map[media.State]int `json:"by_state"`
	ByFormat          map[string]int      `json:"by_format"`
	IndexDocs         int                 `json:"index_docs"`
	IndexTerms        int                 `json:"index_terms"`
	AvgDocLength      float64             `json:"avg_doc_length"`
	TokenizerDegraded bool                `json:"tokenizer_degraded"`
	CacheHits         uint64              `json:"cache_hits"`
	CacheMisses       uint64              `json:"cache_misses"`
}

// Stats summarises record counts, index size, and cache effectiveness.
func (l *Library) Stats() Stats {
	st := Stats{
		ByState:           make(map[media.State]int),
		ByFormat:          make(map[string]int),
		IndexDocs:         l.ix.DocCount(),
		IndexTerms:        l.ix.TermCount(),
		AvgDocLength:      l.ix.AvgDocLength(),
		TokenizerDegraded: l.tok.Degraded(),
	}
	l.mu.RLock()
	for _, rec := range l.records {
		st.TotalRecords++
		st.TotalBytes += rec.FileSize
		st.ByState[rec.State]++
		if rec.Format != "" {
			st.ByFormat[rec.Format]++
		}
	}
	l.mu.RUnlock()
	if l.cache != nil {
		st.CacheHits, st.CacheMisses = l.cache.Stats()
	}
	return st
}

// CheckIntegrity verifies index invariants against the record set.
func (l *Library) CheckIntegrity() error {
	return l.ix.Verify(func(docID string) bool {
		_, ok := l.getRecord(docID)
		return ok
	})
}

// Rebuild drops the index and reconstructs it from persisted documents,
// without re-captioning or re-tokenising anything. Used after corruption
// detection.
func (l *Library) Rebuild(ctx context.Context) error {
	l.rebuildMu.Lock()
	defer l.rebuildMu.Unlock()

	l.logger.Warn("rebuilding index from store")
	l.ix.Reset()
	for _, rec := range l.ListAll() {
		if rec.State == media.StatePending {
			continue
		}
		doc, err := l.store.GetDocument(rec.Path)
		if err != nil {
			doc, err = l.norm.Normalize(rec)
			if err != nil {
				l.logger.Error("skipping unrecoverable record during rebuild", "path", rec.Path, "error", err)
				continue
			}
			if err := l.store.ApplyUpsert(rec, doc); err != nil {
				return fmt.Errorf("repairing document for %s: %w", rec.Path, err)
			}
		}
		l.ix.Upsert(doc)
	}
	if l.metrics != nil {
		l.metrics.IndexRebuildsTotal.Inc()
	}
	l.afterMutation(ctx)
	l.logger.Info("index rebuilt", "docs", l.ix.DocCount(), "terms", l.ix.TermCount())
	return nil
}

// Close releases the underlying store.
func (l *Library) Close() error {
	return l.store.Close()
}

func (l *Library) getRecord(path string) (*media.Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[path]
	return rec, ok
}

func (l *Library) setRecord(rec *media.Record) {
	l.mu.Lock()
	l.records[rec.Path] = rec
	l.mu.Unlock()
}

func (l *Library) dropRecord(path string) {
	l.mu.Lock()
	delete(l.records, path)
	l.mu.Unlock()
}

// identityLock returns the mutex serialising lifecycle transitions for one
// media path.
func (l *Library) identityLock(path string) *sync.Mutex {
	l.locksMu.Lock()
	defer l.locksMu.Unlock()
	m, ok := l.locks[path]
	if !ok {
		m = &sync.Mutex{}
		l.locks[path] = m
	}
	return m
}

// afterMutation runs after every committed change to the record set.
func (l *Library) afterMutation(ctx context.Context) {
	if l.cache != nil {
		l.cache.Invalidate(ctx)
	}
	l.syncGauges()
}

func (l *Library) syncGauges() {
	if l.metrics == nil {
		return
	}
	l.metrics.IndexDocs.Set(float64(l.ix.DocCount()))
	l.metrics.IndexTerms.Set(float64(l.ix.TermCount()))
}
