package library

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pakfur/metascan/internal/media"
	apperrors "github.com/pakfur/metascan/pkg/errors"
)

// Ingest runs the full pipeline for one media file: caption, normalise,
// persist, index. The record is pending (listed but not searchable) while the
// captioner runs; any failure before commit leaves the library exactly as it
// was.
func (l *Library) Ingest(ctx context.Context, path string) (*media.Record, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		l.observeIngest("normalization_error")
		return nil, apperrors.New(apperrors.ErrNormalization, http.StatusBadRequest, "media path is empty")
	}
	lock := l.identityLock(path)
	lock.Lock()
	defer lock.Unlock()

	if prior, ok := l.getRecord(path); ok {
		if prior.State == media.StatePending {
			return nil, apperrors.Newf(apperrors.ErrRecordPending, http.StatusConflict,
				"record %s is still being ingested", path)
		}
		// The library already owns this path, and its postings must keep a
		// live owner. Re-running the pipeline takes the reingest path: the
		// prior document serves searches until the new one commits and is
		// restored if anything fails.
		return l.recaption(ctx, path, prior)
	}

	info, err := os.Stat(path)
	if err != nil {
		l.observeIngest("caption_error")
		return nil, apperrors.Newf(apperrors.ErrCaption, http.StatusUnprocessableEntity,
			"media file unreadable: %v", err)
	}

	pending := &media.Record{
		Path:       path,
		FileSize:   info.Size(),
		Format:     format(path),
		CreatedAt:  info.ModTime(),
		ModifiedAt: l.now(),
		State:      media.StatePending,
	}
	l.setRecord(pending)

	caption, err := l.caption(ctx, path)
	if err != nil {
		// Revert to absent. A pending record that never captioned leaves
		// no trace in the store or index.
		l.dropRecord(path)
		l.observeIngest(ingestOutcome(ctx))
		return nil, err
	}

	rec := l.finalize(pending, caption)
	return l.commit(ctx, rec, nil)
}

// Reingest regenerates the caption for an already-ingested file and replaces
// its document. The prior document keeps serving searches until the new one
// commits; a failed reingest leaves the prior state untouched.
func (l *Library) Reingest(ctx context.Context, path string) (*media.Record, error) {
	lock := l.identityLock(path)
	lock.Lock()
	defer lock.Unlock()

	prior, ok := l.getRecord(path)
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrRecordNotFound, http.StatusNotFound, "no record for %s", path)
	}
	if prior.State == media.StatePending {
		return nil, apperrors.Newf(apperrors.ErrRecordPending, http.StatusConflict,
			"record %s is still being ingested", path)
	}
	return l.recaption(ctx, path, prior)
}

// recaption re-runs the caption pipeline for a path the library already owns.
// The caller holds the identity lock for path.
func (l *Library) recaption(ctx context.Context, path string, prior *media.Record) (*media.Record, error) {
	info, err := os.Stat(path)
	if err != nil {
		l.observeIngest("caption_error")
		return nil, apperrors.Newf(apperrors.ErrCaption, http.StatusUnprocessableEntity,
			"media file unreadable: %v", err)
	}

	marked := *prior
	marked.State = media.StateReingesting
	l.setRecord(&marked)

	caption, err := l.caption(ctx, path)
	if err != nil {
		l.setRecord(prior)
		l.observeIngest(ingestOutcome(ctx))
		return nil, err
	}

	fresh := &media.Record{
		Path:       path,
		FileSize:   info.Size(),
		Format:     format(path),
		CreatedAt:  prior.CreatedAt,
		ModifiedAt: l.now(),
		State:      media.StatePending,
	}
	rec := l.finalize(fresh, caption)
	return l.commit(ctx, rec, prior)
}

// finalize applies the caption, sidecar metadata, and content hash to a
// pending record and marks it indexed.
func (l *Library) finalize(pending *media.Record, caption string) *media.Record {
	rec := *pending
	rec.Caption = caption
	loadSidecar(rec.Path).apply(&rec)
	if hash, err := hashFile(rec.Path); err == nil {
		rec.ContentHash = hash
	} else {
		l.logger.Warn("content hash skipped", "path", rec.Path, "error", err)
	}
	rec.State = media.StateIndexed
	return &rec
}

// commit normalises, persists, and indexes the record. On failure the library
// reverts to restore (the prior record for a reingest, absent for an ingest).
func (l *Library) commit(ctx context.Context, rec *media.Record, restore *media.Record) (*media.Record, error) {
	revert := func() {
		if restore != nil {
			l.setRecord(restore)
		} else {
			l.dropRecord(rec.Path)
		}
	}

	doc, err := l.norm.Normalize(rec)
	if err != nil {
		revert()
		l.observeIngest("normalization_error")
		return nil, err
	}
	if err := l.store.ApplyUpsert(rec, doc); err != nil {
		revert()
		l.observeIngest("store_error")
		return nil, apperrors.Newf(apperrors.ErrInternal, http.StatusInternalServerError,
			"persisting %s: %v", rec.Path, err)
	}
	l.ix.Upsert(doc)
	l.setRecord(rec)
	l.afterMutation(ctx)

	l.observeIngest("indexed")
	if l.metrics != nil {
		l.metrics.DocsIndexedTotal.Inc()
	}
	l.logger.Info("media indexed", "path", rec.Path, "terms", len(doc.Terms), "caption_length", len(rec.Caption))
	return rec, nil
}

// Delete removes a record, its document, and its postings.
func (l *Library) Delete(ctx context.Context, path string) error {
	lock := l.identityLock(path)
	lock.Lock()
	defer lock.Unlock()

	if _, ok := l.getRecord(path); !ok {
		return apperrors.Newf(apperrors.ErrRecordNotFound, http.StatusNotFound, "no record for %s", path)
	}
	if err := l.store.ApplyDelete(path); err != nil {
		return apperrors.Newf(apperrors.ErrInternal, http.StatusInternalServerError,
			"deleting %s: %v", path, err)
	}
	l.ix.Remove(path)
	l.dropRecord(path)
	l.afterMutation(ctx)
	l.logger.Info("media removed", "path", path)
	return nil
}

// BatchItem is the per-file outcome of a batch ingest.
type BatchItem struct {
	Path  string      `json:"path"`
	State media.State `json:"state"`
	Error string      `json:"error,omitempty"`
}

// IngestBatch ingests many files concurrently. One file's failure never
// aborts the batch; each item reports its own outcome.
func (l *Library) IngestBatch(ctx context.Context, paths []string) []BatchItem {
	results := make([]BatchItem, len(paths))
	var g errgroup.Group
	g.SetLimit(l.maxIngests * 2)
	for i, path := range paths {
		g.Go(func() error {
			rec, err := l.Ingest(ctx, path)
			if err != nil {
				results[i] = BatchItem{Path: path, State: media.StateAbsent, Error: err.Error()}
				return nil
			}
			results[i] = BatchItem{Path: rec.Path, State: rec.State}
			return nil
		})
	}
	g.Wait()
	return results
}

// caption calls the external captioner under the global concurrency limit.
func (l *Library) caption(ctx context.Context, path string) (string, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer l.sem.Release(1)

	start := time.Now()
	text, err := l.cap.Caption(ctx, path)
	if err == nil && l.metrics != nil {
		l.metrics.CaptionLatency.Observe(time.Since(start).Seconds())
	}
	return text, err
}

func (l *Library) observeIngest(outcome string) {
	if l.metrics != nil {
		l.metrics.IngestsTotal.WithLabelValues(outcome).Inc()
	}
}

// ingestOutcome distinguishes caller cancellation from captioner failure.
func ingestOutcome(ctx context.Context) string {
	if ctx.Err() != nil {
		return "cancelled"
	}
	return "caption_error"
}

func format(path string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
