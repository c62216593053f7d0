// Package index implements the in-memory inverted index mapping tokens to
// posting lists. The index is a pure projection of the set of live
// documents: it supports incremental upsert and remove, and can always be
// rebuilt by replaying persisted records.
package index

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/pakfur/metascan/internal/media"
	apperrors "github.com/pakfur/metascan/pkg/errors"
)

type docEntry struct {
	terms    []string
	span     []string
	length   int
	modified time.Time
}

// Inverted is the concurrent inverted index. A single write lock makes each
// upsert atomic with respect to readers: the new posting set is built off to
// the side and applied under the lock as the final step, so a search in
// progress sees either the old document's postings or the new ones, never a
// mix.
type Inverted struct {
	mu          sync.RWMutex
	postings    map[string]map[string]*Posting
	docs        map[string]*docEntry
	totalLength int64
}

func New() *Inverted {
	return &Inverted{
		postings: make(map[string]map[string]*Posting),
		docs:     make(map[string]*docEntry),
	}
}

// Upsert removes any existing postings for the document identity, then
// inserts postings for every distinct token in the new document.
func (ix *Inverted) Upsert(doc *media.Document) {
	// Build the replacement posting set before taking the write lock.
	fresh := make(map[string]*Posting, len(doc.Terms))
	terms := make([]string, 0, len(doc.Terms))
	for term, stats := range doc.Terms {
		positions := make([]int, len(stats.Positions))
		copy(positions, stats.Positions)
		fresh[term] = &Posting{
			DocID:     doc.ID,
			Frequency: stats.Frequency,
			Positions: positions,
		}
		terms = append(terms, term)
	}
	sort.Strings(terms)
	span := make([]string, len(doc.Span))
	copy(span, doc.Span)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(doc.ID)
	for term, posting := range fresh {
		bucket, ok := ix.postings[term]
		if !ok {
			bucket = make(map[string]*Posting)
			ix.postings[term] = bucket
		}
		bucket[doc.ID] = posting
	}
	ix.docs[doc.ID] = &docEntry{
		terms:    terms,
		span:     span,
		length:   doc.Length,
		modified: doc.ModifiedAt,
	}
	ix.totalLength += int64(doc.Length)
}

// Remove deletes all postings for the document identity. Removing an absent
// document is a no-op.
func (ix *Inverted) Remove(docID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(docID)
}

func (ix *Inverted) removeLocked(docID string) {
	entry, ok := ix.docs[docID]
	if !ok {
		return
	}
	for _, term := range entry.terms {
		bucket := ix.postings[term]
		delete(bucket, docID)
		if len(bucket) == 0 {
			delete(ix.postings, term)
		}
	}
	ix.totalLength -= int64(entry.length)
	delete(ix.docs, docID)
}

// PostingsFor returns the posting list for a token ordered by document
// identity. Unknown tokens yield an empty list, not an error.
func (ix *Inverted) PostingsFor(token string) PostingList {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	bucket, ok := ix.postings[token]
	if !ok {
		return PostingList{}
	}
	result := make(PostingList, 0, len(bucket))
	for _, posting := range bucket {
		result = append(result, *posting)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DocID < result[j].DocID
	})
	return result
}

// PhraseMatch reports whether the phrase tokens appear consecutively in the
// document's span sequence. An empty phrase never matches.
func (ix *Inverted) PhraseMatch(docID string, phrase []string) bool {
	if len(phrase) == 0 {
		return false
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	entry, ok := ix.docs[docID]
	if !ok {
		return false
	}
	span := entry.span
	for i := 0; i+len(phrase) <= len(span); i++ {
		matched := true
		for j, want := range phrase {
			if span[i+j] != want {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

// HasDoc reports whether the document is live in the index.
func (ix *Inverted) HasDoc(docID string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.docs[docID]
	return ok
}

// Docs returns all live document identities in ascending order.
func (ix *Inverted) Docs() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	ids := make([]string, 0, len(ix.docs))
	for id := range ix.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Modified returns the document's last-modified timestamp.
func (ix *Inverted) Modified(docID string) (time.Time, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	entry, ok := ix.docs[docID]
	if !ok {
		return time.Time{}, false
	}
	return entry.modified, true
}

// DocLength returns the number of non-stop token occurrences in the document.
func (ix *Inverted) DocLength(docID string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	entry, ok := ix.docs[docID]
	if !ok {
		return 0
	}
	return entry.length
}

// DocCount returns the number of live documents.
func (ix *Inverted) DocCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// TermCount returns the number of distinct indexed terms.
func (ix *Inverted) TermCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.postings)
}

// AvgDocLength returns the mean non-stop token count across live documents.
func (ix *Inverted) AvgDocLength() float64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if len(ix.docs) == 0 {
		return 0
	}
	return float64(ix.totalLength) / float64(len(ix.docs))
}

// Snapshot returns all term entries sorted by term, postings sorted by
// document identity.
func (ix *Inverted) Snapshot() []TermEntry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	entries := make([]TermEntry, 0, len(ix.postings))
	for term, bucket := range ix.postings {
		postings := make(PostingList, 0, len(bucket))
		for _, posting := range bucket {
			postings = append(postings, *posting)
		}
		sort.Slice(postings, func(i, j int) bool {
			return postings[i].DocID < postings[j].DocID
		})
		entries = append(entries, TermEntry{Term: term, Postings: postings})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Term < entries[j].Term
	})
	return entries
}

// Verify checks index invariants against the authoritative set of live
// identities: every posting must reference a live document, and every
// document's posting count must equal its distinct term count. A violation
// is reported as ErrIndexCorruption and the caller is expected to rebuild.
func (ix *Inverted) Verify(live func(docID string) bool) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	counts := make(map[string]int, len(ix.docs))
	for term, bucket := range ix.postings {
		for docID := range bucket {
			if _, ok := ix.docs[docID]; !ok {
				return apperrors.Newf(apperrors.ErrIndexCorruption, http.StatusInternalServerError,
					"term %q references unknown document %q", term, docID)
			}
			if live != nil && !live(docID) {
				return apperrors.Newf(apperrors.ErrIndexCorruption, http.StatusInternalServerError,
					"term %q references dead identity %q", term, docID)
			}
			counts[docID]++
		}
	}
	for docID, entry := range ix.docs {
		if counts[docID] != len(entry.terms) {
			return apperrors.Newf(apperrors.ErrIndexCorruption, http.StatusInternalServerError,
				"document %q has %d postings, expected %d", docID, counts[docID], len(entry.terms))
		}
	}
	return nil
}

// Reset drops all postings and documents.
func (ix *Inverted) Reset() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.postings = make(map[string]map[string]*Posting)
	ix.docs = make(map[string]*docEntry)
	ix.totalLength = 0
}
