package search

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/pakfur/metascan/internal/index"
	"github.com/pakfur/metascan/internal/media"
)

var fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func buildDoc(id string, modified time.Time, words ...string) *media.Document {
	d := &media.Document{
		ID:         id,
		Terms:      make(map[string]media.TermStats),
		ModifiedAt: modified,
	}
	for i, w := range words {
		d.Span = append(d.Span, w)
		stats := d.Terms[w]
		stats.Frequency++
		stats.Positions = append(stats.Positions, i)
		d.Terms[w] = stats
		d.Length++
	}
	return d
}

func fixtureIndex() *index.Inverted {
	ix := index.New()
	ix.Upsert(buildDoc("/a", fixedNow, "red", "car", "on", "road"))
	ix.Upsert(buildDoc("/b", fixedNow, "blue", "car"))
	ix.Upsert(buildDoc("/c", fixedNow, "road", "trip"))
	return ix
}

func ids(hits []Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.DocID
	}
	return out
}

func TestTermsIntersect(t *testing.T) {
	p := NewPlanner(fixtureIndex(), DefaultConfig())

	hits, next := p.Search(&Plan{Terms: []string{"car"}}, 10, nil, fixedNow, nil)
	if len(hits) != 2 || next != nil {
		t.Fatalf("car: hits=%v next=%v", ids(hits), next)
	}

	hits, _ = p.Search(&Plan{Terms: []string{"car", "road"}}, 10, nil, fixedNow, nil)
	if len(hits) != 1 || hits[0].DocID != "/a" {
		t.Errorf("car AND road: hits=%v, want [/a]", ids(hits))
	}

	hits, _ = p.Search(&Plan{Terms: []string{"car", "trip"}}, 10, nil, fixedNow, nil)
	if len(hits) != 0 {
		t.Errorf("car AND trip: hits=%v, want none", ids(hits))
	}
}

func TestPhraseFiltersCandidates(t *testing.T) {
	p := NewPlanner(fixtureIndex(), DefaultConfig())

	hits, _ := p.Search(&Plan{Phrases: [][]string{{"red", "car"}}}, 10, nil, fixedNow, nil)
	if len(hits) != 1 || hits[0].DocID != "/a" {
		t.Errorf("phrase [red car]: hits=%v, want [/a]", ids(hits))
	}

	// Same tokens, wrong order: not a consecutive run in any span.
	hits, _ = p.Search(&Plan{Phrases: [][]string{{"car", "red"}}}, 10, nil, fixedNow, nil)
	if len(hits) != 0 {
		t.Errorf("phrase [car red]: hits=%v, want none", ids(hits))
	}
}

func TestEmptyPlanOrdersByRecency(t *testing.T) {
	ix := index.New()
	ix.Upsert(buildDoc("/old", fixedNow.Add(-96*time.Hour), "cat"))
	ix.Upsert(buildDoc("/mid", fixedNow.Add(-24*time.Hour), "dog"))
	ix.Upsert(buildDoc("/new", fixedNow, "bird"))
	p := NewPlanner(ix, DefaultConfig())

	hits, _ := p.Search(&Plan{}, 10, nil, fixedNow, nil)
	want := []string{"/new", "/mid", "/old"}
	got := ids(hits)
	if len(got) != 3 {
		t.Fatalf("hits = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("recency order = %v, want %v", got, want)
		}
	}
}

func TestEqualScoresBreakTiesByIdentityDescending(t *testing.T) {
	ix := index.New()
	ix.Upsert(buildDoc("/a", fixedNow, "cat"))
	ix.Upsert(buildDoc("/b", fixedNow, "cat"))
	p := NewPlanner(ix, DefaultConfig())

	hits, _ := p.Search(&Plan{Terms: []string{"cat"}}, 10, nil, fixedNow, nil)
	if len(hits) != 2 || hits[0].DocID != "/b" || hits[1].DocID != "/a" {
		t.Errorf("tie order = %v, want [/b /a]", ids(hits))
	}
	if hits[0].Score != hits[1].Score {
		t.Errorf("scores differ: %v vs %v", hits[0].Score, hits[1].Score)
	}
}

func TestVisibleFilterHidesDocuments(t *testing.T) {
	p := NewPlanner(fixtureIndex(), DefaultConfig())
	visible := func(docID string) bool { return docID != "/b" }

	hits, _ := p.Search(&Plan{Terms: []string{"car"}}, 10, nil, fixedNow, visible)
	if len(hits) != 1 || hits[0].DocID != "/a" {
		t.Errorf("hits = %v, want [/a]", ids(hits))
	}
}

// Paging through equal-scored documents must visit every document exactly
// once, even though the cursor carries only (score, identity).
func TestPaginationIsCompleteAndDuplicateFree(t *testing.T) {
	ix := index.New()
	for i := 0; i < 10; i++ {
		ix.Upsert(buildDoc(fmt.Sprintf("/doc-%02d", i), fixedNow, "sunset"))
	}
	p := NewPlanner(ix, DefaultConfig())
	plan := &Plan{Terms: []string{"sunset"}}

	seen := make(map[string]int)
	var cursor *Cursor
	pages := 0
	for {
		hits, next := p.Search(plan, 3, cursor, fixedNow, nil)
		pages++
		for _, h := range hits {
			seen[h.DocID]++
		}
		if next == nil {
			break
		}
		// Cursors survive the encode/decode round trip between pages.
		decoded, err := DecodeCursor(next.Encode())
		if err != nil {
			t.Fatalf("cursor round trip: %v", err)
		}
		cursor = decoded
		if pages > 10 {
			t.Fatal("pagination did not terminate")
		}
	}

	if pages != 4 {
		t.Errorf("pages = %d, want 4 (3+3+3+1)", pages)
	}
	if len(seen) != 10 {
		t.Errorf("saw %d distinct documents, want 10", len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("document %s served %d times", id, count)
		}
	}
}

func TestScoresRoundToFourDecimals(t *testing.T) {
	p := NewPlanner(fixtureIndex(), DefaultConfig())
	hits, _ := p.Search(&Plan{Terms: []string{"car"}}, 10, nil, fixedNow.Add(37*time.Minute), nil)
	for _, h := range hits {
		scaled := h.Score * 10000
		if math.Abs(scaled-math.Round(scaled)) > 1e-6 {
			t.Errorf("score %v has more than four decimals", h.Score)
		}
	}
}

func TestSearchIsDeterministic(t *testing.T) {
	p := NewPlanner(fixtureIndex(), DefaultConfig())
	plan := &Plan{Terms: []string{"car"}}
	first, _ := p.Search(plan, 10, nil, fixedNow, nil)
	for i := 0; i < 5; i++ {
		again, _ := p.Search(plan, 10, nil, fixedNow, nil)
		if len(again) != len(first) {
			t.Fatalf("run %d returned %d hits, want %d", i, len(again), len(first))
		}
		for j := range first {
			if again[j] != first[j] {
				t.Fatalf("run %d differs at position %d: %+v != %+v", i, j, again[j], first[j])
			}
		}
	}
}
