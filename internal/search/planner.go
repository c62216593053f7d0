package search

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/pakfur/metascan/internal/index"
)

// tfSaturation controls how quickly repeated terms stop adding score, so a
// tag repeated twenty times does not dominate ranking.
const tfSaturation = 1.5

// phraseWeight is the fixed score contribution of each matched phrase.
const phraseWeight = 1.0

// Config carries the ranking weights.
type Config struct {
	RecencyWeight   float64
	RecencyHalfLife time.Duration
}

// DefaultConfig returns the standard ranking weights.
func DefaultConfig() Config {
	return Config{
		RecencyWeight:   0.25,
		RecencyHalfLife: 72 * time.Hour,
	}
}

// Hit is one ranked search result.
type Hit struct {
	DocID string  `json:"doc_id"`
	Score float64 `json:"score"`
}

// Planner retrieves candidate postings for a parsed plan, scores them, and
// pages through the ranked results.
type Planner struct {
	ix     *index.Inverted
	cfg    Config
	logger *slog.Logger
}

func NewPlanner(ix *index.Inverted, cfg Config) *Planner {
	if cfg.RecencyHalfLife <= 0 {
		cfg = DefaultConfig()
	}
	return &Planner{
		ix:     ix,
		cfg:    cfg,
		logger: slog.Default().With("component", "query-planner"),
	}
}

// Search executes the plan and returns one page of hits plus the cursor for
// the next page (nil when the results are exhausted). The visible callback
// filters out identities that must not appear as hits, such as pending
// records; nil means everything is visible. An empty plan returns the full
// library ordered by recency.
func (p *Planner) Search(plan *Plan, pageSize int, cursor *Cursor, now time.Time, visible func(docID string) bool) ([]Hit, *Cursor) {
	postingsPerTerm := make(map[string]index.PostingList, len(plan.Terms))
	for _, term := range plan.Terms {
		postingsPerTerm[term] = p.ix.PostingsFor(term)
	}

	candidates := p.candidates(plan, postingsPerTerm)

	hits := make([]Hit, 0, len(candidates))
	for docID := range candidates {
		if visible != nil && !visible(docID) {
			continue
		}
		hits = append(hits, Hit{
			DocID: docID,
			Score: p.score(plan, postingsPerTerm, docID, now),
		})
	}

	// Score descending, identity descending on ties. The tie direction
	// matches the cursor rule: equal-score documents with greater identity
	// have already been served.
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DocID > hits[j].DocID
	})

	if cursor != nil {
		kept := hits[:0]
		for _, h := range hits {
			if h.Score < cursor.Score || (h.Score == cursor.Score && h.DocID < cursor.DocID) {
				kept = append(kept, h)
			}
		}
		hits = kept
	}

	if pageSize <= 0 || len(hits) <= pageSize {
		return hits, nil
	}
	page := hits[:pageSize]
	last := page[len(page)-1]
	next := &Cursor{Score: last.Score, DocID: last.DocID}
	return page, next
}

// candidates produces the document identity set matching the plan.
func (p *Planner) candidates(plan *Plan, postingsPerTerm map[string]index.PostingList) map[string]struct{} {
	var candidates map[string]struct{}
	switch {
	case len(plan.Terms) > 0:
		candidates = intersect(postingsPerTerm, plan.Terms)
	default:
		// Phrase-only and empty queries start from the full library.
		candidates = make(map[string]struct{})
		for _, docID := range p.ix.Docs() {
			candidates[docID] = struct{}{}
		}
	}
	for _, phrase := range plan.Phrases {
		for docID := range candidates {
			if !p.ix.PhraseMatch(docID, phrase) {
				delete(candidates, docID)
			}
		}
	}
	return candidates
}

// intersect computes AND semantics across posting lists, starting from the
// shortest list.
func intersect(postingsPerTerm map[string]index.PostingList, terms []string) map[string]struct{} {
	shortest := terms[0]
	for _, term := range terms[1:] {
		if len(postingsPerTerm[term]) < len(postingsPerTerm[shortest]) {
			shortest = term
		}
	}
	candidates := make(map[string]struct{}, len(postingsPerTerm[shortest]))
	for _, posting := range postingsPerTerm[shortest] {
		candidates[posting.DocID] = struct{}{}
	}
	for _, term := range terms {
		if term == shortest {
			continue
		}
		docSet := make(map[string]struct{}, len(postingsPerTerm[term]))
		for _, posting := range postingsPerTerm[term] {
			docSet[posting.DocID] = struct{}{}
		}
		for docID := range candidates {
			if _, ok := docSet[docID]; !ok {
				delete(candidates, docID)
			}
		}
	}
	return candidates
}

// score combines saturating term frequency, phrase bonuses, and a recency
// boost. Rounded to four decimals so pagination cursors compare stably.
func (p *Planner) score(plan *Plan, postingsPerTerm map[string]index.PostingList, docID string, now time.Time) float64 {
	var score float64
	for _, term := range plan.Terms {
		for _, posting := range postingsPerTerm[term] {
			if posting.DocID == docID {
				tf := float64(posting.Frequency)
				score += tf / (tf + tfSaturation)
				break
			}
		}
	}
	score += phraseWeight * float64(len(plan.Phrases))
	if modified, ok := p.ix.Modified(docID); ok {
		age := now.Sub(modified)
		if age < 0 {
			age = 0
		}
		halfLives := float64(age) / float64(p.cfg.RecencyHalfLife)
		score += p.cfg.RecencyWeight * math.Exp2(-halfLives)
	}
	return math.Round(score*10000) / 10000
}
