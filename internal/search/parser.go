// Package search implements query parsing, candidate generation, ranking,
// and cursor-based pagination over the inverted index.
package search

import (
	"strings"

	"github.com/pakfur/metascan/internal/tokenizer"
)

// Plan is the parsed, ephemeral form of a query string.
type Plan struct {
	// Terms are the normalised non-stop query tokens; all must match
	// (AND semantics).
	Terms []string
	// Phrases are quoted substrings as normalised token sequences with
	// stop-words kept, resolved against document phrase spans.
	Phrases [][]string
	Raw     string
}

// Empty reports whether the plan matches the whole library.
func (p *Plan) Empty() bool {
	return len(p.Terms) == 0 && len(p.Phrases) == 0
}

// Parse splits a query into term and phrase components using the same
// tokenizer adapter as ingestion, so a query term matches iff it normalises
// to the indexed form. Malformed input never fails: an unmatched quote is
// treated as plain text.
func Parse(query string, tok *tokenizer.Adapter) *Plan {
	plan := &Plan{Raw: query}
	if strings.TrimSpace(query) == "" {
		return plan
	}

	segments := strings.Split(query, `"`)
	balanced := len(segments)%2 == 1
	seen := make(map[string]struct{})
	for i, segment := range segments {
		quoted := balanced && i%2 == 1
		tokens := tok.Tokenize(segment)
		if quoted {
			phrase := make([]string, 0, len(tokens))
			for _, t := range tokens {
				phrase = append(phrase, t.Term)
			}
			if len(phrase) > 0 {
				plan.Phrases = append(plan.Phrases, phrase)
			}
			continue
		}
		for _, t := range tokens {
			if t.Stop {
				continue
			}
			if _, dup := seen[t.Term]; dup {
				continue
			}
			seen[t.Term] = struct{}{}
			plan.Terms = append(plan.Terms, t.Term)
		}
	}
	return plan
}
