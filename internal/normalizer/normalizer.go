// Package normalizer converts raw media records into canonical
// token-weighted documents. Normalisation is deterministic and idempotent:
// the same record always yields a byte-identical document.
package normalizer

import (
	"net/http"
	"strings"

	"github.com/pakfur/metascan/internal/media"
	"github.com/pakfur/metascan/internal/tokenizer"
	apperrors "github.com/pakfur/metascan/pkg/errors"
)

// Normalizer builds Documents from Records using the shared tokenizer
// adapter, so indexed terms and query terms normalise identically.
type Normalizer struct {
	tok *tokenizer.Adapter
}

func New(tok *tokenizer.Adapter) *Normalizer {
	return &Normalizer{tok: tok}
}

// Normalize derives the searchable Document for a record. It fails only when
// the record's identity is missing; any other malformed input is coerced to
// an empty-text document so the file keeps its place in the library.
func (n *Normalizer) Normalize(rec *media.Record) (*media.Document, error) {
	if rec == nil || strings.TrimSpace(rec.Path) == "" {
		return nil, apperrors.New(apperrors.ErrNormalization, http.StatusBadRequest, "record identity is missing")
	}

	doc := &media.Document{
		ID:         rec.Path,
		Terms:      make(map[string]media.TermStats),
		ModifiedAt: rec.ModifiedAt,
	}

	// Text-bearing fields concatenate in a fixed order: caption, then
	// tags, then structured-attribute renderings. The negative caption
	// never feeds the document: it describes what the file is not, so a
	// query for one of its terms must not match the file.
	tokens := n.tok.Tokenize(rec.Caption)
	for _, tag := range rec.Tags {
		tokens = appendShifted(tokens, n.tok.Tokenize(tag))
	}
	for _, attr := range rec.Attributes {
		if rendered := attr.Render(); rendered != "" {
			tokens = appendShifted(tokens, n.tok.Tokenize(rendered))
		}
	}

	for _, t := range tokens {
		// Identical adjacent span entries collapse (repeated tags are
		// common), while frequencies still count every occurrence.
		spanPos := len(doc.Span)
		if spanPos > 0 && doc.Span[spanPos-1] == t.Term {
			spanPos--
		} else {
			doc.Span = append(doc.Span, t.Term)
		}
		if t.Stop {
			continue
		}
		stats := doc.Terms[t.Term]
		stats.Frequency++
		if len(stats.Positions) == 0 || stats.Positions[len(stats.Positions)-1] != spanPos {
			stats.Positions = append(stats.Positions, spanPos)
		}
		doc.Terms[t.Term] = stats
		doc.Length++
	}
	return doc, nil
}

// appendShifted concatenates token sequences, rebasing positions so they
// stay strictly ordered across field boundaries.
func appendShifted(dst []tokenizer.Token, src []tokenizer.Token) []tokenizer.Token {
	base := len(dst)
	for _, t := range src {
		t.Position = base + t.Position
		dst = append(dst, t)
	}
	return dst
}
