// Package media defines the canonical stored representation of one media
// file (Record) and its derived searchable form (Document).
package media

import (
	"fmt"
	"time"
)

// State tracks where a record is in its ingest lifecycle.
type State string

const (
	// StateAbsent means the file is not part of the library.
	StateAbsent State = "absent"
	// StatePending means the external captioner is still producing text.
	// Pending records are visible in library listings but never appear as
	// search hits.
	StatePending State = "pending"
	// StateIndexed means the record's document is live in the index.
	StateIndexed State = "indexed"
	// StateReingesting means a regenerated caption is being applied.
	StateReingesting State = "reingesting"
)

// Record is the authoritative representation of one media file and its raw
// annotations. Identity is the file path. Owned exclusively by the library
// coordinator.
type Record struct {
	Path            string      `json:"path"`
	ContentHash     string      `json:"content_hash,omitempty"`
	FileSize        int64       `json:"file_size"`
	Format          string      `json:"format"`
	Caption         string      `json:"caption"`
	NegativeCaption string      `json:"negative_caption,omitempty"`
	Tags            []string    `json:"tags,omitempty"`
	Attributes      []Attribute `json:"attributes,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	ModifiedAt      time.Time   `json:"modified_at"`
	State           State       `json:"state"`
}

// Attribute is a tagged variant: exactly one of the pointer fields is set.
type Attribute struct {
	Dimensions *Dimensions `json:"dimensions,omitempty"`
	Duration   *Duration   `json:"duration,omitempty"`
	Generator  *Generator  `json:"generator,omitempty"`
}

// Dimensions holds pixel width and height for images and video frames.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Duration holds the playback length of a video or animation.
type Duration struct {
	Seconds float64 `json:"seconds"`
}

// Generator holds AI generation parameters recovered from embedded metadata.
type Generator struct {
	Model    string  `json:"model,omitempty"`
	Sampler  string  `json:"sampler,omitempty"`
	Steps    int     `json:"steps,omitempty"`
	CFGScale float64 `json:"cfg_scale,omitempty"`
	Seed     int64   `json:"seed,omitempty"`
}

// Render produces the deterministic text form of the attribute that feeds
// the normalizer. Rendering must be stable: the same attribute always
// renders to the same bytes.
func (a Attribute) Render() string {
	switch {
	case a.Dimensions != nil:
		return fmt.Sprintf("%dx%d", a.Dimensions.Width, a.Dimensions.Height)
	case a.Duration != nil:
		return fmt.Sprintf("%.1fs", a.Duration.Seconds)
	case a.Generator != nil:
		g := a.Generator
		out := ""
		if g.Model != "" {
			out += g.Model
		}
		if g.Sampler != "" {
			if out != "" {
				out += " "
			}
			out += g.Sampler
		}
		return out
	default:
		return ""
	}
}

// TermStats holds the postings-side statistics for one distinct token.
// Positions refer to offsets in the document's phrase span sequence.
type TermStats struct {
	Frequency int   `json:"f"`
	Positions []int `json:"p"`
}

// Document is the immutable-once-built searchable form of a Record. It is
// replaced wholesale when the record's text changes, never mutated in place.
type Document struct {
	ID string `json:"id"`
	// Terms maps each distinct non-stop token to its statistics.
	Terms map[string]TermStats `json:"terms"`
	// Span is the full ordered token sequence, stop-words included, used
	// to answer exact phrase queries.
	Span []string `json:"span"`
	// Length is the number of non-stop token occurrences.
	Length     int       `json:"length"`
	ModifiedAt time.Time `json:"modified_at"`
}
