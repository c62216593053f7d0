package index

// Posting links a token to one document, carrying the term frequency and the
// token's positions inside the document's phrase span sequence.
type Posting struct {
	DocID     string `json:"doc_id"`
	Frequency int    `json:"frequency"`
	Positions []int  `json:"positions"`
}

// PostingList is a posting slice ordered by document identity so multi-term
// merges are deterministic.
type PostingList []Posting

// TermEntry pairs a term with its full posting list, used for stats
// snapshots and benchmarks.
type TermEntry struct {
	Term     string
	Postings PostingList
}
