// Package tokenizer provides text tokenisation for the library's search
// pipeline. The primary path uses downloaded language data for stop-word
// flagging and applies a suffix-based stemmer; when language data is
// unavailable the adapter degrades to a rule-based fallback with a built-in
// stop-word set and no stemming. Tokenize never fails: tokenisation is
// best-effort enrichment, not a correctness-critical step.
package tokenizer

import (
	"log/slog"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// fallbackStopWords is the small built-in set used when language data is
// missing.
var fallbackStopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "by": {}, "for": {}, "from": {}, "has": {}, "he": {},
	"in": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {},
	"or": {}, "that": {}, "the": {}, "to": {}, "was": {}, "were": {},
	"will": {}, "with": {}, "this": {}, "but": {}, "they": {},
	"have": {}, "had": {}, "what": {}, "when": {}, "where": {},
	"who": {}, "which": {}, "their": {}, "if": {}, "each": {},
	"do": {}, "not": {}, "no": {}, "so": {}, "can": {},
}

// LanguageData is the slice of the language-data provider the adapter
// consumes. Availability is probed once per process lifetime and cached.
type LanguageData interface {
	IsAvailable() bool
	StopWords() (map[string]struct{}, error)
}

// Token is a single normalised term with its byte span in the original text
// and its position in the emitted sequence. Stop-words are flagged, not
// removed, so phrase spans stay exact.
type Token struct {
	Term     string
	Position int
	Start    int
	End      int
	Stop     bool
}

// Adapter tokenises annotation text and query text symmetrically.
type Adapter struct {
	data       LanguageData
	once       sync.Once
	stop       map[string]struct{}
	degraded   bool
	onFallback func()
	logger     *slog.Logger
}

// New creates an Adapter backed by the given language data. A nil provider
// forces the fallback path.
func New(data LanguageData) *Adapter {
	return &Adapter{
		data:   data,
		logger: slog.Default().With("component", "tokenizer"),
	}
}

// Degraded reports whether the adapter is running on the fallback path.
// Valid after the first Tokenize call.
func (a *Adapter) Degraded() bool {
	a.init()
	return a.degraded
}

// ObserveFallback registers fn to run once per Tokenize call served by the
// fallback path. Set it before the first Tokenize call.
func (a *Adapter) ObserveFallback(fn func()) {
	a.onFallback = fn
}

func (a *Adapter) noteFallback() {
	if a.onFallback != nil {
		a.onFallback()
	}
}

func (a *Adapter) init() {
	a.once.Do(func() {
		if a.data == nil || !a.data.IsAvailable() {
			a.stop = fallbackStopWords
			a.degraded = true
			a.logger.Warn("language data unavailable, using rule-based fallback tokenizer")
			return
		}
		stop, err := a.data.StopWords()
		if err != nil || len(stop) == 0 {
			a.stop = fallbackStopWords
			a.degraded = true
			a.logger.Warn("loading stop-words failed, using rule-based fallback tokenizer", "error", err)
			return
		}
		a.stop = stop
	})
}

// Tokenize breaks text into an ordered sequence of normalised tokens. It is
// a pure function of the input text and the cached availability flag, and it
// never returns an error: any internal failure degrades to the fallback
// splitter for that call.
func (a *Adapter) Tokenize(text string) []Token {
	a.init()
	if a.degraded {
		a.noteFallback()
		return a.scan(text, false)
	}
	tokens, ok := a.primary(text)
	if !ok {
		a.noteFallback()
		return a.scan(text, false)
	}
	return tokens
}

// primary runs the language-data path: sentence-split, word-split, stem.
// The ok result is false if the path panicked part-way.
func (a *Adapter) primary(text string) (tokens []Token, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warn("primary tokenizer path failed, falling back", "panic", r)
			tokens, ok = nil, false
		}
	}()
	var all []Token
	for _, sentence := range splitSentences(text) {
		words := a.scanRange(text, sentence.start, sentence.end, true, len(all))
		all = append(all, words...)
	}
	return all, true
}

type sentenceSpan struct {
	start, end int
}

// splitSentences cuts text at sentence terminators and newlines, returning
// byte ranges into the original string.
func splitSentences(text string) []sentenceSpan {
	var spans []sentenceSpan
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			if i > start {
				spans = append(spans, sentenceSpan{start: start, end: i})
			}
			start = i + len(string(r))
		}
	}
	if start < len(text) {
		spans = append(spans, sentenceSpan{start: start, end: len(text)})
	}
	return spans
}

// scan tokenises the whole text with the fallback rules.
func (a *Adapter) scan(text string, stem bool) []Token {
	return a.scanRange(text, 0, len(text), stem, 0)
}

// scanRange extracts alphanumeric word runs from text[start:end], normalises
// each, and flags stop-words. basePos is the position offset for the emitted
// tokens.
func (a *Adapter) scanRange(text string, start, end int, stem bool, basePos int) []Token {
	var tokens []Token
	pos := basePos
	wordStart := -1
	flush := func(from, to int) {
		if from < 0 || to <= from {
			return
		}
		word := text[from:to]
		term := normalizeTerm(word)
		if len(term) < 2 {
			return
		}
		_, isStop := a.stop[term]
		if !isStop && stem {
			term = stemTerm(term)
			if term == "" {
				return
			}
		}
		tokens = append(tokens, Token{
			Term:     term,
			Position: pos,
			Start:    from,
			End:      to,
			Stop:     isStop,
		})
		pos++
	}
	for i := start; i < end; {
		r, size := utf8.DecodeRuneInString(text[i:end])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if wordStart < 0 {
				wordStart = i
			}
		} else if wordStart >= 0 {
			flush(wordStart, i)
			wordStart = -1
		}
		i += size
	}
	if wordStart >= 0 {
		flush(wordStart, end)
	}
	return tokens
}

// normalizeTerm lower-cases a word and strips diacritic marks so token
// equality is case- and diacritic-insensitive.
func normalizeTerm(word string) string {
	lowered := strings.ToLower(word)
	folded, _, err := transform.String(transform.Chain(
		norm.NFD,
		runes.Remove(runes.In(unicode.Mn)),
		norm.NFC,
	), lowered)
	if err != nil {
		return lowered
	}
	return folded
}

// stemTerm applies a simple suffix-stripping stemmer.
func stemTerm(word string) string {
	suffixes := []struct {
		suffix      string
		replacement string
		minLen      int
	}{
		{"ational", "ate", 2},
		{"tional", "tion", 2},
		{"encies", "ence", 2},
		{"ances", "ance", 2},
		{"ments", "ment", 2},
		{"izing", "ize", 2},
		{"ating", "ate", 2},
		{"iness", "y", 2},
		{"ously", "ous", 2},
		{"ively", "ive", 2},
		{"eness", "ene", 2},
		{"tion", "t", 3},
		{"sion", "s", 3},
		{"ying", "y", 2},
		{"ling", "l", 3},
		{"ies", "y", 2},
		{"ing", "", 3},
		{"ers", "er", 2},
		{"est", "", 3},
		{"ful", "", 3},
		{"ous", "", 3},
		{"ess", "", 3},
		{"ble", "", 3},
		{"ed", "", 3},
		{"er", "", 3},
		{"ly", "", 3},
		{"es", "", 3},
		{"ss", "ss", 2},
		{"s", "", 3},
	}
	for _, rule := range suffixes {
		if strings.HasSuffix(word, rule.suffix) {
			stemmed := word[:len(word)-len(rule.suffix)] + rule.replacement
			if len(stemmed) >= rule.minLen {
				return stemmed
			}
		}
	}
	return word
}
