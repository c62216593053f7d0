package search

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	apperrors "github.com/pakfur/metascan/pkg/errors"
)

// Cursor is the opaque pagination token: the (score, identity) pair of the
// last returned result. A follow-up page excludes documents ranked at or
// above it, so continuation stays stable even while new documents are
// ingested between pages.
type Cursor struct {
	Score float64 `json:"s"`
	DocID string  `json:"d"`
}

// Encode serialises the cursor to an opaque URL-safe string.
func (c Cursor) Encode() string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor parses an encoded cursor. An empty string is a nil cursor.
func DecodeCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "malformed cursor")
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "malformed cursor")
	}
	return &c, nil
}
