// Package store persists media records and their derived documents in a
// LevelDB keyspace. Records and documents live under separate key prefixes
// so a record-plus-document mutation commits in one atomic batch, and the
// persisted documents let the index be restored on startup without
// re-tokenising the whole library.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/pakfur/metascan/internal/media"
	apperrors "github.com/pakfur/metascan/pkg/errors"
)

const (
	recordPrefix   = "r:"
	documentPrefix = "d:"
)

// Store is the durable key-value mapping from media identity to record and
// document.
type Store struct {
	db     *leveldb.DB
	logger *slog.Logger
}

// Open opens (or creates) the store under dir.
func Open(dir string) (*Store, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("opening store at %s: %w", dir, err)
	}
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "store"),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func recordKey(path string) []byte {
	return []byte(recordPrefix + path)
}

func documentKey(id string) []byte {
	return []byte(documentPrefix + id)
}

// ApplyUpsert writes a record and its document in one atomic batch.
func (s *Store) ApplyUpsert(rec *media.Record, doc *media.Document) error {
	recData, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", rec.Path, err)
	}
	docData, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding document %s: %w", doc.ID, err)
	}
	batch := new(leveldb.Batch)
	batch.Put(recordKey(rec.Path), recData)
	batch.Put(documentKey(doc.ID), docData)
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("writing upsert batch for %s: %w", rec.Path, err)
	}
	return nil
}

// ApplyDelete removes a record and its document in one atomic batch.
func (s *Store) ApplyDelete(path string) error {
	batch := new(leveldb.Batch)
	batch.Delete(recordKey(path))
	batch.Delete(documentKey(path))
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("writing delete batch for %s: %w", path, err)
	}
	return nil
}

// GetRecord returns the record stored under the given identity.
func (s *Store) GetRecord(path string) (*media.Record, error) {
	data, err := s.db.Get(recordKey(path), nil)
	if err == leveldb.ErrNotFound {
		return nil, apperrors.Newf(apperrors.ErrRecordNotFound, http.StatusNotFound, "no record for %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading record %s: %w", path, err)
	}
	var rec media.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", path, err)
	}
	return &rec, nil
}

// GetDocument returns the persisted document for the given identity.
func (s *Store) GetDocument(id string) (*media.Document, error) {
	data, err := s.db.Get(documentKey(id), nil)
	if err == leveldb.ErrNotFound {
		return nil, apperrors.Newf(apperrors.ErrRecordNotFound, http.StatusNotFound, "no document for %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading document %s: %w", id, err)
	}
	var doc media.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding document %s: %w", id, err)
	}
	return &doc, nil
}

// AllRecords returns every stored record. Undecodable entries are logged and
// skipped rather than failing the whole scan.
func (s *Store) AllRecords() ([]*media.Record, error) {
	var records []*media.Record
	iter := s.db.NewIterator(util.BytesPrefix([]byte(recordPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		var rec media.Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			s.logger.Error("skipping undecodable record", "key", string(iter.Key()), "error", err)
			continue
		}
		records = append(records, &rec)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scanning records: %w", err)
	}
	return records, nil
}
