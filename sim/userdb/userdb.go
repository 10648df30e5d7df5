// Package userdb implements a persistent user identity store backed by
// LevelDB. A server host uses it to hand reconnecting users the same wire ID
// and display name they had before.
package userdb

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/df-mc/goleveldb/leveldb"
	"github.com/google/uuid"
)

// ErrNotFound is returned when no record exists for a session UUID.
var ErrNotFound = errors.New("userdb: user not found")

// Record holds the persisted identity of one user.
type Record struct {
	WireID uint32 `json:"wire_id"`
	Name   string `json:"name"`
}

// Store is a LevelDB-backed user registry keyed by session UUID.
type Store struct {
	db *leveldb.DB
}

// Open opens or creates the store in the directory passed.
func Open(dir string) (*Store, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open user store: %w", err)
	}
	return &Store{db: db}, nil
}

// Load returns the record stored for the session UUID passed, or ErrNotFound
// if the user was never saved.
func (s *Store) Load(id uuid.UUID) (Record, error) {
	data, err := s.db.Get(id[:], nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("load user %v: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode user %v: %w", id, err)
	}
	return rec, nil
}

// Save writes the record for the session UUID passed, replacing any previous
// record.
func (s *Store) Save(id uuid.UUID, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode user %v: %w", id, err)
	}
	if err := s.db.Put(id[:], data, nil); err != nil {
		return fmt.Errorf("save user %v: %w", id, err)
	}
	return nil
}

// Delete removes the record for the session UUID passed. Deleting an absent
// record is not an error.
func (s *Store) Delete(id uuid.UUID) error {
	if err := s.db.Delete(id[:], nil); err != nil {
		return fmt.Errorf("delete user %v: %w", id, err)
	}
	return nil
}

// All returns every record in the store, keyed by session UUID.
func (s *Store) All() (map[uuid.UUID]Record, error) {
	out := make(map[uuid.UUID]Record)
	it := s.db.NewIterator(nil, nil)
	defer it.Release()
	for it.Next() {
		key := it.Key()
		if len(key) != 16 {
			continue
		}
		var id uuid.UUID
		copy(id[:], key)
		var rec Record
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode user %v: %w", id, err)
		}
		out[id] = rec
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("iterate user store: %w", err)
	}
	return out, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
