package userdb

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	id := uuid.New()
	if err := s.Save(id, Record{WireID: 7, Name: "alice"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	rec, err := s.Load(id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec.WireID != 7 || rec.Name != "alice" {
		t.Fatalf("expected the record to round trip, got %+v", rec)
	}
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	if _, err := s.Load(uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteAndAll(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	a, b := uuid.New(), uuid.New()
	_ = s.Save(a, Record{WireID: 1, Name: "a"})
	_ = s.Save(b, Record{WireID: 2, Name: "b"})

	all, err := s.All()
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 2 || all[a].WireID != 1 || all[b].WireID != 2 {
		t.Fatalf("expected both records, got %v", all)
	}

	if err := s.Delete(a); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Load(a); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected the record to be gone, got %v", err)
	}
	// Deleting an absent record is not an error.
	if err := s.Delete(a); err != nil {
		t.Fatalf("expected idempotent delete, got %v", err)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	id := uuid.New()
	if err := s.Save(id, Record{WireID: 3, Name: "carol"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer s.Close()
	rec, err := s.Load(id)
	if err != nil {
		t.Fatalf("load after reopen: %v", err)
	}
	if rec.Name != "carol" {
		t.Fatalf("expected the record to persist, got %+v", rec)
	}
}
