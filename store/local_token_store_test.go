package store

import (
	"path/filepath"
	"testing"
)

func TestLocalTokenStoreSaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token_metadata.db")

	s, err := OpenLocalTokenStore(path)
	if err != nil {
		t.Fatalf("OpenLocalTokenStore: %v", err)
	}
	defer s.Close()

	if _, _, ok, err := s.Load(); err != nil {
		t.Fatalf("Load on fresh store: %v", err)
	} else if ok {
		t.Fatalf("expected fresh store to have nothing saved")
	}

	if err := s.Save(7, []byte("ring-bytes")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	ts, payload, ok, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok {
		t.Fatalf("expected a saved mutation")
	}
	if ts != 7 || string(payload) != "ring-bytes" {
		t.Fatalf("unexpected loaded mutation: ts=%d payload=%q", ts, payload)
	}

	if err := s.Save(9, []byte("newer-bytes")); err != nil {
		t.Fatalf("Save overwrite: %v", err)
	}
	ts, payload, _, err = s.Load()
	if err != nil {
		t.Fatalf("Load after overwrite: %v", err)
	}
	if ts != 9 || string(payload) != "newer-bytes" {
		t.Fatalf("expected overwrite to replace prior value, got ts=%d payload=%q", ts, payload)
	}
}

func TestLocalTokenStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token_metadata.db")

	s, err := OpenLocalTokenStore(path)
	if err != nil {
		t.Fatalf("OpenLocalTokenStore: %v", err)
	}
	if err := s.Save(3, []byte("payload")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenLocalTokenStore(path)
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	defer reopened.Close()

	ts, payload, ok, err := reopened.Load()
	if err != nil {
		t.Fatalf("Load after reopen: %v", err)
	}
	if !ok || ts != 3 || string(payload) != "payload" {
		t.Fatalf("expected persisted state to survive reopen, got ts=%d payload=%q ok=%v", ts, payload, ok)
	}
}
