package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// JSONLStore appends one JSON entry per line.
type JSONLStore struct {
	path string
	mu   sync.Mutex
}

func NewJSONLStore(path string) (*JSONLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create audit log: %w", err)
	}
	_ = f.Close()
	return &JSONLStore{path: path}, nil
}

func (l *JSONLStore) Path() string { return l.path }

func (l *JSONLStore) Log(_ context.Context, entry *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prepare(entry)

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(entry); err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

func (l *JSONLStore) List(_ context.Context, q Query) ([]Entry, error) {
	l.mu.Lock()
	entries, err := ParseFile(l.path)
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return filterEntries(entries, q), nil
}

func (l *JSONLStore) Get(_ context.Context, id string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		found Entry
		ok    bool
	)
	err := Walk(l.path, func(e Entry) bool {
		if e.ID == id {
			found, ok = e, true
		}
		return !ok
	})
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return found, nil
}

// Purge rewrites the log without entries older than before.
func (l *JSONLStore) Purge(_ context.Context, before time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := ParseFile(l.path)
	if err != nil {
		return 0, err
	}
	kept := entries[:0]
	for _, e := range entries {
		if !e.Timestamp.Before(before) {
			kept = append(kept, e)
		}
	}
	removed := len(entries) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".audit-*.jsonl")
	if err != nil {
		return 0, fmt.Errorf("create temp audit log: %w", err)
	}
	enc := json.NewEncoder(tmp)
	for i := range kept {
		if err := enc.Encode(&kept[i]); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return 0, fmt.Errorf("write audit log: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("close temp audit log: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("replace audit log: %w", err)
	}
	return removed, nil
}

func (l *JSONLStore) Close() error { return nil }
