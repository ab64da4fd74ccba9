package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secureflow/internal/config"
	"secureflow/internal/detect"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	stores := map[string]Store{}
	for _, driver := range []string{"jsonl", "sqlite"} {
		s, err := Open(config.AuditConfig{Driver: driver, Path: filepath.Join(dir, "audit."+driver)})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		stores[driver] = s
	}
	return stores
}

func TestStore_LogGetList(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			first := Entry{Subject: "alice", EventType: TextScan, Timestamp: base, Summary: map[string]int{"EMAIL": 1}, EntityTypes: []string{"EMAIL"}, EntityCount: 1}
			second := Entry{Subject: "bob", EventType: FileScan, FileName: "notes.txt", Timestamp: base.Add(time.Minute)}
			third := Entry{Subject: "alice", EventType: TextScan, Timestamp: base.Add(2 * time.Minute), Sanitized: "hi [EMAIL]"}
			for _, e := range []*Entry{&first, &second, &third} {
				require.NoError(t, store.Log(ctx, e))
				assert.NotEmpty(t, e.ID)
			}

			got, err := store.Get(ctx, first.ID)
			require.NoError(t, err)
			assert.Equal(t, "alice", got.Subject)
			assert.Equal(t, map[string]int{"EMAIL": 1}, got.Summary)
			assert.True(t, got.Timestamp.Equal(base))

			_, err = store.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			all, err := store.List(ctx, Query{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, third.ID, all[0].ID, "newest first")

			mine, err := store.List(ctx, Query{Subject: "alice", Limit: 1})
			require.NoError(t, err)
			require.Len(t, mine, 1)
			assert.Equal(t, "hi [EMAIL]", mine[0].Sanitized)

			recent, err := store.List(ctx, Query{Since: base.Add(30 * time.Second)})
			require.NoError(t, err)
			assert.Len(t, recent, 2)
		})
	}
}

func TestStore_Purge(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			old := Entry{Subject: "a", EventType: TextScan, Timestamp: now.Add(-48 * time.Hour)}
			fresh := Entry{Subject: "a", EventType: TextScan, Timestamp: now}
			require.NoError(t, store.Log(ctx, &old))
			require.NoError(t, store.Log(ctx, &fresh))

			n, err := store.Purge(ctx, now.Add(-24*time.Hour))
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			_, err = store.Get(ctx, old.ID)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = store.Get(ctx, fresh.ID)
			assert.NoError(t, err)

			n, err = store.Purge(ctx, now.Add(-24*time.Hour))
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(config.AuditConfig{Driver: "postgres", Path: t.TempDir()})
	assert.Error(t, err)
}

func TestNewEntry(t *testing.T) {
	res := detect.Result{
		Entities: []detect.Entity{{Type: "EMAIL", Start: 0, End: 3, Text: "a@b"}},
		Summary:  map[string]int{"EMAIL": 1},
	}
	e := NewEntry("alice", TextScan, res)
	assert.Equal(t, []string{"EMAIL"}, e.EntityTypes)
	assert.Equal(t, 1, e.EntityCount)
	res.Summary["EMAIL"] = 5
	assert.Equal(t, 1, e.Summary["EMAIL"], "summary must be copied")

	empty := NewEntry("bob", FileScan, detect.Result{Entities: []detect.Entity{}, Summary: map[string]int{}})
	assert.NotNil(t, empty.EntityTypes)
	assert.Zero(t, empty.EntityCount)
}

func TestParseFile(t *testing.T) {
	entries, err := ParseFile(filepath.Join(t.TempDir(), "missing.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	p := filepath.Join(t.TempDir(), "audit.jsonl")
	require.NoError(t, os.WriteFile(p, []byte("{\"id\":\"1\",\"subject\":\"a\"}\nnot json\n{\"id\":\"2\"}\n"), 0o600))
	entries, err = ParseFile(p)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "2", entries[1].ID)

	var seen []string
	require.NoError(t, Walk(p, func(e Entry) bool {
		seen = append(seen, e.ID)
		return false
	}))
	assert.Equal(t, []string{"1"}, seen, "walk stops when fn returns false")
}

func TestSealer(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}
	s := NewSealer(&key)
	sealed, err := s.Seal("SSN 123-45-6789")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "123-45-6789")

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "SSN 123-45-6789", plain)

	again, err := s.Seal("SSN 123-45-6789")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ")

	key[0] ^= 0xff
	_, err = NewSealer(&key).Open(sealed)
	assert.Error(t, err)

	_, err = s.Open("!!")
	assert.Error(t, err)

	var nilSealer *Sealer
	assert.Nil(t, NewSealer(nil))
	out, err := nilSealer.Seal("x")
	require.NoError(t, err)
	assert.Empty(t, out)
	_, err = nilSealer.Open("x")
	assert.Error(t, err)
}
