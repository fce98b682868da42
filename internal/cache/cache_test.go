package cache

import (
	"bytes"
	"testing"
)

func TestChunkKey(t *testing.T) {
	got := ChunkKey("/data/in.zarr", "obsm/spatial", "c/0/0")
	want := "chunk:/data/in.zarr|obsm/spatial|c/0/0"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if ChunkKey("a", "b", "c/1") == ChunkKey("a", "b", "c/2") {
		t.Fatal("expected distinct keys for distinct chunks")
	}
}

func TestManagerRoundTrip(t *testing.T) {
	m, err := NewManager(Config{ChunkCacheSizeMB: 8, StringChunkEntries: 4})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	t.Run("chunk", func(t *testing.T) {
		key := ChunkKey("s", "X", "c/0/0")
		if _, ok := m.GetChunk(key); ok {
			t.Fatal("expected miss on empty cache")
		}
		m.SetChunk(key, []byte{1, 2, 3})
		got, ok := m.GetChunk(key)
		if !ok || !bytes.Equal(got, []byte{1, 2, 3}) {
			t.Fatalf("unexpected cached chunk: %v %v", got, ok)
		}
	})

	t.Run("strings", func(t *testing.T) {
		key := ChunkKey("s", "obs/_index", "c/0")
		m.SetStrings(key, []string{"a", "b"})
		got, ok := m.GetStrings(key)
		if !ok || len(got) != 2 || got[1] != "b" {
			t.Fatalf("unexpected cached strings: %v %v", got, ok)
		}
	})
}

func TestNilManager(t *testing.T) {
	var m *Manager
	m.SetChunk("k", []byte{1})
	if _, ok := m.GetChunk("k"); ok {
		t.Fatal("nil manager must not cache")
	}
	m.SetStrings("k", []string{"x"})
	if _, ok := m.GetStrings("k"); ok {
		t.Fatal("nil manager must not cache")
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close on nil manager: %v", err)
	}
}
