package cache

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	objects map[string][]byte
	fetches int
}

func (f *fakeStore) Get(_ context.Context, path string) ([]byte, error) {
	f.fetches++
	data, ok := f.objects[path]
	if !ok {
		return nil, fmt.Errorf("not found: %s", path)
	}
	return data, nil
}

func TestMemoryEvictsOldestWhenOverBudget(t *testing.T) {
	m := NewMemory(5 * 1024 * 1024) // 5 MiB budget, 1 MiB entries -> room for 5
	for i := 0; i < 15; i++ {
		m.Put(fmt.Sprintf("f%d", i), bytes.Repeat([]byte{byte(i)}, 1<<20))
	}
	// the first several entries must have been evicted
	if _, ok := m.Get("f0"); ok {
		t.Fatalf("expected f0 to be evicted")
	}
	if _, ok := m.Get("f14"); !ok {
		t.Fatalf("expected most recent entry to still be resident")
	}
	require.LessOrEqual(t, m.UsedBytes(), int64(5*1024*1024))
}

func TestMemoryOversizedEntryNotCached(t *testing.T) {
	m := NewMemory(1 << 20)
	m.Put("big", bytes.Repeat([]byte{1}, 2<<20))
	_, ok := m.Get("big")
	require.False(t, ok)
}

func TestDiskRebuildsIndexOnReopen(t *testing.T) {
	dir := t.TempDir()
	d, err := OpenDisk(dir, 10<<20)
	require.NoError(t, err)
	require.NoError(t, d.Put("a/b.parquet", []byte("hello")))
	d.Close()

	d2, err := OpenDisk(dir, 10<<20)
	require.NoError(t, err)
	defer d2.Close()
	data, ok := d2.Get("a/b.parquet")
	require.True(t, ok)
	require.Equal(t, []byte("hello"), data)
}

func TestCacheFallsThroughAndPopulatesBothTiers(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{"/p1": []byte("bytes-of-p1")}}
	mem := NewMemory(10 << 20)
	disk, err := OpenDisk(t.TempDir(), 10<<20)
	require.NoError(t, err)
	c := New(mem, disk, store)
	defer c.Close()

	data, err := c.Get(context.Background(), "/p1")
	require.NoError(t, err)
	require.Equal(t, []byte("bytes-of-p1"), data)
	require.Equal(t, 1, store.fetches)

	// second get must hit the memory tier, not the store again
	data2, err := c.Get(context.Background(), "/p1")
	require.NoError(t, err)
	require.Equal(t, data, data2)
	require.Equal(t, 1, store.fetches)

	// dropping from memory must still hit disk, not the store
	mem.Remove("/p1")
	data3, err := c.Get(context.Background(), "/p1")
	require.NoError(t, err)
	require.Equal(t, data, data3)
	require.Equal(t, 1, store.fetches)
}

func TestCacheInvalidateDropsBothTiers(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{"/p1": []byte("v1")}}
	mem := NewMemory(10 << 20)
	disk, err := OpenDisk(t.TempDir(), 10<<20)
	require.NoError(t, err)
	c := New(mem, disk, store)
	defer c.Close()

	_, err = c.Get(context.Background(), "/p1")
	require.NoError(t, err)
	c.Invalidate("/p1")

	store.objects["/p1"] = []byte("v2")
	data, err := c.Get(context.Background(), "/p1")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), data)
	require.Equal(t, 2, store.fetches)
}
