package cache

import (
	"context"
	"sync"

	"github.com/lakesignal/corepipe/internal/obslog"
)

// Store is the subset of objectstore.Router's surface the cache falls
// through to on a miss; kept as a local interface (rather than importing
// objectstore directly) so cache has no compile-time dependency on any
// particular backend set.
type Store interface {
	Get(ctx context.Context, path string) ([]byte, error)
}

// Cache is the two-tier facade: memory first, then disk, then the
// object store, populating both tiers opportunistically on a miss. The
// write-through to both tiers after a store miss is serialized through a
// single goroutine, grounded on the teacher's CacheManager opChan
// pattern (storage/cache.go); Invalidate and the memory-tier fill after
// a disk hit call the tiers directly.
type Cache struct {
	mem   *Memory
	disk  *Disk
	store Store

	ops chan func()
	wg  sync.WaitGroup
	done chan struct{}
}

// New builds a two-tier cache in front of store.
func New(mem *Memory, disk *Disk, store Store) *Cache {
	c := &Cache{mem: mem, disk: disk, store: store, ops: make(chan func(), 1024), done: make(chan struct{})}
	c.wg.Add(1)
	go c.run()
	return c
}

func (c *Cache) run() {
	defer c.wg.Done()
	for {
		select {
		case op := <-c.ops:
			op()
		case <-c.done:
			return
		}
	}
}

// Close stops the serializer goroutine and the disk tier's delete loop.
func (c *Cache) Close() {
	close(c.done)
	c.wg.Wait()
	if c.disk != nil {
		c.disk.Close()
	}
}

// Get returns path's bytes, checking memory then disk then falling
// through to the object store. A store fetch populates both tiers
// opportunistically.
func (c *Cache) Get(ctx context.Context, path string) ([]byte, error) {
	if data, ok := c.mem.Get(path); ok {
		return data, nil
	}
	if c.disk != nil {
		if data, ok := c.disk.Get(path); ok {
			c.mem.Put(path, data)
			return data, nil
		}
	}
	data, err := c.store.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	c.populate(path, data)
	return data, nil
}

// populate writes through to both tiers via the serializer goroutine so
// concurrent misses for the same hot path don't race each other's
// eviction bookkeeping.
func (c *Cache) populate(path string, data []byte) {
	done := make(chan struct{})
	c.ops <- func() {
		defer close(done)
		c.mem.Put(path, data)
		if c.disk != nil {
			if err := c.disk.Put(path, data); err != nil {
				obslog.L().WithError(err).WithField("path", path).Warn("cache: disk tier populate failed")
			}
		}
	}
	<-done
}

// Invalidate drops path from both tiers, used when a cluster-coordinator
// event (component I) reports the underlying object changed or was
// deleted (e.g. compaction's input-file flip to deleted).
func (c *Cache) Invalidate(path string) {
	c.mem.Remove(path)
	if c.disk != nil {
		c.disk.Remove(path)
	}
}

// MemoryUsedBytes and DiskUsedBytes expose tier occupancy for metrics.
func (c *Cache) MemoryUsedBytes() int64 { return c.mem.UsedBytes() }
func (c *Cache) DiskUsedBytes() int64 {
	if c.disk == nil {
		return 0
	}
	return c.disk.UsedBytes()
}
