package cache

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lakesignal/corepipe/internal/errs"
	"github.com/lakesignal/corepipe/internal/obslog"
)

// pendingDeleteCapacity bounds the asynchronous delete queue; once full,
// deletes are dropped with a warning and left for the background
// sweeper to reclaim later.
const pendingDeleteCapacity = 4096

type diskEntry struct {
	size       int64
	lastAccess time.Time
}

// Disk is the second cache tier, backed by a plain directory. On cold
// start it scans the directory to rebuild its LRU index (grounded on the
// teacher's FileStorage directory-as-source-of-truth convention), and
// deletes run through a bounded, asynchronous queue so eviction never
// blocks the hot get/put path.
type Disk struct {
	root   string
	budget int64

	mu      sync.Mutex
	entries map[string]diskEntry
	used    int64

	pending chan string
	wg      sync.WaitGroup
	closed  chan struct{}
}

// OpenDisk opens (creating if absent) a disk cache tier rooted at dir,
// scanning existing files to rebuild the LRU index.
func OpenDisk(dir string, budgetBytes int64) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errs.New(errs.Storage, "cache.OpenDisk", dir, err)
	}
	d := &Disk{
		root:    dir,
		budget:  budgetBytes,
		entries: make(map[string]diskEntry),
		pending: make(chan string, pendingDeleteCapacity),
		closed:  make(chan struct{}),
	}
	if err := d.rebuildIndex(); err != nil {
		return nil, err
	}
	d.wg.Add(1)
	go d.deleteLoop()
	return d, nil
}

func (d *Disk) rebuildIndex() error {
	return filepath.Walk(d.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(d.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		d.entries[rel] = diskEntry{size: info.Size(), lastAccess: info.ModTime()}
		d.used += info.Size()
		return nil
	})
}

func (d *Disk) key(path string) string {
	return strings.TrimPrefix(path, "/")
}

// Get reads path's bytes from disk, touching its last-access time.
func (d *Disk) Get(path string) ([]byte, bool) {
	k := d.key(path)
	d.mu.Lock()
	_, ok := d.entries[k]
	d.mu.Unlock()
	if !ok {
		return nil, false
	}
	data, err := os.ReadFile(filepath.Join(d.root, filepath.FromSlash(k)))
	if err != nil {
		if os.IsNotExist(err) {
			d.mu.Lock()
			delete(d.entries, k)
			d.mu.Unlock()
		}
		return nil, false
	}
	d.mu.Lock()
	e := d.entries[k]
	e.lastAccess = time.Now()
	d.entries[k] = e
	d.mu.Unlock()
	return data, true
}

// Put writes path's bytes to disk, evicting the least-recently-used
// entries until the new write fits within budget.
func (d *Disk) Put(path string, data []byte) error {
	size := int64(len(data))
	if size > d.budget {
		obslog.L().WithField("path", path).Warn("cache: entry exceeds disk budget, not cached")
		return nil
	}
	full := filepath.Join(d.root, filepath.FromSlash(d.key(path)))
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return errs.New(errs.Storage, "cache.Disk.Put", path, err)
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return errs.New(errs.Storage, "cache.Disk.Put", path, err)
	}
	if err := os.Rename(tmp, full); err != nil {
		return errs.New(errs.Storage, "cache.Disk.Put", path, err)
	}

	k := d.key(path)
	d.mu.Lock()
	if old, ok := d.entries[k]; ok {
		d.used -= old.size
	}
	d.entries[k] = diskEntry{size: size, lastAccess: time.Now()}
	d.used += size
	victims := d.evictLocked()
	d.mu.Unlock()

	for _, v := range victims {
		d.enqueueDelete(v)
	}
	return nil
}

// evictLocked must be called with mu held; it removes the index entries
// for the oldest files until used <= budget and returns their paths for
// the caller to delete asynchronously.
func (d *Disk) evictLocked() []string {
	if d.used <= d.budget {
		return nil
	}
	type kv struct {
		key string
		e   diskEntry
	}
	all := make([]kv, 0, len(d.entries))
	for k, e := range d.entries {
		all = append(all, kv{k, e})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].e.lastAccess.Before(all[j].e.lastAccess) })

	var victims []string
	for _, item := range all {
		if d.used <= d.budget {
			break
		}
		delete(d.entries, item.key)
		d.used -= item.e.size
		victims = append(victims, item.key)
	}
	return victims
}

// enqueueDelete schedules k for asynchronous removal from disk; if the
// queue is saturated the delete is dropped with a warning and left for
// the background sweeper.
func (d *Disk) enqueueDelete(k string) {
	select {
	case d.pending <- k:
	default:
		obslog.L().WithField("path", k).Warn("cache: pending-delete queue saturated, dropping delete")
	}
}

func (d *Disk) deleteLoop() {
	defer d.wg.Done()
	for {
		select {
		case k := <-d.pending:
			full := filepath.Join(d.root, filepath.FromSlash(k))
			if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
				obslog.L().WithError(err).WithField("path", k).Warn("cache: async delete failed")
			}
		case <-d.closed:
			return
		}
	}
}

// Remove evicts path immediately and schedules its bytes for deletion.
func (d *Disk) Remove(path string) {
	k := d.key(path)
	d.mu.Lock()
	if e, ok := d.entries[k]; ok {
		delete(d.entries, k)
		d.used -= e.size
	}
	d.mu.Unlock()
	d.enqueueDelete(k)
}

// UsedBytes reports the tier's current tracked byte total.
func (d *Disk) UsedBytes() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used
}

// Close stops the background delete loop, draining no further entries.
func (d *Disk) Close() {
	close(d.closed)
	d.wg.Wait()
}
