package arrowbuf

import (
	"sort"
	"sync"

	"github.com/lakesignal/corepipe/config"
	"github.com/lakesignal/corepipe/internal/errs"
	"github.com/lakesignal/corepipe/internal/obslog"
)

// Buffer is the process-wide tracker of all resident arrow partitions
// and their total byte footprint against config's ArrowBudgetBytes.
// Grounded on the teacher's storage.globalCacheManager singleton
// (storage/cache.go), generalized from disk-cache LRU eviction to
// largest-partition forced flush.
type Buffer struct {
	mu         sync.Mutex
	partitions map[Key]*Partition
	budget     int64
	flush      func(p *Partition) error
}

// NewBuffer constructs a Buffer with the given byte budget. flush is
// invoked with the victim partition whenever the total resident byte
// count exceeds budget; it must call SwapOut and persist the result.
func NewBuffer(budgetBytes int64, flush func(p *Partition) error) *Buffer {
	return &Buffer{
		partitions: make(map[Key]*Partition),
		budget:     budgetBytes,
		flush:      flush,
	}
}

// NewBufferFromConfig sizes the buffer from the process config singleton.
func NewBufferFromConfig(flush func(p *Partition) error) *Buffer {
	return NewBuffer(config.Get().ArrowBudgetBytes, flush)
}

// Partition returns the partition for key, creating it if absent.
func (b *Buffer) Partition(key Key) *Partition {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.partitions[key]
	if !ok {
		p = newPartition(key, nil)
		b.partitions[key] = p
	}
	return p
}

// Delete drops a partition from tracking entirely (used after a flush
// empties it and the caller decides not to keep it warm, e.g. on
// compactor-driven invalidation).
func (b *Buffer) Delete(key Key) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.partitions, key)
}

// TotalBytes returns the sum of all tracked partitions' resident bytes.
func (b *Buffer) TotalBytes() int64 {
	b.mu.Lock()
	parts := make([]*Partition, 0, len(b.partitions))
	for _, p := range b.partitions {
		parts = append(parts, p)
	}
	b.mu.Unlock()

	var total int64
	for _, p := range parts {
		total += p.Bytes()
	}
	return total
}

// EnforceBudget checks the global byte total and, if it exceeds budget,
// repeatedly flushes the single largest resident partition until back
// under budget (or nothing is left to flush). Write paths call this
// after every Write so backpressure is applied inline rather than via a
// background sweep.
func (b *Buffer) EnforceBudget() error {
	for {
		total := b.TotalBytes()
		if total <= b.budget {
			return nil
		}
		victim := b.largest()
		if victim == nil {
			return nil
		}
		obslog.L().WithFields(map[string]interface{}{
			"partition_bytes": victim.Bytes(),
			"total_bytes":     total,
			"budget_bytes":    b.budget,
		}).Warn("arrowbuf: budget exceeded, forcing flush of largest partition")
		if err := b.flush(victim); err != nil {
			return errs.New(errs.Resource, "arrowbuf.EnforceBudget", "", err)
		}
	}
}

// largest returns the tracked partition with the greatest resident byte
// size, or nil if none are tracked (or all are empty).
func (b *Buffer) largest() *Partition {
	b.mu.Lock()
	parts := make([]*Partition, 0, len(b.partitions))
	for _, p := range b.partitions {
		parts = append(parts, p)
	}
	b.mu.Unlock()

	sort.Slice(parts, func(i, j int) bool { return parts[i].Bytes() > parts[j].Bytes() })
	if len(parts) == 0 || parts[0].Bytes() == 0 {
		return nil
	}
	return parts[0]
}

// RotationCandidates returns every tracked partition that has crossed
// the maxRows/maxBytes threshold passed in (zero disables that check) or
// config's ArrowRotateAge, for the periodic rotation sweep, which runs
// independently of the budget check.
func (b *Buffer) RotationCandidates(maxRows, maxBytes int64) []*Partition {
	cfg := config.Get()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Partition
	for _, p := range b.partitions {
		if maxRows > 0 && p.Rows() >= maxRows {
			out = append(out, p)
			continue
		}
		if maxBytes > 0 && p.Bytes() >= maxBytes {
			out = append(out, p)
			continue
		}
		if cfg.ArrowRotateAge > 0 && p.Age() >= cfg.ArrowRotateAge {
			out = append(out, p)
		}
	}
	return out
}
