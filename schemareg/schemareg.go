// Package schemareg implements a per-stream versioned Arrow schema
// history: an append-only (start_dt, schema) sequence, CAS-raced
// updates on field evolution, and widen-never-narrow promotion.
//
// Grounded on the teacher's storage/columnschema.go (the shard column
// list + type) for the promotion semantics and on storage.Column's
// nullable-by-default treatment for tombstoned fields, generalized from a
// single current schema to a full append-only version history per stream.
package schemareg

import (
	"sync"

	"github.com/apache/arrow/go/v16/arrow"

	"github.com/lakesignal/corepipe/internal/errs"
)

// Version is one row of a stream's schema history.
type Version struct {
	StartDT int64 // microseconds since epoch; the version is active for t >= StartDT
	Schema  *arrow.Schema
}

// streamKey identifies one stream's history.
type streamKey struct {
	Org        string
	StreamType string
	Stream     string
}

// Registry holds every stream's schema history in memory, backed by a
// persistence layer (the CASInserter the caller passes to Evolve) for
// durability; the registry itself only enforces the CAS/ordering
// invariants, it is storage-agnostic.
type Registry struct {
	mu   sync.Mutex
	hist map[streamKey][]Version
}

// NewRegistry returns an empty in-memory registry. Callers rehydrate it
// from durable storage with Load before serving lookups.
func NewRegistry() *Registry {
	return &Registry{hist: make(map[streamKey][]Version)}
}

// Load replaces a stream's full history, used at startup/rehydration. The
// slice must already be sorted by StartDT ascending; Load does not sort.
func (r *Registry) Load(org, streamType, stream string, versions []Version) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := streamKey{org, streamType, stream}
	r.hist[k] = append([]Version(nil), versions...)
}

// ActiveAt returns the schema active at time t: the version with the
// greatest StartDT <= t. Returns (nil, false) if the stream has no
// history yet.
func (r *Registry) ActiveAt(org, streamType, stream string, t int64) (*arrow.Schema, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	versions := r.hist[streamKey{org, streamType, stream}]
	var best *Version
	for i := range versions {
		v := &versions[i]
		if v.StartDT <= t && (best == nil || v.StartDT > best.StartDT) {
			best = v
		}
	}
	if best == nil {
		return nil, false
	}
	return best.Schema, true
}

// Latest returns the most recently started version, or (nil, false) if
// the stream has no history.
func (r *Registry) Latest(org, streamType, stream string) (Version, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	versions := r.hist[streamKey{org, streamType, stream}]
	if len(versions) == 0 {
		return Version{}, false
	}
	best := versions[0]
	for _, v := range versions[1:] {
		if v.StartDT > best.StartDT {
			best = v
		}
	}
	return best, true
}

// CASInserter persists a new (start_dt, schema) row for a stream,
// returning the row that actually won the race (which may not be the
// one the caller proposed, if a concurrent writer inserted first — the
// caller must requery and use the returned winner).
type CASInserter interface {
	InsertIfAbsent(org, streamType, stream string, v Version) (winner Version, wonRace bool, err error)
}

// Evolve reconciles an incoming batch's schema against the stream's
// currently active schema. If the incoming schema is already compatible
// (every field present with an equal-or-narrower type) it returns the
// active schema unchanged. Otherwise it computes the union-and-widen
// merge and races an insert through store; on losing the race it returns
// the winning row's schema instead, so the caller re-validates the batch
// against what persisted: the loser retries its read and uses the
// winning row.
func (r *Registry) Evolve(store CASInserter, org, streamType, stream string, incoming *arrow.Schema, now int64) (*arrow.Schema, error) {
	active, ok := r.ActiveAt(org, streamType, stream, now)
	if !ok {
		v := Version{StartDT: now, Schema: incoming}
		winner, _, err := store.InsertIfAbsent(org, streamType, stream, v)
		if err != nil {
			return nil, errs.New(errs.Catalog, "schemareg.Evolve", stream, err)
		}
		r.append(org, streamType, stream, winner)
		return winner.Schema, nil
	}

	if Compatible(active, incoming) {
		return active, nil
	}

	merged, err := Union(active, incoming)
	if err != nil {
		return nil, errs.New(errs.Validation, "schemareg.Evolve", stream, err)
	}
	proposed := Version{StartDT: now, Schema: merged}
	winner, won, err := store.InsertIfAbsent(org, streamType, stream, proposed)
	if err != nil {
		return nil, errs.New(errs.Catalog, "schemareg.Evolve", stream, err)
	}
	r.append(org, streamType, stream, winner)
	if !won && !Compatible(winner.Schema, incoming) {
		// The race's winner still doesn't cover this batch's fields; widen
		// again against the winner and let the next Evolve call race a
		// second insert; convergence across multiple calls is acceptable.
		rewidened, err := Union(winner.Schema, incoming)
		if err != nil {
			return nil, errs.New(errs.Validation, "schemareg.Evolve", stream, err)
		}
		return rewidened, nil
	}
	return winner.Schema, nil
}

func (r *Registry) append(org, streamType, stream string, v Version) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := streamKey{org, streamType, stream}
	for _, existing := range r.hist[k] {
		if existing.StartDT == v.StartDT {
			return
		}
	}
	r.hist[k] = append(r.hist[k], v)
}
