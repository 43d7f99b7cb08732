package search

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lakesignal/corepipe/internal/errs"
)

const admissionSchemaDDL = `
CREATE TABLE IF NOT EXISTS admitted (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	org TEXT NOT NULL,
	user TEXT NOT NULL,
	work_group TEXT NOT NULL,
	trace_id TEXT NOT NULL,
	admitted_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS admitted_key ON admitted(org, user, work_group);
`

// Admission bounds concurrent searches per (org, user, work_group).
// State is sqlite-persisted so a coordinator restart rebuilds the
// in-flight count from the durable table rather than starting from
// zero and double-admitting work a crashed process never released.
type Admission struct {
	db       *sql.DB
	mu       sync.Mutex
	maxQueue int
	waiters  map[string][]chan struct{} // keyed queue the way sql rows are, for in-process wakeups
}

// OpenAdmission opens (creating if absent) the admission-tracking
// database at path.
func OpenAdmission(path string, maxQueue int) (*Admission, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.New(errs.Catalog, "search.OpenAdmission", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(admissionSchemaDDL); err != nil {
		db.Close()
		return nil, errs.New(errs.Catalog, "search.OpenAdmission", path, err)
	}
	return &Admission{db: db, maxQueue: maxQueue, waiters: make(map[string][]chan struct{})}, nil
}

func (a *Admission) Close() error { return a.db.Close() }

func queueKey(org, user, workGroup string) string { return org + "/" + user + "/" + workGroup }

// Enter admits traceID onto the (org, user, work_group) queue, blocking
// up to enqueueTimeout for a slot if the queue is already at maxQueue,
// then failing with a queue-full error. Returns a release func the
// caller must call exactly once when the search completes.
func (a *Admission) Enter(ctx context.Context, org, user, workGroup, traceID string, enqueueTimeout time.Duration) (release func() error, err error) {
	key := queueKey(org, user, workGroup)
	deadline := time.Now().Add(enqueueTimeout)

	for {
		ok, err := a.tryAdmit(org, user, workGroup, traceID)
		if err != nil {
			return nil, err
		}
		if ok {
			return func() error { return a.leave(key, org, user, workGroup, traceID) }, nil
		}
		if enqueueTimeout <= 0 || time.Now().After(deadline) {
			return nil, errs.New(errs.Resource, "search.Admission.Enter", key, errs.ErrQueueFull)
		}

		wake := make(chan struct{}, 1)
		a.mu.Lock()
		a.waiters[key] = append(a.waiters[key], wake)
		a.mu.Unlock()

		remaining := time.Until(deadline)
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
			return nil, errs.New(errs.Resource, "search.Admission.Enter", key, errs.ErrQueueFull)
		}
	}
}

func (a *Admission) tryAdmit(org, user, workGroup, traceID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var n int
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM admitted WHERE org = ? AND user = ? AND work_group = ?`,
		org, user, workGroup).Scan(&n); err != nil {
		return false, errs.New(errs.Catalog, "search.Admission.tryAdmit", "", err)
	}
	if n >= a.maxQueue {
		return false, nil
	}
	_, err := a.db.Exec(`INSERT INTO admitted (org, user, work_group, trace_id, admitted_at) VALUES (?, ?, ?, ?, ?)`,
		org, user, workGroup, traceID, time.Now().UnixMicro())
	if err != nil {
		return false, errs.New(errs.Catalog, "search.Admission.tryAdmit", "", err)
	}
	return true, nil
}

func (a *Admission) leave(key, org, user, workGroup, traceID string) error {
	a.mu.Lock()
	_, err := a.db.Exec(`DELETE FROM admitted WHERE org = ? AND user = ? AND work_group = ? AND trace_id = ?`,
		org, user, workGroup, traceID)
	waiters := a.waiters[key]
	if len(waiters) > 0 {
		next := waiters[0]
		a.waiters[key] = waiters[1:]
		a.mu.Unlock()
		select {
		case next <- struct{}{}:
		default:
		}
		return errs.Wrap(errs.Catalog, "search.Admission.leave", "", err)
	}
	a.mu.Unlock()
	return errs.Wrap(errs.Catalog, "search.Admission.leave", "", err)
}

// InFlight reports the current admitted count for (org, user,
// work_group), mostly useful for tests and metrics.
func (a *Admission) InFlight(org, user, workGroup string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var n int
	err := a.db.QueryRow(`SELECT COUNT(*) FROM admitted WHERE org = ? AND user = ? AND work_group = ?`,
		org, user, workGroup).Scan(&n)
	return n, errs.Wrap(errs.Catalog, "search.Admission.InFlight", "", err)
}
