package scheduler

import (
	"database/sql"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/lakesignal/corepipe/internal/errs"
)

// Module is the closed set of trigger owners.
type Module string

const (
	ModuleAlert         Module = "alert"
	ModuleReport        Module = "report"
	ModuleDerivedStream Module = "derived_stream"
)

// Status is the closed Trigger status set.
type Status string

const (
	Waiting    Status = "waiting"
	Processing Status = "processing"
	Completed  Status = "completed"
)

// Trigger is one persisted job row.
type Trigger struct {
	ID              int64
	Org             string
	Module          Module
	ModuleKey       string
	NextRunAt       int64 // microseconds since epoch
	Status          Status
	Retries         int
	Data            string
	StartTime       int64
	EndTime         int64
	IsRealtime      bool
	IsSilenced      bool
	ProcessingSince int64
}

// Store is the sqlite-backed trigger queue. As with filelist.Store,
// writes are serialized through mu on top of the driver's own
// single-writer behavior so CAS claims present as linearizable.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.New(errs.Catalog, "scheduler.Open", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, errs.New(errs.Catalog, "scheduler.Open", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Schedule upserts a trigger row keyed by (org, module, module_key):
// at most one row ever exists per that key.
func (s *Store) Schedule(t Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO triggers
			(org, module, module_key, next_run_at, status, retries, data, start_time, end_time, is_realtime, is_silenced, processing_since)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(org, module, module_key) DO UPDATE SET
			next_run_at=excluded.next_run_at, status=excluded.status, data=excluded.data,
			start_time=excluded.start_time, end_time=excluded.end_time,
			is_realtime=excluded.is_realtime, is_silenced=excluded.is_silenced
	`, t.Org, string(t.Module), t.ModuleKey, t.NextRunAt, string(Waiting), t.Data,
		t.StartTime, t.EndTime, boolToInt(t.IsRealtime), boolToInt(t.IsSilenced))
	return errs.Wrap(errs.Catalog, "scheduler.Schedule", t.ModuleKey, err)
}

// ClaimReady selects up to limit rows that are either Waiting and due
// (next_run_at <= now) or Processing past processingTimeoutMicros (a
// stale claim from a dead node, reclaimed on the principle that
// liveness beats strict safety here), CASes each to Processing ordered
// by next_run_at, and returns the claimed rows. The CAS is the
// serialization point for at-most-one execution: two callers racing on
// the same row will only have one UPDATE affect a row, because the
// WHERE clause re-checks the status this call observed.
func (s *Store) ClaimReady(now int64, processingTimeoutMicros int64, limit int) ([]Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, org, module, module_key, next_run_at, status, retries, data, start_time, end_time, is_realtime, is_silenced, processing_since
		FROM triggers
		WHERE (status = ? AND next_run_at <= ?)
		   OR (status = ? AND processing_since <= ?)
		ORDER BY next_run_at ASC
		LIMIT ?
	`, string(Waiting), now, string(Processing), now-processingTimeoutMicros, limit)
	if err != nil {
		return nil, errs.New(errs.Catalog, "scheduler.ClaimReady", "", err)
	}
	candidates, err := scanTriggers(rows)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, errs.New(errs.Catalog, "scheduler.ClaimReady", "", err)
	}
	stmt, err := tx.Prepare(`UPDATE triggers SET status = ?, processing_since = ? WHERE id = ? AND status = ?`)
	if err != nil {
		tx.Rollback()
		return nil, errs.New(errs.Catalog, "scheduler.ClaimReady", "", err)
	}
	defer stmt.Close()

	var claimed []Trigger
	for _, t := range candidates {
		res, err := stmt.Exec(string(Processing), now, t.ID, string(t.Status))
		if err != nil {
			tx.Rollback()
			return nil, errs.New(errs.Catalog, "scheduler.ClaimReady", "", err)
		}
		n, _ := res.RowsAffected()
		if n == 1 {
			t.Status = Processing
			t.ProcessingSince = now
			claimed = append(claimed, t)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, errs.New(errs.Catalog, "scheduler.ClaimReady", "", err)
	}
	return claimed, nil
}

// Reschedule moves a trigger back to Waiting with a new next_run_at,
// called on handler success.
func (s *Store) Reschedule(id int64, nextRunAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE triggers SET status = ?, next_run_at = ?, retries = 0 WHERE id = ?`,
		string(Waiting), nextRunAt, id)
	return errs.Wrap(errs.Catalog, "scheduler.Reschedule", "", err)
}

// Delete removes a one-shot trigger after it runs successfully.
func (s *Store) Delete(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM triggers WHERE id = ?`, id)
	return errs.Wrap(errs.Catalog, "scheduler.Delete", "", err)
}

// Fail increments retries; if still under maxRetries it reschedules with
// the given backoff next_run_at, otherwise it marks the trigger
// Completed and records errMsg into data.
func (s *Store) Fail(id int64, maxRetries int, backoffNextRunAt int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var retries int
	if err := s.db.QueryRow(`SELECT retries FROM triggers WHERE id = ?`, id).Scan(&retries); err != nil {
		return errs.New(errs.Catalog, "scheduler.Fail", "", err)
	}
	retries++
	if retries < maxRetries {
		_, err := s.db.Exec(`UPDATE triggers SET status = ?, retries = ?, next_run_at = ? WHERE id = ?`,
			string(Waiting), retries, backoffNextRunAt, id)
		return errs.Wrap(errs.Catalog, "scheduler.Fail", "", err)
	}
	_, err := s.db.Exec(`UPDATE triggers SET status = ?, retries = ?, data = ? WHERE id = ?`,
		string(Completed), retries, errMsg, id)
	return errs.Wrap(errs.Catalog, "scheduler.Fail", "", err)
}

// Count returns the number of rows not yet Completed, used for
// admission control against config.SchedulerMaxQueued.
func (s *Store) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM triggers WHERE status != ?`, string(Completed)).Scan(&n)
	return n, errs.Wrap(errs.Catalog, "scheduler.Count", "", err)
}

func scanTriggers(rows *sql.Rows) ([]Trigger, error) {
	defer rows.Close()
	var out []Trigger
	for rows.Next() {
		var t Trigger
		var module, status string
		var isRealtime, isSilenced int
		if err := rows.Scan(&t.ID, &t.Org, &module, &t.ModuleKey, &t.NextRunAt, &status, &t.Retries,
			&t.Data, &t.StartTime, &t.EndTime, &isRealtime, &isSilenced, &t.ProcessingSince); err != nil {
			return nil, errs.New(errs.Catalog, "scheduler.scanTriggers", "", err)
		}
		t.Module = Module(module)
		t.Status = Status(status)
		t.IsRealtime = isRealtime != 0
		t.IsSilenced = isSilenced != 0
		out = append(out, t)
	}
	return out, errs.Wrap(errs.Catalog, "scheduler.scanTriggers", "", rows.Err())
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
