// Package scheduler implements a persistent job queue: Trigger rows
// for alerts, reports, and derived-stream backfills, with an
// at-most-one CAS dispatch loop and stale-Processing reclaim.
//
// Grounded on the teacher's scm.Scheduler (scm/scheduler.go): its
// container/heap min-heap of (runAt, id) plus single dispatch goroutine
// is the local ready-queue ordering this package generalizes from
// "run this closure at this time" to "CAS this Trigger row from Waiting
// to Processing at next_run_at", with the CAS itself backed by sqlite
// (durable, matching filelist's ZO_META_STORE=sqlite choice) instead of
// the teacher's purely in-memory task list, since a scheduler row must
// survive a process restart.
package scheduler

const schemaDDL = `
CREATE TABLE IF NOT EXISTS triggers (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	org               TEXT NOT NULL,
	module            TEXT NOT NULL,
	module_key        TEXT NOT NULL,
	next_run_at       INTEGER NOT NULL,
	status            TEXT NOT NULL,
	retries           INTEGER NOT NULL DEFAULT 0,
	data              TEXT NOT NULL DEFAULT '',
	start_time        INTEGER NOT NULL DEFAULT 0,
	end_time          INTEGER NOT NULL DEFAULT 0,
	is_realtime       INTEGER NOT NULL DEFAULT 0,
	is_silenced       INTEGER NOT NULL DEFAULT 0,
	processing_since  INTEGER NOT NULL DEFAULT 0,
	UNIQUE(org, module, module_key)
);

CREATE INDEX IF NOT EXISTS idx_triggers_ready
	ON triggers(status, next_run_at);
`
