// Package store provides the durable, insert-only persistence layer for
// audit entries, backed by SQLite.
//
// The schema enforces the ledger's append-only invariant directly: UPDATE
// and DELETE on the entries table abort via triggers, so immutability does
// not depend on callers behaving. Insertion order (seq) is the canonical
// order for integrity verification; timestamp ordering is available for
// display.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/glebarez/go-sqlite"

	"github.com/medtrail/medtrail/internal/ledger"
)

// Filter selects entries from the store. Zero values mean "no filter".
// Exact-match fields are pushed down to SQL; pattern matching lives in the
// report engine.
type Filter struct {
	Actor   string        // Exact actor id.
	Subject string        // Exact subject id.
	Action  ledger.Action // Exact action kind.
	Success *bool         // Outcome; nil matches both.
	Since   string        // Inclusive RFC3339 lower bound on ts.
	Until   string        // Inclusive RFC3339 upper bound on ts.
	FromSeq uint64        // Inclusive lower bound on seq.
	ToSeq   uint64        // Inclusive upper bound on seq.
	Limit   int           // Maximum entries returned; 0 = unbounded.

	// OrderByTime orders results by ts instead of insertion sequence.
	// Never use for verification — seq order is the canonical chain order.
	OrderByTime bool
}

// SQLite is the durable audit store. Safe for concurrent use; database/sql
// pools connections and WAL mode allows readers alongside the writer.
type SQLite struct {
	db *sql.DB
}

// Open opens (or creates) the audit database at path and applies the
// schema.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening audit store %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			seq        INTEGER PRIMARY KEY,
			id         TEXT NOT NULL UNIQUE,
			ts         TEXT NOT NULL,
			actor_id   TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			action     TEXT NOT NULL,
			origin     TEXT NOT NULL DEFAULT '',
			success    INTEGER NOT NULL,
			metadata   TEXT NOT NULL DEFAULT '',
			prev_hash  TEXT NOT NULL,
			hash       TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_actor   ON entries(actor_id);
		CREATE INDEX IF NOT EXISTS idx_subject ON entries(subject_id);
		CREATE INDEX IF NOT EXISTS idx_action  ON entries(action);
		CREATE INDEX IF NOT EXISTS idx_ts      ON entries(ts);

		CREATE TRIGGER IF NOT EXISTS entries_immutable_update
		BEFORE UPDATE ON entries
		BEGIN SELECT RAISE(ABORT, 'audit entries are immutable'); END;

		CREATE TRIGGER IF NOT EXISTS entries_immutable_delete
		BEFORE DELETE ON entries
		BEGIN SELECT RAISE(ABORT, 'audit entries are immutable'); END;
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Insert persists one entry. Strictly insert-only: a duplicate seq or id
// fails on the primary key rather than overwriting history.
func (s *SQLite) Insert(e ledger.Entry) error {
	metaJSON := ""
	if len(e.Metadata) > 0 {
		data, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshaling entry metadata: %w", err)
		}
		metaJSON = string(data)
	}

	_, err := s.db.Exec(
		`INSERT INTO entries (seq, id, ts, actor_id, subject_id, action, origin, success, metadata, prev_hash, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq, e.ID, e.Timestamp, e.ActorID, e.SubjectID, string(e.Action),
		e.Origin, boolToInt(e.Success), metaJSON, e.PrevHash, e.Hash,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry seq %d: %w", e.Seq, err)
	}
	return nil
}

// Tail returns the most recently inserted entry, or nil if the store is
// empty. Used to seed chain state at startup.
func (s *SQLite) Tail() (*ledger.Entry, error) {
	rows, err := s.db.Query(selectCols + " FROM entries ORDER BY seq DESC LIMIT 1")
	if err != nil {
		return nil, fmt.Errorf("querying store tail: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	e, err := scanEntry(rows)
	if err != nil {
		return nil, err
	}
	return &e, rows.Err()
}

const selectCols = "SELECT seq, id, ts, actor_id, subject_id, action, origin, success, metadata, prev_hash, hash"

// Query returns entries matching the filter, ordered by insertion sequence
// (or by timestamp when OrderByTime is set).
func (s *SQLite) Query(f Filter) ([]ledger.Entry, error) {
	query := selectCols + " FROM entries WHERE 1=1"
	var args []any

	if f.Actor != "" {
		query += " AND actor_id = ?"
		args = append(args, f.Actor)
	}
	if f.Subject != "" {
		query += " AND subject_id = ?"
		args = append(args, f.Subject)
	}
	if f.Action != "" {
		query += " AND action = ?"
		args = append(args, string(f.Action))
	}
	if f.Success != nil {
		query += " AND success = ?"
		args = append(args, boolToInt(*f.Success))
	}
	if f.Since != "" {
		query += " AND ts >= ?"
		args = append(args, f.Since)
	}
	if f.Until != "" {
		query += " AND ts <= ?"
		args = append(args, f.Until)
	}
	if f.FromSeq > 0 {
		query += " AND seq >= ?"
		args = append(args, f.FromSeq)
	}
	if f.ToSeq > 0 {
		query += " AND seq <= ?"
		args = append(args, f.ToSeq)
	}

	if f.OrderByTime {
		query += " ORDER BY ts ASC, seq ASC"
	} else {
		query += " ORDER BY seq ASC"
	}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func scanEntry(rows *sql.Rows) (ledger.Entry, error) {
	var e ledger.Entry
	var action, metaJSON string
	var success int
	err := rows.Scan(
		&e.Seq, &e.ID, &e.Timestamp, &e.ActorID, &e.SubjectID,
		&action, &e.Origin, &success, &metaJSON, &e.PrevHash, &e.Hash,
	)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("scanning audit entry: %w", err)
	}
	e.Action = ledger.Action(action)
	e.Success = success != 0
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &e.Metadata); err != nil {
			return ledger.Entry{}, fmt.Errorf("parsing entry metadata: %w", err)
		}
	}
	return e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
