// Package archive implements the long-term searchable store of turns
// evicted from the SessionBuffer, and of retired world-model items (C3).
//
// The backing store is an embedded SQLite database (modernc.org/sqlite, the
// pure-Go driver the teacher's own go.mod already pins) opened in WAL mode,
// with a contentless FTS5 virtual table mirrored to the primary turns table
// via AFTER INSERT / AFTER DELETE triggers — exactly the shape specified.
// No teacher source file implements full-text search directly; the
// database/sql-with-raw-SQL style (no ORM) is grounded on
// internal/store/pg's direct `Scan`-based query style.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Turn is an archived conversation record.
type Turn struct {
	ID         int64
	SessionKey string
	Role       string
	Content    string
	Timestamp  int64
	Tags       string // comma-joined
}

// WorldModelHistoryItem is a retired world-model field value.
type WorldModelHistoryItem struct {
	ID        int64
	Section   string
	Field     string
	Value     string
	Reason    string
	Timestamp int64
}

// Archive is the process-wide archive store. Exclusive-open to this
// process; all writes go through db's single connection pool.
type Archive struct {
	db *sql.DB
}

// Open opens (creating if necessary) the archive database at path and
// ensures its schema exists.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	// Single connection: the gateway is a single cooperative event loop: one
	// in-flight SQL call at a time is both sufficient and avoids SQLITE_BUSY
	// races between WAL readers and the single writer.
	db.SetMaxOpenConns(1)

	a := &Archive{db: db}
	if err := a.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_key TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			tags TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_key, timestamp)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS turns_fts USING fts5(content, content='')`,
		`CREATE TRIGGER IF NOT EXISTS turns_ai AFTER INSERT ON turns BEGIN
			INSERT INTO turns_fts(rowid, content) VALUES (new.id, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS turns_ad AFTER DELETE ON turns BEGIN
			INSERT INTO turns_fts(turns_fts, rowid, content) VALUES ('delete', old.id, old.content);
		END`,
		`CREATE TABLE IF NOT EXISTS world_model_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			section TEXT NOT NULL,
			field TEXT NOT NULL,
			value TEXT,
			reason TEXT,
			timestamp INTEGER NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := a.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("archive: init schema: %w", err)
		}
	}
	return nil
}

// Archive inserts a batch of turns in a single transaction. No duplication
// check is performed — callers must pass disjoint batches (e.g. one
// SessionBuffer eviction batch at a time).
func (a *Archive) Archive(ctx context.Context, turns []Turn) ([]int64, error) {
	if len(turns) == 0 {
		return nil, nil
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("archive: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO turns (session_key, role, content, timestamp, tags) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("archive: prepare insert: %w", err)
	}
	defer stmt.Close()

	ids := make([]int64, 0, len(turns))
	for _, t := range turns {
		res, err := stmt.ExecContext(ctx, t.SessionKey, t.Role, t.Content, t.Timestamp, t.Tags)
		if err != nil {
			return nil, fmt.Errorf("archive: insert turn: %w", err)
		}
		id, _ := res.LastInsertId()
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("archive: commit: %w", err)
	}
	return ids, nil
}

// UpdateTags attaches a comma-joined tag string to already-inserted rows.
func (a *Archive) UpdateTags(ctx context.Context, ids []int64, tags []string) error {
	if len(ids) == 0 || len(tags) == 0 {
		return nil
	}
	joined := strings.Join(tags, ",")
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive: begin tx: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `UPDATE turns SET tags = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("archive: prepare update: %w", err)
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, joined, id); err != nil {
			return fmt.Errorf("archive: update tags: %w", err)
		}
	}
	return tx.Commit()
}

// ArchiveWorldModelItem records a removed world-model line to history.
func (a *Archive) ArchiveWorldModelItem(ctx context.Context, section, field, value, reason string) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO world_model_history (section, field, value, reason, timestamp) VALUES (?, ?, ?, ?, ?)`,
		section, field, value, reason, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("archive: world model history insert: %w", err)
	}
	return nil
}

// SearchGrep performs an exact substring scan, newest-first.
func (a *Archive) SearchGrep(ctx context.Context, q string, limit int) ([]Turn, error) {
	if q == "" {
		return nil, nil
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, session_key, role, content, timestamp, COALESCE(tags, '') FROM turns
		 WHERE content LIKE '%' || ? || '%' ORDER BY timestamp DESC LIMIT ?`,
		q, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: search grep: %w", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

// SearchBM25 performs a ranked keyword search. Malformed FTS queries return
// an empty result, never an error.
func (a *Archive) SearchBM25(ctx context.Context, q string, limit int) ([]Turn, error) {
	if q == "" {
		return nil, nil
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT t.id, t.session_key, t.role, t.content, t.timestamp, COALESCE(t.tags, '')
		 FROM turns_fts f JOIN turns t ON t.id = f.rowid
		 WHERE turns_fts MATCH ? ORDER BY bm25(turns_fts) LIMIT ?`,
		q, limit)
	if err != nil {
		// Malformed MATCH query syntax: return empty, never fail.
		return nil, nil
	}
	defer rows.Close()
	return scanTurns(rows)
}

// Search runs SearchGrep and SearchBM25 concurrently and merges by id,
// ordering BM25 hits first, then grep-only hits, deduplicated by id,
// truncated to limit. This is the only ordering contract clients may rely
// on (used by ManagementAPI and the archive-search tool).
func (a *Archive) Search(ctx context.Context, q string, limit int) ([]Turn, error) {
	type result struct {
		turns []Turn
		err   error
	}
	grepCh := make(chan result, 1)
	bm25Ch := make(chan result, 1)

	go func() {
		t, err := a.SearchGrep(ctx, q, limit)
		grepCh <- result{t, err}
	}()
	go func() {
		t, err := a.SearchBM25(ctx, q, limit)
		bm25Ch <- result{t, err}
	}()

	grepRes := <-grepCh
	bm25Res := <-bm25Ch
	if grepRes.err != nil {
		return nil, grepRes.err
	}
	// BM25 failures degrade to empty per its own contract, never surfaced here.

	seen := make(map[int64]bool, limit)
	merged := make([]Turn, 0, limit)
	for _, t := range bm25Res.turns {
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		merged = append(merged, t)
		if len(merged) >= limit {
			return merged, nil
		}
	}
	for _, t := range grepRes.turns {
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		merged = append(merged, t)
		if len(merged) >= limit {
			break
		}
	}
	return merged, nil
}

// GetRecentTurns returns the most recent turns for a session, newest-first.
func (a *Archive) GetRecentTurns(ctx context.Context, key string, limit int) ([]Turn, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, session_key, role, content, timestamp, COALESCE(tags, '') FROM turns
		 WHERE session_key = ? ORDER BY timestamp DESC LIMIT ?`, key, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: get recent: %w", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

// Read returns a single archived turn by id.
func (a *Archive) Read(ctx context.Context, id int64) (*Turn, error) {
	row := a.db.QueryRowContext(ctx,
		`SELECT id, session_key, role, content, timestamp, COALESCE(tags, '') FROM turns WHERE id = ?`, id)
	var t Turn
	if err := row.Scan(&t.ID, &t.SessionKey, &t.Role, &t.Content, &t.Timestamp, &t.Tags); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("archive: read: %w", err)
	}
	return &t, nil
}

// Close flushes the WAL and closes the database.
func (a *Archive) Close() error {
	_, _ = a.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	return a.db.Close()
}

func scanTurns(rows *sql.Rows) ([]Turn, error) {
	var out []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.SessionKey, &t.Role, &t.Content, &t.Timestamp, &t.Tags); err != nil {
			return nil, fmt.Errorf("archive: scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
