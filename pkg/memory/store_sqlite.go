package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps each collection in its own table as JSON documents with
// the queried fields promoted to indexed columns.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates/opens the memory database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One shared connection avoids writer lock contention under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS events (
			user_id TEXT NOT NULL,
			id TEXT NOT NULL,
			start_ms INTEGER NOT NULL,
			end_ms INTEGER NOT NULL,
			promoted INTEGER NOT NULL DEFAULT 0,
			has_open_loops INTEGER NOT NULL DEFAULT 0,
			salience REAL NOT NULL DEFAULT 0,
			doc TEXT NOT NULL,
			PRIMARY KEY(user_id, id)
		);`,
		`CREATE INDEX IF NOT EXISTS events_user_end_idx ON events(user_id, end_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS commitments (
			user_id TEXT NOT NULL,
			id TEXT NOT NULL,
			status TEXT NOT NULL,
			made_at_ms INTEGER NOT NULL,
			doc TEXT NOT NULL,
			PRIMARY KEY(user_id, id)
		);`,
		`CREATE INDEX IF NOT EXISTS commitments_status_idx ON commitments(user_id, status, made_at_ms);`,
		`CREATE TABLE IF NOT EXISTS facts (
			user_id TEXT NOT NULL,
			id TEXT NOT NULL,
			weight REAL NOT NULL,
			created_at_ms INTEGER NOT NULL,
			doc TEXT NOT NULL,
			PRIMARY KEY(user_id, id)
		);`,
		`CREATE INDEX IF NOT EXISTS facts_weight_idx ON facts(user_id, weight DESC);`,
		`CREATE TABLE IF NOT EXISTS digests (
			user_id TEXT NOT NULL,
			date TEXT NOT NULL,
			doc TEXT NOT NULL,
			PRIMARY KEY(user_id, date)
		);`,
		`CREATE TABLE IF NOT EXISTS relationships (
			user_id TEXT PRIMARY KEY,
			doc TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init memory schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM events
		UNION SELECT user_id FROM commitments
		UNION SELECT user_id FROM facts
		UNION SELECT user_id FROM relationships
		ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertEvent(ctx context.Context, ev EventRecord) error {
	if ev.UserID == "" || ev.ID == "" {
		return fmt.Errorf("upsert event: user id and id are required")
	}
	doc, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events(user_id, id, start_ms, end_ms, promoted, has_open_loops, salience, doc)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, id) DO UPDATE SET
			start_ms=excluded.start_ms,
			end_ms=excluded.end_ms,
			promoted=excluded.promoted,
			has_open_loops=excluded.has_open_loops,
			salience=excluded.salience,
			doc=excluded.doc`,
		ev.UserID, ev.ID, ev.Start.UnixMilli(), ev.End.UnixMilli(), boolToInt(ev.Promoted), boolToInt(ev.HasOpenLoops()), ev.Salience, string(doc))
	if err != nil {
		return fmt.Errorf("upsert event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetEvent(ctx context.Context, userID, id string) (EventRecord, error) {
	var ev EventRecord
	err := s.getDoc(ctx, &ev, `SELECT doc FROM events WHERE user_id = ? AND id = ?`, userID, id)
	return ev, err
}

func (s *SQLiteStore) ListEvents(ctx context.Context, userID string, q EventQuery) ([]EventRecord, error) {
	where := []string{"user_id = ?"}
	args := []interface{}{userID}
	if !q.From.IsZero() {
		where = append(where, "end_ms >= ?")
		args = append(args, q.From.UnixMilli())
	}
	if !q.To.IsZero() {
		where = append(where, "end_ms < ?")
		args = append(args, q.To.UnixMilli())
	}
	if q.PromotedOnly {
		where = append(where, "promoted = 1")
	}
	if q.WithOpenLoops {
		where = append(where, "has_open_loops = 1")
	}
	query := `SELECT doc FROM events WHERE ` + strings.Join(where, " AND ") + ` ORDER BY end_ms DESC, id`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	return listDocs[EventRecord](ctx, s.db, query, args...)
}

func (s *SQLiteStore) UpsertCommitment(ctx context.Context, c Commitment) error {
	if c.UserID == "" || c.ID == "" {
		return fmt.Errorf("upsert commitment: user id and id are required")
	}
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode commitment: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO commitments(user_id, id, status, made_at_ms, doc)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(user_id, id) DO UPDATE SET
			status=excluded.status,
			made_at_ms=excluded.made_at_ms,
			doc=excluded.doc`,
		c.UserID, c.ID, string(c.Status), c.MadeAt.UnixMilli(), string(doc))
	if err != nil {
		return fmt.Errorf("upsert commitment: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCommitment(ctx context.Context, userID, id string) (Commitment, error) {
	var c Commitment
	err := s.getDoc(ctx, &c, `SELECT doc FROM commitments WHERE user_id = ? AND id = ?`, userID, id)
	return c, err
}

func (s *SQLiteStore) ListCommitments(ctx context.Context, userID string, q CommitmentQuery) ([]Commitment, error) {
	query := `SELECT doc FROM commitments WHERE user_id = ?`
	args := []interface{}{userID}
	if q.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(q.Status))
	}
	query += ` ORDER BY made_at_ms ASC, id`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	return listDocs[Commitment](ctx, s.db, query, args...)
}

func (s *SQLiteStore) UpsertFact(ctx context.Context, f SemanticFact) error {
	if f.UserID == "" || f.ID == "" {
		return fmt.Errorf("upsert fact: user id and id are required")
	}
	doc, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode fact: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO facts(user_id, id, weight, created_at_ms, doc)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(user_id, id) DO UPDATE SET
			weight=excluded.weight,
			created_at_ms=excluded.created_at_ms,
			doc=excluded.doc`,
		f.UserID, f.ID, f.Weight, f.CreatedAt.UnixMilli(), string(doc))
	if err != nil {
		return fmt.Errorf("upsert fact: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetFact(ctx context.Context, userID, id string) (SemanticFact, error) {
	var f SemanticFact
	err := s.getDoc(ctx, &f, `SELECT doc FROM facts WHERE user_id = ? AND id = ?`, userID, id)
	return f, err
}

func (s *SQLiteStore) DeleteFact(ctx context.Context, userID, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM facts WHERE user_id = ? AND id = ?`, userID, id); err != nil {
		return fmt.Errorf("delete fact: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListFacts(ctx context.Context, userID string, q FactQuery) ([]SemanticFact, error) {
	where := []string{"user_id = ?"}
	args := []interface{}{userID}
	if q.MinWeight > 0 {
		where = append(where, "weight >= ?")
		args = append(args, q.MinWeight)
	}
	if !q.CreatedFrom.IsZero() {
		where = append(where, "created_at_ms >= ?")
		args = append(args, q.CreatedFrom.UnixMilli())
	}
	if !q.CreatedTo.IsZero() {
		where = append(where, "created_at_ms < ?")
		args = append(args, q.CreatedTo.UnixMilli())
	}
	query := `SELECT doc FROM facts WHERE ` + strings.Join(where, " AND ") + ` ORDER BY weight DESC, id`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	return listDocs[SemanticFact](ctx, s.db, query, args...)
}

func (s *SQLiteStore) UpsertDigest(ctx context.Context, d DailyDigest) error {
	if d.UserID == "" || d.Date == "" {
		return fmt.Errorf("upsert digest: user id and date are required")
	}
	doc, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode digest: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO digests(user_id, date, doc) VALUES(?, ?, ?)
		ON CONFLICT(user_id, date) DO UPDATE SET doc=excluded.doc`,
		d.UserID, d.Date, string(doc))
	if err != nil {
		return fmt.Errorf("upsert digest: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDigest(ctx context.Context, userID, date string) (DailyDigest, error) {
	var d DailyDigest
	err := s.getDoc(ctx, &d, `SELECT doc FROM digests WHERE user_id = ? AND date = ?`, userID, date)
	return d, err
}

func (s *SQLiteStore) GetRelationship(ctx context.Context, userID string) (RelationshipState, error) {
	var r RelationshipState
	err := s.getDoc(ctx, &r, `SELECT doc FROM relationships WHERE user_id = ?`, userID)
	if errors.Is(err, ErrNotFound) {
		return DefaultRelationship(userID), nil
	}
	return r, err
}

func (s *SQLiteStore) UpsertRelationship(ctx context.Context, r RelationshipState) error {
	if r.UserID == "" {
		return fmt.Errorf("upsert relationship: user id is required")
	}
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode relationship: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO relationships(user_id, doc) VALUES(?, ?)
		ON CONFLICT(user_id) DO UPDATE SET doc=excluded.doc`,
		r.UserID, string(doc))
	if err != nil {
		return fmt.Errorf("upsert relationship: %w", err)
	}
	return nil
}

func (s *SQLiteStore) getDoc(ctx context.Context, dst interface{}, query string, args ...interface{}) error {
	var doc string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(doc), dst); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

func listDocs[T any](ctx context.Context, db *sql.DB, query string, args ...interface{}) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []T{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(doc), &v); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
