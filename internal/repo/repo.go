package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"jubee/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const sessionColumns = `id,tool,status,stage,COALESCE(owner_id,''),snapshot_json,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.SessionRecord, error) {
	var s domain.SessionRecord
	err := row.Scan(&s.ID, &s.Tool, &s.Status, &s.Stage, &s.OwnerID, &s.Snapshot, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

// SaveSession inserts or replaces the stored snapshot of a session.
func (r Repo) SaveSession(ctx context.Context, s domain.SessionRecord) error {
	return saveSession(ctx, r.DB, s)
}

func (r Repo) SaveSessionTx(ctx context.Context, tx *sql.Tx, s domain.SessionRecord) error {
	return saveSession(ctx, tx, s)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveSession(ctx context.Context, db execer, s domain.SessionRecord) error {
	if s.ID == "" {
		return errors.New("session id required")
	}
	_, err := db.ExecContext(ctx, `INSERT INTO sessions(id,tool,status,stage,owner_id,snapshot_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, stage=excluded.stage, snapshot_json=excluded.snapshot_json, updated_at=excluded.updated_at`,
		s.ID, s.Tool, s.Status, s.Stage, nullable(s.OwnerID), s.Snapshot, s.CreatedAt, s.UpdatedAt)
	return errors.Wrapf(err, "save session %s", s.ID)
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.SessionRecord, error) {
	s, err := scanSession(r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id))
	if err != nil && err != ErrNotFound {
		return s, errors.Wrapf(err, "get session %s", id)
	}
	return s, err
}

type SessionFilters struct {
	Tool    string
	Status  string
	OwnerID string
	Limit   int
}

// ListSessions returns sessions, most recently updated first.
func (r Repo) ListSessions(ctx context.Context, f SessionFilters) ([]domain.SessionRecord, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Tool != "" {
		clauses = append(clauses, "tool=?")
		args = append(args, f.Tool)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM sessions WHERE %s ORDER BY updated_at DESC, id ASC LIMIT ?`, sessionColumns, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	defer rows.Close()
	var res []domain.SessionRecord
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan session")
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) DeleteSession(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, id)
	if err != nil {
		return errors.Wrapf(err, "delete session %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const eventColumns = `id,ts,type,session_id,COALESCE(tool,''),actor_id,COALESCE(payload_json,'')`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.SessionID, &e.Tool, &e.ActorID, &e.Payload); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns newest-first events, optionally filtered by session and
// type. A positive cursor returns events older than it.
func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, sessionID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if sessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, sessionID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query events")
	}
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query events")
	}
	return scanEvents(rows)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, errors.Wrap(err, "latest event id")
	}
	return id, nil
}

// CountSessionsByStatus groups stored sessions by status.
func (r Repo) CountSessionsByStatus(ctx context.Context, tool string) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM sessions`
	var args []any
	if tool != "" {
		query += ` WHERE tool=?`
		args = append(args, tool)
	}
	query += ` GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "count sessions")
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
