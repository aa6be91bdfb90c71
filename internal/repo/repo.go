package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"bookring/internal/config"
	"bookring/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate row")
)

const settingsRowID = "default"

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

// --- libraries ---

func (r Repo) InsertLibrary(ctx context.Context, l domain.Library) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO libraries(id,owner_id,name,created_at) VALUES (?,?,?,?)`,
		l.ID, l.OwnerID, l.Name, l.CreatedAt)
	return err
}

func (r Repo) GetLibrary(ctx context.Context, id string) (domain.Library, error) {
	var l domain.Library
	err := r.DB.QueryRowContext(ctx, `SELECT id,owner_id,name,created_at FROM libraries WHERE id=?`, id).
		Scan(&l.ID, &l.OwnerID, &l.Name, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

// GetLibraryByOwner is the ownership lookup (owner id -> library).
func (r Repo) GetLibraryByOwner(ctx context.Context, ownerID string) (domain.Library, error) {
	var l domain.Library
	err := r.DB.QueryRowContext(ctx, `SELECT id,owner_id,name,created_at FROM libraries WHERE owner_id=?`, ownerID).
		Scan(&l.ID, &l.OwnerID, &l.Name, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

func (r Repo) ListLibraries(ctx context.Context) ([]domain.Library, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,owner_id,name,created_at FROM libraries ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Library
	for rows.Next() {
		var l domain.Library
		if err := rows.Scan(&l.ID, &l.OwnerID, &l.Name, &l.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// --- settings (imported policy config) ---

func (r Repo) UpsertSettings(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO settings(id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`,
		settingsRowID, string(payload), now, now)
	return err
}

func (r Repo) GetSettings(ctx context.Context) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM settings WHERE id=?`, settingsRowID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

// --- events (read side; writes live in the events package) ---

type EventFilters struct {
	Type   string
	BookID string
	Limit  int
}

func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.BookID != "" {
		clauses = append(clauses, "book_id=?")
		args = append(args, f.BookID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,book_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var bookID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &bookID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		if bookID.Valid {
			e.BookID = bookID.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,book_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var bookID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &bookID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		if bookID.Valid {
			e.BookID = bookID.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
