package claimer

import (
	"context"
	"database/sql"
	"time"

	"itchgrab/lib/sqliteutil"
	"itchgrab/services/claimer/db"
)

type Attempt struct {
	EntryID int64
	URL     string
	Outcome string
	Detail  string
	At      time.Time
}

// History is an append-only record of claim attempts, kept in sqlite next
// to the cache so `list --history` can answer "what happened last night"
// without re-reading logs.
type History struct {
	db *sql.DB
}

func OpenHistory(path string) (*History, error) {
	database, err := sqliteutil.OpenDB(db.Schema, path)
	if err != nil {
		return nil, err
	}
	return &History{db: database}, nil
}

func (h *History) Close() error {
	return h.db.Close()
}

func (h *History) Record(ctx context.Context, a Attempt) error {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO claim_attempts (entry_id, url, outcome, detail, at)
		 VALUES (?, ?, ?, ?, ?)`,
		a.EntryID, a.URL, a.Outcome, a.Detail, a.At)
	return err
}

// Recent returns the newest attempts first, capped at limit.
func (h *History) Recent(ctx context.Context, limit int) ([]Attempt, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT entry_id, url, outcome, detail, at
		 FROM claim_attempts
		 ORDER BY at DESC, id DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.EntryID, &a.URL, &a.Outcome, &a.Detail, &a.At); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
