// Package db persists attendance as paired visits in sqlite.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/presence/internal/monitoring"
	"github.com/banshee-data/presence/internal/presence"
)

var logf = monitoring.Tagged("store")

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// Store is the sqlite visit store. It implements attendance.Sink.
type Store struct {
	*sql.DB
	path string
}

// OpenStore opens (or creates) the database at path, applies pragmas and
// runs all pending migrations.
func OpenStore(path string) (*Store, error) {
	s, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	migrationsFS, err := getMigrationsFS()
	if err != nil {
		s.Close()
		return nil, err
	}
	if err := s.MigrateUp(migrationsFS); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// OpenDB opens the database without touching the schema.
func OpenDB(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// One connection keeps the per-connection pragmas in force.
	db.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return &Store{DB: db, path: path}, nil
}

// Visit is one check-in with its matching check-out, if any.
type Visit struct {
	ID             string          `json:"id"`
	SiteID         string          `json:"site_id"`
	CheckInAt      time.Time       `json:"check_in_at"`
	CheckInReason  presence.Reason `json:"check_in_reason"`
	CheckOutAt     *time.Time      `json:"check_out_at,omitempty"`
	CheckOutReason presence.Reason `json:"check_out_reason,omitempty"`
}

// Open reports whether the visit has no check-out yet.
func (v Visit) Open() bool {
	return v.CheckOutAt == nil
}

// Duration returns the visit length, measured to now for open visits.
func (v Visit) Duration(now time.Time) time.Duration {
	if v.CheckOutAt != nil {
		return v.CheckOutAt.Sub(v.CheckInAt)
	}
	return now.Sub(v.CheckInAt)
}

// HandleCheckIn opens a visit at siteID. A repeated check-in while a
// visit is already open at that site is a no-op.
func (s *Store) HandleCheckIn(ctx context.Context, siteID string, reason presence.Reason, at time.Time) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin check-in: %w", err)
	}
	defer tx.Rollback()

	var open string
	err = tx.QueryRowContext(ctx,
		`SELECT visit_id FROM visits WHERE site_id = ? AND check_out_unix_nanos IS NULL LIMIT 1`,
		siteID,
	).Scan(&open)
	switch {
	case err == nil:
		logf("check-in at %s ignored, visit %s already open", siteID, open)
		return nil
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("find open visit: %w", err)
	}

	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO visits (visit_id, site_id, check_in_unix_nanos, check_in_reason) VALUES (?, ?, ?, ?)`,
		id, siteID, at.UnixNano(), string(reason),
	); err != nil {
		return fmt.Errorf("insert visit: %w", err)
	}
	if err := insertEvent(ctx, tx, "check_in", siteID, reason, at, id); err != nil {
		return err
	}
	return tx.Commit()
}

// HandleCheckOut closes the open visit at siteID. Without an open visit
// it only records the event.
func (s *Store) HandleCheckOut(ctx context.Context, siteID string, reason presence.Reason, at time.Time) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin check-out: %w", err)
	}
	defer tx.Rollback()

	var id sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT visit_id FROM visits
		 WHERE site_id = ? AND check_out_unix_nanos IS NULL
		 ORDER BY check_in_unix_nanos DESC LIMIT 1`,
		siteID,
	).Scan(&id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("find open visit: %w", err)
	}

	if id.Valid {
		if _, err := tx.ExecContext(ctx,
			`UPDATE visits SET check_out_unix_nanos = ?, check_out_reason = ? WHERE visit_id = ?`,
			at.UnixNano(), string(reason), id.String,
		); err != nil {
			return fmt.Errorf("close visit %s: %w", id.String, err)
		}
	} else {
		logf("check-out at %s with no open visit", siteID)
	}

	var visitID any
	if id.Valid {
		visitID = id.String
	}
	if err := insertEvent(ctx, tx, "check_out", siteID, reason, at, visitID); err != nil {
		return err
	}
	return tx.Commit()
}

func insertEvent(ctx context.Context, tx *sql.Tx, kind, siteID string, reason presence.Reason, at time.Time, visitID any) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO attendance_events (kind, site_id, reason, at_unix_nanos, visit_id) VALUES (?, ?, ?, ?, ?)`,
		kind, siteID, string(reason), at.UnixNano(), visitID,
	)
	if err != nil {
		return fmt.Errorf("insert %s event: %w", kind, err)
	}
	return nil
}

const visitColumns = `visit_id, site_id, check_in_unix_nanos, check_in_reason, check_out_unix_nanos, check_out_reason`

// Visits returns the most recent visits, newest first. A non-positive
// limit defaults to 100.
func (s *Store) Visits(ctx context.Context, limit int) ([]Visit, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryVisits(ctx,
		`SELECT `+visitColumns+` FROM visits ORDER BY check_in_unix_nanos DESC LIMIT ?`, limit)
}

// OpenVisits returns visits that have not been checked out.
func (s *Store) OpenVisits(ctx context.Context) ([]Visit, error) {
	return s.queryVisits(ctx,
		`SELECT `+visitColumns+` FROM visits WHERE check_out_unix_nanos IS NULL ORDER BY check_in_unix_nanos DESC`)
}

// VisitsForSite returns every visit at siteID, newest first.
func (s *Store) VisitsForSite(ctx context.Context, siteID string) ([]Visit, error) {
	return s.queryVisits(ctx,
		`SELECT `+visitColumns+` FROM visits WHERE site_id = ? ORDER BY check_in_unix_nanos DESC`, siteID)
}

func (s *Store) queryVisits(ctx context.Context, query string, args ...any) ([]Visit, error) {
	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query visits: %w", err)
	}
	defer rows.Close()

	var visits []Visit
	for rows.Next() {
		var (
			v         Visit
			inNanos   int64
			inReason  string
			outNanos  sql.NullInt64
			outReason sql.NullString
		)
		if err := rows.Scan(&v.ID, &v.SiteID, &inNanos, &inReason, &outNanos, &outReason); err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		v.CheckInAt = time.Unix(0, inNanos).UTC()
		v.CheckInReason = presence.Reason(inReason)
		if outNanos.Valid {
			out := time.Unix(0, outNanos.Int64).UTC()
			v.CheckOutAt = &out
			v.CheckOutReason = presence.Reason(outReason.String)
		}
		visits = append(visits, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return visits, nil
}

// EventCount returns the number of recorded attendance events.
func (s *Store) EventCount(ctx context.Context) (int, error) {
	var n int
	if err := s.QueryRowContext(ctx, `SELECT COUNT(*) FROM attendance_events`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
