package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"github.com/Guizzs26/event_sourced_voting_system/internal/model"
)

//go:embed schema.sql
var schema string

// Dialect holds what differs between the SQL engines we run on.
type Dialect struct {
	Name              string
	placeholder       func(n int) string
	isUniqueViolation func(err error) bool
}

var Postgres = Dialect{
	Name:        "postgres",
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	isUniqueViolation: func(err error) bool {
		var pgErr *pgconn.PgError
		return errors.As(err, &pgErr) && pgErr.Code == "23505"
	},
}

var SQLite = Dialect{
	Name:        "sqlite",
	placeholder: func(int) string { return "?" },
	isUniqueViolation: func(err error) bool {
		var sqErr sqlite3.Error
		return errors.As(err, &sqErr) && sqErr.Code == sqlite3.ErrConstraint
	},
}

// DialectFor maps a JOURNAL_DRIVER value to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "postgres":
		return Postgres, nil
	case "sqlite":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported sql dialect %q", driver)
	}
}

// rebind rewrites $n placeholders for the dialect.
func (d Dialect) rebind(query string) string {
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			for i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
				i++
			}
			n++
			b.WriteString(d.placeholder(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// SQLStore is a Journal and SnapshotStore over database/sql. The same code
// runs on Postgres (pgx stdlib driver) and SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time

	qLastSeq      string
	qInsertEvent  string
	qLoad         string
	qSaveSnapshot string
	qLatest       string
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: dialect,
		now:     time.Now,

		qLastSeq:     dialect.rebind(`SELECT COALESCE(MAX(seq), 0) FROM voting_events WHERE stream_id = $1`),
		qInsertEvent: dialect.rebind(`INSERT INTO voting_events (stream_id, seq, event_type, payload, recorded_at) VALUES ($1, $2, $3, $4, $5)`),
		qLoad: dialect.rebind(`SELECT seq, event_type, payload, recorded_at FROM voting_events
			WHERE stream_id = $1 AND seq > $2 ORDER BY seq ASC`),
		qSaveSnapshot: dialect.rebind(`INSERT INTO voting_snapshots (stream_id, seq, state, taken_at) VALUES ($1, $2, $3, $4)
			ON CONFLICT (stream_id, seq) DO NOTHING`),
		qLatest: dialect.rebind(`SELECT seq, state, taken_at FROM voting_snapshots
			WHERE stream_id = $1 ORDER BY seq DESC LIMIT 1`),
	}
}

// Migrate creates the tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema on %s: %w", s.dialect.Name, err)
		}
	}
	return nil
}

func (s *SQLStore) Append(ctx context.Context, streamID string, expectedSeq int64, events []model.Event) ([]model.Record, error) {
	records, err := encodeEvents(streamID, expectedSeq, events, s.now().UTC())
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin append tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var last int64
	if err := tx.QueryRowContext(ctx, s.qLastSeq, streamID).Scan(&last); err != nil {
		return nil, fmt.Errorf("failed to read last seq of %s: %w", streamID, err)
	}
	if last != expectedSeq {
		return nil, fmt.Errorf("%w: %s at %d, expected %d", ErrSequenceConflict, streamID, last, expectedSeq)
	}

	for _, rec := range records {
		_, err := tx.ExecContext(ctx, s.qInsertEvent, rec.StreamID, rec.Seq, rec.Type, string(rec.Data), rec.RecordedAt)
		if err != nil {
			if s.dialect.isUniqueViolation(err) {
				return nil, fmt.Errorf("%w: %s seq %d already written", ErrSequenceConflict, streamID, rec.Seq)
			}
			return nil, fmt.Errorf("failed to insert %s/%d: %w", streamID, rec.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		if s.dialect.isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrSequenceConflict, streamID)
		}
		return nil, fmt.Errorf("failed to commit append to %s: %w", streamID, err)
	}
	return records, nil
}

func (s *SQLStore) Load(ctx context.Context, streamID string, afterSeq int64) ([]model.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.qLoad, streamID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", streamID, err)
	}
	defer rows.Close()

	var records []model.Record
	for rows.Next() {
		var (
			rec     = model.Record{StreamID: streamID}
			payload string
		)
		if err := rows.Scan(&rec.Seq, &rec.Type, &payload, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", streamID, err)
		}
		rec.Data = []byte(payload)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", streamID, err)
	}
	return records, nil
}

func (s *SQLStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if snap.TakenAt.IsZero() {
		snap.TakenAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.qSaveSnapshot, snap.StreamID, snap.Seq, string(snap.State), snap.TakenAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save snapshot %s/%d: %w", snap.StreamID, snap.Seq, err)
	}
	return nil
}

func (s *SQLStore) LatestSnapshot(ctx context.Context, streamID string) (Snapshot, bool, error) {
	snap := Snapshot{StreamID: streamID}
	var state string
	err := s.db.QueryRowContext(ctx, s.qLatest, streamID).Scan(&snap.Seq, &state, &snap.TakenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to read snapshot of %s: %w", streamID, err)
	}
	snap.State = []byte(state)
	return snap, true, nil
}

func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
