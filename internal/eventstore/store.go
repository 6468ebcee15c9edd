// Package eventstore persists every event that crosses the bus to a
// local SQLite database for audit and post-mortem replay, via
// ncruces/go-sqlite3 (a cgo-free WASM-backed driver) with schema
// migrations applied through golang-migrate/migrate/v4. Grounded on the
// teacher's beads.Client (database/sql + the ncruces driver/embed blank
// imports, redirect-following directory resolution, Debug/Error logging
// around every query).
package eventstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/mnemosyne/orchestrator/internal/log"
	"github.com/mnemosyne/orchestrator/internal/mnemoevent"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store persists events to a SQLite-backed audit log.
type Store struct {
	db *sql.DB
}

// Open connects to (creating if absent) the SQLite database at path and
// applies any pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("eventstore: ping %s: %w", path, err)
	}

	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Info(log.CatStore, "event store opened", "path", path)
	return &Store{db: db}, nil
}

func applyMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("eventstore: load migrations: %w", err)
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("eventstore: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("eventstore: build migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("eventstore: apply migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append writes one event to the audit log.
func (s *Store) Append(ctx context.Context, event mnemoevent.Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("eventstore: marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, seq, producer, timestamp, kind, importance, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, event.ID.String(), event.Seq, event.Producer, event.Timestamp.UnixNano(), string(event.Kind), event.Importance, string(payload))
	if err != nil {
		log.ErrorErr(log.CatStore, "failed to append event", err, "event_id", event.ID)
		return fmt.Errorf("eventstore: append: %w", err)
	}
	return nil
}

// Since returns every event recorded at or after fromUnixNano, ordered by
// insertion, for CLI replay/audit commands.
func (s *Store) Since(ctx context.Context, fromUnixNano int64, limit int) ([]mnemoevent.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, producer, timestamp, kind, importance, payload
		FROM events
		WHERE timestamp >= ?
		ORDER BY rowid ASC
		LIMIT ?
	`, fromUnixNano, limit)
	if err != nil {
		return nil, fmt.Errorf("eventstore: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []mnemoevent.Event
	for rows.Next() {
		var (
			idStr     string
			tsUnix    int64
			kind      string
			payload   string
			event     mnemoevent.Event
			importVal int
		)
		if err := rows.Scan(&idStr, &event.Seq, &event.Producer, &tsUnix, &kind, &importVal, &payload); err != nil {
			return nil, fmt.Errorf("eventstore: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &event.Payload); err != nil {
			log.Warn(log.CatStore, "discarding event with malformed payload", "event_id", idStr)
			continue
		}
		event.Kind = mnemoevent.Kind(kind)
		event.Importance = importVal
		event.Timestamp = unixNanoToTime(tsUnix)
		if id, err := parseUUID(idStr); err == nil {
			event.ID = id
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func unixNanoToTime(nanos int64) time.Time {
	return time.Unix(0, nanos).UTC()
}

func parseUUID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}
