// Package store persists finalized call sessions to PostgreSQL. It is a
// write-side collaborator: the bridge never reads from it, and the async
// Writer guarantees audio paths never block on a database round trip.
package store

import (
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver

	"github.com/hubenschmidt/voicebridge/internal/session"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const maxSessions = 1000

// Store persists session records to PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to the database at connStr and applies pending migrations.
func Open(connStr string) (*Store, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("store open: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store ping: %w", err)
	}
	if err = migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)
	if err != nil {
		return err
	}

	var current int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), -1) FROM schema_version`)
	if err = row.Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	for i := current + 1; i < len(entries); i++ {
		data, readErr := migrationFS.ReadFile("migrations/" + entries[i].Name())
		if readErr != nil {
			return fmt.Errorf("read migration %d: %w", i, readErr)
		}
		if _, execErr := db.Exec(string(data)); execErr != nil {
			return fmt.Errorf("migration %d: %w", i, execErr)
		}
		if _, execErr := db.Exec(`INSERT INTO schema_version (version) VALUES ($1)`, i); execErr != nil {
			return fmt.Errorf("migration %d record: %w", i, execErr)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession writes one finalized session with its turns and tool
// invocations in a single transaction, then prunes the oldest records.
func (s *Store) SaveSession(snap session.Snapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO sessions (id, channel, caller, status, fail_reason, recording_ref, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET status = $4, fail_reason = $5, recording_ref = $6, ended_at = $8`,
		snap.ID, snap.Channel, snap.Caller, snap.Status,
		snap.FailReason, snap.RecordingRef, snap.StartedAt, snap.EndedAt,
	)
	if err != nil {
		return err
	}

	for i, t := range snap.Turns {
		_, err = tx.Exec(
			`INSERT INTO turns (id, session_id, seq, role, text, audio_ref, latency_ms, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (id) DO NOTHING`,
			t.ID, snap.ID, i, t.Role, t.Text, t.AudioRef, t.LatencyMs, t.CreatedAt,
		)
		if err != nil {
			return err
		}
	}

	for _, inv := range snap.Invocations {
		_, err = tx.Exec(
			`INSERT INTO tool_invocations (id, session_id, name, arguments, result, error_msg, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO NOTHING`,
			inv.ID, snap.ID, inv.Name, string(inv.Arguments), string(inv.Result), inv.Error, inv.CreatedAt,
		)
		if err != nil {
			return err
		}
	}

	_, err = tx.Exec(
		`DELETE FROM sessions WHERE id NOT IN (SELECT id FROM sessions ORDER BY started_at DESC LIMIT $1)`,
		maxSessions,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}
