package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/rconsole/internal/events"
)

// HistoryEntry is one recorded command.
type HistoryEntry struct {
	ID         int64     `json:"id"`
	RequestID  int32     `json:"request_id"`
	Remote     string    `json:"remote"`
	Command    string    `json:"command"`
	Response   string    `json:"response"`
	Error      string    `json:"error,omitempty"`
	Outcome    string    `json:"outcome"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// HistoryStore records executed commands and trims the table to a fixed
// number of rows.
type HistoryStore struct {
	db        *Database
	retention int
}

// NewHistoryStore opens the database at dbPath and prepares the schema.
func NewHistoryStore(dbPath string, retention int) (*HistoryStore, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	hs := &HistoryStore{db: database, retention: retention}
	if err := hs.migrate(context.Background()); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate history database: %w", err)
	}
	return hs, nil
}

func (hs *HistoryStore) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS command_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id INTEGER NOT NULL DEFAULT 0,
			remote TEXT NOT NULL DEFAULT '',
			command TEXT NOT NULL,
			response TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_command_history_created ON command_history(created_at);
	`
	_, err := hs.db.Exec(ctx, schema)
	return err
}

// Record inserts e and prunes rows beyond the retention limit.
func (hs *HistoryStore) Record(ctx context.Context, e HistoryEntry) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	var id int64
	err := hs.db.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO command_history
				(request_id, remote, command, response, error, outcome, duration_ms, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.RequestID, e.Remote, e.Command, e.Response, e.Error, e.Outcome, e.DurationMs, e.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert history entry: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}

		if hs.retention > 0 {
			_, err = tx.ExecContext(ctx,
				`DELETE FROM command_history WHERE id NOT IN
					(SELECT id FROM command_history ORDER BY id DESC LIMIT ?)`, hs.retention)
			if err != nil {
				return fmt.Errorf("failed to prune history: %w", err)
			}
		}
		return nil
	})
	return id, err
}

// Recent returns up to n entries, newest first.
func (hs *HistoryStore) Recent(ctx context.Context, n int) ([]HistoryEntry, error) {
	if n <= 0 {
		n = 20
	}

	rows, err := hs.db.Query(ctx,
		`SELECT id, request_id, remote, command, response, error, outcome, duration_ms, created_at
		 FROM command_history ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Remote, &e.Command, &e.Response,
			&e.Error, &e.Outcome, &e.DurationMs, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of stored entries.
func (hs *HistoryStore) Count(ctx context.Context) (int, error) {
	var n int
	err := hs.db.QueryRow(ctx, `SELECT COUNT(*) FROM command_history`).Scan(&n)
	return n, err
}

// Subscribe records every completed command published on bus.
func (hs *HistoryStore) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventCommandCompleted, "history", func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.CommandPayload)
		if !ok || p.RequestID == 0 {
			// Never reached the server.
			return nil
		}
		_, err := hs.Record(ctx, HistoryEntry{
			RequestID:  p.RequestID,
			Remote:     p.Remote,
			Command:    p.Command,
			Response:   p.Response,
			Error:      p.Error,
			Outcome:    p.Outcome,
			DurationMs: p.Duration.Milliseconds(),
			CreatedAt:  p.Timestamp,
		})
		return err
	})
	log.Debug().Msg("history store subscribed to command events")
}

// Path returns the database file path.
func (hs *HistoryStore) Path() string {
	return hs.db.Path()
}

// Close closes the underlying database.
func (hs *HistoryStore) Close() error {
	return hs.db.Close()
}
