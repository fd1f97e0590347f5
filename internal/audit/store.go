// Package audit provides an append-only record of every dispatched tool
// call, backed by SQLite. It exists for after-the-fact forensics: which
// session called which tool with what outcome, with optional sealing of
// the sensitive argument and payload blobs.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/calder-ai/switchboard/internal/dispatch"
	"github.com/calder-ai/switchboard/internal/seal"
)

// Store is a SQLite-backed audit trail. All public methods are safe for
// concurrent use (SQLite serializes writes). It implements
// dispatch.Recorder.
type Store struct {
	db     *sql.DB
	sealer *seal.Sealer
	logger *slog.Logger
}

// NewStore opens (or creates) the audit database at dbPath. When sealer
// is non-nil, argument and payload blobs are stored sealed; otherwise
// as plain JSON.
func NewStore(dbPath string, sealer *seal.Sealer, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	s := &Store{db: db, sealer: sealer, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tool_calls (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		turn       INTEGER NOT NULL,
		request_id TEXT NOT NULL,
		tool       TEXT NOT NULL,
		status     TEXT NOT NULL,
		error_kind TEXT NOT NULL DEFAULT '',
		message    TEXT NOT NULL DEFAULT '',
		arguments  BLOB,
		payload    BLOB,
		sealed     INTEGER NOT NULL DEFAULT 0,
		started_at TEXT NOT NULL,
		elapsed_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_session
		ON tool_calls(session_id, turn);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists one dispatched call. Recording never fails the
// dispatch that produced it; storage errors are logged and dropped.
func (s *Store) Record(ctx context.Context, rec dispatch.Record) {
	args, err := s.blob(rec.Arguments)
	if err != nil {
		s.logger.Warn("audit: encode arguments failed", "request", rec.RequestID, "error", err)
		args = nil
	}
	payload, err := s.blobRaw(rec.Payload)
	if err != nil {
		s.logger.Warn("audit: encode payload failed", "request", rec.RequestID, "error", err)
		payload = nil
	}

	sealed := 0
	if s.sealer != nil {
		sealed = 1
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_calls
			(session_id, turn, request_id, tool, status, error_kind, message,
			 arguments, payload, sealed, started_at, elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Turn, rec.RequestID, rec.Tool,
		string(rec.Status), string(rec.ErrorKind), rec.Message,
		args, payload, sealed,
		rec.Started.UTC().Format(time.RFC3339Nano),
		rec.Elapsed.Milliseconds(),
	)
	if err != nil {
		s.logger.Warn("audit: insert failed", "request", rec.RequestID, "error", err)
	}
}

// blob encodes a value as JSON and seals it when a sealer is set.
func (s *Store) blob(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return s.blobRaw(data)
}

// blobRaw seals raw bytes when a sealer is set.
func (s *Store) blobRaw(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if s.sealer == nil {
		return data, nil
	}
	return s.sealer.Seal(data)
}

// Entry is one audit row, with blobs unsealed when possible.
type Entry struct {
	SessionID string
	Turn      int
	RequestID string
	Tool      string
	Status    string
	ErrorKind string
	Message   string
	Arguments []byte
	Payload   []byte
	StartedAt time.Time
	Elapsed   time.Duration
}

// Recent returns the most recent entries for a session, newest first.
// A zero sessionID returns entries across all sessions.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT session_id, turn, request_id, tool, status, error_kind, message,
		       arguments, payload, sealed, started_at, elapsed_ms
		FROM tool_calls`
	queryArgs := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		queryArgs = append(queryArgs, sessionID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	queryArgs = append(queryArgs, limit)

	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var sealed int
		var startedAt string
		var elapsedMs int64
		if err := rows.Scan(&e.SessionID, &e.Turn, &e.RequestID, &e.Tool,
			&e.Status, &e.ErrorKind, &e.Message,
			&e.Arguments, &e.Payload, &sealed, &startedAt, &elapsedMs); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}

		if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
			e.StartedAt = t
		}
		e.Elapsed = time.Duration(elapsedMs) * time.Millisecond

		if sealed == 1 && s.sealer != nil {
			e.Arguments = s.unseal(e.Arguments)
			e.Payload = s.unseal(e.Payload)
		}

		out = append(out, e)
	}
	return out, rows.Err()
}

// unseal opens a blob, returning nil when it cannot be opened (wrong
// key, tampered row). The row itself is still returned to the caller.
func (s *Store) unseal(blob []byte) []byte {
	if len(blob) == 0 {
		return nil
	}
	plain, err := s.sealer.Open(blob)
	if err != nil {
		s.logger.Warn("audit: unseal failed", "error", err)
		return nil
	}
	return plain
}
