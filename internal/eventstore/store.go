package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-ttsbridge/internal/config"
	"github.com/loqalabs/loqa-ttsbridge/internal/protocol"
	_ "modernc.org/sqlite"
)

// Connection is one bridge process attachment to a caller.
type Connection struct {
	ID        string
	PeerAddr  string
	VoicePath string
	ModelDir  string
	CreatedAt time.Time
}

// Store is a SQLite-backed journal of connections and the requests served on them.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("journal vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS connections (
    connection_id TEXT PRIMARY KEY,
    peer_addr TEXT,
    voice_path TEXT,
    model_dir TEXT,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS requests (
    request_id TEXT PRIMARY KEY,
    connection_id TEXT NOT NULL,
    language TEXT,
    text_chars INTEGER NOT NULL,
    chunks INTEGER NOT NULL,
    audio_bytes INTEGER NOT NULL,
    outcome TEXT NOT NULL,
    error TEXT,
    started_at INTEGER NOT NULL,
    finished_at INTEGER NOT NULL,
    FOREIGN KEY(connection_id) REFERENCES connections(connection_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_requests_connection_started ON requests(connection_id, started_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordConnection inserts or refreshes a connection row.
func (s *Store) RecordConnection(ctx context.Context, c Connection) error {
	if s.disabled() {
		return nil
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connections(connection_id, peer_addr, voice_path, model_dir, created_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(connection_id) DO UPDATE SET peer_addr=excluded.peer_addr, voice_path=excluded.voice_path, model_dir=excluded.model_dir`,
		c.ID, c.PeerAddr, c.VoicePath, c.ModelDir, c.CreatedAt.UnixNano())
	return err
}

// RecordRequest writes a finished request.
func (s *Store) RecordRequest(ctx context.Context, sum protocol.RequestSummary) error {
	if s.disabled() {
		return nil
	}
	if sum.FinishedAt.IsZero() {
		sum.FinishedAt = s.clock()
	}
	if sum.StartedAt.IsZero() {
		sum.StartedAt = sum.FinishedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests(request_id, connection_id, language, text_chars, chunks, audio_bytes, outcome, error, started_at, finished_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.RequestID, sum.ConnectionID, sum.Language, sum.TextChars, sum.Chunks, sum.AudioBytes,
		sum.Outcome, sum.Error, sum.StartedAt.UnixNano(), sum.FinishedAt.UnixNano())
	return err
}

// ListConnectionRequests retrieves up to limit requests for a connection ordered by start time.
func (s *Store) ListConnectionRequests(ctx context.Context, connectionID string, limit int) ([]protocol.RequestSummary, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, connection_id, language, text_chars, chunks, audio_bytes, outcome, error, started_at, finished_at
		 FROM requests WHERE connection_id = ? ORDER BY started_at ASC, rowid ASC LIMIT ?`, connectionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []protocol.RequestSummary
	for rows.Next() {
		var r protocol.RequestSummary
		var language, errText sql.NullString
		var started, finished int64
		if err := rows.Scan(&r.RequestID, &r.ConnectionID, &language, &r.TextChars, &r.Chunks, &r.AudioBytes,
			&r.Outcome, &errText, &started, &finished); err != nil {
			return nil, err
		}
		r.Language = language.String
		r.Error = errText.String
		r.StartedAt = time.Unix(0, started)
		r.FinishedAt = time.Unix(0, finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune applies configured retention. Requests go with their connection.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM requests WHERE finished_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM connections WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxConnections > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM connections WHERE connection_id IN (
			SELECT connection_id FROM connections ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxConnections)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Ensure checks the store matches its retention mode.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
