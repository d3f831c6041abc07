package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/micbridge/micbridge/internal/config"
)

// Token lifecycle event types recorded per relay key.
const (
	EventTokenPushed   = "token_pushed"
	EventTokenEvicted  = "token_evicted"
	EventTokensDrained = "tokens_drained"
)

// Event is one recorded token lifecycle entry.
type Event struct {
	ID        int64
	RelayKey  string
	TraceID   string
	Type      string
	Token     string
	Count     int
	CreatedAt time.Time
}

// Store wraps a SQLite-backed token audit log. In ephemeral retention mode
// every operation is a no-op, which keeps the default deployment free of
// persistence.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config.
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
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS relay_keys (
    relay_key TEXT PRIMARY KEY,
    channel TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS token_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    relay_key TEXT NOT NULL,
    trace_id TEXT,
    event_type TEXT,
    token TEXT,
    token_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(relay_key) REFERENCES relay_keys(relay_key) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_token_events_key_created ON token_events(relay_key, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureKey records a relay key the first time it is seen.
func (s *Store) EnsureKey(ctx context.Context, relayKey, channel string) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO relay_keys(relay_key, channel, created_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(relay_key) DO NOTHING`,
		relayKey, channel, s.clock().UTC())
	return err
}

// AppendEvent writes a token lifecycle event.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO token_events(relay_key, trace_id, event_type, token, token_count, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		evt.RelayKey, evt.TraceID, evt.Type, evt.Token, evt.Count, evt.CreatedAt)
	return err
}

// ListKeyEvents retrieves up to limit events for a relay key ordered
// ascending by time.
func (s *Store) ListKeyEvents(ctx context.Context, relayKey string, limit int) ([]Event, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, relay_key, trace_id, event_type, token, token_count, created_at
		 FROM token_events WHERE relay_key = ? ORDER BY created_at ASC LIMIT ?`, relayKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.RelayKey, &e.TraceID, &e.Type, &e.Token, &e.Count, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
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

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM token_events WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM relay_keys WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxKeys > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM relay_keys WHERE relay_key IN (
			SELECT relay_key FROM relay_keys ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxKeys)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
