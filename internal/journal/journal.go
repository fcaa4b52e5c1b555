// Package journal keeps a SQLite-backed timeline of synthesis requests and
// weight swaps.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/sovits-gateway/internal/config"
	_ "modernc.org/sqlite"
)

// Event types.
const (
	TypeSynthesisCompleted = "tts.completed"
	TypeSynthesisFailed    = "tts.failed"
	TypeWeightsApplied     = "weights.applied"
	TypeWeightsFailed      = "weights.failed"
)

// Event is one journal entry. Subject narrows the type; weight events use the
// model kind ("gpt" or "sovits").
type Event struct {
	ID        int64           `json:"id"`
	RequestID string          `json:"request_id"`
	Type      string          `json:"type"`
	Subject   string          `json:"subject,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	RequestID string
	Type      string
	Limit     int
}

type Store struct {
	db    *sql.DB
	cfg   config.JournalConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to cfg. Ephemeral mode keeps nothing.
func Open(ctx context.Context, cfg config.JournalConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
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
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    subject TEXT NOT NULL DEFAULT '',
    payload BLOB,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_request ON events(request_id);
CREATE INDEX IF NOT EXISTS idx_events_type_subject ON events(event_type, subject, id);
CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) enabled() bool {
	return s != nil && s.db != nil && s.cfg.RetentionMode != "ephemeral"
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append writes evt. CreatedAt defaults to the store clock.
func (s *Store) Append(ctx context.Context, evt Event) error {
	if !s.enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(request_id, event_type, subject, payload, created_at) VALUES(?, ?, ?, ?, ?)`,
		evt.RequestID, evt.Type, evt.Subject, []byte(evt.Payload), evt.CreatedAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("append journal event: %w", err)
	}
	return nil
}

// List returns matching events, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Event, error) {
	if !s.enabled() {
		return nil, nil
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, event_type, subject, payload, created_at FROM events
		 WHERE (? = '' OR request_id = ?) AND (? = '' OR event_type = ?)
		 ORDER BY id DESC LIMIT ?`,
		f.RequestID, f.RequestID, f.Type, f.Type, f.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			payload []byte
			created int64
		)
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Type, &e.Subject, &payload, &created); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			e.Payload = json.RawMessage(payload)
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

type weightsPayload struct {
	Path string `json:"weights_path"`
}

// WeightsPayload builds the payload stored with weight events.
func WeightsPayload(path string) json.RawMessage {
	data, _ := json.Marshal(weightsPayload{Path: path})
	return data
}

// LastApplied returns the most recent successfully applied weights path for
// kind. ok is false when none was recorded.
func (s *Store) LastApplied(ctx context.Context, kind string) (path string, ok bool, err error) {
	if !s.enabled() {
		return "", false, nil
	}
	var payload []byte
	err = s.db.QueryRowContext(ctx,
		`SELECT payload FROM events WHERE event_type = ? AND subject = ? ORDER BY id DESC LIMIT 1`,
		TypeWeightsApplied, kind).Scan(&payload)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	var p weightsPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", false, fmt.Errorf("decode weights event: %w", err)
	}
	return p.Path, p.Path != "", nil
}

// keepLatestWeights spares the newest applied event per kind so restores
// survive retention.
const keepLatestWeights = `id NOT IN (SELECT MAX(id) FROM events WHERE event_type = '` + TypeWeightsApplied + `' GROUP BY subject)`

// Prune applies retention by age and count.
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.enabled() {
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
		if _, err = tx.ExecContext(ctx,
			`DELETE FROM events WHERE created_at < ? AND `+keepLatestWeights, cutoff.UTC().UnixNano()); err != nil {
			return err
		}
	}
	if s.cfg.MaxEvents > 0 {
		if _, err = tx.ExecContext(ctx,
			`DELETE FROM events WHERE id IN (SELECT id FROM events ORDER BY id DESC LIMIT -1 OFFSET ?) AND `+keepLatestWeights,
			s.cfg.MaxEvents); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// RunPruner prunes every interval until ctx is done.
func (s *Store) RunPruner(ctx context.Context, interval time.Duration) {
	if !s.enabled() || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Prune(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("journal prune failed", slog.String("error", err.Error()))
			}
		}
	}
}
