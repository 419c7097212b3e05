// Package history archives finished exchange runs to SQLite. It is a
// diagnostic sink: the pipeline writes runs, messages and conversion traces
// here, and the CLI reads them back for inspection. Nothing in the core
// exchange path depends on it.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"finflow/internal/domain"
	"finflow/internal/trace"
)

// RunRecord is the archived accounting of one exchange run.
type RunRecord struct {
	ID           string    `json:"id"`
	Query        string    `json:"query"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Stages       int       `json:"stages"`
	Messages     int       `json:"messages"`
	TokensBefore int       `json:"tokens_before"`
	TokensAfter  int       `json:"tokens_after"`
	Strategy     string    `json:"strategy"`
}

// TraceRecord is the flattened, queryable form of a conversion trace.
type TraceRecord struct {
	TraceID     string    `json:"trace_id"`
	RunID       string    `json:"run_id"`
	SourceType  string    `json:"source_type"`
	TargetType  string    `json:"target_type"`
	TargetAgent string    `json:"target_agent"`
	Success     bool      `json:"success"`
	DurationMS  int64     `json:"duration_ms"`
	Errors      []string  `json:"errors,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Store is the SQLite-backed run archive.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create archive directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open archive database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive migration failed: %w", err)
	}

	logger.Debug("run archive opened", "path", dbPath)
	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id            TEXT PRIMARY KEY,
		query         TEXT,
		started_at    DATETIME,
		finished_at   DATETIME,
		stages        INTEGER DEFAULT 0,
		messages      INTEGER DEFAULT 0,
		tokens_before INTEGER DEFAULT 0,
		tokens_after  INTEGER DEFAULT 0,
		strategy      TEXT
	);

	CREATE TABLE IF NOT EXISTS run_messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		seq        INTEGER NOT NULL,
		sender     TEXT,
		receiver   TEXT,
		data_type  TEXT,
		content    TEXT,
		metadata   TEXT,
		version    TEXT,
		created_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_run_messages_run ON run_messages(run_id, seq);

	CREATE TABLE IF NOT EXISTS conversion_traces (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id     TEXT NOT NULL,
		run_id       TEXT NOT NULL,
		source_type  TEXT,
		target_type  TEXT,
		target_agent TEXT,
		success      INTEGER DEFAULT 0,
		duration_ms  INTEGER DEFAULT 0,
		errors       TEXT,
		recorded_at  DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_traces_run ON conversion_traces(run_id, recorded_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveRun inserts or replaces the accounting row for a run.
func (s *Store) SaveRun(ctx context.Context, run RunRecord) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (id, query, started_at, finished_at, stages, messages, tokens_before, tokens_after, strategy)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Query, run.StartedAt, run.FinishedAt,
		run.Stages, run.Messages, run.TokensBefore, run.TokensAfter, run.Strategy,
	)
	return err
}

func (s *Store) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	var run RunRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, query, started_at, finished_at, stages, messages, tokens_before, tokens_after, strategy
		 FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.Query, &run.StartedAt, &run.FinishedAt,
		&run.Stages, &run.Messages, &run.TokensBefore, &run.TokensAfter, &run.Strategy)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, query, started_at, finished_at, stages, messages, tokens_before, tokens_after, strategy
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.ID, &r.Query, &r.StartedAt, &r.FinishedAt,
			&r.Stages, &r.Messages, &r.TokensBefore, &r.TokensAfter, &r.Strategy); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// SaveMessages archives a run's envelopes in trajectory order.
func (s *Store) SaveMessages(ctx context.Context, runID string, msgs []domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, msg := range msgs {
		created := msg.Timestamp
		if created.IsZero() {
			created = time.Now()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO run_messages (run_id, seq, sender, receiver, data_type, content, metadata, version, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, i, msg.Sender, msg.Receiver, string(msg.DataType),
			domain.MarshalContent(msg.Content), domain.MarshalContent(msg.Metadata),
			msg.Version, created,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetMessages rebuilds a run's envelopes in trajectory order.
func (s *Store) GetMessages(ctx context.Context, runID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT sender, receiver, data_type, content, metadata, version, created_at
		 FROM run_messages WHERE run_id = ?
		 ORDER BY seq ASC LIMIT ?`, runID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var dt, content, metadata string
		if err := rows.Scan(&m.Sender, &m.Receiver, &dt, &content, &metadata,
			&m.Version, &m.Timestamp); err != nil {
			return nil, err
		}
		m.DataType = domain.DataType(dt)
		if content != "" {
			if err := json.Unmarshal([]byte(content), &m.Content); err != nil {
				s.logger.Warn("archived content is not valid JSON", "run_id", runID, "err", err)
			}
		}
		if metadata != "" {
			if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
				s.logger.Warn("archived metadata is not valid JSON", "run_id", runID, "err", err)
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SaveTraces archives conversion traces in their flattened form.
func (s *Store) SaveTraces(ctx context.Context, runID string, traces []trace.ConversionTrace) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, tr := range traces {
		var errs string
		if len(tr.Errors) > 0 {
			data, err := json.Marshal(tr.Errors)
			if err != nil {
				return fmt.Errorf("marshal trace errors: %w", err)
			}
			errs = string(data)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO conversion_traces (trace_id, run_id, source_type, target_type, target_agent, success, duration_ms, errors, recorded_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tr.TraceID, runID, string(tr.Path[0]), string(tr.Path[1]), tr.TargetAgent,
			tr.Success, tr.Duration.Milliseconds(), errs, tr.RecordedAt,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListTraces returns archived traces, newest first. Empty runID or agent
// means no filter on that column.
func (s *Store) ListTraces(ctx context.Context, runID, agent string, limit int) ([]TraceRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT trace_id, run_id, source_type, target_type, target_agent, success, duration_ms, errors, recorded_at
	          FROM conversion_traces`
	var conds []string
	var args []any
	if runID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, runID)
	}
	if agent != "" {
		conds = append(conds, "target_agent = ?")
		args = append(args, agent)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY recorded_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var traces []TraceRecord
	for rows.Next() {
		var t TraceRecord
		var errs sql.NullString
		if err := rows.Scan(&t.TraceID, &t.RunID, &t.SourceType, &t.TargetType,
			&t.TargetAgent, &t.Success, &t.DurationMS, &errs, &t.RecordedAt); err != nil {
			return nil, err
		}
		if errs.Valid && errs.String != "" {
			if err := json.Unmarshal([]byte(errs.String), &t.Errors); err != nil {
				s.logger.Warn("archived trace errors are not valid JSON", "trace_id", t.TraceID, "err", err)
			}
		}
		traces = append(traces, t)
	}
	return traces, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
