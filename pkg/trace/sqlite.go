package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteSink persists spans to a local SQLite database
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (or creates) the span database at path
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for better concurrency between flushes and queries
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteSink{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteSink) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS spans (
			id         TEXT PRIMARY KEY,
			task_id    TEXT NOT NULL,
			tenant_id  TEXT,
			trace_id   TEXT,
			name       TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			ended_at   TIMESTAMP NOT NULL,
			outcome    TEXT,
			error      TEXT,
			attrs      TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_spans_task ON spans(task_id, started_at);
		CREATE INDEX IF NOT EXISTS idx_spans_trace ON spans(trace_id);
	`)
	return err
}

// WriteSpans inserts a batch of spans in one transaction
func (s *SQLiteSink) WriteSpans(ctx context.Context, spans []Span) error {
	if len(spans) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO spans
			(id, task_id, tenant_id, trace_id, name, started_at, ended_at, outcome, error, attrs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, span := range spans {
		var attrs []byte
		if span.Attrs != nil {
			attrs, err = json.Marshal(span.Attrs)
			if err != nil {
				return fmt.Errorf("failed to marshal span attrs: %w", err)
			}
		}

		if _, err := stmt.ExecContext(ctx,
			span.ID.String(),
			span.TaskID,
			span.TenantID,
			span.TraceID,
			span.Name,
			span.StartedAt,
			span.EndedAt,
			span.Outcome,
			span.Error,
			string(attrs),
		); err != nil {
			return fmt.Errorf("failed to insert span: %w", err)
		}
	}

	return tx.Commit()
}

// SpansForTask returns a task's spans in recorded order
func (s *SQLiteSink) SpansForTask(ctx context.Context, taskID string) ([]Span, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, tenant_id, trace_id, name, started_at, ended_at, outcome, error, attrs
		FROM spans WHERE task_id = ? ORDER BY started_at, id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query spans: %w", err)
	}
	defer rows.Close()

	spans := []Span{}
	for rows.Next() {
		var span Span
		var id, attrs string
		if err := rows.Scan(&id, &span.TaskID, &span.TenantID, &span.TraceID,
			&span.Name, &span.StartedAt, &span.EndedAt, &span.Outcome, &span.Error, &attrs); err != nil {
			return nil, fmt.Errorf("failed to scan span: %w", err)
		}
		if parsed, err := uuid.Parse(id); err == nil {
			span.ID = parsed
		}
		if attrs != "" {
			if err := json.Unmarshal([]byte(attrs), &span.Attrs); err != nil {
				return nil, fmt.Errorf("failed to unmarshal span attrs: %w", err)
			}
		}
		spans = append(spans, span)
	}

	return spans, rows.Err()
}

// Close closes the database
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
