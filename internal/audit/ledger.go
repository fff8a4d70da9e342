// ABOUTME: SQLite-backed audit ledger recording run lifecycle operations
// ABOUTME: Records who did what to which run for compliance and debugging, never read on the serving path

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// Action represents an auditable lifecycle operation.
type Action string

const (
	ActionStartRun  Action = "run.start"
	ActionCancelRun Action = "run.cancel"
	ActionStreamRun Action = "run.stream"
)

// Entry represents a single audit ledger entry.
type Entry struct {
	ID        string         // UUID v4
	Actor     string         // identity that performed the operation
	Action    Action         // what operation was performed
	RunID     string         // the affected run
	Mode      string         // "local" or "forwarding" at the time of the operation
	Timestamp time.Time      // when it happened
	Detail    map[string]any // additional context
}

// Filter specifies filtering options for listing audit entries.
type Filter struct {
	Since  *time.Time // entries after this time
	Until  *time.Time // entries before this time
	Actor  *string    // filter by actor
	Action *Action    // filter by action type
	RunID  *string    // filter by run
	Limit  int        // max results (default 100, max 1000)
}

// Ledger is an append-only SQLite record of lifecycle operations. It is
// observability only: nothing on the run serving path ever reads it, so
// run state keeps its in-memory-only semantics in local mode.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the audit ledger at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "audit")

	// Ensure parent directory exists (":memory:" has none)
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	l := &Ledger{
		db:     db,
		logger: logger,
	}

	if err := l.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("audit ledger initialized", "path", path)
	return l, nil
}

// createSchema creates the ledger table if it doesn't exist
func (l *Ledger) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id TEXT PRIMARY KEY,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			run_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			ts DATETIME NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_run_id
			ON audit_log(run_id);

		CREATE INDEX IF NOT EXISTS idx_audit_ts
			ON audit_log(ts);
	`

	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Append appends a new entry to the ledger.
// Generates ID and Timestamp if not set.
func (l *Ledger) Append(ctx context.Context, e *Entry) error {
	// Generate ID if not set
	if e.ID == "" {
		e.ID = uuid.New().String()
	}

	// Generate timestamp if not set
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	query := `
		INSERT INTO audit_log (audit_id, actor, action, run_id, mode, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := l.db.ExecContext(ctx, query,
		e.ID,
		e.Actor,
		e.Action,
		e.RunID,
		e.Mode,
		e.Timestamp.UTC().Format(time.RFC3339),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	l.logger.Debug("appended audit entry",
		"id", e.ID,
		"actor", e.Actor,
		"action", e.Action,
		"run_id", e.RunID,
	)
	return nil
}

// normalizeLimit applies default (100) and cap (1000) to the list limit.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const listQuery = `
	SELECT audit_id, actor, action, run_id, mode, ts, detail_json
	FROM audit_log
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR ts <= ?)
	  AND (? IS NULL OR actor = ?)
	  AND (? IS NULL OR action = ?)
	  AND (? IS NULL OR run_id = ?)
	ORDER BY ts DESC
	LIMIT ?
`

// List returns audit entries matching the filter criteria.
// Results are returned newest first (DESC by timestamp).
func (l *Ledger) List(ctx context.Context, f Filter) ([]Entry, error) {
	limit := normalizeLimit(f.Limit)

	var sinceStr, untilStr, actionStr *string
	if f.Since != nil {
		s := f.Since.UTC().Format(time.RFC3339)
		sinceStr = &s
	}
	if f.Until != nil {
		s := f.Until.UTC().Format(time.RFC3339)
		untilStr = &s
	}
	if f.Action != nil {
		a := string(*f.Action)
		actionStr = &a
	}

	rows, err := l.db.QueryContext(ctx, listQuery,
		sinceStr, sinceStr,
		untilStr, untilStr,
		f.Actor, f.Actor,
		actionStr, actionStr,
		f.RunID, f.RunID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

// scanEntry scans a row into an Entry.
func scanEntry(scanner interface{ Scan(dest ...any) error }) (Entry, error) {
	var e Entry
	var actionStr, tsStr string
	var detailJSON *string

	if err := scanner.Scan(
		&e.ID,
		&e.Actor,
		&actionStr,
		&e.RunID,
		&e.Mode,
		&tsStr,
		&detailJSON,
	); err != nil {
		return e, fmt.Errorf("scanning audit entry: %w", err)
	}

	e.Action = Action(actionStr)
	var err error
	e.Timestamp, err = time.Parse(time.RFC3339, tsStr)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}

	if detailJSON != nil {
		if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
