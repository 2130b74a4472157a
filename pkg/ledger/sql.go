package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/ippoc-labs/ippoc/pkg/envelope"
)

// Driver names accepted by NewSQLLedger.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// sqlTimeFormat is RFC 3339 with a fixed-width fraction so stored text
// sorts chronologically.
const sqlTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// defaultListLimit bounds ListRecent when the caller passes no limit.
const defaultListLimit = 100

const schemaSQL = `
CREATE TABLE IF NOT EXISTS orchestrator_executions (
	execution_id    TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	tool_name       TEXT NOT NULL,
	domain          TEXT NOT NULL,
	action          TEXT NOT NULL,
	request_id      TEXT NOT NULL DEFAULT '',
	trace_id        TEXT NOT NULL DEFAULT '',
	caller          TEXT NOT NULL DEFAULT '',
	tenant          TEXT NOT NULL DEFAULT '',
	source          TEXT NOT NULL DEFAULT '',
	priority        DOUBLE PRECISION NOT NULL DEFAULT 0,
	risk_level      TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	duration_ms     BIGINT NOT NULL DEFAULT 0,
	retries         INTEGER NOT NULL DEFAULT 0,
	cost_spent      DOUBLE PRECISION NOT NULL DEFAULT 0,
	result          TEXT NOT NULL DEFAULT '',
	error_code      TEXT NOT NULL DEFAULT '',
	error_message   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_executions_tool_name ON orchestrator_executions(tool_name);
CREATE INDEX IF NOT EXISTS idx_executions_domain ON orchestrator_executions(domain);
CREATE INDEX IF NOT EXISTS idx_executions_action ON orchestrator_executions(action);
CREATE INDEX IF NOT EXISTS idx_executions_request_id ON orchestrator_executions(request_id);
CREATE INDEX IF NOT EXISTS idx_executions_trace_id ON orchestrator_executions(trace_id);
CREATE INDEX IF NOT EXISTS idx_executions_caller ON orchestrator_executions(caller);
CREATE INDEX IF NOT EXISTS idx_executions_tenant ON orchestrator_executions(tenant);
CREATE INDEX IF NOT EXISTS idx_executions_source ON orchestrator_executions(source);
CREATE INDEX IF NOT EXISTS idx_executions_created_at ON orchestrator_executions(created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_idempotency_key
	ON orchestrator_executions(idempotency_key) WHERE idempotency_key IS NOT NULL;
`

const selectCols = `execution_id, status, tool_name, domain, action, request_id, trace_id, caller, tenant, source, priority, risk_level, idempotency_key, created_at, updated_at, duration_ms, retries, cost_spent, result, error_code, error_message`

const insertSQL = `INSERT INTO orchestrator_executions (` + selectCols + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`

// placeholders rewrites $N to ? for drivers that bind positionally. Every
// statement here uses $1..$N exactly once in ascending order, so the
// rewrite preserves argument order.
var placeholders = regexp.MustCompile(`\$\d+`)

// SQLLedger stores execution records on SQLite or Postgres. The status DAG
// is enforced in the UPDATE's WHERE clause, so concurrent writers cannot
// race a record out of a terminal state.
type SQLLedger struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
	clock  func() time.Time
}

var _ Ledger = (*SQLLedger)(nil)

// NewSQLLedger wraps an existing handle. Migrate must run before first use;
// OpenSQL does both.
func NewSQLLedger(db *sql.DB, driver string, logger *slog.Logger) *SQLLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLLedger{db: db, driver: driver, logger: logger, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (l *SQLLedger) WithClock(clock func() time.Time) *SQLLedger {
	l.clock = clock
	return l
}

// OpenSQL opens and migrates the ledger database named by url. URLs with a
// postgres scheme use the Postgres driver; anything else is a SQLite file
// path whose parent directory is created if missing.
func OpenSQL(ctx context.Context, url string, logger *slog.Logger) (*SQLLedger, error) {
	driver := DriverSQLite
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		driver = DriverPostgres
	}
	if driver == DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(url), 0o755); err != nil {
			return nil, fmt.Errorf("ledger: ensure dir for %s: %w", url, err)
		}
	}

	db, err := sql.Open(driver, url)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// Serialize writers; modernc returns SQLITE_BUSY otherwise.
		db.SetMaxOpenConns(1)
	}

	led := NewSQLLedger(db, driver, logger)
	if err := led.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	led.logger.Info("execution ledger opened", slog.String("driver", driver))
	return led, nil
}

// Migrate applies the schema and, on SQLite, the connection pragmas.
func (l *SQLLedger) Migrate(ctx context.Context) error {
	if l.driver == DriverSQLite {
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
		} {
			if _, err := l.db.ExecContext(ctx, pragma); err != nil {
				return fmt.Errorf("ledger: %s: %w", pragma, err)
			}
		}
	}
	if _, err := l.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	return nil
}

func (l *SQLLedger) rebind(query string) string {
	if l.driver == DriverPostgres {
		return query
	}
	return placeholders.ReplaceAllString(query, "?")
}

// Create inserts a record, generating the execution id and stamping both
// timestamps. A key collision surfaces as ErrDuplicateKey.
func (l *SQLLedger) Create(ctx context.Context, rec *Record) error {
	if rec.ExecutionID == "" {
		rec.ExecutionID = uuid.New().String()
	}
	if rec.Status == "" {
		rec.Status = StatusQueued
	}
	now := l.clock().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	var key sql.NullString
	if rec.IdempotencyKey != "" {
		key = sql.NullString{String: rec.IdempotencyKey, Valid: true}
	}

	_, err := l.db.ExecContext(ctx, l.rebind(insertSQL),
		rec.ExecutionID, string(rec.Status), rec.ToolName, string(rec.Domain), rec.Action,
		rec.RequestID, rec.TraceID, rec.Caller, rec.Tenant, rec.Source,
		rec.Priority, string(rec.RiskLevel), key,
		now.Format(sqlTimeFormat), now.Format(sqlTimeFormat),
		rec.DurationMS, rec.Retries, rec.CostSpent,
		rec.Result, rec.ErrorCode, rec.ErrorMessage,
	)
	if err != nil {
		if isKeyViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("ledger: insert %s: %w", rec.ExecutionID, err)
	}
	return nil
}

// isKeyViolation recognizes a unique violation on the idempotency key for
// both drivers.
func isKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" && strings.Contains(pqErr.Constraint, "idempotency_key")
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, "idempotency_key")
}

// Update patches a record. When the patch moves status, the WHERE clause
// admits only states the DAG allows (plus the target itself, so repeating
// an update is harmless). Zero rows affected means the row is missing or
// the move was illegal.
func (l *SQLLedger) Update(ctx context.Context, executionID string, upd Update) error {
	var (
		sets []string
		args []interface{}
	)
	n := 1
	add := func(col string, v interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, n))
		args = append(args, v)
		n++
	}
	if upd.Status != nil {
		add("status", string(*upd.Status))
	}
	if upd.DurationMS != nil {
		add("duration_ms", *upd.DurationMS)
	}
	if upd.Retries != nil {
		add("retries", *upd.Retries)
	}
	if upd.CostSpent != nil {
		add("cost_spent", *upd.CostSpent)
	}
	if upd.Result != nil {
		add("result", *upd.Result)
	}
	if upd.ErrorCode != nil {
		add("error_code", *upd.ErrorCode)
	}
	if upd.ErrorMessage != nil {
		add("error_message", *upd.ErrorMessage)
	}
	add("updated_at", l.clock().UTC().Format(sqlTimeFormat))

	query := fmt.Sprintf("UPDATE orchestrator_executions SET %s WHERE execution_id = $%d",
		strings.Join(sets, ", "), n)
	args = append(args, executionID)
	n++

	if upd.Status != nil {
		allowed := allowedCurrent(*upd.Status)
		ph := make([]string, len(allowed))
		for i, s := range allowed {
			ph[i] = fmt.Sprintf("$%d", n)
			args = append(args, string(s))
			n++
		}
		query += fmt.Sprintf(" AND status IN (%s)", strings.Join(ph, ", "))
	}

	res, err := l.db.ExecContext(ctx, l.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("ledger: update %s: %w", executionID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: update %s: %w", executionID, err)
	}
	if affected == 0 {
		if _, getErr := l.Get(ctx, executionID); getErr != nil {
			return getErr
		}
		return ErrInvalidTransition
	}
	return nil
}

// allowedCurrent lists the states a record may be in for a move to next:
// every DAG predecessor plus next itself.
func allowedCurrent(next Status) []Status {
	allowed := []Status{next}
	for _, s := range []Status{StatusQueued, StatusRunning} {
		if s != next && s.CanTransition(next) {
			allowed = append(allowed, s)
		}
	}
	return allowed
}

// Get returns one record by execution id.
func (l *SQLLedger) Get(ctx context.Context, executionID string) (*Record, error) {
	row := l.db.QueryRowContext(ctx,
		l.rebind(`SELECT `+selectCols+` FROM orchestrator_executions WHERE execution_id = $1`),
		executionID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get %s: %w", executionID, err)
	}
	return rec, nil
}

// GetByIdempotency returns the record carrying the given key.
func (l *SQLLedger) GetByIdempotency(ctx context.Context, key string) (*Record, error) {
	row := l.db.QueryRowContext(ctx,
		l.rebind(`SELECT `+selectCols+` FROM orchestrator_executions WHERE idempotency_key = $1`),
		key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get by key: %w", err)
	}
	return rec, nil
}

// ListRecent returns up to limit records, newest first.
func (l *SQLLedger) ListRecent(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := l.db.QueryContext(ctx,
		l.rebind(`SELECT `+selectCols+` FROM orchestrator_executions ORDER BY created_at DESC, execution_id DESC LIMIT $1`),
		limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: list: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	return out, nil
}

// Ping reports whether the database answers.
func (l *SQLLedger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close releases the database handle.
func (l *SQLLedger) Close() error {
	return l.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec                  Record
		status, domain, risk string
		key                  sql.NullString
		created, updated     string
	)
	if err := row.Scan(
		&rec.ExecutionID, &status, &rec.ToolName, &domain, &rec.Action,
		&rec.RequestID, &rec.TraceID, &rec.Caller, &rec.Tenant, &rec.Source,
		&rec.Priority, &risk, &key, &created, &updated,
		&rec.DurationMS, &rec.Retries, &rec.CostSpent,
		&rec.Result, &rec.ErrorCode, &rec.ErrorMessage,
	); err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	rec.Domain = envelope.Domain(domain)
	rec.RiskLevel = envelope.RiskLevel(risk)
	if key.Valid {
		rec.IdempotencyKey = key.String
	}
	var err error
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &rec, nil
}
