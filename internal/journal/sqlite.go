package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"kite-connector/internal/security"
)

// SQLiteJournal implements Journal using SQLite in WAL mode.
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal opens (creating if needed) the journal at dbPath.
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	j := &SQLiteJournal{db: db}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return j, nil
}

func (j *SQLiteJournal) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS order_attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		op TEXT NOT NULL,
		symbol TEXT,
		side TEXT,
		kind TEXT,
		quantity INTEGER,
		price REAL,
		tag TEXT,
		order_id TEXT,
		outcome TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		error TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_order_attempts_timestamp ON order_attempts(timestamp);
	CREATE INDEX IF NOT EXISTS idx_order_attempts_symbol ON order_attempts(symbol);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// Record appends entry. A zero timestamp is set to now.
func (j *SQLiteJournal) Record(ctx context.Context, e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO order_attempts (timestamp, op, symbol, side, kind, quantity, price, tag, order_id, outcome, attempts, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Timestamp.UTC(), e.Op, e.Symbol, e.Side, e.Kind, e.Quantity, e.Price, e.Tag, e.OrderID, e.Outcome, e.Attempts, security.Redact(e.Error))
	if err != nil {
		return fmt.Errorf("failed to record order attempt: %w", err)
	}
	return nil
}

// Entries returns entries matching filter, newest first.
func (j *SQLiteJournal) Entries(ctx context.Context, filter Filter) ([]Entry, error) {
	query := "SELECT id, timestamp, op, symbol, side, kind, quantity, price, tag, order_id, outcome, attempts, error FROM order_attempts WHERE 1=1"
	args := []interface{}{}

	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if filter.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, filter.Outcome)
	}
	if !filter.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since.UTC())
	}

	query += " ORDER BY timestamp DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query order attempts: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var symbol, side, kind, tag, orderID, errText sql.NullString
		var quantity, attempts sql.NullInt64
		var price sql.NullFloat64
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Op, &symbol, &side, &kind, &quantity, &price, &tag, &orderID, &e.Outcome, &attempts, &errText); err != nil {
			return nil, fmt.Errorf("failed to scan order attempt: %w", err)
		}
		e.Symbol = symbol.String
		e.Side = side.String
		e.Kind = kind.String
		e.Quantity = int(quantity.Int64)
		e.Price = price.Float64
		e.Tag = tag.String
		e.OrderID = orderID.String
		e.Attempts = int(attempts.Int64)
		e.Error = errText.String
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order attempts: %w", err)
	}
	return entries, nil
}

var _ Journal = (*SQLiteJournal)(nil)
