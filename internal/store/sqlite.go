package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adlytic/assistant/internal/domain"
	_ "modernc.org/sqlite"
)

// conflictRetries bounds retry attempts on SQLITE_BUSY.
const conflictRetries = 3

// SQLiteCache implements Cache using SQLite.
type SQLiteCache struct {
	db      *sql.DB
	writeMu sync.Mutex // serialize writes to avoid SQLITE_BUSY under churn
}

// NewSQLite creates a new SQLite-backed cache.
func NewSQLite(dbPath string) (Cache, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping cache database: %w", err)
	}

	cache := &SQLiteCache{db: db}
	if err := cache.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize cache schema: %w", err)
	}

	return cache, nil
}

func (c *SQLiteCache) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS date_ranges (
		user_id TEXT PRIMARY KEY,
		start_date TEXT NOT NULL DEFAULT '',
		end_date TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := c.db.Exec(query); err != nil {
		return fmt.Errorf("create cache schema: %w", err)
	}
	return nil
}

// Ping verifies cache connectivity.
func (c *SQLiteCache) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// GetDateRange retrieves the cached analysis date range for a user.
func (c *SQLiteCache) GetDateRange(ctx context.Context, userID string) (domain.DateRange, bool, error) {
	query := `SELECT start_date, end_date FROM date_ranges WHERE user_id = ?`

	var r domain.DateRange
	err := c.db.QueryRowContext(ctx, query, userID).Scan(&r.StartDate, &r.EndDate)
	if err == sql.ErrNoRows {
		return domain.DateRange{}, false, nil
	}
	if err != nil {
		return domain.DateRange{}, false, fmt.Errorf("scan date range row: %w", err)
	}
	return r, true, nil
}

// PutDateRange stores the analysis date range for a user and refreshes the
// debug mirror entry.
func (c *SQLiteCache) PutDateRange(ctx context.Context, userID string, r domain.DateRange) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.upsert(ctx, userID, r); err != nil {
		return err
	}
	// Debug mirror failures are not worth surfacing to the caller.
	_ = c.upsert(ctx, DebugEntryKey, r)
	return nil
}

func (c *SQLiteCache) upsert(ctx context.Context, userID string, r domain.DateRange) error {
	query := `
	INSERT INTO date_ranges (user_id, start_date, end_date, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		start_date = excluded.start_date,
		end_date = excluded.end_date,
		updated_at = excluded.updated_at`

	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		_, err = c.db.ExecContext(ctx, query, userID, r.StartDate, r.EndDate, time.Now().Unix())
		if err == nil || !isSQLiteConflict(err) {
			break
		}
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	if err != nil {
		return fmt.Errorf("upsert date range: %w", err)
	}
	return nil
}

// isSQLiteConflict reports whether err is a transient lock conflict worth
// retrying. modernc.org/sqlite surfaces these as strings.
func isSQLiteConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// DeleteDateRange removes a user's cached range.
func (c *SQLiteCache) DeleteDateRange(ctx context.Context, userID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.db.ExecContext(ctx, `DELETE FROM date_ranges WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete date range: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (c *SQLiteCache) Close() error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("close cache database: %w", err)
	}
	return nil
}
