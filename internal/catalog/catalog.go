// Package catalog keeps job history and the index of saved captures in a
// SQLite database. Job records are buffered and written in batches off the
// job-settling path; a full buffer drops records instead of blocking.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"spectracam/internal/jobs"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_history (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	status       TEXT NOT NULL,
	reason       TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	enqueued_at  INTEGER NOT NULL,
	started_at   INTEGER NOT NULL,
	completed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_history_completed ON job_history(completed_at);

CREATE TABLE IF NOT EXISTS captures (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	dir              TEXT NOT NULL,
	created_at       INTEGER NOT NULL,
	working_distance INTEGER NOT NULL,
	regions          INTEGER NOT NULL,
	expression       TEXT NOT NULL DEFAULT ''
);
`

var ErrClosed = errors.New("catalog: closed")

type JobEntry struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason"`
	Error     string    `json:"error,omitempty"`
	Enqueued  time.Time `json:"enqueued"`
	Started   time.Time `json:"started"`
	Completed time.Time `json:"completed"`
}

type CaptureEntry struct {
	ID              int64     `json:"id"`
	Dir             string    `json:"dir"`
	CreatedAt       time.Time `json:"created_at"`
	WorkingDistance int       `json:"working_distance"`
	Regions         int       `json:"regions"`
	Expression      string    `json:"expression,omitempty"`
}

type Option func(*Catalog)

func WithLogger(l *slog.Logger) Option {
	return func(c *Catalog) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithBuffer sets the pending-record cap and the flush interval.
func WithBuffer(size int, interval time.Duration) Option {
	return func(c *Catalog) {
		if size > 0 {
			c.bufferSize = size
		}
		if interval > 0 {
			c.flushInterval = interval
		}
	}
}

type Catalog struct {
	db            *sql.DB
	logger        *slog.Logger
	bufferSize    int
	flushInterval time.Duration

	mu      sync.Mutex
	pending []JobEntry
	closed  bool
	dropped atomic.Uint64

	stop chan struct{}
	done chan struct{}
}

// Open opens (creating if needed) the database at path.
func Open(path string, opts ...Option) (*Catalog, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog schema: %w", err)
	}

	c := &Catalog{
		db:            db,
		logger:        slog.Default(),
		bufferSize:    256,
		flushInterval: 2 * time.Second,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "catalog")
	go c.flushLoop()
	return c, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=10000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// RecordJob is a jobs.Observer. It never blocks on the database.
func (c *Catalog) RecordJob(rec jobs.Record) {
	entry := JobEntry{
		ID:        rec.ID,
		Name:      rec.Name,
		Status:    rec.Status.String(),
		Reason:    rec.Reason.String(),
		Enqueued:  rec.Enqueued,
		Started:   rec.Started,
		Completed: rec.Completed,
	}
	if rec.Err != nil {
		entry.Error = rec.Err.Error()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || len(c.pending) >= c.bufferSize {
		c.dropped.Add(1)
		return
	}
	c.pending = append(c.pending, entry)
}

// Dropped counts job records discarded because the buffer was full.
func (c *Catalog) Dropped() uint64 { return c.dropped.Load() }

// Flush writes pending job records now.
func (c *Catalog) Flush(ctx context.Context) error {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()
	return c.writeJobs(ctx, batch)
}

func (c *Catalog) flushLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := c.Flush(ctx); err != nil {
				c.logger.Error("final flush failed", "err", err)
			}
			cancel()
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := c.Flush(ctx); err != nil {
				c.logger.Error("flush failed", "err", err)
			}
			cancel()
		}
	}
}

func (c *Catalog) writeJobs(ctx context.Context, batch []JobEntry) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO job_history
		(id, name, status, reason, error, enqueued_at, started_at, completed_at)
		VALUES (?,?,?,?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range batch {
		if _, err := stmt.ExecContext(ctx, e.ID, e.Name, e.Status, e.Reason, e.Error,
			unixNano(e.Enqueued), unixNano(e.Started), unixNano(e.Completed)); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert job %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

// RecentJobs returns up to limit job records, newest first.
func (c *Catalog) RecentJobs(ctx context.Context, limit int) ([]JobEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.db.QueryContext(ctx, `SELECT id, name, status, reason, error, enqueued_at, started_at, completed_at
		FROM job_history ORDER BY completed_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []JobEntry
	for rows.Next() {
		var e JobEntry
		var enq, start, done int64
		if err := rows.Scan(&e.ID, &e.Name, &e.Status, &e.Reason, &e.Error, &enq, &start, &done); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		e.Enqueued, e.Started, e.Completed = fromUnixNano(enq), fromUnixNano(start), fromUnixNano(done)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (c *Catalog) AddCapture(ctx context.Context, e CaptureEntry) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO captures (dir, created_at, working_distance, regions, expression) VALUES (?,?,?,?,?)`,
		e.Dir, unixNano(e.CreatedAt), e.WorkingDistance, e.Regions, e.Expression)
	if err != nil {
		return 0, fmt.Errorf("insert capture: %w", err)
	}
	return res.LastInsertId()
}

// Captures returns up to limit saved captures, newest first.
func (c *Catalog) Captures(ctx context.Context, limit int) ([]CaptureEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.db.QueryContext(ctx, `SELECT id, dir, created_at, working_distance, regions, expression
		FROM captures ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query captures: %w", err)
	}
	defer rows.Close()

	var out []CaptureEntry
	for rows.Next() {
		var e CaptureEntry
		var created int64
		if err := rows.Scan(&e.ID, &e.Dir, &created, &e.WorkingDistance, &e.Regions, &e.Expression); err != nil {
			return nil, fmt.Errorf("scan capture: %w", err)
		}
		e.CreatedAt = fromUnixNano(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup deletes job records completed before now-retention.
func (c *Catalog) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).UnixNano()
	res, err := c.db.ExecContext(ctx, "DELETE FROM job_history WHERE completed_at < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup jobs: %w", err)
	}
	return res.RowsAffected()
}

// Close flushes pending records and closes the database.
func (c *Catalog) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stop)
	<-c.done
	return c.db.Close()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
