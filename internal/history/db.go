package history

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Sample is a descriptor-usage observation recorded in the database.
// It mirrors the accounting snapshot without importing it, so the
// history package stays decoupled from the service layer.
type Sample struct {
	Total      int
	Files      int
	Conns      int
	Leaked     int
	SoftLimit  uint64
	LimitKnown bool
	Degraded   bool
}

// DB manages the history SQLite database and periodic flushing.
type DB struct {
	mu        sync.Mutex
	conn      *sqlite.Conn
	collector *Collector
	logger    *slog.Logger
	interval  time.Duration
	cancel    context.CancelFunc
	done      chan struct{}

	// lastTotals stores the cumulative counters from the previous
	// flush so activity rows carry deltas, not running totals.
	lastTotals Totals

	// sampleFn is the callback that observes current usage at flush
	// time. Set via SetSampleSource after the accounting service
	// exists.
	sampleFn func() Sample
}

// Open opens or creates a history database at the given path.
func Open(dbPath string, collector *Collector, logger *slog.Logger, flushInterval time.Duration) (*DB, error) {
	conn, err := sqlite.OpenConn(dbPath, sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	db := &DB{
		conn:      conn,
		collector: collector,
		logger:    logger,
		interval:  flushInterval,
		done:      make(chan struct{}),
	}

	if err := db.ensureSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

// SetSampleSource sets the callback used to observe descriptor usage
// at flush time.
func (db *DB) SetSampleSource(fn func() Sample) {
	db.sampleFn = fn
}

// Start begins the background flush loop.
func (db *DB) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	db.cancel = cancel

	go db.flushLoop(ctx)
}

// Close stops the flush loop, performs a final flush, and closes the
// database.
func (db *DB) Close() error {
	if db.cancel != nil {
		db.cancel()
		<-db.done
	}

	// Final flush.
	if err := db.Flush(); err != nil {
		db.logger.Error("final history flush failed", "error", err)
	}

	return db.conn.Close()
}

// flushLoop runs periodic flushes until the context is cancelled.
func (db *DB) flushLoop(ctx context.Context) {
	defer close(db.done)

	ticker := time.NewTicker(db.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.Flush(); err != nil {
				db.logger.Error("history flush failed", "error", err)
			}
		}
	}
}

// Flush records the current usage sample and activity deltas.
func (db *DB) Flush() (err error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	now := time.Now().UTC()
	hour := now.Truncate(time.Hour).Format("2006-01-02T15")

	defer sqlitex.Save(db.conn)(&err)

	// Usage is a gauge, so each flush inserts an absolute sample row.
	if db.sampleFn != nil {
		s := db.sampleFn()

		var soft any
		if s.LimitKnown {
			soft = int64(s.SoftLimit) //nolint:gosec // descriptor limits fit comfortably
		}
		err = sqlitex.Execute(db.conn, `
			INSERT INTO fd_samples (sampled_at, total, files, conns, leaked, soft_limit, degraded)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, &sqlitex.ExecOptions{
			Args: []any{now.Format(time.RFC3339), s.Total, s.Files, s.Conns, s.Leaked, soft, boolToInt(s.Degraded)},
		})
		if err != nil {
			return fmt.Errorf("insert fd_samples: %w", err)
		}
	}

	// Counters accumulate, so activity rows carry deltas since the
	// previous flush.
	cur := db.collector.Snapshot()
	dReqs := cur.Requests - db.lastTotals.Requests
	dLeaksReq := cur.LeaksRequested - db.lastTotals.LeaksRequested
	dLeaksCreated := cur.LeaksCreated - db.lastTotals.LeaksCreated
	dRejections := cur.Rejections - db.lastTotals.Rejections
	dCleanups := cur.CleanupsClosed - db.lastTotals.CleanupsClosed

	if dReqs != 0 || dLeaksReq != 0 || dLeaksCreated != 0 || dRejections != 0 || dCleanups != 0 {
		err = sqlitex.Execute(db.conn, `
			INSERT INTO activity (hour, requests, leaks_requested, leaks_created, rejections, cleanups_closed)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (hour) DO UPDATE SET
				requests        = requests        + excluded.requests,
				leaks_requested = leaks_requested + excluded.leaks_requested,
				leaks_created   = leaks_created   + excluded.leaks_created,
				rejections      = rejections      + excluded.rejections,
				cleanups_closed = cleanups_closed + excluded.cleanups_closed
		`, &sqlitex.ExecOptions{
			Args: []any{hour, dReqs, dLeaksReq, dLeaksCreated, dRejections, dCleanups},
		})
		if err != nil {
			return fmt.Errorf("upsert activity: %w", err)
		}
	}
	db.lastTotals = cur

	return nil
}

// RecordedSample is a usage sample read back from the database.
type RecordedSample struct {
	SampledAt time.Time
	Total     int
	Leaked    int
	SoftLimit int64 // -1 when the limit was unknown
	Degraded  bool
}

// RecentSamples returns the n most recent usage samples, newest first.
func (db *DB) RecentSamples(n int) []RecordedSample {
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []RecordedSample
	_ = sqlitex.Execute(db.conn, `
		SELECT sampled_at, total, leaked, soft_limit, degraded FROM fd_samples
		ORDER BY sampled_at DESC LIMIT ?
	`, &sqlitex.ExecOptions{
		Args: []any{n},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rec := RecordedSample{
				Total:    int(stmt.ColumnInt64(1)),
				Leaked:   int(stmt.ColumnInt64(2)),
				Degraded: stmt.ColumnInt64(4) != 0,
			}
			if ts, err := time.Parse(time.RFC3339, stmt.ColumnText(0)); err == nil {
				rec.SampledAt = ts
			}
			if stmt.ColumnType(3) == sqlite.TypeNull {
				rec.SoftLimit = -1
			} else {
				rec.SoftLimit = stmt.ColumnInt64(3)
			}
			out = append(out, rec)
			return nil
		},
	})
	return out
}

// ActivityTotals returns the summed activity counters across all
// recorded hours.
func (db *DB) ActivityTotals() Totals {
	db.mu.Lock()
	defer db.mu.Unlock()

	var out Totals
	_ = sqlitex.Execute(db.conn, `
		SELECT COALESCE(SUM(requests), 0),
		       COALESCE(SUM(leaks_requested), 0),
		       COALESCE(SUM(leaks_created), 0),
		       COALESCE(SUM(rejections), 0),
		       COALESCE(SUM(cleanups_closed), 0)
		FROM activity
	`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out.Requests = stmt.ColumnInt64(0)
			out.LeaksRequested = stmt.ColumnInt64(1)
			out.LeaksCreated = stmt.ColumnInt64(2)
			out.Rejections = stmt.ColumnInt64(3)
			out.CleanupsClosed = stmt.ColumnInt64(4)
			return nil
		},
	})
	return out
}

// ensureSchema creates the history tables.
func (db *DB) ensureSchema() error {
	return sqlitex.ExecuteScript(db.conn, `
		CREATE TABLE IF NOT EXISTS fd_samples (
			sampled_at TEXT    NOT NULL,
			total      INTEGER NOT NULL,
			files      INTEGER NOT NULL,
			conns      INTEGER NOT NULL,
			leaked     INTEGER NOT NULL,
			soft_limit INTEGER,
			degraded   INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS fd_samples_time ON fd_samples (sampled_at);

		CREATE TABLE IF NOT EXISTS activity (
			hour            TEXT NOT NULL PRIMARY KEY,
			requests        INTEGER NOT NULL DEFAULT 0,
			leaks_requested INTEGER NOT NULL DEFAULT 0,
			leaks_created   INTEGER NOT NULL DEFAULT 0,
			rejections      INTEGER NOT NULL DEFAULT 0,
			cleanups_closed INTEGER NOT NULL DEFAULT 0
		) WITHOUT ROWID;
	`, nil)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
