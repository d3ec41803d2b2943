package output

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/mrzor/sched-timeline/internal/emit"
)

const insertSpanSQL = `INSERT INTO spans
	(run_id, scheduler, seq, depth, start_s, duration_s, class, pid, name)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SQLiteSink stores records in the spans table of a SQLite database. seq
// numbers the records of one scheduler in emission order.
type SQLiteSink struct {
	db     *sql.DB
	path   string
	runID  string
	logger *zap.Logger

	seq  map[int]int64
	rows int64
}

// NewSQLiteSink opens (creating if needed) the database at path.
func NewSQLiteSink(path, runID string, logger *zap.Logger) (*SQLiteSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLiteSink{
		db:     db,
		path:   path,
		runID:  runID,
		logger: logger.Named("sqlite"),
		seq:    make(map[int]int64),
	}, nil
}

// Migrate creates the schema.
func (s *SQLiteSink) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS spans (
			run_id TEXT NOT NULL,
			scheduler INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			depth INTEGER NOT NULL,
			start_s REAL NOT NULL,
			duration_s REAL NOT NULL,
			class TEXT NOT NULL,
			pid TEXT,
			name TEXT,
			PRIMARY KEY (run_id, scheduler, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_spans_start ON spans(run_id, scheduler, start_s)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// DB exposes the underlying connection.
func (s *SQLiteSink) DB() *sql.DB {
	return s.db
}

// HandleBatch inserts the batch in a single transaction.
func (s *SQLiteSink) HandleBatch(entries []emit.Entry) (err error) {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.Prepare(insertSpanSQL)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	next := make(map[int]int64)
	for _, e := range entries {
		seq, ok := next[e.Scheduler]
		if !ok {
			seq = s.seq[e.Scheduler]
		}

		var pid, name sql.NullString
		if e.Record.PID != nil {
			pid = sql.NullString{String: e.Record.PID.Text(), Valid: true}
		}
		if e.Record.Name != "" {
			name = sql.NullString{String: e.Record.Name, Valid: true}
		}

		if _, err = stmt.Exec(s.runID, e.Scheduler, seq, e.Depth,
			e.Record.Start, e.Record.Duration, e.Record.Class, pid, name); err != nil {
			return fmt.Errorf("inserting span of scheduler %d: %w", e.Scheduler, err)
		}
		next[e.Scheduler] = seq + 1
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}

	for n, seq := range next {
		s.seq[n] = seq
	}
	s.rows += int64(len(entries))
	return nil
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	s.logger.Info("Stored spans", zap.String("path", s.path), zap.Int64("rows", s.rows))
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// Abort deletes the rows of this run and closes the database.
func (s *SQLiteSink) Abort() error {
	var errs []error
	if _, err := s.db.Exec(`DELETE FROM spans WHERE run_id = ?`, s.runID); err != nil {
		errs = append(errs, fmt.Errorf("removing partial run: %w", err))
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing database: %w", err))
	}
	return errors.Join(errs...)
}
