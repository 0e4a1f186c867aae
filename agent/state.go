package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"bountyboard-backend/core/bounty"
)

const stateSchema = `
CREATE TABLE IF NOT EXISTS cursor (
	name     TEXT PRIMARY KEY,
	position INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS pending (
	bounty_id    TEXT PRIMARY KEY,
	position     INTEGER NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	next_attempt INTEGER NOT NULL,
	last_error   TEXT NOT NULL DEFAULT '',
	enqueued_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS pending_next_attempt ON pending (next_attempt);
CREATE TABLE IF NOT EXISTS handled (
	bounty_id  TEXT PRIMARY KEY,
	outcome    TEXT NOT NULL,
	handled_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS submitted (
	bounty_id     TEXT PRIMARY KEY,
	submission_id INTEGER NOT NULL,
	submitted_at  INTEGER NOT NULL
);
`

const streamCursor = "ledger"

// Pending is a bounty waiting for its metadata fetch or for execution.
type Pending struct {
	BountyID    bounty.ID
	Position    uint64
	Attempts    int
	NextAttempt time.Time
	LastError   string
}

// State is the agent's durable cursor and work queue, kept in SQLite so a
// restarted agent resumes exactly where it stopped.
type State struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// OpenState opens (or creates) the state database at path.
func OpenState(ctx context.Context, path string, logger *slog.Logger) (*State, error) {
	if path == "" {
		return nil, fmt.Errorf("agent state: path is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    4,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("agent state: opening %s: %w", path, err)
	}
	s := &State{pool: pool, logger: logger, path: path}

	conn, err := pool.Take(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("agent state: take: %w", err)
	}
	err = sqlitex.ExecuteScript(conn, stateSchema, nil)
	pool.Put(conn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("agent state: schema: %w", err)
	}
	logger.Info("agent state opened", "path", path)
	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA cache_size=-8192",
		"PRAGMA temp_store=MEMORY",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("agent state: %s: %w", pragma, err)
		}
	}
	return nil
}

// Close releases every connection.
func (s *State) Close() error {
	if err := s.pool.Close(); err != nil {
		s.logger.Error("agent state close error", "path", s.path, "error", err)
		return err
	}
	return nil
}

func (s *State) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("agent state: take: %w", err)
	}
	return conn, nil
}

// Cursor returns the next stream position to read and whether one has
// been stored yet.
func (s *State) Cursor(ctx context.Context) (uint64, bool, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return 0, false, err
	}
	defer s.pool.Put(conn)

	var pos uint64
	found := false
	err = sqlitex.Execute(conn, `SELECT position FROM cursor WHERE name = ?`, &sqlitex.ExecOptions{
		Args: []any{streamCursor},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			pos = uint64(stmt.ColumnInt64(0))
			found = true
			return nil
		},
	})
	return pos, found, err
}

// SetCursor stores the next stream position.
func (s *State) SetCursor(ctx context.Context, pos uint64) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return setCursor(conn, pos)
}

func setCursor(conn *sqlite.Conn, pos uint64) error {
	return sqlitex.Execute(conn, `
		INSERT INTO cursor (name, position) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET position = MAX(position, excluded.position)`,
		&sqlitex.ExecOptions{Args: []any{streamCursor, int64(pos)}})
}

func isHandled(conn *sqlite.Conn, id bounty.ID) (bool, error) {
	found := false
	err := sqlitex.Execute(conn, `SELECT 1 FROM handled WHERE bounty_id = ?`, &sqlitex.ExecOptions{
		Args: []any{string(id)},
		ResultFunc: func(*sqlite.Stmt) error {
			found = true
			return nil
		},
	})
	return found, err
}

func enqueue(conn *sqlite.Conn, id bounty.ID, pos uint64, now time.Time) error {
	done, err := isHandled(conn, id)
	if err != nil || done {
		return err
	}
	return sqlitex.Execute(conn, `
		INSERT OR IGNORE INTO pending (bounty_id, position, next_attempt, enqueued_at)
		VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{string(id), int64(pos), now.UnixMilli(), now.UnixMilli()}})
}

// Record applies one stream event to the queue and advances the cursor
// past it in the same transaction.
func (s *State) Record(ctx context.Context, evt bounty.Event, now time.Time) (err error) {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("agent state: begin: %w", err)
	}
	defer endTransaction(&err)

	switch evt.Kind {
	case bounty.EventCreated:
		if err = enqueue(conn, evt.BountyID, evt.Position, now); err != nil {
			return err
		}
	case bounty.EventCompleted, bounty.EventCancelled:
		if err = finish(conn, evt.BountyID, "resolved_"+string(evt.Kind), now, false); err != nil {
			return err
		}
	}
	return setCursor(conn, evt.Position+1)
}

// Enqueue adds a bounty found outside the stream (the backlog). Already
// handled bounties are ignored.
func (s *State) Enqueue(ctx context.Context, id bounty.ID, pos uint64, now time.Time) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return enqueue(conn, id, pos, now)
}

// Due returns up to limit pending bounties whose next attempt is at or
// before now, oldest first.
func (s *State) Due(ctx context.Context, now time.Time, limit int) ([]Pending, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	if limit <= 0 {
		limit = 100
	}
	var out []Pending
	err = sqlitex.Execute(conn, `
		SELECT bounty_id, position, attempts, next_attempt, last_error
		FROM pending WHERE next_attempt <= ?
		ORDER BY next_attempt, position LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{now.UnixMilli(), limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, Pending{
					BountyID:    bounty.ID(stmt.ColumnText(0)),
					Position:    uint64(stmt.ColumnInt64(1)),
					Attempts:    stmt.ColumnInt(2),
					NextAttempt: time.UnixMilli(stmt.ColumnInt64(3)),
					LastError:   stmt.ColumnText(4),
				})
				return nil
			},
		})
	return out, err
}

// Reschedule records a failed attempt.
func (s *State) Reschedule(ctx context.Context, id bounty.ID, attempts int, next time.Time, lastErr string) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return sqlitex.Execute(conn, `
		UPDATE pending SET attempts = ?, next_attempt = ?, last_error = ? WHERE bounty_id = ?`,
		&sqlitex.ExecOptions{Args: []any{attempts, next.UnixMilli(), lastErr, string(id)}})
}

// Finish removes a bounty from the queue and remembers the outcome so a
// replayed Created event is ignored. submissionID is recorded when the
// outcome was a submission.
func (s *State) Finish(ctx context.Context, id bounty.ID, outcome string, submissionID *int64, now time.Time) (err error) {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("agent state: begin: %w", err)
	}
	defer endTransaction(&err)

	if err = finish(conn, id, outcome, now, true); err != nil {
		return err
	}
	if submissionID != nil {
		err = sqlitex.Execute(conn, `
			INSERT OR IGNORE INTO submitted (bounty_id, submission_id, submitted_at) VALUES (?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{string(id), *submissionID, now.UnixMilli()}})
	}
	return err
}

func finish(conn *sqlite.Conn, id bounty.ID, outcome string, now time.Time, replace bool) error {
	if err := sqlitex.Execute(conn, `DELETE FROM pending WHERE bounty_id = ?`,
		&sqlitex.ExecOptions{Args: []any{string(id)}}); err != nil {
		return err
	}
	query := `INSERT OR IGNORE INTO handled (bounty_id, outcome, handled_at) VALUES (?, ?, ?)`
	if replace {
		query = `INSERT OR REPLACE INTO handled (bounty_id, outcome, handled_at) VALUES (?, ?, ?)`
	}
	return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: []any{string(id), outcome, now.UnixMilli()}})
}

// Outcome reports how a bounty was handled, or "" if it was not.
func (s *State) Outcome(ctx context.Context, id bounty.ID) (string, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return "", err
	}
	defer s.pool.Put(conn)

	var outcome string
	err = sqlitex.Execute(conn, `SELECT outcome FROM handled WHERE bounty_id = ?`, &sqlitex.ExecOptions{
		Args: []any{string(id)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			outcome = stmt.ColumnText(0)
			return nil
		},
	})
	return outcome, err
}

// Submitted reports whether this agent already submitted to id.
func (s *State) Submitted(ctx context.Context, id bounty.ID) (bool, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	found := false
	err = sqlitex.Execute(conn, `SELECT 1 FROM submitted WHERE bounty_id = ?`, &sqlitex.ExecOptions{
		Args: []any{string(id)},
		ResultFunc: func(*sqlite.Stmt) error {
			found = true
			return nil
		},
	})
	return found, err
}

// PendingCount is the queue depth.
func (s *State) PendingCount(ctx context.Context) (int, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	n := 0
	err = sqlitex.Execute(conn, `SELECT COUNT(*) FROM pending`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt(0)
			return nil
		},
	})
	return n, err
}
