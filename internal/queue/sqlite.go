package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/pushpool/internal/storage"
)

// DefaultPollInterval is how often an empty SQLite queue is re-checked while
// a pop is waiting.
const DefaultPollInterval = 200 * time.Millisecond

// SQLiteSource is a Source backed by the queue_items table. Rows are popped
// in ascending seq order; requeued rows get a seq below the current minimum.
type SQLiteSource struct {
	db    *sql.DB
	poll  time.Duration
	owned bool
	now   func() time.Time
}

// OpenSQLiteSource opens the database at path and returns a source that
// closes it on Close.
func OpenSQLiteSource(ctx context.Context, path string, poll time.Duration) (*SQLiteSource, error) {
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	s := NewSQLiteSource(db, poll)
	s.owned = true
	return s, nil
}

// NewSQLiteSource wraps an already bootstrapped database.
func NewSQLiteSource(db *sql.DB, poll time.Duration) *SQLiteSource {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &SQLiteSource{db: db, poll: poll, now: time.Now}
}

func (s *SQLiteSource) BlockingPop(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	deadline := s.now().Add(timeout)
	for {
		data, err := s.popOnce(ctx, key)
		if err != nil || data != nil {
			return data, err
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		if wait > s.poll {
			wait = s.poll
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *SQLiteSource) popOnce(ctx context.Context, key string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
DELETE FROM queue_items
WHERE seq = (
  SELECT seq FROM queue_items WHERE queue = ? ORDER BY seq ASC LIMIT 1
)
RETURNING payload;
`, key).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("pop from %s: %w", key, err)
	}
	if payload == nil {
		payload = []byte{}
	}
	return payload, nil
}

func (s *SQLiteSource) Requeue(ctx context.Context, key string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO queue_items(seq, queue, payload, enqueued_at, requeued)
VALUES(COALESCE((SELECT MIN(seq) FROM queue_items), 1) - 1, ?, ?, ?, 1);
`, key, nonNil(data), s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("requeue to %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteSource) Push(ctx context.Context, key string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO queue_items(queue, payload, enqueued_at) VALUES(?, ?, ?);
`, key, nonNil(data), s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("push to %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteSource) Depth(ctx context.Context, key string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_items WHERE queue = ?;`, key).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", key, err)
	}
	return n, nil
}

func (s *SQLiteSource) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// payload is NOT NULL; a nil slice would bind as NULL.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
