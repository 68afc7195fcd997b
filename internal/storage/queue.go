package storage

import (
	"database/sql"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/n0needt0/go-goodies/log"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // CGO-free SQLite

	"github.com/n0needt0/goodies/eventpipe/internal/domain"
	"github.com/n0needt0/goodies/eventpipe/internal/retry"
)

// Queue is the durable store of pending events. Rows are keyed by the
// composite (id, ts_utc) identity so events sharing a caller-supplied id but
// captured at different times never collapse into one row.
type Queue struct {
	path  string
	db    *sql.DB
	retry retry.Policy

	initOnce sync.Once
	initErr  error
}

// DefaultWriteRetries is the attempt budget for transient write/delete
// failures before the error is surfaced.
const DefaultWriteRetries = 3

// NewQueue creates a queue over the sqlite file at path. The store is not
// opened until Init.
func NewQueue(path string) *Queue {
	return &Queue{
		path: path,
		retry: retry.Policy{
			MaxAttempts: DefaultWriteRetries,
			Delay:       retry.Exponential(50 * time.Millisecond),
		},
	}
}

// SetRetryPolicy overrides the write/delete retry discipline. Intended for
// tests that inject a fake sleeper.
func (q *Queue) SetRetryPolicy(p retry.Policy) {
	q.retry = p
}

// Init opens or creates the durable store. Idempotent: concurrent and
// repeated calls share a single in-flight initialization, and an open failure
// is surfaced to every caller as domain.StorageUnavailable.
func (q *Queue) Init() error {
	q.initOnce.Do(func() {
		// WAL + busy timeout to avoid "database is locked". The modernc
		// driver only honors pragmas in _pragma=name(value) form.
		db, err := sql.Open("sqlite", q.path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
		if err != nil {
			q.initErr = domain.StorageUnavailable{Err: errors.Wrap(err, "failed to open durable store")}
			return
		}

		if err := createTables(db); err != nil {
			db.Close()
			q.initErr = domain.StorageUnavailable{Err: err}
			return
		}

		q.db = db
		log.Debugf("durable queue opened at %s", q.path)
	})
	return q.initErr
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS pending_events(
	  id     TEXT    NOT NULL,
	  ts_utc INTEGER NOT NULL,
	  body   TEXT    NOT NULL,
	  PRIMARY KEY (id, ts_utc)
	);
	`)
	if err != nil {
		return errors.Wrap(err, "failed to create durable store tables")
	}
	return nil
}

// Close closes the underlying store. Safe to call before Init.
func (q *Queue) Close() error {
	if q.db == nil {
		return nil
	}
	return q.db.Close()
}

// Append durably adds all events. Transient failures are retried with bounded
// exponential backoff; the terminal error is surfaced as StorageWriteError
// with no partial cleanup. Each call is one transaction, so a single Append
// is not partially applied.
func (q *Queue) Append(events []domain.TrackingEvent) error {
	if err := q.Init(); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	err := q.retry.Do(func(attempt int) error {
		if attempt > 1 {
			log.Debugf("retrying durable append, attempt %d/%d", attempt, q.retry.MaxAttempts)
		}
		return q.appendOnce(events)
	})
	if err != nil {
		return domain.StorageWriteError{Err: err}
	}
	return nil
}

func (q *Queue) appendOnce(events []domain.TrackingEvent) error {
	transaction, err := q.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	statement, err := transaction.Prepare(`INSERT OR REPLACE INTO pending_events(id, ts_utc, body) VALUES(?,?,?)`)
	if err != nil {
		_ = transaction.Rollback()
		return errors.Wrap(err, "failed to prepare statement")
	}
	defer statement.Close()

	for _, event := range events {
		body, err := sonic.Marshal(event)
		if err != nil {
			_ = transaction.Rollback()
			return errors.Wrap(err, "failed to marshal event")
		}
		if _, err := statement.Exec(event.ID, event.Timestamp, string(body)); err != nil {
			_ = transaction.Rollback()
			return errors.Wrap(err, "failed to execute statement")
		}
	}
	if err := transaction.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// GetAll returns every durably pending event in insertion order.
func (q *Queue) GetAll() ([]domain.TrackingEvent, error) {
	if err := q.Init(); err != nil {
		return nil, err
	}

	rows, err := q.db.Query(`SELECT body FROM pending_events ORDER BY rowid`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query pending events")
	}
	defer rows.Close()

	var events []domain.TrackingEvent
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, errors.Wrap(err, "failed to scan pending event")
		}
		var event domain.TrackingEvent
		if err := sonic.Unmarshal([]byte(body), &event); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal pending event")
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate pending events")
	}
	return events, nil
}

// Remove deletes the rows matching each event's (id, timestamp) identity.
// Removing an absent identity is a no-op. Same retry/backoff discipline as
// Append; the terminal error is surfaced as StorageDeleteError.
func (q *Queue) Remove(events []domain.TrackingEvent) error {
	if err := q.Init(); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	err := q.retry.Do(func(attempt int) error {
		if attempt > 1 {
			log.Debugf("retrying durable remove, attempt %d/%d", attempt, q.retry.MaxAttempts)
		}
		return q.removeOnce(events)
	})
	if err != nil {
		return domain.StorageDeleteError{Err: err}
	}
	return nil
}

func (q *Queue) removeOnce(events []domain.TrackingEvent) error {
	transaction, err := q.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	statement, err := transaction.Prepare(`DELETE FROM pending_events WHERE id = ? AND ts_utc = ?`)
	if err != nil {
		_ = transaction.Rollback()
		return errors.Wrap(err, "failed to prepare statement")
	}
	defer statement.Close()

	for _, event := range events {
		if _, err := statement.Exec(event.ID, event.Timestamp); err != nil {
			_ = transaction.Rollback()
			return errors.Wrap(err, "failed to execute statement")
		}
	}
	if err := transaction.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// Len returns the number of durably pending events.
func (q *Queue) Len() (int, error) {
	if err := q.Init(); err != nil {
		return 0, err
	}

	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM pending_events`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "failed to count pending events")
	}
	return n, nil
}
