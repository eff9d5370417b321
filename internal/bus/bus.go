// Package bus implements the durable message bus: a transactional job queue
// backed by a relational store (sqlite3 here, over database/sql). It
// provides named queues, priority FIFO ordering, retry with backoff and
// expiry, and singleton-key deduplication, per spec.md §3-4.1.
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/chatagentctl/internal/ctlerrors"
)

// State is a Job's lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateExpired   State = "expired"
)

const (
	defaultRetryLimit        = 3
	defaultRetryDelaySeconds = 30
	defaultExpireInHours     = 1.0
	defaultVisibilityTimeout = 30 * time.Second
	defaultBatchSize         = 1
	defaultPollInterval      = 200 * time.Millisecond
)

// Job is the unit carried on the bus.
type Job struct {
	ID                string
	Queue             string
	Payload           json.RawMessage
	Priority          int
	Attempt           int
	RetryLimit        int
	RetryDelaySeconds int
	SingletonKey      string
	State             State
	RunAfter          time.Time
	ExpiresAt         time.Time
	LeaseOwner        string
	LeaseExpiresAt    *time.Time
	LastError         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SendOptions configures a Send call.
type SendOptions struct {
	Priority          int
	RetryLimit        int
	RetryDelaySeconds int
	ExpireInHours     float64
	SingletonKey      string
}

func (o SendOptions) withDefaults() SendOptions {
	if o.RetryLimit <= 0 {
		o.RetryLimit = defaultRetryLimit
	}
	if o.RetryDelaySeconds <= 0 {
		o.RetryDelaySeconds = defaultRetryDelaySeconds
	}
	if o.ExpireInHours <= 0 {
		o.ExpireInHours = defaultExpireInHours
	}
	return o
}

// Bus is a transactional job queue over a single sqlite3 database.
type Bus struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the bus's backing database at dsn.
func Open(dsn string, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	full := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", dsn)
	db, err := sql.Open("sqlite3", full)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	b := &Bus{db: db, logger: logger}
	if err := b.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := b.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bus) Close() error { return b.db.Close() }

// Ping reports whether the backing store is reachable.
func (b *Bus) Ping(ctx context.Context) error { return b.db.PingContext(ctx) }

func (b *Bus) configurePragmas(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
	} {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func (b *Bus) initSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	queue_name TEXT NOT NULL,
	payload TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	attempt INTEGER NOT NULL DEFAULT 0,
	retry_limit INTEGER NOT NULL DEFAULT 3,
	retry_delay_seconds INTEGER NOT NULL DEFAULT 30,
	singleton_key TEXT,
	state TEXT NOT NULL,
	run_after TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	lease_owner TEXT,
	lease_expires_at TIMESTAMP,
	last_error TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_claim_idx ON jobs(queue_name, state, run_after);
CREATE UNIQUE INDEX IF NOT EXISTS jobs_singleton_active_idx
	ON jobs(queue_name, singleton_key)
	WHERE singleton_key IS NOT NULL AND state IN ('pending', 'active');
`
	if _, err := b.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init bus schema: %w", err)
	}
	return nil
}

// Send enqueues payload on queue and returns its job id. If opts.SingletonKey
// is set and a job with that key is already pending/active on the queue, the
// existing job id is returned instead of creating a duplicate (spec.md §4.1
// singleton semantics, testable property 1 and scenario S6).
func (b *Bus) Send(ctx context.Context, queue string, payload any, opts SendOptions) (string, error) {
	opts = opts.withDefaults()

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	var jobID string
	err = retryOnBusy(ctx, 5, func() error {
		tx, txErr := b.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("%w: begin send tx: %v", ctlerrors.ErrBusUnavailable, txErr)
		}
		defer func() { _ = tx.Rollback() }()

		if opts.SingletonKey != "" {
			var existing string
			row := tx.QueryRowContext(ctx, `
				SELECT id FROM jobs
				WHERE queue_name = ? AND singleton_key = ? AND state IN ('pending', 'active')
				LIMIT 1;`, queue, opts.SingletonKey)
			switch scanErr := row.Scan(&existing); {
			case scanErr == nil:
				jobID = existing
				return tx.Rollback()
			case errors.Is(scanErr, sql.ErrNoRows):
				// fall through to insert
			default:
				return fmt.Errorf("check singleton key: %w", scanErr)
			}
		}

		id := uuid.NewString()
		now := time.Now().UTC()
		expiresAt := now.Add(time.Duration(opts.ExpireInHours * float64(time.Hour)))

		var singleton any
		if opts.SingletonKey != "" {
			singleton = opts.SingletonKey
		}

		if _, execErr := tx.ExecContext(ctx, `
			INSERT INTO jobs (
				id, queue_name, payload, priority, attempt, retry_limit, retry_delay_seconds,
				singleton_key, state, run_after, expires_at, created_at, updated_at
			) VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?);
		`, id, queue, string(body), opts.Priority, opts.RetryLimit, opts.RetryDelaySeconds,
			singleton, StatePending, now, expiresAt, now, now); execErr != nil {
			if isUniqueConstraint(execErr) {
				// Lost the race to a concurrent sender with the same key; resolve to theirs.
				return tx.Rollback()
			}
			return fmt.Errorf("insert job: %w", execErr)
		}
		jobID = id
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}

	// If we rolled back due to a unique-constraint race, re-read the winner.
	if jobID == "" {
		return b.resolveSingleton(ctx, queue, opts.SingletonKey)
	}
	return jobID, nil
}

func (b *Bus) resolveSingleton(ctx context.Context, queue, key string) (string, error) {
	var id string
	row := b.db.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE queue_name = ? AND singleton_key = ? AND state IN ('pending', 'active')
		ORDER BY created_at ASC LIMIT 1;`, queue, key)
	if err := row.Scan(&id); err != nil {
		return "", fmt.Errorf("%w: resolve singleton: %v", ctlerrors.ErrQueueRejected, err)
	}
	return id, nil
}

func isUniqueConstraint(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") || strings.Contains(err.Error(), "constraint failed"))
}

// Cancel marks a pending or active job as failed (cancelled), removing it
// from further consideration.
func (b *Bus) Cancel(ctx context.Context, queue, jobID string) error {
	res, err := b.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, last_error = 'canceled', updated_at = ?
		WHERE id = ? AND queue_name = ? AND state IN ('pending', 'active');
	`, StateFailed, time.Now().UTC(), jobID, queue)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cancel rows affected: %w", err)
	}
	if n == 0 {
		return ctlerrors.ErrJobNotFound
	}
	return nil
}

// GetJob returns the current state of a job.
func (b *Bus) GetJob(ctx context.Context, queue, jobID string) (*Job, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, queue_name, payload, priority, attempt, retry_limit, retry_delay_seconds,
			COALESCE(singleton_key, ''), state, run_after, expires_at,
			COALESCE(lease_owner, ''), lease_expires_at, COALESCE(last_error, ''),
			created_at, updated_at
		FROM jobs WHERE id = ? AND queue_name = ?;`, jobID, queue)
	var j Job
	if err := scanJob(row.Scan, &j); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ctlerrors.ErrJobNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &j, nil
}

// QueueSize returns the count of pending jobs on queue.
func (b *Bus) QueueSize(ctx context.Context, queue string) (int, error) {
	var n int
	row := b.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs WHERE queue_name = ? AND state = ?;`, queue, StatePending)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("queue size: %w", err)
	}
	return n, nil
}

func scanJob(scan func(dest ...any) error, j *Job) error {
	var singleton string
	var leaseExpiresAt sql.NullTime
	err := scan(
		&j.ID, &j.Queue, &j.Payload, &j.Priority, &j.Attempt, &j.RetryLimit, &j.RetryDelaySeconds,
		&singleton, &j.State, &j.RunAfter, &j.ExpiresAt,
		&j.LeaseOwner, &leaseExpiresAt, &j.LastError,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return err
	}
	j.SingletonKey = singleton
	if leaseExpiresAt.Valid {
		t := leaseExpiresAt.Time
		j.LeaseExpiresAt = &t
	}
	return nil
}
