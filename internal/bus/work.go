package bus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/chatagentctl/internal/ctlerrors"
)

// HandlerFunc processes one claimed job. Returning an error triggers retry
// (if attempts remain) or dead-lettering to StateFailed (spec.md §4.1 work(),
// scenario S5: a job failing on every attempt is marked failed after
// retryLimit attempts, never retried forever).
type HandlerFunc func(ctx context.Context, job Job) error

// WorkOptions configures a Work consumer loop.
type WorkOptions struct {
	BatchSize         int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
}

func (o WorkOptions) withDefaults() WorkOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = defaultVisibilityTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	return o
}

// Work starts a persistent consumer on queue that claims jobs one at a time
// (up to opts.BatchSize concurrently) and runs handler on each. It returns a
// stop function that blocks until all in-flight handlers finish.
//
// The claim/lease/heartbeat shape is grounded on this codebase's task-queue
// claim transaction: a conditional UPDATE ... WHERE state = 'pending' stands
// in for SELECT ... FOR UPDATE SKIP LOCKED, since sqlite3 has no native
// row-level locking, with retryOnBusy absorbing the resulting contention.
func (b *Bus) Work(ctx context.Context, queue string, opts WorkOptions, handler HandlerFunc) (stop func()) {
	opts = opts.withDefaults()
	owner := uuid.NewString()

	workerCtx, cancel := context.WithCancel(ctx)
	sem := make(chan struct{}, opts.BatchSize)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		b.sweepExpiredLeases(workerCtx, queue)
		ticker := time.NewTicker(opts.PollInterval)
		defer ticker.Stop()
		sweepTicker := time.NewTicker(opts.VisibilityTimeout)
		defer sweepTicker.Stop()

		for {
			select {
			case <-workerCtx.Done():
				return
			case <-sweepTicker.C:
				b.sweepExpiredLeases(workerCtx, queue)
			case <-ticker.C:
				for {
					select {
					case sem <- struct{}{}:
					default:
						goto nextTick
					}
					job, err := b.claim(workerCtx, queue, owner, opts.VisibilityTimeout)
					if err != nil {
						<-sem
						if !errors.Is(err, sql.ErrNoRows) {
							b.logger.Error("bus: claim failed", "queue", queue, "error", err)
						}
						goto nextTick
					}
					wg.Add(1)
					go func(j Job) {
						defer wg.Done()
						defer func() { <-sem }()
						b.runOne(workerCtx, owner, opts.VisibilityTimeout, j, handler)
					}(job)
				}
			nextTick:
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}

// claim atomically takes the oldest runnable job on queue, ordered by
// priority descending then creation time (FIFO within priority, spec.md
// §4.1's queue ordering).
func (b *Bus) claim(ctx context.Context, queue, owner string, visibility time.Duration) (Job, error) {
	var job Job
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("%w: begin claim tx: %v", ctlerrors.ErrBusUnavailable, err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()
		row := tx.QueryRowContext(ctx, `
			SELECT id, queue_name, payload, priority, attempt, retry_limit, retry_delay_seconds,
				COALESCE(singleton_key, ''), state, run_after, expires_at,
				COALESCE(lease_owner, ''), lease_expires_at, COALESCE(last_error, ''),
				created_at, updated_at
			FROM jobs
			WHERE queue_name = ? AND state = ? AND run_after <= ? AND expires_at > ?
			ORDER BY priority DESC, created_at ASC
			LIMIT 1;`, queue, StatePending, now, now)
		if scanErr := scanJob(row.Scan, &job); scanErr != nil {
			return scanErr
		}

		leaseExpiresAt := now.Add(visibility)
		res, execErr := tx.ExecContext(ctx, `
			UPDATE jobs
			SET state = ?, lease_owner = ?, lease_expires_at = ?, updated_at = ?
			WHERE id = ? AND state = ?;`,
			StateActive, owner, leaseExpiresAt, now, job.ID, StatePending)
		if execErr != nil {
			return execErr
		}
		n, raErr := res.RowsAffected()
		if raErr != nil {
			return raErr
		}
		if n == 0 {
			// Another worker claimed it first; let the caller poll again.
			return sql.ErrNoRows
		}
		job.State = StateActive
		job.LeaseOwner = owner
		job.LeaseExpiresAt = &leaseExpiresAt
		return tx.Commit()
	})
	if err != nil {
		return Job{}, err
	}
	return job, nil
}

// runOne runs handler on job, extending its lease periodically, and
// transitions it to completed, retry-pending, or failed (dead-lettered)
// depending on the outcome. Lease heartbeat is grounded on the storacha-piri
// jobqueue worker's Extend goroutine pattern.
func (b *Bus) runOne(ctx context.Context, owner string, visibility time.Duration, job Job, handler HandlerFunc) {
	handlerCtx, cancelHandler := context.WithCancel(ctx)
	defer cancelHandler()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		interval := visibility / 2
		if interval <= 0 {
			interval = time.Second
		}
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-handlerCtx.Done():
				return
			case <-t.C:
				if err := b.extendLease(context.Background(), job.ID, owner, visibility); err != nil {
					b.logger.Warn("bus: lease extend failed", "job_id", job.ID, "error", err)
				}
			}
		}
	}()

	err := handler(handlerCtx, job)
	cancelHandler()
	<-heartbeatDone

	if err == nil {
		if markErr := b.markCompleted(context.Background(), job.ID); markErr != nil {
			b.logger.Error("bus: mark completed failed", "job_id", job.ID, "error", markErr)
		}
		return
	}

	b.logger.Warn("bus: job handler failed", "job_id", job.ID, "queue", job.Queue, "attempt", job.Attempt+1, "error", err)

	nextAttempt := job.Attempt + 1
	if nextAttempt >= job.RetryLimit {
		if markErr := b.markFailed(context.Background(), job.ID, err.Error()); markErr != nil {
			b.logger.Error("bus: mark failed failed", "job_id", job.ID, "error", markErr)
		}
		return
	}
	delay := time.Duration(job.RetryDelaySeconds) * time.Duration(nextAttempt) * time.Second
	if markErr := b.markRetry(context.Background(), job.ID, nextAttempt, delay, err.Error()); markErr != nil {
		b.logger.Error("bus: mark retry failed", "job_id", job.ID, "error", markErr)
	}
}

func (b *Bus) extendLease(ctx context.Context, jobID, owner string, visibility time.Duration) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND lease_owner = ? AND state = ?;`,
		time.Now().UTC().Add(visibility), time.Now().UTC(), jobID, owner, StateActive)
	return err
}

func (b *Bus) markCompleted(ctx context.Context, jobID string) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, updated_at = ? WHERE id = ?;`,
		StateCompleted, time.Now().UTC(), jobID)
	return err
}

func (b *Bus) markFailed(ctx context.Context, jobID, lastError string) error {
	_, err := b.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, last_error = ?, updated_at = ? WHERE id = ?;`,
		StateFailed, lastError, time.Now().UTC(), jobID)
	return err
}

func (b *Bus) markRetry(ctx context.Context, jobID string, attempt int, delay time.Duration, lastError string) error {
	now := time.Now().UTC()
	_, err := b.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, attempt = ?, run_after = ?, lease_owner = NULL, lease_expires_at = NULL,
			last_error = ?, updated_at = ?
		WHERE id = ?;`,
		StatePending, attempt, now.Add(delay), lastError, now, jobID)
	return err
}

// sweepExpiredLeases reclaims jobs whose lease expired without the owner
// completing or heartbeating them, and expires jobs past their absolute
// expires_at regardless of lease state.
func (b *Bus) sweepExpiredLeases(ctx context.Context, queue string) {
	now := time.Now().UTC()

	if _, err := b.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, updated_at = ?
		WHERE queue_name = ? AND state IN (?, ?) AND expires_at <= ?;`,
		StateExpired, now, queue, StatePending, StateActive, now); err != nil {
		b.logger.Error("bus: expire sweep failed", "queue", queue, "error", err)
	}

	// A lease expiring without acknowledgement counts as a failed attempt
	// (spec.md §3: "returns to pending with retriesRemaining-1"), so jobs
	// that have now exhausted retry_limit are dead-lettered here rather than
	// reclaimed, the same terminal path markRetry takes on handler failure.
	failRes, err := b.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, last_error = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE queue_name = ? AND state = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?
			AND attempt + 1 >= retry_limit;`,
		StateFailed, "lease expired: retry limit reached", now, queue, StateActive, now)
	if err != nil {
		b.logger.Error("bus: lease expiry dead-letter failed", "queue", queue, "error", err)
		return
	}
	if n, _ := failRes.RowsAffected(); n > 0 {
		b.logger.Warn("bus: dead-lettered jobs after repeated lease expiry", "queue", queue, "count", n)
	}

	res, err := b.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = ?, attempt = attempt + 1, lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE queue_name = ? AND state = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?;`,
		StatePending, now, queue, StateActive, now)
	if err != nil {
		b.logger.Error("bus: lease reclaim failed", "queue", queue, "error", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		b.logger.Info("bus: reclaimed expired leases", "queue", queue, "count", n)
	}
}
