package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/boardfed/domain"
	"github.com/google/uuid"
)

const (
	sqlJobColumns = `id, activity_uri, inbox_uri, target_actor, signer_uri, payload, attempts, status, next_attempt_at, last_error, created_at, updated_at`

	// The partial unique index on (inbox_uri, target_actor) for pending and
	// failed rows turns a second in-flight insert into a no-op.
	sqlInsertJob = `INSERT INTO delivery_jobs(` + sqlJobColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`

	sqlSelectJobByID     = `SELECT ` + sqlJobColumns + ` FROM delivery_jobs WHERE id = ?`
	sqlSelectInflightJob = `SELECT ` + sqlJobColumns + ` FROM delivery_jobs
		WHERE inbox_uri = ? AND target_actor = ? AND status IN ('pending', 'failed')`
	sqlSelectJobDestination = `SELECT inbox_uri, target_actor FROM delivery_jobs WHERE id = ?`

	sqlSelectDueJobs = `SELECT ` + sqlJobColumns + ` FROM delivery_jobs
		WHERE status IN ('pending', 'failed') AND next_attempt_at <= ?
		ORDER BY next_attempt_at, created_at
		LIMIT ?`

	sqlSelectJobsByStatus   = `SELECT ` + sqlJobColumns + ` FROM delivery_jobs WHERE status = ? ORDER BY updated_at DESC LIMIT ?`
	sqlSelectJobsByActivity = `SELECT ` + sqlJobColumns + ` FROM delivery_jobs WHERE activity_uri = ? ORDER BY created_at`
	sqlUpdateJob            = `UPDATE delivery_jobs SET attempts = ?, status = ?, next_attempt_at = ?, last_error = ?, updated_at = ? WHERE id = ?`
	sqlPurgeJobs            = `DELETE FROM delivery_jobs WHERE status = ? AND updated_at < ?`

	sqlInsertBacklog = `INSERT INTO delivery_backlog(id, activity_uri, inbox_uri, target_actor, signer_uri, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`
	sqlSelectNextBacklog = `SELECT id, activity_uri, signer_uri, payload FROM delivery_backlog
		WHERE inbox_uri = ? AND target_actor = ?
		ORDER BY created_at, rowid
		LIMIT 1`
	sqlDeleteBacklog = `DELETE FROM delivery_backlog WHERE id = ?`
	sqlCountBacklog  = `SELECT COUNT(*) FROM delivery_backlog WHERE inbox_uri = ? AND target_actor = ?`
)

// InsertDeliveryJob stores job unless a job for the same inbox and target
// actor is already in flight. In that case the in-flight row is returned and,
// when job carries a different activity, the activity is put on the
// destination's backlog until the in-flight job finishes. The bool reports
// whether job itself became a row.
func (db *DB) InsertDeliveryJob(ctx context.Context, job *domain.DeliveryJob) (*domain.DeliveryJob, bool, error) {
	if job.Id == uuid.Nil {
		job.Id = uuid.New()
	}
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}

	var (
		stored  *domain.DeliveryJob
		created bool
	)
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertJob,
			job.Id.String(),
			job.ActivityURI,
			job.InboxURI,
			job.TargetActor,
			job.SignerURI,
			job.Payload,
			job.Attempts,
			string(job.Status),
			toMillis(job.NextAttemptAt),
			job.LastError,
			toMillis(job.CreatedAt),
			toMillis(job.UpdatedAt),
		)
		err = affected(res, err, ErrDuplicate)
		switch {
		case err == nil:
			created = true
			stored = job
			return nil
		case errors.Is(err, ErrDuplicate):
			created = false
			stored, err = scanJob(tx.QueryRowContext(ctx, sqlSelectInflightJob, job.InboxURI, job.TargetActor))
			if err != nil || stored.ActivityURI == job.ActivityURI {
				return err
			}
			_, err = tx.ExecContext(ctx, sqlInsertBacklog,
				uuid.New().String(),
				job.ActivityURI,
				job.InboxURI,
				job.TargetActor,
				job.SignerURI,
				job.Payload,
				toMillis(job.CreatedAt),
			)
			return err
		default:
			return err
		}
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (db *DB) ReadDeliveryJob(ctx context.Context, id uuid.UUID) (*domain.DeliveryJob, error) {
	return scanJob(db.db.QueryRowContext(ctx, sqlSelectJobByID, id.String()))
}

// ReadDueDeliveryJobs returns up to limit pending or failed jobs whose next
// attempt is at or before now, oldest first.
func (db *DB) ReadDueDeliveryJobs(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryJob, error) {
	return db.queryJobs(ctx, sqlSelectDueJobs, toMillis(now), limit)
}

// ListDeliveryJobs returns the most recently touched jobs with status.
func (db *DB) ListDeliveryJobs(ctx context.Context, status domain.JobStatus, limit int) ([]domain.DeliveryJob, error) {
	return db.queryJobs(ctx, sqlSelectJobsByStatus, string(status), limit)
}

func (db *DB) ReadDeliveryJobsByActivity(ctx context.Context, activityURI string) ([]domain.DeliveryJob, error) {
	return db.queryJobs(ctx, sqlSelectJobsByActivity, activityURI)
}

// UpdateDeliveryJob persists the retry state of job. When job reaches a
// terminal status the oldest backlogged activity for its destination becomes
// the next pending job, due immediately.
func (db *DB) UpdateDeliveryJob(ctx context.Context, job *domain.DeliveryJob) error {
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlUpdateJob,
			job.Attempts,
			string(job.Status),
			toMillis(job.NextAttemptAt),
			job.LastError,
			toMillis(job.UpdatedAt),
			job.Id.String(),
		)
		if err := affected(res, err, ErrNotFound); err != nil {
			return err
		}
		if !job.Status.Terminal() {
			return nil
		}
		return promoteBacklog(ctx, tx, job.Id, job.UpdatedAt)
	})
}

func promoteBacklog(ctx context.Context, tx *sql.Tx, finished uuid.UUID, now time.Time) error {
	var inbox, target string
	if err := tx.QueryRowContext(ctx, sqlSelectJobDestination, finished.String()).Scan(&inbox, &target); err != nil {
		return err
	}

	var id, activityURI, signerURI, payload string
	err := tx.QueryRowContext(ctx, sqlSelectNextBacklog, inbox, target).Scan(&id, &activityURI, &signerURI, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}

	ms := toMillis(now)
	_, err = tx.ExecContext(ctx, sqlInsertJob,
		uuid.New().String(), activityURI, inbox, target, signerURI, payload,
		0, string(domain.JobPending), ms, "", ms, ms,
	)
	if err != nil {
		return fmt.Errorf("promote backlog %s: %w", id, err)
	}
	_, err = tx.ExecContext(ctx, sqlDeleteBacklog, id)
	return err
}

// CountDeliveryBacklog reports how many activities wait behind the in-flight
// job for inbox and target.
func (db *DB) CountDeliveryBacklog(ctx context.Context, inbox, target string) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountBacklog, inbox, target).Scan(&n)
	return n, err
}

// PurgeDeliveryJobs deletes jobs in a terminal status last touched before
// the cutoff.
func (db *DB) PurgeDeliveryJobs(ctx context.Context, status domain.JobStatus, before time.Time) (int64, error) {
	if !status.Terminal() {
		return 0, fmt.Errorf("refusing to purge %s jobs", status)
	}
	var n int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlPurgeJobs, string(status), toMillis(before))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func (db *DB) queryJobs(ctx context.Context, query string, args ...any) ([]domain.DeliveryJob, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.DeliveryJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func scanJob(row scanner) (*domain.DeliveryJob, error) {
	var (
		j                      domain.DeliveryJob
		id, status             string
		next, created, updated int64
	)
	err := row.Scan(&id, &j.ActivityURI, &j.InboxURI, &j.TargetActor, &j.SignerURI, &j.Payload,
		&j.Attempts, &status, &next, &j.LastError, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.Id, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("delivery job id: %w", err)
	}
	j.Status = domain.JobStatus(status)
	j.NextAttemptAt = fromMillis(next)
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	return &j, nil
}
