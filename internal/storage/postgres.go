package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/SirClappington/jobq/internal/domain"
)

const uniqueViolation = "23505"

const jobColumns = `id, job_type, priority, payload, status, retry_count,
created_at, claimed_at, completed_at, available_after, claimed_by`

// PostgresStore keeps job records in the jobs table. Update locks the row with
// SELECT ... FOR UPDATE for the duration of the mutation.
type PostgresStore struct{ db *pgxpool.Pool }

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore { return &PostgresStore{db} }

func (s *PostgresStore) Create(ctx context.Context, j domain.Job) error {
	_, err := s.db.Exec(ctx, `insert into jobs(`+jobColumns+`)
values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		j.ID, string(j.Type), string(j.Priority), []byte(j.Payload), string(j.Status), j.RetryCount,
		j.CreatedAt, j.ClaimedAt, j.CompletedAt, j.AvailableAfter, j.ClaimedBy,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return &domain.DuplicateIDError{ID: j.ID}
	}
	return errors.Wrapf(err, "insert job %s", j.ID)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (domain.Job, error) {
	row := s.db.QueryRow(ctx, `select `+jobColumns+` from jobs where id = $1`, id)
	return scanJob(row, id)
}

func (s *PostgresStore) Update(ctx context.Context, id string, mutate Mutation) (domain.Job, error) {
	var out domain.Job
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		job, err := scanJob(tx.QueryRow(ctx, `select `+jobColumns+` from jobs where id = $1 for update`, id), id)
		if err != nil {
			return err
		}
		before := job
		if err := mutate(&job); err != nil {
			return err
		}
		if err := checkImmutable(before, job); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `update jobs
   set status = $2, retry_count = $3, claimed_at = $4, completed_at = $5,
       available_after = $6, claimed_by = $7
 where id = $1`,
			id, string(job.Status), job.RetryCount, job.ClaimedAt, job.CompletedAt, job.AvailableAfter, job.ClaimedBy,
		)
		out = job
		return err
	})
	if err != nil {
		if IsDomainError(err) {
			return domain.Job{}, err
		}
		return domain.Job{}, errors.Wrapf(err, "update job %s", id)
	}
	return out, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `delete from jobs where id = $1`, id)
	return errors.Wrapf(err, "delete job %s", id)
}

func (s *PostgresStore) ListProcessing(ctx context.Context, claimedBefore time.Time, limit int) ([]string, error) {
	rows, err := s.db.Query(ctx, `select id from jobs
 where status = $1 and claimed_at < $2
 order by claimed_at asc limit $3`, string(domain.Processing), claimedBefore, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list processing jobs")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return ids, errors.Wrap(err, "list processing jobs")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return errors.Wrap(s.db.Ping(ctx), "ping postgres")
}

func scanJob(row pgx.Row, id string) (domain.Job, error) {
	var (
		j                    domain.Job
		typ, prio, status    string
		payload              []byte
		claimedAt, completed *time.Time
	)
	err := row.Scan(&j.ID, &typ, &prio, &payload, &status, &j.RetryCount,
		&j.CreatedAt, &claimedAt, &completed, &j.AvailableAfter, &j.ClaimedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, &domain.NotFoundError{ID: id}
	}
	if err != nil {
		return domain.Job{}, errors.Wrapf(err, "scan job %s", id)
	}
	j.Type = domain.JobType(typ)
	j.Priority = domain.Priority(prio)
	j.Status = domain.Status(status)
	j.Payload = payload
	j.ClaimedAt = claimedAt
	j.CompletedAt = completed
	j.CreatedAt = j.CreatedAt.UTC()
	j.AvailableAfter = j.AvailableAfter.UTC()
	return j, nil
}
