package repo

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"payline/internal/domain"
	"payline/internal/money"
)

const jobColumns = `id,title,value_cents,team_pool_cents,fund_contribution_cents,total_interactions,status,created_by,created_at,completed_at,paid_at,paid_by`

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		j                           domain.Job
		value, pool, contribution   int64
		status                      string
		completedAt, paidAt, paidBy sql.NullString
	)
	if err := row.Scan(&j.ID, &j.Title, &value, &pool, &contribution, &j.TotalInteractions, &status,
		&j.CreatedBy, &j.CreatedAt, &completedAt, &paidAt, &paidBy); err != nil {
		return j, err
	}
	j.Value = money.FromCents(value)
	j.TeamPool = money.FromCents(pool)
	j.FundContribution = money.FromCents(contribution)
	j.Status = domain.JobStatus(status)
	j.CompletedAt = optionalString(completedAt)
	j.PaidAt = optionalString(paidAt)
	j.PaidBy = optionalString(paidBy)
	return j, nil
}

func (r Repo) InsertJobTx(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO jobs(id,title,value_cents,team_pool_cents,fund_contribution_cents,total_interactions,status,created_by,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Title, money.Cents(j.Value), money.Cents(j.TeamPool), money.Cents(j.FundContribution),
		j.TotalInteractions, string(j.Status), j.CreatedBy, j.CreatedAt)
	return errors.Wrapf(err, "insert job %s", j.ID)
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return r.GetJobTx(ctx, nil, id)
}

func (r Repo) GetJobTx(ctx context.Context, tx *sql.Tx, id string) (domain.Job, error) {
	j, err := scanJob(r.on(tx).QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
	if err != nil {
		return j, notFound(err, "job "+id)
	}
	return j, nil
}

type JobFilters struct {
	Status string
	Limit  int
}

func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	args = append(args, normalizeLimit(f.Limit))
	rows, err := r.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs`+whereClause(clauses)+` ORDER BY created_at DESC, id LIMIT ?`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// CompleteJobTx moves an active job to completed. It reports false when the
// job was not active.
func (r Repo) CompleteJobTx(ctx context.Context, tx *sql.Tx, id, at string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status='completed', completed_at=? WHERE id=? AND status='active'`, at, id)
	if err != nil {
		return false, errors.Wrapf(err, "complete job %s", id)
	}
	return affected(res)
}

// MarkJobPaidTx is the settlement guard: it flips the job to paid only if it
// is not paid yet, so exactly one caller ever sees true.
func (r Repo) MarkJobPaidTx(ctx context.Context, tx *sql.Tx, id, paidBy, paidAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status='paid', paid_at=?, paid_by=? WHERE id=? AND status!='paid'`, paidAt, paidBy, id)
	if err != nil {
		return false, errors.Wrapf(err, "mark job %s paid", id)
	}
	return affected(res)
}

func (r Repo) IncrementJobInteractionsTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE jobs SET total_interactions = total_interactions + 1 WHERE id=?`, id)
	return errors.Wrapf(err, "increment job %s interactions", id)
}

// MemberJob is a job together with one member's interaction count on it.
type MemberJob struct {
	Job          domain.Job
	Interactions int64
}

// JobsForMember lists the jobs a member has interacted on, unpaid only
// unless includePaid is set.
func (r Repo) JobsForMember(ctx context.Context, memberID string, includePaid bool) ([]MemberJob, error) {
	query := `SELECT j.id,j.title,j.value_cents,j.team_pool_cents,j.fund_contribution_cents,j.total_interactions,j.status,j.created_by,j.created_at,j.completed_at,j.paid_at,j.paid_by, COUNT(i.id)
FROM jobs j JOIN interactions i ON i.job_id=j.id
WHERE i.member_id=?`
	if !includePaid {
		query += ` AND j.status!='paid'`
	}
	query += ` GROUP BY j.id ORDER BY j.created_at, j.id`
	rows, err := r.DB.QueryContext(ctx, query, memberID)
	if err != nil {
		return nil, errors.Wrapf(err, "jobs for member %s", memberID)
	}
	defer rows.Close()
	var res []MemberJob
	for rows.Next() {
		var (
			mj                          MemberJob
			value, pool, contribution   int64
			status                      string
			completedAt, paidAt, paidBy sql.NullString
		)
		if err := rows.Scan(&mj.Job.ID, &mj.Job.Title, &value, &pool, &contribution, &mj.Job.TotalInteractions, &status,
			&mj.Job.CreatedBy, &mj.Job.CreatedAt, &completedAt, &paidAt, &paidBy, &mj.Interactions); err != nil {
			return nil, err
		}
		mj.Job.Value = money.FromCents(value)
		mj.Job.TeamPool = money.FromCents(pool)
		mj.Job.FundContribution = money.FromCents(contribution)
		mj.Job.Status = domain.JobStatus(status)
		mj.Job.CompletedAt = optionalString(completedAt)
		mj.Job.PaidAt = optionalString(paidAt)
		mj.Job.PaidBy = optionalString(paidBy)
		res = append(res, mj)
	}
	return res, rows.Err()
}

// CountJobsByStatus returns job counts keyed by status.
func (r Repo) CountJobsByStatus(ctx context.Context) (map[string]int64, error) {
	return countByStatus(ctx, r.DB, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
}

func countByStatus(ctx context.Context, q querier, query string) (map[string]int64, error) {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "count by status")
	}
	defer rows.Close()
	res := map[string]int64{}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[status] = n
	}
	return res, rows.Err()
}
