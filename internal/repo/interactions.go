package repo

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"payline/internal/domain"
)

// InsertInteractionTx appends an interaction only while the job is unpaid.
// It reports false when the job is paid or missing.
func (r Repo) InsertInteractionTx(ctx context.Context, tx *sql.Tx, in domain.Interaction, tsMS int64) (int64, bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO interactions(job_id,member_id,recipient,dedupe_key,ts,ts_ms)
SELECT ?,?,?,?,?,? WHERE EXISTS (SELECT 1 FROM jobs WHERE id=? AND status!='paid')`,
		in.JobID, in.MemberID, nullable(in.Recipient), in.DedupeKey, in.TS, tsMS, in.JobID)
	if err != nil {
		return 0, false, errors.Wrapf(err, "insert interaction for job %s", in.JobID)
	}
	ok, err := affected(res)
	if err != nil || !ok {
		return 0, false, err
	}
	id, err := res.LastInsertId()
	return id, true, err
}

// RecentDuplicateTx finds an interaction with the same dedupe key from the
// same member recorded at or after sinceMS.
func (r Repo) RecentDuplicateTx(ctx context.Context, tx *sql.Tx, memberID, dedupeKey string, sinceMS int64) (domain.Interaction, error) {
	var (
		in        domain.Interaction
		recipient sql.NullString
	)
	err := tx.QueryRowContext(ctx, `SELECT id,job_id,member_id,recipient,dedupe_key,ts FROM interactions
WHERE member_id=? AND dedupe_key=? AND ts_ms>=? ORDER BY ts_ms DESC, id DESC LIMIT 1`, memberID, dedupeKey, sinceMS).
		Scan(&in.ID, &in.JobID, &in.MemberID, &recipient, &in.DedupeKey, &in.TS)
	if err != nil {
		return in, notFound(err, "interaction")
	}
	in.Recipient = recipient.String
	return in, nil
}

// CountForMember returns 0 for unknown job/member pairs.
func (r Repo) CountForMember(ctx context.Context, tx *sql.Tx, jobID, memberID string) (int64, error) {
	var n int64
	err := r.on(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM interactions WHERE job_id=? AND member_id=?`, jobID, memberID).Scan(&n)
	return n, errors.Wrap(err, "count member interactions")
}

// TotalForJob reads the job's interaction counter, 0 for unknown jobs.
func (r Repo) TotalForJob(ctx context.Context, tx *sql.Tx, jobID string) (int64, error) {
	var n int64
	err := r.on(tx).QueryRowContext(ctx, `SELECT COALESCE((SELECT total_interactions FROM jobs WHERE id=?), 0)`, jobID).Scan(&n)
	return n, errors.Wrap(err, "total job interactions")
}

type MemberCount struct {
	MemberID string
	Count    int64
}

// MemberCountsTx returns per-member interaction counts for a job, ordered by member.
func (r Repo) MemberCountsTx(ctx context.Context, tx *sql.Tx, jobID string) ([]MemberCount, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT member_id, COUNT(*) FROM interactions WHERE job_id=? GROUP BY member_id ORDER BY member_id`, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "member counts for job %s", jobID)
	}
	defer rows.Close()
	var res []MemberCount
	for rows.Next() {
		var mc MemberCount
		if err := rows.Scan(&mc.MemberID, &mc.Count); err != nil {
			return nil, err
		}
		res = append(res, mc)
	}
	return res, rows.Err()
}

func (r Repo) ListInteractions(ctx context.Context, jobID string, limit int) ([]domain.Interaction, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,job_id,member_id,recipient,dedupe_key,ts FROM interactions WHERE job_id=? ORDER BY id DESC LIMIT ?`,
		jobID, normalizeLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "list interactions")
	}
	defer rows.Close()
	var res []domain.Interaction
	for rows.Next() {
		var (
			in        domain.Interaction
			recipient sql.NullString
		)
		if err := rows.Scan(&in.ID, &in.JobID, &in.MemberID, &recipient, &in.DedupeKey, &in.TS); err != nil {
			return nil, err
		}
		in.Recipient = recipient.String
		res = append(res, in)
	}
	return res, rows.Err()
}
