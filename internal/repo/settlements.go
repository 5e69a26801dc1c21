package repo

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"payline/internal/domain"
	"payline/internal/money"
)

// InsertSettlementTx persists the frozen payout and its per-member lines.
func (r Repo) InsertSettlementTx(ctx context.Context, tx *sql.Tx, s domain.Settlement) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO settlements(job_id,paid_by,paid_at,team_pool_cents,total_paid_cents,total_interactions) VALUES (?,?,?,?,?,?)`,
		s.JobID, s.PaidBy, s.PaidAt, money.Cents(s.TeamPool), money.Cents(s.TotalPaid), s.TotalInteractions); err != nil {
		return errors.Wrapf(err, "insert settlement for job %s", s.JobID)
	}
	for _, sh := range s.Shares {
		if _, err := tx.ExecContext(ctx, `INSERT INTO settlement_shares(job_id,member_id,interactions,share_cents,percentage) VALUES (?,?,?,?,?)`,
			s.JobID, sh.MemberID, sh.Interactions, money.Cents(sh.Share), sh.Percentage); err != nil {
			return errors.Wrapf(err, "insert share for member %s", sh.MemberID)
		}
	}
	return nil
}

func (r Repo) GetSettlement(ctx context.Context, jobID string) (domain.Settlement, error) {
	var (
		s           domain.Settlement
		pool, total int64
	)
	err := r.DB.QueryRowContext(ctx, `SELECT s.job_id,j.title,s.paid_by,s.paid_at,s.team_pool_cents,s.total_paid_cents,s.total_interactions
FROM settlements s JOIN jobs j ON j.id=s.job_id WHERE s.job_id=?`, jobID).
		Scan(&s.JobID, &s.JobTitle, &s.PaidBy, &s.PaidAt, &pool, &total, &s.TotalInteractions)
	if err != nil {
		return s, notFound(err, "settlement for job "+jobID)
	}
	s.TeamPool = money.FromCents(pool)
	s.TotalPaid = money.FromCents(total)
	rows, err := r.DB.QueryContext(ctx, `SELECT member_id,interactions,share_cents,percentage FROM settlement_shares WHERE job_id=? ORDER BY member_id`, jobID)
	if err != nil {
		return s, errors.Wrap(err, "list settlement shares")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			sh    domain.MemberShare
			cents int64
		)
		if err := rows.Scan(&sh.MemberID, &sh.Interactions, &cents, &sh.Percentage); err != nil {
			return s, err
		}
		sh.Share = money.FromCents(cents)
		s.Shares = append(s.Shares, sh)
	}
	return s, rows.Err()
}
