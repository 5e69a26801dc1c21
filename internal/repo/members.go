package repo

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"payline/internal/domain"
	"payline/internal/money"
)

func scanMember(row rowScanner) (domain.Member, error) {
	var (
		m               domain.Member
		potential, paid int64
	)
	if err := row.Scan(&m.ID, &m.TotalInteractionsAllJobs, &potential, &paid, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return m, err
	}
	m.PotentialEarnings = money.FromCents(potential)
	m.PaidEarningsHistory = money.FromCents(paid)
	return m, nil
}

// EnsureMemberTx creates the member row on first sight.
func (r Repo) EnsureMemberTx(ctx context.Context, tx *sql.Tx, id, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO members(id,total_interactions_all_jobs,potential_earnings_cents,paid_earnings_cents,created_at,updated_at) VALUES (?,0,0,0,?,?)`,
		id, now, now)
	return errors.Wrapf(err, "ensure member %s", id)
}

func (r Repo) GetMember(ctx context.Context, id string) (domain.Member, error) {
	return r.GetMemberTx(ctx, nil, id)
}

func (r Repo) GetMemberTx(ctx context.Context, tx *sql.Tx, id string) (domain.Member, error) {
	m, err := scanMember(r.on(tx).QueryRowContext(ctx,
		`SELECT id,total_interactions_all_jobs,potential_earnings_cents,paid_earnings_cents,created_at,updated_at FROM members WHERE id=?`, id))
	if err != nil {
		return m, notFound(err, "member "+id)
	}
	return m, nil
}

func (r Repo) IncrementMemberInteractionsTx(ctx context.Context, tx *sql.Tx, id, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE members SET total_interactions_all_jobs = total_interactions_all_jobs + 1, updated_at=? WHERE id=?`, now, id)
	return errors.Wrapf(err, "increment member %s interactions", id)
}

// CreditPotentialTx adds approved mission money to a member's unpaid earnings.
func (r Repo) CreditPotentialTx(ctx context.Context, tx *sql.Tx, id string, cents int64, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE members SET potential_earnings_cents = potential_earnings_cents + ?, updated_at=? WHERE id=?`, cents, now, id)
	if err != nil {
		return errors.Wrapf(err, "credit member %s potential", id)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrap(ErrNotFound, "member "+id)
	}
	return nil
}

// CreditPaidTx adds a settled share to a member's paid history.
func (r Repo) CreditPaidTx(ctx context.Context, tx *sql.Tx, id string, cents int64, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE members SET paid_earnings_cents = paid_earnings_cents + ?, updated_at=? WHERE id=?`, cents, now, id)
	if err != nil {
		return errors.Wrapf(err, "credit member %s paid", id)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrap(ErrNotFound, "member "+id)
	}
	return nil
}
