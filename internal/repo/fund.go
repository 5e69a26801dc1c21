package repo

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"payline/internal/domain"
	"payline/internal/money"
)

// Every balance change below is a single relative UPDATE on the fund row;
// nothing reads the balance and writes a computed value back.

func (r Repo) GetFund(ctx context.Context) (domain.Fund, error) {
	return r.GetFundTx(ctx, nil)
}

// GetFundTx returns a zero, uninitialized fund when no contribution has
// been recorded yet.
func (r Repo) GetFundTx(ctx context.Context, tx *sql.Tx) (domain.Fund, error) {
	var (
		f                 domain.Fund
		balance, reserved int64
	)
	err := r.on(tx).QueryRowContext(ctx, `SELECT balance_cents,reserved_cents,updated_at FROM mission_fund WHERE id=1`).
		Scan(&balance, &reserved, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Fund{Balance: money.Zero, Reserved: money.Zero}, nil
	}
	if err != nil {
		return f, errors.Wrap(err, "read mission fund")
	}
	f.Initialized = true
	f.Balance = money.FromCents(balance)
	f.Reserved = money.FromCents(reserved)
	return f, nil
}

// HasContributionTx reports whether a job already funded the account.
func (r Repo) HasContributionTx(ctx context.Context, tx *sql.Tx, jobID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM fund_entries WHERE kind='increase' AND job_id=?`, jobID).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "read fund contribution")
	}
	return n > 0, nil
}

// HasDebitTx reports whether a mission was already paid from the fund.
func (r Repo) HasDebitTx(ctx context.Context, tx *sql.Tx, missionID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM fund_entries WHERE kind='decrease' AND mission_id=?`, missionID).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "read fund debit")
	}
	return n > 0, nil
}

// IncreaseFundTx creates the fund row on first use and adds cents to it.
func (r Repo) IncreaseFundTx(ctx context.Context, tx *sql.Tx, cents int64, jobID, now string) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO mission_fund(id,balance_cents,reserved_cents,created_at,updated_at) VALUES (1,?,0,?,?)
ON CONFLICT(id) DO UPDATE SET balance_cents = balance_cents + excluded.balance_cents, updated_at = excluded.updated_at`,
		cents, now, now); err != nil {
		return errors.Wrap(err, "increase mission fund")
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO fund_entries(kind,amount_cents,job_id,ts) VALUES ('increase',?,?,?)`, cents, jobID, now)
	return errors.Wrapf(err, "record contribution from job %s", jobID)
}

// ReserveFundTx earmarks cents for a new mission if the unreserved balance
// covers it.
func (r Repo) ReserveFundTx(ctx context.Context, tx *sql.Tx, cents int64, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE mission_fund SET reserved_cents = reserved_cents + ?, updated_at=?
WHERE id=1 AND balance_cents - reserved_cents >= ?`, cents, now, cents)
	if err != nil {
		return false, errors.Wrap(err, "reserve mission fund")
	}
	return affected(res)
}

// DecreaseFundTx debits cents for a mission if the balance covers it and
// releases the matching reservation. It reports false when funds are short.
func (r Repo) DecreaseFundTx(ctx context.Context, tx *sql.Tx, cents int64, missionID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE mission_fund SET balance_cents = balance_cents - ?, reserved_cents = MAX(reserved_cents - ?, 0), updated_at=?
WHERE id=1 AND balance_cents >= ?`, cents, cents, now, cents)
	if err != nil {
		return false, errors.Wrap(err, "decrease mission fund")
	}
	ok, err := affected(res)
	if err != nil || !ok {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO fund_entries(kind,amount_cents,mission_id,ts) VALUES ('decrease',?,?,?)`, cents, missionID, now); err != nil {
		return false, errors.Wrapf(err, "record debit for mission %s", missionID)
	}
	return true, nil
}

func (r Repo) FundSources(ctx context.Context) ([]domain.FundSource, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT job_id, amount_cents, ts FROM fund_entries WHERE kind='increase' ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "list fund sources")
	}
	defer rows.Close()
	var res []domain.FundSource
	for rows.Next() {
		var (
			src   domain.FundSource
			cents int64
		)
		if err := rows.Scan(&src.JobID, &cents, &src.TS); err != nil {
			return nil, err
		}
		src.Amount = money.FromCents(cents)
		res = append(res, src)
	}
	return res, rows.Err()
}

// FundTotals sums the ledger entries; increases minus decreases must equal
// the balance.
func (r Repo) FundTotals(ctx context.Context) (increases, decreases int64, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT
COALESCE(SUM(CASE WHEN kind='increase' THEN amount_cents END), 0),
COALESCE(SUM(CASE WHEN kind='decrease' THEN amount_cents END), 0)
FROM fund_entries`).Scan(&increases, &decreases)
	return increases, decreases, errors.Wrap(err, "sum fund entries")
}
