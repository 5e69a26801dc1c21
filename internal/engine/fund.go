package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"payline/internal/domain"
	"payline/internal/events"
	"payline/internal/money"
	"payline/internal/tiers"
)

// IncreaseFund credits the mission fund with a job's contribution. A job
// can fund the account only once.
func (e Engine) IncreaseFund(ctx context.Context, amount decimal.Decimal, jobID, actorID string) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetJobTx(ctx, tx, jobID); err != nil {
		return err
	}
	if err := e.increaseFundTx(ctx, tx, amount, jobID, actorID); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) increaseFundTx(ctx context.Context, tx *sql.Tx, amount decimal.Decimal, jobID, actorID string) error {
	if amount.GreaterThan(money.Max) {
		return domain.ValidationError{Field: "amount", Reason: "must not exceed " + money.Format(money.Max)}
	}
	cents := money.Cents(amount)
	if cents <= 0 {
		return domain.ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	if strings.TrimSpace(jobID) == "" {
		return domain.ValidationError{Field: "job_id", Reason: "source job is required"}
	}
	dup, err := e.Repo.HasContributionTx(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if dup {
		return domain.ValidationError{Field: "job_id", Reason: fmt.Sprintf("job %s already contributed to the mission fund", jobID)}
	}
	if err := e.Repo.IncreaseFundTx(ctx, tx, cents, jobID, e.stamp()); err != nil {
		return err
	}
	return e.record(ctx, tx, events.FundIncreased, "fund", jobID, actorID, events.EventPayload{
		"amount": money.String(money.FromCents(cents)),
		"job_id": jobID,
	})
}

// DecreaseFund debits the fund for a mission. It fails with
// InsufficientFundsError and leaves the balance untouched when the
// balance does not cover amount.
func (e Engine) DecreaseFund(ctx context.Context, amount decimal.Decimal, missionID, actorID string) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.decreaseFundTx(ctx, tx, amount, missionID, actorID); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) decreaseFundTx(ctx context.Context, tx *sql.Tx, amount decimal.Decimal, missionID, actorID string) error {
	if amount.GreaterThan(money.Max) {
		return domain.ValidationError{Field: "amount", Reason: "must not exceed " + money.Format(money.Max)}
	}
	cents := money.Cents(amount)
	if cents <= 0 {
		return domain.ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	if strings.TrimSpace(missionID) == "" {
		return domain.ValidationError{Field: "mission_id", Reason: "mission is required"}
	}
	dup, err := e.Repo.HasDebitTx(ctx, tx, missionID)
	if err != nil {
		return err
	}
	if dup {
		return domain.ValidationError{Field: "mission_id", Reason: fmt.Sprintf("mission %s already paid from the mission fund", missionID)}
	}
	ok, err := e.Repo.DecreaseFundTx(ctx, tx, cents, missionID, e.stamp())
	if err != nil {
		return err
	}
	if !ok {
		f, err := e.Repo.GetFundTx(ctx, tx)
		if err != nil {
			return err
		}
		return domain.InsufficientFundsError{Requested: money.FromCents(cents), Available: f.Balance}
	}
	return e.record(ctx, tx, events.FundDecreased, "fund", missionID, actorID, events.EventPayload{
		"amount":     money.String(money.FromCents(cents)),
		"mission_id": missionID,
	})
}

// FundBalance returns zero when the fund has never been created.
func (e Engine) FundBalance(ctx context.Context) (decimal.Decimal, error) {
	f, err := e.Repo.GetFund(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return f.Balance, nil
}

func (e Engine) FundSources(ctx context.Context) ([]domain.FundSource, error) {
	return e.Repo.FundSources(ctx)
}

// FundStatus is the fund balance together with its tier and the payments
// a mission created now would lock in.
type FundStatus struct {
	Fund     domain.Fund
	Tier     tiers.Info
	Payments map[domain.MissionType]decimal.Decimal
}

func (e Engine) FundStatus(ctx context.Context) (FundStatus, error) {
	f, err := e.Repo.GetFund(ctx)
	if err != nil {
		return FundStatus{}, err
	}
	t := tiers.For(f.Balance)
	schedule, err := tiers.Schedule(t)
	if err != nil {
		return FundStatus{}, err
	}
	return FundStatus{Fund: f, Tier: t.Info(), Payments: schedule}, nil
}
