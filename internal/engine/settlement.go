package engine

import (
	"context"
	"fmt"

	"payline/internal/domain"
	"payline/internal/engine/auth"
	"payline/internal/events"
	"payline/internal/money"
)

type SettleOptions struct {
	JobID   string
	ActorID string
	// CashReceived confirms the client actually paid for the job.
	CashReceived bool
}

// TriggerPayment pays out a job's team pool exactly once. The conditional
// status update is the guard: a second trigger, concurrent or not, fails
// with JobAlreadyPaidError and writes nothing. Members are notified after
// commit; a failed notification never undoes the payment.
func (e Engine) TriggerPayment(ctx context.Context, opts SettleOptions) (domain.Settlement, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Settlement{}, err
	}
	defer tx.Rollback()

	if err := e.Auth.Require(ctx, tx, opts.ActorID, auth.PermPaymentTrigger); err != nil {
		return domain.Settlement{}, err
	}
	if !opts.CashReceived {
		return domain.Settlement{}, domain.ValidationError{Field: "cash_received", Reason: "must be confirmed before paying out"}
	}
	j, err := e.Repo.GetJobTx(ctx, tx, opts.JobID)
	if err != nil {
		return domain.Settlement{}, err
	}
	now := e.stamp()
	ok, err := e.Repo.MarkJobPaidTx(ctx, tx, j.ID, opts.ActorID, now)
	if err != nil {
		return domain.Settlement{}, err
	}
	if !ok {
		paid := domain.JobAlreadyPaidError{JobID: j.ID}
		if j.PaidAt != nil {
			paid.PaidAt = *j.PaidAt
		}
		if j.PaidBy != nil {
			paid.PaidBy = *j.PaidBy
		}
		return domain.Settlement{}, paid
	}

	counts, err := e.Repo.MemberCountsTx(ctx, tx, j.ID)
	if err != nil {
		return domain.Settlement{}, err
	}
	s := domain.Settlement{
		JobID:             j.ID,
		JobTitle:          j.Title,
		PaidBy:            opts.ActorID,
		PaidAt:            now,
		TeamPool:          j.TeamPool,
		TotalPaid:         money.Zero,
		TotalInteractions: j.TotalInteractions,
		Shares:            AllocatePool(j.TeamPool, counts),
	}
	for _, sh := range s.Shares {
		if err := e.Repo.CreditPaidTx(ctx, tx, sh.MemberID, money.Cents(sh.Share), now); err != nil {
			return domain.Settlement{}, err
		}
		s.TotalPaid = s.TotalPaid.Add(sh.Share)
	}
	if err := e.Repo.InsertSettlementTx(ctx, tx, s); err != nil {
		return domain.Settlement{}, err
	}
	if err := e.record(ctx, tx, events.PaymentTriggered, "job", j.ID, opts.ActorID, events.EventPayload{
		"team_pool":          money.String(s.TeamPool),
		"total_paid":         money.String(s.TotalPaid),
		"total_interactions": s.TotalInteractions,
		"members":            len(s.Shares),
	}); err != nil {
		return domain.Settlement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Settlement{}, err
	}
	for _, sh := range s.Shares {
		if sh.Share.IsPositive() {
			e.notify(ctx, sh.MemberID, fmt.Sprintf("You earned %s from %s", money.Format(sh.Share), s.JobTitle))
		}
	}
	return s, nil
}
