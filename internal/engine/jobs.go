package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"payline/internal/domain"
	"payline/internal/engine/auth"
	"payline/internal/events"
	"payline/internal/money"
	"payline/internal/repo"
)

// JobCreateOptions are parameters for taking in a paid job.
type JobCreateOptions struct {
	ID      string
	Title   string
	Value   decimal.Decimal
	ActorID string
}

// CreateJob records a job, fixes its team pool and pays its contribution
// into the mission fund, all in one transaction.
func (e Engine) CreateJob(ctx context.Context, opts JobCreateOptions) (domain.Job, error) {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Job{}, domain.ValidationError{Field: "title", Reason: "is required"}
	}
	value := money.Round(opts.Value)
	if !value.IsPositive() {
		return domain.Job{}, domain.ValidationError{Field: "value", Reason: "must be greater than zero"}
	}
	if !money.InRange(value) {
		return domain.Job{}, domain.ValidationError{Field: "value", Reason: "must not exceed " + money.Format(money.Max)}
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewString()
	}
	now := e.stamp()
	j := domain.Job{
		ID:               id,
		Title:            title,
		Value:            value,
		TeamPool:         money.Round(value.Mul(TeamPoolRate)),
		FundContribution: money.Round(value.Mul(FundRate)),
		Status:           domain.JobActive,
		CreatedBy:        opts.ActorID,
		CreatedAt:        now,
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	if err := e.Auth.Require(ctx, tx, opts.ActorID, auth.PermJobCreate); err != nil {
		return domain.Job{}, err
	}
	if _, err := e.Repo.GetJobTx(ctx, tx, id); err == nil {
		return domain.Job{}, domain.ValidationError{Field: "id", Reason: fmt.Sprintf("job %s already exists", id)}
	} else if !repo.IsNotFound(err) {
		return domain.Job{}, err
	}
	if err := e.Repo.InsertJobTx(ctx, tx, j); err != nil {
		return domain.Job{}, err
	}
	if err := e.record(ctx, tx, events.JobCreated, "job", j.ID, opts.ActorID, events.EventPayload{
		"title":      j.Title,
		"value":      money.String(j.Value),
		"team_pool":  money.String(j.TeamPool),
		"fund_share": money.String(j.FundContribution),
	}); err != nil {
		return domain.Job{}, err
	}
	if j.FundContribution.IsPositive() {
		if err := e.increaseFundTx(ctx, tx, j.FundContribution, j.ID, opts.ActorID); err != nil {
			return domain.Job{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// CompleteJob marks delivery of an active job. Interactions keep counting
// until the job is paid.
func (e Engine) CompleteJob(ctx context.Context, jobID, actorID string) (domain.Job, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	if err := e.Auth.Require(ctx, tx, actorID, auth.PermJobComplete); err != nil {
		return domain.Job{}, err
	}
	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	now := e.stamp()
	ok, err := e.Repo.CompleteJobTx(ctx, tx, jobID, now)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, domain.InvalidTransitionError{Entity: "job", ID: jobID, From: string(j.Status), To: string(domain.JobCompleted)}
	}
	if err := e.record(ctx, tx, events.JobCompleted, "job", jobID, actorID, nil); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	j.Status = domain.JobCompleted
	j.CompletedAt = &now
	return j, nil
}

func (e Engine) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	return e.Repo.GetJob(ctx, jobID)
}

func (e Engine) ListJobs(ctx context.Context, status string, limit int) ([]domain.Job, error) {
	return e.Repo.ListJobs(ctx, repo.JobFilters{Status: status, Limit: limit})
}
