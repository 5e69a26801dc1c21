package engine

import (
	"context"

	"payline/internal/domain"
	"payline/internal/engine/auth"
	"payline/internal/money"
	"payline/internal/repo"
	"payline/internal/tiers"
)

// Health summarizes ledger state for operators.
type Health struct {
	FundInitialized bool             `json:"fund_initialized"`
	Fund            domain.Fund      `json:"fund"`
	Tier            tiers.Info       `json:"tier"`
	Jobs            map[string]int64 `json:"jobs"`
	Missions        map[string]int64 `json:"missions"`
	// Balanced is false when the fund balance disagrees with the sum of
	// its ledger entries.
	Balanced bool `json:"balanced"`
}

func (e Engine) CompensationHealth(ctx context.Context) (Health, error) {
	f, err := e.Repo.GetFund(ctx)
	if err != nil {
		return Health{}, err
	}
	jobs, err := e.Repo.CountJobsByStatus(ctx)
	if err != nil {
		return Health{}, err
	}
	missions, err := e.Repo.CountMissionsByStatus(ctx)
	if err != nil {
		return Health{}, err
	}
	inc, dec, err := e.Repo.FundTotals(ctx)
	if err != nil {
		return Health{}, err
	}
	return Health{
		FundInitialized: f.Initialized,
		Fund:            f,
		Tier:            tiers.For(f.Balance).Info(),
		Jobs:            jobs,
		Missions:        missions,
		Balanced:        money.Cents(f.Balance) == inc-dec,
	}, nil
}

// ListEvents reads the audit log newest first. The caller needs events.read.
func (e Engine) ListEvents(ctx context.Context, actorID string, f repo.EventFilters) ([]domain.Event, error) {
	if err := e.Auth.Require(ctx, nil, actorID, auth.PermEventsRead); err != nil {
		return nil, err
	}
	return e.Repo.LatestEvents(ctx, f)
}
