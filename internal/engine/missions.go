package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"payline/internal/domain"
	"payline/internal/engine/auth"
	"payline/internal/events"
	"payline/internal/money"
	"payline/internal/repo"
	"payline/internal/tiers"
)

// SystemActor is recorded on events the ledger emits on its own, such as
// claim expiry.
const SystemActor = "system"

type MissionCreateOptions struct {
	ID          string
	Type        string
	Title       string
	Description string
	ActorID     string
}

// CreateMission prices a mission from the current fund tier and reserves
// its payment. Nothing is persisted when the unreserved balance cannot
// cover the payment.
func (e Engine) CreateMission(ctx context.Context, opts MissionCreateOptions) (domain.Mission, error) {
	mt, err := tiers.ParseType(strings.ToLower(strings.TrimSpace(opts.Type)))
	if err != nil {
		return domain.Mission{}, err
	}
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Mission{}, domain.ValidationError{Field: "title", Reason: "is required"}
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewString()
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	if err := e.Auth.Require(ctx, tx, opts.ActorID, auth.PermMissionCreate); err != nil {
		return domain.Mission{}, err
	}
	if _, err := e.Repo.GetMissionTx(ctx, tx, id); err == nil {
		return domain.Mission{}, domain.ValidationError{Field: "id", Reason: fmt.Sprintf("mission %s already exists", id)}
	} else if !repo.IsNotFound(err) {
		return domain.Mission{}, err
	}
	fund, err := e.Repo.GetFundTx(ctx, tx)
	if err != nil {
		return domain.Mission{}, err
	}
	tier := tiers.For(fund.Balance)
	payment, err := tiers.PaymentFor(mt, tier)
	if err != nil {
		return domain.Mission{}, err
	}
	now := e.stamp()
	ok, err := e.Repo.ReserveFundTx(ctx, tx, money.Cents(payment), now)
	if err != nil {
		return domain.Mission{}, err
	}
	if !ok {
		return domain.Mission{}, domain.InsufficientFundsError{Requested: payment, Available: fund.Available()}
	}
	m := domain.Mission{
		ID:           id,
		Type:         mt,
		Title:        title,
		Description:  strings.TrimSpace(opts.Description),
		Tier:         int(tier),
		FixedPayment: payment,
		Status:       domain.MissionAvailable,
		CreatedBy:    opts.ActorID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.Repo.InsertMissionTx(ctx, tx, m); err != nil {
		return domain.Mission{}, err
	}
	if err := e.record(ctx, tx, events.MissionCreated, "mission", m.ID, opts.ActorID, events.EventPayload{
		"type":          string(m.Type),
		"tier":          m.Tier,
		"fixed_payment": money.String(m.FixedPayment),
	}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return m, nil
}

// ClaimMission hands an available mission to an eligible member. Of two
// racing claims exactly one wins; the other sees the mission claimed.
func (e Engine) ClaimMission(ctx context.Context, missionID, memberID string) (domain.Mission, error) {
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return domain.Mission{}, domain.ValidationError{Field: "member_id", Reason: "is required"}
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	if _, err := e.expireClaimsTx(ctx, tx); err != nil {
		return domain.Mission{}, err
	}
	m, err := e.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return domain.Mission{}, err
	}
	if m.Status != domain.MissionAvailable {
		return domain.Mission{}, domain.InvalidTransitionError{Entity: "mission", ID: m.ID, From: string(m.Status), To: string(domain.MissionClaimed)}
	}
	var total int64
	member, err := e.Repo.GetMemberTx(ctx, tx, memberID)
	switch {
	case err == nil:
		total = member.TotalInteractionsAllJobs
	case !repo.IsNotFound(err):
		return domain.Mission{}, err
	}
	if total < MinClaimInteractions {
		return domain.Mission{}, domain.EligibilityError{MemberID: memberID, Interactions: total, Required: MinClaimInteractions}
	}
	now := e.stamp()
	ok, err := e.Repo.ClaimMissionTx(ctx, tx, m.ID, memberID, now)
	if err != nil {
		return domain.Mission{}, err
	}
	if !ok {
		return domain.Mission{}, domain.InvalidTransitionError{Entity: "mission", ID: m.ID, From: string(m.Status), To: string(domain.MissionClaimed), Reason: "claimed concurrently"}
	}
	if err := e.record(ctx, tx, events.MissionClaimed, "mission", m.ID, memberID, nil); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	m.Status = domain.MissionClaimed
	m.ClaimedBy = &memberID
	m.ClaimedAt = &now
	m.UpdatedAt = now
	return m, nil
}

type MissionCompleteOptions struct {
	MissionID string
	MemberID  string
	ProofURL  string
	Notes     string
}

// CompleteMission submits proof for a claimed mission. Only the claimant
// can submit.
func (e Engine) CompleteMission(ctx context.Context, opts MissionCompleteOptions) (domain.Mission, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	if _, err := e.expireClaimsTx(ctx, tx); err != nil {
		return domain.Mission{}, err
	}
	m, err := e.Repo.GetMissionTx(ctx, tx, opts.MissionID)
	if err != nil {
		return domain.Mission{}, err
	}
	if m.Status != domain.MissionClaimed {
		return domain.Mission{}, domain.InvalidTransitionError{Entity: "mission", ID: m.ID, From: string(m.Status), To: string(domain.MissionPendingApproval)}
	}
	if m.ClaimedBy == nil || *m.ClaimedBy != opts.MemberID {
		return domain.Mission{}, domain.InvalidTransitionError{Entity: "mission", ID: m.ID, From: string(m.Status), To: string(domain.MissionPendingApproval),
			Reason: "only the claimant can complete it"}
	}
	proof := strings.TrimSpace(opts.ProofURL)
	if proof == "" {
		return domain.Mission{}, domain.ValidationError{Field: "proof_url", Reason: "is required"}
	}
	notes := strings.TrimSpace(opts.Notes)
	now := e.stamp()
	ok, err := e.Repo.SubmitMissionTx(ctx, tx, m.ID, opts.MemberID, proof, notes, now)
	if err != nil {
		return domain.Mission{}, err
	}
	if !ok {
		return domain.Mission{}, domain.InvalidTransitionError{Entity: "mission", ID: m.ID, From: string(m.Status), To: string(domain.MissionPendingApproval)}
	}
	if err := e.record(ctx, tx, events.MissionCompleted, "mission", m.ID, opts.MemberID, events.EventPayload{"proof_url": proof}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	m.Status = domain.MissionPendingApproval
	m.ProofURL = &proof
	if notes != "" {
		m.Notes = &notes
	}
	m.CompletedAt = &now
	m.UpdatedAt = now
	return m, nil
}

// ApproveMission pays a submitted mission from the fund and credits the
// claimant, in one transaction.
func (e Engine) ApproveMission(ctx context.Context, missionID, approverID string) (domain.Mission, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	if err := e.Auth.Require(ctx, tx, approverID, auth.PermMissionApprove); err != nil {
		return domain.Mission{}, err
	}
	m, err := e.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return domain.Mission{}, err
	}
	if m.Status != domain.MissionPendingApproval || m.ClaimedBy == nil {
		return domain.Mission{}, domain.InvalidTransitionError{Entity: "mission", ID: m.ID, From: string(m.Status), To: string(domain.MissionCompleted)}
	}
	claimant := *m.ClaimedBy
	if err := e.decreaseFundTx(ctx, tx, m.FixedPayment, m.ID, approverID); err != nil {
		return domain.Mission{}, err
	}
	now := e.stamp()
	ok, err := e.Repo.ApproveMissionTx(ctx, tx, m.ID, approverID, now)
	if err != nil {
		return domain.Mission{}, err
	}
	if !ok {
		return domain.Mission{}, domain.InvalidTransitionError{Entity: "mission", ID: m.ID, From: string(m.Status), To: string(domain.MissionCompleted)}
	}
	if err := e.Repo.CreditPotentialTx(ctx, tx, claimant, money.Cents(m.FixedPayment), now); err != nil {
		return domain.Mission{}, err
	}
	if err := e.record(ctx, tx, events.MissionApproved, "mission", m.ID, approverID, events.EventPayload{
		"member_id":     claimant,
		"fixed_payment": money.String(m.FixedPayment),
	}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	m.Status = domain.MissionCompleted
	m.ApprovedBy = &approverID
	m.ApprovedAt = &now
	m.UpdatedAt = now
	e.notify(ctx, claimant, fmt.Sprintf("Mission approved: %s earned %s", m.Title, money.Format(m.FixedPayment)))
	return m, nil
}

// ExpireStaleClaims returns every claim older than ClaimTTL to the pool.
func (e Engine) ExpireStaleClaims(ctx context.Context) ([]repo.ExpiredClaim, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	expired, err := e.expireClaimsTx(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return expired, nil
}

func (e Engine) expireClaimsTx(ctx context.Context, tx *sql.Tx) ([]repo.ExpiredClaim, error) {
	now := e.now()
	expired, err := e.Repo.ExpireClaimsTx(ctx, tx, formatTime(now.Add(-ClaimTTL)), formatTime(now))
	if err != nil {
		return nil, err
	}
	for _, c := range expired {
		if err := e.record(ctx, tx, events.MissionExpired, "mission", c.MissionID, SystemActor, events.EventPayload{
			"member_id":  c.MemberID,
			"claimed_at": c.ClaimedAt,
		}); err != nil {
			return nil, err
		}
	}
	return expired, nil
}

// GetMission expires stale claims before reading.
func (e Engine) GetMission(ctx context.Context, missionID string) (domain.Mission, error) {
	if _, err := e.ExpireStaleClaims(ctx); err != nil {
		return domain.Mission{}, err
	}
	return e.Repo.GetMission(ctx, missionID)
}

// ListMissions expires stale claims before reading.
func (e Engine) ListMissions(ctx context.Context, f repo.MissionFilters) ([]domain.Mission, error) {
	if _, err := e.ExpireStaleClaims(ctx); err != nil {
		return nil, err
	}
	return e.Repo.ListMissions(ctx, f)
}
