package engine

import (
	"context"
	"database/sql"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"payline/internal/domain"
	"payline/internal/engine/auth"
	"payline/internal/events"
	"payline/internal/repo"
)

// Recipients an interaction may be addressed to. Empty means the team.
var Recipients = []string{"rafael", "sofia", "inna", "emma"}

type InteractionInput struct {
	JobID     string
	MemberID  string
	Content   string
	Recipient string
	// At defaults to the engine clock.
	At time.Time
	// ActorID is checked for interaction.record when set. Chat ingestion
	// records on behalf of the member and leaves it empty.
	ActorID string
}

type InteractionResult struct {
	Interaction domain.Interaction
	// Duplicate is set when the input repeated an interaction inside the
	// dedupe window; Interaction is then the earlier row.
	Duplicate      bool
	JobTotal       int64
	MemberJobCount int64
	MemberTotal    int64
}

// dedupeKey hashes job, member and content. Empty content never dedupes,
// so the key is salted with a random id.
func dedupeKey(jobID, memberID, content string) string {
	if content == "" {
		content = "\x00" + uuid.NewString()
	}
	sum := blake3.Sum256([]byte(jobID + "\x1f" + memberID + "\x1f" + content))
	return hex.EncodeToString(sum[:16])
}

func validRecipient(r string) bool {
	if r == "" {
		return true
	}
	for _, known := range Recipients {
		if r == known {
			return true
		}
	}
	return false
}

// RecordInteraction appends one interaction and bumps the job and member
// counters in the same transaction. Paid jobs refuse new interactions.
func (e Engine) RecordInteraction(ctx context.Context, in InteractionInput) (InteractionResult, error) {
	jobID := strings.TrimSpace(in.JobID)
	memberID := strings.TrimSpace(in.MemberID)
	recipient := strings.ToLower(strings.TrimSpace(in.Recipient))
	if jobID == "" {
		return InteractionResult{}, domain.ValidationError{Field: "job_id", Reason: "is required"}
	}
	if memberID == "" {
		return InteractionResult{}, domain.ValidationError{Field: "member_id", Reason: "is required"}
	}
	if !validRecipient(recipient) {
		return InteractionResult{}, domain.ValidationError{Field: "recipient", Reason: "must be one of " + strings.Join(Recipients, ", ")}
	}
	at := in.At
	if at.IsZero() {
		at = e.now()
	}
	at = at.UTC()
	key := dedupeKey(jobID, memberID, in.Content)

	tx, err := e.begin(ctx)
	if err != nil {
		return InteractionResult{}, err
	}
	defer tx.Rollback()

	if in.ActorID != "" {
		if err := e.Auth.Require(ctx, tx, in.ActorID, auth.PermInteractionRecord); err != nil {
			return InteractionResult{}, err
		}
	}
	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return InteractionResult{}, err
	}
	if j.Status == domain.JobPaid {
		return InteractionResult{}, domain.JobAlreadySettledError{JobID: jobID}
	}
	prev, err := e.Repo.RecentDuplicateTx(ctx, tx, memberID, key, at.Add(-DedupeWindow).UnixMilli())
	switch {
	case err == nil:
		res, err := e.interactionCounts(ctx, tx, jobID, memberID)
		if err != nil {
			return InteractionResult{}, err
		}
		res.Interaction = prev
		res.Duplicate = true
		return res, nil
	case !repo.IsNotFound(err):
		return InteractionResult{}, err
	}

	now := formatTime(at)
	if err := e.Repo.EnsureMemberTx(ctx, tx, memberID, now); err != nil {
		return InteractionResult{}, err
	}
	row := domain.Interaction{JobID: jobID, MemberID: memberID, Recipient: recipient, DedupeKey: key, TS: now}
	id, inserted, err := e.Repo.InsertInteractionTx(ctx, tx, row, at.UnixMilli())
	if err != nil {
		return InteractionResult{}, err
	}
	if !inserted {
		return InteractionResult{}, domain.JobAlreadySettledError{JobID: jobID}
	}
	row.ID = id
	if err := e.Repo.IncrementJobInteractionsTx(ctx, tx, jobID); err != nil {
		return InteractionResult{}, err
	}
	if err := e.Repo.IncrementMemberInteractionsTx(ctx, tx, memberID, now); err != nil {
		return InteractionResult{}, err
	}
	actor := in.ActorID
	if actor == "" {
		actor = memberID
	}
	if err := e.record(ctx, tx, events.InteractionRecorded, "job", jobID, actor, events.EventPayload{
		"member_id": memberID,
		"recipient": recipient,
	}); err != nil {
		return InteractionResult{}, err
	}
	res, err := e.interactionCounts(ctx, tx, jobID, memberID)
	if err != nil {
		return InteractionResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return InteractionResult{}, err
	}
	res.Interaction = row
	return res, nil
}

func (e Engine) interactionCounts(ctx context.Context, tx *sql.Tx, jobID, memberID string) (InteractionResult, error) {
	var (
		res InteractionResult
		err error
	)
	if res.JobTotal, err = e.Repo.TotalForJob(ctx, tx, jobID); err != nil {
		return res, err
	}
	if res.MemberJobCount, err = e.Repo.CountForMember(ctx, tx, jobID, memberID); err != nil {
		return res, err
	}
	m, err := e.Repo.GetMemberTx(ctx, tx, memberID)
	if err != nil && !repo.IsNotFound(err) {
		return res, err
	}
	res.MemberTotal = m.TotalInteractionsAllJobs
	return res, nil
}

// CountForMember returns 0 for unknown job/member pairs.
func (e Engine) CountForMember(ctx context.Context, jobID, memberID string) (int64, error) {
	return e.Repo.CountForMember(ctx, nil, jobID, memberID)
}

// TotalForJob returns 0 for unknown jobs.
func (e Engine) TotalForJob(ctx context.Context, jobID string) (int64, error) {
	return e.Repo.TotalForJob(ctx, nil, jobID)
}

func (e Engine) ListInteractions(ctx context.Context, jobID string, limit int) ([]domain.Interaction, error) {
	return e.Repo.ListInteractions(ctx, jobID, limit)
}
