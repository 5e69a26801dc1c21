package repo

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"payline/internal/domain"
	"payline/internal/money"
)

const missionColumns = `id,type,title,description,tier,fixed_payment_cents,status,claimed_by,claimed_at,completed_at,proof_url,notes,approved_by,approved_at,created_by,created_at,updated_at`

func scanMission(row rowScanner) (domain.Mission, error) {
	var (
		m                            domain.Mission
		mtype, status                string
		payment                      int64
		desc, claimedBy, claimedAt   sql.NullString
		completedAt, proofURL, notes sql.NullString
		approvedBy, approvedAt       sql.NullString
	)
	if err := row.Scan(&m.ID, &mtype, &m.Title, &desc, &m.Tier, &payment, &status,
		&claimedBy, &claimedAt, &completedAt, &proofURL, &notes, &approvedBy, &approvedAt,
		&m.CreatedBy, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return m, err
	}
	m.Type = domain.MissionType(mtype)
	m.Status = domain.MissionStatus(status)
	m.FixedPayment = money.FromCents(payment)
	m.Description = desc.String
	m.ClaimedBy = optionalString(claimedBy)
	m.ClaimedAt = optionalString(claimedAt)
	m.CompletedAt = optionalString(completedAt)
	m.ProofURL = optionalString(proofURL)
	m.Notes = optionalString(notes)
	m.ApprovedBy = optionalString(approvedBy)
	m.ApprovedAt = optionalString(approvedAt)
	return m, nil
}

func (r Repo) InsertMissionTx(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO missions(id,type,title,description,tier,fixed_payment_cents,status,created_by,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		m.ID, string(m.Type), m.Title, nullable(m.Description), m.Tier, money.Cents(m.FixedPayment), string(m.Status),
		m.CreatedBy, m.CreatedAt, m.UpdatedAt)
	return errors.Wrapf(err, "insert mission %s", m.ID)
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	return r.GetMissionTx(ctx, nil, id)
}

func (r Repo) GetMissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Mission, error) {
	m, err := scanMission(r.on(tx).QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id))
	if err != nil {
		return m, notFound(err, "mission "+id)
	}
	return m, nil
}

type MissionFilters struct {
	Status    string
	Type      string
	ClaimedBy string
	Limit     int
}

func (r Repo) ListMissions(ctx context.Context, f MissionFilters) ([]domain.Mission, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.ClaimedBy != "" {
		clauses = append(clauses, "claimed_by=?")
		args = append(args, f.ClaimedBy)
	}
	args = append(args, normalizeLimit(f.Limit))
	rows, err := r.DB.QueryContext(ctx, `SELECT `+missionColumns+` FROM missions`+whereClause(clauses)+` ORDER BY created_at DESC, id LIMIT ?`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list missions")
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// ClaimMissionTx is the claim race arbiter: only the caller whose update
// still sees the mission available wins.
func (r Repo) ClaimMissionTx(ctx context.Context, tx *sql.Tx, id, memberID, at string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE missions SET status='claimed', claimed_by=?, claimed_at=?, updated_at=? WHERE id=? AND status='available'`,
		memberID, at, at, id)
	if err != nil {
		return false, errors.Wrapf(err, "claim mission %s", id)
	}
	return affected(res)
}

func (r Repo) SubmitMissionTx(ctx context.Context, tx *sql.Tx, id, memberID, proofURL, notes, at string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE missions SET status='pending_approval', proof_url=?, notes=?, completed_at=?, updated_at=?
WHERE id=? AND status='claimed' AND claimed_by=?`, proofURL, nullable(notes), at, at, id, memberID)
	if err != nil {
		return false, errors.Wrapf(err, "submit mission %s", id)
	}
	return affected(res)
}

func (r Repo) ApproveMissionTx(ctx context.Context, tx *sql.Tx, id, approverID, at string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE missions SET status='completed', approved_by=?, approved_at=?, updated_at=? WHERE id=? AND status='pending_approval'`,
		approverID, at, at, id)
	if err != nil {
		return false, errors.Wrapf(err, "approve mission %s", id)
	}
	return affected(res)
}

// ExpiredClaim is a claim released by ExpireClaimsTx.
type ExpiredClaim struct {
	MissionID string
	MemberID  string
	ClaimedAt string
}

// ExpireClaimsTx returns every claim older than cutoff to the pool.
// Timestamps are RFC3339 UTC, so string order is time order.
func (r Repo) ExpireClaimsTx(ctx context.Context, tx *sql.Tx, cutoff, now string) ([]ExpiredClaim, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, claimed_by, claimed_at FROM missions WHERE status='claimed' AND claimed_at < ? ORDER BY id`, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "find expired claims")
	}
	var expired []ExpiredClaim
	for rows.Next() {
		var c ExpiredClaim
		if err := rows.Scan(&c.MissionID, &c.MemberID, &c.ClaimedAt); err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE missions SET status='available', claimed_by=NULL, claimed_at=NULL, updated_at=?
WHERE status='claimed' AND claimed_at < ?`, now, cutoff); err != nil {
		return nil, errors.Wrap(err, "expire claims")
	}
	return expired, nil
}

// CountMissionsByStatus returns mission counts keyed by status.
func (r Repo) CountMissionsByStatus(ctx context.Context) (map[string]int64, error) {
	return countByStatus(ctx, r.DB, `SELECT status, COUNT(*) FROM missions GROUP BY status`)
}
