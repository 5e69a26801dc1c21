package domain

import "github.com/shopspring/decimal"

type JobStatus string

const (
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobPaid      JobStatus = "paid"
)

type Job struct {
	ID                string          `json:"id"`
	Title             string          `json:"title"`
	Value             decimal.Decimal `json:"value"`
	TeamPool          decimal.Decimal `json:"team_pool"`
	FundContribution  decimal.Decimal `json:"mission_fund_contribution"`
	TotalInteractions int64           `json:"total_interactions"`
	Status            JobStatus       `json:"status"`
	CreatedBy         string          `json:"created_by"`
	CreatedAt         string          `json:"created_at"`
	CompletedAt       *string         `json:"completed_at,omitempty"`
	PaidAt            *string         `json:"paid_at,omitempty"`
	PaidBy            *string         `json:"paid_by,omitempty"`
}

type Member struct {
	ID                       string          `json:"id"`
	TotalInteractionsAllJobs int64           `json:"total_interactions_all_jobs"`
	PotentialEarnings        decimal.Decimal `json:"potential_earnings"`
	PaidEarningsHistory      decimal.Decimal `json:"paid_earnings_history"`
	CreatedAt                string          `json:"created_at"`
	UpdatedAt                string          `json:"updated_at"`
}

// Interaction is one countable unit of contribution. Rows are append-only.
type Interaction struct {
	ID        int64  `json:"id"`
	JobID     string `json:"job_id"`
	MemberID  string `json:"member_id"`
	Recipient string `json:"recipient,omitempty"`
	DedupeKey string `json:"dedupe_key"`
	TS        string `json:"ts"`
}

// Fund is the singleton mission fund account. Reserved holds the fixed
// payments of missions that exist but have not been approved yet.
type Fund struct {
	Initialized bool            `json:"initialized"`
	Balance     decimal.Decimal `json:"balance"`
	Reserved    decimal.Decimal `json:"reserved"`
	UpdatedAt   string          `json:"updated_at,omitempty"`
}

// Available is the part of the balance not yet promised to open missions.
func (f Fund) Available() decimal.Decimal {
	return f.Balance.Sub(f.Reserved)
}

type FundSource struct {
	JobID  string          `json:"job_id"`
	Amount decimal.Decimal `json:"amount"`
	TS     string          `json:"ts"`
}

type MissionType string

const (
	MissionProposal    MissionType = "proposal"
	MissionSocial      MissionType = "social"
	MissionRecruitment MissionType = "recruitment"
	MissionOther       MissionType = "other"
)

// MissionTypes lists the mission types in schedule order.
var MissionTypes = []MissionType{MissionProposal, MissionSocial, MissionRecruitment, MissionOther}

type MissionStatus string

const (
	MissionAvailable       MissionStatus = "available"
	MissionClaimed         MissionStatus = "claimed"
	MissionPendingApproval MissionStatus = "pending_approval"
	MissionCompleted       MissionStatus = "completed"
)

type Mission struct {
	ID           string          `json:"id"`
	Type         MissionType     `json:"type"`
	Title        string          `json:"title"`
	Description  string          `json:"description,omitempty"`
	Tier         int             `json:"tier"`
	FixedPayment decimal.Decimal `json:"fixed_payment"`
	Status       MissionStatus   `json:"status"`
	ClaimedBy    *string         `json:"claimed_by,omitempty"`
	ClaimedAt    *string         `json:"claimed_at,omitempty"`
	CompletedAt  *string         `json:"completed_at,omitempty"`
	ProofURL     *string         `json:"proof_url,omitempty"`
	Notes        *string         `json:"notes,omitempty"`
	ApprovedBy   *string         `json:"approved_by,omitempty"`
	ApprovedAt   *string         `json:"approved_at,omitempty"`
	CreatedBy    string          `json:"created_by"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
}

// MemberShare is one line of a job payout breakdown.
type MemberShare struct {
	MemberID     string          `json:"member_id"`
	Interactions int64           `json:"interactions"`
	Share        decimal.Decimal `json:"share"`
	Percentage   string          `json:"percentage"`
}

// Settlement is the frozen outcome of paying out a job's team pool.
type Settlement struct {
	JobID             string          `json:"job_id"`
	JobTitle          string          `json:"job_title"`
	PaidBy            string          `json:"paid_by"`
	PaidAt            string          `json:"paid_at"`
	TeamPool          decimal.Decimal `json:"team_pool"`
	TotalPaid         decimal.Decimal `json:"total_paid"`
	TotalInteractions int64           `json:"total_interactions"`
	Shares            []MemberShare   `json:"shares"`
}

// JobEarnings is the per-job breakdown, live for open jobs and frozen once paid.
type JobEarnings struct {
	JobID             string          `json:"job_id"`
	Title             string          `json:"title"`
	Status            JobStatus       `json:"status"`
	TeamPool          decimal.Decimal `json:"team_pool"`
	TotalInteractions int64           `json:"total_interactions"`
	Shares            []MemberShare   `json:"shares"`
}

// JobEarning is a member's view of one unsettled job.
type JobEarning struct {
	JobID            string          `json:"job_id"`
	Title            string          `json:"title"`
	Status           JobStatus       `json:"status"`
	YourInteractions int64           `json:"your_interactions"`
	TeamTotal        int64           `json:"team_total"`
	Earning          decimal.Decimal `json:"earning"`
}

type MemberEarnings struct {
	MemberID          string          `json:"member_id"`
	PotentialFromJobs decimal.Decimal `json:"potential_from_jobs"`
	CompletedMissions decimal.Decimal `json:"completed_missions"`
	GrandTotal        decimal.Decimal `json:"grand_total"`
	PaidHistory       decimal.Decimal `json:"paid_history"`
	TotalInteractions int64           `json:"total_interactions"`
	Jobs              []JobEarning    `json:"jobs"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
