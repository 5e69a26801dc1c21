package server

import (
	"encoding/json"
	"sort"

	"github.com/shopspring/decimal"

	"payline/internal/domain"
	"payline/internal/engine"
	"payline/internal/money"
)

// Request payloads. Amounts travel as decimal strings.

type CreateJobRequest struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Value string `json:"value" example:"1000.00"`
}

type RecordInteractionRequest struct {
	MemberID  string `json:"member_id,omitempty" doc:"Defaults to the caller"`
	Content   string `json:"content,omitempty"`
	Recipient string `json:"recipient,omitempty" doc:"rafael, sofia, inna or emma; empty for the team"`
}

type SettleJobRequest struct {
	CashReceived bool `json:"cash_received"`
}

type CreateMissionRequest struct {
	ID          string `json:"id,omitempty"`
	Type        string `json:"type" enum:"proposal,social,recruitment,other"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type CompleteMissionRequest struct {
	ProofURL string `json:"proof_url"`
	Notes    string `json:"notes,omitempty"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type JobResponse struct {
	ID                string  `json:"id"`
	Title             string  `json:"title"`
	Value             string  `json:"value"`
	TeamPool          string  `json:"team_pool"`
	FundContribution  string  `json:"mission_fund_contribution"`
	TotalInteractions int64   `json:"total_interactions"`
	Status            string  `json:"status" enum:"active,completed,paid"`
	CreatedBy         string  `json:"created_by"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	CompletedAt       *string `json:"completed_at,omitempty"`
	PaidAt            *string `json:"paid_at,omitempty"`
	PaidBy            *string `json:"paid_by,omitempty"`
}

type InteractionResponse struct {
	ID             int64  `json:"id"`
	JobID          string `json:"job_id"`
	MemberID       string `json:"member_id"`
	Recipient      string `json:"recipient,omitempty"`
	TS             string `json:"ts"`
	Duplicate      bool   `json:"duplicate"`
	JobTotal       int64  `json:"job_total"`
	MemberJobCount int64  `json:"member_job_count"`
	MemberTotal    int64  `json:"member_total"`
}

type MemberShareResponse struct {
	MemberID     string `json:"member_id"`
	Interactions int64  `json:"interactions"`
	Share        string `json:"share"`
	Percentage   string `json:"percentage"`
}

type SettlementResponse struct {
	JobID             string                `json:"job_id"`
	JobTitle          string                `json:"job_title"`
	PaidBy            string                `json:"paid_by"`
	PaidAt            string                `json:"paid_at"`
	TeamPool          string                `json:"team_pool"`
	TotalPaid         string                `json:"total_paid"`
	TotalInteractions int64                 `json:"total_interactions"`
	Shares            []MemberShareResponse `json:"shares"`
}

type JobEarningsResponse struct {
	JobID             string                `json:"job_id"`
	Title             string                `json:"title"`
	Status            string                `json:"status"`
	TeamPool          string                `json:"team_pool"`
	TotalInteractions int64                 `json:"total_interactions"`
	Shares            []MemberShareResponse `json:"shares"`
}

type MemberJobResponse struct {
	JobID            string `json:"job_id"`
	Title            string `json:"title"`
	Status           string `json:"status"`
	YourInteractions int64  `json:"your_interactions"`
	TeamTotal        int64  `json:"team_total"`
	Earning          string `json:"earning"`
}

type MemberEarningsResponse struct {
	MemberID          string              `json:"member_id"`
	PotentialFromJobs string              `json:"potential_from_jobs"`
	CompletedMissions string              `json:"completed_missions"`
	GrandTotal        string              `json:"grand_total"`
	PaidHistory       string              `json:"paid_history"`
	TotalInteractions int64               `json:"total_interactions"`
	Jobs              []MemberJobResponse `json:"jobs"`
}

type MissionResponse struct {
	ID           string  `json:"id"`
	Type         string  `json:"type"`
	Title        string  `json:"title"`
	Description  string  `json:"description,omitempty"`
	Tier         int     `json:"tier"`
	FixedPayment string  `json:"fixed_payment"`
	Status       string  `json:"status" enum:"available,claimed,pending_approval,completed"`
	ClaimedBy    *string `json:"claimed_by,omitempty"`
	ClaimedAt    *string `json:"claimed_at,omitempty"`
	CompletedAt  *string `json:"completed_at,omitempty"`
	ProofURL     *string `json:"proof_url,omitempty"`
	Notes        *string `json:"notes,omitempty"`
	ApprovedBy   *string `json:"approved_by,omitempty"`
	ApprovedAt   *string `json:"approved_at,omitempty"`
	CreatedBy    string  `json:"created_by"`
	CreatedAt    string  `json:"created_at"`
}

type MissionPaymentResponse struct {
	Type    string `json:"type"`
	Payment string `json:"payment"`
}

type FundResponse struct {
	Initialized bool                     `json:"initialized"`
	Balance     string                   `json:"balance"`
	Reserved    string                   `json:"reserved"`
	Available   string                   `json:"available"`
	Tier        int                      `json:"tier"`
	TierName    string                   `json:"tier_name"`
	TierStatus  string                   `json:"tier_status"`
	TierColor   string                   `json:"tier_color"`
	Payments    []MissionPaymentResponse `json:"mission_payments"`
	UpdatedAt   string                   `json:"updated_at,omitempty"`
}

type FundSourceResponse struct {
	JobID  string `json:"job_id"`
	Amount string `json:"amount"`
	TS     string `json:"ts"`
}

type HealthResponse struct {
	FundInitialized bool             `json:"fund_initialized"`
	Balance         string           `json:"balance"`
	Reserved        string           `json:"reserved"`
	Tier            int              `json:"tier"`
	TierStatus      string           `json:"tier_status"`
	Jobs            map[string]int64 `json:"jobs"`
	Missions        map[string]int64 `json:"missions"`
	Balanced        bool             `json:"balanced"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty" doc:"Plaintext key, only in the create response"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type apiKeyList struct {
	Items []APIKeyResponse `json:"items"`
}

func apiKeysResponse(keys []domain.APIKey) apiKeyList {
	items := make([]APIKeyResponse, 0, len(keys))
	for _, k := range keys {
		items = append(items, APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt})
	}
	return apiKeyList{Items: items}
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedJobs struct {
	Items []JobResponse `json:"items"`
}

type paginatedMissions struct {
	Items []MissionResponse `json:"items"`
}

type paginatedFundSources struct {
	Items []FundSourceResponse `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func jobResponse(j domain.Job) JobResponse {
	return JobResponse{
		ID:                j.ID,
		Title:             j.Title,
		Value:             money.String(j.Value),
		TeamPool:          money.String(j.TeamPool),
		FundContribution:  money.String(j.FundContribution),
		TotalInteractions: j.TotalInteractions,
		Status:            string(j.Status),
		CreatedBy:         j.CreatedBy,
		CreatedAt:         j.CreatedAt,
		CompletedAt:       j.CompletedAt,
		PaidAt:            j.PaidAt,
		PaidBy:            j.PaidBy,
	}
}

func interactionResponse(res engine.InteractionResult) InteractionResponse {
	i := res.Interaction
	return InteractionResponse{
		ID:             i.ID,
		JobID:          i.JobID,
		MemberID:       i.MemberID,
		Recipient:      i.Recipient,
		TS:             i.TS,
		Duplicate:      res.Duplicate,
		JobTotal:       res.JobTotal,
		MemberJobCount: res.MemberJobCount,
		MemberTotal:    res.MemberTotal,
	}
}

func sharesResponse(shares []domain.MemberShare) []MemberShareResponse {
	out := make([]MemberShareResponse, 0, len(shares))
	for _, s := range shares {
		out = append(out, MemberShareResponse{
			MemberID:     s.MemberID,
			Interactions: s.Interactions,
			Share:        money.String(s.Share),
			Percentage:   s.Percentage,
		})
	}
	return out
}

func settlementResponse(s domain.Settlement) SettlementResponse {
	return SettlementResponse{
		JobID:             s.JobID,
		JobTitle:          s.JobTitle,
		PaidBy:            s.PaidBy,
		PaidAt:            s.PaidAt,
		TeamPool:          money.String(s.TeamPool),
		TotalPaid:         money.String(s.TotalPaid),
		TotalInteractions: s.TotalInteractions,
		Shares:            sharesResponse(s.Shares),
	}
}

func jobEarningsResponse(je domain.JobEarnings) JobEarningsResponse {
	return JobEarningsResponse{
		JobID:             je.JobID,
		Title:             je.Title,
		Status:            string(je.Status),
		TeamPool:          money.String(je.TeamPool),
		TotalInteractions: je.TotalInteractions,
		Shares:            sharesResponse(je.Shares),
	}
}

func memberEarningsResponse(me domain.MemberEarnings) MemberEarningsResponse {
	jobs := make([]MemberJobResponse, 0, len(me.Jobs))
	for _, j := range me.Jobs {
		jobs = append(jobs, MemberJobResponse{
			JobID:            j.JobID,
			Title:            j.Title,
			Status:           string(j.Status),
			YourInteractions: j.YourInteractions,
			TeamTotal:        j.TeamTotal,
			Earning:          money.String(j.Earning),
		})
	}
	return MemberEarningsResponse{
		MemberID:          me.MemberID,
		PotentialFromJobs: money.String(me.PotentialFromJobs),
		CompletedMissions: money.String(me.CompletedMissions),
		GrandTotal:        money.String(me.GrandTotal),
		PaidHistory:       money.String(me.PaidHistory),
		TotalInteractions: me.TotalInteractions,
		Jobs:              jobs,
	}
}

func missionResponse(m domain.Mission) MissionResponse {
	return MissionResponse{
		ID:           m.ID,
		Type:         string(m.Type),
		Title:        m.Title,
		Description:  m.Description,
		Tier:         m.Tier,
		FixedPayment: money.String(m.FixedPayment),
		Status:       string(m.Status),
		ClaimedBy:    m.ClaimedBy,
		ClaimedAt:    m.ClaimedAt,
		CompletedAt:  m.CompletedAt,
		ProofURL:     m.ProofURL,
		Notes:        m.Notes,
		ApprovedBy:   m.ApprovedBy,
		ApprovedAt:   m.ApprovedAt,
		CreatedBy:    m.CreatedBy,
		CreatedAt:    m.CreatedAt,
	}
}

func mapMissions(items []domain.Mission) []MissionResponse {
	res := make([]MissionResponse, 0, len(items))
	for _, m := range items {
		res = append(res, missionResponse(m))
	}
	return res
}

func mapJobs(items []domain.Job) []JobResponse {
	res := make([]JobResponse, 0, len(items))
	for _, j := range items {
		res = append(res, jobResponse(j))
	}
	return res
}

func fundResponse(st engine.FundStatus) FundResponse {
	res := FundResponse{
		Initialized: st.Fund.Initialized,
		Balance:     money.String(st.Fund.Balance),
		Reserved:    money.String(st.Fund.Reserved),
		Available:   money.String(st.Fund.Available()),
		Tier:        int(st.Tier.Tier),
		TierName:    st.Tier.Name,
		TierStatus:  st.Tier.Status,
		TierColor:   st.Tier.Color,
		Payments:    paymentsResponse(st.Payments),
		UpdatedAt:   st.Fund.UpdatedAt,
	}
	return res
}

func paymentsResponse(payments map[domain.MissionType]decimal.Decimal) []MissionPaymentResponse {
	out := make([]MissionPaymentResponse, 0, len(payments))
	for _, mt := range domain.MissionTypes {
		p, ok := payments[mt]
		if !ok {
			continue
		}
		out = append(out, MissionPaymentResponse{Type: string(mt), Payment: money.String(p)})
	}
	return out
}

func fundSourcesResponse(items []domain.FundSource) []FundSourceResponse {
	out := make([]FundSourceResponse, 0, len(items))
	for _, s := range items {
		out = append(out, FundSourceResponse{JobID: s.JobID, Amount: money.String(s.Amount), TS: s.TS})
	}
	return out
}

func healthResponse(h engine.Health) HealthResponse {
	return HealthResponse{
		FundInitialized: h.FundInitialized,
		Balance:         money.String(h.Fund.Balance),
		Reserved:        money.String(h.Fund.Reserved),
		Tier:            int(h.Tier.Tier),
		TierStatus:      h.Tier.Status,
		Jobs:            nonNilCounts(h.Jobs),
		Missions:        nonNilCounts(h.Missions),
		Balanced:        h.Balanced,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func nonNilCounts(in map[string]int64) map[string]int64 {
	if in == nil {
		return map[string]int64{}
	}
	return in
}

func sortedRoles(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return nonNilSlice(out)
}
