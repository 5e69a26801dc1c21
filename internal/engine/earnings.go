package engine

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"payline/internal/domain"
	"payline/internal/money"
	"payline/internal/repo"
)

var (
	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
)

// ProportionalShare is count/total of pool, rounded half-up to the cent.
// It is exact: the division happens in whole cents with an explicit
// remainder, never in floating point.
func ProportionalShare(count, total int64, pool decimal.Decimal) decimal.Decimal {
	if total <= 0 || count <= 0 {
		return money.Zero
	}
	num := decimal.NewFromInt(money.Cents(pool)).Mul(decimal.NewFromInt(count))
	den := decimal.NewFromInt(total)
	q, r := num.QuoRem(den, 0)
	if r.Mul(two).GreaterThanOrEqual(den) {
		q = q.Add(decimal.NewFromInt(1))
	}
	return money.FromCents(q.IntPart())
}

// Percentage renders count/total as a percentage with two decimals.
func Percentage(count, total int64) string {
	if total <= 0 {
		return "0.00"
	}
	return decimal.NewFromInt(count).Mul(hundred).Div(decimal.NewFromInt(total)).StringFixed(2)
}

// AllocatePool splits pool across members by interaction count so that
// the shares sum to the pool exactly. Every member gets the floor of
// their exact share in cents; leftover cents go to the largest fractional
// remainders, ties broken by more interactions, then by member id.
// Members with no interactions are omitted.
func AllocatePool(pool decimal.Decimal, counts []repo.MemberCount) []domain.MemberShare {
	var total int64
	for _, c := range counts {
		if c.Count > 0 {
			total += c.Count
		}
	}
	if total == 0 {
		return []domain.MemberShare{}
	}
	poolCents := decimal.NewFromInt(money.Cents(pool))
	den := decimal.NewFromInt(total)

	type slot struct {
		memberID  string
		count     int64
		cents     int64
		remainder decimal.Decimal
	}
	slots := make([]slot, 0, len(counts))
	var allocated int64
	for _, c := range counts {
		if c.Count <= 0 {
			continue
		}
		q, r := poolCents.Mul(decimal.NewFromInt(c.Count)).QuoRem(den, 0)
		slots = append(slots, slot{memberID: c.MemberID, count: c.Count, cents: q.IntPart(), remainder: r})
		allocated += q.IntPart()
	}
	leftover := poolCents.IntPart() - allocated

	order := make([]int, len(slots))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		sa, sb := slots[order[a]], slots[order[b]]
		if cmp := sa.remainder.Cmp(sb.remainder); cmp != 0 {
			return cmp > 0
		}
		if sa.count != sb.count {
			return sa.count > sb.count
		}
		return sa.memberID < sb.memberID
	})
	for i := 0; i < len(order) && leftover > 0; i++ {
		slots[order[i]].cents++
		leftover--
	}

	sort.Slice(slots, func(a, b int) bool { return slots[a].memberID < slots[b].memberID })
	shares := make([]domain.MemberShare, 0, len(slots))
	for _, s := range slots {
		shares = append(shares, domain.MemberShare{
			MemberID:     s.memberID,
			Interactions: s.count,
			Share:        money.FromCents(s.cents),
			Percentage:   Percentage(s.count, total),
		})
	}
	return shares
}

// MemberShare is the member's proportional cut of a job's team pool.
// Unknown jobs and members yield zero.
func (e Engine) MemberShare(ctx context.Context, jobID, memberID string) (decimal.Decimal, error) {
	j, err := e.Repo.GetJob(ctx, jobID)
	if repo.IsNotFound(err) {
		return money.Zero, nil
	}
	if err != nil {
		return money.Zero, err
	}
	count, err := e.Repo.CountForMember(ctx, nil, jobID, memberID)
	if err != nil {
		return money.Zero, err
	}
	return ProportionalShare(count, j.TotalInteractions, j.TeamPool), nil
}

// AggregatePotential is what a member stands to earn but has not been
// paid: their share of every unpaid job plus approved mission payments.
func (e Engine) AggregatePotential(ctx context.Context, memberID string) (decimal.Decimal, error) {
	summary, err := e.MemberEarnings(ctx, memberID)
	if err != nil {
		return money.Zero, err
	}
	return summary.GrandTotal, nil
}

// MemberEarnings is the member's earnings summary. Unknown members get an
// all-zero summary.
func (e Engine) MemberEarnings(ctx context.Context, memberID string) (domain.MemberEarnings, error) {
	out := domain.MemberEarnings{
		MemberID:          memberID,
		PotentialFromJobs: money.Zero,
		CompletedMissions: money.Zero,
		PaidHistory:       money.Zero,
		Jobs:              []domain.JobEarning{},
	}
	m, err := e.Repo.GetMember(ctx, memberID)
	if err != nil && !repo.IsNotFound(err) {
		return out, err
	}
	if err == nil {
		out.CompletedMissions = m.PotentialEarnings
		out.PaidHistory = m.PaidEarningsHistory
		out.TotalInteractions = m.TotalInteractionsAllJobs
	}
	jobs, err := e.Repo.JobsForMember(ctx, memberID, false)
	if err != nil {
		return out, err
	}
	for _, mj := range jobs {
		earning := ProportionalShare(mj.Interactions, mj.Job.TotalInteractions, mj.Job.TeamPool)
		out.PotentialFromJobs = out.PotentialFromJobs.Add(earning)
		out.Jobs = append(out.Jobs, domain.JobEarning{
			JobID:            mj.Job.ID,
			Title:            mj.Job.Title,
			Status:           mj.Job.Status,
			YourInteractions: mj.Interactions,
			TeamTotal:        mj.Job.TotalInteractions,
			Earning:          earning,
		})
	}
	out.GrandTotal = out.PotentialFromJobs.Add(out.CompletedMissions)
	return out, nil
}

// JobEarnings returns the payout breakdown of a job. Open jobs show what a
// settlement would pay right now; paid jobs show what was paid.
func (e Engine) JobEarnings(ctx context.Context, jobID string) (domain.JobEarnings, error) {
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return domain.JobEarnings{}, err
	}
	out := domain.JobEarnings{
		JobID:             j.ID,
		Title:             j.Title,
		Status:            j.Status,
		TeamPool:          j.TeamPool,
		TotalInteractions: j.TotalInteractions,
	}
	if j.Status == domain.JobPaid {
		s, err := e.Repo.GetSettlement(ctx, jobID)
		if err != nil {
			return out, err
		}
		out.Shares = s.Shares
		if out.Shares == nil {
			out.Shares = []domain.MemberShare{}
		}
		return out, nil
	}
	counts, err := e.Repo.MemberCountsTx(ctx, nil, jobID)
	if err != nil {
		return out, err
	}
	out.Shares = AllocatePool(j.TeamPool, counts)
	return out, nil
}
