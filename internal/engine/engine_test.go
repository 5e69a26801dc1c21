package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"payline/internal/config"
	"payline/internal/db"
	"payline/internal/domain"
	"payline/internal/engine"
	"payline/internal/migrate"
	"payline/internal/repo"
)

const operator = "nlr"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent map[string][]string
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, memberID, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sent == nil {
		n.sent = map[string][]string{}
	}
	n.sent[memberID] = append(n.sent[memberID], message)
	return n.err
}

type testEnv struct {
	Engine   engine.Engine
	Ctx      context.Context
	Clock    *testClock
	Notifier *recordingNotifier
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	clock := &testClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	notifier := &recordingNotifier{}
	eng := engine.New(conn, config.Default())
	eng.Now = clock.Now
	eng.Notifier = notifier
	ctx := context.Background()
	require.NoError(t, eng.SeedRBAC(ctx))
	return testEnv{Engine: eng, Ctx: ctx, Clock: clock, Notifier: notifier}
}

func dollars(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireMoney(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Equal(t, want, got.StringFixed(2))
}

func (env testEnv) createJob(t *testing.T, id, value string) domain.Job {
	t.Helper()
	j, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{ID: id, Title: "Job " + id, Value: dollars(value), ActorID: operator})
	require.NoError(t, err)
	return j
}

func (env testEnv) interact(t *testing.T, jobID, memberID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		res, err := env.Engine.RecordInteraction(env.Ctx, engine.InteractionInput{
			JobID:    jobID,
			MemberID: memberID,
			Content:  fmt.Sprintf("%s message %d", memberID, i),
		})
		require.NoError(t, err)
		require.False(t, res.Duplicate)
	}
}

func (env testEnv) settle(t *testing.T, jobID string) domain.Settlement {
	t.Helper()
	s, err := env.Engine.TriggerPayment(env.Ctx, engine.SettleOptions{JobID: jobID, ActorID: operator, CashReceived: true})
	require.NoError(t, err)
	return s
}

func shareOf(t *testing.T, shares []domain.MemberShare, memberID string) domain.MemberShare {
	t.Helper()
	for _, sh := range shares {
		if sh.MemberID == memberID {
			return sh
		}
	}
	t.Fatalf("no share for %s", memberID)
	return domain.MemberShare{}
}

func TestCreateJobSplitsValue(t *testing.T) {
	env := newTestEnv(t)
	j := env.createJob(t, "job-1", "1500")
	requireMoney(t, "450.00", j.TeamPool)
	requireMoney(t, "75.00", j.FundContribution)
	require.Equal(t, domain.JobActive, j.Status)

	balance, err := env.Engine.FundBalance(env.Ctx)
	require.NoError(t, err)
	requireMoney(t, "75.00", balance)

	sources, err := env.Engine.FundSources(env.Ctx)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	require.Equal(t, "job-1", sources[0].JobID)
	requireMoney(t, "75.00", sources[0].Amount)

	_, err = env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{ID: "job-1", Title: "again", Value: dollars("10"), ActorID: operator})
	var verr domain.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "id", verr.Field)

	balance, err = env.Engine.FundBalance(env.Ctx)
	require.NoError(t, err)
	requireMoney(t, "75.00", balance)
}

func TestCreateJobValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{Title: "free", Value: decimal.Zero, ActorID: operator})
	var verr domain.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "value", verr.Field)

	_, err = env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{Title: "x", Value: dollars("100"), ActorID: "stranger"})
	var perr domain.PermissionError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "job.create", perr.Permission)
}

func TestCreateJobRejectsOversizedValue(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{ID: "huge", Title: "huge", Value: dollars("184467440737096516.16"), ActorID: operator})
	var verr domain.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "value", verr.Field)

	_, err = env.Engine.GetJob(env.Ctx, "huge")
	require.True(t, repo.IsNotFound(err))
	balance, err := env.Engine.FundBalance(env.Ctx)
	require.NoError(t, err)
	requireMoney(t, "0.00", balance)

	j := env.createJob(t, "max", "1000000000000")
	requireMoney(t, "300000000000.00", j.TeamPool)
	requireMoney(t, "50000000000.00", j.FundContribution)
	got, err := env.Engine.GetJob(env.Ctx, "max")
	require.NoError(t, err)
	requireMoney(t, "1000000000000.00", got.Value)
}

func TestFundIsZeroBeforeFirstContribution(t *testing.T) {
	env := newTestEnv(t)
	status, err := env.Engine.FundStatus(env.Ctx)
	require.NoError(t, err)
	require.False(t, status.Fund.Initialized)
	requireMoney(t, "0.00", status.Fund.Balance)
	require.Equal(t, "Critical", status.Tier.Status)
	requireMoney(t, "8.00", status.Payments[domain.MissionRecruitment])

	sources, err := env.Engine.FundSources(env.Ctx)
	require.NoError(t, err)
	require.Empty(t, sources)
}

func TestFundDecreaseNeverOverdraws(t *testing.T) {
	env := newTestEnv(t)
	env.createJob(t, "job-1", "1500")

	err := env.Engine.DecreaseFund(env.Ctx, dollars("100"), "mission-x", operator)
	var ierr domain.InsufficientFundsError
	require.ErrorAs(t, err, &ierr)
	requireMoney(t, "100.00", ierr.Requested)
	requireMoney(t, "75.00", ierr.Available)

	balance, err := env.Engine.FundBalance(env.Ctx)
	require.NoError(t, err)
	requireMoney(t, "75.00", balance)

	require.NoError(t, env.Engine.DecreaseFund(env.Ctx, dollars("75"), "mission-y", operator))
	balance, err = env.Engine.FundBalance(env.Ctx)
	require.NoError(t, err)
	requireMoney(t, "0.00", balance)

	err = env.Engine.DecreaseFund(env.Ctx, dollars("0.01"), "mission-z", operator)
	require.ErrorAs(t, err, &ierr)
}

func TestIncreaseFundOncePerJob(t *testing.T) {
	env := newTestEnv(t)
	env.createJob(t, "job-1", "1500")

	err := env.Engine.IncreaseFund(env.Ctx, dollars("10"), "job-1", operator)
	var verr domain.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "job_id", verr.Field)

	err = env.Engine.IncreaseFund(env.Ctx, dollars("10"), "ghost", operator)
	require.True(t, repo.IsNotFound(err))

	// A job this small rounds its contribution to zero and never funds.
	tiny := env.createJob(t, "job-tiny", "0.05")
	requireMoney(t, "0.00", tiny.FundContribution)
	require.NoError(t, env.Engine.IncreaseFund(env.Ctx, dollars("1"), "job-tiny", operator))
	err = env.Engine.IncreaseFund(env.Ctx, dollars("1"), "job-tiny", operator)
	require.ErrorAs(t, err, &verr)

	balance, err := env.Engine.FundBalance(env.Ctx)
	require.NoError(t, err)
	requireMoney(t, "76.00", balance)
	sources, err := env.Engine.FundSources(env.Ctx)
	require.NoError(t, err)
	require.Len(t, sources, 2)
}

func TestFundConservationUnderConcurrentJobs(t *testing.T) {
	env := newTestEnv(t)
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.Engine.CreateJob(env.Ctx, engine.JobCreateOptions{
				ID: fmt.Sprintf("job-%d", i), Title: "parallel", Value: dollars("100"), ActorID: operator,
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	health, err := env.Engine.CompensationHealth(env.Ctx)
	require.NoError(t, err)
	requireMoney(t, "50.00", health.Fund.Balance)
	require.True(t, health.Balanced)
	require.Equal(t, int64(10), health.Jobs["active"])
}

func TestRecordInteractionCounts(t *testing.T) {
	env := newTestEnv(t)
	env.createJob(t, "job-1", "1000")
	env.interact(t, "job-1", "alice", 3)
	env.interact(t, "job-1", "bob", 2)

	count, err := env.Engine.CountForMember(env.Ctx, "job-1", "alice")
	require.NoError(t, err)
	require.Equal(t, int64(3), count)
	total, err := env.Engine.TotalForJob(env.Ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, int64(5), total)

	count, err = env.Engine.CountForMember(env.Ctx, "job-1", "nobody")
	require.NoError(t, err)
	require.Zero(t, count)
	total, err = env.Engine.TotalForJob(env.Ctx, "missing")
	require.NoError(t, err)
	require.Zero(t, total)

	_, err = env.Engine.RecordInteraction(env.Ctx, engine.InteractionInput{JobID: "missing", MemberID: "alice"})
	require.ErrorIs(t, err, repo.ErrNotFound)

	_, err = env.Engine.RecordInteraction(env.Ctx, engine.InteractionInput{JobID: "job-1", MemberID: "alice", Recipient: "mallory"})
	var verr domain.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "recipient", verr.Field)

	res, err := env.Engine.RecordInteraction(env.Ctx, engine.InteractionInput{JobID: "job-1", MemberID: "alice", Recipient: "Sofia"})
	require.NoError(t, err)
	require.Equal(t, "sofia", res.Interaction.Recipient)
	require.Equal(t, int64(4), res.MemberJobCount)
	require.Equal(t, int64(6), res.JobTotal)
	require.Equal(t, int64(4), res.MemberTotal)
}

func TestRecordInteractionDedupe(t *testing.T) {
	env := newTestEnv(t)
	env.createJob(t, "job-1", "1000")
	in := engine.InteractionInput{JobID: "job-1", MemberID: "alice", Content: "hello team"}

	first, err := env.Engine.RecordInteraction(env.Ctx, in)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	env.Clock.Advance(500 * time.Millisecond)
	dup, err := env.Engine.RecordInteraction(env.Ctx, in)
	require.NoError(t, err)
	require.True(t, dup.Duplicate)
	require.Equal(t, first.Interaction.ID, dup.Interaction.ID)
	require.Equal(t, int64(1), dup.JobTotal)

	other, err := env.Engine.RecordInteraction(env.Ctx, engine.InteractionInput{JobID: "job-1", MemberID: "bob", Content: "hello team"})
	require.NoError(t, err)
	require.False(t, other.Duplicate)

	env.Clock.Advance(2 * time.Second)
	later, err := env.Engine.RecordInteraction(env.Ctx, in)
	require.NoError(t, err)
	require.False(t, later.Duplicate)
	require.Equal(t, int64(3), later.JobTotal)

	for i := 0; i < 2; i++ {
		res, err := env.Engine.RecordInteraction(env.Ctx, engine.InteractionInput{JobID: "job-1", MemberID: "carol"})
		require.NoError(t, err)
		require.False(t, res.Duplicate)
	}
	count, err := env.Engine.CountForMember(env.Ctx, "job-1", "carol")
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
}

func TestProportionalShare(t *testing.T) {
	cases := []struct {
		name         string
		count, total int64
		pool, want   string
	}{
		{"even split", 30, 50, "450", "270.00"},
		{"sole contributor", 10, 10, "300", "300.00"},
		{"no interactions", 0, 10, "300", "0.00"},
		{"empty job", 0, 0, "300", "0.00"},
		{"rounds up", 7, 11, "300", "190.91"},
		{"rounds down", 4, 11, "300", "109.09"},
		{"half cent rounds away from zero", 1, 8, "0.20", "0.03"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			requireMoney(t, tc.want, engine.ProportionalShare(tc.count, tc.total, dollars(tc.pool)))
		})
	}
}

func TestAllocatePoolSumsToPool(t *testing.T) {
	shares := engine.AllocatePool(dollars("100"), []repo.MemberCount{
		{MemberID: "c", Count: 1}, {MemberID: "a", Count: 1}, {MemberID: "b", Count: 1},
	})
	require.Len(t, shares, 3)
	require.Equal(t, "a", shares[0].MemberID)
	requireMoney(t, "33.34", shares[0].Share)
	requireMoney(t, "33.33", shares[1].Share)
	requireMoney(t, "33.33", shares[2].Share)
	require.Equal(t, "33.33", shares[0].Percentage)

	shares = engine.AllocatePool(dollars("300"), []repo.MemberCount{{MemberID: "a", Count: 7}, {MemberID: "b", Count: 4}})
	requireMoney(t, "190.91", shares[0].Share)
	requireMoney(t, "109.09", shares[1].Share)

	shares = engine.AllocatePool(dollars("10"), []repo.MemberCount{
		{MemberID: "a", Count: 2}, {MemberID: "b", Count: 1}, {MemberID: "c", Count: 1}, {MemberID: "d", Count: 2},
	})
	sum := decimal.Zero
	for _, sh := range shares {
		sum = sum.Add(sh.Share)
	}
	requireMoney(t, "10.00", sum)
	require.Empty(t, engine.AllocatePool(dollars("10"), nil))
}

func TestSettlementPaysProportionally(t *testing.T) {
	env := newTestEnv(t)
	env.createJob(t, "job-1", "1500")
	env.interact(t, "job-1", "alice", 30)
	env.interact(t, "job-1", "bob", 20)

	s := env.settle(t, "job-1")
	requireMoney(t, "450.00", s.TeamPool)
	requireMoney(t, "450.00", s.TotalPaid)
	require.Equal(t, int64(50), s.TotalInteractions)
	alice := shareOf(t, s.Shares, "alice")
	requireMoney(t, "270.00", alice.Share)
	require.Equal(t, int64(30), alice.Interactions)
	require.Equal(t, "60.00", alice.Percentage)
	requireMoney(t, "180.00", shareOf(t, s.Shares, "bob").Share)

	j, err := env.Engine.GetJob(env.Ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, domain.JobPaid, j.Status)
	require.NotNil(t, j.PaidBy)
	require.Equal(t, operator, *j.PaidBy)

	summary, err := env.Engine.MemberEarnings(env.Ctx, "alice")
	require.NoError(t, err)
	requireMoney(t, "270.00", summary.PaidHistory)
	requireMoney(t, "0.00", summary.PotentialFromJobs)
	require.Empty(t, summary.Jobs)

	require.Equal(t, []string{"You earned $270.00 from Job job-1"}, env.Notifier.sent["alice"])
	require.Equal(t, []string{"You earned $180.00 from Job job-1"}, env.Notifier.sent["bob"])

	view, err := env.Engine.JobEarnings(env.Ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, domain.JobPaid, view.Status)
	requireMoney(t, "270.00", shareOf(t, view.Shares, "alice").Share)
}

func TestSettlementSoleContributor(t *testing.T) {
	env := newTestEnv(t)
	env.createJob(t, "job-1", "1000")
	env.interact(t, "job-1", "alice", 10)

	share, err := env.Engine.MemberShare(env.Ctx, "job-1", "bob")
	require.NoError(t, err)
	requireMoney(t, "0.00", share)

	s := env.settle(t, "job-1")
	require.Len(t, s.Shares, 1)
	requireMoney(t, "300.00", shareOf(t, s.Shares, "alice").Share)
}

func TestSettlementReconcilesRemainder(t *testing.T) {
	env := newTestEnv(t)
	env.createJob(t, "job-1", "1000")
	env.interact(t, "job-1", "alice", 7)
	env.interact(t, "job-1", "bob", 4)

	share, err := env.Engine.MemberShare(env.Ctx, "job-1", "alice")
	require.NoError(t, err)
	requireMoney(t, "190.91", share)

	s := env.settle(t, "job-1")
	requireMoney(t, "190.91", shareOf(t, s.Shares, "alice").Share)
	requireMoney(t, "109.09", shareOf(t, s.Shares, "bob").Share)
	requireMoney(t, "300.00", s.TotalPaid)
}

func TestSettlementIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.createJob(t, "job-1", "1500")
	env.interact(t, "job-1", "alice", 3)
	env.settle(t, "job-1")

	_, err := env.Engine.TriggerPayment(env.Ctx, engine.SettleOptions{JobID: "job-1", ActorID: operator, CashReceived: true})
	var paid domain.JobAlreadyPaidError
	require.ErrorAs(t, err, &paid)
	require.Equal(t, operator, paid.PaidBy)
	require.NotEmpty(t, paid.PaidAt)

	summary, err := env.Engine.MemberEarnings(env.Ctx, "alice")
	require.NoError(t, err)
	requireMoney(t, "450.00", summary.PaidHistory)
	require.Len(t, env.Notifier.sent["alice"], 1)

	_, err = env.Engine.RecordInteraction(env.Ctx, engine.InteractionInput{JobID: "job-1", MemberID: "alice", Content: "late"})
	var settled domain.JobAlreadySettledError
	require.ErrorAs(t, err, &settled)
	total, err := env.Engine.TotalForJob(env.Ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, int64(3), total)
}

func TestConcurrentSettlementPaysOnce(t *testing.T) {
	env := newTestEnv(t)
	env.createJob(t, "job-1", "1500")
	env.interact(t, "job-1", "alice", 5)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.TriggerPayment(env.Ctx, engine.SettleOptions{JobID: "job-1", ActorID: operator, CashReceived: true})
		}(i)
	}
	wg.Wait()

	var ok, already int
	for _, err := range errs {
		var paid domain.JobAlreadyPaidError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &paid):
			already++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, already)
	summary, err := env.Engine.MemberEarnings(env.Ctx, "alice")
	require.NoError(t, err)
	requireMoney(t, "450.00", summary.PaidHistory)
}

func TestSettlementGuards(t *testing.T) {
	env := newTestEnv(t)
	env.createJob(t, "job-1", "1500")
	env.interact(t, "job-1", "alice", 2)

	_, err := env.Engine.TriggerPayment(env.Ctx, engine.SettleOptions{JobID: "job-1", ActorID: "alice", CashReceived: true})
	var perr domain.PermissionError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "payment.trigger", perr.Permission)

	_, err = env.Engine.TriggerPayment(env.Ctx, engine.SettleOptions{JobID: "job-1", ActorID: operator})
	var verr domain.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "cash_received", verr.Field)

	_, err = env.Engine.TriggerPayment(env.Ctx, engine.SettleOptions{JobID: "missing", ActorID: operator, CashReceived: true})
	require.ErrorIs(t, err, repo.ErrNotFound)

	j, err := env.Engine.GetJob(env.Ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, domain.JobActive, j.Status)
}

func TestSettlementSurvivesNotifierFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Notifier.err = domain.UpstreamUnavailableError{Service: "telegram", Err: fmt.Errorf("connection refused")}
	env.createJob(t, "job-1", "1000")
	env.interact(t, "job-1", "alice", 1)

	s := env.settle(t, "job-1")
	requireMoney(t, "300.00", s.TotalPaid)
	require.Len(t, env.Notifier.sent["alice"], 1)
}

func TestSettlementWithoutInteractions(t *testing.T) {
	env := newTestEnv(t)
	env.createJob(t, "job-1", "1000")
	s := env.settle(t, "job-1")
	require.Empty(t, s.Shares)
	requireMoney(t, "0.00", s.TotalPaid)
}

func TestCompleteJob(t *testing.T) {
	env := newTestEnv(t)
	env.createJob(t, "job-1", "1000")
	j, err := env.Engine.CompleteJob(env.Ctx, "job-1", operator)
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, j.Status)

	_, err = env.Engine.CompleteJob(env.Ctx, "job-1", operator)
	var terr domain.InvalidTransitionError
	require.ErrorAs(t, err, &terr)

	env.interact(t, "job-1", "alice", 1)
	s := env.settle(t, "job-1")
	requireMoney(t, "300.00", s.TotalPaid)
}

func TestMemberEarningsAggregatesUnpaidJobs(t *testing.T) {
	env := newTestEnv(t)
	env.createJob(t, "job-1", "1000")
	env.createJob(t, "job-2", "500")
	env.interact(t, "job-1", "alice", 1)
	env.interact(t, "job-1", "bob", 1)
	env.interact(t, "job-2", "alice", 2)

	summary, err := env.Engine.MemberEarnings(env.Ctx, "alice")
	require.NoError(t, err)
	requireMoney(t, "150.00", summary.Jobs[0].Earning)
	requireMoney(t, "300.00", summary.PotentialFromJobs)
	requireMoney(t, "300.00", summary.GrandTotal)
	require.Equal(t, int64(3), summary.TotalInteractions)

	env.settle(t, "job-2")
	potential, err := env.Engine.AggregatePotential(env.Ctx, "alice")
	require.NoError(t, err)
	requireMoney(t, "150.00", potential)

	unknown, err := env.Engine.MemberEarnings(env.Ctx, "ghost")
	require.NoError(t, err)
	requireMoney(t, "0.00", unknown.GrandTotal)
	require.Empty(t, unknown.Jobs)
}

func TestCreateMissionRequiresFunds(t *testing.T) {
	env := newTestEnv(t)
	env.createJob(t, "job-1", "100")

	_, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Type: "recruitment", Title: "Bring a friend", ActorID: operator})
	var ierr domain.InsufficientFundsError
	require.ErrorAs(t, err, &ierr)
	requireMoney(t, "8.00", ierr.Requested)
	requireMoney(t, "5.00", ierr.Available)

	missions, err := env.Engine.ListMissions(env.Ctx, repo.MissionFilters{})
	require.NoError(t, err)
	require.Empty(t, missions)
	status, err := env.Engine.FundStatus(env.Ctx)
	require.NoError(t, err)
	requireMoney(t, "0.00", status.Fund.Reserved)
}

func TestCreateMissionValidation(t *testing.T) {
	env := newTestEnv(t)
	env.createJob(t, "job-1", "4000")
	_, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Type: "bounty", Title: "x", ActorID: operator})
	var verr domain.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "type", verr.Field)

	_, err = env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Type: "social", Title: "x", ActorID: "alice"})
	var perr domain.PermissionError
	require.ErrorAs(t, err, &perr)
}

func TestReservationPreventsOvercommit(t *testing.T) {
	env := newTestEnv(t)
	env.createJob(t, "job-1", "100")
	for i := 0; i < 10; i++ {
		m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Type: "proposal", Title: fmt.Sprintf("Proposal %d", i), ActorID: operator})
		require.NoError(t, err)
		require.Equal(t, 4, m.Tier)
		requireMoney(t, "0.50", m.FixedPayment)
	}
	_, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Type: "proposal", Title: "One too many", ActorID: operator})
	var ierr domain.InsufficientFundsError
	require.ErrorAs(t, err, &ierr)
	requireMoney(t, "0.00", ierr.Available)
}

func (env testEnv) eligibleMember(t *testing.T, memberID string) {
	t.Helper()
	env.interact(t, "job-1", memberID, int(engine.MinClaimInteractions))
}

func TestMissionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.createJob(t, "job-1", "4000")
	env.eligibleMember(t, "alice")

	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Type: "proposal", Title: "Write a proposal", ActorID: operator})
	require.NoError(t, err)
	require.Equal(t, 1, m.Tier)
	requireMoney(t, "2.00", m.FixedPayment)
	require.Equal(t, domain.MissionAvailable, m.Status)

	m, err = env.Engine.ClaimMission(env.Ctx, m.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, domain.MissionClaimed, m.Status)

	_, err = env.Engine.CompleteMission(env.Ctx, engine.MissionCompleteOptions{MissionID: m.ID, MemberID: "bob", ProofURL: "https://proof"})
	var terr domain.InvalidTransitionError
	require.ErrorAs(t, err, &terr)

	_, err = env.Engine.CompleteMission(env.Ctx, engine.MissionCompleteOptions{MissionID: m.ID, MemberID: "alice", ProofURL: "  "})
	var verr domain.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "proof_url", verr.Field)

	_, err = env.Engine.ApproveMission(env.Ctx, m.ID, operator)
	require.ErrorAs(t, err, &terr)

	m, err = env.Engine.CompleteMission(env.Ctx, engine.MissionCompleteOptions{MissionID: m.ID, MemberID: "alice", ProofURL: "https://proof", Notes: "done"})
	require.NoError(t, err)
	require.Equal(t, domain.MissionPendingApproval, m.Status)

	_, err = env.Engine.ApproveMission(env.Ctx, m.ID, "alice")
	var perr domain.PermissionError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "mission.approve", perr.Permission)

	m, err = env.Engine.ApproveMission(env.Ctx, m.ID, operator)
	require.NoError(t, err)
	require.Equal(t, domain.MissionCompleted, m.Status)

	status, err := env.Engine.FundStatus(env.Ctx)
	require.NoError(t, err)
	requireMoney(t, "198.00", status.Fund.Balance)
	requireMoney(t, "0.00", status.Fund.Reserved)

	member, err := env.Engine.Repo.GetMember(env.Ctx, "alice")
	require.NoError(t, err)
	requireMoney(t, "2.00", member.PotentialEarnings)
	summary, err := env.Engine.MemberEarnings(env.Ctx, "alice")
	require.NoError(t, err)
	requireMoney(t, "2.00", summary.CompletedMissions)

	_, err = env.Engine.ApproveMission(env.Ctx, m.ID, operator)
	require.ErrorAs(t, err, &terr)
	health, err := env.Engine.CompensationHealth(env.Ctx)
	require.NoError(t, err)
	require.True(t, health.Balanced)
}

func TestClaimRequiresEligibility(t *testing.T) {
	env := newTestEnv(t)
	env.createJob(t, "job-1", "4000")
	env.interact(t, "job-1", "alice", 4)
	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Type: "social", Title: "Share the post", ActorID: operator})
	require.NoError(t, err)

	_, err = env.Engine.ClaimMission(env.Ctx, m.ID, "alice")
	var eerr domain.EligibilityError
	require.ErrorAs(t, err, &eerr)
	require.Equal(t, int64(4), eerr.Interactions)
	require.Equal(t, int64(5), eerr.Required)

	_, err = env.Engine.ClaimMission(env.Ctx, m.ID, "stranger")
	require.ErrorAs(t, err, &eerr)

	got, err := env.Engine.GetMission(env.Ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, domain.MissionAvailable, got.Status)
	require.Nil(t, got.ClaimedBy)
}

func TestConcurrentClaimHasOneWinner(t *testing.T) {
	env := newTestEnv(t)
	env.createJob(t, "job-1", "4000")
	env.eligibleMember(t, "alice")
	env.eligibleMember(t, "bob")
	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Type: "other", Title: "Contested", ActorID: operator})
	require.NoError(t, err)

	members := []string{"alice", "bob"}
	errs := make([]error, len(members))
	var wg sync.WaitGroup
	for i, member := range members {
		wg.Add(1)
		go func(i int, member string) {
			defer wg.Done()
			_, errs[i] = env.Engine.ClaimMission(env.Ctx, m.ID, member)
		}(i, member)
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		var terr domain.InvalidTransitionError
		switch {
		case err == nil:
			won++
		case errors.As(err, &terr):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, won)
	require.Equal(t, 1, lost)
}

func TestConcurrentApprovalsConserveFund(t *testing.T) {
	env := newTestEnv(t)
	env.createJob(t, "job-1", "4000")
	env.eligibleMember(t, "alice")

	ids := make([]string, 20)
	for i := range ids {
		m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Type: "other", Title: fmt.Sprintf("Task %d", i), ActorID: operator})
		require.NoError(t, err)
		requireMoney(t, "5.00", m.FixedPayment)
		_, err = env.Engine.ClaimMission(env.Ctx, m.ID, "alice")
		require.NoError(t, err)
		_, err = env.Engine.CompleteMission(env.Ctx, engine.MissionCompleteOptions{MissionID: m.ID, MemberID: "alice", ProofURL: "https://proof"})
		require.NoError(t, err)
		ids[i] = m.ID
	}

	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = env.Engine.ApproveMission(env.Ctx, id, operator)
		}(i, id)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	health, err := env.Engine.CompensationHealth(env.Ctx)
	require.NoError(t, err)
	requireMoney(t, "100.00", health.Fund.Balance)
	requireMoney(t, "0.00", health.Fund.Reserved)
	require.True(t, health.Balanced)
	require.Equal(t, int64(20), health.Missions["completed"])

	member, err := env.Engine.Repo.GetMember(env.Ctx, "alice")
	require.NoError(t, err)
	requireMoney(t, "100.00", member.PotentialEarnings)
}

func TestStaleClaimExpires(t *testing.T) {
	env := newTestEnv(t)
	env.createJob(t, "job-1", "4000")
	env.eligibleMember(t, "alice")
	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Type: "social", Title: "Share", ActorID: operator})
	require.NoError(t, err)
	_, err = env.Engine.ClaimMission(env.Ctx, m.ID, "alice")
	require.NoError(t, err)

	env.Clock.Advance(23 * time.Hour)
	got, err := env.Engine.GetMission(env.Ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, domain.MissionClaimed, got.Status)

	// Exactly 24h is not yet stale.
	env.Clock.Advance(time.Hour)
	got, err = env.Engine.GetMission(env.Ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, domain.MissionClaimed, got.Status)

	env.Clock.Advance(time.Hour)
	got, err = env.Engine.GetMission(env.Ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, domain.MissionAvailable, got.Status)
	require.Nil(t, got.ClaimedBy)
	require.Nil(t, got.ClaimedAt)

	evts, err := env.Engine.ListEvents(env.Ctx, operator, repo.EventFilters{Type: "mission.expired"})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	require.Equal(t, m.ID, evts[0].EntityID)

	_, err = env.Engine.CompleteMission(env.Ctx, engine.MissionCompleteOptions{MissionID: m.ID, MemberID: "alice", ProofURL: "https://late"})
	var terr domain.InvalidTransitionError
	require.ErrorAs(t, err, &terr)

	_, err = env.Engine.ClaimMission(env.Ctx, m.ID, "alice")
	require.NoError(t, err)
}

func TestRoleGrantAndRevoke(t *testing.T) {
	env := newTestEnv(t)
	who, err := env.Engine.WhoAmI(env.Ctx, operator)
	require.NoError(t, err)
	require.Equal(t, []string{"admin", "settler"}, who.Roles)
	require.Contains(t, who.Permissions, "payment.trigger")

	err = env.Engine.GrantRole(env.Ctx, "alice", "bob", "admin")
	var perr domain.PermissionError
	require.ErrorAs(t, err, &perr)

	require.NoError(t, env.Engine.GrantRole(env.Ctx, operator, "bob", "member"))
	who, err = env.Engine.WhoAmI(env.Ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, []string{"member"}, who.Roles)

	err = env.Engine.GrantRole(env.Ctx, operator, "bob", "wizard")
	var verr domain.ValidationError
	require.ErrorAs(t, err, &verr)

	require.NoError(t, env.Engine.RevokeRole(env.Ctx, operator, "bob", "member"))
	who, err = env.Engine.WhoAmI(env.Ctx, "bob")
	require.NoError(t, err)
	require.Empty(t, who.Roles)
}

func TestCreateAPIKey(t *testing.T) {
	env := newTestEnv(t)
	plain, key, err := env.Engine.CreateAPIKey(env.Ctx, "alice", "laptop")
	require.NoError(t, err)
	require.NotEmpty(t, plain)
	stored, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(plain))
	require.NoError(t, err)
	require.Equal(t, key.ID, stored.ID)
	require.Equal(t, "alice", stored.ActorID)
	_, _, err = env.Engine.CreateAPIKey(env.Ctx, "bob", "ci")
	require.NoError(t, err)
	keys, err := env.Engine.ListAPIKeys(env.Ctx, "alice")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, "laptop", keys[0].Name)

	keys, err = env.Engine.ListAPIKeys(env.Ctx, "nobody")
	require.NoError(t, err)
	require.Empty(t, keys)
}
