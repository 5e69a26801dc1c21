package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"payline/internal/config"
	"payline/internal/db"
	"payline/internal/engine"
	"payline/internal/migrate"
	"payline/internal/observability"
)

const (
	operator   = "nlr"
	testSecret = "test-secret"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	Obs    *observability.Observability
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))

	ctx := context.Background()
	e := engine.New(conn, config.Default())
	require.NoError(t, e.SeedRBAC(ctx))
	for _, member := range []string{"ana", "ben"} {
		require.NoError(t, e.GrantRole(ctx, operator, member, "member"))
	}

	obs := observability.MakeWithOutput("info", "text", io.Discard)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
		Obs:      obs,
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Obs:    obs,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func as(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

// call performs a request as actor and decodes a successful body into out.
func (s *testServer) call(t *testing.T, actor, method, path string, body any, wantStatus int, out any) []byte {
	t.Helper()
	res, data := doJSON(t, s.Client(), method, s.URL+path, body, as(actor))
	require.Equal(t, wantStatus, res.StatusCode, "%s %s: %s", method, path, string(data))
	if out != nil {
		require.NoError(t, json.Unmarshal(data, out))
	}
	return data
}

func (s *testServer) interact(t *testing.T, jobID, memberID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		var res InteractionResponse
		s.call(t, memberID, http.MethodPost, "/v0/jobs/"+jobID+"/interactions", map[string]any{
			"content": fmt.Sprintf("%s note %d", memberID, i),
		}, http.StatusCreated, &res)
		require.False(t, res.Duplicate)
	}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error.Code
}

func TestJobSettlementFlow(t *testing.T) {
	srv := newTestServer(t)

	var job JobResponse
	srv.call(t, operator, http.MethodPost, "/v0/jobs", map[string]any{
		"id":    "job-1",
		"title": "Kitchen remodel",
		"value": "1000.00",
	}, http.StatusCreated, &job)
	require.Equal(t, "300.00", job.TeamPool)
	require.Equal(t, "50.00", job.FundContribution)
	require.Equal(t, "active", job.Status)

	srv.interact(t, "job-1", "ana", 3)
	srv.interact(t, "job-1", "ben", 2)

	var preview JobEarningsResponse
	srv.call(t, "ana", http.MethodGet, "/v0/jobs/job-1/earnings", nil, http.StatusOK, &preview)
	require.Equal(t, int64(5), preview.TotalInteractions)
	require.Len(t, preview.Shares, 2)

	var settled SettlementResponse
	srv.call(t, operator, http.MethodPost, "/v0/jobs/job-1/settle", map[string]any{"cash_received": true}, http.StatusOK, &settled)
	require.Equal(t, "300.00", settled.TotalPaid)
	shares := map[string]MemberShareResponse{}
	for _, sh := range settled.Shares {
		shares[sh.MemberID] = sh
	}
	require.Equal(t, "180.00", shares["ana"].Share)
	require.Equal(t, "60.00", shares["ana"].Percentage)
	require.Equal(t, "120.00", shares["ben"].Share)

	data := srv.call(t, operator, http.MethodPost, "/v0/jobs/job-1/settle", map[string]any{"cash_received": true}, http.StatusConflict, nil)
	require.Equal(t, "job_already_paid", errorCode(t, data))

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/jobs/job-1/interactions", map[string]any{"content": "late"}, as("ana"))
	require.Equal(t, http.StatusConflict, res.StatusCode)
	require.Equal(t, "job_already_settled", errorCode(t, data))

	var earnings MemberEarningsResponse
	srv.call(t, "ana", http.MethodGet, "/v0/members/ana/earnings", nil, http.StatusOK, &earnings)
	require.Equal(t, "180.00", earnings.PaidHistory)
	require.Equal(t, "0.00", earnings.PotentialFromJobs)
	require.Empty(t, earnings.Jobs)

	var fund FundResponse
	srv.call(t, "ana", http.MethodGet, "/v0/fund", nil, http.StatusOK, &fund)
	require.Equal(t, "50.00", fund.Balance)
	require.Equal(t, 3, fund.Tier)
	require.Len(t, fund.Payments, 4)
}

func TestMissionLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	srv.call(t, operator, http.MethodPost, "/v0/jobs", map[string]any{
		"id": "job-big", "title": "Office fit-out", "value": "4000",
	}, http.StatusCreated, nil)
	srv.interact(t, "job-big", "ana", 5)

	var m MissionResponse
	srv.call(t, operator, http.MethodPost, "/v0/missions", map[string]any{
		"id": "m-1", "type": "social", "title": "Share the case study",
	}, http.StatusCreated, &m)
	require.Equal(t, 1, m.Tier)
	require.Equal(t, "3.00", m.FixedPayment)
	require.Equal(t, "available", m.Status)

	data := srv.call(t, "ben", http.MethodPost, "/v0/missions/m-1/claim", nil, http.StatusForbidden, nil)
	require.Equal(t, "not_eligible", errorCode(t, data))

	srv.call(t, "ana", http.MethodPost, "/v0/missions/m-1/claim", nil, http.StatusOK, &m)
	require.Equal(t, "claimed", m.Status)
	require.NotNil(t, m.ClaimedBy)
	require.Equal(t, "ana", *m.ClaimedBy)

	data = srv.call(t, "ana", http.MethodPost, "/v0/missions/m-1/complete", map[string]any{"proof_url": "  "}, http.StatusUnprocessableEntity, nil)
	require.Equal(t, "validation_failed", errorCode(t, data))

	srv.call(t, "ana", http.MethodPost, "/v0/missions/m-1/complete", map[string]any{
		"proof_url": "https://example.com/post/1",
	}, http.StatusOK, &m)
	require.Equal(t, "pending_approval", m.Status)

	srv.call(t, operator, http.MethodPost, "/v0/missions/m-1/approve", nil, http.StatusOK, &m)
	require.Equal(t, "completed", m.Status)

	var fund FundResponse
	srv.call(t, operator, http.MethodGet, "/v0/fund", nil, http.StatusOK, &fund)
	require.Equal(t, "197.00", fund.Balance)
	require.Equal(t, "0.00", fund.Reserved)

	var earnings MemberEarningsResponse
	srv.call(t, "ana", http.MethodGet, "/v0/members/ana/earnings", nil, http.StatusOK, &earnings)
	require.Equal(t, "3.00", earnings.CompletedMissions)

	var list struct {
		Items []MissionResponse `json:"items"`
	}
	srv.call(t, "ana", http.MethodGet, "/v0/missions?status=completed", nil, http.StatusOK, &list)
	require.Len(t, list.Items, 1)

	var health HealthResponse
	srv.call(t, operator, http.MethodGet, "/v0/compensation/health", nil, http.StatusOK, &health)
	require.True(t, health.FundInitialized)
	require.True(t, health.Balanced)
	require.Equal(t, int64(1), health.Missions["completed"])
}

func TestErrorEnvelope(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/fund", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	require.Equal(t, "unauthorized", errorCode(t, data))

	data = srv.call(t, "ana", http.MethodPost, "/v0/jobs", map[string]any{
		"id": "job-x", "title": "Nope", "value": "100",
	}, http.StatusForbidden, nil)
	require.Equal(t, "forbidden", errorCode(t, data))

	data = srv.call(t, operator, http.MethodPost, "/v0/jobs", map[string]any{
		"id": "job-x", "title": "Bad value", "value": "lots",
	}, http.StatusUnprocessableEntity, nil)
	require.Equal(t, "validation_failed", errorCode(t, data))

	data = srv.call(t, operator, http.MethodGet, "/v0/jobs/missing", nil, http.StatusNotFound, nil)
	require.Equal(t, "not_found", errorCode(t, data))

	srv.call(t, operator, http.MethodPost, "/v0/jobs", map[string]any{
		"id": "job-1", "title": "Small", "value": "100",
	}, http.StatusCreated, nil)
	data = srv.call(t, operator, http.MethodPost, "/v0/jobs/job-1/settle", map[string]any{"cash_received": false}, http.StatusUnprocessableEntity, nil)
	require.Equal(t, "validation_failed", errorCode(t, data))

	data = srv.call(t, operator, http.MethodPost, "/v0/missions", map[string]any{
		"type": "recruitment", "title": "Refer a client",
	}, http.StatusConflict, nil)
	require.Equal(t, "insufficient_funds", errorCode(t, data))
}

func TestEventsRequirePermission(t *testing.T) {
	srv := newTestServer(t)
	srv.call(t, operator, http.MethodPost, "/v0/jobs", map[string]any{
		"id": "job-1", "title": "Deck", "value": "500",
	}, http.StatusCreated, nil)

	srv.call(t, "ana", http.MethodGet, "/v0/events", nil, http.StatusForbidden, nil)

	var page struct {
		Items      []EventResponse `json:"items"`
		NextCursor string          `json:"next_cursor"`
	}
	srv.call(t, operator, http.MethodGet, "/v0/events?type=job.created", nil, http.StatusOK, &page)
	require.Len(t, page.Items, 1)
	require.Equal(t, "job-1", page.Items[0].EntityID)
	require.Equal(t, operator, page.Items[0].ActorID)
}

func TestRoleGrantAndWhoAmI(t *testing.T) {
	srv := newTestServer(t)

	srv.call(t, "ana", http.MethodPost, "/v0/rbac/grant", map[string]any{"actor_id": "ana", "role_id": "admin"}, http.StatusForbidden, nil)
	srv.call(t, operator, http.MethodPost, "/v0/rbac/grant", map[string]any{"actor_id": "ana", "role_id": "admin"}, http.StatusNoContent, nil)

	var who WhoAmIResponse
	srv.call(t, "ana", http.MethodGet, "/v0/me", nil, http.StatusOK, &who)
	require.Equal(t, []string{"admin", "member"}, who.Roles)
	require.Contains(t, who.Permissions, "job.create")
	require.Equal(t, "legacy_header", who.Source)

	srv.call(t, operator, http.MethodPost, "/v0/rbac/revoke", map[string]any{"actor_id": "ana", "role_id": "admin"}, http.StatusNoContent, nil)
	srv.call(t, "ana", http.MethodGet, "/v0/me", nil, http.StatusOK, &who)
	require.Equal(t, []string{"member"}, who.Roles)
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv := newTestServer(t)

	var key APIKeyResponse
	srv.call(t, "ana", http.MethodPost, "/v0/api-keys", map[string]any{"name": "laptop"}, http.StatusCreated, &key)
	require.True(t, strings.HasPrefix(key.Key, "pl_"))

	for i := 0; i < 2; i++ {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": key.Key})
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		var who WhoAmIResponse
		require.NoError(t, json.Unmarshal(data, &who))
		require.Equal(t, "ana", who.ActorID)
		require.Equal(t, "api_key", who.Source)
	}

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "pl_nope"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	var list struct {
		Items []APIKeyResponse `json:"items"`
	}
	data := srv.call(t, "ana", http.MethodGet, "/v0/api-keys", nil, http.StatusOK, &list)
	require.Len(t, list.Items, 1)
	require.Equal(t, key.ID, list.Items[0].ID)
	require.Equal(t, "laptop", list.Items[0].Name)
	require.NotContains(t, string(data), key.Key)

	srv.call(t, "ben", http.MethodGet, "/v0/api-keys", nil, http.StatusOK, &list)
	require.Empty(t, list.Items)
}

func TestDevLoginIssuesUsableToken(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": operator}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var login DevLoginResponse
	require.NoError(t, json.Unmarshal(data, &login))
	require.NotEmpty(t, login.Token)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var who WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &who))
	require.Equal(t, operator, who.ActorID)
	require.Equal(t, "jwt", who.Source)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestMetricsAndHealthArePublic(t *testing.T) {
	srv := newTestServer(t)

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	srv.call(t, operator, http.MethodPost, "/v0/jobs", map[string]any{
		"id": "job-1", "title": "Patio", "value": "2000",
	}, http.StatusCreated, nil)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := string(data)
	require.Contains(t, body, "payline_http_requests_total")
	require.Contains(t, body, "payline_mission_fund_balance 100")

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, string(data), "/jobs/{job_id}/settle")
}

type capturedHook struct {
	mu     sync.Mutex
	events []webhookEvent
	heads  []http.Header
}

func (c *capturedHook) handler(w http.ResponseWriter, r *http.Request) {
	var evt webhookEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.heads = append(c.heads, r.Header.Clone())
	c.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func TestWebhookDispatcherDeliversNewEvents(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	hook := &capturedHook{}
	receiver := httptest.NewServer(http.HandlerFunc(hook.handler))
	defer receiver.Close()

	_, err := srv.Engine.CreateJob(ctx, engine.JobCreateOptions{ID: "job-old", Title: "Old", Value: decimal.NewFromInt(100), ActorID: operator})
	require.NoError(t, err)

	d := newWebhookDispatcher(srv.Engine, []config.WebhookConfig{{
		URL:    receiver.URL,
		Events: []string{"job.created", "payment.triggered"},
		Secret: "shh",
	}}, srv.Obs.Log())
	d.dispatchAll(ctx)
	require.Empty(t, hook.events)

	_, err = srv.Engine.CreateJob(ctx, engine.JobCreateOptions{ID: "job-new", Title: "New", Value: decimal.NewFromInt(200), ActorID: operator})
	require.NoError(t, err)
	d.dispatchAll(ctx)
	d.dispatchAll(ctx)

	hook.mu.Lock()
	defer hook.mu.Unlock()
	require.Len(t, hook.events, 1)
	require.Equal(t, "job.created", hook.events[0].Type)
	require.Equal(t, "job-new", hook.events[0].EntityID)
	require.Equal(t, "job.created", hook.heads[0].Get("X-Payline-Event"))
	require.Equal(t, "shh", hook.heads[0].Get("X-Payline-Secret"))
}

func TestClaimSweeperExpiresStaleClaims(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	e := srv.Engine
	e.Now = func() time.Time { return now }

	_, err := e.CreateJob(ctx, engine.JobCreateOptions{ID: "job-1", Title: "Roof", Value: decimal.NewFromInt(4000), ActorID: operator})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := e.RecordInteraction(ctx, engine.InteractionInput{JobID: "job-1", MemberID: "ana", Content: fmt.Sprintf("msg %d", i)})
		require.NoError(t, err)
	}
	_, err = e.CreateMission(ctx, engine.MissionCreateOptions{ID: "m-1", Type: "proposal", Title: "Draft proposal", ActorID: operator})
	require.NoError(t, err)
	_, err = e.ClaimMission(ctx, "m-1", "ana")
	require.NoError(t, err)

	s := &claimSweeper{
		engine:  e,
		log:     srv.Obs.Log(),
		metrics: observability.MakeLedgerMetrics(srv.Obs),
	}
	require.Equal(t, 0, s.sweep(ctx))

	now = now.Add(25 * time.Hour)
	require.Equal(t, 1, s.sweep(ctx))

	var m MissionResponse
	srv.call(t, "ana", http.MethodGet, "/v0/missions/m-1", nil, http.StatusOK, &m)
	require.Equal(t, "available", m.Status)
	require.Nil(t, m.ClaimedBy)
}
