package paylinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSettleSendsConfirmationAndKey(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Api-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"job_id":"job-1","total_paid":"300.00","shares":[{"member_id":"ana","share":"180.00","percentage":"60.00","interactions":3}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.APIKey = "pl_test"
	s, err := c.Settle(context.Background(), "job-1", true)
	require.NoError(t, err)
	require.Equal(t, "/v0/jobs/job-1/settle", gotPath)
	require.Equal(t, "pl_test", gotKey)
	require.Equal(t, true, gotBody["cash_received"])
	require.Equal(t, "300.00", s.TotalPaid)
	require.Len(t, s.Shares, 1)
	require.Equal(t, "180.00", s.Shares[0].Share)
}

func TestAPIErrorCarriesCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"job_already_paid","message":"job job-1 already paid"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "token"
	_, err := c.Settle(context.Background(), "job-1", true)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusConflict, apiErr.StatusCode)
	require.Equal(t, "job_already_paid", apiErr.Code)
}

func TestRecordInteractionOmitsEmptyMember(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":1,"job_id":"job-1","member_id":"ana","job_total":1,"member_job_count":1}`))
	}))
	defer srv.Close()

	res, err := New(srv.URL).RecordInteraction(context.Background(), "job-1", "", "hello")
	require.NoError(t, err)
	require.NotContains(t, gotBody, "member_id")
	require.Equal(t, "hello", gotBody["content"])
	require.Equal(t, int64(1), res.JobTotal)
}
