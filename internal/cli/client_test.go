package cli

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subzero-app/subzero/internal/api"
)

func TestNewControlClient_AddsScheme(t *testing.T) {
	c := newControlClient("127.0.0.1:8723")
	assert.Equal(t, "http://127.0.0.1:8723", c.base)

	c = newControlClient("http://example.test:9000/")
	assert.Equal(t, "http://example.test:9000", c.base)
}

func TestControlClient_Submit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/runs", r.URL.Path)

		var req api.SubmitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "user-1", req.UserID)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(api.SubmitResponse{RunID: "run-1"})
	}))
	defer srv.Close()

	c := newControlClient(srv.URL)
	runID, err := c.Submit(context.Background(), api.SubmitRequest{UserID: "user-1", Service: "netflix"})
	require.NoError(t, err)
	assert.Equal(t, "run-1", runID)
}

func TestControlClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{
			Code:    "PAIR_BUSY",
			Message: "a live cancellation run already exists for user-1/netflix",
			Details: map[string]string{"live_run_id": "run-9"},
		})
	}))
	defer srv.Close()

	c := newControlClient(srv.URL)
	_, err := c.Submit(context.Background(), api.SubmitRequest{})
	require.Error(t, err)

	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "PAIR_BUSY", apiErr.Response.Code)
	assert.Equal(t, "run-9", apiErr.Response.Details["live_run_id"])
	assert.True(t, strings.HasPrefix(err.Error(), "PAIR_BUSY:"))
}

func TestControlClient_ErrorWithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newControlClient(srv.URL)
	err := c.CancelRun(context.Background(), "run-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "control API returned 502")
}

func TestControlClient_SendCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/codes", r.URL.Path)
		var req api.CodeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "sess-1", req.SessionID)
		assert.Equal(t, "482913", req.Code)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newControlClient(srv.URL)
	assert.NoError(t, c.SendCode(context.Background(), "sess-1", "482913"))
}
