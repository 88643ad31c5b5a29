package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/subzero-app/subzero/internal/api"
	"github.com/subzero-app/subzero/internal/run"
)

// controlClient talks to a serve process's control API.
type controlClient struct {
	base string
	http *http.Client
}

// newControlClient creates a client for the given listen address.
func newControlClient(addr string) *controlClient {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &controlClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError is a control API error with its HTTP status.
type apiError struct {
	StatusCode int
	Response   api.ErrorResponse
}

func (e *apiError) Error() string {
	if e.Response.Code != "" {
		return fmt.Sprintf("%s: %s", e.Response.Code, e.Response.Message)
	}
	return fmt.Sprintf("control API returned %d", e.StatusCode)
}

// Submit submits a cancellation request and returns the accepted run id.
func (c *controlClient) Submit(ctx context.Context, req api.SubmitRequest) (string, error) {
	var resp api.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/runs", req, &resp); err != nil {
		return "", err
	}
	return resp.RunID, nil
}

// GetRun fetches a run snapshot.
func (c *controlClient) GetRun(ctx context.Context, runID string) (run.Run, error) {
	var r run.Run
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+runID, nil, &r); err != nil {
		return run.Run{}, err
	}
	return r, nil
}

// CancelRun requests user cancellation of a run.
func (c *controlClient) CancelRun(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/runs/"+runID, nil, nil)
}

// SendCode delivers a verification code to a pending session.
func (c *controlClient) SendCode(ctx context.Context, sessionID, code string) error {
	return c.do(ctx, http.MethodPost, "/v1/codes", api.CodeRequest{SessionID: sessionID, Code: code}, nil)
}

func (c *controlClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &apiError{StatusCode: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr.Response)
		return apiErr
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
