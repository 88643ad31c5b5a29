package run

import (
	"fmt"

	"golang.org/x/text/cases"
)

// Backend selects the browser-automation backend for a request.
type Backend string

const (
	// BackendHosted drives a hosted browser provider over CDP.
	BackendHosted Backend = "hosted"
	// BackendLocal drives a local browser, typically for development.
	BackendLocal Backend = "local"
)

// Valid reports whether b is a known backend selector.
func (b Backend) Valid() bool {
	return b == BackendHosted || b == BackendLocal
}

// CancellationRequest is the immutable seed for one orchestration run.
// Accepted requests are never mutated; the run snapshots them at creation.
type CancellationRequest struct {
	UserID        string  `json:"user_id"`
	Service       string  `json:"service"`
	LoginURL      string  `json:"login_url"`
	CredentialRef string  `json:"credential_ref"`
	Backend       Backend `json:"backend"`

	// Savings context passed through to outcome reporting, in cents.
	MonthlyCents int64 `json:"monthly_cents"`
	AnnualCents  int64 `json:"annual_cents"`
}

// Validate checks the request for required fields.
func (r CancellationRequest) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if r.Service == "" {
		return fmt.Errorf("service is required")
	}
	if r.LoginURL == "" {
		return fmt.Errorf("login_url is required")
	}
	if r.CredentialRef == "" {
		return fmt.Errorf("credential_ref is required")
	}
	if !r.Backend.Valid() {
		return fmt.Errorf("backend must be %q or %q, got %q", BackendHosted, BackendLocal, r.Backend)
	}
	if r.MonthlyCents < 0 || r.AnnualCents < 0 {
		return fmt.Errorf("savings amounts must be non-negative")
	}
	return nil
}

// pairFolder case-folds identifiers for (user, service) pair comparison.
// "Netflix" and "netflix" are the same merchant.
var pairFolder = cases.Fold()

// PairKey returns the concurrency key for the at-most-one-live-run
// invariant: exactly one live run may exist per (user, service) pair.
func (r CancellationRequest) PairKey() string {
	return pairFolder.String(r.UserID) + "\x00" + pairFolder.String(r.Service)
}
