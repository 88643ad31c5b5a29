package profile

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/subzero-app/subzero/internal/run"
	"github.com/subzero-app/subzero/internal/shield"
)

// Profile is a compiled merchant profile.
type Profile struct {
	// Service is the canonical merchant identifier, matched
	// case-insensitively against CancellationRequest.Service.
	Service string
	// LoginURL is the default entry point when the request omits one.
	LoginURL string
	// Backend selects the automation provider for this merchant.
	Backend run.Backend
	// Markers extends the Shield's default phrase lists.
	Markers shield.Markers
	// RetentionCeiling overrides the global decline ceiling when > 0.
	RetentionCeiling int
	// Notes is free-form operator guidance, surfaced on escalation.
	Notes string
}

// CompileProfile parses a CUE value into a Profile.
// Uses CUE SDK's Go API directly (not CLI subprocess).
//
// The CUE value should be the profile struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`profile: netflix: { ... }`)
//	p, err := CompileProfile(v.LookupPath(cue.ParsePath("profile.netflix")))
func CompileProfile(v cue.Value) (*Profile, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	p := &Profile{}

	// Parse service (required)
	serviceVal := v.LookupPath(cue.ParsePath("service"))
	if !serviceVal.Exists() {
		return nil, &CompileError{
			Field:   "service",
			Message: "service is required",
			Pos:     v.Pos(),
		}
	}
	service, err := serviceVal.String()
	if err != nil {
		return nil, formatCUEError(err)
	}
	if service == "" {
		return nil, &CompileError{
			Field:   "service",
			Message: "service must be non-empty",
			Pos:     serviceVal.Pos(),
		}
	}
	p.Service = service

	// Parse login_url (required)
	loginVal := v.LookupPath(cue.ParsePath("login_url"))
	if !loginVal.Exists() {
		return nil, &CompileError{
			Field:   "login_url",
			Message: "login_url is required",
			Pos:     v.Pos(),
		}
	}
	if p.LoginURL, err = loginVal.String(); err != nil {
		return nil, formatCUEError(err)
	}

	// Parse backend (optional, defaults to hosted)
	p.Backend = run.BackendHosted
	backendVal := v.LookupPath(cue.ParsePath("backend"))
	if backendVal.Exists() {
		backend, err := backendVal.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		b := run.Backend(backend)
		if !b.Valid() {
			return nil, &CompileError{
				Field:   "backend",
				Message: fmt.Sprintf("unknown backend %q (want hosted or local)", backend),
				Pos:     backendVal.Pos(),
			}
		}
		p.Backend = b
	}

	// Parse markers (optional)
	p.Markers, err = parseMarkers(v)
	if err != nil {
		return nil, err
	}

	// Parse retention_ceiling (optional)
	ceilingVal := v.LookupPath(cue.ParsePath("retention_ceiling"))
	if ceilingVal.Exists() {
		ceiling, err := ceilingVal.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		if ceiling < 0 {
			return nil, &CompileError{
				Field:   "retention_ceiling",
				Message: "retention_ceiling must be >= 0",
				Pos:     ceilingVal.Pos(),
			}
		}
		p.RetentionCeiling = int(ceiling)
	}

	// Parse notes (optional)
	notesVal := v.LookupPath(cue.ParsePath("notes"))
	if notesVal.Exists() {
		if p.Notes, err = notesVal.String(); err != nil {
			return nil, formatCUEError(err)
		}
	}

	return p, nil
}

// parseMarkers extracts the Shield phrase lists from a profile.
func parseMarkers(v cue.Value) (shield.Markers, error) {
	var m shield.Markers

	markersVal := v.LookupPath(cue.ParsePath("markers"))
	if !markersVal.Exists() {
		return m, nil // markers are optional
	}

	fields := []struct {
		name string
		dst  *[]string
	}{
		{"verification", &m.Verification},
		{"cancelled", &m.Cancelled},
		{"retention", &m.Retention},
		{"confirmation", &m.Confirmation},
	}

	for _, f := range fields {
		fieldVal := markersVal.LookupPath(cue.ParsePath(f.name))
		if !fieldVal.Exists() {
			continue
		}
		iter, err := fieldVal.List()
		if err != nil {
			return m, formatCUEError(err)
		}
		for iter.Next() {
			phrase, err := iter.Value().String()
			if err != nil {
				return m, formatCUEError(err)
			}
			if phrase == "" {
				return m, &CompileError{
					Field:   "markers." + f.name,
					Message: "marker phrases must be non-empty",
					Pos:     iter.Value().Pos(),
				}
			}
			*f.dst = append(*f.dst, phrase)
		}
	}

	return m, nil
}

// CompileError represents a profile compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
