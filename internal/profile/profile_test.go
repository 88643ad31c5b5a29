package profile

import (
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subzero-app/subzero/internal/run"
)

// compileOne compiles a single profile body and looks it up under
// profile.test, matching how LoadDir presents values to CompileProfile.
func compileOne(t *testing.T, body string) (*Profile, error) {
	t.Helper()
	ctx := cuecontext.New()
	v := ctx.CompileString(`profile: test: ` + body)
	require.NoError(t, v.Err())
	return CompileProfile(v.LookupPath(cue.ParsePath("profile.test")))
}

func TestCompileProfile_Full(t *testing.T) {
	p, err := compileOne(t, `{
		service:   "netflix"
		login_url: "https://www.netflix.com/login"
		backend:   "hosted"
		markers: {
			retention:    ["stream more for less"]
			cancelled:    ["we've cancelled your membership"]
			verification: ["netflix security code"]
			confirmation: ["finish cancellation"]
		}
		retention_ceiling: 5
		notes: "Retention flow varies by region."
	}`)
	require.NoError(t, err)

	assert.Equal(t, "netflix", p.Service)
	assert.Equal(t, "https://www.netflix.com/login", p.LoginURL)
	assert.Equal(t, run.BackendHosted, p.Backend)
	assert.Equal(t, []string{"stream more for less"}, p.Markers.Retention)
	assert.Equal(t, []string{"we've cancelled your membership"}, p.Markers.Cancelled)
	assert.Equal(t, []string{"netflix security code"}, p.Markers.Verification)
	assert.Equal(t, []string{"finish cancellation"}, p.Markers.Confirmation)
	assert.Equal(t, 5, p.RetentionCeiling)
	assert.Equal(t, "Retention flow varies by region.", p.Notes)
}

func TestCompileProfile_MinimalDefaults(t *testing.T) {
	p, err := compileOne(t, `{
		service:   "hulu"
		login_url: "https://www.hulu.com/login"
	}`)
	require.NoError(t, err)

	assert.Equal(t, run.BackendHosted, p.Backend, "backend defaults to hosted")
	assert.Zero(t, p.RetentionCeiling)
	assert.Empty(t, p.Markers.Retention)
	assert.Empty(t, p.Notes)
}

func TestCompileProfile_LocalBackend(t *testing.T) {
	p, err := compileOne(t, `{
		service:   "gym"
		login_url: "https://gym.example/login"
		backend:   "local"
	}`)
	require.NoError(t, err)
	assert.Equal(t, run.BackendLocal, p.Backend)
}

func TestCompileProfile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		field   string
		message string
	}{
		{
			name:    "missing service",
			body:    `{login_url: "https://x.example"}`,
			field:   "service",
			message: "service is required",
		},
		{
			name:    "empty service",
			body:    `{service: "", login_url: "https://x.example"}`,
			field:   "service",
			message: "service must be non-empty",
		},
		{
			name:    "missing login_url",
			body:    `{service: "x"}`,
			field:   "login_url",
			message: "login_url is required",
		},
		{
			name:    "unknown backend",
			body:    `{service: "x", login_url: "https://x.example", backend: "cloud"}`,
			field:   "backend",
			message: "unknown backend",
		},
		{
			name:    "negative retention ceiling",
			body:    `{service: "x", login_url: "https://x.example", retention_ceiling: -1}`,
			field:   "retention_ceiling",
			message: "must be >= 0",
		},
		{
			name:    "empty marker phrase",
			body:    `{service: "x", login_url: "https://x.example", markers: {retention: [""]}}`,
			field:   "markers.retention",
			message: "must be non-empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := compileOne(t, tt.body)
			require.Error(t, err)

			var ce *CompileError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
			assert.Contains(t, ce.Message, tt.message)
		})
	}
}

func TestCompileProfile_WrongType(t *testing.T) {
	_, err := compileOne(t, `{service: 42, login_url: "https://x.example"}`)
	assert.Error(t, err)
}

func TestCompileError_FormatsPosition(t *testing.T) {
	e := &CompileError{Field: "service", Message: "service is required"}
	assert.Equal(t, "service: service is required", e.Error())
}
