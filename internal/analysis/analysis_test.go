package analysis

import (
	"slices"
	"strings"
	"testing"

	"github.com/spf13/afero"
)

func repoFs(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	for _, f := range []string{
		"/repo/api/handlers/login.go",
		"/repo/ui/components/Form.tsx",
		"/repo/shared/types.go",
		"/repo/Makefile",
	} {
		if err := afero.WriteFile(fs, f, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return fs
}

func TestImpact(t *testing.T) {
	fs := repoFs(t)

	tests := []struct {
		name        string
		description string
		hints       []string
		want        []string
	}{
		{
			name:        "bare paths resolve to directories",
			description: "Add a login endpoint in api/handlers/login.go and render it from ui/components.",
			want:        []string{"api/handlers", "ui/components"},
		},
		{
			name:        "files section and backticks",
			description: "## Task\nFix login.\n\n## Files to Modify\n- `shared/types.go`\n- `ui/components/Form.tsx`\n\n## Notes\nAlso touch `Makefile`.",
			want:        []string{"Makefile", "shared", "ui/components"},
		},
		{
			name:        "paths that do not exist are ignored",
			description: "Refactor services/billing and docs/guide.md",
			want:        nil,
		},
		{
			name:        "hints are always kept",
			description: "nothing here",
			hints:       []string{"/infra/", "api"},
			want:        []string{"api", "infra"},
		},
		{
			name:        "no escaping the repository",
			description: "look at ../secrets/key.pem",
			want:        nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Impact(fs, "/repo", tt.description, tt.hints)
			if !slices.Equal(got, tt.want) {
				t.Errorf("Impact() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRootCause(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		contains []string
		excludes []string
	}{
		{
			name: "go test failure",
			output: `=== RUN   TestLogin
    login_test.go:42: expected 200, got 500
--- FAIL: TestLogin (0.01s)
FAIL
FAIL	example.com/api	0.123s
ok  	example.com/ui	0.050s`,
			contains: []string{"login_test.go:42: expected 200, got 500", "--- FAIL: TestLogin"},
			excludes: []string{"ok  \texample.com/ui", "=== RUN"},
		},
		{
			name:     "compile error",
			output:   "# example.com/api\napi/handlers/login.go:10:2: undefined: Session\n",
			contains: []string{"undefined: Session"},
		},
		{
			name:     "no recognisable failure uses the tail",
			output:   "step 1\nstep 2\nexit 3",
			contains: []string{"step 1 | step 2 | exit 3"},
		},
		{
			name:     "empty",
			output:   "  \n",
			contains: []string{"no output"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RootCause(tt.output)
			for _, want := range tt.contains {
				if !strings.Contains(got, want) {
					t.Errorf("RootCause() = %q, missing %q", got, want)
				}
			}
			for _, bad := range tt.excludes {
				if strings.Contains(got, bad) {
					t.Errorf("RootCause() = %q, should not contain %q", got, bad)
				}
			}
		})
	}
}

func TestRootCause_Bounded(t *testing.T) {
	output := strings.Repeat("error: "+strings.Repeat("x", 300)+"\n", 50)
	got := RootCause(output)
	if len(got) > maxCauseLen+3 {
		t.Errorf("summary length %d exceeds bound", len(got))
	}
}
