package permission

import (
	"context"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/phase"
)

func newGuard(t *testing.T, opts Options) *Guard {
	t.Helper()
	g, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return g
}

func TestCheck_AllowList(t *testing.T) {
	g := newGuard(t, Options{})
	ctx := context.Background()

	tests := []struct {
		phase   phase.Phase
		tool    string
		allowed bool
	}{
		{phase.Discovery, phase.ToolAskUserQuestion, true},
		{phase.Discovery, phase.ToolBash, false},
		{phase.Planning, phase.ToolTodoWrite, true},
		{phase.Building, phase.ToolAskUserQuestion, false},
		{phase.Building, phase.ToolMultiEdit, true},
		{phase.Validation, phase.ToolEdit, false},
		{phase.Terminal, phase.ToolRead, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.phase)+"/"+tt.tool, func(t *testing.T) {
			d, err := g.Check(ctx, Request{Phase: tt.phase, Tool: tt.tool})
			if err != nil {
				t.Fatal(err)
			}
			if d.Allowed != tt.allowed {
				t.Errorf("Allowed = %v, want %v (%s)", d.Allowed, tt.allowed, d.Reason)
			}
			if !d.Allowed && !strings.Contains(d.Reason, string(tt.phase)) {
				t.Errorf("reason %q does not name the phase", d.Reason)
			}
		})
	}
}

func TestCheck_Commands(t *testing.T) {
	g := newGuard(t, Options{})
	ctx := context.Background()

	tests := []struct {
		command    string
		allowed    bool
		reason     string
		suggestion string
	}{
		{"go test ./...", true, "", ""},
		{"git status", true, "", ""},
		{"git log --oneline -5", true, "", ""},
		{"git diff HEAD~1", true, "", ""},
		{"git commit -m wip", false, "git commit", "operator"},
		{"git -C sub push origin main", false, "git push", ""},
		{"go build ./... && git push", false, "git push", ""},
		{"make lint; git reset --hard", false, "git reset", ""},
		{"pip install requests", false, "pip install", "uv"},
		{"pip3 install -r requirements.txt", false, "pip3 install", "uv"},
		{"python -m pip install x", false, "python -m pip", "uv"},
		{"pip list", true, "", ""},
		{"sudo rm -rf /tmp/x", false, "sudo", ""},
		{"echo ok | sudo tee /etc/hosts", false, "sudo", ""},
		{"grep -r 'git push' docs", true, "", ""},
		{"ls\ngit push origin main", false, "git push", ""},
		{"make build & git push", false, "git push", ""},
		{"GIT_AUTHOR_NAME=x git commit -m y", false, "git commit", ""},
		{"env git reset --hard", false, "git reset", ""},
		{"env -i PATH=/usr/bin git stash", false, "git stash", ""},
		{"command git checkout main", false, "git checkout", ""},
		{"exec git merge feature", false, "git merge", ""},
		{"/usr/bin/git push", false, "git push", ""},
		{"(git push)", false, "git push", ""},
		{"echo $(git commit -am x)", false, "git commit", ""},
		{"echo `git tag v1`", false, "git tag", ""},
		{"{ git rebase main; }", false, "git rebase", ""},
		{`bash -c "git rebase main"`, false, "git rebase", ""},
		{"sh -c 'go vet ./... && git push'", false, "git push", ""},
		{"FOO=1 sudo make install", false, "sudo", ""},
		{"env pip install requests", false, "pip install", "uv"},
		{"command -v git", true, "", ""},
		{"echo $(git rev-parse HEAD)", true, "", ""},
		{"go test ./... 2>&1 | tail -5", true, "", ""},
		{`bash -c "git status"`, true, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			d, err := g.Check(ctx, Request{Phase: phase.Building, Tool: phase.ToolBash, Command: tt.command})
			if err != nil {
				t.Fatal(err)
			}
			if d.Allowed != tt.allowed {
				t.Fatalf("Allowed = %v, want %v (%s)", d.Allowed, tt.allowed, d.Reason)
			}
			if !strings.Contains(d.Reason, tt.reason) {
				t.Errorf("Reason = %q, want it to mention %q", d.Reason, tt.reason)
			}
			if !strings.Contains(d.Suggestion, tt.suggestion) {
				t.Errorf("Suggestion = %q, want it to mention %q", d.Suggestion, tt.suggestion)
			}
		})
	}
}

func TestCheck_BlockedInEveryPhase(t *testing.T) {
	g := newGuard(t, Options{})
	for _, p := range []phase.Phase{phase.Building, phase.Validation} {
		d, err := g.Check(context.Background(), Request{Phase: p, Tool: phase.ToolBash, Command: "git push"})
		if err != nil {
			t.Fatal(err)
		}
		if d.Allowed {
			t.Errorf("git push allowed in %s", p)
		}
	}
}

func TestCheck_ConfiguredPrefixes(t *testing.T) {
	g := newGuard(t, Options{BlockedPrefixes: []string{"rm -rf", "  ", "docker"}})

	d, err := g.Check(context.Background(), Request{Phase: phase.Building, Tool: phase.ToolBash, Command: "ls && docker run alpine"})
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || !strings.Contains(d.Reason, "docker") {
		t.Errorf("Decision = %+v", d)
	}
}

func TestNew_ExtraPolicies(t *testing.T) {
	fs := afero.NewMemMapFs()
	policy := `package cadence.permission

import rego.v1

deny contains {"reason": "curl is not allowed", "suggestion": "use WebFetch"} if {
	startswith(input.command, "curl ")
}
`
	if err := afero.WriteFile(fs, "/p/policies/net.rego", []byte(policy), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fs, "/p/policies/README.md", []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	g := newGuard(t, Options{Fs: fs, PolicyDir: "/p/policies"})
	if len(g.Policies()) != 2 {
		t.Errorf("Policies() = %v", g.Policies())
	}

	err := g.Enforce(context.Background(), Request{Phase: phase.Building, Tool: phase.ToolBash, Command: "curl https://example.com"})
	var perr *errors.PermissionError
	if !errors.As(err, &perr) {
		t.Fatalf("Enforce() = %v, want *PermissionError", err)
	}
	if perr.Suggestion != "use WebFetch" || !errors.Is(err, errors.ErrPermissionDenied) {
		t.Errorf("PermissionError = %+v", perr)
	}
}

func TestNew_InvalidPolicy(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/p/bad.rego", []byte("package cadence.permission\n\ndeny contains"), 0o644)

	if _, err := New(context.Background(), Options{Fs: fs, PolicyDir: "/p"}); err == nil {
		t.Error("New() should fail on a policy that does not compile")
	}
}

func TestEnforce_Allowed(t *testing.T) {
	g := newGuard(t, Options{})
	if err := g.Enforce(context.Background(), Request{Phase: phase.Building, Tool: phase.ToolRead}); err != nil {
		t.Errorf("Enforce() = %v", err)
	}
}
