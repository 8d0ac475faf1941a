// Package permission is the tool-use safety layer. Every tool call the agent
// wants to make is checked against the current phase's allow-list, and every
// shell command against a rego deny policy that applies in all phases.
package permission

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/spf13/afero"

	"github.com/Iron-Ham/cadence/internal/errors"
	"github.com/Iron-Ham/cadence/internal/logging"
	"github.com/Iron-Ham/cadence/internal/phase"
)

//go:embed default.rego
var defaultPolicy string

const denyQuery = "data.cadence.permission.deny"

// Request is one tool call to check.
type Request struct {
	Phase phase.Phase
	Tool  string
	// Command is the shell command line for Bash calls.
	Command string
}

// Decision is the result of a check.
type Decision struct {
	Allowed    bool
	Reason     string
	Suggestion string
}

// Options configures a Guard.
type Options struct {
	// Profiles supplies the per-phase allow-lists. Defaults to phase.DefaultProfiles.
	Profiles phase.Profiles
	// Fs and PolicyDir locate extra .rego files. A missing directory is fine.
	Fs        afero.Fs
	PolicyDir string
	// BlockedPrefixes are extra command prefixes denied in every phase.
	BlockedPrefixes []string
	Logger          *logging.Logger
}

// Guard checks tool calls. It is safe for concurrent use.
type Guard struct {
	profiles phase.Profiles
	blocked  []string
	query    rego.PreparedEvalQuery
	policies []string
	logger   *logging.Logger
}

// New compiles the built-in policy and any extra policies.
func New(ctx context.Context, opts Options) (*Guard, error) {
	if opts.Profiles == nil {
		opts.Profiles = phase.DefaultProfiles()
	}

	modules := []func(*rego.Rego){
		rego.Query(denyQuery),
		rego.Module("default.rego", defaultPolicy),
	}
	names := []string{"default.rego"}

	if opts.Fs != nil && opts.PolicyDir != "" {
		extra, err := loadPolicies(opts.Fs, opts.PolicyDir)
		if err != nil {
			return nil, err
		}
		for _, p := range extra {
			modules = append(modules, rego.Module(p.path, p.content))
			names = append(names, p.path)
		}
	}

	pq, err := rego.New(modules...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile permission policies: %w", err)
	}

	blocked := make([]string, 0, len(opts.BlockedPrefixes))
	for _, b := range opts.BlockedPrefixes {
		if b = strings.TrimSpace(b); b != "" {
			blocked = append(blocked, b)
		}
	}

	return &Guard{
		profiles: opts.Profiles,
		blocked:  blocked,
		query:    pq,
		policies: names,
		logger:   logging.OrNop(opts.Logger),
	}, nil
}

// Policies returns the names of the compiled policy modules.
func (g *Guard) Policies() []string {
	return append([]string(nil), g.policies...)
}

// AllowedTools returns the allow-list of p.
func (g *Guard) AllowedTools(p phase.Phase) []string {
	return g.profiles.For(p).AllowedTools
}

// Check decides req. Tools outside the phase allow-list are denied first;
// Bash commands are then evaluated against the deny policy.
func (g *Guard) Check(ctx context.Context, req Request) (Decision, error) {
	if !g.profiles.For(req.Phase).Allows(req.Tool) {
		return Decision{
			Reason: fmt.Sprintf("%s is not available in the %s phase", req.Tool, req.Phase),
		}, nil
	}
	if req.Tool != phase.ToolBash || strings.TrimSpace(req.Command) == "" {
		return Decision{Allowed: true}, nil
	}

	input := map[string]any{
		"command":          req.Command,
		"phase":            string(req.Phase),
		"blocked_prefixes": g.blocked,
	}
	rs, err := g.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("evaluate permission policy: %w", err)
	}

	var denials []Decision
	for _, result := range rs {
		for _, expr := range result.Expressions {
			set, ok := expr.Value.([]any)
			if !ok {
				continue
			}
			for _, item := range set {
				obj, ok := item.(map[string]any)
				if !ok {
					continue
				}
				reason, _ := obj["reason"].(string)
				suggestion, _ := obj["suggestion"].(string)
				denials = append(denials, Decision{Reason: reason, Suggestion: suggestion})
			}
		}
	}
	if len(denials) == 0 {
		return Decision{Allowed: true}, nil
	}

	sort.Slice(denials, func(i, j int) bool { return denials[i].Reason < denials[j].Reason })
	d := denials[0]
	g.logger.Warn("command denied",
		"phase", string(req.Phase),
		"command", req.Command,
		"reason", d.Reason,
		"denials", len(denials),
	)
	return d, nil
}

// Enforce returns a *errors.PermissionError when req is denied.
func (g *Guard) Enforce(ctx context.Context, req Request) error {
	d, err := g.Check(ctx, req)
	if err != nil {
		return err
	}
	if d.Allowed {
		return nil
	}
	perr := errors.NewPermissionError(req.Tool, req.Command, d.Reason)
	if d.Suggestion != "" {
		perr = perr.WithSuggestion(d.Suggestion)
	}
	return perr
}

type policyFile struct {
	path    string
	content string
}

// loadPolicies reads every .rego file under dir.
func loadPolicies(fs afero.Fs, dir string) ([]policyFile, error) {
	exists, err := afero.DirExists(fs, dir)
	if err != nil {
		return nil, fmt.Errorf("check policy directory: %w", err)
	}
	if !exists {
		return nil, nil
	}

	var out []policyFile
	err = afero.Walk(fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || filepath.Ext(info.Name()) != ".rego" {
			return nil
		}
		f, err := fs.Open(path)
		if err != nil {
			return fmt.Errorf("open policy %s: %w", path, err)
		}
		defer func() { _ = f.Close() }()
		data, err := io.ReadAll(f)
		if err != nil {
			return fmt.Errorf("read policy %s: %w", path, err)
		}
		out = append(out, policyFile{path: path, content: string(data)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	return out, nil
}
