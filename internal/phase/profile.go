package phase

import "slices"

// Tool names understood by the agent runtime.
const (
	ToolRead            = "Read"
	ToolWrite           = "Write"
	ToolEdit            = "Edit"
	ToolMultiEdit       = "MultiEdit"
	ToolGlob            = "Glob"
	ToolGrep            = "Grep"
	ToolBash            = "Bash"
	ToolWebSearch       = "WebSearch"
	ToolWebFetch        = "WebFetch"
	ToolTodoWrite       = "TodoWrite"
	ToolTask            = "Task"
	ToolAskUserQuestion = "AskUserQuestion"
)

// Profile is the per-phase execution envelope handed to the agent session.
type Profile struct {
	Phase        Phase
	AllowedTools []string
	MaxTurns     int
	// Interactive phases may ask the operator questions.
	Interactive bool
}

// Allows reports whether tool is on the allow-list.
func (p Profile) Allows(tool string) bool {
	return slices.Contains(p.AllowedTools, tool)
}

// Profiles maps each phase to its profile.
type Profiles map[Phase]Profile

// DefaultProfiles returns the built-in profiles. Building has the largest
// turn budget and full tool access but cannot ask questions; validation is
// interactive with the smallest budget.
func DefaultProfiles() Profiles {
	return Profiles{
		Discovery: {
			Phase: Discovery,
			AllowedTools: []string{
				ToolRead, ToolGlob, ToolGrep, ToolWebSearch, ToolWebFetch,
				ToolWrite, ToolAskUserQuestion,
			},
			MaxTurns:    30,
			Interactive: true,
		},
		Planning: {
			Phase: Planning,
			AllowedTools: []string{
				ToolRead, ToolGlob, ToolGrep, ToolWrite, ToolEdit, ToolTodoWrite,
			},
			MaxTurns: 40,
		},
		Building: {
			Phase: Building,
			AllowedTools: []string{
				ToolRead, ToolWrite, ToolEdit, ToolMultiEdit, ToolGlob, ToolGrep,
				ToolBash, ToolTodoWrite, ToolTask, ToolWebSearch, ToolWebFetch,
			},
			MaxTurns: 100,
		},
		Validation: {
			Phase: Validation,
			AllowedTools: []string{
				ToolRead, ToolGlob, ToolGrep, ToolBash, ToolAskUserQuestion,
			},
			MaxTurns:    20,
			Interactive: true,
		},
	}
}

// For returns the profile of p. Unknown phases get an empty allow-list so
// every tool is denied.
func (ps Profiles) For(p Phase) Profile {
	if prof, ok := ps[p]; ok {
		prof.AllowedTools = slices.Clone(prof.AllowedTools)
		return prof
	}
	return Profile{Phase: p}
}

// WithMaxTurns returns a copy with turn budgets replaced by the positive
// values in overrides.
func (ps Profiles) WithMaxTurns(overrides map[Phase]int) Profiles {
	out := make(Profiles, len(ps))
	for p, prof := range ps {
		prof.AllowedTools = slices.Clone(prof.AllowedTools)
		if n, ok := overrides[p]; ok && n > 0 {
			prof.MaxTurns = n
		}
		out[p] = prof
	}
	return out
}
