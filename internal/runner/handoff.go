package runner

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/cadence/internal/event"
	"github.com/Iron-Ham/cadence/internal/state"
	"github.com/Iron-Ham/cadence/internal/tokens"
)

// Handoff ends the current agent session and starts a fresh one. A note
// carrying the progress and pending memory is written first; the session
// only changes once the note is on disk. It returns the note path relative
// to the state directory, or "" without a store.
func (r *Runner) Handoff(ctx context.Context, reason string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rs := r.state
	prev := rs.SessionID
	pct := rs.ContextBudget.UsagePercentage()

	note := r.renderHandoff(reason)
	note = tokens.Truncate(note, r.cfg.Runner.HandoffTokenBudget)

	rel := ""
	if r.store != nil {
		var err error
		rel, err = r.store.WriteHandoff(fmt.Sprintf("%04d-%s", rs.SessionCount, shortID(prev)), []byte(note))
		if err != nil {
			return "", err
		}
	}

	now := r.now()
	rs.DrainMemory()
	rs.StartSession(r.newID(), now)
	r.cost.StartNewSession()
	r.lastNote = note
	if err := r.persist(); err != nil {
		return rel, err
	}

	r.logger.Info("session handoff",
		"previous_session", prev,
		"session_id", rs.SessionID,
		"session_count", rs.SessionCount,
		"context_pct", pct,
		"reason", reason,
		"note", rel,
	)
	r.bus.Publish(event.NewSessionHandoff(now, prev, rs.SessionID, rel, pct))
	return rel, nil
}

// renderHandoff builds the markdown note from a copy of the state so the
// pending memory is only drained once the note has been written.
func (r *Runner) renderHandoff(reason string) string {
	rs := r.state.Clone()
	memory := rs.DrainMemory()
	c := r.plan.Counts()

	var b strings.Builder
	fmt.Fprintf(&b, "# Handoff from session %d (%s)\n\n", rs.SessionCount, rs.SessionID)
	fmt.Fprintf(&b, "- Phase: %s\n", rs.CurrentPhase)
	fmt.Fprintf(&b, "- Reason: %s\n", reason)
	fmt.Fprintf(&b, "- Iterations: %d total, %d in this session\n", rs.IterationCount, rs.SessionIterationCount)
	fmt.Fprintf(&b, "- Cost: $%.4f total, $%.4f in this session\n", rs.TotalCostUSD, rs.SessionCostUSD)
	fmt.Fprintf(&b, "- Tasks: %d complete, %d in progress, %d pending, %d blocked of %d\n",
		c.Complete, c.InProgress, c.Pending, c.Blocked, c.Total)

	if cur, ok := r.plan.Current(); ok {
		fmt.Fprintf(&b, "\n## Current task\n\n%s: %s\n", cur.ID, cur.Description)
	} else if next, ok := r.plan.NextTask(); ok {
		fmt.Fprintf(&b, "\n## Next task\n\n%s: %s\n", next.ID, next.Description)
	}

	groups := map[state.MemoryKind][]string{}
	for _, u := range memory {
		groups[u.Kind()] = append(groups[u.Kind()], u.Render())
	}
	for _, sec := range []struct {
		kind  state.MemoryKind
		title string
	}{
		{state.KindLearning, "Learnings"},
		{state.KindDecision, "Decisions"},
		{state.KindBlocker, "Blockers"},
	} {
		lines := groups[sec.kind]
		if len(lines) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", sec.title, strings.Join(lines, "\n"))
	}
	return b.String()
}

// latestNote returns the newest handoff note, preferring the one this runner
// wrote. Notes are named with a zero-padded session number so they sort.
func (r *Runner) latestNote() string {
	if r.lastNote != "" {
		return r.lastNote
	}
	if r.store == nil {
		return ""
	}
	notes, err := r.store.Handoffs()
	if err != nil || len(notes) == 0 {
		return ""
	}
	sort.Strings(notes)
	data, err := afero.ReadFile(r.store.Fs(), r.store.Path(notes[len(notes)-1]))
	if err != nil {
		r.logger.Warn("could not read handoff note", "note", notes[len(notes)-1], "error", err.Error())
		return ""
	}
	return string(data)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
