package agent

import (
	"fmt"
	"regexp"
	"strings"
)

// Markers the agent writes into its text output. The system prompt tells it
// about them; see Instructions.
var (
	taskCompleteRe  = regexp.MustCompile(`<task-complete\s+id="([^"]+)"\s*(?:/>|>([\s\S]*?)</task-complete>)`)
	phaseCompleteRe = regexp.MustCompile(`<phase-complete\s*(?:/>|>([\s\S]*?)</phase-complete>)`)
	learningRe      = regexp.MustCompile(`<learning>([\s\S]*?)</learning>`)
)

// Markers is what ParseMarkers found in a session transcript.
type Markers struct {
	TaskID        string
	TaskNotes     string
	PhaseComplete bool
	PhaseSummary  string
	Learnings     []string
}

// ParseMarkers scans text for completion and memory markers. When several
// task markers appear, the last one wins.
func ParseMarkers(text string) Markers {
	var m Markers
	if all := taskCompleteRe.FindAllStringSubmatch(text, -1); len(all) > 0 {
		last := all[len(all)-1]
		m.TaskID = strings.TrimSpace(last[1])
		m.TaskNotes = strings.TrimSpace(last[2])
	}
	if all := phaseCompleteRe.FindAllStringSubmatch(text, -1); len(all) > 0 {
		m.PhaseComplete = true
		m.PhaseSummary = strings.TrimSpace(all[len(all)-1][1])
	}
	for _, sub := range learningRe.FindAllStringSubmatch(text, -1) {
		if l := strings.TrimSpace(sub[1]); l != "" {
			m.Learnings = append(m.Learnings, l)
		}
	}
	return m
}

// Apply copies the markers into r.
func (m Markers) Apply(r *Result) {
	if m.TaskID != "" {
		r.TaskCompleted = true
		r.TaskID = m.TaskID
		r.Notes = m.TaskNotes
	}
	r.PhaseComplete = r.PhaseComplete || m.PhaseComplete
	if m.PhaseSummary != "" {
		r.PhaseSummary = m.PhaseSummary
	}
	r.Learnings = append(r.Learnings, m.Learnings...)
}

// Instructions returns the system prompt paragraph that teaches the agent
// the markers.
func Instructions() string {
	return fmt.Sprint(
		"When you finish the assigned task, write <task-complete id=\"TASK_ID\">one line of notes</task-complete>. ",
		"When the goals of the current phase are met, write <phase-complete>summary</phase-complete>. ",
		"Wrap anything the next session must know in <learning>...</learning>.",
	)
}
