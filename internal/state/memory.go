package state

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MemoryKind identifies a memory update variant.
type MemoryKind string

const (
	KindLearning MemoryKind = "learning"
	KindBlocker  MemoryKind = "blocker"
	KindDecision MemoryKind = "decision"
)

// MemoryUpdate is a note queued for the next handoff summary. Variants are
// Learning, Blocker and Decision.
type MemoryUpdate interface {
	Kind() MemoryKind
	// Render returns the note as one markdown list item.
	Render() string
	isMemoryUpdate()
}

// Learning is something the agent found out about the project.
type Learning struct {
	Text string `json:"text"`
}

func (Learning) Kind() MemoryKind  { return KindLearning }
func (l Learning) Render() string  { return "- " + l.Text }
func (Learning) isMemoryUpdate()   {}

// Blocker records why a task could not proceed.
type Blocker struct {
	TaskID string `json:"taskId"`
	Text   string `json:"text"`
}

func (Blocker) Kind() MemoryKind { return KindBlocker }
func (b Blocker) Render() string {
	if b.TaskID == "" {
		return "- blocked: " + b.Text
	}
	return fmt.Sprintf("- blocked on %s: %s", b.TaskID, b.Text)
}
func (Blocker) isMemoryUpdate() {}

// Decision records a choice and why it was made.
type Decision struct {
	Text      string `json:"text"`
	Rationale string `json:"rationale,omitempty"`
}

func (Decision) Kind() MemoryKind { return KindDecision }
func (d Decision) Render() string {
	if strings.TrimSpace(d.Rationale) == "" {
		return "- decided: " + d.Text
	}
	return fmt.Sprintf("- decided: %s (%s)", d.Text, d.Rationale)
}
func (Decision) isMemoryUpdate() {}

// MemoryEnvelope is the persisted form of a MemoryUpdate.
type MemoryEnvelope struct {
	Update MemoryUpdate
}

// MarshalJSON writes the kind tag next to the variant fields.
func (e MemoryEnvelope) MarshalJSON() ([]byte, error) {
	if e.Update == nil {
		return []byte("null"), nil
	}
	return marshalTagged(string(e.Update.Kind()), e.Update)
}

// UnmarshalJSON decodes the variant named by kind and rejects unknown kinds.
func (e *MemoryEnvelope) UnmarshalJSON(data []byte) error {
	kind, err := readKind(data)
	if err != nil {
		return err
	}
	switch MemoryKind(kind) {
	case KindLearning:
		var m Learning
		err = json.Unmarshal(data, &m)
		e.Update = m
	case KindBlocker:
		var m Blocker
		err = json.Unmarshal(data, &m)
		e.Update = m
	case KindDecision:
		var m Decision
		err = json.Unmarshal(data, &m)
		e.Update = m
	default:
		return fmt.Errorf("unknown memory update kind %q", kind)
	}
	return err
}
