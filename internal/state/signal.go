package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Iron-Ham/cadence/internal/phase"
)

// SignalKind identifies a completion signal variant.
type SignalKind string

const (
	KindPhaseComplete    SignalKind = "phase_complete"
	KindValidationPassed SignalKind = "validation_passed"
)

// Signal is an explicit completion signal for a phase. It is a closed set of
// variants: PhaseComplete and ValidationPassed.
type Signal interface {
	Kind() SignalKind
	// Phase is the phase the signal completes.
	Phase() phase.Phase
	isSignal()
}

// PhaseComplete is recorded when the operator or the agent declares a phase done.
type PhaseComplete struct {
	For        phase.Phase `json:"phase"`
	Summary    string      `json:"summary,omitempty"`
	RecordedAt time.Time   `json:"recordedAt"`
}

func (PhaseComplete) Kind() SignalKind     { return KindPhaseComplete }
func (s PhaseComplete) Phase() phase.Phase { return s.For }
func (PhaseComplete) isSignal()            {}

// ValidationPassed is recorded when every backpressure command passed.
type ValidationPassed struct {
	Commands   []string  `json:"commands"`
	ReportPath string    `json:"reportPath,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

func (ValidationPassed) Kind() SignalKind   { return KindValidationPassed }
func (ValidationPassed) Phase() phase.Phase { return phase.Validation }
func (ValidationPassed) isSignal()          {}

// SignalEnvelope is the persisted form of a Signal: {"kind": ..., fields...}.
type SignalEnvelope struct {
	Signal Signal
}

// MarshalJSON writes the kind tag next to the variant fields.
func (e SignalEnvelope) MarshalJSON() ([]byte, error) {
	if e.Signal == nil {
		return []byte("null"), nil
	}
	return marshalTagged(string(e.Signal.Kind()), e.Signal)
}

// UnmarshalJSON decodes the variant named by kind and rejects unknown kinds.
func (e *SignalEnvelope) UnmarshalJSON(data []byte) error {
	kind, err := readKind(data)
	if err != nil {
		return err
	}
	switch SignalKind(kind) {
	case KindPhaseComplete:
		var s PhaseComplete
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if !s.For.Valid() {
			return fmt.Errorf("phase_complete signal without a phase")
		}
		e.Signal = s
	case KindValidationPassed:
		var s ValidationPassed
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		e.Signal = s
	default:
		return fmt.Errorf("unknown signal kind %q", kind)
	}
	return nil
}

// marshalTagged encodes v and prepends a "kind" member.
func marshalTagged(kind string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	tag, _ := json.Marshal(kind)
	fields["kind"] = tag
	return json.Marshal(fields)
}

func readKind(data []byte) (string, error) {
	var head struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", err
	}
	if head.Kind == "" {
		return "", fmt.Errorf("missing kind")
	}
	return head.Kind, nil
}
