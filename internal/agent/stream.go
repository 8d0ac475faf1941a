package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Iron-Ham/cadence/internal/util"
)

// streamLine is one line of `claude --output-format stream-json`.
type streamLine struct {
	Type         string         `json:"type"`
	Subtype      string         `json:"subtype"`
	SessionID    string         `json:"session_id"`
	Message      *streamMessage `json:"message"`
	Result       string         `json:"result"`
	IsError      bool           `json:"is_error"`
	TotalCostUSD float64        `json:"total_cost_usd"`
	CostUSD      float64        `json:"cost_usd"`
	NumTurns     int            `json:"num_turns"`
	Usage        *streamUsage   `json:"usage"`
}

type streamMessage struct {
	Content []contentBlock `json:"content"`
	Usage   *streamUsage   `json:"usage"`
}

// UnmarshalJSON accepts content given as a bare string.
func (m *streamMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		Content json.RawMessage `json:"content"`
		Usage   *streamUsage    `json:"usage"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Usage = raw.Usage
	m.Content = nil
	if len(raw.Content) == 0 {
		return nil
	}
	var text string
	if err := json.Unmarshal(raw.Content, &text); err == nil {
		m.Content = []contentBlock{{Type: "text", Text: text}}
		return nil
	}
	return json.Unmarshal(raw.Content, &m.Content)
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	IsError   bool            `json:"is_error"`
}

type streamUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u *streamUsage) total() int {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.OutputTokens
}

func (l streamLine) cost() float64 {
	if l.TotalCostUSD > 0 {
		return l.TotalCostUSD
	}
	return l.CostUSD
}

func parseStreamLine(line []byte) (streamLine, error) {
	var l streamLine
	if err := json.Unmarshal(line, &l); err != nil {
		return streamLine{}, fmt.Errorf("parse stream line: %w", err)
	}
	return l, nil
}

// toolInput renders a tool input for display and permission checks. Bash
// calls yield the command line.
func toolInput(name string, input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	if name == "Bash" {
		var in struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(input, &in); err == nil {
			return in.Command
		}
	}
	return util.TruncateString(strings.TrimSpace(string(input)), 200)
}
