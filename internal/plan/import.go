package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Format is a plan interchange format.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatForPath picks the format from a file extension; anything that is
// not .json is treated as YAML.
func FormatForPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// document is the interchange shape: a bare task list under "tasks".
type document struct {
	Tasks []Task `json:"tasks" yaml:"tasks"`
}

// Decode parses a task list and builds a plan from it. Duplicate ids and
// unknown statuses are rejected; dependencies are not resolved.
func Decode(data []byte, format Format, now time.Time) (*Plan, error) {
	var doc document
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode plan json: %w", err)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode plan yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported plan format %q", format)
	}

	p := New(now)
	for _, t := range doc.Tasks {
		if err := p.AddTask(t, now); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Encode writes the plan's tasks in selection order.
func Encode(p *Plan, format Format) ([]byte, error) {
	doc := document{Tasks: p.List()}
	switch format {
	case FormatJSON:
		return json.MarshalIndent(doc, "", "  ")
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return nil, fmt.Errorf("encode plan yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported plan format %q", format)
	}
}
