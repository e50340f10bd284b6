package blocks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"
)

// ContentResult is the expected model output for drafting and revising.
type ContentResult struct {
	Title   string `json:"title,omitempty" jsonschema:"description=Short headline for the piece"`
	Content string `json:"content" jsonschema:"minLength=1,description=The full text"`
	Summary string `json:"summary,omitempty" jsonschema:"description=One or two sentence summary"`
	// Changes lists what was changed when revising.
	Changes []string `json:"changes,omitempty"`
}

// Validate implements validator.
func (r *ContentResult) Validate() error {
	if strings.TrimSpace(r.Content) == "" {
		return fmt.Errorf("content is empty")
	}
	return nil
}

// ReviewFinding is one problem reported by a reviewing model.
type ReviewFinding struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
	Severity string `json:"severity" jsonschema:"enum=warning,enum=error,enum=fatal"`
	FixHint  string `json:"fix_hint,omitempty"`
}

// ReviewResult is the expected model output for reviewing.
type ReviewResult struct {
	Verdict  string          `json:"verdict" jsonschema:"enum=pass,enum=revise"`
	Findings []ReviewFinding `json:"findings"`
}

// Validate implements validator.
func (r *ReviewResult) Validate() error {
	switch r.Verdict {
	case "pass", "revise":
	default:
		return fmt.Errorf("verdict %q is not pass or revise", r.Verdict)
	}
	for i, f := range r.Findings {
		switch f.Severity {
		case "warning", "error", "fatal":
		default:
			return fmt.Errorf("findings[%d]: severity %q is not warning, error or fatal", i, f.Severity)
		}
		if f.Code == "" {
			return fmt.Errorf("findings[%d]: code required", i)
		}
	}
	return nil
}

type validator interface{ Validate() error }

// Shape describes the JSON object a prompt must produce. The schema is
// reflected from a Go type and is both rendered into prompts and used to
// parse replies.
type Shape struct {
	Name   string
	Schema *jsonschema.Schema
	typ    reflect.Type
	json   string
}

// NewShape reflects the schema of T, which must be a struct type.
func NewShape[T any](name string) Shape {
	var zero T
	r := &jsonschema.Reflector{ExpandedStruct: true, DoNotReference: true}
	s := r.Reflect(&zero)
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		panic(fmt.Sprintf("blocks: marshal schema %q: %v", name, err))
	}
	return Shape{Name: name, Schema: s, typ: reflect.TypeOf(zero), json: string(b)}
}

// SchemaJSON returns the schema as indented JSON.
func (s Shape) SchemaJSON() string { return s.json }

// Parse decodes text into a new value of the shape's type. Markdown code
// fences and surrounding prose are ignored. Unknown fields, missing required
// fields and failed Validate checks return a *ShapeError.
func (s Shape) Parse(text string) (any, error) {
	raw := extractJSON(text)
	if raw == "" {
		return nil, &ShapeError{Shape: s.Name, Err: fmt.Errorf("no JSON object in reply")}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, &ShapeError{Shape: s.Name, Err: err}
	}
	var missing []string
	for _, req := range s.Schema.Required {
		if _, ok := fields[req]; !ok {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return nil, &ShapeError{Shape: s.Name, Missing: missing}
	}
	v := reflect.New(s.typ).Interface()
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return nil, &ShapeError{Shape: s.Name, Err: err}
	}
	if val, ok := v.(validator); ok {
		if err := val.Validate(); err != nil {
			return nil, &ShapeError{Shape: s.Name, Err: err}
		}
	}
	return v, nil
}

func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return ""
	}
	return text[start : end+1]
}
