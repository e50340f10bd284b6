package stages

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/dcshock/contentpipe/pipeline"
)

// Lint finding codes.
const (
	CodeMissingField  = "missing_field"
	CodeTooShort      = "too_short"
	CodeTooLong       = "too_long"
	CodeForbiddenTerm = "forbidden_term"
)

// LintRules are the parameters of the lint stage.
//
//	params:
//	  required: [title, content]
//	  min_length: {content: 200}
//	  max_length: {title: 80}
//	  forbidden: ["lorem ipsum"]
//	  fields: [title, content]   # searched for forbidden terms
//	  severity: error            # error | warning | fatal
//	  statuses: [pending, validated_ok]
type LintRules struct {
	Required  []string          `yaml:"required"`
	MinLength map[string]int    `yaml:"min_length"`
	MaxLength map[string]int    `yaml:"max_length"`
	Forbidden []string          `yaml:"forbidden"`
	Fields    []string          `yaml:"fields"`
	Severity  pipeline.Severity `yaml:"severity"`
	Statuses  []string          `yaml:"statuses"`
}

// ParseLintRules decodes and checks lint parameters.
func ParseLintRules(params map[string]any) (LintRules, error) {
	var r LintRules
	if err := decodeParams(params, &r); err != nil {
		return r, err
	}
	if r.Severity == "" {
		r.Severity = pipeline.SeverityError
	}
	if !validSeverity(r.Severity) {
		return r, fmt.Errorf("severity %q must be error, warning or fatal", r.Severity)
	}
	for field, n := range r.MinLength {
		if n < 0 {
			return r, fmt.Errorf("min_length.%s must not be negative", field)
		}
		if hi, ok := r.MaxLength[field]; ok && hi < n {
			return r, fmt.Errorf("max_length.%s (%d) is below min_length (%d)", field, hi, n)
		}
	}
	for field, n := range r.MaxLength {
		if n < 1 {
			return r, fmt.Errorf("max_length.%s must be positive", field)
		}
	}
	if len(r.Fields) == 0 {
		r.Fields = []string{"title", "content"}
	}
	return r, nil
}

// Check returns the findings of the rules against one item, in a stable
// order.
func (r LintRules) Check(it *pipeline.Item) []pipeline.Finding {
	var out []pipeline.Finding
	add := func(code, field, msg, hint string) {
		out = append(out, pipeline.Finding{Code: code, Field: field, Message: msg, Severity: r.Severity, FixHint: hint})
	}
	text := func(field string) (string, bool) {
		v, ok := it.Payload[field]
		if !ok || v == nil {
			return "", false
		}
		s, ok := v.(string)
		if !ok {
			return fmt.Sprint(v), true
		}
		return s, true
	}

	for _, field := range r.Required {
		if s, ok := text(field); !ok || strings.TrimSpace(s) == "" {
			add(CodeMissingField, field, fmt.Sprintf("%s is required", field), "provide "+field)
		}
	}
	for _, field := range sortedKeys(r.MinLength) {
		s, ok := text(field)
		if !ok {
			continue
		}
		if n := utf8.RuneCountInString(s); n < r.MinLength[field] {
			add(CodeTooShort, field, fmt.Sprintf("%s has %d characters, minimum %d", field, n, r.MinLength[field]), "expand "+field)
		}
	}
	for _, field := range sortedKeys(r.MaxLength) {
		s, ok := text(field)
		if !ok {
			continue
		}
		if n := utf8.RuneCountInString(s); n > r.MaxLength[field] {
			add(CodeTooLong, field, fmt.Sprintf("%s has %d characters, maximum %d", field, n, r.MaxLength[field]), "shorten "+field)
		}
	}
	for _, field := range r.Fields {
		s, ok := text(field)
		if !ok {
			continue
		}
		lower := strings.ToLower(s)
		for _, term := range r.Forbidden {
			if term != "" && strings.Contains(lower, strings.ToLower(term)) {
				add(CodeForbiddenTerm, field, fmt.Sprintf("%s contains %q", field, term), "remove "+term)
			}
		}
	}
	return out
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LintStage validates payload fields against LintRules. Items with findings
// of severity error go to needs_revision, fatal to fatal; clean items become
// validated_ok. Warnings are recorded without changing the status.
type LintStage struct {
	log *slog.Logger
}

// ValidateParams implements pipeline.ParamValidator.
func (s *LintStage) ValidateParams(params map[string]any) error {
	_, err := ParseLintRules(params)
	return err
}

// Execute implements pipeline.Stage.
func (s *LintStage) Execute(ctx context.Context, items []*pipeline.Item, _ *pipeline.RunContext) ([]*pipeline.Item, error) {
	name, params := meta(ctx, Lint)
	rules, err := ParseLintRules(params)
	if err != nil {
		return nil, fmt.Errorf("lint: %w", err)
	}
	acts := statusSet(rules.Statuses, pipeline.StatusPending, pipeline.StatusValidatedOK)
	for _, it := range items {
		if !acts[it.Status] {
			continue
		}
		findings := rules.Check(it)
		it.AddFinding(findings...)
		to := pipeline.StatusValidatedOK
		summary := "lint passed"
		switch rules.Severity {
		case pipeline.SeverityFatal:
			if len(findings) > 0 {
				to, summary = pipeline.StatusFatal, fmt.Sprintf("lint failed (%d findings)", len(findings))
			}
		case pipeline.SeverityError:
			if len(findings) > 0 {
				to, summary = pipeline.StatusNeedsRevision, fmt.Sprintf("lint failed (%d findings)", len(findings))
			}
		default:
			if len(findings) > 0 {
				summary = fmt.Sprintf("lint passed with %d warnings", len(findings))
			}
		}
		if err := it.Advance(name, to, summary); err != nil {
			return nil, err
		}
		if len(findings) > 0 && s.log != nil {
			s.log.Debug("lint findings", "stage", name, "item", it.TempID, "findings", len(findings))
		}
	}
	return items, nil
}
