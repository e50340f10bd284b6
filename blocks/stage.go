package blocks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/dcshock/contentpipe/internal/logging"
	"github.com/dcshock/contentpipe/llm"
	"github.com/dcshock/contentpipe/pipeline"
	"github.com/dcshock/contentpipe/prompts"
)

// Finding codes produced by Stage.
const (
	CodeConfig      = "stage_config"
	CodePrepare     = "prepare_failed"
	CodeRender      = "render_failed"
	CodeCallFailed  = "llm_call_failed"
	CodeShape       = "shape_mismatch"
	CodeApplyFailed = "apply_failed"
)

// Options are the plan parameters understood by Stage.
type Options struct {
	Prompt      string
	System      string
	Model       string
	Temperature *float64
	MaxTokens   int
	// Statuses restricts the items the stage acts on; others pass unchanged.
	// Empty means every item.
	Statuses []pipeline.Status
	Keys     Keys
}

var knownParams = map[string]bool{
	"prompt": true, "system": true, "model": true, "temperature": true, "max_tokens": true,
	"statuses": true, "prepare": true, "apply": true, "shape": true,
}

// ParseOptions reads Options from plan parameters. Unknown parameter names
// are rejected.
func ParseOptions(params map[string]any) (Options, error) {
	var o Options
	var unknown []string
	for k := range params {
		if !knownParams[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return o, fmt.Errorf("unknown params: %s", strings.Join(unknown, ", "))
	}
	var err error
	get := func(key string) string {
		if err != nil {
			return ""
		}
		v, ok := params[key]
		if !ok || v == nil {
			return ""
		}
		s, ok := v.(string)
		if !ok {
			err = fmt.Errorf("param %q must be a string, got %T", key, v)
		}
		return s
	}
	o.Prompt = get("prompt")
	o.System = get("system")
	o.Model = get("model")
	o.Keys = Keys{Prepare: get("prepare"), Apply: get("apply"), Shape: get("shape")}
	if err != nil {
		return o, err
	}
	if o.Prompt == "" {
		return o, fmt.Errorf("param \"prompt\" required")
	}
	if v, ok := params["temperature"]; ok {
		f, ok := number(v)
		if !ok || f < 0 || f > 2 {
			return o, fmt.Errorf("param \"temperature\" must be a number in [0, 2], got %v", v)
		}
		o.Temperature = &f
	}
	if v, ok := params["max_tokens"]; ok {
		f, ok := number(v)
		if !ok || f < 1 || f != float64(int(f)) {
			return o, fmt.Errorf("param \"max_tokens\" must be a positive integer, got %v", v)
		}
		o.MaxTokens = int(f)
	}
	if v, ok := params["statuses"]; ok {
		list, err := stringList(v)
		if err != nil {
			return o, fmt.Errorf("param \"statuses\": %w", err)
		}
		for _, s := range list {
			o.Statuses = append(o.Statuses, pipeline.Status(s))
		}
	}
	return o, nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func stringList(v any) ([]string, error) {
	switch l := v.(type) {
	case []string:
		return l, nil
	case string:
		return []string{l}, nil
	case []any:
		out := make([]string, len(l))
		for i, e := range l {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("element %d must be a string, got %T", i, e)
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("must be a list of strings, got %T", v)
}

func (o Options) actsOn(st pipeline.Status) bool {
	if len(o.Statuses) == 0 {
		return true
	}
	for _, s := range o.Statuses {
		if s == st {
			return true
		}
	}
	return false
}

// Deps are the collaborators of an LLM stage.
type Deps struct {
	Gateway llm.Gateway
	Prompts prompts.Store
	// Table defaults to Default().
	Table  *Table
	Logger *slog.Logger
}

// Stage is a generic LLM-backed stage: for every item it prepares template
// data, renders the prompt, calls the gateway, parses the reply against the
// bound shape and applies the result. Business failures become findings;
// configuration problems mark every item of the invocation fatal. Execute
// never returns an error.
type Stage struct {
	deps     Deps
	defaults map[string]any
}

// NewStage returns a stage whose plan parameters are layered over defaults.
func NewStage(deps Deps, defaults map[string]any) *Stage {
	if deps.Table == nil {
		deps.Table = Default()
	}
	if deps.Logger == nil {
		deps.Logger = logging.New("blocks")
	}
	return &Stage{deps: deps, defaults: defaults}
}

func (s *Stage) params(p map[string]any) map[string]any {
	out := make(map[string]any, len(s.defaults)+len(p))
	for k, v := range s.defaults {
		out[k] = v
	}
	for k, v := range p {
		out[k] = v
	}
	return out
}

// resolve turns parameters into options, a binding and a prompt template.
func (s *Stage) resolve(params map[string]any) (Options, Binding, *prompts.Template, error) {
	opts, err := ParseOptions(s.params(params))
	if err != nil {
		return opts, Binding{}, nil, err
	}
	b, err := s.deps.Table.Resolve(opts.Keys)
	if err != nil {
		return opts, Binding{}, nil, err
	}
	if s.deps.Gateway == nil {
		return opts, b, nil, errors.New("no LLM gateway configured")
	}
	if s.deps.Prompts == nil {
		return opts, b, nil, errors.New("no prompt store configured")
	}
	tmpl, err := s.deps.Prompts.Load(opts.Prompt)
	if err != nil {
		return opts, b, nil, err
	}
	return opts, b, tmpl, nil
}

// ValidateParams implements pipeline.ParamValidator.
func (s *Stage) ValidateParams(params map[string]any) error {
	_, _, _, err := s.resolve(params)
	return err
}

// Execute implements pipeline.Stage.
func (s *Stage) Execute(ctx context.Context, items []*pipeline.Item, rc *pipeline.RunContext) ([]*pipeline.Item, error) {
	name := "llm"
	var params map[string]any
	if meta, ok := pipeline.StageFromContext(ctx); ok {
		name = meta.Spec.Name
		params = meta.Spec.Params
	}
	log := s.deps.Logger.With("stage", name)

	opts, b, tmpl, err := s.resolve(params)
	if err != nil {
		log.Error("stage misconfigured; failing invocation", "items", len(items), "error", err)
		for _, it := range items {
			fail(it, name, CodeConfig, err.Error())
		}
		return items, nil
	}

	for _, it := range items {
		if !opts.actsOn(it.Status) {
			continue
		}
		s.process(ctx, it, name, opts, b, tmpl, rc, log)
	}
	return items, nil
}

func (s *Stage) process(ctx context.Context, it *pipeline.Item, name string, opts Options, b Binding, tmpl *prompts.Template, rc *pipeline.RunContext, log *slog.Logger) {
	data, err := b.Prepare(it)
	if err != nil {
		fail(it, name, CodePrepare, err.Error())
		return
	}
	data["schema"] = b.Shape.SchemaJSON()
	input, err := tmpl.Render(data)
	if err != nil {
		fail(it, name, CodeRender, err.Error())
		return
	}

	resp := s.deps.Gateway.Call(ctx, llm.Request{
		Prompt:      opts.Prompt,
		Input:       input,
		System:      opts.System,
		Model:       opts.Model,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		JSON:        true,
	})
	it.AddTokens(resp.Usage.Total)
	if rc != nil {
		rc.AddTokens(name, resp.Usage.Total)
	}
	if !resp.Success {
		log.Warn("llm call failed", "item", it.TempID, "attempts", resp.Attempts, "error", resp.ErrorMessage)
		revise(it, name, pipeline.Finding{Code: CodeCallFailed, Message: resp.ErrorMessage, Severity: pipeline.SeverityError})
		return
	}

	result, err := b.Shape.Parse(resp.Text)
	if err != nil {
		revise(it, name, pipeline.Finding{
			Code: CodeShape, Message: err.Error(), Severity: pipeline.SeverityError,
			FixHint: "reply with a single JSON object matching the schema",
		})
		return
	}
	if err := b.Apply(it, name, result); err != nil {
		fail(it, name, CodeApplyFailed, err.Error())
	}
}

// revise records a recoverable finding and sends the item to needs_revision.
func revise(it *pipeline.Item, stage string, f pipeline.Finding) {
	it.AddFinding(f)
	if err := it.Advance(stage, pipeline.StatusNeedsRevision, f.Code); err != nil {
		fail(it, stage, f.Code, f.Message)
	}
}

// fail records a fatal finding and moves the item to fatal.
func fail(it *pipeline.Item, stage, code, msg string) {
	it.AddFinding(pipeline.Finding{Code: code, Message: msg, Severity: pipeline.SeverityFatal})
	_ = it.Advance(stage, pipeline.StatusFatal, code)
}
