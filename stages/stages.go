package stages

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"gopkg.in/yaml.v3"

	"github.com/dcshock/contentpipe/blocks"
	"github.com/dcshock/contentpipe/httpstages"
	"github.com/dcshock/contentpipe/internal/logging"
	"github.com/dcshock/contentpipe/llm"
	"github.com/dcshock/contentpipe/observer"
	"github.com/dcshock/contentpipe/pipeline"
	"github.com/dcshock/contentpipe/prompts"
)

// Built-in stage names.
const (
	Generate      = "generate"
	Review        = "review"
	Refine        = "refine"
	Lint          = "lint"
	CleanFindings = "clean_findings"
	Finalize      = "finalize"
	Persist       = "persist"
	FetchSource   = "fetch_source"
)

// Deps are the collaborators of the built-in stages. Gateway and Prompts are
// needed by the LLM stages, Saver by persist; HTTPClient defaults to
// http.DefaultClient for fetch_source; a plan that uses a stage whose
// dependency is missing fails when the scheduler is built.
type Deps struct {
	Gateway    llm.Gateway
	Prompts    prompts.Store
	Table      *blocks.Table
	Saver      observer.Saver
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Register adds every built-in stage to reg.
func Register(reg *pipeline.Registry, deps Deps) error {
	if deps.Logger == nil {
		deps.Logger = logging.New("stages")
	}
	llmDeps := blocks.Deps{Gateway: deps.Gateway, Prompts: deps.Prompts, Table: deps.Table, Logger: deps.Logger}
	builtins := []struct {
		name  string
		stage pipeline.Stage
	}{
		{Generate, blocks.NewStage(llmDeps, map[string]any{
			"prompt": Generate, "prepare": blocks.PrepareBrief, "apply": blocks.ApplyDraft,
			"shape": blocks.ShapeContent, "statuses": []string{string(pipeline.StatusPending)},
		})},
		{Review, blocks.NewStage(llmDeps, map[string]any{
			"prompt": Review, "prepare": blocks.PrepareContent, "apply": blocks.ApplyReview,
			"shape": blocks.ShapeReview, "statuses": []string{string(pipeline.StatusPending), string(pipeline.StatusValidatedOK)},
		})},
		{Refine, blocks.NewStage(llmDeps, map[string]any{
			"prompt": Refine, "prepare": blocks.PrepareContentWithFindings, "apply": blocks.ApplyRevise,
			"shape": blocks.ShapeContent, "statuses": []string{string(pipeline.StatusRefining)},
		})},
		{Lint, &LintStage{log: deps.Logger}},
		{CleanFindings, &CleanStage{}},
		{Finalize, &FinalizeStage{}},
		{Persist, &PersistStage{saver: deps.Saver, log: deps.Logger}},
		{FetchSource, httpstages.Fetch(deps.HTTPClient, deps.Logger)},
	}
	for _, b := range builtins {
		if err := reg.Register(b.name, b.stage); err != nil {
			return err
		}
	}
	return nil
}

// Loader returns a registry loader that registers the built-in stages.
func Loader(deps Deps) pipeline.Loader {
	return func(reg *pipeline.Registry) error { return Register(reg, deps) }
}

// meta returns the plan name and parameters of the running stage.
func meta(ctx context.Context, fallback string) (string, map[string]any) {
	if m, ok := pipeline.StageFromContext(ctx); ok {
		return m.Spec.Name, m.Spec.Params
	}
	return fallback, nil
}

// decodeParams maps plan parameters onto a struct with yaml tags. Unknown
// keys are rejected.
func decodeParams(params map[string]any, out any) error {
	if len(params) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("params: %w", err)
	}
	return nil
}

// statusSet turns a status list into a lookup; nil falls back to def.
func statusSet(list []string, def ...pipeline.Status) map[pipeline.Status]bool {
	out := make(map[pipeline.Status]bool)
	if len(list) == 0 {
		for _, s := range def {
			out[s] = true
		}
		return out
	}
	for _, s := range list {
		out[pipeline.Status(s)] = true
	}
	return out
}

func validSeverity(s pipeline.Severity) bool {
	switch s {
	case pipeline.SeverityFatal, pipeline.SeverityError, pipeline.SeverityWarning:
		return true
	}
	return false
}
