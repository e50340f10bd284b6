package stages

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dcshock/contentpipe/observer"
	"github.com/dcshock/contentpipe/pipeline"
)

type cleanParams struct {
	Severities []pipeline.Severity `yaml:"severities"`
	Codes      []string            `yaml:"codes"`
}

func parseCleanParams(params map[string]any) (cleanParams, error) {
	var p cleanParams
	if err := decodeParams(params, &p); err != nil {
		return p, err
	}
	for _, s := range p.Severities {
		if !validSeverity(s) {
			return p, fmt.Errorf("unknown severity %q", s)
		}
		if s == pipeline.SeverityFatal {
			return p, fmt.Errorf("fatal findings cannot be cleaned")
		}
	}
	if len(p.Severities) == 0 && len(p.Codes) == 0 {
		p.Severities = []pipeline.Severity{pipeline.SeverityWarning}
	}
	return p, nil
}

// CleanStage removes findings matching the configured severities or codes
// (warnings by default). Fatal findings are never removed. Statuses are
// unchanged.
type CleanStage struct{}

// ValidateParams implements pipeline.ParamValidator.
func (s *CleanStage) ValidateParams(params map[string]any) error {
	_, err := parseCleanParams(params)
	return err
}

// Execute implements pipeline.Stage.
func (s *CleanStage) Execute(ctx context.Context, items []*pipeline.Item, _ *pipeline.RunContext) ([]*pipeline.Item, error) {
	name, params := meta(ctx, CleanFindings)
	p, err := parseCleanParams(params)
	if err != nil {
		return nil, fmt.Errorf("clean_findings: %w", err)
	}
	sev := make(map[pipeline.Severity]bool, len(p.Severities))
	for _, s := range p.Severities {
		sev[s] = true
	}
	codes := make(map[string]bool, len(p.Codes))
	for _, c := range p.Codes {
		codes[c] = true
	}
	for _, it := range items {
		n := it.CleanFindings(func(f pipeline.Finding) bool {
			return f.Severity != pipeline.SeverityFatal && (sev[f.Severity] || codes[f.Code])
		})
		if n > 0 {
			it.Visit(name, fmt.Sprintf("removed %d findings", n))
		}
	}
	return items, nil
}

// FinalizeStage moves validated_ok items without error or fatal findings to
// terminal_success. Items that still carry error findings are sent to
// needs_revision so an on_fail redirect can pick them up.
type FinalizeStage struct{}

// ValidateParams implements pipeline.ParamValidator. Finalize takes no
// parameters.
func (s *FinalizeStage) ValidateParams(params map[string]any) error {
	if len(params) > 0 {
		return fmt.Errorf("finalize takes no params")
	}
	return nil
}

// Execute implements pipeline.Stage.
func (s *FinalizeStage) Execute(ctx context.Context, items []*pipeline.Item, _ *pipeline.RunContext) ([]*pipeline.Item, error) {
	name, _ := meta(ctx, Finalize)
	for _, it := range items {
		if it.Status != pipeline.StatusValidatedOK {
			continue
		}
		var err error
		if it.HasFindings(pipeline.SeverityError, pipeline.SeverityFatal) {
			err = it.Advance(name, pipeline.StatusNeedsRevision, "unresolved findings at finalize")
		} else {
			err = it.Advance(name, pipeline.StatusTerminalSuccess, "finalized")
		}
		if err != nil {
			return nil, err
		}
	}
	return items, nil
}

type persistParams struct {
	Statuses []string `yaml:"statuses"`
}

// PersistStage saves items through an observer.Saver and records the
// durable id on each saved item. Only validated_ok and terminal_success
// items are saved unless params.statuses says otherwise. A store failure is
// returned to the scheduler.
type PersistStage struct {
	saver observer.Saver
	log   *slog.Logger
}

// NewPersistStage returns a persist stage writing to saver.
func NewPersistStage(saver observer.Saver, log *slog.Logger) *PersistStage {
	return &PersistStage{saver: saver, log: log}
}

// ValidateParams implements pipeline.ParamValidator.
func (s *PersistStage) ValidateParams(params map[string]any) error {
	if s.saver == nil {
		return fmt.Errorf("no store configured")
	}
	var p persistParams
	return decodeParams(params, &p)
}

// Execute implements pipeline.Stage.
func (s *PersistStage) Execute(ctx context.Context, items []*pipeline.Item, _ *pipeline.RunContext) ([]*pipeline.Item, error) {
	name, params := meta(ctx, Persist)
	if s.saver == nil {
		return nil, fmt.Errorf("persist: no store configured")
	}
	var p persistParams
	if err := decodeParams(params, &p); err != nil {
		return nil, fmt.Errorf("persist: %w", err)
	}
	acts := statusSet(p.Statuses, pipeline.StatusValidatedOK, pipeline.StatusTerminalSuccess)
	var batch []*pipeline.Item
	for _, it := range items {
		if acts[it.Status] {
			batch = append(batch, it)
		}
	}
	if len(batch) == 0 {
		return items, nil
	}
	saved, err := s.saver.Save(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("persist: %w", err)
	}
	if len(saved) != len(batch) {
		return nil, fmt.Errorf("persist: saver returned %d items for %d", len(saved), len(batch))
	}
	for i, it := range batch {
		it.DurableID = saved[i].DurableID
		it.Visit(name, "saved as "+it.DurableID)
	}
	if s.log != nil {
		s.log.Info("items saved", "stage", name, "count", len(batch))
	}
	return items, nil
}
