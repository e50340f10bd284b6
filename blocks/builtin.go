package blocks

import (
	"fmt"
	"strings"

	"github.com/dcshock/contentpipe/pipeline"
)

// Built-in block keys.
const (
	PrepareBrief               = "brief"
	PrepareContent             = "content"
	PrepareContentWithFindings = "content_with_findings"

	ApplyDraft  = "draft"
	ApplyReview = "review"
	ApplyRevise = "revise"

	ShapeContent = "content"
	ShapeReview  = "review"
)

// Default returns a table with the built-in blocks.
func Default() *Table {
	return NewTable().
		AddPrepare(PrepareBrief, prepareBrief).
		AddPrepare(PrepareContent, prepareContent).
		AddPrepare(PrepareContentWithFindings, prepareContentWithFindings).
		AddApply(ApplyDraft, applyDraft).
		AddApply(ApplyReview, applyReview).
		AddApply(ApplyRevise, applyRevise).
		AddShape(ShapeContent, NewShape[ContentResult](ShapeContent)).
		AddShape(ShapeReview, NewShape[ReviewResult](ShapeReview))
}

func str(it *pipeline.Item, key string) string {
	s, _ := it.Payload[key].(string)
	return s
}

func prepareBrief(it *pipeline.Item) (map[string]any, error) {
	brief := str(it, "brief")
	if strings.TrimSpace(brief) == "" {
		return nil, fmt.Errorf("payload has no brief")
	}
	return map[string]any{
		"brief":   brief,
		"title":   str(it, "title"),
		"source":  str(it, "source"),
		"payload": it.Payload,
	}, nil
}

func prepareContent(it *pipeline.Item) (map[string]any, error) {
	content := str(it, "content")
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("payload has no content")
	}
	return map[string]any{
		"brief":   str(it, "brief"),
		"title":   str(it, "title"),
		"content": content,
		"payload": it.Payload,
	}, nil
}

func prepareContentWithFindings(it *pipeline.Item) (map[string]any, error) {
	data, err := prepareContent(it)
	if err != nil {
		return nil, err
	}
	findings := make([]string, 0, len(it.Findings))
	for _, f := range it.Findings {
		findings = append(findings, fmt.Sprintf("[%s] %s: %s", f.Severity, f.Code, f.Message))
	}
	notes := it.RevisionNotes()
	if notes == nil {
		notes = []string{}
	}
	data["findings"] = findings
	data["notes"] = notes
	return data, nil
}

func applyDraft(it *pipeline.Item, stage string, result any) error {
	r, ok := result.(*ContentResult)
	if !ok {
		return fmt.Errorf("draft: unexpected result type %T", result)
	}
	setContent(it, r)
	it.Visit(stage, "draft generated")
	return nil
}

func applyRevise(it *pipeline.Item, stage string, result any) error {
	r, ok := result.(*ContentResult)
	if !ok {
		return fmt.Errorf("revise: unexpected result type %T", result)
	}
	setContent(it, r)
	n, _ := number(it.Payload["revisions"])
	it.Payload["revisions"] = int(n) + 1
	if it.Status != pipeline.StatusRefining {
		it.Visit(stage, "content revised", r.Changes...)
		return nil
	}
	return it.Advance(stage, pipeline.StatusValidatedOK, "content revised", r.Changes...)
}

func setContent(it *pipeline.Item, r *ContentResult) {
	it.Payload["content"] = r.Content
	if r.Title != "" {
		it.Payload["title"] = r.Title
	}
	if r.Summary != "" {
		it.Payload["summary"] = r.Summary
	}
}

func applyReview(it *pipeline.Item, stage string, result any) error {
	r, ok := result.(*ReviewResult)
	if !ok {
		return fmt.Errorf("review: unexpected result type %T", result)
	}
	for _, f := range r.Findings {
		it.AddFinding(pipeline.Finding{
			Code:     f.Code,
			Message:  f.Message,
			Field:    f.Field,
			Severity: pipeline.Severity(f.Severity),
			FixHint:  f.FixHint,
		})
	}
	switch {
	case it.HasFindings(pipeline.SeverityFatal):
		return it.Advance(stage, pipeline.StatusFatal, "review found a fatal problem")
	case r.Verdict == "revise" || it.HasFindings(pipeline.SeverityError):
		return it.Advance(stage, pipeline.StatusNeedsRevision, fmt.Sprintf("review asked for revision (%d findings)", len(r.Findings)))
	default:
		return it.Advance(stage, pipeline.StatusValidatedOK, "review passed")
	}
}
