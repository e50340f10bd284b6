package blocks

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcshock/contentpipe/pipeline"
)

func TestTable_Resolve(t *testing.T) {
	tbl := Default()

	b, err := tbl.Resolve(Keys{Prepare: PrepareBrief, Apply: ApplyDraft, Shape: ShapeContent})
	require.NoError(t, err)
	assert.NotNil(t, b.Prepare)
	assert.NotNil(t, b.Apply)
	assert.Equal(t, ShapeContent, b.Shape.Name)

	cases := []struct {
		keys Keys
		slot Slot
	}{
		{Keys{Prepare: "nope", Apply: ApplyDraft, Shape: ShapeContent}, SlotPrepare},
		{Keys{Prepare: PrepareBrief, Apply: "nope", Shape: ShapeContent}, SlotApply},
		{Keys{Prepare: PrepareBrief, Apply: ApplyDraft, Shape: ""}, SlotShape},
	}
	for _, tc := range cases {
		_, err := tbl.Resolve(tc.keys)
		var uk *UnknownKeyError
		require.ErrorAs(t, err, &uk)
		assert.Equal(t, tc.slot, uk.Slot)
		assert.NotEmpty(t, uk.Known)
		assert.True(t, IsUnknownKey(err))
	}

	assert.Equal(t, []string{"brief", "content", "content_with_findings"}, tbl.Keys(SlotPrepare))
	assert.Equal(t, []string{"draft", "review", "revise"}, tbl.Keys(SlotApply))
	assert.Equal(t, []string{"content", "review"}, tbl.Keys(SlotShape))
}

func TestShape_Schema(t *testing.T) {
	content := NewShape[ContentResult]("content")
	assert.Equal(t, []string{"content"}, content.Schema.Required)
	assert.Contains(t, content.SchemaJSON(), `"summary"`)

	review := NewShape[ReviewResult]("review")
	assert.ElementsMatch(t, []string{"verdict", "findings"}, review.Schema.Required)
	assert.Contains(t, review.SchemaJSON(), `"revise"`)
	assert.Contains(t, review.SchemaJSON(), `"fix_hint"`)
}

func TestShape_Parse(t *testing.T) {
	review := NewShape[ReviewResult]("review")

	v, err := review.Parse("Here you go:\n```json\n{\"verdict\":\"revise\",\"findings\":[{\"code\":\"tone\",\"message\":\"too casual\",\"severity\":\"warning\"}]}\n```")
	require.NoError(t, err)
	r := v.(*ReviewResult)
	assert.Equal(t, "revise", r.Verdict)
	require.Len(t, r.Findings, 1)
	assert.Equal(t, "tone", r.Findings[0].Code)

	bad := []struct {
		name, text, want string
	}{
		{"no json", "I think it is fine", "no JSON object"},
		{"missing", `{"verdict":"pass"}`, "missing findings"},
		{"unknown field", `{"verdict":"pass","findings":[],"score":3}`, "unknown field"},
		{"bad verdict", `{"verdict":"maybe","findings":[]}`, "verdict"},
		{"bad severity", `{"verdict":"pass","findings":[{"code":"x","message":"m","severity":"info"}]}`, "severity"},
		{"not json", `{verdict: pass}`, "invalid character"},
	}
	for _, tc := range bad {
		t.Run(tc.name, func(t *testing.T) {
			_, err := review.Parse(tc.text)
			var se *ShapeError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, "review", se.Shape)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	content := NewShape[ContentResult]("content")
	_, err = content.Parse(`{"content":"   "}`)
	assert.ErrorContains(t, err, "content is empty")
}

func TestApplyReview(t *testing.T) {
	cases := []struct {
		name   string
		result ReviewResult
		want   pipeline.Status
	}{
		{"pass", ReviewResult{Verdict: "pass"}, pipeline.StatusValidatedOK},
		{"pass with warning", ReviewResult{Verdict: "pass", Findings: []ReviewFinding{{Code: "w", Severity: "warning"}}}, pipeline.StatusValidatedOK},
		{"revise", ReviewResult{Verdict: "revise"}, pipeline.StatusNeedsRevision},
		{"error finding", ReviewResult{Verdict: "pass", Findings: []ReviewFinding{{Code: "e", Severity: "error"}}}, pipeline.StatusNeedsRevision},
		{"fatal finding", ReviewResult{Verdict: "revise", Findings: []ReviewFinding{{Code: "f", Severity: "fatal"}}}, pipeline.StatusFatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			it := pipeline.NewItem(map[string]any{"content": "x"})
			require.NoError(t, applyReview(it, "review", &tc.result))
			assert.Equal(t, tc.want, it.Status)
			assert.Len(t, it.Findings, len(tc.result.Findings))
		})
	}
	assert.Error(t, applyReview(pipeline.NewItem(nil), "review", &ContentResult{}))
}

func TestApplyRevise(t *testing.T) {
	it := &pipeline.Item{TempID: "x", Status: pipeline.StatusRefining, Payload: map[string]any{"content": "old"}}
	require.NoError(t, applyRevise(it, "refine", &ContentResult{Content: "new", Title: "T", Changes: []string{"shortened"}}))
	assert.Equal(t, pipeline.StatusValidatedOK, it.Status)
	assert.Equal(t, "new", it.Payload["content"])
	assert.Equal(t, "T", it.Payload["title"])
	assert.Equal(t, 1, it.Payload["revisions"])
	assert.Equal(t, []string{"shortened"}, it.Audit[0].Corrections)

	pending := pipeline.NewItem(map[string]any{"content": "old"})
	require.NoError(t, applyRevise(pending, "refine", &ContentResult{Content: "new"}))
	assert.Equal(t, pipeline.StatusPending, pending.Status)
}

func TestPrepare(t *testing.T) {
	_, err := prepareBrief(pipeline.NewItem(nil))
	assert.Error(t, err)
	_, err = prepareContent(pipeline.NewItem(map[string]any{"brief": "b"}))
	assert.Error(t, err)

	it := &pipeline.Item{TempID: "x", Status: pipeline.StatusNeedsRevision, Payload: map[string]any{"content": "text"}}
	it.AddFinding(pipeline.Finding{Code: "style", Message: "dull", Severity: pipeline.SeverityFatal})
	data, err := prepareContentWithFindings(it)
	require.NoError(t, err)
	assert.Equal(t, "text", data["content"])
	assert.Equal(t, []string{"[fatal] style: dull"}, data["findings"])
	assert.Equal(t, []string{}, data["notes"])
	assert.Equal(t, "", data["title"])
}

func TestParseOptions(t *testing.T) {
	o, err := ParseOptions(map[string]any{
		"prompt": "review", "prepare": "content", "apply": "review", "shape": "review",
		"temperature": 0.3, "max_tokens": 512, "statuses": []any{"refining"}, "model": "m",
	})
	require.NoError(t, err)
	assert.Equal(t, "review", o.Prompt)
	assert.Equal(t, Keys{Prepare: "content", Apply: "review", Shape: "review"}, o.Keys)
	assert.InDelta(t, 0.3, *o.Temperature, 1e-9)
	assert.Equal(t, 512, o.MaxTokens)
	assert.Equal(t, []pipeline.Status{pipeline.StatusRefining}, o.Statuses)

	for _, bad := range []map[string]any{
		{},
		{"prompt": 3},
		{"prompt": "p", "temperature": "hot"},
		{"prompt": "p", "temperature": 5},
		{"prompt": "p", "max_tokens": 1.5},
		{"prompt": "p", "statuses": []any{1}},
		{"prompt": "p", "promt": "typo"},
	} {
		_, err := ParseOptions(bad)
		assert.Error(t, err, "%v", bad)
	}
	_, err = ParseOptions(map[string]any{"prompt": "p", "promt": "x", "colour": "y"})
	assert.True(t, strings.Contains(err.Error(), "colour, promt"))
}
