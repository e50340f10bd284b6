package stages

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcshock/contentpipe/internal/logging"
	"github.com/dcshock/contentpipe/llm"
	"github.com/dcshock/contentpipe/observer"
	"github.com/dcshock/contentpipe/pipeline"
	"github.com/dcshock/contentpipe/prompts"
)

var testPrompts = prompts.MapStore{
	Generate: "Write about {{.brief}}.\n{{.schema}}",
	Review:   "Review:\n{{.content}}",
	Refine:   "Fix:\n{{.content}}\n{{range .notes}}- {{.}}\n{{end}}",
}

// fakeLLM drafts a short text for the "moon" brief, expands it on refine and
// passes every review.
func fakeLLM() *recorder {
	return &recorder{fn: func(req llm.Request) llm.Response {
		switch req.Prompt {
		case Generate:
			if strings.Contains(req.Input, "moon") {
				return llm.Reply(`{"title":"Moon","content":"Short."}`)
			}
			return llm.Reply(`{"title":"Tides","content":"The moon pulls the sea twice a day."}`)
		case Refine:
			return llm.Reply(`{"content":"A longer text about the moon and its pull.","changes":["expanded"]}`)
		case Review:
			return llm.Reply(`{"verdict":"pass","findings":[]}`)
		}
		return llm.Failed(1, "unexpected prompt %q", req.Prompt)
	}}
}

type recorder struct {
	fn    func(llm.Request) llm.Response
	calls []llm.Request
}

func (r *recorder) Call(_ context.Context, req llm.Request) llm.Response {
	r.calls = append(r.calls, req)
	return r.fn(req)
}

func (r *recorder) inputs(prompt string) []string {
	var out []string
	for _, c := range r.calls {
		if c.Prompt == prompt {
			out = append(out, c.Input)
		}
	}
	return out
}

func fullPlan() pipeline.Plan {
	return pipeline.Plan{Name: "article", Stages: []pipeline.StageSpec{
		{Name: Generate},
		{Name: Refine},
		{Name: Lint, Params: map[string]any{"min_length": map[string]any{"content": 20}, "required": []any{"title"}},
			OnFail: &pipeline.OnFail{Goto: Refine, MaxAttempts: 2}},
		{Name: Review, OnFail: &pipeline.OnFail{Goto: Refine, MaxAttempts: 2}},
		{Name: Finalize},
		{Name: Persist},
	}}
}

func newScheduler(t *testing.T, deps Deps, plan pipeline.Plan) *pipeline.Scheduler {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	s, err := pipeline.New(pipeline.NewRegistry(Loader(deps)), plan, pipeline.WithLogger(logging.Discard()))
	require.NoError(t, err)
	return s
}

func TestBuiltins_EndToEnd(t *testing.T) {
	ctx := context.Background()
	store, err := observer.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	defer store.Close()
	gw := fakeLLM()

	s := newScheduler(t, Deps{Gateway: gw, Prompts: testPrompts, Saver: store}, fullPlan())
	res, err := s.Run(ctx, []*pipeline.Item{
		{TempID: "tides", Payload: map[string]any{"brief": "tides"}},
		{TempID: "moon", Payload: map[string]any{"brief": "moon"}},
	}, &pipeline.RunOptions{RunID: "e2e", Observer: store})
	require.NoError(t, err)

	assert.Equal(t, map[pipeline.Status]int{pipeline.StatusTerminalSuccess: 2}, res.Counts())
	moon := res.Item("moon")
	assert.Equal(t, "A longer text about the moon and its pull.", moon.Payload["content"])
	assert.Equal(t, 1, moon.Payload["revisions"])
	assert.Equal(t, 1, res.Attempts["moon"][Lint])
	assert.Empty(t, res.Attempts["tides"])

	refines := gw.inputs(Refine)
	require.Len(t, refines, 1, "only the short draft is refined")
	assert.Contains(t, refines[0], "too_short")
	assert.Len(t, gw.inputs(Review), 2)

	for _, it := range res.Items {
		require.NotEmpty(t, it.DurableID, it.TempID)
		saved, err := store.Item(ctx, it.DurableID)
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusTerminalSuccess, saved.Status)
		assert.Equal(t, it.Payload["content"], saved.Payload["content"])
	}
	assert.Positive(t, res.Context.Tokens())

	rec, err := store.Run(ctx, "e2e")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Counts[pipeline.StatusTerminalSuccess])
}

func TestBuiltins_ReviewExhaustion(t *testing.T) {
	gw := llm.GatewayFunc(func(_ context.Context, req llm.Request) llm.Response {
		switch req.Prompt {
		case Generate, Refine:
			return llm.Reply(`{"content":"Still not good enough."}`)
		}
		return llm.Reply(`{"verdict":"revise","findings":[{"code":"weak","message":"too vague","severity":"error"}]}`)
	})
	plan := pipeline.Plan{Stages: []pipeline.StageSpec{
		{Name: Generate},
		{Name: Refine},
		{Name: Review, OnFail: &pipeline.OnFail{Goto: Refine, MaxAttempts: 2, ExhaustedStatus: "rejected"}},
		{Name: Finalize},
	}}
	s := newScheduler(t, Deps{Gateway: gw, Prompts: testPrompts}, plan)

	res, err := s.Run(context.Background(), []*pipeline.Item{{TempID: "x", Payload: map[string]any{"brief": "b"}}}, nil)
	require.NoError(t, err)
	it := res.Item("x")
	assert.Equal(t, pipeline.Status("rejected"), it.Status)
	assert.Equal(t, 2, it.Payload["revisions"])
	assert.Equal(t, 3, res.Attempts["x"][Review])
}

func TestBuiltins_MissingDependencies(t *testing.T) {
	cases := []struct {
		name string
		deps Deps
		plan pipeline.Plan
		want string
	}{
		{"no gateway", Deps{Prompts: testPrompts}, pipeline.Plan{Stages: []pipeline.StageSpec{{Name: Generate}}}, "no LLM gateway"},
		{"no prompt", Deps{Gateway: fakeLLM(), Prompts: prompts.MapStore{}}, pipeline.Plan{Stages: []pipeline.StageSpec{{Name: Review}}}, "review"},
		{"no saver", Deps{}, pipeline.Plan{Stages: []pipeline.StageSpec{{Name: Persist}}}, "no store configured"},
		{"bad lint", Deps{}, pipeline.Plan{Stages: []pipeline.StageSpec{{Name: Lint, Params: map[string]any{"bogus": 1}}}}, "bogus"},
		{"finalize params", Deps{}, pipeline.Plan{Stages: []pipeline.StageSpec{{Name: Finalize, Params: map[string]any{"x": 1}}}}, "no params"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.deps.Logger = logging.Discard()
			_, err := pipeline.New(pipeline.NewRegistry(Loader(tc.deps)), tc.plan)
			require.Error(t, err)
			var pe *pipeline.PlanError
			assert.ErrorAs(t, err, &pe)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestRegister_Duplicate(t *testing.T) {
	reg := pipeline.NewRegistry()
	require.NoError(t, Register(reg, Deps{Logger: logging.Discard()}))
	err := Register(reg, Deps{Logger: logging.Discard()})
	assert.True(t, pipeline.IsDuplicateName(err))
	assert.Equal(t, []string{CleanFindings, FetchSource, Finalize, Generate, Lint, Persist, Refine, Review}, reg.Names())
}

func TestLintRules_Check(t *testing.T) {
	rules, err := ParseLintRules(map[string]any{
		"required":   []any{"title", "content"},
		"min_length": map[string]any{"content": 10},
		"max_length": map[string]any{"title": 5},
		"forbidden":  []any{"Lorem"},
	})
	require.NoError(t, err)

	cases := []struct {
		name    string
		payload map[string]any
		codes   []string
	}{
		{"clean", map[string]any{"title": "Tides", "content": "The sea rises."}, nil},
		{"missing", map[string]any{"content": "The sea rises."}, []string{CodeMissingField}},
		{"blank", map[string]any{"title": "  ", "content": "The sea rises."}, []string{CodeMissingField}},
		{"short and long", map[string]any{"title": "Tidal waves", "content": "Sea."}, []string{CodeTooShort, CodeTooLong}},
		{"forbidden any case", map[string]any{"title": "Tides", "content": "lorem ipsum dolor"}, []string{CodeForbiddenTerm}},
		{"runes not bytes", map[string]any{"title": "Ébène", "content": "Été à la mer."}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var codes []string
			for _, f := range rules.Check(&pipeline.Item{Payload: tc.payload}) {
				codes = append(codes, f.Code)
				assert.Equal(t, pipeline.SeverityError, f.Severity)
				assert.NotEmpty(t, f.Field)
			}
			assert.Equal(t, tc.codes, codes)
		})
	}
}

func TestParseLintRules_Errors(t *testing.T) {
	for name, params := range map[string]map[string]any{
		"unknown key":  {"maximum": 3},
		"bad severity": {"severity": "info"},
		"max below min": {
			"min_length": map[string]any{"content": 10},
			"max_length": map[string]any{"content": 5},
		},
		"zero max": {"max_length": map[string]any{"title": 0}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseLintRules(params)
			assert.Error(t, err)
		})
	}
}

func execute(t *testing.T, s pipeline.Stage, name string, params map[string]any, items ...*pipeline.Item) []*pipeline.Item {
	t.Helper()
	spec := pipeline.StageSpec{Name: name, Params: params}
	ctx := pipeline.WithStageMeta(context.Background(), pipeline.StageMeta{RunID: "run", Spec: spec})
	out, err := s.Execute(ctx, items, pipeline.NewRunContext("run", pipeline.Plan{Stages: []pipeline.StageSpec{spec}}))
	require.NoError(t, err)
	return out
}

func TestLintStage_Severities(t *testing.T) {
	short := func() *pipeline.Item {
		return &pipeline.Item{TempID: "s", Status: pipeline.StatusPending, Payload: map[string]any{"content": "x"}}
	}
	minLen := map[string]any{"content": 3}

	it := execute(t, &LintStage{}, "lint", map[string]any{"min_length": minLen}, short())[0]
	assert.Equal(t, pipeline.StatusNeedsRevision, it.Status)

	it = execute(t, &LintStage{}, "lint", map[string]any{"min_length": minLen, "severity": "warning"}, short())[0]
	assert.Equal(t, pipeline.StatusValidatedOK, it.Status)
	assert.Len(t, it.Findings, 1)

	it = execute(t, &LintStage{}, "lint", map[string]any{"min_length": minLen, "severity": "fatal"}, short())[0]
	assert.Equal(t, pipeline.StatusFatal, it.Status)

	refining := short()
	refining.Status = pipeline.StatusRefining
	it = execute(t, &LintStage{}, "lint", map[string]any{"min_length": minLen}, refining)[0]
	assert.Equal(t, pipeline.StatusRefining, it.Status, "status outside the act-on set is untouched")
	assert.Empty(t, it.Findings)
}

func TestLintStage_Idempotent(t *testing.T) {
	it := &pipeline.Item{TempID: "i", Status: pipeline.StatusPending, Payload: map[string]any{
		"title": "", "content": "Buy now, click here",
	}}
	params := map[string]any{
		"required":   []any{"title"},
		"min_length": map[string]any{"content": 40},
		"forbidden":  []any{"click here", "buy now"},
	}
	first := execute(t, &LintStage{}, "lint", params, it.Clone())[0]
	second := execute(t, &LintStage{}, "lint", params, it.Clone())[0]
	require.Len(t, first.Findings, 4)
	assert.Equal(t, first.Findings, second.Findings)
	assert.Equal(t, first.Status, second.Status)
}

func TestCleanStage(t *testing.T) {
	newItem := func() *pipeline.Item {
		it := &pipeline.Item{TempID: "c", Status: pipeline.StatusValidatedOK}
		it.AddFinding(
			pipeline.Finding{Code: "style", Severity: pipeline.SeverityWarning},
			pipeline.Finding{Code: "weak", Severity: pipeline.SeverityError},
			pipeline.Finding{Code: "unsafe", Severity: pipeline.SeverityFatal},
		)
		return it
	}
	codes := func(it *pipeline.Item) []string {
		var out []string
		for _, f := range it.Findings {
			out = append(out, f.Code)
		}
		return out
	}

	it := execute(t, &CleanStage{}, "clean", nil, newItem())[0]
	assert.Equal(t, []string{"weak", "unsafe"}, codes(it))
	require.NotEmpty(t, it.Audit)
	assert.Equal(t, "removed 1 findings", it.Audit[len(it.Audit)-1].Summary)

	it = execute(t, &CleanStage{}, "clean", map[string]any{"codes": []any{"weak", "unsafe"}}, newItem())[0]
	assert.Equal(t, []string{"style", "unsafe"}, codes(it), "fatal findings survive")

	assert.Error(t, (&CleanStage{}).ValidateParams(map[string]any{"severities": []any{"fatal"}}))
}

func TestFinalizeStage(t *testing.T) {
	ok := &pipeline.Item{TempID: "ok", Status: pipeline.StatusValidatedOK}
	dirty := &pipeline.Item{TempID: "dirty", Status: pipeline.StatusValidatedOK}
	dirty.AddFinding(pipeline.Finding{Code: "weak", Severity: pipeline.SeverityError})
	pending := &pipeline.Item{TempID: "p", Status: pipeline.StatusPending}

	out := execute(t, &FinalizeStage{}, "finalize", nil, ok, dirty, pending)
	assert.Equal(t, pipeline.StatusTerminalSuccess, out[0].Status)
	assert.Equal(t, pipeline.StatusNeedsRevision, out[1].Status)
	assert.Equal(t, pipeline.StatusPending, out[2].Status)
}

type failingSaver struct{}

// shortSaver returns one item fewer than it was given.
type shortSaver struct{}

func (shortSaver) Save(_ context.Context, items []*pipeline.Item) ([]*pipeline.Item, error) {
	return items[:len(items)-1], nil
}

func (failingSaver) Save(context.Context, []*pipeline.Item) ([]*pipeline.Item, error) {
	return nil, errors.New("disk full")
}

func TestPersistStage(t *testing.T) {
	ctx := context.Background()
	store, err := observer.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	defer store.Close()

	done := &pipeline.Item{TempID: "d", Status: pipeline.StatusTerminalSuccess, Payload: map[string]any{"content": "x"}}
	open := &pipeline.Item{TempID: "o", Status: pipeline.StatusNeedsRevision}
	out := execute(t, NewPersistStage(store, logging.Discard()), "persist", nil, done, open)
	require.NotEmpty(t, out[0].DurableID)
	assert.Empty(t, out[1].DurableID)

	_, err = NewPersistStage(failingSaver{}, nil).Execute(ctx, []*pipeline.Item{done}, nil)
	assert.ErrorContains(t, err, "disk full")

	_, err = NewPersistStage(shortSaver{}, nil).Execute(ctx, []*pipeline.Item{done}, nil)
	assert.ErrorContains(t, err, "saver returned 0 items for 1")
}
