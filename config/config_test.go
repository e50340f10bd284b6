package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/dcshock/contentpipe/internal/logging"
	"github.com/dcshock/contentpipe/llm"
	"github.com/dcshock/contentpipe/pipeline"
)

func TestParsePlan_Simple(t *testing.T) {
	plan, err := ParsePlan([]byte(`
name: simple
stages:
  - generate
  - review
  - finalize
`))
	require.NoError(t, err)
	assert.Equal(t, "simple", plan.Name)
	require.Len(t, plan.Stages, 3)
	assert.Equal(t, pipeline.StageSpec{Name: "review"}, plan.Stages[1])
}

func TestParsePlan_WithOptions(t *testing.T) {
	plan, err := ParsePlan([]byte(`
name: article
stages:
  - generate
  - refine
  - name: check
    uses: review
    parallel: 4
    timeout: 90s
    params:
      prompt: strict_review
      temperature: 0.2
    on_fail:
      goto: refine
      max_attempts: 2
      final_status_on_exhaustion: rejected
`))
	require.NoError(t, err)
	check := plan.Stages[2]
	assert.Equal(t, "check", check.Name)
	assert.Equal(t, "review", check.Implementation())
	assert.Equal(t, 4, check.Degree())
	assert.Equal(t, 90*time.Second, check.Timeout)
	assert.Equal(t, map[string]any{"prompt": "strict_review", "temperature": 0.2}, check.Params)
	assert.Equal(t, &pipeline.OnFail{Goto: "refine", MaxAttempts: 2, ExhaustedStatus: "rejected"}, check.OnFail)
}

func TestParsePlan_Errors(t *testing.T) {
	cases := map[string]string{
		"unknown top-level key": "stages: [a]\nsteps: [b]\n",
		"unknown stage field":   "stages:\n  - name: a\n    retry: exponential\n",
		"bad timeout":           "stages:\n  - name: a\n    timeout: soon\n",
		"empty plan":            "name: nothing\n",
		"duplicate names":       "stages: [a, a]\n",
		"missing goto":          "stages:\n  - name: a\n    on_fail: {max_attempts: 1}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePlan([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadPlan_DefaultsNameToPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stages: [generate]\n"), 0o644))
	plan, err := LoadPlan(path)
	require.NoError(t, err)
	assert.Equal(t, path, plan.Name)

	_, err = LoadPlan(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParsePlans(t *testing.T) {
	plans, err := ParsePlans([]byte(`
plans:
  article:
    stages: [generate, review]
  lint-only:
    name: lint
    stages: [lint]
`))
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, "article", plans["article"].Name)
	assert.Equal(t, "lint", plans["lint-only"].Name)

	_, err = ParsePlans([]byte("plans:\n  broken:\n    stages: []\n"))
	assert.ErrorContains(t, err, `plan "broken"`)
}

func TestDuration_YAML(t *testing.T) {
	var d Duration
	require.NoError(t, yaml.Unmarshal([]byte(`"1m30s"`), &d))
	assert.Equal(t, 90*time.Second, d.Duration())
	assert.Error(t, yaml.Unmarshal([]byte(`"90 seconds"`), &d))

	out, err := yaml.Marshal(struct {
		D Duration `yaml:"d"`
	}{Duration(2 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, "d: 2s\n", string(out))
}

func TestParseApp_Defaults(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvStoreDSN, "")
	cfg, err := ParseApp(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseApp_OverridesAndEnv(t *testing.T) {
	t.Setenv(EnvAPIKey, "sk-env")
	t.Setenv(EnvStoreDSN, "/tmp/env.db")
	cfg, err := ParseApp([]byte(`
log: {level: debug, format: json}
llm:
  model: local
  api_key: sk-file
  timeout: 5s
scheduler: {max_concurrency: 2, failure_policy: partition}
`))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "local", cfg.LLM.Model)
	assert.Equal(t, "https://api.openai.com/v1", cfg.LLM.Endpoint, "unset keys keep defaults")
	assert.Equal(t, 5*time.Second, cfg.LLM.Timeout.Duration())
	assert.Equal(t, "sk-env", cfg.LLM.APIKey)
	assert.Equal(t, "/tmp/env.db", cfg.Store.DSN)
	assert.Equal(t, 2, cfg.Scheduler.MaxConcurrency)
}

func TestParseApp_Invalid(t *testing.T) {
	t.Setenv(EnvStoreDSN, "")
	cases := map[string]string{
		"level":   "log: {level: loud}",
		"format":  "log: {format: xml}",
		"driver":  "store: {driver: mongo}",
		"dsn":     "store: {driver: postgres, dsn: ''}",
		"policy":  "scheduler: {failure_policy: sometimes}",
		"limits":  "scheduler: {max_concurrency: -1}",
		"unknown": "llm: {endpoint: x, temperature: 2}",
		"fetch":   "fetch: {timeout: -1s}",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseApp([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestAppConfig_RedactedYAML(t *testing.T) {
	cfg := Default()
	cfg.LLM.APIKey = "sk-secret"
	var buf bytes.Buffer
	require.NoError(t, cfg.Redacted().WriteYAML(&buf))
	assert.NotContains(t, buf.String(), "sk-secret")
	assert.Contains(t, buf.String(), "timeout: 1m0s")
	assert.Equal(t, "sk-secret", cfg.LLM.APIKey, "original untouched")
}

func TestBuild_RunsPlan(t *testing.T) {
	ctx := context.Background()
	cfg := Default()
	cfg.Store = StoreConfig{Driver: DriverSQLite, DSN: ":memory:"}
	cfg.Scheduler.FailurePolicy = "partition"

	gw := llm.NewScripted().
		On("generate", llm.Reply(`{"title":"Tides","content":"The moon pulls the sea."}`)).
		On("review", llm.Reply(`{"verdict":"pass","findings":[]}`))
	stagesSeen := &stageCounter{}
	rt, err := Build(ctx, cfg, &BuildOptions{Gateway: gw, Observers: []pipeline.Observer{stagesSeen}, Logger: logging.Discard()})
	require.NoError(t, err)
	defer rt.Close()
	require.NotNil(t, rt.Store)

	plan, err := ParsePlan([]byte("name: demo\nstages: [generate, review, finalize, persist]\n"))
	require.NoError(t, err)
	s, err := rt.Scheduler(plan)
	require.NoError(t, err)

	res, err := s.Run(ctx, []*pipeline.Item{pipeline.NewItem(map[string]any{"brief": "tides"})},
		&pipeline.RunOptions{RunID: "demo-run", Observer: rt.Observer()})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, pipeline.StatusTerminalSuccess, res.Items[0].Status)
	assert.NotEmpty(t, res.Items[0].DurableID)

	rec, err := rt.Store.Run(ctx, "demo-run")
	require.NoError(t, err)
	assert.Equal(t, "demo", rec.Plan)
	runs, err := rt.Store.StageRuns(ctx, "demo-run")
	require.NoError(t, err)
	assert.Len(t, runs, 4)
	assert.Equal(t, 4, stagesSeen.n, "extra observers see every stage next to the store")
}

// stageCounter counts AfterStage calls.
type stageCounter struct{ n int }

func (c *stageCounter) BeforeRun(context.Context, string, string, []*pipeline.Item) error { return nil }
func (c *stageCounter) AfterRun(context.Context, *pipeline.Result) error { return nil }
func (c *stageCounter) BeforeStage(context.Context, string, int, pipeline.StageSpec, []*pipeline.Item) error {
	return nil
}
func (c *stageCounter) AfterStage(context.Context, string, int, pipeline.StageSpec, pipeline.StageReport, []*pipeline.Item, time.Duration) error {
	c.n++
	return nil
}

func TestBuild_NoStore(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = DriverNone
	rt, err := Build(context.Background(), cfg, &BuildOptions{Gateway: llm.NewScripted()})
	require.NoError(t, err)
	defer rt.Close()
	assert.Nil(t, rt.Store)
	assert.Nil(t, rt.Observer())

	plan := pipeline.Plan{Stages: []pipeline.StageSpec{{Name: "persist"}}}
	_, err = rt.Scheduler(plan)
	assert.ErrorContains(t, err, "no store configured")
}

func TestOpenPrompts(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "review.tmpl"), []byte("custom {{.content}}"), 0o644))

	store, err := OpenPrompts(PromptsConfig{Dir: dir})
	require.NoError(t, err)
	review, err := store.Load("review")
	require.NoError(t, err)
	assert.Equal(t, "custom {{.content}}", review.Source)
	_, err = store.Load("generate")
	assert.NoError(t, err, "falls back to built-in prompts")

	_, err = OpenPrompts(PromptsConfig{Dir: filepath.Join(dir, "nope")})
	assert.Error(t, err)
}

func TestNewGateway(t *testing.T) {
	_, err := NewGateway(LLMConfig{})
	assert.ErrorContains(t, err, "endpoint required")
	gw, err := NewGateway(Default().LLM)
	require.NoError(t, err)
	assert.NotNil(t, gw)
}
