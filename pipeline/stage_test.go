package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanValidate(t *testing.T) {
	cases := []struct {
		name    string
		plan    Plan
		wantErr string
	}{
		{"empty", Plan{}, "plan has no stages"},
		{"missing name", Plan{Stages: []StageSpec{{}}}, "name required"},
		{"duplicate", Plan{Stages: []StageSpec{{Name: "a"}, {Name: "a"}}}, "already used by stage 0"},
		{"negative parallel", Plan{Stages: []StageSpec{{Name: "a", Parallel: -2}}}, "parallel"},
		{"negative timeout", Plan{Stages: []StageSpec{{Name: "a", Timeout: -time.Second}}}, "timeout"},
		{"goto required", Plan{Stages: []StageSpec{{Name: "a", OnFail: &OnFail{MaxAttempts: 1}}}}, "goto required"},
		{"attempts", Plan{Stages: []StageSpec{{Name: "a", OnFail: &OnFail{Goto: "a"}}}}, "max_attempts"},
		{"transient exhaustion", Plan{Stages: []StageSpec{{Name: "a", OnFail: &OnFail{Goto: "a", MaxAttempts: 1, ExhaustedStatus: StatusPending}}}}, "not a terminal failure status"},
		{"success exhaustion", Plan{Stages: []StageSpec{{Name: "a", OnFail: &OnFail{Goto: "a", MaxAttempts: 1, ExhaustedStatus: StatusTerminalSuccess}}}}, "not a terminal failure status"},
		{"ok", Plan{Stages: []StageSpec{{Name: "refine"}, {Name: "review", OnFail: &OnFail{Goto: "refine", MaxAttempts: 2, ExhaustedStatus: "gave_up"}}}}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.plan.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
			var pe *PlanError
			assert.ErrorAs(t, err, &pe)
		})
	}
}

func TestPlanAbsorbingStatuses(t *testing.T) {
	p := Plan{Stages: []StageSpec{
		{Name: "refine"},
		{Name: "review", OnFail: &OnFail{Goto: "refine", MaxAttempts: 1, ExhaustedStatus: "gave_up"}},
		{Name: "lint", OnFail: &OnFail{Goto: "refine", MaxAttempts: 1}},
	}}
	abs := p.AbsorbingStatuses()
	for _, st := range []Status{StatusFatal, StatusExhaustedRefinement, StatusNoRefinerFound, "gave_up"} {
		assert.True(t, abs[st], st)
	}
	assert.False(t, abs[StatusTerminalSuccess])
	assert.False(t, abs[StatusPending])
}

func TestStageSpecDefaults(t *testing.T) {
	s := StageSpec{Name: "review"}
	assert.Equal(t, "review", s.Implementation())
	assert.Equal(t, 1, s.Degree())
	s.Uses, s.Parallel = "llm_review", 4
	assert.Equal(t, "llm_review", s.Implementation())
	assert.Equal(t, 4, s.Degree())
}

func TestStageMetaContext(t *testing.T) {
	_, ok := StageFromContext(context.Background())
	assert.False(t, ok)

	ctx := WithStageMeta(context.Background(), StageMeta{RunID: "r1", Cursor: 2, Partition: 1})
	m, ok := StageFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "r1", m.RunID)
	assert.Equal(t, 2, m.Cursor)
	assert.Equal(t, 1, m.Partition)
}

func TestIdentity(t *testing.T) {
	items := []*Item{NewItem(nil), NewItem(nil)}
	out, err := Identity().Execute(context.Background(), items, nil)
	require.NoError(t, err)
	assert.Equal(t, items, out)
}

func TestForEach(t *testing.T) {
	items := []*Item{NewItem(nil), NewItem(nil)}
	stage := ForEach(func(_ context.Context, it *Item, _ *RunContext) error {
		return it.Advance("mark", StatusValidatedOK, "ok")
	})
	out, err := stage.Execute(context.Background(), items, nil)
	require.NoError(t, err)
	for _, it := range out {
		assert.Equal(t, StatusValidatedOK, it.Status)
	}

	boom := errors.New("boom")
	_, err = ForEach(func(context.Context, *Item, *RunContext) error { return boom }).
		Execute(context.Background(), items, nil)
	assert.ErrorIs(t, err, boom)
}

func TestWithTimeout(t *testing.T) {
	slow := StageFunc(func(ctx context.Context, items []*Item, _ *RunContext) ([]*Item, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return items, nil
		}
	})
	_, err := WithTimeout(slow, 10*time.Millisecond).Execute(context.Background(), nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunContext(t *testing.T) {
	plan := Plan{Stages: []StageSpec{{Name: "a", Params: map[string]any{"k": "v"}}, {Name: "b"}}}
	rc := NewRunContext("run", plan)
	assert.Equal(t, "run", rc.RunID())
	assert.Equal(t, []string{"a", "b"}, rc.StageNames())

	p := rc.Params("a")
	p["k"] = "changed"
	assert.Equal(t, "v", rc.Params("a")["k"])

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			rc.AddTokens("a", 5)
			rc.AddNote("a", "hi")
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
	rc.AddTokens("b", -3)
	assert.EqualValues(t, 50, rc.Tokens())
	assert.Equal(t, map[string]int64{"a": 50}, rc.StageTokens())
	assert.Len(t, rc.Notes(), 10)
}
