package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dcshock/contentpipe/pipeline"
)

// PlanConfig is the YAML form of a stage plan.
type PlanConfig struct {
	Name   string     `yaml:"name"`
	Stages []StageRef `yaml:"stages"`
}

// StageRef is a single stage entry: either a plain name or name + options.
// In YAML, a stage can be written as:
//   - generate
//   - name: check
//     uses: review
//     parallel: 4
//     timeout: 90s
//     params: {prompt: strict_review}
//     on_fail: {goto: refine, max_attempts: 2}
type StageRef struct {
	Name string `yaml:"name"`
	// Uses names the registered implementation when it differs from Name.
	Uses     string         `yaml:"uses"`
	Params   map[string]any `yaml:"params"`
	Parallel int            `yaml:"parallel"`
	// Timeout bounds each invocation (e.g. "60s").
	Timeout Duration   `yaml:"timeout"`
	OnFail  *OnFailRef `yaml:"on_fail"`
}

// OnFailRef is the YAML form of pipeline.OnFail.
type OnFailRef struct {
	Goto                    string `yaml:"goto"`
	MaxAttempts             int    `yaml:"max_attempts"`
	FinalStatusOnExhaustion string `yaml:"final_status_on_exhaustion"`
}

// UnmarshalYAML allows a stage to be a string (stage name only) or a struct.
func (s *StageRef) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var nameOnly string
		if err := value.Decode(&nameOnly); err != nil {
			return err
		}
		s.Name = nameOnly
		return nil
	}
	if value.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(value.Content); i += 2 {
			if key := value.Content[i].Value; !stageKeys[key] {
				return fmt.Errorf("line %d: unknown stage field %q", value.Content[i].Line, key)
			}
		}
	}
	type raw StageRef
	return value.Decode((*raw)(s))
}

var stageKeys = map[string]bool{"name": true, "uses": true, "params": true, "parallel": true, "timeout": true, "on_fail": true}

// Spec converts the entry to a pipeline.StageSpec.
func (s StageRef) Spec() pipeline.StageSpec {
	spec := pipeline.StageSpec{
		Name:     s.Name,
		Uses:     s.Uses,
		Params:   s.Params,
		Parallel: s.Parallel,
		Timeout:  s.Timeout.Duration(),
	}
	if s.OnFail != nil {
		spec.OnFail = &pipeline.OnFail{
			Goto:            s.OnFail.Goto,
			MaxAttempts:     s.OnFail.MaxAttempts,
			ExhaustedStatus: pipeline.Status(s.OnFail.FinalStatusOnExhaustion),
		}
	}
	return spec
}

// Plan converts the config to a validated pipeline.Plan.
func (c *PlanConfig) Plan() (pipeline.Plan, error) {
	plan := pipeline.Plan{Name: c.Name, Stages: make([]pipeline.StageSpec, len(c.Stages))}
	for i, ref := range c.Stages {
		plan.Stages[i] = ref.Spec()
	}
	if err := plan.Validate(); err != nil {
		return pipeline.Plan{}, err
	}
	return plan, nil
}

// Duration is a time.Duration that unmarshals from YAML strings (e.g. "60s", "5m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Duration returns the standard time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// ParsePlanConfig parses YAML bytes into a PlanConfig. Unknown keys are
// rejected.
func ParsePlanConfig(data []byte) (*PlanConfig, error) {
	var cfg PlanConfig
	if err := decodeStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: plan: %w", err)
	}
	return &cfg, nil
}

// ParsePlan parses and validates a plan.
func ParsePlan(data []byte) (pipeline.Plan, error) {
	cfg, err := ParsePlanConfig(data)
	if err != nil {
		return pipeline.Plan{}, err
	}
	return cfg.Plan()
}

// LoadPlan reads a plan file. The plan name defaults to the file name.
func LoadPlan(path string) (pipeline.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return pipeline.Plan{}, fmt.Errorf("config: %w", err)
	}
	cfg, err := ParsePlanConfig(data)
	if err != nil {
		return pipeline.Plan{}, fmt.Errorf("%s: %w", path, err)
	}
	if cfg.Name == "" {
		cfg.Name = path
	}
	plan, err := cfg.Plan()
	if err != nil {
		return pipeline.Plan{}, fmt.Errorf("%s: %w", path, err)
	}
	return plan, nil
}

// MultiPlanConfig is a file that defines several plans under "plans".
//
//	plans:
//	  article:
//	    stages: [generate, review, finalize]
//	  lint-only:
//	    stages: [lint]
type MultiPlanConfig struct {
	Plans map[string]PlanConfig `yaml:"plans"`
}

// ParsePlans parses a multi-plan file and validates every plan. A plan
// without a name takes its map key.
func ParsePlans(data []byte) (map[string]pipeline.Plan, error) {
	var multi MultiPlanConfig
	if err := decodeStrict(data, &multi); err != nil {
		return nil, fmt.Errorf("config: plans: %w", err)
	}
	out := make(map[string]pipeline.Plan, len(multi.Plans))
	for key, cfg := range multi.Plans {
		if cfg.Name == "" {
			cfg.Name = key
		}
		plan, err := cfg.Plan()
		if err != nil {
			return nil, fmt.Errorf("plan %q: %w", key, err)
		}
		out[key] = plan
	}
	return out, nil
}
