package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dcshock/contentpipe/config"
	"github.com/dcshock/contentpipe/internal/report"
	"github.com/dcshock/contentpipe/pipeline"
)

type runFlags struct {
	plan   string
	items  string
	runID    string
	output   string
	progress bool
}

func newRunCmd(a *app) *cobra.Command {
	var fl runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a plan over a batch of items",
		Long: "Run reads a plan and an items file (a YAML or JSON list of items,\n" +
			"each with an optional temp_id and a payload) and drives every item\n" +
			"to a terminal status. Runs are recorded in the configured store.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error { return a.run(cmd, fl) },
	}
	f := cmd.Flags()
	f.StringVarP(&fl.plan, "plan", "p", "", "plan file (required)")
	f.StringVarP(&fl.items, "items", "i", "", "items file (required)")
	f.StringVar(&fl.runID, "run-id", "", "run id (default: random UUID)")
	f.StringVarP(&fl.output, "output", "o", "", "write the result as JSON to this file (- for stdout)")
	f.BoolVar(&fl.progress, "progress", false, "print one line per stage visit to stderr")
	_ = cmd.MarkFlagRequired("plan")
	_ = cmd.MarkFlagRequired("items")
	return cmd
}

// runOutput is the JSON form of a run result.
type runOutput struct {
	RunID      string                    `json:"run_id"`
	Plan       string                    `json:"plan"`
	Counts     map[pipeline.Status]int   `json:"counts"`
	Items      []*pipeline.Item          `json:"items"`
	Stages     []pipeline.StageReport    `json:"stages"`
	Tokens     int64                     `json:"tokens"`
	Attempts   map[string]map[string]int `json:"attempts,omitempty"`
	Notes      []pipeline.Note           `json:"notes,omitempty"`
	Iterations int                       `json:"iterations"`
	Duration   string                    `json:"duration"`
}

func (a *app) run(cmd *cobra.Command, fl runFlags) error {
	ctx := cmd.Context()
	plan, err := config.LoadPlan(fl.plan)
	if err != nil {
		return err
	}
	items, err := loadItems(fl.items)
	if err != nil {
		return err
	}
	opts := &config.BuildOptions{}
	if fl.progress {
		opts.Observers = append(opts.Observers, report.Progress(cmd.ErrOrStderr()))
	}
	rt, err := config.Build(ctx, a.cfg, opts)
	if err != nil {
		return err
	}
	defer rt.Close()
	sched, err := rt.Scheduler(plan)
	if err != nil {
		return err
	}
	res, err := sched.Run(ctx, items, &pipeline.RunOptions{RunID: fl.runID, Observer: rt.Observer()})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if fl.output != "-" {
		fmt.Fprintf(out, "run %s: %d items, %d iterations, %d tokens, %s\n",
			res.RunID, len(res.Items), res.Iterations, res.Context.Tokens(), res.Duration.Round(time.Millisecond))
		if err := report.Counts(out, a.mode, res.Counts()); err != nil {
			return err
		}
		if err := report.Items(out, a.mode, res.Items); err != nil {
			return err
		}
		if err := report.Stages(out, a.mode, res.Context.Reports()); err != nil {
			return err
		}
	}
	if fl.output == "" {
		return nil
	}
	return writeResult(out, fl.output, res)
}

func loadItems(path string) ([]*pipeline.Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("items: %w", err)
	}
	var items []*pipeline.Item
	if err := yaml.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("items %s: %w", path, err)
	}
	for i, it := range items {
		if it == nil {
			return nil, fmt.Errorf("items %s: entry %d is empty", path, i)
		}
		if it.Payload == nil {
			it.Payload = map[string]any{}
		}
	}
	return items, nil
}

func writeResult(stdout io.Writer, path string, res *pipeline.Result) error {
	doc := runOutput{
		RunID:      res.RunID,
		Plan:       res.Plan,
		Counts:     res.Counts(),
		Items:      res.Items,
		Stages:     res.Context.Reports(),
		Tokens:     res.Context.Tokens(),
		Attempts:   res.Attempts,
		Notes:      res.Context.Notes(),
		Iterations: res.Iterations,
		Duration:   res.Duration.String(),
	}
	w := stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("output: %w", err)
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
