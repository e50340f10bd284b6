// Package report renders run results as terminal or Markdown tables.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/dcshock/contentpipe/observer"
	"github.com/dcshock/contentpipe/pipeline"
)

// Mode controls the output format.
type Mode int

const (
	ASCII    Mode = iota // fixed-width terminal tables
	Markdown             // GitHub-flavoured Markdown tables
)

// ParseMode maps "table" (or "") and "markdown" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "table", "ascii":
		return ASCII, nil
	case "markdown", "md":
		return Markdown, nil
	}
	return ASCII, fmt.Errorf("report: unknown format %q (use table or markdown)", s)
}

func newTable(m Mode, title string) table.Writer {
	w := table.NewWriter()
	if m == ASCII {
		w.SetStyle(table.StyleLight)
		w.SetTitle("%s", title)
	}
	return w
}

func render(out io.Writer, m Mode, w table.Writer) error {
	var s string
	if m == Markdown {
		s = w.RenderMarkdown()
	} else {
		s = w.Render()
	}
	_, err := fmt.Fprintln(out, s)
	return err
}

func right(cols ...int) []table.ColumnConfig {
	cfgs := make([]table.ColumnConfig, len(cols))
	for i, c := range cols {
		cfgs[i] = table.ColumnConfig{Number: c, Align: text.AlignRight}
	}
	return cfgs
}

// Counts writes the number of items per final status, most frequent first.
func Counts(out io.Writer, m Mode, counts map[pipeline.Status]int) error {
	statuses := make([]pipeline.Status, 0, len(counts))
	total := 0
	for st, n := range counts {
		statuses = append(statuses, st)
		total += n
	}
	sort.Slice(statuses, func(i, j int) bool {
		if counts[statuses[i]] != counts[statuses[j]] {
			return counts[statuses[i]] > counts[statuses[j]]
		}
		return statuses[i] < statuses[j]
	})
	w := newTable(m, "Outcome")
	w.AppendHeader(table.Row{"Status", "Items"})
	for _, st := range statuses {
		w.AppendRow(table.Row{st, counts[st]})
	}
	w.AppendFooter(table.Row{"Total", total})
	w.SetColumnConfigs(right(2))
	return render(out, m, w)
}

// Items writes one row per item in result order.
func Items(out io.Writer, m Mode, items []*pipeline.Item) error {
	w := newTable(m, "Items")
	w.AppendHeader(table.Row{"Item", "Status", "Findings", "Tokens", "Durable ID"})
	var tokens int64
	for _, it := range items {
		w.AppendRow(table.Row{it.TempID, it.Status, findingSummary(it.Findings), it.Tokens, it.DurableID})
		tokens += it.Tokens
	}
	w.AppendFooter(table.Row{"", "", "", tokens, ""})
	w.SetColumnConfigs(append(right(4), table.ColumnConfig{Number: 3, WidthMax: 60}))
	return render(out, m, w)
}

func findingSummary(fs []pipeline.Finding) string {
	if len(fs) == 0 {
		return "-"
	}
	parts := make([]string, len(fs))
	for i, f := range fs {
		parts[i] = fmt.Sprintf("%s:%s", f.Severity, f.Code)
	}
	return strings.Join(parts, ", ")
}

// Stages writes the stage invocations of a run in execution order.
func Stages(out io.Writer, m Mode, reports []pipeline.StageReport) error {
	w := newTable(m, "Stages")
	w.AppendHeader(table.Row{"#", "Stage", "Visit", "Eligible", "Partitions", "Failed", "Redirected", "Exhausted", "Duration"})
	for _, r := range reports {
		w.AppendRow(table.Row{r.Cursor, r.Stage, r.Visit, r.Eligible, r.Partitions, r.Failed, r.Redirected, r.Exhausted, r.Duration.Round(time.Millisecond)})
	}
	w.SetColumnConfigs(right(1, 3, 4, 5, 6, 7, 8, 9))
	return render(out, m, w)
}

// StageRuns writes stored stage invocations.
func StageRuns(out io.Writer, m Mode, runs []observer.StageRun) error {
	w := newTable(m, "Stages")
	w.AppendHeader(table.Row{"#", "Stage", "Visit", "Status", "Eligible", "Partitions", "Redirected", "Exhausted", "Duration", "Error"})
	for _, r := range runs {
		w.AppendRow(table.Row{r.Cursor, r.Stage, r.Visit, r.Status, r.Eligible, r.Partitions, r.Redirected, r.Exhausted, r.Duration, r.Error})
	}
	w.SetColumnConfigs(append(right(1, 3, 5, 6, 7, 8, 9), table.ColumnConfig{Number: 10, WidthMax: 60}))
	return render(out, m, w)
}

// Plan writes the entries of a plan.
func Plan(out io.Writer, m Mode, plan pipeline.Plan) error {
	w := newTable(m, "Plan "+plan.Name)
	w.AppendHeader(table.Row{"#", "Name", "Uses", "Parallel", "Timeout", "On fail"})
	for i, s := range plan.Stages {
		onFail := "-"
		if s.OnFail != nil {
			onFail = fmt.Sprintf("goto %s (max %d)", s.OnFail.Goto, s.OnFail.MaxAttempts)
			if s.OnFail.ExhaustedStatus != "" {
				onFail += " -> " + string(s.OnFail.ExhaustedStatus)
			}
		}
		timeout := "-"
		if s.Timeout > 0 {
			timeout = s.Timeout.String()
		}
		w.AppendRow(table.Row{i, s.Name, s.Implementation(), s.Degree(), timeout, onFail})
	}
	w.SetColumnConfigs(right(1, 4))
	return render(out, m, w)
}

// Run writes a stored run record.
func Run(out io.Writer, m Mode, rec observer.RunRecord) error {
	w := newTable(m, "Run "+rec.RunID)
	finished := "-"
	if rec.FinishedAt != nil {
		finished = rec.FinishedAt.Format(time.RFC3339)
	}
	w.AppendRows([]table.Row{
		{"Plan", rec.Plan},
		{"Status", rec.Status},
		{"Items", rec.Items},
		{"Iterations", rec.Iterations},
		{"Tokens", rec.Tokens},
		{"Started", rec.StartedAt.Format(time.RFC3339)},
		{"Finished", finished},
	})
	if err := render(out, m, w); err != nil {
		return err
	}
	if len(rec.Counts) == 0 {
		return nil
	}
	return Counts(out, m, rec.Counts)
}
