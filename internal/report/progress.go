package report

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dcshock/contentpipe/pipeline"
)

// Progress returns an observer that writes one line per run event to w.
func Progress(w io.Writer) pipeline.Observer {
	return &progress{w: w}
}

type progress struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *progress) printf(format string, args ...any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := fmt.Fprintf(p.w, format+"\n", args...)
	return err
}

func (p *progress) BeforeRun(_ context.Context, runID, plan string, items []*pipeline.Item) error {
	return p.printf("run %s (%s): %d items", runID, plan, len(items))
}

func (p *progress) AfterRun(_ context.Context, res *pipeline.Result) error {
	counts := res.Counts()
	parts := make([]string, 0, len(counts))
	for st, n := range counts {
		parts = append(parts, fmt.Sprintf("%s=%d", st, n))
	}
	sort.Strings(parts)
	return p.printf("run %s done: %s", res.RunID, strings.Join(parts, " "))
}

func (p *progress) BeforeStage(context.Context, string, int, pipeline.StageSpec, []*pipeline.Item) error {
	return nil
}

func (p *progress) AfterStage(_ context.Context, _ string, _ int, spec pipeline.StageSpec, r pipeline.StageReport, _ []*pipeline.Item, d time.Duration) error {
	line := fmt.Sprintf("stage %s visit %d: %d items, %d redirected, %d exhausted (%s)",
		spec.Name, r.Visit, r.Eligible, r.Redirected, r.Exhausted, d.Round(time.Millisecond))
	if r.Error != "" {
		line += ": " + r.Error
	}
	return p.printf("%s", line)
}
