package httpstages

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/dcshock/contentpipe/pipeline"
)

// Finding codes.
const (
	CodeSourceUnavailable = "source_unavailable"
	CodeBadSource         = "bad_source"
)

// Formats of the fetched body.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Params configure a FetchStage.
type Params struct {
	// URLField is the payload key holding the URL. Items without it pass
	// through unchanged.
	URLField string `yaml:"url_field"`
	// Into is the payload key the fetched text is written to.
	Into        string `yaml:"into"`
	Format      string `yaml:"format"`
	Select      string `yaml:"select"`
	ContentType string `yaml:"content_type"`
	MaxBytes    int64  `yaml:"max_bytes"`
	// RequestsPerSecond limits fetches within one invocation when > 0.
	RequestsPerSecond float64           `yaml:"requests_per_second"`
	Severity          pipeline.Severity `yaml:"severity"`
	Statuses          []string          `yaml:"statuses"`
}

// ParseParams decodes and checks fetch parameters. Unknown keys are rejected.
func ParseParams(params map[string]any) (Params, error) {
	p := Params{URLField: "source_url", Into: "source", Format: FormatText, MaxBytes: DefaultMaxBytes, Severity: pipeline.SeverityFatal}
	if len(params) > 0 {
		raw, err := yaml.Marshal(params)
		if err != nil {
			return p, fmt.Errorf("encode params: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&p); err != nil {
			return p, fmt.Errorf("params: %w", err)
		}
	}
	var errs []error
	if p.URLField == "" || p.Into == "" {
		errs = append(errs, errors.New("url_field and into must not be empty"))
	}
	if p.Format != FormatText && p.Format != FormatJSON {
		errs = append(errs, fmt.Errorf("format %q must be text or json", p.Format))
	}
	if p.Select != "" && p.Format != FormatJSON {
		errs = append(errs, errors.New("select needs format json"))
	}
	if p.MaxBytes <= 0 {
		errs = append(errs, errors.New("max_bytes must be positive"))
	}
	if p.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("requests_per_second must not be negative"))
	}
	if p.Severity != pipeline.SeverityFatal && p.Severity != pipeline.SeverityWarning {
		errs = append(errs, fmt.Errorf("severity %q must be fatal or warning", p.Severity))
	}
	return p, errors.Join(errs...)
}

// FetchStage loads reference material for items over HTTP.
type FetchStage struct {
	client *http.Client
	log    *slog.Logger
}

// Fetch returns a FetchStage. If client is nil, http.DefaultClient is used.
func Fetch(client *http.Client, log *slog.Logger) *FetchStage {
	if client == nil {
		client = http.DefaultClient
	}
	return &FetchStage{client: client, log: log}
}

// ValidateParams implements pipeline.ParamValidator.
func (s *FetchStage) ValidateParams(params map[string]any) error {
	_, err := ParseParams(params)
	return err
}

// Execute implements pipeline.Stage. A fetch error becomes a finding: with
// severity fatal the item moves to fatal, with warning it keeps its status.
// Only cancellation of ctx is returned as an error.
func (s *FetchStage) Execute(ctx context.Context, items []*pipeline.Item, _ *pipeline.RunContext) ([]*pipeline.Item, error) {
	name := "fetch_source"
	var params map[string]any
	if m, ok := pipeline.StageFromContext(ctx); ok {
		name, params = m.Spec.Name, m.Spec.Params
	}
	p, err := ParseParams(params)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	acts := map[pipeline.Status]bool{pipeline.StatusPending: true}
	if len(p.Statuses) > 0 {
		acts = make(map[pipeline.Status]bool, len(p.Statuses))
		for _, st := range p.Statuses {
			acts[pipeline.Status(st)] = true
		}
	}
	var limiter *rate.Limiter
	if p.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(p.RequestsPerSecond), 1)
	}

	for _, it := range items {
		url, _ := it.Payload[p.URLField].(string)
		if !acts[it.Status] || strings.TrimSpace(url) == "" {
			continue
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		text, code, err := s.fetch(ctx, p, url)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if err := s.fail(it, name, p.Severity, code, err); err != nil {
				return nil, err
			}
			continue
		}
		if it.Payload == nil {
			it.Payload = make(map[string]any)
		}
		it.Payload[p.Into] = text
		it.Visit(name, fmt.Sprintf("fetched %d characters from %s", len(text), url))
	}
	return items, nil
}

// fetch returns the text to store or an error with its finding code.
func (s *FetchStage) fetch(ctx context.Context, p Params, url string) (string, string, error) {
	body, ctype, err := get(ctx, s.client, url, p.MaxBytes)
	if err != nil {
		return "", CodeSourceUnavailable, err
	}
	if err := expectContentType(ctype, p.ContentType); err != nil {
		return "", CodeBadSource, err
	}
	if p.Format == FormatJSON {
		text, err := extractJSON(body, p.Select)
		if err != nil {
			return "", CodeBadSource, err
		}
		return text, "", nil
	}
	return string(body), "", nil
}

func (s *FetchStage) fail(it *pipeline.Item, stage string, sev pipeline.Severity, code string, cause error) error {
	it.AddFinding(pipeline.Finding{Code: code, Field: "source", Message: cause.Error(), Severity: sev})
	if s.log != nil {
		s.log.Warn("fetch failed", "stage", stage, "item", it.TempID, "error", cause)
	}
	if sev == pipeline.SeverityFatal {
		return it.Advance(stage, pipeline.StatusFatal, "source fetch failed")
	}
	it.Visit(stage, "source fetch failed")
	return nil
}
