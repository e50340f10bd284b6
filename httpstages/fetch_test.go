package httpstages

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/dcshock/contentpipe/internal/logging"
	"github.com/dcshock/contentpipe/pipeline"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/text", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("The moon pulls the sea."))
	})
	mux.HandleFunc("/json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"paper":{"abstract":"Tides follow the moon.","pages":[1,2]}}`))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func run(t *testing.T, params map[string]any, items ...*pipeline.Item) []*pipeline.Item {
	t.Helper()
	ctx := pipeline.WithStageMeta(context.Background(), pipeline.StageMeta{Spec: pipeline.StageSpec{Name: "fetch", Params: params}})
	out, err := Fetch(nil, logging.Discard()).Execute(ctx, items, nil)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func item(id, url string) *pipeline.Item {
	return &pipeline.Item{TempID: id, Status: pipeline.StatusPending, Payload: map[string]any{"brief": id, "source_url": url}}
}

func TestFetch_Text(t *testing.T) {
	ts := newServer(t)
	out := run(t, map[string]any{"content_type": "text/*"}, item("a", ts.URL+"/text"))
	if len(out) != 1 {
		t.Fatalf("expected 1 item, got %d", len(out))
	}
	if got := out[0].Payload["source"]; got != "The moon pulls the sea." {
		t.Errorf("source: got %q", got)
	}
	if out[0].Status != pipeline.StatusPending {
		t.Errorf("status: got %s", out[0].Status)
	}
	if len(out[0].Audit) != 1 || out[0].Audit[0].Stage != "fetch" {
		t.Errorf("audit: got %+v", out[0].Audit)
	}
}

func TestFetch_JSONSelect(t *testing.T) {
	ts := newServer(t)
	out := run(t, map[string]any{"format": "json", "select": "paper.abstract", "into": "notes"}, item("a", ts.URL+"/json"))
	if got := out[0].Payload["notes"]; got != "Tides follow the moon." {
		t.Errorf("notes: got %q", got)
	}

	out = run(t, map[string]any{"format": "json", "select": "paper.pages"}, item("b", ts.URL+"/json"))
	if got := out[0].Payload["source"]; got != "[1,2]" {
		t.Errorf("source: got %q", got)
	}
}

func TestFetch_Failures(t *testing.T) {
	ts := newServer(t)
	tests := []struct {
		name   string
		params map[string]any
		path   string
		code   string
		status pipeline.Status
	}{
		{"not found", nil, "/missing", CodeSourceUnavailable, pipeline.StatusFatal},
		{"wrong content type", map[string]any{"content_type": "application/json"}, "/text", CodeBadSource, pipeline.StatusFatal},
		{"bad json", map[string]any{"format": "json"}, "/text", CodeBadSource, pipeline.StatusFatal},
		{"missing key", map[string]any{"format": "json", "select": "paper.title"}, "/json", CodeBadSource, pipeline.StatusFatal},
		{"too large", map[string]any{"max_bytes": 4}, "/text", CodeSourceUnavailable, pipeline.StatusFatal},
		{"warning keeps status", map[string]any{"severity": "warning"}, "/missing", CodeSourceUnavailable, pipeline.StatusPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := run(t, tt.params, item("a", ts.URL+tt.path))
			if out[0].Status != tt.status {
				t.Errorf("status: got %s, want %s", out[0].Status, tt.status)
			}
			if len(out[0].Findings) != 1 {
				t.Fatalf("findings: got %+v", out[0].Findings)
			}
			if out[0].Findings[0].Code != tt.code {
				t.Errorf("code: got %s, want %s", out[0].Findings[0].Code, tt.code)
			}
			if _, ok := out[0].Payload["source"]; ok {
				t.Error("source written despite the failure")
			}
		})
	}
}

func TestFetch_SkipsItems(t *testing.T) {
	ts := newServer(t)
	noURL := &pipeline.Item{TempID: "plain", Status: pipeline.StatusPending, Payload: map[string]any{"brief": "x"}}
	done := item("done", ts.URL+"/text")
	done.Status = pipeline.StatusValidatedOK

	out := run(t, nil, noURL, done)
	for _, it := range out {
		if len(it.Audit) != 0 {
			t.Errorf("%s: unexpected audit %+v", it.TempID, it.Audit)
		}
		if _, ok := it.Payload["source"]; ok {
			t.Errorf("%s: source written", it.TempID)
		}
	}
}

func TestFetch_Cancelled(t *testing.T) {
	ts := newServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Fetch(ts.Client(), nil).Execute(ctx, []*pipeline.Item{item("a", ts.URL+"/text")}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestParseParams(t *testing.T) {
	p, err := ParseParams(nil)
	if err != nil {
		t.Fatal(err)
	}
	want := Params{URLField: "source_url", Into: "source", Format: FormatText, MaxBytes: DefaultMaxBytes, Severity: pipeline.SeverityFatal}
	if !reflect.DeepEqual(p, want) {
		t.Errorf("defaults: got %+v, want %+v", p, want)
	}

	for name, params := range map[string]map[string]any{
		"unknown key":       {"urls": "x"},
		"bad format":        {"format": "xml"},
		"select needs json": {"select": "a"},
		"error severity":    {"severity": "error"},
		"zero max bytes":    {"max_bytes": 0},
		"negative rate":     {"requests_per_second": -1},
	} {
		if _, err := ParseParams(params); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestExpectContentType(t *testing.T) {
	for _, tc := range []struct {
		got, want string
		ok        bool
	}{
		{"application/json; charset=utf-8", "application/json", true},
		{"text/html", "text/*", true},
		{"", "", true},
		{"text/html", "application/json", false},
		{"", "text/*", false},
	} {
		err := expectContentType(tc.got, tc.want)
		if (err == nil) != tc.ok {
			t.Errorf("expectContentType(%q, %q) = %v", tc.got, tc.want, err)
		}
		if err != nil && !strings.Contains(err.Error(), "content type") {
			t.Errorf("error %q does not name the content type", err)
		}
	}
}
