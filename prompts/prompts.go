// Package prompts loads named prompt templates for LLM-backed stages.
package prompts

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"
	"text/template"
)

// Ext is the file extension of prompt templates in an FSStore.
const Ext = ".tmpl"

// Store resolves prompt names to templates.
type Store interface {
	Load(name string) (*Template, error)
}

// NotFoundError is returned by Load when no prompt has the given name.
type NotFoundError struct{ Name string }

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("prompts: prompt %q not found", e.Name)
}

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool { return errors.As(err, new(*NotFoundError)) }

// Template is a parsed prompt.
type Template struct {
	Name   string
	Source string
	tmpl   *template.Template
}

var funcs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.MarshalIndent(v, "", "  ")
		return string(b), err
	},
	"join": strings.Join,
	"default": func(def, v any) any {
		if v == nil || v == "" {
			return def
		}
		return v
	},
}

// Parse compiles text as a prompt template. Missing map keys render as errors.
func Parse(name, text string) (*Template, error) {
	t, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("prompts: parse %q: %w", name, err)
	}
	return &Template{Name: name, Source: text, tmpl: t}, nil
}

// Render executes the template with data.
func (t *Template) Render(data any) (string, error) {
	var b strings.Builder
	if err := t.tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("prompts: render %q: %w", t.Name, err)
	}
	return b.String(), nil
}

// FSStore loads "<name>.tmpl" files from a file system and caches the parsed
// result. Safe for concurrent use.
type FSStore struct {
	fsys fs.FS

	mu    sync.Mutex
	cache map[string]*Template
}

// NewFSStore returns a store over fsys (for example os.DirFS(dir)).
func NewFSStore(fsys fs.FS) *FSStore {
	return &FSStore{fsys: fsys, cache: make(map[string]*Template)}
}

// Load implements Store.
func (s *FSStore) Load(name string) (*Template, error) {
	if name == "" || !fs.ValidPath(name) {
		return nil, &NotFoundError{Name: name}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.cache[name]; ok {
		return t, nil
	}
	b, err := fs.ReadFile(s.fsys, path.Clean(name)+Ext)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &NotFoundError{Name: name}
	}
	if err != nil {
		return nil, fmt.Errorf("prompts: read %q: %w", name, err)
	}
	t, err := Parse(name, string(b))
	if err != nil {
		return nil, err
	}
	s.cache[name] = t
	return t, nil
}

// Names lists the prompts available in the store, sorted.
func (s *FSStore) Names() ([]string, error) {
	matches, err := fs.Glob(s.fsys, "*"+Ext)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(matches))
	for i, m := range matches {
		names[i] = strings.TrimSuffix(m, Ext)
	}
	return names, nil
}

// MapStore serves prompts from memory, keyed by name.
type MapStore map[string]string

// Load implements Store.
func (m MapStore) Load(name string) (*Template, error) {
	text, ok := m[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return Parse(name, text)
}
