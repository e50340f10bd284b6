package prompts

import (
	"embed"
	"io/fs"
)

//go:embed defaults/*.tmpl
var defaultFS embed.FS

// Defaults returns the built-in prompts used by the generate, review and
// refine stages.
func Defaults() *FSStore {
	sub, err := fs.Sub(defaultFS, "defaults")
	if err != nil {
		panic(err)
	}
	return NewFSStore(sub)
}

// Layered tries each store in order and returns the first prompt found.
type Layered []Store

// Load implements Store.
func (l Layered) Load(name string) (*Template, error) {
	for _, s := range l {
		t, err := s.Load(name)
		if IsNotFound(err) {
			continue
		}
		return t, err
	}
	return nil, &NotFoundError{Name: name}
}
