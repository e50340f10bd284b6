// Package blocks composes generic LLM stages from three named building
// blocks: a prepare function that turns an item into prompt data, an apply
// function that writes the model's result back onto the item, and a shape
// describing the JSON the model must return. Blocks are looked up by key in a
// Table when a plan is loaded, so unknown keys fail before any item is
// processed.
package blocks

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dcshock/contentpipe/pipeline"
)

// Slot names one of the three block kinds.
type Slot string

const (
	SlotPrepare Slot = "prepare"
	SlotApply   Slot = "apply"
	SlotShape   Slot = "shape"
)

// PrepareFunc builds the template data for one item.
type PrepareFunc func(it *pipeline.Item) (map[string]any, error)

// ApplyFunc records a parsed model result on the item, including its status
// change. result has the dynamic type of the bound shape.
type ApplyFunc func(it *pipeline.Item, stage string, result any) error

// UnknownKeyError reports a block key missing from the table.
type UnknownKeyError struct {
	Slot  Slot
	Key   string
	Known []string
}

func (e *UnknownKeyError) Error() string {
	return fmt.Sprintf("blocks: unknown %s key %q (known: %s)", e.Slot, e.Key, strings.Join(e.Known, ", "))
}

// ShapeError reports a model reply that does not match the expected shape.
type ShapeError struct {
	Shape   string
	Missing []string
	Err     error
}

func (e *ShapeError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("reply does not match shape %q: missing %s", e.Shape, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("reply does not match shape %q: %v", e.Shape, e.Err)
}

func (e *ShapeError) Unwrap() error { return e.Err }

// IsUnknownKey reports whether err is or wraps an UnknownKeyError.
func IsUnknownKey(err error) bool { return errors.As(err, new(*UnknownKeyError)) }

// Keys selects one block per slot.
type Keys struct {
	Prepare string
	Apply   string
	Shape   string
}

// Binding is a resolved set of blocks.
type Binding struct {
	Keys    Keys
	Prepare PrepareFunc
	Apply   ApplyFunc
	Shape   Shape
}

// Table holds the blocks available to stages. Tables are built at start-up
// and read-only afterwards.
type Table struct {
	prepare map[string]PrepareFunc
	apply   map[string]ApplyFunc
	shapes  map[string]Shape
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{
		prepare: make(map[string]PrepareFunc),
		apply:   make(map[string]ApplyFunc),
		shapes:  make(map[string]Shape),
	}
}

// AddPrepare registers a prepare block.
func (t *Table) AddPrepare(key string, fn PrepareFunc) *Table { t.prepare[key] = fn; return t }

// AddApply registers an apply block.
func (t *Table) AddApply(key string, fn ApplyFunc) *Table { t.apply[key] = fn; return t }

// AddShape registers a shape under key.
func (t *Table) AddShape(key string, s Shape) *Table { t.shapes[key] = s; return t }

// Resolve looks up all three keys.
func (t *Table) Resolve(k Keys) (Binding, error) {
	b := Binding{Keys: k}
	var ok bool
	if b.Prepare, ok = t.prepare[k.Prepare]; !ok {
		return Binding{}, &UnknownKeyError{Slot: SlotPrepare, Key: k.Prepare, Known: keys(t.prepare)}
	}
	if b.Apply, ok = t.apply[k.Apply]; !ok {
		return Binding{}, &UnknownKeyError{Slot: SlotApply, Key: k.Apply, Known: keys(t.apply)}
	}
	if b.Shape, ok = t.shapes[k.Shape]; !ok {
		return Binding{}, &UnknownKeyError{Slot: SlotShape, Key: k.Shape, Known: keys(t.shapes)}
	}
	return b, nil
}

// Keys lists the registered keys of a slot, sorted.
func (t *Table) Keys(s Slot) []string {
	switch s {
	case SlotPrepare:
		return keys(t.prepare)
	case SlotApply:
		return keys(t.apply)
	case SlotShape:
		return keys(t.shapes)
	}
	return nil
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
