// Package paths resolves dotted paths against the replicated state
// graph and against plain snapshot views. A path like
// "players.abc123.score" descends through records by field name and
// through keyed collections by entry key, so the same syntax works in
// action parameters, token templates, and logic trees.
package paths

import (
	"fmt"
	"strconv"
	"strings"
)

// Keyed is the traversal surface of a keyed collection. A container
// implementing Keyed is always descended by entry key, never by field
// name.
type Keyed interface {
	GetKey(key string) (any, bool)
	SetKey(key string, value any) error
	// EnsureKey returns the entry at key, creating an empty element
	// first when none exists. Used by Set to descend through missing
	// intermediates.
	EnsureKey(key string) (any, error)
}

// Record is the traversal surface of a typed record with declared
// fields.
type Record interface {
	GetField(name string) (any, bool)
	SetField(name string, value any) error
	// EnsureField returns the value at name, creating the field's
	// typed empty container first when the field is unset.
	EnsureField(name string) (any, error)
}

// Indexed is the read-only traversal surface of an ordered sequence,
// reachable from numeric path segments.
type Indexed interface {
	At(i int) (any, bool)
	Len() int
}

// Split breaks a dotted path into segments, dropping empty ones so
// leading, trailing, and doubled dots are ignored.
func Split(path string) []string {
	if path == "" {
		return nil
	}
	parts := strings.Split(path, ".")
	segs := parts[:0]
	for _, p := range parts {
		if p != "" {
			segs = append(segs, p)
		}
	}
	return segs
}

// Get resolves path against root and reports whether every segment
// resolved. A nil root or an unresolvable segment yields (nil, false).
func Get(root any, path string) (any, bool) {
	cur := root
	for _, seg := range Split(path) {
		var ok bool
		cur, ok = step(cur, seg)
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func step(cur any, seg string) (any, bool) {
	switch c := cur.(type) {
	case nil:
		return nil, false
	case Keyed:
		return c.GetKey(seg)
	case Record:
		return c.GetField(seg)
	case map[string]any:
		v, ok := c[seg]
		return v, ok
	case Indexed:
		i, err := strconv.Atoi(seg)
		if err != nil {
			return nil, false
		}
		return c.At(i)
	case []any:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= len(c) {
			return nil, false
		}
		return c[i], true
	default:
		return nil, false
	}
}

// Set writes value at path under root. Missing intermediates are
// created: plain records grow nested records, keyed collections create
// an empty element at the key and descend. Writing through a
// non-container or to an undeclared field returns an error; an empty
// path is a no-op.
func Set(root any, path string, value any) error {
	segs := Split(path)
	if len(segs) == 0 {
		return nil
	}

	cur := root
	for _, seg := range segs[:len(segs)-1] {
		next, err := descend(cur, seg)
		if err != nil {
			return fmt.Errorf("path %q at segment %q: %w", path, seg, err)
		}
		cur = next
	}

	last := segs[len(segs)-1]
	if err := assign(cur, last, value); err != nil {
		return fmt.Errorf("path %q at segment %q: %w", path, last, err)
	}
	return nil
}

func descend(cur any, seg string) (any, error) {
	switch c := cur.(type) {
	case nil:
		return nil, fmt.Errorf("cannot descend into nil")
	case Keyed:
		return c.EnsureKey(seg)
	case Record:
		return c.EnsureField(seg)
	case map[string]any:
		if v, ok := c[seg]; ok && v != nil {
			return v, nil
		}
		nested := map[string]any{}
		c[seg] = nested
		return nested, nil
	default:
		return nil, fmt.Errorf("cannot descend into %T", cur)
	}
}

func assign(cur any, seg string, value any) error {
	switch c := cur.(type) {
	case nil:
		return fmt.Errorf("cannot write into nil")
	case Keyed:
		return c.SetKey(seg, value)
	case Record:
		return c.SetField(seg, value)
	case map[string]any:
		c[seg] = value
		return nil
	default:
		return fmt.Errorf("cannot write a field on %T", cur)
	}
}
