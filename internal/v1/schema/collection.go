package schema

import (
	"encoding/json"
	"fmt"
)

// Collection is the keyed container backing map fields. Entries keep
// insertion order for stable iteration; the players roster is one of
// these keyed by session id.
type Collection struct {
	elem    *ClassDescriptor
	entries map[string]any
	order   []string
}

func newCollection(elem *ClassDescriptor) *Collection {
	return &Collection{
		elem:    elem,
		entries: map[string]any{},
	}
}

// ElemClass returns the declared element class.
func (c *Collection) ElemClass() *ClassDescriptor {
	return c.elem
}

// GetKey returns the entry at key.
func (c *Collection) GetKey(key string) (any, bool) {
	v, ok := c.entries[key]
	return v, ok
}

// SetKey inserts or replaces the entry at key. Replacement keeps the
// key's position in iteration order.
func (c *Collection) SetKey(key string, value any) error {
	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = value
	return nil
}

// EnsureKey returns the entry at key, creating an empty element of the
// collection's class first when none exists.
func (c *Collection) EnsureKey(key string) (any, error) {
	if v, ok := c.entries[key]; ok && v != nil {
		return v, nil
	}
	if c.elem == nil {
		return nil, fmt.Errorf("collection has no element class")
	}
	elem := newInstance(c.elem)
	if err := c.SetKey(key, elem); err != nil {
		return nil, err
	}
	return elem, nil
}

// Delete removes the entry at key and reports whether it existed.
func (c *Collection) Delete(key string) bool {
	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of entries.
func (c *Collection) Len() int {
	return len(c.entries)
}

// Keys returns the entry keys in insertion order.
func (c *Collection) Keys() []string {
	keys := make([]string, len(c.order))
	copy(keys, c.order)
	return keys
}

// Plain returns a deep plain-data snapshot keyed like the collection.
func (c *Collection) Plain() map[string]any {
	out := make(map[string]any, len(c.entries))
	for key, v := range c.entries {
		out[key] = plainValue(v)
	}
	return out
}

func (c *Collection) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Plain())
}

// Sequence is the ordered container backing array fields, holding
// either instances or primitives.
type Sequence struct {
	elem      *ClassDescriptor
	primitive string
	items     []any
}

func newSequence(elem *ClassDescriptor, primitive string) *Sequence {
	return &Sequence{elem: elem, primitive: primitive}
}

// Append adds an item at the end.
func (s *Sequence) Append(value any) {
	s.items = append(s.items, value)
}

// At returns the item at index i.
func (s *Sequence) At(i int) (any, bool) {
	if i < 0 || i >= len(s.items) {
		return nil, false
	}
	return s.items[i], true
}

// Len returns the number of items.
func (s *Sequence) Len() int {
	return len(s.items)
}

// Items returns a copy of the underlying slice.
func (s *Sequence) Items() []any {
	out := make([]any, len(s.items))
	copy(out, s.items)
	return out
}

// Plain returns a deep plain-data snapshot in order.
func (s *Sequence) Plain() []any {
	out := make([]any, len(s.items))
	for i, v := range s.items {
		out[i] = plainValue(v)
	}
	return out
}

func (s *Sequence) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Plain())
}
