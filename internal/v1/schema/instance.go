package schema

import (
	"encoding/json"
	"fmt"
)

// Instance is one live record of a built class. Field access goes
// through the descriptor, so only declared fields ever exist; that is
// the invariant the whole action runtime leans on.
type Instance struct {
	class  *ClassDescriptor
	fields map[string]any
}

func newInstance(class *ClassDescriptor) *Instance {
	inst := &Instance{
		class:  class,
		fields: make(map[string]any, len(class.Fields)),
	}
	for _, fd := range class.Fields {
		switch fd.Kind {
		case KindMap:
			inst.fields[fd.Name] = newCollection(fd.Elem)
		case KindArray:
			inst.fields[fd.Name] = newSequence(fd.Elem, fd.Primitive)
		}
	}
	return inst
}

func (i *Instance) applyDefaults() {
	for name, value := range i.class.Defaults {
		i.fields[name] = value
	}
}

// Class returns the instance's descriptor.
func (i *Instance) Class() *ClassDescriptor {
	return i.class
}

// GetField returns the value of a declared field. Unset fields report
// false.
func (i *Instance) GetField(name string) (any, bool) {
	if _, ok := i.class.Field(name); !ok {
		return nil, false
	}
	v, ok := i.fields[name]
	return v, ok
}

// SetField writes a declared field. Writing an undeclared field is an
// error; explicit nil is a legitimate write.
func (i *Instance) SetField(name string, value any) error {
	if _, ok := i.class.Field(name); !ok {
		return fmt.Errorf("class %q has no field %q", i.class.Name, name)
	}
	i.fields[name] = value
	return nil
}

// AssignField writes a declared field from plain decoded data,
// coercing containers to their typed forms: arrays become sequences,
// map fields become keyed collections of element instances, and ref
// records become nested instances with defaults applied. Primitive
// fields take the value as-is.
func (i *Instance) AssignField(name string, value any) error {
	fd, ok := i.class.Field(name)
	if !ok {
		return fmt.Errorf("class %q has no field %q", i.class.Name, name)
	}
	coerced, err := coerce(fd, value)
	if err != nil {
		return fmt.Errorf("field %q of class %q: %w", name, i.class.Name, err)
	}
	i.fields[name] = coerced
	return nil
}

func coerce(fd *FieldDescriptor, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch fd.Kind {
	case KindRef:
		return coerceInstance(fd.Elem, value)
	case KindMap:
		if c, ok := value.(*Collection); ok {
			return c, nil
		}
		record, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected an object of %q records, got %T", fd.Elem.Name, value)
		}
		c := newCollection(fd.Elem)
		for _, key := range sortedKeys(record) {
			elem, err := coerceInstance(fd.Elem, record[key])
			if err != nil {
				return nil, fmt.Errorf("entry %q: %w", key, err)
			}
			if err := c.SetKey(key, elem); err != nil {
				return nil, err
			}
		}
		return c, nil
	case KindArray:
		if s, ok := value.(*Sequence); ok {
			return s, nil
		}
		items, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("expected an array, got %T", value)
		}
		s := newSequence(fd.Elem, fd.Primitive)
		for idx, item := range items {
			if fd.Elem == nil {
				s.Append(item)
				continue
			}
			elem, err := coerceInstance(fd.Elem, item)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", idx, err)
			}
			s.Append(elem)
		}
		return s, nil
	default:
		return value, nil
	}
}

func coerceInstance(class *ClassDescriptor, value any) (*Instance, error) {
	if inst, ok := value.(*Instance); ok {
		return inst, nil
	}
	record, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a %q record, got %T", class.Name, value)
	}
	inst := newInstance(class)
	inst.applyDefaults()
	for _, name := range sortedKeys(record) {
		if err := inst.AssignField(name, record[name]); err != nil {
			return nil, err
		}
	}
	return inst, nil
}

// EnsureField returns the value at name for path descent, creating an
// empty element for unset ref fields. Primitive fields cannot be
// descended into.
func (i *Instance) EnsureField(name string) (any, error) {
	fd, ok := i.class.Field(name)
	if !ok {
		return nil, fmt.Errorf("class %q has no field %q", i.class.Name, name)
	}
	if v, ok := i.fields[name]; ok && v != nil {
		return v, nil
	}
	switch fd.Kind {
	case KindRef:
		elem := newInstance(fd.Elem)
		i.fields[name] = elem
		return elem, nil
	case KindMap:
		c := newCollection(fd.Elem)
		i.fields[name] = c
		return c, nil
	case KindArray:
		s := newSequence(fd.Elem, fd.Primitive)
		i.fields[name] = s
		return s, nil
	default:
		return nil, fmt.Errorf("cannot descend through primitive field %q of class %q", name, i.class.Name)
	}
}

// Plain returns a deep plain-data snapshot of the instance for logic
// views and replication. Unset fields are omitted; containers are
// always present.
func (i *Instance) Plain() map[string]any {
	out := make(map[string]any, len(i.fields))
	for _, fd := range i.class.Fields {
		v, ok := i.fields[fd.Name]
		if !ok {
			continue
		}
		out[fd.Name] = plainValue(v)
	}
	return out
}

func plainValue(v any) any {
	switch t := v.(type) {
	case *Instance:
		return t.Plain()
	case *Collection:
		return t.Plain()
	case *Sequence:
		return t.Plain()
	default:
		return v
	}
}

// MarshalJSON emits the plain snapshot. encoding/json sorts map keys,
// so replication output is deterministic.
func (i *Instance) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.Plain())
}
