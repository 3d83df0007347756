// Package schema turns the definition's class/field DSL into runtime
// state classes. A built Table hands out instances whose declared
// field set is fixed; keyed collections and ordered sequences cover
// the map and array field kinds. Instances participate in dotted-path
// traversal and marshal deterministically for replication.
package schema

import (
	"fmt"
	"sort"
	"strings"
)

// DSL is the schema block of a game definition as authored.
type DSL struct {
	Root     string                          `json:"root"`
	Classes  map[string]map[string]FieldSpec `json:"classes"`
	Defaults map[string]map[string]any       `json:"defaults,omitempty"`
}

// FieldSpec is one field declaration. Exactly one of the four keys is
// set in a well-formed definition.
type FieldSpec struct {
	Type  string `json:"type,omitempty"`
	Ref   string `json:"ref,omitempty"`
	Map   string `json:"map,omitempty"`
	Array string `json:"array,omitempty"`
}

// FieldKind tags how a field stores its value.
type FieldKind int

const (
	KindPrimitive FieldKind = iota
	KindRef
	KindMap
	KindArray
)

func (k FieldKind) String() string {
	switch k {
	case KindPrimitive:
		return "primitive"
	case KindRef:
		return "ref"
	case KindMap:
		return "map"
	case KindArray:
		return "array"
	default:
		return "unknown"
	}
}

var primitives = map[string]bool{
	"string":  true,
	"number":  true,
	"boolean": true,
}

// FieldDescriptor is the build-time metadata of one declared field.
// Elem is resolved in the second build pass so forward references
// between classes work.
type FieldDescriptor struct {
	Name      string
	Kind      FieldKind
	Primitive string           // primitive name for KindPrimitive and primitive arrays
	Elem      *ClassDescriptor // element class for ref/map/class arrays
}

// ClassDescriptor holds the fixed field set of one class plus its
// primitive defaults. Field order is sorted by name so replication and
// snapshots are deterministic regardless of authoring order.
type ClassDescriptor struct {
	Name     string
	Fields   []*FieldDescriptor
	Defaults map[string]any

	byName map[string]*FieldDescriptor
}

// Field looks up a declared field by name.
func (c *ClassDescriptor) Field(name string) (*FieldDescriptor, bool) {
	fd, ok := c.byName[name]
	return fd, ok
}

// Table is the built class table of one definition. Tables are
// immutable after Build and shared by every instance they produce.
type Table struct {
	root    *ClassDescriptor
	classes map[string]*ClassDescriptor
}

// Build compiles the DSL in two passes: declare every class, then bind
// field metadata so forward references resolve. Validation failures
// are accumulated and returned as one descriptive error.
func Build(dsl *DSL) (*Table, error) {
	if dsl == nil {
		return nil, fmt.Errorf("schema is required")
	}

	var errs []string
	if dsl.Root == "" {
		errs = append(errs, "schema.root is required")
	}
	if len(dsl.Classes) == 0 {
		errs = append(errs, "schema.classes must declare at least one class")
	}

	t := &Table{classes: make(map[string]*ClassDescriptor, len(dsl.Classes))}

	// Pass 1: declare descriptors for every class name.
	for name := range dsl.Classes {
		t.classes[name] = &ClassDescriptor{
			Name:   name,
			byName: map[string]*FieldDescriptor{},
		}
	}

	// Pass 2: bind field kinds and element classes.
	for _, className := range sortedKeys(dsl.Classes) {
		class := t.classes[className]
		fields := dsl.Classes[className]
		for _, fieldName := range sortedKeys(fields) {
			fd, err := bindField(fieldName, fields[fieldName], t.classes)
			if err != nil {
				errs = append(errs, fmt.Sprintf("class %q: %v", className, err))
				continue
			}
			class.Fields = append(class.Fields, fd)
			class.byName[fieldName] = fd
		}
	}

	// Primitive defaults attach per class; non-primitive defaults are
	// ignored at this layer.
	for className, defaults := range dsl.Defaults {
		class, ok := t.classes[className]
		if !ok {
			continue
		}
		for fieldName, value := range defaults {
			fd, ok := class.byName[fieldName]
			if !ok || fd.Kind != KindPrimitive {
				continue
			}
			if class.Defaults == nil {
				class.Defaults = map[string]any{}
			}
			class.Defaults[fieldName] = value
		}
	}

	if dsl.Root != "" {
		root, ok := t.classes[dsl.Root]
		if !ok {
			errs = append(errs, fmt.Sprintf("schema.root %q is not a declared class", dsl.Root))
		}
		t.root = root
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("schema validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return t, nil
}

func bindField(name string, spec FieldSpec, classes map[string]*ClassDescriptor) (*FieldDescriptor, error) {
	declared := 0
	for _, s := range []string{spec.Type, spec.Ref, spec.Map, spec.Array} {
		if s != "" {
			declared++
		}
	}
	if declared != 1 {
		return nil, fmt.Errorf("field %q must declare exactly one of type/ref/map/array", name)
	}

	switch {
	case spec.Type != "":
		if !primitives[spec.Type] {
			return nil, fmt.Errorf("field %q: unknown primitive type %q", name, spec.Type)
		}
		return &FieldDescriptor{Name: name, Kind: KindPrimitive, Primitive: spec.Type}, nil

	case spec.Ref != "":
		elem, ok := classes[spec.Ref]
		if !ok {
			return nil, fmt.Errorf("field %q: ref class %q is not declared", name, spec.Ref)
		}
		return &FieldDescriptor{Name: name, Kind: KindRef, Elem: elem}, nil

	case spec.Map != "":
		elem, ok := classes[spec.Map]
		if !ok {
			return nil, fmt.Errorf("field %q: map class %q is not declared", name, spec.Map)
		}
		return &FieldDescriptor{Name: name, Kind: KindMap, Elem: elem}, nil

	default:
		if primitives[spec.Array] {
			return &FieldDescriptor{Name: name, Kind: KindArray, Primitive: spec.Array}, nil
		}
		elem, ok := classes[spec.Array]
		if !ok {
			return nil, fmt.Errorf("field %q: array element %q is neither a primitive nor a declared class", name, spec.Array)
		}
		return &FieldDescriptor{Name: name, Kind: KindArray, Elem: elem}, nil
	}
}

// Root returns the root class descriptor.
func (t *Table) Root() *ClassDescriptor {
	return t.root
}

// Class looks up a declared class by name.
func (t *Table) Class(name string) (*ClassDescriptor, bool) {
	c, ok := t.classes[name]
	return c, ok
}

// ClassNames returns the declared class names in sorted order.
func (t *Table) ClassNames() []string {
	names := make([]string, 0, len(t.classes))
	for name := range t.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New constructs an empty instance of the named class: map and array
// fields get fresh containers, everything else stays unset.
func (t *Table) New(name string) (*Instance, error) {
	class, ok := t.classes[name]
	if !ok {
		return nil, fmt.Errorf("unknown class %q", name)
	}
	return newInstance(class), nil
}

// NewWithDefaults constructs an instance and assigns the class's
// primitive defaults.
func (t *Table) NewWithDefaults(name string) (*Instance, error) {
	inst, err := t.New(name)
	if err != nil {
		return nil, err
	}
	inst.applyDefaults()
	return inst, nil
}

// InstantiateWithDefaults returns a root instance with the root
// class's primitive defaults assigned.
func (t *Table) InstantiateWithDefaults() (*Instance, error) {
	if t.root == nil {
		return nil, fmt.Errorf("table has no root class")
	}
	return t.NewWithDefaults(t.root.Name)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
