// Package definition loads and validates game definitions: the state
// schema DSL, the statechart, static game data, and the advisory
// action allowlist. A definition that fails validation never reaches a
// room; everything that can be caught before the first event is caught
// here.
package definition

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"k8s.io/utils/set"

	"github.com/stateroom-dev/stateroom/internal/v1/actions"
	"github.com/stateroom-dev/stateroom/internal/v1/machine"
	"github.com/stateroom-dev/stateroom/internal/v1/schema"
)

//go:embed definition.schema.json
var structuralSchema string

// Definition is one game definition as authored: identity, the state
// classes, the machine, and free-form static data guards and actions
// read as data.*.
type Definition struct {
	ID      string           `json:"id"`
	Name    string           `json:"name,omitempty"`
	Version string           `json:"version,omitempty"`
	Schema  *schema.DSL      `json:"schema"`
	Machine *machine.Machine `json:"machine"`
	Data    map[string]any   `json:"data,omitempty"`
	Actions []string         `json:"actions,omitempty"`

	table *schema.Table
}

// Parse decodes raw definition JSON. Structural validation against the
// embedded JSON Schema runs first so authors get field-level errors,
// then the decoded definition is cross-validated.
func Parse(raw []byte) (*Definition, error) {
	if err := validateStructure(raw); err != nil {
		return nil, err
	}
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func validateStructure(raw []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(structuralSchema),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return fmt.Errorf("definition is not valid JSON: %w", err)
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	return fmt.Errorf("definition failed structural validation: %s", strings.Join(problems, "; "))
}

// Validate cross-checks internal references: the class table builds,
// the machine's initial state and transition targets resolve, and
// every action the machine names exists in the runtime catalogue.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("definition.id is required")
	}
	table, err := schema.Build(d.Schema)
	if err != nil {
		return err
	}
	d.table = table

	if d.Machine == nil {
		return fmt.Errorf("definition.machine is required")
	}
	if err := d.Machine.Validate(); err != nil {
		return err
	}

	unknown, _ := d.actionGaps()
	if len(unknown) > 0 {
		return fmt.Errorf("machine references actions outside the runtime catalogue: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// Table returns the class table built during validation, building it
// on first use for definitions constructed in code.
func (d *Definition) Table() (*schema.Table, error) {
	if d.table == nil {
		table, err := schema.Build(d.Schema)
		if err != nil {
			return nil, err
		}
		d.table = table
	}
	return d.table, nil
}

// UnlistedActions returns machine actions missing from the advisory
// allowlist. Empty when no allowlist is declared; the loader surfaces
// these as warnings rather than failures.
func (d *Definition) UnlistedActions() []string {
	_, unlisted := d.actionGaps()
	return unlisted
}

func (d *Definition) actionGaps() (unknown, unlisted []string) {
	if d.Machine == nil {
		return nil, nil
	}
	used := set.New[string]()
	for _, spec := range d.Machine.ActionSpecs() {
		used.Insert(spec.Type)
	}
	unknown = used.Difference(set.New(actions.Known()...)).SortedList()
	if len(d.Actions) > 0 {
		unlisted = used.Difference(set.New(d.Actions...)).SortedList()
	}
	return unknown, unlisted
}
