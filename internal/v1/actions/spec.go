package actions

import (
	"encoding/json"
	"fmt"
)

// Spec is one action descriptor as authored in a definition: a type
// name from the catalogue plus its parameter tree.
type Spec struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// SpecList accepts both a single action object and a list of them,
// since definitions write entry/exit/actions either way.
type SpecList []Spec

func (l *SpecList) UnmarshalJSON(data []byte) error {
	var many []Spec
	if err := json.Unmarshal(data, &many); err == nil {
		*l = many
		return nil
	}

	var one Spec
	if err := json.Unmarshal(data, &one); err != nil {
		return fmt.Errorf("actions must be an action object or a list of them: %w", err)
	}
	*l = SpecList{one}
	return nil
}

// SpecsFromParam coerces an already-decoded parameter value (the
// then/else/actions branches of when and scheduleActions) into specs.
func SpecsFromParam(v any) ([]Spec, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []any:
		specs := make([]Spec, 0, len(t))
		for i, item := range t {
			spec, err := specFromValue(item)
			if err != nil {
				return nil, fmt.Errorf("action %d: %w", i, err)
			}
			specs = append(specs, spec)
		}
		return specs, nil
	case map[string]any:
		spec, err := specFromValue(t)
		if err != nil {
			return nil, err
		}
		return []Spec{spec}, nil
	default:
		return nil, fmt.Errorf("expected an action object or list, got %T", v)
	}
}

func specFromValue(v any) (Spec, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return Spec{}, fmt.Errorf("expected an action object, got %T", v)
	}
	name, _ := m["type"].(string)
	if name == "" {
		return Spec{}, fmt.Errorf("action object is missing a type")
	}
	params, _ := m["params"].(map[string]any)
	return Spec{Type: name, Params: params}, nil
}
