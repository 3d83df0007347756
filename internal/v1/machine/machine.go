// Package machine interprets the statechart block of a game
// definition: named states, guarded transitions, entry/exit actions,
// and delayed transitions on the room clock. The interpreter never
// touches replicated state itself; every write goes through the action
// runtime it is handed.
package machine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"k8s.io/utils/set"

	"github.com/stateroom-dev/stateroom/internal/v1/actions"
)

// Machine is the statechart as authored. Context is server-only
// scratch data merged into the evaluation views.
type Machine struct {
	ID      string                `json:"id"`
	Initial string                `json:"initial"`
	Context map[string]any        `json:"context,omitempty"`
	States  map[string]*StateNode `json:"states"`
}

// StateNode is one named state. After keys are millisecond delays
// written as strings, the way statechart JSON is authored.
type StateNode struct {
	On    map[string]TransitionList `json:"on,omitempty"`
	After map[string]TransitionList `json:"after,omitempty"`
	Entry actions.SpecList          `json:"entry,omitempty"`
	Exit  actions.SpecList          `json:"exit,omitempty"`
	Type  string                    `json:"type,omitempty"`
}

// Final reports whether the state absorbs events it has no handler
// for.
func (n *StateNode) Final() bool {
	return n != nil && n.Type == "final"
}

// Transition is one candidate edge. An empty Target makes it internal:
// actions run, the state does not change, timers stay armed.
type Transition struct {
	Target  string           `json:"target,omitempty"`
	Cond    any              `json:"cond,omitempty"`
	Actions actions.SpecList `json:"actions,omitempty"`
}

func (t *Transition) UnmarshalJSON(data []byte) error {
	// Bare-string shorthand: "finished" means {target: "finished"}.
	var target string
	if err := json.Unmarshal(data, &target); err == nil {
		*t = Transition{Target: target}
		return nil
	}

	type plain Transition
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("transition must be an object or a target string: %w", err)
	}
	*t = Transition(p)
	return nil
}

// TransitionList accepts a single transition or a list; candidates are
// evaluated in authored order.
type TransitionList []Transition

func (l *TransitionList) UnmarshalJSON(data []byte) error {
	var many []Transition
	if err := json.Unmarshal(data, &many); err == nil {
		*l = many
		return nil
	}

	var one Transition
	if err := one.UnmarshalJSON(data); err != nil {
		return err
	}
	*l = TransitionList{one}
	return nil
}

// Validate checks the machine's internal references: a declared
// initial state, resolvable transition targets, and parseable after
// delays. Problems are accumulated so authors see them all at once.
func (m *Machine) Validate() error {
	var problems []string
	if len(m.States) == 0 {
		problems = append(problems, "machine.states must declare at least one state")
	}
	if m.Initial == "" {
		problems = append(problems, "machine.initial is required")
	} else if _, ok := m.States[m.Initial]; !ok && len(m.States) > 0 {
		problems = append(problems, fmt.Sprintf("machine.initial %q is not a declared state", m.Initial))
	}

	for _, name := range sortedStateNames(m.States) {
		node := m.States[name]
		if node == nil {
			problems = append(problems, fmt.Sprintf("state %q is null", name))
			continue
		}
		for event, list := range node.On {
			problems = append(problems, checkTargets(m, name, "on."+event, list)...)
		}
		for delay, list := range node.After {
			if ms, err := strconv.Atoi(delay); err != nil || ms < 0 {
				problems = append(problems, fmt.Sprintf("state %q: after key %q is not a non-negative millisecond count", name, delay))
			}
			problems = append(problems, checkTargets(m, name, "after."+delay, list)...)
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("invalid machine: %s", strings.Join(problems, "; "))
	}
	return nil
}

func checkTargets(m *Machine, state, edge string, list TransitionList) []string {
	var problems []string
	for i, tr := range list {
		if tr.Target == "" {
			continue
		}
		if _, ok := m.States[tr.Target]; !ok {
			problems = append(problems, fmt.Sprintf("state %q: %s[%d] targets undeclared state %q", state, edge, i, tr.Target))
		}
	}
	return problems
}

// EventNames returns the union of event names any state handles. The
// room registers exactly this set as accepted inbound events.
func (m *Machine) EventNames() set.Set[string] {
	names := set.New[string]()
	for _, node := range m.States {
		if node == nil {
			continue
		}
		for event := range node.On {
			names.Insert(event)
		}
	}
	return names
}

// ActionSpecs returns every action descriptor the machine references,
// including those nested in when branches and scheduled batches. The
// definition loader checks them against the runtime catalogue.
func (m *Machine) ActionSpecs() []actions.Spec {
	var specs []actions.Spec
	for _, name := range sortedStateNames(m.States) {
		node := m.States[name]
		if node == nil {
			continue
		}
		specs = appendSpecs(specs, node.Entry)
		specs = appendSpecs(specs, node.Exit)
		for _, event := range sortedKeys(node.On) {
			for _, tr := range node.On[event] {
				specs = appendSpecs(specs, tr.Actions)
			}
		}
		for _, delay := range sortedKeys(node.After) {
			for _, tr := range node.After[delay] {
				specs = appendSpecs(specs, tr.Actions)
			}
		}
	}
	return specs
}

func appendSpecs(specs []actions.Spec, list actions.SpecList) []actions.Spec {
	for _, spec := range list {
		specs = append(specs, spec)
		specs = appendSpecs(specs, nestedSpecs(spec))
	}
	return specs
}

// nestedSpecs pulls the action lists out of when branches and
// scheduled batches. Malformed branches are ignored here; the runtime
// reports them when they execute.
func nestedSpecs(spec actions.Spec) actions.SpecList {
	var nested actions.SpecList
	for _, key := range []string{"then", "else", "actions"} {
		raw, ok := spec.Params[key]
		if !ok {
			continue
		}
		if branch, err := actions.SpecsFromParam(raw); err == nil {
			nested = append(nested, branch...)
		}
	}
	return nested
}

func sortedStateNames(states map[string]*StateNode) []string {
	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
