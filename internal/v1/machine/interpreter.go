package machine

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/stateroom-dev/stateroom/internal/v1/actions"
	"github.com/stateroom-dev/stateroom/internal/v1/clock"
	"github.com/stateroom-dev/stateroom/internal/v1/logging"
	"github.com/stateroom-dev/stateroom/internal/v1/logic"
	"github.com/stateroom-dev/stateroom/internal/v1/metrics"
)

// Interpreter drives one machine against one room's action runtime.
// Start, Send, and Stop belong to the room's serialized execution
// stream; delayed-transition callbacks re-enter it through the
// runtime's Serial lock, so from the machine's point of view there is
// exactly one logical thread.
type Interpreter struct {
	machine *Machine
	rt      *actions.Runtime

	current   string
	lastEvent map[string]any
	timers    []clock.Timer

	// gen increments on every state entry and on Stop. A delayed
	// callback that drained from the clock before its Cancel only acts
	// when its captured generation still matches.
	gen     uint64
	running bool
}

func NewInterpreter(m *Machine, rt *actions.Runtime) *Interpreter {
	return &Interpreter{machine: m, rt: rt}
}

// State returns the current state name.
func (i *Interpreter) State() string {
	return i.current
}

// Start enters the initial state: entry actions run and after timers
// arm. Starting twice is a no-op.
func (i *Interpreter) Start(ctx context.Context) {
	if i.running {
		return
	}
	i.running = true
	i.enter(ctx, i.machine.Initial, nil)
}

// Stop cancels pending after timers and halts dispatch. Callbacks
// already drained from the clock become no-ops.
func (i *Interpreter) Stop() {
	if !i.running {
		return
	}
	i.running = false
	i.gen++
	i.cancelTimers()
}

// Send dispatches one inbound event and reports whether any transition
// fired. Events the current state has no matching candidate for are
// ignored.
func (i *Interpreter) Send(ctx context.Context, eventType string, payload map[string]any) bool {
	if !i.running {
		return false
	}
	event := buildEvent(eventType, payload)
	i.lastEvent = event

	node := i.machine.States[i.current]
	if node == nil {
		return false
	}
	candidates, ok := node.On[eventType]
	if !ok {
		if node.Final() {
			logging.Debug(ctx, "final state absorbed event",
				zap.String("state", i.current),
				zap.String("event_type", eventType))
		}
		return false
	}
	tr, ok := i.selectTransition(ctx, candidates, event)
	if !ok {
		return false
	}
	i.fire(ctx, node, tr, event)
	return true
}

// fire runs one selected transition: exit actions only when the state
// actually changes, then the transition's own actions, then the target
// entry with a fresh set of after timers. A transition without a
// target is internal and leaves timers armed.
func (i *Interpreter) fire(ctx context.Context, node *StateNode, tr Transition, event map[string]any) {
	if tr.Target != "" && tr.Target != i.current {
		i.rt.ExecuteAll(ctx, node.Exit, event)
	}
	i.rt.ExecuteAll(ctx, tr.Actions, event)
	if tr.Target != "" {
		i.cancelTimers()
		i.enter(ctx, tr.Target, event)
	}
}

func (i *Interpreter) enter(ctx context.Context, name string, event map[string]any) {
	i.current = name
	i.gen++
	node := i.machine.States[name]
	if node == nil {
		return
	}
	i.rt.ExecuteAll(ctx, node.Entry, event)
	i.installAfter(ctx, name, node)
}

func (i *Interpreter) installAfter(ctx context.Context, name string, node *StateNode) {
	if len(node.After) == 0 {
		return
	}
	env := i.rt.Env()
	gen := i.gen
	for _, delay := range sortedKeys(node.After) {
		ms, err := strconv.Atoi(delay)
		if err != nil || ms < 0 {
			logging.Warn(ctx, "after delay is not a millisecond count, skipped",
				zap.String("state", name),
				zap.String("delay", delay))
			continue
		}
		candidates := node.After[delay]
		timer := env.Clock.Schedule(time.Duration(ms)*time.Millisecond, func() {
			if i.timerFire(ctx, name, gen, candidates) && env.OnSettle != nil {
				env.OnSettle()
			}
		})
		i.timers = append(i.timers, timer)
	}
}

// timerFire re-enters the serialized stream for one due delayed
// transition. The generation check drops callbacks whose state was
// left between drain and lock acquisition.
func (i *Interpreter) timerFire(ctx context.Context, state string, gen uint64, candidates TransitionList) bool {
	env := i.rt.Env()
	if env.Serial != nil {
		env.Serial.Lock()
		defer env.Serial.Unlock()
	}
	if !i.running || i.gen != gen || i.current != state {
		return false
	}
	event := i.lastEvent
	tr, ok := i.selectTransition(ctx, candidates, event)
	if !ok {
		return false
	}
	metrics.EventsDispatched.WithLabelValues("after", "handled").Inc()
	i.fire(ctx, i.machine.States[state], tr, event)
	return true
}

// selectTransition walks candidates in authored order and picks the
// first whose guard passes. A guard that fails to evaluate counts as
// false.
func (i *Interpreter) selectTransition(ctx context.Context, candidates TransitionList, event map[string]any) (Transition, bool) {
	for _, tr := range candidates {
		if tr.Cond == nil {
			return tr, true
		}
		verdict, err := logic.Evaluate(tr.Cond, i.guardView(event))
		if err != nil {
			logging.Warn(ctx, "guard evaluation failed, treated as false",
				zap.String("state", i.current),
				zap.Error(err))
			continue
		}
		if logic.Truthy(verdict) {
			return tr, true
		}
	}
	return Transition{}, false
}

func (i *Interpreter) guardView(event map[string]any) map[string]any {
	env := i.rt.Env()
	return map[string]any{
		"event":   event,
		"context": env.Context,
		"state":   env.State.Plain(),
		"data":    env.Data,
	}
}

func (i *Interpreter) cancelTimers() {
	for _, t := range i.timers {
		t.Cancel()
	}
	i.timers = nil
}

func buildEvent(eventType string, payload map[string]any) map[string]any {
	event := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		event[k] = v
	}
	event["type"] = eventType
	return event
}
