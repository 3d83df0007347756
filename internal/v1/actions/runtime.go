// Package actions implements the whitelisted operation catalogue that
// statechart transitions run against the replicated state. Nothing
// outside the catalogue is callable from definitions, and a failing
// action degrades only itself: siblings still run and the room stays
// alive.
package actions

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stateroom-dev/stateroom/internal/v1/clock"
	"github.com/stateroom-dev/stateroom/internal/v1/logging"
	"github.com/stateroom-dev/stateroom/internal/v1/metrics"
	"github.com/stateroom-dev/stateroom/internal/v1/schema"
	"github.com/stateroom-dev/stateroom/internal/v1/tokens"
)

// Broadcaster delivers definition-driven broadcast events to every
// client of the room.
type Broadcaster interface {
	Broadcast(ctx context.Context, event string, data map[string]any)
}

// Env is the dependency view one room hands its runtime. State,
// Classes, Data, and Clock are required; the rest degrade to no-ops
// when nil so unit tests can run a bare runtime.
type Env struct {
	State   *schema.Instance
	Classes *schema.Table
	Data    map[string]any
	Context map[string]any
	Clock   clock.Clock
	Emitter Broadcaster

	// Serial is the room's serialization lock. Scheduled batches
	// acquire it before touching state so they stay inside the room's
	// single logical execution stream.
	Serial sync.Locker

	// OnSettle runs after a scheduled batch completes, outside Serial.
	// The room uses it to replicate the mutated state.
	OnSettle func()
}

// Runtime executes actions against one room's state.
type Runtime struct {
	env *Env
}

func NewRuntime(env *Env) *Runtime {
	return &Runtime{env: env}
}

// Env returns the runtime's environment.
func (r *Runtime) Env() *Env {
	return r.env
}

// ExecuteAll runs specs in order. Failures are logged and skipped;
// execution always continues with the next sibling.
func (r *Runtime) ExecuteAll(ctx context.Context, specs []Spec, event map[string]any) {
	for _, spec := range specs {
		r.Execute(ctx, spec, event)
	}
}

// Execute renders one action's parameters against the current view and
// dispatches it. Unknown names and handler failures are logged, never
// propagated.
func (r *Runtime) Execute(ctx context.Context, spec Spec, event map[string]any) {
	handler, ok := catalogue[spec.Type]
	if !ok {
		logging.Warn(ctx, "unknown action skipped", zap.String("action", spec.Type))
		metrics.ActionsExecuted.WithLabelValues(spec.Type, "skipped").Inc()
		return
	}

	params := r.renderParams(spec.Params, event)
	if err := handler(ctx, r, params, event); err != nil {
		logging.Warn(ctx, "action failed",
			zap.String("action", spec.Type),
			zap.Error(err))
		metrics.ActionsExecuted.WithLabelValues(spec.Type, "error").Inc()
		return
	}
	metrics.ActionsExecuted.WithLabelValues(spec.Type, "ok").Inc()
}

// branchKeys hold nested action lists. They are dispatched
// recursively, so each nested action renders against the view current
// at its own dispatch, not the branch owner's.
var branchKeys = map[string]bool{
	"then":    true,
	"else":    true,
	"actions": true,
}

func (r *Runtime) renderParams(params map[string]any, event map[string]any) map[string]any {
	if len(params) == 0 {
		return nil
	}
	view := r.renderView(event)
	out := make(map[string]any, len(params))
	for k, v := range params {
		if branchKeys[k] {
			out[k] = v
			continue
		}
		out[k] = tokens.Render(v, view)
	}
	return out
}

// renderView is the token-expansion view: the triggering event plus
// plain snapshots of state, context, and data.
func (r *Runtime) renderView(event map[string]any) map[string]any {
	return map[string]any{
		"event":   event,
		"state":   r.env.State.Plain(),
		"context": r.env.Context,
		"data":    r.env.Data,
	}
}

// whenView is the condition view of the when action: state, data, and
// context only.
func (r *Runtime) whenView() map[string]any {
	return map[string]any{
		"state":   r.env.State.Plain(),
		"context": r.env.Context,
		"data":    r.env.Data,
	}
}

// schedule arms a batch on the room clock. The callback re-enters the
// serialized stream, recovers from panics, and never runs inline with
// the scheduling event, even at zero delay.
func (r *Runtime) schedule(ctx context.Context, delay time.Duration, specs []Spec, event map[string]any) clock.Timer {
	return r.env.Clock.Schedule(delay, func() {
		r.runBatch(ctx, specs, event)
		if r.env.OnSettle != nil {
			r.env.OnSettle()
		}
	})
}

func (r *Runtime) runBatch(ctx context.Context, specs []Spec, event map[string]any) {
	if r.env.Serial != nil {
		r.env.Serial.Lock()
		defer r.env.Serial.Unlock()
	}
	defer func() {
		if rec := recover(); rec != nil {
			logging.Error(ctx, "scheduled batch panicked",
				zap.Any("panic", rec))
			metrics.ScheduledBatches.WithLabelValues("error").Inc()
		}
	}()

	r.ExecuteAll(ctx, specs, event)
	metrics.ScheduledBatches.WithLabelValues("fired").Inc()
}
