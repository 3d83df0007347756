package actions

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/stateroom-dev/stateroom/internal/v1/logic"
	"github.com/stateroom-dev/stateroom/internal/v1/logging"
	"github.com/stateroom-dev/stateroom/internal/v1/paths"
	"github.com/stateroom-dev/stateroom/internal/v1/schema"
	"github.com/stateroom-dev/stateroom/internal/v1/tokens"
)

type handlerFunc func(ctx context.Context, r *Runtime, params map[string]any, event map[string]any) error

// catalogue is populated in init: a composite literal here would form
// an initialization cycle through when and scheduleActions, which
// re-enter the dispatcher.
var catalogue map[string]handlerFunc

func init() {
	catalogue = map[string]handlerFunc{
		"setState":                runSetState,
		"increment":               runIncrement,
		"incrementIfEqual":        runIncrementIfEqual,
		"setFromData":             runSetFromData,
		"setFromArray":            runSetFromArray,
		"createInstance":          runCreateInstance,
		"createInstanceFromArray": runCreateInstanceFromArray,
		"ensureInstanceAtPath":    runEnsureInstanceAtPath,
		"when":                    runWhen,
		"scheduleActions":         runScheduleActions,
		"broadcast":               runBroadcast,
		"log":                     runLog,
	}
}

// Known returns the catalogue's action names, sorted. Definition
// validation uses it to flag actions a definition names but the
// runtime cannot dispatch.
func Known() []string {
	names := make([]string, 0, len(catalogue))
	for name := range catalogue {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func runSetState(_ context.Context, r *Runtime, params, _ map[string]any) error {
	path, err := stringParam(params, "path")
	if err != nil {
		return err
	}
	value, ok := params["value"]
	if !ok {
		// Explicit null is a legitimate write; an absent value is not.
		return nil
	}
	return paths.Set(r.env.State, path, cloneValue(value))
}

func runIncrement(_ context.Context, r *Runtime, params, _ map[string]any) error {
	path, err := stringParam(params, "path")
	if err != nil {
		return err
	}
	return addAt(r, path, deltaParam(params))
}

func runIncrementIfEqual(_ context.Context, r *Runtime, params, _ map[string]any) error {
	path, err := stringParam(params, "path")
	if err != nil {
		return err
	}
	equalsPath, err := stringParam(params, "equalsPath")
	if err != nil {
		return err
	}
	want, ok := params["value"]
	if !ok {
		return fmt.Errorf("missing %q", "value")
	}
	got, _ := paths.Get(r.env.State, equalsPath)
	if tokens.Stringify(got) != tokens.Stringify(want) {
		return nil
	}
	return addAt(r, path, deltaParam(params))
}

func runSetFromData(_ context.Context, r *Runtime, params, _ map[string]any) error {
	statePath, err := stringParam(params, "statePath")
	if err != nil {
		return err
	}
	dataPath, err := stringParam(params, "dataPath")
	if err != nil {
		return err
	}
	v, ok := paths.Get(r.env.Data, dataPath)
	if !ok {
		return fmt.Errorf("data path %q did not resolve", dataPath)
	}
	return paths.Set(r.env.State, statePath, cloneValue(v))
}

func runSetFromArray(_ context.Context, r *Runtime, params, _ map[string]any) error {
	statePath, err := stringParam(params, "statePath")
	if err != nil {
		return err
	}
	elem, err := arrayElement(r, params)
	if err != nil {
		return err
	}
	if key, ok := params["key"].(string); ok && key != "" {
		v, ok := paths.Get(elem, key)
		if !ok {
			return fmt.Errorf("key %q not present in array element", key)
		}
		return paths.Set(r.env.State, statePath, cloneValue(v))
	}
	return paths.Set(r.env.State, statePath, cloneValue(elem))
}

func runCreateInstance(ctx context.Context, r *Runtime, params, _ map[string]any) error {
	inst, statePath, err := buildInstance(r, params)
	if err != nil {
		return err
	}
	fields, _ := params["data"].(map[string]any)
	assignFields(ctx, inst, fields)
	return paths.Set(r.env.State, statePath, inst)
}

func runCreateInstanceFromArray(ctx context.Context, r *Runtime, params, _ map[string]any) error {
	inst, statePath, err := buildInstance(r, params)
	if err != nil {
		return err
	}
	elem, err := arrayElement(r, params)
	if err != nil {
		return err
	}
	record, ok := elem.(map[string]any)
	if !ok {
		return fmt.Errorf("array element is %T, not an object", elem)
	}
	assignFields(ctx, inst, record)
	return paths.Set(r.env.State, statePath, inst)
}

func runEnsureInstanceAtPath(ctx context.Context, r *Runtime, params, event map[string]any) error {
	statePath, err := stringParam(params, "statePath")
	if err != nil {
		return err
	}
	if existing, ok := paths.Get(r.env.State, statePath); ok {
		if _, isInstance := existing.(*schema.Instance); isInstance {
			return nil
		}
	}
	return runCreateInstance(ctx, r, params, event)
}

func runWhen(ctx context.Context, r *Runtime, params, event map[string]any) error {
	cond, ok := params["cond"]
	if !ok {
		return fmt.Errorf("missing %q", "cond")
	}
	verdict, err := logic.Evaluate(cond, r.whenView())
	if err != nil {
		return fmt.Errorf("cond: %w", err)
	}
	branch := params["then"]
	if !logic.Truthy(verdict) {
		branch = params["else"]
	}
	specs, err := SpecsFromParam(branch)
	if err != nil {
		return err
	}
	r.ExecuteAll(ctx, specs, event)
	return nil
}

func runScheduleActions(ctx context.Context, r *Runtime, params, event map[string]any) error {
	raw, ok := params["delayMs"]
	if !ok {
		return fmt.Errorf("missing %q", "delayMs")
	}
	ms, ok := numeric(raw)
	if !ok {
		return fmt.Errorf("delayMs must be numeric, got %v", raw)
	}
	if ms < 0 {
		ms = 0
	}
	specs, err := SpecsFromParam(params["actions"])
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		return nil
	}
	// The batch renders against the event that scheduled it, so
	// snapshot the event now rather than sharing the live map.
	r.schedule(ctx, time.Duration(ms)*time.Millisecond, specs, cloneEvent(event))
	return nil
}

func runBroadcast(ctx context.Context, r *Runtime, params, _ map[string]any) error {
	name, err := stringParam(params, "event")
	if err != nil {
		return err
	}
	if r.env.Emitter == nil {
		return nil
	}
	data, _ := params["data"].(map[string]any)
	r.env.Emitter.Broadcast(ctx, name, data)
	return nil
}

func runLog(ctx context.Context, r *Runtime, params, _ map[string]any) error {
	logging.Info(ctx, "definition log",
		zap.String("message", tokens.Stringify(params["message"])))
	return nil
}

func buildInstance(r *Runtime, params map[string]any) (*schema.Instance, string, error) {
	className, err := stringParam(params, "className")
	if err != nil {
		return nil, "", err
	}
	statePath, err := stringParam(params, "statePath")
	if err != nil {
		return nil, "", err
	}
	inst, err := r.env.Classes.NewWithDefaults(className)
	if err != nil {
		return nil, "", err
	}
	return inst, statePath, nil
}

// assignFields copies supplied values onto declared fields. Fields the
// class does not declare are logged and skipped so one stray key in a
// definition record cannot abort instance creation.
func assignFields(ctx context.Context, inst *schema.Instance, fields map[string]any) {
	for name, value := range fields {
		if err := inst.AssignField(name, cloneValue(value)); err != nil {
			logging.Warn(ctx, "field assignment skipped",
				zap.String("class", inst.Class().Name),
				zap.String("field", name),
				zap.Error(err))
		}
	}
}

func arrayElement(r *Runtime, params map[string]any) (any, error) {
	arrayPath, err := stringParam(params, "arrayPath")
	if err != nil {
		return nil, err
	}
	v, ok := paths.Get(r.env.Data, arrayPath)
	if !ok {
		return nil, fmt.Errorf("data path %q did not resolve", arrayPath)
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("data path %q is %T, not an array", arrayPath, v)
	}
	idx, err := resolveIndex(r, params)
	if err != nil {
		return nil, err
	}
	if idx < 0 || idx >= len(arr) {
		return nil, fmt.Errorf("index %d out of range for %q (len %d)", idx, arrayPath, len(arr))
	}
	return arr[idx], nil
}

func resolveIndex(r *Runtime, params map[string]any) (int, error) {
	if v, ok := params["index"]; ok {
		n, ok := numeric(v)
		if !ok {
			return 0, fmt.Errorf("index must be numeric, got %v", v)
		}
		return int(n), nil
	}
	p, ok := params["indexStatePath"].(string)
	if !ok || p == "" {
		return 0, fmt.Errorf("need index or indexStatePath")
	}
	v, ok := paths.Get(r.env.State, p)
	if !ok {
		return 0, fmt.Errorf("state path %q did not resolve", p)
	}
	n, ok := numeric(v)
	if !ok {
		return 0, fmt.Errorf("state path %q holds %v, not a number", p, v)
	}
	return int(n), nil
}

func addAt(r *Runtime, path string, delta float64) error {
	cur := 0.0
	if v, ok := paths.Get(r.env.State, path); ok {
		if n, ok := numeric(v); ok {
			cur = n
		}
	}
	return paths.Set(r.env.State, path, cur+delta)
}

func deltaParam(params map[string]any) float64 {
	if v, ok := params["delta"]; ok {
		if n, ok := numeric(v); ok {
			return n
		}
	}
	return 1
}

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%q must be a non-empty string, got %v", key, v)
	}
	return s, nil
}

func numeric(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// cloneValue deep-copies decoded JSON trees so writes into state never
// alias the definition's read-only data.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

func cloneEvent(event map[string]any) map[string]any {
	if event == nil {
		return nil
	}
	out := make(map[string]any, len(event))
	for k, v := range event {
		out[k] = cloneValue(v)
	}
	return out
}
