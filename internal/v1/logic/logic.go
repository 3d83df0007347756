// Package logic evaluates the operator-tree condition DSL used by
// statechart guards and the when action. A node is a single-key record
// {op: args}; everything else evaluates to itself. Views must be plain
// snapshots (maps, slices, primitives).
package logic

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/stateroom-dev/stateroom/internal/v1/paths"
)

// Evaluate walks the tree and returns the resulting value. Malformed
// trees (unknown operator, bad arity, incomparable operands) return an
// error; guard callers treat an error as false.
func Evaluate(node any, view map[string]any) (any, error) {
	switch n := node.(type) {
	case map[string]any:
		if len(n) != 1 {
			// Multi-key records are data, not operators.
			return n, nil
		}
		for op, raw := range n {
			return apply(op, argList(raw), view)
		}
		return n, nil
	case []any:
		out := make([]any, len(n))
		for i, item := range n {
			v, err := Evaluate(item, view)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	default:
		return node, nil
	}
}

// Truthy follows the source dialect's boolean coercion: nil, false,
// zero, NaN, and the empty string are falsy; everything else is truthy.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	default:
		if n, ok := strictNumber(v); ok {
			return n != 0 && !math.IsNaN(n)
		}
		return true
	}
}

func argList(raw any) []any {
	if list, ok := raw.([]any); ok {
		return list
	}
	return []any{raw}
}

func apply(op string, args []any, view map[string]any) (any, error) {
	switch op {
	case "var":
		return applyVar(args, view)
	case "and":
		return applyAnd(args, view)
	case "or":
		return applyOr(args, view)
	}

	vals := make([]any, len(args))
	for i, a := range args {
		v, err := Evaluate(a, view)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}

	switch op {
	case "==":
		if err := wantArgs(op, vals, 2); err != nil {
			return nil, err
		}
		return looseEqual(vals[0], vals[1]), nil
	case "!=":
		if err := wantArgs(op, vals, 2); err != nil {
			return nil, err
		}
		return !looseEqual(vals[0], vals[1]), nil
	case "===":
		if err := wantArgs(op, vals, 2); err != nil {
			return nil, err
		}
		return strictEqual(vals[0], vals[1]), nil
	case "!==":
		if err := wantArgs(op, vals, 2); err != nil {
			return nil, err
		}
		return !strictEqual(vals[0], vals[1]), nil
	case "<", "<=", ">", ">=":
		if err := wantArgs(op, vals, 2); err != nil {
			return nil, err
		}
		return compare(op, vals[0], vals[1])
	case "!":
		if err := wantArgs(op, vals, 1); err != nil {
			return nil, err
		}
		return !Truthy(vals[0]), nil
	case "!!":
		if err := wantArgs(op, vals, 1); err != nil {
			return nil, err
		}
		return Truthy(vals[0]), nil
	case "+":
		return fold(op, vals, func(a, b float64) (float64, error) { return a + b, nil })
	case "*":
		return fold(op, vals, func(a, b float64) (float64, error) { return a * b, nil })
	case "-":
		return applyMinus(vals)
	case "/":
		return foldPair(op, vals, func(a, b float64) (float64, error) {
			if b == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			return a / b, nil
		})
	case "%":
		return foldPair(op, vals, func(a, b float64) (float64, error) {
			if b == 0 {
				return 0, fmt.Errorf("modulo by zero")
			}
			return math.Mod(a, b), nil
		})
	case "in":
		if err := wantArgs(op, vals, 2); err != nil {
			return nil, err
		}
		return applyIn(vals[0], vals[1])
	default:
		return nil, fmt.Errorf("unknown operator %q", op)
	}
}

func applyVar(args []any, view map[string]any) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("var: missing path")
	}
	pathVal, err := Evaluate(args[0], view)
	if err != nil {
		return nil, err
	}
	path, ok := pathVal.(string)
	if !ok {
		return nil, fmt.Errorf("var: path must be a string, got %T", pathVal)
	}

	if v, found := paths.Get(view, path); found {
		return v, nil
	}
	if len(args) > 1 {
		return Evaluate(args[1], view)
	}
	return nil, nil
}

// applyAnd short-circuits: it returns the first falsy argument, or the
// last argument when all are truthy.
func applyAnd(args []any, view map[string]any) (any, error) {
	var last any = true
	for _, a := range args {
		v, err := Evaluate(a, view)
		if err != nil {
			return nil, err
		}
		if !Truthy(v) {
			return v, nil
		}
		last = v
	}
	return last, nil
}

// applyOr short-circuits: it returns the first truthy argument, or the
// last argument when none are.
func applyOr(args []any, view map[string]any) (any, error) {
	var last any = false
	for _, a := range args {
		v, err := Evaluate(a, view)
		if err != nil {
			return nil, err
		}
		if Truthy(v) {
			return v, nil
		}
		last = v
	}
	return last, nil
}

func applyMinus(vals []any) (any, error) {
	switch len(vals) {
	case 1:
		n, ok := anyNumber(vals[0])
		if !ok {
			return nil, fmt.Errorf("-: non-numeric operand %T", vals[0])
		}
		return -n, nil
	case 2:
		return foldPair("-", vals, func(a, b float64) (float64, error) { return a - b, nil })
	default:
		return nil, fmt.Errorf("-: want 1 or 2 operands, got %d", len(vals))
	}
}

func applyIn(needle, haystack any) (any, error) {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		if !ok {
			return false, nil
		}
		return strings.Contains(h, s), nil
	case []any:
		for _, item := range h {
			if looseEqual(needle, item) {
				return true, nil
			}
		}
		return false, nil
	default:
		return nil, fmt.Errorf("in: haystack must be a string or array, got %T", haystack)
	}
}

func wantArgs(op string, vals []any, n int) error {
	if len(vals) != n {
		return fmt.Errorf("%s: want %d operands, got %d", op, n, len(vals))
	}
	return nil
}

func fold(op string, vals []any, f func(a, b float64) (float64, error)) (any, error) {
	if len(vals) == 0 {
		return nil, fmt.Errorf("%s: no operands", op)
	}
	acc, ok := anyNumber(vals[0])
	if !ok {
		return nil, fmt.Errorf("%s: non-numeric operand %T", op, vals[0])
	}
	for _, v := range vals[1:] {
		n, ok := anyNumber(v)
		if !ok {
			return nil, fmt.Errorf("%s: non-numeric operand %T", op, v)
		}
		var err error
		acc, err = f(acc, n)
		if err != nil {
			return nil, err
		}
	}
	return acc, nil
}

func foldPair(op string, vals []any, f func(a, b float64) (float64, error)) (any, error) {
	if err := wantArgs(op, vals, 2); err != nil {
		return nil, err
	}
	return fold(op, vals, f)
}

func compare(op string, a, b any) (any, error) {
	if na, aok := anyNumber(a); aok {
		if nb, bok := anyNumber(b); bok {
			switch op {
			case "<":
				return na < nb, nil
			case "<=":
				return na <= nb, nil
			case ">":
				return na > nb, nil
			default:
				return na >= nb, nil
			}
		}
	}
	sa, aok := a.(string)
	sb, bok := b.(string)
	if aok && bok {
		switch op {
		case "<":
			return sa < sb, nil
		case "<=":
			return sa <= sb, nil
		case ">":
			return sa > sb, nil
		default:
			return sa >= sb, nil
		}
	}
	return nil, fmt.Errorf("%s: incomparable operands %T and %T", op, a, b)
}

// strictNumber accepts Go numeric types only. JSON decoding produces
// float64; state mutations may have stored native ints.
func strictNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// anyNumber additionally accepts numeric strings, matching the source
// dialect's loose coercion.
func anyNumber(v any) (float64, bool) {
	if n, ok := strictNumber(v); ok {
		return n, true
	}
	if s, ok := v.(string); ok {
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

// looseEqual mirrors the source dialect: numerics compare by value
// across representations, a number equals its numeric string form,
// otherwise kinds must match.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if na, ok := strictNumber(a); ok {
		if nb, ok := anyNumber(b); ok {
			return na == nb
		}
		return false
	}
	if nb, ok := strictNumber(b); ok {
		if na, ok := anyNumber(a); ok {
			return na == nb
		}
		return false
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		return ok && sa == sb
	}
	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ba == bb
	}
	return reflect.DeepEqual(a, b)
}

// strictEqual requires matching kinds; numeric representations still
// unify so int 2 equals float64 2.
func strictEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	na, aok := strictNumber(a)
	nb, bok := strictNumber(b)
	if aok || bok {
		return aok && bok && na == nb
	}
	if reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false
	}
	return looseEqual(a, b)
}
