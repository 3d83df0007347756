// Package tokens expands ${dotted.path} placeholders in action
// parameter trees against the interpreter view. Rendering is pure:
// the same tree against the same view always yields the same result.
package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/stateroom-dev/stateroom/internal/v1/paths"
)

// segment is one span of a parsed template string: either literal text
// or a placeholder expression.
type segment struct {
	text   string
	isExpr bool
}

// Parsed templates are memoized process-wide. Definitions are static
// after load, so the cache only grows during warmup and is read-only
// after.
var templateCache sync.Map // string -> []segment

// Render returns a structurally identical copy of value with every
// string rendered against view. Arrays and records recurse; non-string
// leaves pass through unchanged. A string that is exactly one
// placeholder yields the resolved value with its type preserved;
// embedded placeholders stringify; unresolved placeholders render as
// empty strings.
func Render(value any, view map[string]any) any {
	switch v := value.(type) {
	case string:
		return renderString(v, view)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Render(item, view)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Render(item, view)
		}
		return out
	default:
		return value
	}
}

func renderString(s string, view map[string]any) any {
	segs := parse(s)
	if len(segs) == 1 && !segs[0].isExpr {
		return s
	}
	if len(segs) == 1 {
		// Whole-string placeholder: keep the resolved value's type so
		// numbers and booleans survive templating.
		v, ok := resolve(segs[0].text, view)
		if !ok {
			return ""
		}
		return v
	}

	var b strings.Builder
	for _, seg := range segs {
		if !seg.isExpr {
			b.WriteString(seg.text)
			continue
		}
		v, ok := resolve(seg.text, view)
		if !ok || v == nil {
			continue
		}
		b.WriteString(Stringify(v))
	}
	return b.String()
}

func resolve(expr string, view map[string]any) (any, bool) {
	if expr == "" {
		return nil, false
	}
	return paths.Get(view, expr)
}

func parse(s string) []segment {
	if cached, ok := templateCache.Load(s); ok {
		return cached.([]segment)
	}

	var segs []segment
	rest := s
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			break
		}
		end := strings.Index(rest[start:], "}")
		if end < 0 {
			// Unterminated placeholder reads as literal text.
			break
		}
		if start > 0 {
			segs = append(segs, segment{text: rest[:start]})
		}
		segs = append(segs, segment{text: rest[start+2 : start+end], isExpr: true})
		rest = rest[start+end+1:]
	}
	if rest != "" || len(segs) == 0 {
		segs = append(segs, segment{text: rest})
	}

	templateCache.Store(s, segs)
	return segs
}

// Stringify formats a resolved value the way embedded placeholders
// render it. Callers that compare definition values as strings use the
// same coercion so comparisons agree with rendered output.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		// Render integral floats without a trailing ".0" so templated
		// indices and scores read naturally.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprint(t)
	default:
		return fmt.Sprint(v)
	}
}
