// Package resolve rewrites step parameter maps by substituting
// ${steps.<index>.output[.<field-path>]} references with values from
// prior step results. Resolution is pure: the same params against the
// same prior outputs always yield the same result, and failures degrade
// to nil rather than erroring.
package resolve

import (
	"strconv"
	"strings"

	"github.com/flowgrid/flowgrid/pkg/schema"
)

const (
	refOpen  = "${"
	refClose = "}"
	refSteps = "steps."
)

// Resolve returns a copy of params with every reference-shaped string
// value replaced. Non-reference values (including non-string types)
// pass through unchanged. An unresolvable index or field path resolves
// to nil; the caller decides whether a nil required parameter fails the
// step.
func Resolve(params map[string]any, prior []schema.StepResult) map[string]any {
	if params == nil {
		return nil
	}
	resolved := make(map[string]any, len(params))
	for key, value := range params {
		resolved[key] = resolveValue(value, prior)
	}
	return resolved
}

// ResolveRef resolves a single reference-shaped string against prior
// outputs. The second return reports whether the string was a
// reference at all.
func ResolveRef(s string, prior []schema.StepResult) (any, bool) {
	expr, ok := refExpr(s)
	if !ok {
		return nil, false
	}
	return lookup(expr, prior), true
}

// ExtractRefs returns the set of step indices referenced anywhere in
// the params map. Used at plan-validation time to build the inter-step
// dependency graph.
func ExtractRefs(params map[string]any) map[int]bool {
	refs := make(map[int]bool)
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			if expr, ok := refExpr(t); ok {
				if idx, ok := refIndex(expr); ok {
					refs[idx] = true
				}
			}
		case map[string]any:
			for _, item := range t {
				walk(item)
			}
		case []any:
			for _, item := range t {
				walk(item)
			}
		}
	}
	walk(params)
	return refs
}

func resolveValue(value any, prior []schema.StepResult) any {
	switch v := value.(type) {
	case string:
		if expr, ok := refExpr(v); ok {
			return lookup(expr, prior)
		}
		return v
	case map[string]any:
		return Resolve(v, prior)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = resolveValue(item, prior)
		}
		return out
	default:
		return value
	}
}

// refExpr strips the ${...} wrapper from a whole-string step reference.
func refExpr(s string) (string, bool) {
	if !strings.HasPrefix(s, refOpen) || !strings.HasSuffix(s, refClose) {
		return "", false
	}
	expr := strings.TrimSpace(s[len(refOpen) : len(s)-len(refClose)])
	if !strings.HasPrefix(expr, refSteps) {
		return "", false
	}
	return expr, true
}

// refIndex parses the step index out of a "steps.<index>..." expression.
func refIndex(expr string) (int, bool) {
	rest := strings.TrimPrefix(expr, refSteps)
	idxPart, _, _ := strings.Cut(rest, ".")
	idx, err := strconv.Atoi(idxPart)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

// lookup resolves "steps.<index>.output[.<path>]" against prior results.
// Any failure along the way yields nil.
func lookup(expr string, prior []schema.StepResult) any {
	rest := strings.TrimPrefix(expr, refSteps)
	parts := strings.SplitN(rest, ".", 3) // [index, output, path...]
	if len(parts) < 2 || parts[1] != "output" {
		return nil
	}

	idx, err := strconv.Atoi(parts[0])
	if err != nil || idx < 0 || idx >= len(prior) {
		return nil
	}

	output := prior[idx].Output
	if len(parts) == 2 {
		return output
	}
	return traversePath(output, parts[2])
}

// traversePath navigates into nested maps/slices using a dot-delimited
// path. Numeric segments index into slices.
func traversePath(root any, path string) any {
	current := root
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil
		}
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				return nil
			}
			current = val
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(v) {
				return nil
			}
			current = v[i]
		default:
			return nil
		}
	}
	return current
}
