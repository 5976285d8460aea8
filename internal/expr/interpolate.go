package expr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/oliveagle/jsonpath"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Interpolate replaces every {{path.to.value}} placeholder with the value
// found at that dotted path in ctx. Placeholders that do not resolve are left
// as literal {{...}} text.
func Interpolate(s string, ctx map[string]any) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := placeholderRe.FindStringSubmatch(m)
		v, ok := Lookup(ctx, sub[1])
		if !ok {
			return m
		}
		return FormatValue(v)
	})
}

// Lookup resolves a dotted path like "order.total" against ctx.
func Lookup(ctx map[string]any, path string) (any, bool) {
	if ctx == nil || path == "" {
		return nil, false
	}
	p := path
	if !strings.HasPrefix(p, "$") {
		p = "$." + p
	}
	v, err := jsonpath.JsonPathLookup(ctx, p)
	if err != nil || v == nil {
		return nil, false
	}
	return v, true
}

// FormatValue renders a context value the way it should appear inside an
// interpolated string. Floats render without exponent notation so numeric
// re-parsing stays stable.
func FormatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// InterpolateMap applies Interpolate to every string value in m, recursing
// into nested maps and lists. Non-string values pass through untouched.
func InterpolateMap(m map[string]any, ctx map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = interpolateValue(v, ctx)
	}
	return out
}

func interpolateValue(v any, ctx map[string]any) any {
	switch t := v.(type) {
	case string:
		return Interpolate(t, ctx)
	case map[string]any:
		return InterpolateMap(t, ctx)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = interpolateValue(e, ctx)
		}
		return out
	default:
		return v
	}
}
