package playbook

import (
	"fmt"
	"regexp"
	"strings"
)

var templateVarPattern = regexp.MustCompile(`\{\{\s*([^}]+)\s*\}\}`)

// resolveTemplates walks params substituting {{ path.to.value }}
// references against a context built from the execution's input data and
// prior step outputs, mirroring _resolve_templates. A parameter that is
// exactly one template expression resolves to the referenced value's
// native type (so a list/number/bool template yields a list/number/bool,
// not its string form); a parameter with embedded text around a template
// resolves via string substitution.
func resolveTemplates(params map[string]any, inputData map[string]any, stepResults []StepResult) map[string]any {
	context := map[string]any{
		"input": inputData,
		"steps": stepOutputsByID(stepResults),
	}
	resolved := resolveValue(params, context)
	out, _ := resolved.(map[string]any)
	return out
}

func stepOutputsByID(results []StepResult) map[string]any {
	out := map[string]any{}
	for _, r := range results {
		if r.Output != nil {
			out[r.StepID] = r.Output
		} else {
			out[r.StepID] = map[string]any{}
		}
	}
	return out
}

func resolveValue(value any, context map[string]any) any {
	switch v := value.(type) {
	case string:
		return resolveStringValue(v, context)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = resolveValue(item, context)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = resolveValue(item, context)
		}
		return out
	default:
		return value
	}
}

func resolveStringValue(s string, context map[string]any) any {
	matches := templateVarPattern.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return s
	}
	for _, m := range matches {
		expr := strings.TrimSpace(m[1])
		resolved := getNestedValue(context, expr)
		if resolved == nil {
			continue
		}
		whole := fmt.Sprintf("{{ %s }}", expr)
		if strings.TrimSpace(s) == whole || s == fmt.Sprintf("{{%s}}", expr) {
			return resolved
		}
		s = strings.ReplaceAll(s, m[0], fmt.Sprintf("%v", resolved))
	}
	return s
}

// getNestedValue resolves a dotted path ("input.alert.severity") against
// nested maps, mirroring _get_nested_value.
func getNestedValue(obj map[string]any, path string) any {
	keys := strings.Split(path, ".")
	var current any = obj
	for _, key := range keys {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[key]
	}
	return current
}
