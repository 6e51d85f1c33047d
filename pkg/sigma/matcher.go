package sigma

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/Project-Eleanor/Eleanor-sub000/pkg/ecs"
)

// Match is a single rule match against an event.
type Match struct {
	Rule          *Rule
	Event         *ecs.NormalizedEvent
	MatchedAt     time.Time
	MatchedFields map[string]any
}

// MatchEvent evaluates every rule in rules against event, returning a
// Match for each rule whose condition is satisfied.
func MatchEvent(event *ecs.NormalizedEvent, rules []*Rule) []Match {
	var matches []Match
	for _, rule := range rules {
		if EventMatchesRule(event, rule) {
			matches = append(matches, Match{
				Rule:          rule,
				Event:         event,
				MatchedAt:     time.Now().UTC(),
				MatchedFields: extractMatchedFields(event, rule),
			})
		}
	}
	return matches
}

// EventMatchesRule evaluates one rule's detection blocks and condition
// against event.
func EventMatchesRule(event *ecs.NormalizedEvent, rule *Rule) bool {
	if rule.condition == nil {
		return false
	}
	results := map[string]bool{}
	for key, value := range rule.Detection {
		if key == "condition" {
			continue
		}
		results[key] = evalDetectionValue(event, value)
	}
	return rule.condition.eval(results)
}

// evalDetectionValue evaluates one named detection block. A list is OR'd
// (any alternative may match); a map is the field-conjunction case (every
// field must match — AND within a map).
func evalDetectionValue(event *ecs.NormalizedEvent, value any) bool {
	switch v := value.(type) {
	case []any:
		for _, item := range v {
			if itemMap, ok := item.(map[string]any); ok {
				if matchDetectionItem(event, itemMap) {
					return true
				}
			}
		}
		return false
	case map[string]any:
		return matchDetectionItem(event, v)
	default:
		return false
	}
}

// matchDetectionItem requires every field:pattern pair to match (AND). A
// nil pattern matches only an absent/None value, so that case is decided
// before falling through to matchPattern (which is never reached for an
// absent field otherwise).
func matchDetectionItem(event *ecs.NormalizedEvent, item map[string]any) bool {
	for field, pattern := range item {
		value, ok := event.Field(fieldNameWithoutModifier(field))
		if pattern == nil {
			if ok && value != nil {
				return false
			}
			continue
		}
		if !ok || value == nil {
			return false
		}
		if !matchPattern(value, field, pattern) {
			return false
		}
	}
	return true
}

// fieldNameWithoutModifier strips a trailing "|modifier" from a Sigma
// field key (e.g. "CommandLine|contains" -> "CommandLine").
func fieldNameWithoutModifier(field string) string {
	if idx := strings.Index(field, "|"); idx >= 0 {
		return field[:idx]
	}
	return field
}

// matchPattern matches value against pattern, applying any modifier
// encoded in the field key (endswith/startswith/contains/re) and falling
// back to wildcard/exact matching otherwise.
func matchPattern(value any, fieldKey string, pattern any) bool {
	if list, ok := pattern.([]any); ok {
		for _, p := range list {
			if matchPattern(value, fieldKey, p) {
				return true
			}
		}
		return false
	}
	if pattern == nil {
		return value == nil
	}

	strValue := strings.ToLower(toStr(value))
	strPattern := strings.ToLower(toStr(pattern))

	if idx := strings.Index(fieldKey, "|"); idx >= 0 {
		modifier := fieldKey[idx+1:]
		switch modifier {
		case "endswith":
			return strings.HasSuffix(strValue, strPattern)
		case "startswith":
			return strings.HasPrefix(strValue, strPattern)
		case "contains":
			return strings.Contains(strValue, strPattern)
		case "re":
			re, err := regexp.Compile("(?i)" + toStr(pattern))
			if err != nil {
				return false
			}
			return re.MatchString(strValue)
		}
	}

	if strings.ContainsAny(strPattern, "*?") {
		matched, _ := path.Match(strPattern, strValue)
		return matched
	}
	return strValue == strPattern
}

func toStr(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// extractMatchedFields mirrors _extract_matched_fields: every field
// referenced in a non-condition detection block that resolved to a
// non-nil value on the event.
func extractMatchedFields(event *ecs.NormalizedEvent, rule *Rule) map[string]any {
	out := map[string]any{}
	for key, value := range rule.Detection {
		if key == "condition" {
			continue
		}
		switch v := value.(type) {
		case map[string]any:
			collectFields(event, v, out)
		case []any:
			for _, item := range v {
				if m, ok := item.(map[string]any); ok {
					collectFields(event, m, out)
				}
			}
		}
	}
	return out
}

func collectFields(event *ecs.NormalizedEvent, item map[string]any, out map[string]any) {
	for field := range item {
		name := fieldNameWithoutModifier(field)
		if v, ok := event.Field(name); ok && v != nil {
			out[name] = v
		}
	}
}
