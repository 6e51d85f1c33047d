package realtime

import (
	"fmt"
	"strings"

	"github.com/Project-Eleanor/Eleanor-sub000/pkg/correlation"
	"github.com/Project-Eleanor/Eleanor-sub000/pkg/ecs"
)

// RuleType distinguishes a simple real-time query rule from a correlation
// rule evaluated incrementally.
type RuleType string

const (
	RuleTypeRealtime    RuleType = "realtime"
	RuleTypeCorrelation RuleType = "correlation"
)

// Severity mirrors a detection rule's configured level.
type Severity string

const (
	SeverityInformational Severity = "informational"
	SeverityLow           Severity = "low"
	SeverityMedium        Severity = "medium"
	SeverityHigh          Severity = "high"
	SeverityCritical      Severity = "critical"
)

// Rule is the subset of a detection rule the real-time processor needs:
// either a simple "field:value AND field:value" query (RuleTypeRealtime)
// or a correlation configuration evaluated incrementally
// (RuleTypeCorrelation).
type Rule struct {
	ID               string
	Name             string
	Description      string
	Type             RuleType
	Severity         Severity
	Query            string // used when Type == RuleTypeRealtime
	Correlation      correlation.Config
	MitreTactics     []string
	MitreTechniques  []string
	Tags             []string
	Indices          []string // source_type glob patterns this rule applies to
	DataSources      []string
	HitCount         int64
}

// RuleSource supplies the enabled real-time/correlation rules a processor
// evaluates against each event.
type RuleSource interface {
	ActiveRules() []Rule

	// IncrementHitCount bumps rule.hit_count by one every time the rule
	// generates an alert, per spec.md §4.6 step 4.
	IncrementHitCount(ruleID string)
}

// matchesSource reports whether a rule applies to an event's source_type,
// mirroring _get_matching_rules' index/data-source filtering.
func (r Rule) matchesSource(event *ecs.NormalizedEvent) bool {
	if len(r.Indices) > 0 {
		matched := false
		for _, pattern := range r.Indices {
			if wildcardMatch(event.SourceType, pattern) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(r.DataSources) > 0 {
		found := false
		for _, ds := range r.DataSources {
			if ds == event.SourceType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if r.Type == RuleTypeCorrelation && !r.Correlation.Realtime {
		return false
	}
	return true
}

func wildcardMatch(value, pattern string) bool {
	if !strings.Contains(pattern, "*") {
		return value == pattern
	}
	segments := strings.Split(pattern, "*")
	pos := 0
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		idx := strings.Index(value[pos:], seg)
		if idx < 0 {
			return false
		}
		if i == 0 && idx != 0 {
			return false
		}
		pos += idx + len(seg)
	}
	return true
}

// matchesQuery evaluates a simple "field:value AND field:value" query
// against event, the same mini-grammar the correlation engine's real-time
// path uses.
func matchesQuery(event *ecs.NormalizedEvent, query string) bool {
	for _, part := range strings.Split(query, " AND ") {
		part = strings.TrimSpace(part)
		idx := strings.Index(part, ":")
		if idx < 0 {
			continue
		}
		field := strings.TrimSpace(part[:idx])
		value := strings.Trim(strings.TrimSpace(part[idx+1:]), `"`)

		actual, ok := event.Field(field)
		if !ok || actual == nil {
			return false
		}
		actualStr := toStr(actual)
		if strings.Contains(value, "*") {
			if !wildcardMatch(actualStr, value) {
				return false
			}
		} else if actualStr != value {
			return false
		}
	}
	return true
}

func toStr(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
