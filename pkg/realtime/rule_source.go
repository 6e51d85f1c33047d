package realtime

import "sync"

// StaticRuleSource serves a fixed, in-memory rule set. The composition root
// uses it until a database-backed rule editor exists; ReplaceAll lets a
// future reload path (e.g. a periodic rule-table poll) swap the set in
// place without restarting the processor.
type StaticRuleSource struct {
	mu    sync.RWMutex
	rules []Rule
	hits  map[string]int64
}

// NewStaticRuleSource builds a source from an initial rule set (nil is
// equivalent to an empty set).
func NewStaticRuleSource(rules []Rule) *StaticRuleSource {
	return &StaticRuleSource{rules: append([]Rule(nil), rules...), hits: map[string]int64{}}
}

// ActiveRules implements RuleSource. Each returned Rule's HitCount reflects
// every IncrementHitCount call recorded for it so far.
func (s *StaticRuleSource) ActiveRules() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Rule, len(s.rules))
	for i, r := range s.rules {
		r.HitCount = s.hits[r.ID]
		out[i] = r
	}
	return out
}

// IncrementHitCount implements RuleSource.
func (s *StaticRuleSource) IncrementHitCount(ruleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hits == nil {
		s.hits = map[string]int64{}
	}
	s.hits[ruleID]++
}

// ReplaceAll swaps the served rule set. Hit counts are preserved by rule ID.
func (s *StaticRuleSource) ReplaceAll(rules []Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append([]Rule(nil), rules...)
}
