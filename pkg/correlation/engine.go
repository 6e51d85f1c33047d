package correlation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Project-Eleanor/Eleanor-sub000/pkg/ecs"
)

// EventSource abstracts the event index a correlation engine queries
// against. The original queries Elasticsearch directly; Eleanor's engine
// is storage-agnostic so it can run against whatever the composition root
// wires in (a Postgres events table, an in-memory buffer in tests, etc).
type EventSource interface {
	// Query returns every event matching a simple query string within
	// [from, to], sorted ascending by timestamp.
	Query(ctx context.Context, query string, from, to time.Time) ([]*ecs.NormalizedEvent, error)
	// Count returns event counts within [from, to], optionally grouped by
	// the named fields; an empty groupBy returns a single "*" key.
	Count(ctx context.Context, query string, from, to time.Time, groupBy []string) (map[string]int, error)
}

// Match is one satisfied correlation pattern instance.
type Match struct {
	EntityKey    string
	Details      map[string]any
	FirstEvent   *ecs.NormalizedEvent
	LastEvent    *ecs.NormalizedEvent
	TotalEvents  int
}

// ExecutionResult is the outcome of running one correlation rule once,
// mirroring RuleExecution from SPEC_FULL.md §12's supplemented audit
// trail: every run is recorded, not just successful ones.
type ExecutionResult struct {
	ExecutionID string
	RuleID      string
	PatternType PatternType
	Matches     []Match
	HitsCount   int
	DurationMS  int64
	Status      string // "completed" or "failed"
	Error       string
}

// Engine runs correlation rules against an EventSource, persisting
// in-progress sequence state via Store.
type Engine struct {
	source EventSource
	store  *Store
}

// New constructs a correlation engine.
func New(source EventSource, store *Store) *Engine {
	return &Engine{source: source, store: store}
}

// StoreOf exposes an engine's state store, for background tasks (e.g. the
// real-time processor's periodic cleanup) that run outside the engine
// itself but need access to the same persisted state.
func StoreOf(e *Engine) *Store {
	return e.store
}

// Execute runs rule's correlation config once in batch mode, examining
// every window in [now-window, now] rather than incrementally maintaining
// state — see the real-time/batch divergence documented in DESIGN.md.
func (e *Engine) Execute(ctx context.Context, ruleID string, cfg Config) ExecutionResult {
	start := time.Now()
	result := ExecutionResult{ExecutionID: uuid.NewString(), RuleID: ruleID, PatternType: cfg.PatternType}

	var matches []Match
	var err error
	switch cfg.PatternType {
	case PatternSequence:
		matches, err = e.executeSequence(ctx, ruleID, cfg)
	case PatternTemporalJoin:
		matches, err = e.executeTemporalJoin(ctx, cfg)
	case PatternAggregation:
		matches, err = e.executeAggregation(ctx, cfg)
	case PatternSpike:
		matches, err = e.executeSpike(ctx, cfg)
	default:
		err = fmt.Errorf("correlation: unknown pattern type %q", cfg.PatternType)
	}

	result.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		result.Status = "failed"
		result.Error = err.Error()
		return result
	}
	result.Status = "completed"
	result.Matches = matches
	result.HitsCount = len(matches)
	return result
}

func entityKey(joinOn []JoinField, event *ecs.NormalizedEvent) (string, bool) {
	var parts []string
	for _, jf := range joinOn {
		value, ok := event.Field(jf.Field)
		if !ok || value == nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s:%v", jf.Field, value))
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "|"), true
}

// executeSequence detects ordered event chains grouped by an entity key,
// examining the full window on each run (batch semantics).
func (e *Engine) executeSequence(ctx context.Context, ruleID string, cfg Config) ([]Match, error) {
	window, err := ParseDuration(orDefault(cfg.Window, "5m"))
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	windowStart := now.Add(-window)

	if e.store != nil {
		if err := e.store.CleanExpired(ctx, ruleID, now); err != nil {
			return nil, err
		}
	}

	thresholds, err := thresholdMap(cfg.Thresholds)
	if err != nil {
		return nil, err
	}

	entityEvents := map[string]map[string][]*ecs.NormalizedEvent{}
	for _, eventDef := range cfg.Events {
		hits, err := e.source.Query(ctx, eventDef.Query, windowStart, now)
		if err != nil {
			return nil, fmt.Errorf("correlation: query %s: %w", eventDef.ID, err)
		}
		for _, hit := range hits {
			key, ok := entityKey(cfg.JoinOn, hit)
			if !ok {
				continue
			}
			if entityEvents[key] == nil {
				entityEvents[key] = map[string][]*ecs.NormalizedEvent{}
			}
			entityEvents[key][eventDef.ID] = append(entityEvents[key][eventDef.ID], hit)
		}
	}

	var matches []Match
	for key, byType := range entityEvents {
		valid := true
		for _, stepID := range cfg.Sequence.Order {
			count := len(byType[stepID])
			if th, ok := thresholds[stepID]; ok {
				op := th[0].(string)
				val := th[1].(int)
				if !CheckThreshold(count, op, val) {
					valid = false
					break
				}
			} else if count == 0 {
				valid = false
				break
			}
		}
		if !valid {
			continue
		}

		var contributing []*ecs.NormalizedEvent
		counts := map[string]int{}
		for _, stepID := range cfg.Sequence.Order {
			contributing = append(contributing, byType[stepID]...)
			counts[stepID] = len(byType[stepID])
		}
		sort.Slice(contributing, func(i, j int) bool {
			return contributing[i].Timestamp.Before(contributing[j].Timestamp)
		})

		m := Match{
			EntityKey:   key,
			TotalEvents: len(contributing),
			Details: map[string]any{
				"sequence":     cfg.Sequence.Order,
				"event_counts": counts,
			},
		}
		if len(contributing) > 0 {
			m.FirstEvent = contributing[0]
			m.LastEvent = contributing[len(contributing)-1]
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// executeTemporalJoin finds events of two types, joined by entity key,
// occurring within window of each other.
func (e *Engine) executeTemporalJoin(ctx context.Context, cfg Config) ([]Match, error) {
	if len(cfg.Events) != 2 {
		return nil, fmt.Errorf("correlation: temporal_join requires exactly 2 event definitions")
	}
	window, err := ParseDuration(orDefault(cfg.Window, "5m"))
	if err != nil {
		return nil, err
	}
	lookback, err := ParseDuration(orDefault(cfg.Lookback, "1h"))
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	windowStart := now.Add(-lookback)

	eventsA, err := e.source.Query(ctx, cfg.Events[0].Query, windowStart, now)
	if err != nil {
		return nil, err
	}
	eventsB, err := e.source.Query(ctx, cfg.Events[1].Query, windowStart, now)
	if err != nil {
		return nil, err
	}

	byKeyB := map[string][]*ecs.NormalizedEvent{}
	for _, eb := range eventsB {
		key, ok := entityKey(cfg.JoinOn, eb)
		if !ok {
			continue
		}
		byKeyB[key] = append(byKeyB[key], eb)
	}

	var matches []Match
	for _, ea := range eventsA {
		key, ok := entityKey(cfg.JoinOn, ea)
		if !ok {
			continue
		}
		for _, eb := range byKeyB[key] {
			diff := ea.Timestamp.Sub(eb.Timestamp)
			if diff < 0 {
				diff = -diff
			}
			if diff <= window {
				matches = append(matches, Match{
					EntityKey:   key,
					FirstEvent:  ea,
					LastEvent:   eb,
					TotalEvents: 2,
					Details: map[string]any{
						"event_a_id":        cfg.Events[0].ID,
						"event_b_id":        cfg.Events[1].ID,
						"time_diff_seconds": diff.Seconds(),
					},
				})
			}
		}
	}
	return matches, nil
}

// executeAggregation flags entities (or the whole window, ungrouped)
// whose event count crosses a threshold.
func (e *Engine) executeAggregation(ctx context.Context, cfg Config) ([]Match, error) {
	window, err := ParseDuration(orDefault(cfg.Window, "5m"))
	if err != nil {
		return nil, err
	}
	op, threshold, err := ParseThreshold(orDefault(cfg.Threshold.Count, ">= 1"))
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	windowStart := now.Add(-window)

	counts, err := e.source.Count(ctx, orDefault(cfg.Query, "*"), windowStart, now, cfg.GroupBy)
	if err != nil {
		return nil, err
	}

	var matches []Match
	for key, count := range counts {
		if CheckThreshold(count, op, threshold) {
			matches = append(matches, Match{
				EntityKey:   key,
				TotalEvents: count,
				Details: map[string]any{
					"count":     count,
					"threshold": fmt.Sprintf("%s %d", op, threshold),
				},
			})
		}
	}
	return matches, nil
}

// executeSpike compares a current window's event count against a
// baseline window's average, flagging entities whose current activity
// exceeds spike_factor times the baseline.
func (e *Engine) executeSpike(ctx context.Context, cfg Config) ([]Match, error) {
	currentWindow, err := ParseDuration(orDefault(cfg.CurrentWindow, "5m"))
	if err != nil {
		return nil, err
	}
	baselineWindow, err := ParseDuration(orDefault(cfg.BaselineWindow, "1h"))
	if err != nil {
		return nil, err
	}
	spikeFactor := cfg.SpikeFactor
	if spikeFactor == 0 {
		spikeFactor = 3.0
	}
	now := time.Now().UTC()
	currentStart := now.Add(-currentWindow)
	baselineStart := now.Add(-baselineWindow)

	currentCounts, err := e.source.Count(ctx, orDefault(cfg.Query, "*"), currentStart, now, cfg.GroupBy)
	if err != nil {
		return nil, err
	}
	baselineCounts, err := e.source.Count(ctx, orDefault(cfg.Query, "*"), baselineStart, currentStart, cfg.GroupBy)
	if err != nil {
		return nil, err
	}

	baselinePeriods := baselineWindow.Seconds() / currentWindow.Seconds()

	var matches []Match
	for key, current := range currentCounts {
		baseline := baselineCounts[key]
		baselineAvg := 0.0
		if baselinePeriods > 0 {
			baselineAvg = float64(baseline) / baselinePeriods
		}
		if baselineAvg > 0 {
			ratio := float64(current) / baselineAvg
			if ratio >= spikeFactor {
				matches = append(matches, Match{
					EntityKey:   key,
					TotalEvents: current,
					Details: map[string]any{
						"current_count": current,
						"baseline_avg":  baselineAvg,
						"spike_ratio":   ratio,
						"spike_factor":  spikeFactor,
					},
				})
			}
		} else if current > 0 {
			matches = append(matches, Match{
				EntityKey:   key,
				TotalEvents: current,
				Details: map[string]any{
					"current_count": current,
					"baseline_avg":  0,
					"note":          "new activity with no baseline",
					"spike_factor":  spikeFactor,
				},
			})
		}
	}
	return matches, nil
}

// ProcessRealtimeEvent updates the persisted sequence state for one
// incoming event, returning a Match if the sequence completes.
//
// This is the documented real-time/batch divergence (see DESIGN.md): only
// the sequence pattern supports real-time incremental state, and it
// maintains a single open window per entity rather than re-examining every
// window on every event, matching
// _update_correlation_state's behavior in the original.
func (e *Engine) ProcessRealtimeEvent(ctx context.Context, ruleID string, cfg Config, event *ecs.NormalizedEvent) (*Match, error) {
	if cfg.PatternType != PatternSequence {
		return nil, nil
	}

	var matchedEventID string
	for _, eventDef := range cfg.Events {
		if eventMatchesSimpleQuery(event, eventDef.Query) {
			matchedEventID = eventDef.ID
			break
		}
	}
	if matchedEventID == "" {
		return nil, nil
	}

	key, ok := entityKey(cfg.JoinOn, event)
	if !ok {
		return nil, nil
	}

	window, err := ParseDuration(orDefault(cfg.Window, "5m"))
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	state, err := e.store.GetActive(ctx, ruleID, key, now)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state, err = e.store.Create(ctx, ruleID, key, now, now.Add(window))
		if err != nil {
			return nil, err
		}
	}

	state.Inner.Counts[matchedEventID]++
	state.Inner.MatchedEvents = append(state.Inner.MatchedEvents, MatchedStep{
		EventID:   fmt.Sprintf("%s@%d", event.SourceType, event.Timestamp.UnixNano()),
		Step:      matchedEventID,
		Timestamp: event.Timestamp,
	})

	thresholds, err := thresholdMap(cfg.Thresholds)
	if err != nil {
		return nil, err
	}
	complete := true
	for _, stepID := range cfg.Sequence.Order {
		count := state.Inner.Counts[stepID]
		if th, ok := thresholds[stepID]; ok {
			op := th[0].(string)
			val := th[1].(int)
			if !CheckThreshold(count, op, val) {
				complete = false
				break
			}
		} else if count == 0 {
			complete = false
			break
		}
	}

	if complete {
		state.Status = StatusCompleted
	}
	if err := e.store.Save(ctx, state); err != nil {
		return nil, err
	}
	if !complete {
		return nil, nil
	}

	return &Match{
		EntityKey:   key,
		TotalEvents: len(state.Inner.MatchedEvents),
		Details: map[string]any{
			"sequence":     cfg.Sequence.Order,
			"event_counts": state.Inner.Counts,
			"window_start": state.WindowStart,
			"window_end":   state.WindowEnd,
		},
	}, nil
}

// eventMatchesSimpleQuery evaluates the original's "field:value AND
// field:value" mini-grammar against a NormalizedEvent, supporting '*'
// wildcards per value.
func eventMatchesSimpleQuery(event *ecs.NormalizedEvent, query string) bool {
	parts := strings.Split(query, " AND ")
	for _, part := range parts {
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
		actualStr := fmt.Sprintf("%v", actual)
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

func wildcardMatch(value, pattern string) bool {
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
	if len(segments) > 0 && segments[len(segments)-1] != "" && !strings.HasSuffix(value, segments[len(segments)-1]) {
		return false
	}
	return true
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
