package correlation

import (
	"context"
	"testing"
	"time"

	"github.com/Project-Eleanor/Eleanor-sub000/pkg/ecs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource is a minimal in-memory EventSource for exercising each
// correlation pattern without a real Postgres-backed event index.
type fakeSource struct {
	queryResults map[string][]*ecs.NormalizedEvent
	countIdx     int
	countSeq     []map[string]int // consumed in order across successive Count calls
}

func (f *fakeSource) Query(ctx context.Context, query string, from, to time.Time) ([]*ecs.NormalizedEvent, error) {
	return f.queryResults[query], nil
}

func (f *fakeSource) Count(ctx context.Context, query string, from, to time.Time, groupBy []string) (map[string]int, error) {
	if f.countIdx < len(f.countSeq) {
		out := f.countSeq[f.countIdx]
		f.countIdx++
		return out, nil
	}
	return map[string]int{}, nil
}

func eventWithUser(user string, ts time.Time) *ecs.NormalizedEvent {
	e := ecs.NewEvent("test", ts)
	e.UserName = user
	return e
}

func TestEngine_ExecuteSequence_MatchesWhenAllStepsPresent(t *testing.T) {
	now := time.Now().UTC()
	source := &fakeSource{queryResults: map[string][]*ecs.NormalizedEvent{
		"q_login": {eventWithUser("alice", now.Add(-4*time.Minute))},
		"q_priv":  {eventWithUser("alice", now.Add(-1 * time.Minute))},
	}}
	engine := New(source, nil)

	cfg := Config{
		PatternType: PatternSequence,
		Window:      "10m",
		Events: []EventDef{
			{ID: "login", Query: "q_login"},
			{ID: "priv_esc", Query: "q_priv"},
		},
		JoinOn:   []JoinField{{Field: "user_name"}},
		Sequence: SequenceSpec{Order: []string{"login", "priv_esc"}},
	}

	result := engine.Execute(context.Background(), "rule-seq", cfg)
	require.Equal(t, "completed", result.Status)
	require.Len(t, result.Matches, 1)
	assert.Equal(t, "user_name:alice", result.Matches[0].EntityKey)
	assert.Equal(t, 2, result.Matches[0].TotalEvents)
}

func TestEngine_ExecuteSequence_NoMatchWhenStepMissing(t *testing.T) {
	now := time.Now().UTC()
	source := &fakeSource{queryResults: map[string][]*ecs.NormalizedEvent{
		"q_login": {eventWithUser("alice", now)},
		"q_priv":  {},
	}}
	engine := New(source, nil)

	cfg := Config{
		PatternType: PatternSequence,
		Window:      "10m",
		Events: []EventDef{
			{ID: "login", Query: "q_login"},
			{ID: "priv_esc", Query: "q_priv"},
		},
		JoinOn:   []JoinField{{Field: "user_name"}},
		Sequence: SequenceSpec{Order: []string{"login", "priv_esc"}},
	}

	result := engine.Execute(context.Background(), "rule-seq", cfg)
	require.Equal(t, "completed", result.Status)
	assert.Empty(t, result.Matches)
}

func TestEngine_ExecuteTemporalJoin_MatchesWithinWindow(t *testing.T) {
	now := time.Now().UTC()
	source := &fakeSource{queryResults: map[string][]*ecs.NormalizedEvent{
		"q_a": {eventWithUser("bob", now.Add(-2 * time.Minute))},
		"q_b": {eventWithUser("bob", now)},
	}}
	engine := New(source, nil)

	cfg := Config{
		PatternType: PatternTemporalJoin,
		Window:      "5m",
		Lookback:    "1h",
		Events: []EventDef{
			{ID: "a", Query: "q_a"},
			{ID: "b", Query: "q_b"},
		},
		JoinOn: []JoinField{{Field: "user_name"}},
	}

	result := engine.Execute(context.Background(), "rule-join", cfg)
	require.Equal(t, "completed", result.Status)
	require.Len(t, result.Matches, 1)
	assert.Equal(t, "user_name:bob", result.Matches[0].EntityKey)
}

func TestEngine_ExecuteTemporalJoin_NoMatchOutsideWindow(t *testing.T) {
	now := time.Now().UTC()
	source := &fakeSource{queryResults: map[string][]*ecs.NormalizedEvent{
		"q_a": {eventWithUser("bob", now.Add(-40 * time.Minute))},
		"q_b": {eventWithUser("bob", now)},
	}}
	engine := New(source, nil)

	cfg := Config{
		PatternType: PatternTemporalJoin,
		Window:      "5m",
		Lookback:    "1h",
		Events: []EventDef{
			{ID: "a", Query: "q_a"},
			{ID: "b", Query: "q_b"},
		},
		JoinOn: []JoinField{{Field: "user_name"}},
	}

	result := engine.Execute(context.Background(), "rule-join", cfg)
	require.Equal(t, "completed", result.Status)
	assert.Empty(t, result.Matches)
}

func TestEngine_ExecuteAggregation_FlagsOverThreshold(t *testing.T) {
	source := &fakeSource{countSeq: []map[string]int{
		{"host-1": 5, "host-2": 1},
	}}
	engine := New(source, nil)

	cfg := Config{
		PatternType: PatternAggregation,
		Window:      "5m",
		Query:       "*",
		GroupBy:     []string{"host_name"},
		Threshold:   AggThreshold{Count: ">= 3"},
	}

	result := engine.Execute(context.Background(), "rule-agg", cfg)
	require.Equal(t, "completed", result.Status)
	require.Len(t, result.Matches, 1)
	assert.Equal(t, "host-1", result.Matches[0].EntityKey)
	assert.Equal(t, 5, result.Matches[0].TotalEvents)
}

func TestEngine_ExecuteSpike_FlagsRatioAboveFactor(t *testing.T) {
	source := &fakeSource{countSeq: []map[string]int{
		{"host-1": 30}, // current window
		{"host-1": 60}, // baseline window (1h = 12x current 5m window)
	}}
	engine := New(source, nil)

	cfg := Config{
		PatternType:    PatternSpike,
		CurrentWindow:  "5m",
		BaselineWindow: "1h",
		SpikeFactor:    3.0,
		Query:          "*",
		GroupBy:        []string{"host_name"},
	}

	result := engine.Execute(context.Background(), "rule-spike", cfg)
	require.Equal(t, "completed", result.Status)
	require.Len(t, result.Matches, 1)
	assert.Equal(t, "host-1", result.Matches[0].EntityKey)
	assert.GreaterOrEqual(t, result.Matches[0].Details["spike_ratio"].(float64), 3.0)
}

func TestEngine_ExecuteSpike_NoBaselineStillFlagsNewActivity(t *testing.T) {
	source := &fakeSource{countSeq: []map[string]int{
		{"host-new": 10},
		{}, // no baseline activity at all
	}}
	engine := New(source, nil)

	cfg := Config{
		PatternType:    PatternSpike,
		CurrentWindow:  "5m",
		BaselineWindow: "1h",
		Query:          "*",
		GroupBy:        []string{"host_name"},
	}

	result := engine.Execute(context.Background(), "rule-spike-new", cfg)
	require.Equal(t, "completed", result.Status)
	require.Len(t, result.Matches, 1)
	assert.Equal(t, "new activity with no baseline", result.Matches[0].Details["note"])
}

func TestEngine_Execute_UnknownPatternTypeFails(t *testing.T) {
	engine := New(&fakeSource{}, nil)
	result := engine.Execute(context.Background(), "rule-x", Config{PatternType: "bogus"})
	assert.Equal(t, "failed", result.Status)
	assert.NotEmpty(t, result.Error)
}
