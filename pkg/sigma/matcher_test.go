package sigma

import (
	"testing"
	"time"

	"github.com/Project-Eleanor/Eleanor-sub000/pkg/ecs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent() *ecs.NormalizedEvent {
	e := ecs.NewEvent("test", time.Now().UTC())
	e.ProcessName = "powershell.exe"
	e.ProcessCommandLine = "powershell.exe -EncodedCommand SQBFAFgA"
	e.UserName = "alice"
	e.HostName = "host-1"
	return e
}

func compileRule(t *testing.T, detection map[string]any, condition string) *Rule {
	t.Helper()
	detection["condition"] = condition
	r := &Rule{ID: "r1", Title: "test rule", Level: LevelHigh, Detection: detection}
	require.NoError(t, r.Compile())
	return r
}

func TestEventMatchesRule_SingleSelectionAnd(t *testing.T) {
	rule := compileRule(t, map[string]any{
		"selection": map[string]any{
			"process_name": "powershell.exe",
			"user_name":    "alice",
		},
	}, "selection")

	assert.True(t, EventMatchesRule(testEvent(), rule))
}

func TestEventMatchesRule_SelectionAndNotFilter(t *testing.T) {
	rule := compileRule(t, map[string]any{
		"selection": map[string]any{"process_name": "powershell.exe"},
		"filter":    map[string]any{"user_name": "bob"},
	}, "selection and not filter")

	assert.True(t, EventMatchesRule(testEvent(), rule))
}

func TestEventMatchesRule_SelectionAndFilterExcludes(t *testing.T) {
	rule := compileRule(t, map[string]any{
		"selection": map[string]any{"process_name": "powershell.exe"},
		"filter":    map[string]any{"user_name": "alice"},
	}, "selection and not filter")

	assert.False(t, EventMatchesRule(testEvent(), rule))
}

func TestEventMatchesRule_ContainsModifier(t *testing.T) {
	rule := compileRule(t, map[string]any{
		"selection": map[string]any{"process_command_line|contains": "EncodedCommand"},
	}, "selection")

	assert.True(t, EventMatchesRule(testEvent(), rule))
}

func TestEventMatchesRule_EndswithModifier(t *testing.T) {
	rule := compileRule(t, map[string]any{
		"selection": map[string]any{"process_name|endswith": ".exe"},
	}, "selection")

	assert.True(t, EventMatchesRule(testEvent(), rule))
}

func TestEventMatchesRule_WildcardPattern(t *testing.T) {
	rule := compileRule(t, map[string]any{
		"selection": map[string]any{"process_name": "power*.exe"},
	}, "selection")

	assert.True(t, EventMatchesRule(testEvent(), rule))
}

func TestEventMatchesRule_OrAcrossListAlternatives(t *testing.T) {
	rule := compileRule(t, map[string]any{
		"selection": []any{
			map[string]any{"user_name": "mallory"},
			map[string]any{"user_name": "alice"},
		},
	}, "selection")

	assert.True(t, EventMatchesRule(testEvent(), rule))
}

func TestEventMatchesRule_AllOfThem(t *testing.T) {
	rule := compileRule(t, map[string]any{
		"sel1": map[string]any{"process_name": "powershell.exe"},
		"sel2": map[string]any{"user_name": "alice"},
	}, "all of them")

	assert.True(t, EventMatchesRule(testEvent(), rule))
}

func TestEventMatchesRule_AllOfThemFailsWhenOneBlockMisses(t *testing.T) {
	rule := compileRule(t, map[string]any{
		"sel1": map[string]any{"process_name": "powershell.exe"},
		"sel2": map[string]any{"user_name": "bob"},
	}, "all of them")

	assert.False(t, EventMatchesRule(testEvent(), rule))
}

func TestEventMatchesRule_NOfSelector(t *testing.T) {
	rule := compileRule(t, map[string]any{
		"sel_a": map[string]any{"process_name": "powershell.exe"},
		"sel_b": map[string]any{"user_name": "bob"},
		"sel_c": map[string]any{"host_name": "host-1"},
	}, "1 of sel_*")

	assert.True(t, EventMatchesRule(testEvent(), rule))
}

func TestEventMatchesRule_NilPatternRequiresAbsentField(t *testing.T) {
	rule := compileRule(t, map[string]any{
		"selection": map[string]any{"labels.campaign": nil},
	}, "selection")

	assert.True(t, EventMatchesRule(testEvent(), rule), "labels.campaign is unset on testEvent, nil pattern should match absence")

	withLabel := testEvent()
	withLabel.SetLabel("campaign", "apt29")
	assert.False(t, EventMatchesRule(withLabel, rule), "nil pattern must not match a present value")
}

func TestMatchEvent_ReturnsOneMatchPerSatisfiedRule(t *testing.T) {
	matching := compileRule(t, map[string]any{
		"selection": map[string]any{"process_name": "powershell.exe"},
	}, "selection")
	nonMatching := compileRule(t, map[string]any{
		"selection": map[string]any{"process_name": "cmd.exe"},
	}, "selection")
	nonMatching.ID = "r2"

	matches := MatchEvent(testEvent(), []*Rule{matching, nonMatching})
	require.Len(t, matches, 1)
	assert.Equal(t, "r1", matches[0].Rule.ID)
	assert.Contains(t, matches[0].MatchedFields, "process_name")
}
