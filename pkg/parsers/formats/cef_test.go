package formats

import (
	"strings"
	"testing"

	"github.com/Project-Eleanor/Eleanor-sub000/pkg/ecs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCEFParser_ParsesLoginEvent(t *testing.T) {
	p := NewCEFParser(nil)
	line := "CEF:0|Vendor|Product|1.0|100|User logon|3|src=10.1.1.1 spt=443 suser=alice msg=Login successful"

	var got *ecs.NormalizedEvent
	stats, err := p.Parse(strings.NewReader(line), "test.cef", func(e *ecs.NormalizedEvent) error {
		got = e
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, stats.RecordsParsed)
	require.NotNil(t, got)

	assert.Equal(t, "10.1.1.1", got.SourceIP)
	assert.Equal(t, 443, got.SourcePort)
	assert.Equal(t, "alice", got.UserName)
	assert.Equal(t, 30, got.EventSeverity)
	assert.Equal(t, "Vendor", got.Labels["device_vendor"])
	assert.Equal(t, "Login successful", got.Message)
}

func TestCEFParser_CanParse(t *testing.T) {
	p := NewCEFParser(nil)
	assert.True(t, p.CanParse("x.cef", nil))
	assert.True(t, p.CanParse("x.log", []byte("CEF:0|a|b|c|d|e|1|f=g")))
	assert.False(t, p.CanParse("x.json", []byte(`{"foo":"bar"}`)))
}

func TestCEFParser_SkipsMalformedLineContinuesStream(t *testing.T) {
	p := NewCEFParser(nil)
	input := "not a cef line\nCEF:0|V|P|1.0|1|Name|5|src=1.2.3.4\n"

	var events []*ecs.NormalizedEvent
	stats, err := p.Parse(strings.NewReader(input), "mixed.cef", func(e *ecs.NormalizedEvent) error {
		events = append(events, e)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RecordsParsed)
	assert.Len(t, events, 1)
	assert.Equal(t, "1.2.3.4", events[0].SourceIP)
}

func TestMapSeverity(t *testing.T) {
	assert.Equal(t, 0, mapSeverity("unknown"))
	assert.Equal(t, 30, mapSeverity("3"))
	assert.Equal(t, 100, mapSeverity("critical"))
	assert.Equal(t, 60, mapSeverity("high"))
}
