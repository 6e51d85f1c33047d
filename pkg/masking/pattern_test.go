package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompileBuiltinPatterns(t *testing.T) {
	patterns := compileBuiltinPatterns(nil)

	assert.Equal(t, len(builtinPatterns), len(patterns))
	for _, p := range patterns {
		assert.NotNil(t, p.Regex)
		assert.NotEmpty(t, p.Replacement)
	}
}

func TestCompileBuiltinPatterns_NamesUnique(t *testing.T) {
	seen := map[string]bool{}
	for _, p := range compileBuiltinPatterns(nil) {
		assert.False(t, seen[p.Name], "duplicate pattern name %q", p.Name)
		seen[p.Name] = true
	}
}
