package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_EscalationOrder(t *testing.T) {
	e := NewEngine()

	got := []Name{e.Current().Name}
	for e.Escalate() {
		got = append(got, e.Current().Name)
	}

	assert.Equal(t, []Name{DirectFileFix, ContextualFileFix, UseTemplate, WebSearchForSolution}, got)
	assert.Equal(t, 3, e.Index())
	assert.Equal(t, 0, e.Remaining())
}

func TestEngine_ExhaustedLeavesIndex(t *testing.T) {
	e := NewEngineWithTable(Table[:2])

	require.True(t, e.Escalate())
	assert.False(t, e.Escalate())
	assert.False(t, e.Escalate())
	assert.Equal(t, ContextualFileFix, e.Current().Name)
}

func TestEngine_IndexMonotonic(t *testing.T) {
	e := NewEngine()
	prev := e.Index()
	for i := 0; i < 10; i++ {
		e.Escalate()
		assert.GreaterOrEqual(t, e.Index(), prev)
		prev = e.Index()
	}
}

func TestLookup(t *testing.T) {
	s, ok := Lookup(UseTemplate)
	require.True(t, ok)
	assert.Equal(t, 3, s.Complexity)

	_, ok = Lookup("rewrite_everything")
	assert.False(t, ok)
}
