package scratchpad

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/quorum/pkg/guard"
)

func TestAppendPreservesOrder(t *testing.T) {
	p := New(guard.NewEstimator(), 0)
	p.Append(Note{Turn: 1, Agent: "analyst", Kind: KindFact, Text: "revenue grew 12%"})
	p.Append(Note{Turn: 2, Agent: "critic", Kind: KindQuestion, Text: "compared to which quarter?"})

	notes := p.Notes()
	require.Len(t, notes, 2)
	assert.Equal(t, KindFact, notes[0].Kind)
	assert.Equal(t, KindQuestion, notes[1].Kind)
	assert.Equal(t, 2, p.Len())
}

func TestNotesReturnsCopy(t *testing.T) {
	p := New(guard.NewEstimator(), 0)
	p.Append(Note{Turn: 1, Agent: "a", Kind: KindFact, Text: "original"})

	notes := p.Notes()
	notes[0].Text = "mutated"
	assert.Equal(t, "original", p.Notes()[0].Text)
}

func TestByKind(t *testing.T) {
	p := New(guard.NewEstimator(), 0)
	p.Append(Note{Turn: 1, Agent: "a", Kind: KindFact, Text: "f1"})
	p.Append(Note{Turn: 1, Agent: "a", Kind: KindDecision, Text: "d1"})
	p.Append(Note{Turn: 2, Agent: "b", Kind: KindFact, Text: "f2"})

	facts := p.ByKind(KindFact)
	require.Len(t, facts, 2)
	assert.Equal(t, "f1", facts[0].Text)
	assert.Empty(t, p.ByKind(KindTodo))
}

func TestRenderedIncludesKindAndAgent(t *testing.T) {
	p := New(guard.NewEstimator(), 0)
	p.Append(Note{Turn: 3, Agent: "analyst", Kind: KindDecision, Text: "use the cheaper model"})

	r := p.Rendered()
	assert.Contains(t, r, "[decision]")
	assert.Contains(t, r, "use the cheaper model")
	assert.Contains(t, r, "analyst")
}

func TestCompactionArchivesAndSummarizes(t *testing.T) {
	p := New(guard.NewEstimator(), 200)

	appended := 0
	for i := 0; i < 200; i++ {
		kind := KindFact
		if i%3 == 0 {
			kind = KindDecision
		}
		appended++
		if p.Append(Note{Turn: i, Agent: "analyst", Kind: kind,
			Text: fmt.Sprintf("observation number %d about quarterly spending", i)}) {
			break
		}
	}
	require.Less(t, appended, 200, "pad must compact past its token bound")

	// The live pad collapsed to a single summary; originals are archived.
	notes := p.Notes()
	require.Len(t, notes, 1)
	assert.Equal(t, KindSummary, notes[0].Kind)
	assert.Contains(t, notes[0].Text, "Compacted notes:")
	// Decisions outrank facts in the extractive reduction.
	assert.Contains(t, notes[0].Text, "[decision]")
	assert.Len(t, p.Archived(), appended)
	assert.LessOrEqual(t, p.TokenSize(), 200)
}

func TestCompactionDisabledAtZero(t *testing.T) {
	p := New(guard.NewEstimator(), 0)
	for i := 0; i < 100; i++ {
		require.False(t, p.Append(Note{Turn: i, Agent: "a", Kind: KindFact,
			Text: fmt.Sprintf("note %d with some additional text payload", i)}))
	}
	assert.Equal(t, 100, p.Len())
	assert.Empty(t, p.Archived())
}
