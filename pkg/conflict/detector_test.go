package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/quorum/pkg/config"
)

func newTestDetector() *Detector {
	return NewDetector(config.ConflictSettings{NumericTolerance: 0.1, Window: 10})
}

func TestNumericDisagreement(t *testing.T) {
	d := newTestDetector()
	history := []AgentClaim{
		{Agent: "analyst", Turn: 1, Text: "Revenue grew 12% last quarter."},
	}
	findings := d.Inspect(AgentClaim{Agent: "researcher", Turn: 2,
		Text: "Revenue grew 18% last quarter."}, history)

	require.Len(t, findings, 1)
	assert.Equal(t, KindNumericDisagreement, findings[0].Kind)
	assert.Equal(t, [2]string{"researcher", "analyst"}, findings[0].Agents)
	assert.Contains(t, findings[0].Excerpt, "analyst")
	assert.Contains(t, findings[0].Excerpt, "researcher")
}

func TestNumericWithinTolerance(t *testing.T) {
	d := newTestDetector()
	history := []AgentClaim{
		{Agent: "analyst", Turn: 1, Text: "Revenue grew 12% last quarter."},
	}
	findings := d.Inspect(AgentClaim{Agent: "researcher", Turn: 2,
		Text: "Revenue grew 12.5% last quarter."}, history)
	assert.Empty(t, findings)
}

func TestNumericScaleUnitsNormalized(t *testing.T) {
	d := newTestDetector()
	history := []AgentClaim{
		{Agent: "analyst", Turn: 1, Text: "Revenue reached 2 billion this year."},
	}
	findings := d.Inspect(AgentClaim{Agent: "researcher", Turn: 2,
		Text: "Revenue was 1,500 million this year."}, history)

	require.Len(t, findings, 1)
	assert.Equal(t, KindNumericDisagreement, findings[0].Kind)
}

func TestDifferentAnchorsNoConflict(t *testing.T) {
	d := newTestDetector()
	history := []AgentClaim{
		{Agent: "analyst", Turn: 1, Text: "Revenue grew 12% last quarter."},
	}
	findings := d.Inspect(AgentClaim{Agent: "researcher", Turn: 2,
		Text: "Churn grew 25% last quarter."}, history)
	assert.Empty(t, findings)
}

func TestOpposingPolarity(t *testing.T) {
	d := newTestDetector()
	history := []AgentClaim{
		{Agent: "analyst", Turn: 1, Text: "Margins improved across the board."},
	}
	findings := d.Inspect(AgentClaim{Agent: "critic", Turn: 2,
		Text: "Margins worsened across the board."}, history)

	require.Len(t, findings, 1)
	assert.Equal(t, KindOpposingPolarity, findings[0].Kind)
}

func TestNegationFlipsPolarity(t *testing.T) {
	d := newTestDetector()
	history := []AgentClaim{
		{Agent: "analyst", Turn: 1, Text: "Margins improved across the board."},
	}
	findings := d.Inspect(AgentClaim{Agent: "critic", Turn: 2,
		Text: "Margins did not improve across the board."}, history)

	require.Len(t, findings, 1)
	assert.Equal(t, KindOpposingPolarity, findings[0].Kind)
}

func TestAgreementNoFinding(t *testing.T) {
	d := newTestDetector()
	history := []AgentClaim{
		{Agent: "analyst", Turn: 1, Text: "Margins improved across the board."},
	}
	findings := d.Inspect(AgentClaim{Agent: "critic", Turn: 2,
		Text: "Margins improved noticeably."}, history)
	assert.Empty(t, findings)
}

func TestContradictoryRecommendations(t *testing.T) {
	d := newTestDetector()

	t.Run("should vs should not", func(t *testing.T) {
		history := []AgentClaim{
			{Agent: "analyst", Turn: 1, Text: "We should adopt the new vendor."},
		}
		findings := d.Inspect(AgentClaim{Agent: "critic", Turn: 2,
			Text: "We should not adopt the new vendor yet."}, history)
		require.Len(t, findings, 1)
		assert.Equal(t, KindContradictoryRecommendation, findings[0].Kind)
	})

	t.Run("recommend vs advise against", func(t *testing.T) {
		history := []AgentClaim{
			{Agent: "analyst", Turn: 1, Text: "I recommend migrating this quarter."},
		}
		findings := d.Inspect(AgentClaim{Agent: "critic", Turn: 2,
			Text: "I advise against migrating until the audit completes."}, history)
		require.Len(t, findings, 1)
		assert.Equal(t, KindContradictoryRecommendation, findings[0].Kind)
	})
}

func TestSameAgentNeverConflictsWithItself(t *testing.T) {
	d := newTestDetector()
	history := []AgentClaim{
		{Agent: "analyst", Turn: 1, Text: "Revenue grew 12% last quarter."},
	}
	findings := d.Inspect(AgentClaim{Agent: "analyst", Turn: 2,
		Text: "Revenue grew 30% last quarter."}, history)
	assert.Empty(t, findings)
}

func TestWindowBoundsComparison(t *testing.T) {
	d := NewDetector(config.ConflictSettings{NumericTolerance: 0.1, Window: 1})
	history := []AgentClaim{
		{Agent: "analyst", Turn: 1, Text: "Revenue grew 12% last quarter."},
		{Agent: "ops", Turn: 2, Text: "Deployment is on track."},
	}
	findings := d.Inspect(AgentClaim{Agent: "researcher", Turn: 3,
		Text: "Revenue grew 40% last quarter."}, history)
	assert.Empty(t, findings, "conflicting claim is outside the window")
}

func TestOneFindingPerAgentAndKind(t *testing.T) {
	d := newTestDetector()
	history := []AgentClaim{
		{Agent: "analyst", Turn: 1, Text: "Revenue grew 12% last quarter."},
		{Agent: "analyst", Turn: 2, Text: "Revenue grew 13% in the same period."},
	}
	findings := d.Inspect(AgentClaim{Agent: "researcher", Turn: 3,
		Text: "Revenue grew 40% last quarter."}, history)
	require.Len(t, findings, 1)
}

func TestLongExcerptClipped(t *testing.T) {
	d := newTestDetector()
	long := "Revenue grew 12% last quarter, and this sentence keeps going with a lot of " +
		"additional framing text that pushes it well past the excerpt limit for findings."
	history := []AgentClaim{{Agent: "analyst", Turn: 1, Text: long}}
	findings := d.Inspect(AgentClaim{Agent: "researcher", Turn: 2,
		Text: "Revenue grew 40% last quarter."}, history)

	require.Len(t, findings, 1)
	assert.Contains(t, findings[0].Excerpt, "...")
}
