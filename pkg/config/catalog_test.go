package config

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAgents() map[string]*AgentSpec {
	return map[string]*AgentSpec{
		"alpha": {Capabilities: []string{"technical"}, SystemPrompt: "a", Tier: TierSpecialist, CostFactor: 1},
		"beta":  {Capabilities: []string{"research"}, SystemPrompt: "b", Tier: TierCritic, CostFactor: 1},
	}
}

func TestCatalogSnapshotIsolation(t *testing.T) {
	source := testAgents()
	catalog := NewAgentCatalog(source)

	// Mutating the source map after construction must not affect the catalog.
	source["gamma"] = &AgentSpec{SystemPrompt: "x"}
	delete(source, "alpha")

	snap := catalog.Snapshot()
	assert.Equal(t, int64(1), snap.Version())
	assert.Equal(t, []string{"alpha", "beta"}, snap.Names())

	_, err := snap.Get("gamma")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestCatalogReloadVersionsSnapshots(t *testing.T) {
	catalog := NewAgentCatalog(testAgents())
	old := catalog.Snapshot()

	next := testAgents()
	next["gamma"] = &AgentSpec{Capabilities: []string{"ops"}, SystemPrompt: "g", Tier: TierSpecialist, CostFactor: 1}
	reloaded := catalog.Reload(next)

	// The old snapshot is frozen; the new one observes the reload.
	assert.Equal(t, int64(1), old.Version())
	assert.Equal(t, 2, old.Len())
	assert.Equal(t, int64(2), reloaded.Version())
	assert.Equal(t, 3, reloaded.Len())
	assert.Equal(t, int64(2), catalog.Snapshot().Version())
}

func TestSnapshotByTierAndNameSet(t *testing.T) {
	snap := NewAgentCatalog(testAgents()).Snapshot()

	assert.Equal(t, []string{"beta"}, snap.ByTier(TierCritic))
	assert.Empty(t, snap.ByTier(TierGeneralist))

	set := snap.NameSet()
	assert.True(t, set["alpha"])
	assert.False(t, set["gamma"])
}

func TestCatalogConcurrentAccess(t *testing.T) {
	catalog := NewAgentCatalog(testAgents())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			snap := catalog.Snapshot()
			_, err := snap.Get("alpha")
			require.NoError(t, err)
		}(i)
		go func(i int) {
			defer wg.Done()
			next := testAgents()
			next[fmt.Sprintf("agent-%d", i)] = &AgentSpec{
				Capabilities: []string{"ops"}, SystemPrompt: "p", Tier: TierSpecialist, CostFactor: 1,
			}
			catalog.Reload(next)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(51), catalog.Snapshot().Version())
}

func TestAgentSpecHelpers(t *testing.T) {
	spec := &AgentSpec{
		Capabilities: []string{"financial", "research"},
		ToolPolicy:   []string{"db_query"},
	}
	assert.True(t, spec.HasCapability("financial"))
	assert.False(t, spec.HasCapability("creative"))
	assert.True(t, spec.AllowsTool("db_query"))
	assert.False(t, spec.AllowsTool("web_search"))
}
