package config

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlagStoreSnapshotVersioning(t *testing.T) {
	store := NewFlagStore(DefaultFlags())

	before := store.Snapshot()
	assert.Equal(t, int64(1), before.Version)
	assert.True(t, before.RAG)

	after := store.Update(func(f *Flags) { f.RAG = false })
	assert.Equal(t, int64(2), after.Version)
	assert.False(t, after.RAG)

	// The earlier snapshot is unaffected by the update.
	assert.True(t, before.RAG)
	assert.False(t, store.Snapshot().RAG)
}

func TestFlagStoreConcurrentUpdates(t *testing.T) {
	store := NewFlagStore(DefaultFlags())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Update(func(f *Flags) { f.StreamingVerbose = !f.StreamingVerbose })
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(101), store.Snapshot().Version)
}

func TestFlagsYAMLApply(t *testing.T) {
	f := DefaultFlags()
	no := false
	yes := true

	(&FlagsYAML{HITL: &no, BreakerStrict: &yes}).apply(&f)

	assert.False(t, f.HITL)
	assert.True(t, f.BreakerStrict)
	// Untouched fields keep their defaults.
	assert.True(t, f.DecisionEngine)
	assert.False(t, f.StreamingVerbose)

	// A nil overlay is a no-op.
	var none *FlagsYAML
	none.apply(&f)
	assert.False(t, f.HITL)
}
