package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func TestRegisterCompilesSchemas(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Spec{
		Name:         "lookup",
		InputSchema:  `{"type":"object","required":["id"],"properties":{"id":{"type":"string"}}}`,
		OutputSchema: `{"type":"object"}`,
		SideEffects:  EffectRead,
		SafetyLevel:  SafetySafe,
	}, okHandler))

	tool, ok := reg.Snapshot().Get("lookup")
	require.True(t, ok)
	assert.NoError(t, tool.ValidateInput(json.RawMessage(`{"id":"x"}`)))
	assert.Error(t, tool.ValidateInput(json.RawMessage(`{"id":7}`)))
	assert.Error(t, tool.ValidateInput(json.RawMessage(`not json`)))
}

func TestRegisterRejectsBrokenSchema(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(Spec{
		Name:        "broken",
		InputSchema: `{"type": [`,
	}, okHandler)
	assert.Error(t, err)

	err = reg.Register(Spec{Name: "", InputSchema: `{}`}, okHandler)
	assert.Error(t, err, "name is required")
}

func TestRegistrySnapshotsAreVersionedAndImmutable(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Spec{Name: "a", InputSchema: `{}`}, okHandler))
	before := reg.Snapshot()
	require.NoError(t, reg.Register(Spec{Name: "b", InputSchema: `{}`}, okHandler))
	after := reg.Snapshot()

	assert.Equal(t, before.Version()+1, after.Version())
	_, ok := before.Get("b")
	assert.False(t, ok, "earlier snapshot does not see later registrations")
	assert.Equal(t, []string{"a", "b"}, after.Names())

	assert.Error(t, reg.Register(Spec{Name: "a", InputSchema: `{}`}, okHandler), "duplicate name")
}
