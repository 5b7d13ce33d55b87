package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceBudgetValidate(t *testing.T) {
	tests := []struct {
		name    string
		budget  DeviceBudget
		wantErr bool
	}{
		{"uniform", NewUniformBudget(8, 2), false},
		{"empty", DeviceBudget{}, false},
		{"count mismatch", DeviceBudget{DevicesPerNode: []int{8}, NodeCount: 2}, true},
		{"negative", DeviceBudget{DevicesPerNode: []int{8, -1}, NodeCount: 2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.budget.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidBudget)
			} else {
				assert.NoError(t, err)
			}
		})
	}
	assert.Equal(t, 16, NewUniformBudget(8, 2).Total())
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("  actorrollout ")
	require.NoError(t, err)
	assert.Equal(t, RoleActorRollout, r)

	r, err = ParseRole("Judge")
	require.NoError(t, err)
	assert.Equal(t, Role("Judge"), r)

	_, err = ParseRole("")
	assert.Error(t, err)
}

func TestBatchWithInputsKeepsReceiver(t *testing.T) {
	b := NewBatch(3, 128, "payload")
	require.NotEmpty(t, b.ID)

	inputs := map[string]*CallResult{"gen": {Pool: "actor_rollout_ref_pool", Op: "generate_sequences"}}
	derived := b.WithInputs(inputs)
	inputs["values"] = &CallResult{}

	assert.Nil(t, b.Inputs)
	assert.Equal(t, b.ID, derived.ID)
	_, ok := derived.Input("gen")
	assert.True(t, ok)
	_, ok = derived.Input("values")
	assert.False(t, ok)
}

func TestBudgetFromNodes(t *testing.T) {
	budget, ready := BudgetFromNodes([]*Node{
		{ID: "n2", Devices: 4, Status: NodeReady},
		{ID: "n0", Devices: 8, Status: NodeReady},
		{ID: "n1", Devices: 8, Status: NodeOffline},
		nil,
	})
	assert.Equal(t, DeviceBudget{DevicesPerNode: []int{8, 4}, NodeCount: 2}, budget)
	require.Len(t, ready, 2)
	assert.Equal(t, "n0", ready[0].ID)
}

func TestResourcePool(t *testing.T) {
	p := &ResourcePool{
		Name:           "critic_pool",
		DevicesPerNode: []int{1, 2},
		Devices:        []Device{{Node: 0, Index: 3}, {Node: 1, Index: 2}, {Node: 1, Index: 3}},
	}
	assert.Equal(t, 3, p.Size())
	assert.Equal(t, []Device{{Node: 1, Index: 2}, {Node: 1, Index: 3}}, p.DevicesOn(1))
	assert.Equal(t, "node1/gpu2", p.Devices[1].String())
	assert.Equal(t, []string{"a", "b"}, Metrics{"b": 1, "a": 2}.Keys())
}
