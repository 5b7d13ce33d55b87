package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tandem/pkg/model"
)

var (
	_ Store = (*Memory)(nil)
	_ Store = (*EtcdManager)(nil)
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "/tandem/rounds/00000042", RoundKey(42))
	assert.Equal(t, "/tandem/nodes/gpu-03", NodeKey("gpu-03"))
	// 补零后字典序和数值序一致
	assert.Less(t, RoundKey(9), RoundKey(10))
}

func TestMemoryPlacement(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	_, err := s.GetPlacement(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	p := &model.Placement{
		Budget:  model.NewUniformBudget(4, 1),
		Mapping: model.RoleMapping{model.RoleCritic: "critic_pool"},
		Pools: []*model.ResourcePool{{
			Name:           "critic_pool",
			DevicesPerNode: []int{2},
			Devices:        []model.Device{{Node: 0, Index: 2}, {Node: 0, Index: 3}},
		}},
	}
	require.NoError(t, s.SavePlacement(ctx, p))

	got, err := s.GetPlacement(ctx)
	require.NoError(t, err)
	assert.Equal(t, p.Budget, got.Budget)
	assert.Equal(t, "critic_pool", got.Mapping[model.RoleCritic])
	assert.Equal(t, p.Pools[0].Devices, got.Pools[0].Devices)
}

func TestMemoryRounds(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	_, err := s.GetRound(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	rec := &model.RoundRecord{Step: 1, State: model.RoundSucceeded, Metrics: model.Metrics{"timing_s/step": 1.5}}
	require.NoError(t, Reporter{Store: s}.Report(ctx, rec))

	got, err := s.GetRound(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1.5, got.Metrics["timing_s/step"])

	// 读出的是副本
	got.Metrics["timing_s/step"] = 0
	again, err := s.GetRound(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1.5, again.Metrics["timing_s/step"])
}

func TestMemoryWatchRounds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewMemory()
	events := s.WatchRounds(ctx)

	go func() {
		for step := 1; step <= 2; step++ {
			_ = s.SaveRound(context.Background(), &model.RoundRecord{Step: step, State: model.RoundSucceeded})
		}
	}()

	for want := 1; want <= 2; want++ {
		select {
		case ev := <-events:
			assert.Equal(t, RoundPut, ev.Type)
			assert.Equal(t, want, ev.Round.Step)
		case <-time.After(time.Second):
			t.Fatalf("no event for step %d", want)
		}
	}

	cancel()
	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}

	// 订阅者退出后保存不会阻塞
	require.NoError(t, s.SaveRound(context.Background(), &model.RoundRecord{Step: 3}))
}

func TestMemoryNodes(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.RegisterNode(ctx, &model.Node{ID: "b", Devices: 8, Status: model.NodeReady}))
	require.NoError(t, s.RegisterNode(ctx, &model.Node{ID: "a", Devices: 4, Status: model.NodeReady}))
	require.NoError(t, s.RegisterNode(ctx, &model.Node{ID: "a", Devices: 6, Status: model.NodeReady}))

	nodes, err := s.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	budget, ordered := model.BudgetFromNodes(nodes)
	assert.Equal(t, []int{6, 8}, budget.DevicesPerNode)
	assert.Equal(t, "a", ordered[0].ID)
}
