package worker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tandem/internal/master/pool"
	"tandem/internal/worker"
	"tandem/pkg/model"
)

func TestBindAll(t *testing.T) {
	budget, spec, mapping, err := pool.SplitPlacement(4, 1)
	require.NoError(t, err)
	m, err := pool.Allocate(budget, spec, mapping)
	require.NoError(t, err)

	set, err := worker.BindAll(m, constFactory(time.Millisecond))
	require.NoError(t, err)
	defer set.Close()

	require.Len(t, set.Groups(), 2)

	actor, err := set.ForRole(model.RoleActorRollout)
	require.NoError(t, err)
	ref, err := set.ForRole(model.RoleRefPolicy)
	require.NoError(t, err)
	critic, err := set.ForRole(model.RoleCritic)
	require.NoError(t, err)

	assert.Same(t, actor, ref)
	assert.NotSame(t, actor, critic)
	assert.Equal(t, pool.CriticPool, critic.Pool().Name)
	assert.Equal(t, 2, critic.Size())

	g, ok := set.ForPool(pool.ActorRolloutRefPool)
	require.True(t, ok)
	assert.Same(t, actor, g)

	reward, err := set.ForRole(model.RoleRewardModel)
	require.NoError(t, err)
	assert.Same(t, actor, reward)

	_, err = set.ForRole("Judge")
	assert.Error(t, err)
}
