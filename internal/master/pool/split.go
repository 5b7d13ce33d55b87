package pool

import (
	"github.com/pkg/errors"

	"tandem/pkg/model"
)

// 常用的池名
const (
	GlobalPool          = "global_pool"
	ActorRolloutRefPool = "actor_rollout_ref_pool"
	CriticPool          = "critic_pool"
	RewardPool          = "reward_pool"
)

// TwoPoolSplit 把每个节点的 n 张卡切成两个池
// 第一个池拿 ceil(n/2)，第二个池拿 floor(n/2)，n 为奇数时多出的一张给第一个池
func TwoPoolSplit(devicesPerNode, nodeCount int, first, second string) (model.DeviceBudget, model.PoolSpec, error) {
	if nodeCount < 1 {
		return model.DeviceBudget{}, nil, errors.Wrapf(model.ErrInvalidBudget, "node count %d", nodeCount)
	}
	if devicesPerNode < 2 {
		return model.DeviceBudget{}, nil, &InsufficientDevicesError{Requested: 2, Available: devicesPerNode}
	}

	budget := model.NewUniformBudget(devicesPerNode, nodeCount)
	spec, err := SplitBudget(budget, first, second)
	if err != nil {
		return model.DeviceBudget{}, nil, err
	}
	return budget, spec, nil
}

// SplitBudget 对每个节点分别做 ceil/floor 切分，节点卡数可以不同
// 从存储里注册的节点构造预算时用它
func SplitBudget(budget model.DeviceBudget, first, second string) (model.PoolSpec, error) {
	if err := budget.Validate(); err != nil {
		return nil, err
	}
	if budget.NodeCount < 1 {
		return nil, errors.Wrap(model.ErrInvalidBudget, "no nodes")
	}

	a := make([]int, budget.NodeCount)
	c := make([]int, budget.NodeCount)
	for i, n := range budget.DevicesPerNode {
		if n < 2 {
			return nil, &InsufficientDevicesError{Requested: 2, Available: n}
		}
		a[i] = (n + 1) / 2
		c[i] = n / 2
	}
	return model.PoolSpec{
		{Name: first, DevicesPerNode: a},
		{Name: second, DevicesPerNode: c},
	}, nil
}

// SplitPlacement actor/rollout/ref 一个池，critic 一个池
// 没有独立 reward 池时 reward 也放在 actor 池
func SplitPlacement(devicesPerNode, nodeCount int) (model.DeviceBudget, model.PoolSpec, model.RoleMapping, error) {
	budget, spec, err := TwoPoolSplit(devicesPerNode, nodeCount, ActorRolloutRefPool, CriticPool)
	if err != nil {
		return model.DeviceBudget{}, nil, nil, err
	}
	mapping := model.RoleMapping{
		model.RoleActorRollout: ActorRolloutRefPool,
		model.RoleRefPolicy:    ActorRolloutRefPool,
		model.RoleCritic:       CriticPool,
		model.RoleRewardModel:  ActorRolloutRefPool,
	}
	return budget, spec, mapping, nil
}

// SharedPool 所有卡放进一个池 (standard placement)
func SharedPool(budget model.DeviceBudget, name string) model.PoolSpec {
	return model.PoolSpec{
		{Name: name, DevicesPerNode: append([]int(nil), budget.DevicesPerNode...)},
	}
}

// StandardPlacement 单一共享池，所有内置角色都映射到它
func StandardPlacement(devicesPerNode, nodeCount int) (model.DeviceBudget, model.PoolSpec, model.RoleMapping) {
	budget := model.NewUniformBudget(devicesPerNode, nodeCount)
	mapping := make(model.RoleMapping, len(model.KnownRoles))
	for _, r := range model.KnownRoles {
		mapping[r] = GlobalPool
	}
	return budget, SharedPool(budget, GlobalPool), mapping
}

// WithDedicatedNodes 追加 nodes 个新节点，每个节点 perNode 张卡，整块给新池 name
// 已有的池在新节点上申请 0 张
func WithDedicatedNodes(budget model.DeviceBudget, spec model.PoolSpec, name string, perNode, nodes int) (model.DeviceBudget, model.PoolSpec, error) {
	if perNode <= 0 {
		return budget, spec, errors.Errorf("pool %q: devices per node must be greater than 0, got %d", name, perNode)
	}
	if nodes <= 0 {
		return budget, spec, errors.Errorf("pool %q: node count must be greater than 0, got %d", name, nodes)
	}

	extended := model.DeviceBudget{
		DevicesPerNode: append(append([]int(nil), budget.DevicesPerNode...), repeat(perNode, nodes)...),
		NodeCount:      budget.NodeCount + nodes,
	}
	out := make(model.PoolSpec, 0, len(spec)+1)
	for _, req := range spec {
		out = append(out, model.PoolRequest{
			Name:           req.Name,
			DevicesPerNode: append(append([]int(nil), req.DevicesPerNode...), repeat(0, nodes)...),
		})
	}
	out = append(out, model.PoolRequest{
		Name:           name,
		DevicesPerNode: append(repeat(0, budget.NodeCount), repeat(perNode, nodes)...),
	})
	return extended, out, nil
}

func repeat(v, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = v
	}
	return out
}
