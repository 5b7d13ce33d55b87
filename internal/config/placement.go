package config

import (
	"github.com/pkg/errors"

	"tandem/internal/master/pool"
	"tandem/pkg/model"
)

// BuildPlacement 根据放置策略把预算变成池申请和角色映射
// 启用独立 reward 池时在预算末尾追加专用节点
func BuildPlacement(cfg *Config, budget model.DeviceBudget) (model.DeviceBudget, model.PoolSpec, model.RoleMapping, error) {
	var (
		spec    model.PoolSpec
		mapping model.RoleMapping
		err     error
	)

	switch cfg.Trainer.Placement {
	case PlacementSplit:
		spec, err = pool.SplitBudget(budget, pool.ActorRolloutRefPool, pool.CriticPool)
		if err != nil {
			return model.DeviceBudget{}, nil, nil, err
		}
		mapping = model.RoleMapping{
			model.RoleActorRollout: pool.ActorRolloutRefPool,
			model.RoleRefPolicy:    pool.ActorRolloutRefPool,
			model.RoleCritic:       pool.CriticPool,
			model.RoleRewardModel:  pool.ActorRolloutRefPool,
		}
	case PlacementStandard:
		spec = pool.SharedPool(budget, pool.GlobalPool)
		mapping = make(model.RoleMapping, len(model.KnownRoles))
		for _, r := range model.KnownRoles {
			mapping[r] = pool.GlobalPool
		}
	case PlacementCustom:
		spec = make(model.PoolSpec, 0, len(cfg.ResourcePools))
		for _, req := range cfg.ResourcePools {
			spec = append(spec, model.PoolRequest{
				Name:           req.Name,
				DevicesPerNode: append([]int(nil), req.DevicesPerNode...),
			})
		}
		mapping, err = ParseRoleMapping(cfg.RoleMapping)
		if err != nil {
			return model.DeviceBudget{}, nil, nil, err
		}
	default:
		return model.DeviceBudget{}, nil, nil, errors.Errorf("unknown placement %q", cfg.Trainer.Placement)
	}

	if cfg.RewardModel.EnableResourcePool {
		budget, spec, err = pool.WithDedicatedNodes(budget, spec, pool.RewardPool,
			cfg.RewardModel.NGPUsPerNode, cfg.RewardModel.NNodes)
		if err != nil {
			return model.DeviceBudget{}, nil, nil, err
		}
		mapping[model.RoleRewardModel] = pool.RewardPool
	}
	return budget, spec, mapping, nil
}

// ParseRoleMapping viper 会把 key 转成小写，这里还原成内置角色名
func ParseRoleMapping(raw map[string]string) (model.RoleMapping, error) {
	mapping := make(model.RoleMapping, len(raw))
	for name, poolName := range raw {
		role, err := model.ParseRole(name)
		if err != nil {
			return nil, errors.Wrap(err, "role_mapping")
		}
		if _, dup := mapping[role]; dup {
			return nil, errors.Errorf("role_mapping: role %s declared twice", role)
		}
		mapping[role] = poolName
	}
	return mapping, nil
}
