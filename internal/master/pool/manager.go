package pool

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tandem/pkg/model"
)

// Manager 持有一次分配得到的全部资源池以及 Role -> Pool 映射
// 创建后只读，可以被多个 goroutine 并发查询
type Manager struct {
	budget  model.DeviceBudget
	pools   []*model.ResourcePool
	byName  map[string]*model.ResourcePool
	mapping model.RoleMapping
	unused  []string
}

// Allocate 按 PoolSpec 切分设备预算，并解析角色映射
// 任何校验失败都不会产生池 (all-or-nothing)
func Allocate(budget model.DeviceBudget, spec model.PoolSpec, mapping model.RoleMapping) (*Manager, error) {
	log := zap.L().Named("pool")

	if err := budget.Validate(); err != nil {
		return nil, err
	}
	if err := validateSpec(budget, spec); err != nil {
		return nil, err
	}

	// 角色解析放在物化之前，失败时不留下半成品
	used := make(map[string]bool, len(spec))
	for _, role := range mapping.Roles() {
		name := mapping[role]
		if _, ok := spec.Lookup(name); !ok {
			return nil, &UnknownPoolError{Role: string(role), Pool: name}
		}
		used[name] = true
	}

	m := &Manager{
		budget:  budget,
		pools:   materialize(budget, spec),
		byName:  make(map[string]*model.ResourcePool, len(spec)),
		mapping: make(model.RoleMapping, len(mapping)),
	}
	for _, p := range m.pools {
		m.byName[p.Name] = p
		if !used[p.Name] {
			m.unused = append(m.unused, p.Name)
			log.Warn("pool has no role mapped to it", zap.String("pool", p.Name))
		}
	}
	for role, name := range mapping {
		m.mapping[role] = name
	}

	for _, p := range m.pools {
		log.Info("allocated resource pool",
			zap.String("pool", p.Name),
			zap.Ints("devices_per_node", p.DevicesPerNode),
			zap.Stringers("devices", p.Devices))
	}
	return m, nil
}

// validateSpec 检查池的形状、空池以及逐节点超额
func validateSpec(budget model.DeviceBudget, spec model.PoolSpec) error {
	if len(spec) == 0 {
		return ErrEmptySpec
	}

	seen := make(map[string]bool, len(spec))
	for _, req := range spec {
		if req.Name == "" {
			return errors.New("pool name must not be empty")
		}
		if seen[req.Name] {
			return errors.Wrapf(ErrDuplicatePool, "pool %q", req.Name)
		}
		seen[req.Name] = true

		if len(req.DevicesPerNode) != budget.NodeCount {
			return errors.Wrapf(ErrNodeCountMismatch, "pool %q lists %d nodes, budget has %d",
				req.Name, len(req.DevicesPerNode), budget.NodeCount)
		}
		for node, n := range req.DevicesPerNode {
			if n < 0 {
				return errors.Errorf("pool %q requests negative device count %d on node %d",
					req.Name, n, node)
			}
		}
		if req.Size() == 0 {
			return &EmptyPoolError{Pool: req.Name}
		}
	}

	for node := 0; node < budget.NodeCount; node++ {
		requested := 0
		var pools []string
		for _, req := range spec {
			if req.DevicesPerNode[node] > 0 {
				requested += req.DevicesPerNode[node]
				pools = append(pools, req.Name)
			}
		}
		if requested > budget.DevicesPerNode[node] {
			return &OverAllocationError{
				Node:      node,
				Requested: requested,
				Available: budget.DevicesPerNode[node],
				Pools:     pools,
			}
		}
	}
	return nil
}

// materialize 逐节点按 spec 顺序连续分配卡号，从 0 开始递增
func materialize(budget model.DeviceBudget, spec model.PoolSpec) []*model.ResourcePool {
	pools := make([]*model.ResourcePool, 0, len(spec))
	for _, req := range spec {
		pools = append(pools, &model.ResourcePool{
			Name:           req.Name,
			DevicesPerNode: append([]int(nil), req.DevicesPerNode...),
			Devices:        make([]model.Device, 0, req.Size()),
		})
	}

	for node := 0; node < budget.NodeCount; node++ {
		next := 0
		for i, req := range spec {
			for k := 0; k < req.DevicesPerNode[node]; k++ {
				pools[i].Devices = append(pools[i].Devices, model.Device{Node: node, Index: next})
				next++
			}
		}
	}
	return pools
}

// Pools 按声明顺序返回所有池
func (m *Manager) Pools() []*model.ResourcePool {
	return append([]*model.ResourcePool(nil), m.pools...)
}

// Pool 按名字查找
func (m *Manager) Pool(name string) (*model.ResourcePool, bool) {
	p, ok := m.byName[name]
	return p, ok
}

// PoolFor 返回角色绑定的池
func (m *Manager) PoolFor(role model.Role) (*model.ResourcePool, error) {
	name, ok := m.mapping[role]
	if !ok {
		return nil, errors.Errorf("role %s is not mapped to any pool", role)
	}
	return m.byName[name], nil
}

// Mapping 返回角色映射的拷贝
func (m *Manager) Mapping() model.RoleMapping {
	out := make(model.RoleMapping, len(m.mapping))
	for r, p := range m.mapping {
		out[r] = p
	}
	return out
}

// UnusedPools 没有任何角色的池 (只是告警，不是错误)
func (m *Manager) UnusedPools() []string {
	return append([]string(nil), m.unused...)
}

// Budget 分配时使用的预算
func (m *Manager) Budget() model.DeviceBudget {
	return m.budget
}

// Placement 生成可持久化的快照
func (m *Manager) Placement() *model.Placement {
	return &model.Placement{
		Budget:    m.budget,
		Pools:     m.Pools(),
		Mapping:   m.Mapping(),
		CreatedAt: time.Now(),
	}
}
