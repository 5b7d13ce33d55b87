package model

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInvalidBudget 设备预算本身不合法 (节点数不匹配或出现负数)
var ErrInvalidBudget = errors.New("invalid device budget")

// DeviceBudget 进程可用的全部加速卡，按节点排列
// 启动时读取一次，之后不再修改
type DeviceBudget struct {
	DevicesPerNode []int `json:"devices_per_node"`
	NodeCount      int   `json:"node_count"`
}

// NewUniformBudget 每个节点卡数相同的预算
func NewUniformBudget(devicesPerNode, nodeCount int) DeviceBudget {
	counts := make([]int, 0, max(nodeCount, 0))
	for i := 0; i < nodeCount; i++ {
		counts = append(counts, devicesPerNode)
	}
	return DeviceBudget{DevicesPerNode: counts, NodeCount: nodeCount}
}

func (b DeviceBudget) Validate() error {
	if b.NodeCount < 0 || len(b.DevicesPerNode) != b.NodeCount {
		return errors.Wrapf(ErrInvalidBudget, "node_count=%d but %d per-node entries",
			b.NodeCount, len(b.DevicesPerNode))
	}
	for i, n := range b.DevicesPerNode {
		if n < 0 {
			return errors.Wrapf(ErrInvalidBudget, "node %d has negative device count %d", i, n)
		}
	}
	return nil
}

// Total 所有节点的卡数之和
func (b DeviceBudget) Total() int {
	total := 0
	for _, n := range b.DevicesPerNode {
		total += n
	}
	return total
}

func (b DeviceBudget) String() string {
	return fmt.Sprintf("%v x %d nodes", b.DevicesPerNode, b.NodeCount)
}

// PoolRequest 一个命名资源池在每个节点上申请的卡数
type PoolRequest struct {
	Name           string `json:"name" mapstructure:"name"`
	DevicesPerNode []int  `json:"devices_per_node" mapstructure:"devices_per_node"`
}

// Size 该池在所有节点上申请的卡数
func (r PoolRequest) Size() int {
	total := 0
	for _, n := range r.DevicesPerNode {
		total += n
	}
	return total
}

// PoolSpec 有序的池申请列表
// 顺序有意义：靠前的池在每个节点上拿到编号更小的卡
type PoolSpec []PoolRequest

func (s PoolSpec) Names() []string {
	names := make([]string, 0, len(s))
	for _, r := range s {
		names = append(names, r.Name)
	}
	return names
}

// Lookup 按名字查找申请
func (s PoolSpec) Lookup(name string) (PoolRequest, bool) {
	for _, r := range s {
		if r.Name == name {
			return r, true
		}
	}
	return PoolRequest{}, false
}
