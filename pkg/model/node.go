package model

import "sort"

// NodeStatus 节点健康状态
type NodeStatus string

const (
	NodeReady   NodeStatus = "READY"
	NodeOffline NodeStatus = "OFFLINE" // 心跳超时
)

// Node 由 worker agent 注册的节点设备清单
type Node struct {
	ID       string `json:"id"`
	IP       string `json:"ip"`
	Version  string `json:"version"`
	Hostname string `json:"hostname"`

	// 本节点可用的加速卡数量
	Devices int `json:"devices"`
	// Docker daemon 地址，docker 后端按节点连接
	DockerHost string `json:"docker_host,omitempty"`

	Status        NodeStatus `json:"status"`
	LastHeartbeat int64      `json:"last_heartbeat"` // Unix 时间戳
}

// BudgetFromNodes 用已注册且 READY 的节点构造设备预算
// 节点按 ID 排序，保证多次启动得到相同的节点下标
func BudgetFromNodes(nodes []*Node) (DeviceBudget, []*Node) {
	ready := make([]*Node, 0, len(nodes))
	for _, n := range nodes {
		if n != nil && n.Status == NodeReady {
			ready = append(ready, n)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })

	counts := make([]int, 0, len(ready))
	for _, n := range ready {
		counts = append(counts, n.Devices)
	}
	return DeviceBudget{DevicesPerNode: counts, NodeCount: len(ready)}, ready
}
