package model

import "fmt"

// Device 一张物理卡：所在节点下标 + 节点内编号
type Device struct {
	Node  int `json:"node"`
	Index int `json:"index"`
}

func (d Device) String() string {
	return fmt.Sprintf("node%d/gpu%d", d.Node, d.Index)
}

// ResourcePool 物化后的资源池，分配完成后只读
// 由 pool.Manager 独占持有，WorkerGroup 只保存指针
type ResourcePool struct {
	Name           string   `json:"name"`
	DevicesPerNode []int    `json:"devices_per_node"`
	Devices        []Device `json:"devices"`
}

// Size 池内 worker 数量 (一卡一 worker)
func (p *ResourcePool) Size() int {
	return len(p.Devices)
}

// DevicesOn 返回该池在某个节点上的卡
func (p *ResourcePool) DevicesOn(node int) []Device {
	out := make([]Device, 0)
	for _, d := range p.Devices {
		if d.Node == node {
			out = append(out, d)
		}
	}
	return out
}

func (p *ResourcePool) String() string {
	return fmt.Sprintf("%s%v", p.Name, p.DevicesPerNode)
}
