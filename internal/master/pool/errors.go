package pool

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrDuplicatePool 同名的池出现了两次
	ErrDuplicatePool = errors.New("duplicate pool name")
	// ErrNodeCountMismatch 池申请的节点数与预算不一致
	ErrNodeCountMismatch = errors.New("pool node count does not match budget")
	// ErrEmptySpec 没有声明任何池
	ErrEmptySpec = errors.New("pool spec declares no pools")
)

// OverAllocationError 某个节点上各池申请之和超过了预算
type OverAllocationError struct {
	Node      int
	Requested int
	Available int
	// Pools 在该节点上申请了卡的池
	Pools []string
}

func (e *OverAllocationError) Error() string {
	return fmt.Sprintf("over-allocation on node %d: pools %v request %d devices, %d available",
		e.Node, e.Pools, e.Requested, e.Available)
}

// EmptyPoolError 池在所有节点上都申请了 0 张卡
type EmptyPoolError struct {
	Pool string
}

func (e *EmptyPoolError) Error() string {
	return fmt.Sprintf("pool %q requests zero devices on every node", e.Pool)
}

// InsufficientDevicesError 设备数不够切出要求的池数
type InsufficientDevicesError struct {
	Requested int
	Available int
}

func (e *InsufficientDevicesError) Error() string {
	return fmt.Sprintf("insufficient devices: need at least %d per node, have %d",
		e.Requested, e.Available)
}

// UnknownPoolError 角色映射到了不存在的池
type UnknownPoolError struct {
	Role string
	Pool string
}

func (e *UnknownPoolError) Error() string {
	return fmt.Sprintf("role %s maps to unknown pool %q", e.Role, e.Pool)
}
