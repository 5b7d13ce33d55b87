package store

import (
	"context"

	"github.com/pkg/errors"

	"tandem/pkg/model"
)

// ErrNotFound key 不存在
var ErrNotFound = errors.New("not found")

// RoundEventType 定义监听事件类型
type RoundEventType int

const (
	RoundPut RoundEventType = iota
	RoundDelete
)

// RoundEvent 包装存储中一轮记录的变化
// cli watch 通过它实时拿到每一轮的指标
type RoundEvent struct {
	Type  RoundEventType
	Round *model.RoundRecord
}

// Store 接口定义了系统对存储层的所有需求
// EtcdManager 和 Memory 都实现了它
type Store interface {
	// --- Placement 相关 ---

	// SavePlacement 记录当前的池划分 (trainer 启动时调用)
	SavePlacement(ctx context.Context, p *model.Placement) error
	GetPlacement(ctx context.Context) (*model.Placement, error)

	// --- Round 相关 ---

	// SaveRound 保存一轮的结果 (每轮结束时调用)
	SaveRound(ctx context.Context, rec *model.RoundRecord) error
	GetRound(ctx context.Context, step int) (*model.RoundRecord, error)
	// WatchRounds 监听轮次变化 (返回一个只读通道，ctx 结束时关闭)
	WatchRounds(ctx context.Context) <-chan RoundEvent

	// --- Node 相关 ---

	// RegisterNode 节点注册 (agent 心跳时调用)
	RegisterNode(ctx context.Context, node *model.Node) error

	// ListNodes 获取所有节点 (trainer 从存储构造预算时调用)
	ListNodes(ctx context.Context) ([]*model.Node, error)
}

// Reporter 把 Store 适配成调度器的轮次上报
type Reporter struct {
	Store Store
}

func (r Reporter) Report(ctx context.Context, rec *model.RoundRecord) error {
	return r.Store.SaveRound(ctx, rec)
}
