package worker

import (
	"context"

	"tandem/pkg/model"
)

// Worker 远端算子的唯一能力：按名字执行一个操作
// 不同角色 (actor/critic/ref/reward) 是不同的实现，调度层不关心
type Worker interface {
	Invoke(ctx context.Context, op string, batch *model.Batch) (*model.WorkerResult, error)
}

// WorkerFunc 函数适配成 Worker
type WorkerFunc func(ctx context.Context, op string, batch *model.Batch) (*model.WorkerResult, error)

func (f WorkerFunc) Invoke(ctx context.Context, op string, batch *model.Batch) (*model.WorkerResult, error) {
	return f(ctx, op, batch)
}

// Factory 为池里的每张卡创建一个 worker，rank 是池内下标
type Factory func(pool *model.ResourcePool, rank int, dev model.Device) (Worker, error)
