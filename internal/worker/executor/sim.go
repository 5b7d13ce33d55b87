package executor

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/pkg/errors"

	"tandem/internal/worker"
	"tandem/pkg/model"
)

// ErrUnsupportedOp 这个池上的角色都不支持该操作
var ErrUnsupportedOp = errors.New("operation not supported by this worker")

// RoleOps 每个内置角色暴露的操作
var RoleOps = map[model.Role][]string{
	model.RoleActorRollout: {"generate_sequences", "compute_log_prob", "compute_advantage", "update_actor"},
	model.RoleRefPolicy:    {"compute_ref_log_prob"},
	model.RoleCritic:       {"compute_values", "update_critic"},
	model.RoleRewardModel:  {"compute_rm_score"},
}

// DefaultCosts 模拟耗时，量级参照单卡的实测比例
var DefaultCosts = map[string]time.Duration{
	"generate_sequences":   5 * time.Second,
	"compute_rm_score":     500 * time.Millisecond,
	"compute_log_prob":     1200 * time.Millisecond,
	"compute_ref_log_prob": 1200 * time.Millisecond,
	"compute_values":       1100 * time.Millisecond,
	"compute_advantage":    50 * time.Millisecond,
	"update_critic":        3 * time.Second,
	"update_actor":         3 * time.Second,
}

// Simulated 只睡眠不计算的 worker，用于本地演练和 profiling
// 一个池上可能共置多个角色，worker 支持这些角色操作的并集
type Simulated struct {
	pool  string
	rank  int
	dev   model.Device
	ops   map[string]time.Duration
	roles []model.Role
}

// NewSimulatedFactory 根据角色映射决定每个池上的 worker 支持哪些操作
// costs 覆盖 DefaultCosts 中的同名项
func NewSimulatedFactory(mapping model.RoleMapping, costs map[string]time.Duration) worker.Factory {
	return func(pool *model.ResourcePool, rank int, dev model.Device) (worker.Worker, error) {
		s := &Simulated{
			pool: pool.Name,
			rank: rank,
			dev:  dev,
			ops:  make(map[string]time.Duration),
		}
		for _, role := range mapping.Roles() {
			if mapping[role] != pool.Name {
				continue
			}
			s.roles = append(s.roles, role)
			for _, op := range RoleOps[role] {
				cost, ok := costs[op]
				if !ok {
					cost = DefaultCosts[op]
				}
				s.ops[op] = cost
			}
		}
		if len(s.ops) == 0 {
			return nil, errors.Errorf("pool %s hosts no role with known operations", pool.Name)
		}
		return s, nil
	}
}

// Supports 是否支持某个操作
func (s *Simulated) Supports(op string) bool {
	_, ok := s.ops[op]
	return ok
}

// Roles 本 worker 共置的角色
func (s *Simulated) Roles() []model.Role {
	return slices.Clone(s.roles)
}

func (s *Simulated) Invoke(ctx context.Context, op string, batch *model.Batch) (*model.WorkerResult, error) {
	cost, ok := s.ops[op]
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedOp, "%s on %s rank %d", op, s.pool, s.rank)
	}

	timer := time.NewTimer(cost)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	return &model.WorkerResult{
		Payload: fmt.Sprintf("%s:%s@%s", s.pool, op, s.dev),
		Metrics: model.Metrics{
			"tokens":    float64(batch.Tokens),
			"busy_s":    cost.Seconds(),
			"device_id": float64(s.dev.Index),
		},
	}, nil
}
