package scheduler

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrUnknownDependency dependsOn 引用了不存在的阶段
	ErrUnknownDependency = errors.New("phase depends on an unknown phase")
	// ErrForwardDependency dependsOn 引用了声明在后面的阶段
	ErrForwardDependency = errors.New("phase depends on a phase declared after it")
	// ErrDuplicatePhase 阶段名重复
	ErrDuplicatePhase = errors.New("duplicate phase name")
)

// RoundFailure 一轮因关键阶段失败而中止
// ctx 在波次之间被取消时没有出错的阶段，Phase 为空
type RoundFailure struct {
	Step  int
	Phase string
	Err   error
}

func (e *RoundFailure) Error() string {
	if e.Phase == "" {
		return fmt.Sprintf("round %d stopped between waves: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("round %d failed in phase %s: %v", e.Step, e.Phase, e.Err)
}

func (e *RoundFailure) Unwrap() error {
	return e.Err
}

// WaveConflictError 同一波次里两个阶段落在同一个 worker group 上
// 调用方需要在声明里把它们串起来 (见 SerializeConflicts)
type WaveConflictError struct {
	Wave   int
	Pool   string
	Phases [2]string
}

func (e *WaveConflictError) Error() string {
	return fmt.Sprintf("phases %s and %s share pool %s in wave %d",
		e.Phases[0], e.Phases[1], e.Pool, e.Wave)
}

// InvalidPhaseNameError 阶段名只能由字母、数字和下划线组成
// 阶段名会出现在 key:value 指标里，'-' 之类的字符会让解析丢掉 key
type InvalidPhaseNameError struct {
	Index int
	Name  string
}

func (e *InvalidPhaseNameError) Error() string {
	return fmt.Sprintf("phase %d has invalid name %q: use letters, digits and '_'", e.Index, e.Name)
}

// ReservedMetricError worker 返回的指标名与调度器自己的指标冲突或无法写成 key:value
type ReservedMetricError struct {
	Phase  string
	Metric string
}

func (e *ReservedMetricError) Error() string {
	return fmt.Sprintf("phase %s: worker metric %q is reserved or not a valid metric name", e.Phase, e.Metric)
}
