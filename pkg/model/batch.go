package model

import (
	"maps"
	"slices"

	"github.com/google/uuid"
)

// Metrics 指标名 -> 数值
type Metrics map[string]float64

// Keys 排序后的指标名
func (m Metrics) Keys() []string {
	return slices.Sorted(maps.Keys(m))
}

// Batch 一轮训练消费的数据
// 同一个 Batch 会被同一轮的多个角色读取，任何阶段都不能修改它
type Batch struct {
	ID     string `json:"id"`
	Step   int    `json:"step"`
	Tokens int    `json:"tokens"`

	// 对调度层不透明的数据
	Payload any `json:"-"`

	// 依赖阶段的结果，key 是阶段名
	Inputs map[string]*CallResult `json:"-"`
}

// NewBatch 生成带唯一 ID 的 Batch
func NewBatch(step, tokens int, payload any) *Batch {
	return &Batch{
		ID:      uuid.NewString(),
		Step:    step,
		Tokens:  tokens,
		Payload: payload,
	}
}

// WithInputs 返回挂上依赖结果的浅拷贝，接收者保持不变
func (b *Batch) WithInputs(inputs map[string]*CallResult) *Batch {
	cp := *b
	cp.Inputs = maps.Clone(inputs)
	return &cp
}

// Input 取某个依赖阶段的结果
func (b *Batch) Input(phase string) (*CallResult, bool) {
	r, ok := b.Inputs[phase]
	return r, ok
}

// WorkerResult 单个 worker 的返回
type WorkerResult struct {
	Payload any     `json:"payload,omitempty"`
	Metrics Metrics `json:"metrics,omitempty"`
}

// CallResult 一次扇出调用合并后的结果
// Payloads 按 worker 下标排列，与完成顺序无关
type CallResult struct {
	Pool     string  `json:"pool"`
	Op       string  `json:"op"`
	Payloads []any   `json:"payloads,omitempty"`
	Metrics  Metrics `json:"metrics,omitempty"`
}
