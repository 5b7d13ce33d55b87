package model

import "time"

// Placement 一次分配的完整结果，写入存储供 cli 查看
type Placement struct {
	Budget    DeviceBudget    `json:"budget"`
	Pools     []*ResourcePool `json:"pools"`
	Mapping   RoleMapping     `json:"mapping"`
	CreatedAt time.Time       `json:"created_at"`
}

// RoundState 一轮的最终状态
type RoundState string

const (
	RoundSucceeded RoundState = "SUCCEEDED"
	RoundFailed    RoundState = "FAILED"
)

// RoundRecord 一轮训练的持久化记录
type RoundRecord struct {
	Step    int        `json:"step"`
	BatchID string     `json:"batch_id"`
	State   RoundState `json:"state"`
	Metrics Metrics    `json:"metrics,omitempty"`

	// 失败时记录出错的阶段和原因
	FailedPhase string `json:"failed_phase,omitempty"`
	Error       string `json:"error,omitempty"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}
