package scheduler

import (
	"slices"

	"tandem/pkg/model"
)

// 默认阶段名，同时也是 timing_s/<phase> 指标的后缀
const (
	PhaseGen          = "gen"
	PhaseReward       = "reward"
	PhaseOldLogProb   = "old_log_prob"
	PhaseRef          = "ref"
	PhaseValues       = "values"
	PhaseAdv          = "adv"
	PhaseUpdateCritic = "update_critic"
	PhaseUpdateActor  = "update_actor"
)

// Phase 一轮中的一个阶段
type Phase struct {
	Name string     `json:"name" mapstructure:"name"`
	Role model.Role `json:"role" mapstructure:"role"`
	// Op 发给 worker 的操作名，为空时用 Name
	Op        string   `json:"op,omitempty" mapstructure:"op"`
	DependsOn []string `json:"depends_on,omitempty" mapstructure:"depends_on"`
	// Critical 为 false 时失败只记指标，本轮继续
	Critical bool `json:"critical" mapstructure:"critical"`
}

func (p Phase) op() string {
	if p.Op != "" {
		return p.Op
	}
	return p.Name
}

// PhaseOptions 默认阶段列表的开关
type PhaseOptions struct {
	// Reference 在 old_log_prob 之后插入 ref 阶段
	Reference bool
}

// DefaultPhases gen -> reward -> old_log_prob -> [ref] -> values -> adv -> {update_critic, update_actor}
// update_critic 与 update_actor 只依赖 adv，互相独立
func DefaultPhases(opts PhaseOptions) []Phase {
	phases := []Phase{
		{Name: PhaseGen, Role: model.RoleActorRollout, Op: "generate_sequences", Critical: true},
		{Name: PhaseReward, Role: model.RoleRewardModel, Op: "compute_rm_score", DependsOn: []string{PhaseGen}, Critical: true},
		{Name: PhaseOldLogProb, Role: model.RoleActorRollout, Op: "compute_log_prob", DependsOn: []string{PhaseReward}, Critical: true},
	}
	last := PhaseOldLogProb
	if opts.Reference {
		phases = append(phases, Phase{Name: PhaseRef, Role: model.RoleRefPolicy, Op: "compute_ref_log_prob", DependsOn: []string{last}, Critical: true})
		last = PhaseRef
	}
	return append(phases,
		Phase{Name: PhaseValues, Role: model.RoleCritic, Op: "compute_values", DependsOn: []string{last}, Critical: true},
		Phase{Name: PhaseAdv, Role: model.RoleActorRollout, Op: "compute_advantage", DependsOn: []string{PhaseValues}, Critical: true},
		Phase{Name: PhaseUpdateCritic, Role: model.RoleCritic, Op: "update_critic", DependsOn: []string{PhaseAdv}, Critical: true},
		Phase{Name: PhaseUpdateActor, Role: model.RoleActorRollout, Op: "update_actor", DependsOn: []string{PhaseAdv}, Critical: true},
	)
}

// Serialize 每个阶段依赖前面所有阶段，得到完全串行的旧行为
func Serialize(phases []Phase) []Phase {
	out := clonePhases(phases)
	for i := range out {
		deps := make([]string, 0, i)
		for _, prev := range out[:i] {
			deps = append(deps, prev.Name)
		}
		out[i].DependsOn = deps
	}
	return out
}

func clonePhases(phases []Phase) []Phase {
	out := make([]Phase, len(phases))
	for i, p := range phases {
		out[i] = p
		out[i].DependsOn = slices.Clone(p.DependsOn)
	}
	return out
}
