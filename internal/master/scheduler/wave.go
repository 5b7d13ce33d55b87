package scheduler

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"tandem/internal/worker"
)

var phaseNamePattern = regexp.MustCompile(`^\w+$`)

// buildWaves 按依赖把阶段分层：level = 1 + max(依赖的 level)
// 依赖只能指向前面声明的阶段，因此不会有环
func buildWaves(phases []Phase) ([][]int, error) {
	index := make(map[string]int, len(phases))
	declared := make(map[string]bool, len(phases))
	for _, p := range phases {
		declared[p.Name] = true
	}

	levels := make([]int, len(phases))
	depth := 0
	for i, p := range phases {
		if !phaseNamePattern.MatchString(p.Name) {
			return nil, &InvalidPhaseNameError{Index: i, Name: p.Name}
		}
		if _, dup := index[p.Name]; dup {
			return nil, errors.Wrapf(ErrDuplicatePhase, "%q", p.Name)
		}
		for _, dep := range p.DependsOn {
			j, ok := index[dep]
			if !ok {
				if declared[dep] {
					return nil, errors.Wrapf(ErrForwardDependency, "%s -> %s", p.Name, dep)
				}
				return nil, errors.Wrapf(ErrUnknownDependency, "%s -> %s", p.Name, dep)
			}
			levels[i] = max(levels[i], levels[j]+1)
		}
		index[p.Name] = i
		depth = max(depth, levels[i]+1)
	}

	waves := make([][]int, depth)
	for i, lvl := range levels {
		waves[lvl] = append(waves[lvl], i)
	}
	return waves, nil
}

// findConflict 返回同一波次里第一对共用 group 的阶段下标
func findConflict(waves [][]int, groups []*worker.Group) (wave, first, second int, found bool) {
	for w, members := range waves {
		owner := make(map[*worker.Group]int, len(members))
		for _, i := range members {
			if j, ok := owner[groups[i]]; ok {
				return w, j, i, true
			}
			owner[groups[i]] = i
		}
	}
	return 0, 0, 0, false
}

func resolveGroups(phases []Phase, groups Groups) ([]*worker.Group, error) {
	out := make([]*worker.Group, len(phases))
	for i, p := range phases {
		g, err := groups.ForRole(p.Role)
		if err != nil {
			return nil, errors.Wrapf(err, "phase %s", p.Name)
		}
		out[i] = g
	}
	return out, nil
}

// SerializeConflicts 给同一波次里共用 group 的阶段补上依赖边 (后声明的依赖先声明的)
// 共享池 (standard placement) 下 update_critic 会排在 update_actor 前面
func SerializeConflicts(phases []Phase, groups Groups) ([]Phase, error) {
	out := clonePhases(phases)
	resolved, err := resolveGroups(out, groups)
	if err != nil {
		return nil, err
	}
	for {
		waves, err := buildWaves(out)
		if err != nil {
			return nil, err
		}
		_, first, second, found := findConflict(waves, resolved)
		if !found {
			return out, nil
		}
		out[second].DependsOn = append(out[second].DependsOn, out[first].Name)
	}
}

// waveLabel 多阶段波次的合并名：公共前缀 + 各自后缀
// update_critic, update_actor -> update_critic_actor
func waveLabel(names []string) string {
	if len(names) == 1 {
		return names[0]
	}
	prefix := names[0]
	for _, n := range names[1:] {
		for !strings.HasPrefix(n, prefix) {
			prefix = prefix[:len(prefix)-1]
		}
	}
	// 前缀只在 '_' 处截断
	if cut := strings.LastIndex(prefix, "_"); cut >= 0 {
		prefix = prefix[:cut+1]
	} else {
		prefix = ""
	}

	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, strings.TrimPrefix(n, prefix))
	}
	return prefix + strings.Join(parts, "_")
}
