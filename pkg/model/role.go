package model

import (
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Role 逻辑计算单元，由调用方声明
type Role string

const (
	RoleActorRollout Role = "ActorRollout"
	RoleRefPolicy    Role = "RefPolicy"
	RoleCritic       Role = "Critic"
	RoleRewardModel  Role = "RewardModel"
)

// KnownRoles 内置角色，按声明顺序
var KnownRoles = []Role{RoleActorRollout, RoleRefPolicy, RoleCritic, RoleRewardModel}

// ParseRole 大小写不敏感 (viper 会把 map 的 key 转成小写)
// 不在内置列表里的名字原样作为自定义角色返回
func ParseRole(s string) (Role, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("empty role name")
	}
	for _, r := range KnownRoles {
		if strings.EqualFold(string(r), s) {
			return r, nil
		}
	}
	return Role(s), nil
}

// RoleMapping Role -> 池名
type RoleMapping map[Role]string

// Roles 返回按名字排序的角色列表
func (m RoleMapping) Roles() []Role {
	out := make([]Role, 0, len(m))
	for r := range m {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}
