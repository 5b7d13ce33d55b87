package worker

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"tandem/pkg/model"
)

// Placement 分配结果中 Set 需要的部分，pool.Manager 实现了它
type Placement interface {
	Pools() []*model.ResourcePool
	Mapping() model.RoleMapping
}

// Set 每个池一个 Group，生命周期与进程相同
type Set struct {
	groups []*Group
	byPool map[string]*Group
	byRole map[model.Role]*Group
}

// BindAll 启动时为每个池绑定一个 Group
func BindAll(p Placement, factory Factory, opts ...Option) (*Set, error) {
	s := &Set{
		byPool: make(map[string]*Group),
		byRole: make(map[model.Role]*Group),
	}
	for _, rp := range p.Pools() {
		g, err := Bind(rp, factory, opts...)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.groups = append(s.groups, g)
		s.byPool[rp.Name] = g
	}
	for role, name := range p.Mapping() {
		g, ok := s.byPool[name]
		if !ok {
			_ = s.Close()
			return nil, errors.Errorf("role %s maps to pool %q which has no worker group", role, name)
		}
		s.byRole[role] = g
	}
	return s, nil
}

// ForRole 角色对应的 Group
func (s *Set) ForRole(role model.Role) (*Group, error) {
	g, ok := s.byRole[role]
	if !ok {
		return nil, errors.Errorf("no worker group for role %s", role)
	}
	return g, nil
}

// ForPool 池对应的 Group
func (s *Set) ForPool(name string) (*Group, bool) {
	g, ok := s.byPool[name]
	return g, ok
}

// Groups 按池声明顺序
func (s *Set) Groups() []*Group {
	return append([]*Group(nil), s.groups...)
}

// Close 释放所有 Group
func (s *Set) Close() error {
	var merr *multierror.Error
	for _, g := range s.groups {
		if err := g.Close(); err != nil {
			merr = multierror.Append(merr, errors.Wrapf(err, "close pool %s", g.pool.Name))
		}
	}
	return merr.ErrorOrNil()
}
