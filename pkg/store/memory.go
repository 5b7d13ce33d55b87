package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"tandem/pkg/model"
)

// Memory 进程内实现，单机演练和测试用
// 值按 JSON 存储，和 etcd 一样读出来的是副本
type Memory struct {
	mu        sync.Mutex
	placement []byte
	rounds    map[int][]byte
	nodes     map[string][]byte
	watchers  map[*roundWatcher]struct{}
}

type roundWatcher struct {
	mu     sync.Mutex
	ctx    context.Context
	ch     chan RoundEvent
	closed bool
}

// send 持有 watcher 锁，避免和关闭通道并发
func (w *roundWatcher) send(ev RoundEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.ch <- ev:
	case <-w.ctx.Done():
	}
}

func (w *roundWatcher) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	close(w.ch)
}

func NewMemory() *Memory {
	return &Memory{
		rounds:   make(map[int][]byte),
		nodes:    make(map[string][]byte),
		watchers: make(map[*roundWatcher]struct{}),
	}
}

func (m *Memory) SavePlacement(_ context.Context, p *model.Placement) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.placement = b
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetPlacement(_ context.Context) (*model.Placement, error) {
	m.mu.Lock()
	b := m.placement
	m.mu.Unlock()
	if b == nil {
		return nil, errors.Wrap(ErrNotFound, PlacementKey)
	}
	var p model.Placement
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (m *Memory) SaveRound(_ context.Context, rec *model.RoundRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.rounds[rec.Step] = b
	watchers := make([]*roundWatcher, 0, len(m.watchers))
	for w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.Unlock()

	for _, w := range watchers {
		var cp model.RoundRecord
		if err := json.Unmarshal(b, &cp); err != nil {
			return err
		}
		w.send(RoundEvent{Type: RoundPut, Round: &cp})
	}
	return nil
}

func (m *Memory) GetRound(_ context.Context, step int) (*model.RoundRecord, error) {
	m.mu.Lock()
	b, ok := m.rounds[step]
	m.mu.Unlock()
	if !ok {
		return nil, errors.Wrap(ErrNotFound, RoundKey(step))
	}
	var rec model.RoundRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (m *Memory) WatchRounds(ctx context.Context) <-chan RoundEvent {
	w := &roundWatcher{ctx: ctx, ch: make(chan RoundEvent)}
	m.mu.Lock()
	m.watchers[w] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, w)
		m.mu.Unlock()
		w.close()
	}()
	return w.ch
}

func (m *Memory) RegisterNode(_ context.Context, node *model.Node) error {
	b, err := json.Marshal(node)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.nodes[node.ID] = b
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListNodes(_ context.Context) ([]*model.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nodes := make([]*model.Node, 0, len(m.nodes))
	for _, b := range m.nodes {
		var n model.Node
		if err := json.Unmarshal(b, &n); err != nil {
			return nil, err
		}
		nodes = append(nodes, &n)
	}
	return nodes, nil
}
