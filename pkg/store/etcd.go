package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"tandem/pkg/model"
)

// 定义 Key 的前缀 (Schema Design)
const (
	PlacementKey   = "/tandem/placement"
	RoundKeyPrefix = "/tandem/rounds/"
	NodeKeyPrefix  = "/tandem/nodes/"

	// NodeTTL 节点租约，agent 停止心跳后节点自动消失
	NodeTTL = 10 * time.Second
)

// RoundKey 步数补零，保证按前缀读出来是有序的
func RoundKey(step int) string {
	return fmt.Sprintf("%s%08d", RoundKeyPrefix, step)
}

func NodeKey(id string) string {
	return NodeKeyPrefix + id
}

type EtcdManager struct {
	client *clientv3.Client
	leases *nodeLeases
	log    *zap.Logger
}

// NewEtcdManager 初始化 Etcd 连接
func NewEtcdManager(endpoints []string, dialTimeout time.Duration) (*EtcdManager, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "connect etcd %v", endpoints)
	}
	return &EtcdManager{client: cli, leases: newNodeLeases(cli), log: zap.L().Named("store")}, nil
}

func (e *EtcdManager) Close() error {
	return e.client.Close()
}

// ---------------------------------------------------------
// Placement
// ---------------------------------------------------------

func (e *EtcdManager) SavePlacement(ctx context.Context, p *model.Placement) error {
	return e.putValue(ctx, PlacementKey, p)
}

func (e *EtcdManager) GetPlacement(ctx context.Context) (*model.Placement, error) {
	var p model.Placement
	if err := e.getValue(ctx, PlacementKey, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ---------------------------------------------------------
// Round
// ---------------------------------------------------------

func (e *EtcdManager) SaveRound(ctx context.Context, rec *model.RoundRecord) error {
	return e.putValue(ctx, RoundKey(rec.Step), rec)
}

func (e *EtcdManager) GetRound(ctx context.Context, step int) (*model.RoundRecord, error) {
	var rec model.RoundRecord
	if err := e.getValue(ctx, RoundKey(step), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Report 直接作为调度器的 Reporter 使用
func (e *EtcdManager) Report(ctx context.Context, rec *model.RoundRecord) error {
	return e.SaveRound(ctx, rec)
}

// WatchRounds 将 Etcd 的 Watch 转换为业务 Channel
func (e *EtcdManager) WatchRounds(ctx context.Context) <-chan RoundEvent {
	eventChan := make(chan RoundEvent)

	go func() {
		defer close(eventChan)
		watchChan := e.client.Watch(ctx, RoundKeyPrefix, clientv3.WithPrefix(), clientv3.WithPrevKV())

		for watchResp := range watchChan {
			if err := watchResp.Err(); err != nil {
				e.log.Warn("round watch interrupted", zap.Error(err))
				return
			}
			for _, ev := range watchResp.Events {
				event := RoundEvent{Type: RoundPut}
				value := ev.Kv.Value
				if ev.Type == clientv3.EventTypeDelete {
					event.Type = RoundDelete
					if ev.PrevKv == nil {
						continue
					}
					value = ev.PrevKv.Value
				}

				var rec model.RoundRecord
				if err := json.Unmarshal(value, &rec); err != nil {
					e.log.Warn("failed to unmarshal round", zap.ByteString("key", ev.Kv.Key), zap.Error(err))
					continue
				}
				event.Round = &rec

				select {
				case eventChan <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return eventChan
}

// ---------------------------------------------------------
// Node
// ---------------------------------------------------------

// RegisterNode 带租约写入，心跳停止 NodeTTL 后节点被删除
// 同一个节点的心跳复用一个租约，只续期不重新申请
func (e *EtcdManager) RegisterNode(ctx context.Context, node *model.Node) error {
	leaseID, err := e.leases.acquire(ctx, node.ID)
	if err != nil {
		return err
	}
	bytes, err := json.Marshal(node)
	if err != nil {
		return err
	}
	_, err = e.client.Put(ctx, NodeKey(node.ID), string(bytes), clientv3.WithLease(leaseID))
	return errors.Wrapf(err, "register node %s", node.ID)
}

func (e *EtcdManager) ListNodes(ctx context.Context) ([]*model.Node, error) {
	resp, err := e.client.Get(ctx, NodeKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "list nodes")
	}

	nodes := make([]*model.Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var node model.Node
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			e.log.Warn("failed to unmarshal node", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		nodes = append(nodes, &node)
	}
	return nodes, nil
}

// ---------------------------------------------------------
// 辅助方法 (Helpers)
// ---------------------------------------------------------

// putValue 封装通用的 JSON 序列化 + Put 操作
func (e *EtcdManager) putValue(ctx context.Context, key string, val any) error {
	bytes, err := json.Marshal(val)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", key)
	}
	_, err = e.client.Put(ctx, key, string(bytes))
	return errors.Wrapf(err, "put %s", key)
}

func (e *EtcdManager) getValue(ctx context.Context, key string, out any) error {
	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return errors.Wrapf(err, "get %s", key)
	}
	if len(resp.Kvs) == 0 {
		return errors.Wrap(ErrNotFound, key)
	}
	return errors.Wrapf(json.Unmarshal(resp.Kvs[0].Value, out), "unmarshal %s", key)
}
