package store

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// nodeLeases 每个节点一个租约
type nodeLeases struct {
	lease clientv3.Lease
	ttl   time.Duration
	log   *zap.Logger

	mu  sync.Mutex
	ids map[string]clientv3.LeaseID
}

func newNodeLeases(lease clientv3.Lease) *nodeLeases {
	return &nodeLeases{
		lease: lease,
		ttl:   NodeTTL,
		log:   zap.L().Named("store"),
		ids:   make(map[string]clientv3.LeaseID),
	}
}

// acquire 续期已有租约；续期失败 (例如已过期) 时重新申请
func (l *nodeLeases) acquire(ctx context.Context, node string) (clientv3.LeaseID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id, ok := l.ids[node]; ok {
		_, err := l.lease.KeepAliveOnce(ctx, id)
		if err == nil {
			return id, nil
		}
		l.log.Debug("lease renewal failed, granting a new one", zap.String("node", node), zap.Error(err))
		delete(l.ids, node)
	}

	resp, err := l.lease.Grant(ctx, int64(l.ttl/time.Second))
	if err != nil {
		return clientv3.NoLease, errors.Wrapf(err, "grant lease for node %s", node)
	}
	l.ids[node] = resp.ID
	return resp.ID, nil
}
