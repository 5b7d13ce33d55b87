package worker

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tandem/pkg/model"
)

// Group 绑定一个资源池，把调用扇出到池里每个 worker 再合并结果
// 同一时刻只允许一个未 Resolve 的调用
type Group struct {
	pool    *model.ResourcePool
	workers []Worker

	reduce  Reduction
	perKey  map[string]Reduction
	timeout time.Duration
	log     *zap.Logger

	mu       sync.Mutex
	inflight *Handle
	closed   bool
}

type Option func(*Group)

// WithReduction 设置默认的指标合并方式 (默认 Mean)
func WithReduction(r Reduction) Option {
	return func(g *Group) { g.reduce = r }
}

// WithMetricReduction 为单个指标指定合并方式
func WithMetricReduction(key string, r Reduction) Option {
	return func(g *Group) { g.perKey[key] = r }
}

// WithCallTimeout 单个 worker 调用的超时，0 表示不限
// 超时的 worker 记为失败，调用整体返回 PartialFailureError
func WithCallTimeout(d time.Duration) Option {
	return func(g *Group) { g.timeout = d }
}

// Bind 为池里每张卡创建 worker，进程退出前调用 Close 释放
func Bind(pool *model.ResourcePool, factory Factory, opts ...Option) (*Group, error) {
	if pool == nil || pool.Size() == 0 {
		return nil, errors.New("cannot bind a worker group to an empty pool")
	}

	g := &Group{
		pool:   pool,
		reduce: Mean,
		perKey: make(map[string]Reduction),
		log:    zap.L().Named("worker").With(zap.String("pool", pool.Name)),
	}
	for _, opt := range opts {
		opt(g)
	}

	g.workers = make([]Worker, 0, pool.Size())
	for rank, dev := range pool.Devices {
		w, err := factory(pool, rank, dev)
		if err != nil {
			_ = closeWorkers(g.workers)
			return nil, errors.Wrapf(err, "create worker %d (%s) for pool %s", rank, dev, pool.Name)
		}
		g.workers = append(g.workers, w)
	}

	g.log.Info("worker group bound", zap.Int("workers", len(g.workers)))
	return g, nil
}

// Pool 绑定的资源池
func (g *Group) Pool() *model.ResourcePool {
	return g.pool
}

// Size worker 数量
func (g *Group) Size() int {
	return len(g.workers)
}

// Submit 异步模式：立即返回 Handle，不等待任何 worker
func (g *Group) Submit(ctx context.Context, op string, batch *model.Batch) (*Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, ErrGroupClosed
	}
	if g.inflight != nil {
		return nil, &GroupBusyError{Pool: g.pool.Name, Op: op, InFlight: g.inflight.Op}
	}

	h := newHandle(g, op)
	g.inflight = h
	g.log.Debug("submit", zap.String("op", op), zap.String("handle", h.ID))

	// 已经发出的调用不做部分取消，跑到结束为止
	go g.fanOut(context.WithoutCancel(ctx), h, batch)
	return h, nil
}

// Resolve 阻塞到 handle 上所有 worker 返回，之后 group 才能接受新调用
func (g *Group) Resolve(h *Handle) (*model.CallResult, error) {
	if h == nil || h.group != g {
		return nil, ErrForeignHandle
	}
	<-h.done

	g.mu.Lock()
	if g.inflight == h {
		g.inflight = nil
	}
	g.mu.Unlock()

	if h.err != nil {
		g.log.Warn("call failed", zap.String("op", h.Op), zap.Duration("elapsed", h.elapsed), zap.Error(h.err))
	}
	return h.result, h.err
}

// Call 同步模式：扇出并等待合并结果
func (g *Group) Call(ctx context.Context, op string, batch *model.Batch) (*model.CallResult, error) {
	h, err := g.Submit(ctx, op, batch)
	if err != nil {
		return nil, err
	}
	return g.Resolve(h)
}

func (g *Group) fanOut(ctx context.Context, h *Handle, batch *model.Batch) {
	outcomes := make([]outcome, len(g.workers))

	var eg errgroup.Group
	for i, w := range g.workers {
		eg.Go(func() error {
			outcomes[i] = g.invokeOne(ctx, w, h.Op, batch)
			return nil
		})
	}
	_ = eg.Wait()

	res, err := g.merge(h.Op, outcomes)
	h.finish(res, err)
}

func (g *Group) invokeOne(ctx context.Context, w Worker, op string, batch *model.Batch) outcome {
	if g.timeout <= 0 {
		return safeInvoke(ctx, w, op, batch)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	// 带缓冲，超时后 worker 晚到的结果直接丢弃
	ch := make(chan outcome, 1)
	go func() { ch <- safeInvoke(ctx, w, op, batch) }()

	select {
	case o := <-ch:
		return o
	case <-ctx.Done():
		return outcome{err: errors.Wrapf(ErrWorkerTimeout, "%s after %s", op, g.timeout)}
	}
}

func safeInvoke(ctx context.Context, w Worker, op string, batch *model.Batch) (o outcome) {
	defer func() {
		if r := recover(); r != nil {
			o = outcome{err: errors.Errorf("worker panic: %v", r)}
		}
	}()

	res, err := w.Invoke(ctx, op, batch)
	if err != nil {
		return outcome{err: err}
	}
	if res == nil {
		res = &model.WorkerResult{}
	}
	return outcome{res: res}
}

// Close 等待未 Resolve 的调用结束，然后释放 worker
func (g *Group) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	h := g.inflight
	g.mu.Unlock()

	if h != nil {
		g.log.Info("draining outstanding call before release", zap.String("op", h.Op))
		_, _ = g.Resolve(h)
	}
	return closeWorkers(g.workers)
}

func closeWorkers(workers []Worker) error {
	var merr *multierror.Error
	for _, w := range workers {
		if c, ok := w.(io.Closer); ok {
			if err := c.Close(); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
	}
	return merr.ErrorOrNil()
}
