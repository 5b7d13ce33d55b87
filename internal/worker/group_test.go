package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tandem/internal/worker"
	"tandem/pkg/model"
)

func newPool(name string, size int) *model.ResourcePool {
	p := &model.ResourcePool{Name: name, DevicesPerNode: []int{size}}
	for i := 0; i < size; i++ {
		p.Devices = append(p.Devices, model.Device{Node: 0, Index: i})
	}
	return p
}

// sleepyFactory: rank 越小睡得越久，完成顺序与下标顺序相反
func sleepyFactory(step time.Duration) worker.Factory {
	return func(pool *model.ResourcePool, rank int, dev model.Device) (worker.Worker, error) {
		delay := time.Duration(pool.Size()-rank) * step
		return worker.WorkerFunc(func(ctx context.Context, op string, batch *model.Batch) (*model.WorkerResult, error) {
			time.Sleep(delay)
			return &model.WorkerResult{
				Payload: fmt.Sprintf("%s@%s", op, dev),
				Metrics: model.Metrics{"loss": float64(rank), "tokens": 10},
			}, nil
		}), nil
	}
}

func constFactory(d time.Duration) worker.Factory {
	return func(pool *model.ResourcePool, rank int, dev model.Device) (worker.Worker, error) {
		return worker.WorkerFunc(func(ctx context.Context, op string, batch *model.Batch) (*model.WorkerResult, error) {
			time.Sleep(d)
			return &model.WorkerResult{Payload: rank}, nil
		}), nil
	}
}

func TestCallOrdersPayloadsByWorkerIndex(t *testing.T) {
	g, err := worker.Bind(newPool("actor", 4), sleepyFactory(5*time.Millisecond),
		worker.WithMetricReduction("tokens", worker.Sum))
	require.NoError(t, err)
	defer g.Close()

	res, err := g.Call(context.Background(), "generate_sequences", model.NewBatch(1, 128, nil))
	require.NoError(t, err)

	assert.Equal(t, []any{
		"generate_sequences@node0/gpu0",
		"generate_sequences@node0/gpu1",
		"generate_sequences@node0/gpu2",
		"generate_sequences@node0/gpu3",
	}, res.Payloads)
	assert.Equal(t, "actor", res.Pool)
	assert.InDelta(t, 1.5, res.Metrics["loss"], 1e-9)
	assert.InDelta(t, 40, res.Metrics["tokens"], 1e-9)
}

func TestCallPartialFailure(t *testing.T) {
	boom := errors.New("cuda oom")
	factory := func(pool *model.ResourcePool, rank int, dev model.Device) (worker.Worker, error) {
		return worker.WorkerFunc(func(ctx context.Context, op string, batch *model.Batch) (*model.WorkerResult, error) {
			if rank == 2 {
				return nil, boom
			}
			return &model.WorkerResult{Payload: rank}, nil
		}), nil
	}
	g, err := worker.Bind(newPool("critic", 4), factory)
	require.NoError(t, err)
	defer g.Close()

	res, err := g.Call(context.Background(), "update_critic", model.NewBatch(1, 0, nil))
	assert.Nil(t, res)

	var partial *worker.PartialFailureError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, []int{2}, partial.Failed)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "worker 2")

	// 失败的调用 Resolve 之后 group 可以继续使用
	_, err = g.Call(context.Background(), "update_critic", model.NewBatch(2, 0, nil))
	require.ErrorAs(t, err, &partial)
}

func TestSubmitWhileBusy(t *testing.T) {
	g, err := worker.Bind(newPool("actor", 2), constFactory(30*time.Millisecond))
	require.NoError(t, err)
	defer g.Close()

	h, err := g.Submit(context.Background(), "generate_sequences", model.NewBatch(1, 0, nil))
	require.NoError(t, err)

	_, err = g.Submit(context.Background(), "compute_log_prob", model.NewBatch(1, 0, nil))
	var busy *worker.GroupBusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, "generate_sequences", busy.InFlight)

	// 完成但未 Resolve 仍然算忙
	<-h.Done()
	_, err = g.Call(context.Background(), "compute_log_prob", model.NewBatch(1, 0, nil))
	require.ErrorAs(t, err, &busy)

	res, err := g.Resolve(h)
	require.NoError(t, err)
	assert.Equal(t, []any{0, 1}, res.Payloads)

	_, err = g.Call(context.Background(), "compute_log_prob", model.NewBatch(1, 0, nil))
	require.NoError(t, err)
}

func TestSubmitReturnsImmediately(t *testing.T) {
	g, err := worker.Bind(newPool("actor", 2), constFactory(80*time.Millisecond))
	require.NoError(t, err)
	defer g.Close()

	start := time.Now()
	h, err := g.Submit(context.Background(), "generate_sequences", model.NewBatch(1, 0, nil))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 40*time.Millisecond)
	assert.Zero(t, h.Elapsed())

	_, err = g.Resolve(h)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, h.Elapsed(), 80*time.Millisecond)
}

func TestAsyncAcrossDisjointPoolsOverlaps(t *testing.T) {
	const unit = 10 * time.Millisecond
	t1 := 15 * unit
	t2 := 147 * unit / 10

	critic, err := worker.Bind(newPool("critic", 2), constFactory(t1))
	require.NoError(t, err)
	defer critic.Close()
	actor, err := worker.Bind(newPool("actor", 2), constFactory(t2))
	require.NoError(t, err)
	defer actor.Close()

	batch := model.NewBatch(1, 0, nil)
	ctx := context.Background()

	start := time.Now()
	hc, err := critic.Submit(ctx, "update_critic", batch)
	require.NoError(t, err)
	ha, err := actor.Submit(ctx, "update_actor", batch)
	require.NoError(t, err)
	_, err = critic.Resolve(hc)
	require.NoError(t, err)
	_, err = actor.Resolve(ha)
	require.NoError(t, err)
	overlapped := time.Since(start)

	start = time.Now()
	_, err = critic.Call(ctx, "update_critic", batch)
	require.NoError(t, err)
	_, err = actor.Call(ctx, "update_actor", batch)
	require.NoError(t, err)
	sequential := time.Since(start)

	assert.GreaterOrEqual(t, overlapped, t1)
	assert.Less(t, overlapped, t1+8*unit)
	assert.GreaterOrEqual(t, sequential, t1+t2)
	assert.Less(t, sequential, t1+t2+10*unit)
}

func TestCallTimeout(t *testing.T) {
	factory := func(pool *model.ResourcePool, rank int, dev model.Device) (worker.Worker, error) {
		return worker.WorkerFunc(func(ctx context.Context, op string, batch *model.Batch) (*model.WorkerResult, error) {
			if rank == 1 {
				// 故意不理会 ctx
				time.Sleep(300 * time.Millisecond)
			}
			return &model.WorkerResult{}, nil
		}), nil
	}
	g, err := worker.Bind(newPool("ref", 3), factory, worker.WithCallTimeout(30*time.Millisecond))
	require.NoError(t, err)
	defer g.Close()

	start := time.Now()
	_, err = g.Call(context.Background(), "compute_ref_log_prob", model.NewBatch(1, 0, nil))
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	var partial *worker.PartialFailureError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, []int{1}, partial.Failed)
	assert.ErrorIs(t, err, worker.ErrWorkerTimeout)
}

func TestWorkerPanicIsFailure(t *testing.T) {
	factory := func(pool *model.ResourcePool, rank int, dev model.Device) (worker.Worker, error) {
		return worker.WorkerFunc(func(ctx context.Context, op string, batch *model.Batch) (*model.WorkerResult, error) {
			if rank == 0 {
				panic("nccl abort")
			}
			return nil, nil
		}), nil
	}
	g, err := worker.Bind(newPool("actor", 2), factory)
	require.NoError(t, err)
	defer g.Close()

	_, err = g.Call(context.Background(), "update_actor", model.NewBatch(1, 0, nil))
	var partial *worker.PartialFailureError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, []int{0}, partial.Failed)
	assert.Contains(t, err.Error(), "nccl abort")
}

func TestSubmitIgnoresCallerCancellation(t *testing.T) {
	var finished atomic.Int32
	factory := func(pool *model.ResourcePool, rank int, dev model.Device) (worker.Worker, error) {
		return worker.WorkerFunc(func(ctx context.Context, op string, batch *model.Batch) (*model.WorkerResult, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(20 * time.Millisecond):
			}
			finished.Add(1)
			return &model.WorkerResult{}, nil
		}), nil
	}
	g, err := worker.Bind(newPool("actor", 3), factory)
	require.NoError(t, err)
	defer g.Close()

	ctx, cancel := context.WithCancel(context.Background())
	h, err := g.Submit(ctx, "generate_sequences", model.NewBatch(1, 0, nil))
	require.NoError(t, err)
	cancel()

	_, err = g.Resolve(h)
	require.NoError(t, err)
	assert.EqualValues(t, 3, finished.Load())
}

type closingWorker struct {
	closed *atomic.Int32
}

func (w closingWorker) Invoke(ctx context.Context, op string, batch *model.Batch) (*model.WorkerResult, error) {
	time.Sleep(20 * time.Millisecond)
	return &model.WorkerResult{}, nil
}

func (w closingWorker) Close() error {
	w.closed.Add(1)
	return nil
}

func TestCloseDrainsAndReleases(t *testing.T) {
	var closed atomic.Int32
	factory := func(pool *model.ResourcePool, rank int, dev model.Device) (worker.Worker, error) {
		return closingWorker{closed: &closed}, nil
	}
	g, err := worker.Bind(newPool("critic", 2), factory)
	require.NoError(t, err)

	h, err := g.Submit(context.Background(), "compute_values", model.NewBatch(1, 0, nil))
	require.NoError(t, err)

	require.NoError(t, g.Close())
	assert.NotZero(t, h.Elapsed())
	assert.EqualValues(t, 2, closed.Load())

	_, err = g.Submit(context.Background(), "compute_values", model.NewBatch(1, 0, nil))
	assert.ErrorIs(t, err, worker.ErrGroupClosed)
	assert.NoError(t, g.Close())
}

func TestResolveForeignHandle(t *testing.T) {
	a, err := worker.Bind(newPool("a", 1), constFactory(0))
	require.NoError(t, err)
	defer a.Close()
	b, err := worker.Bind(newPool("b", 1), constFactory(0))
	require.NoError(t, err)
	defer b.Close()

	h, err := a.Submit(context.Background(), "op", model.NewBatch(1, 0, nil))
	require.NoError(t, err)
	_, err = b.Resolve(h)
	assert.ErrorIs(t, err, worker.ErrForeignHandle)
	_, err = a.Resolve(h)
	assert.NoError(t, err)
}

func TestBindFactoryError(t *testing.T) {
	var closed atomic.Int32
	factory := func(pool *model.ResourcePool, rank int, dev model.Device) (worker.Worker, error) {
		if rank == 2 {
			return nil, errors.New("no such device")
		}
		return closingWorker{closed: &closed}, nil
	}
	_, err := worker.Bind(newPool("actor", 3), factory)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node0/gpu2")
	assert.EqualValues(t, 2, closed.Load())

	_, err = worker.Bind(&model.ResourcePool{Name: "empty"}, factory)
	assert.Error(t, err)
}
