package worker

import (
	"time"

	"github.com/google/uuid"

	"tandem/pkg/model"
)

// Handle 一次异步调用，Resolve 之前 group 不接受新调用
type Handle struct {
	ID      string
	Op      string
	Pool    string
	Started time.Time

	group *Group
	done  chan struct{}

	// done 关闭后只读
	result  *model.CallResult
	err     error
	elapsed time.Duration
}

func newHandle(g *Group, op string) *Handle {
	return &Handle{
		ID:      uuid.NewString(),
		Op:      op,
		Pool:    g.pool.Name,
		Started: time.Now(),
		group:   g,
		done:    make(chan struct{}),
	}
}

// Done 所有 worker 返回后关闭
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Elapsed 从提交到最后一个 worker 返回的时间，未完成时返回 0
func (h *Handle) Elapsed() time.Duration {
	select {
	case <-h.done:
		return h.elapsed
	default:
		return 0
	}
}

func (h *Handle) finish(res *model.CallResult, err error) {
	h.result = res
	h.err = err
	h.elapsed = time.Since(h.Started)
	close(h.done)
}
