package worker

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

var (
	// ErrGroupClosed group 已经释放
	ErrGroupClosed = errors.New("worker group is closed")
	// ErrWorkerTimeout 单个 worker 调用超过了 call timeout
	ErrWorkerTimeout = errors.New("worker call timed out")
	// ErrForeignHandle handle 不属于这个 group
	ErrForeignHandle = errors.New("handle was issued by a different worker group")
)

// GroupBusyError 上一个调用还没 Resolve 就又提交了新调用
// 这是调度逻辑的 bug，不应该重试
type GroupBusyError struct {
	Pool     string
	Op       string
	InFlight string
}

func (e *GroupBusyError) Error() string {
	return fmt.Sprintf("worker group %s is busy with %q, cannot start %q", e.Pool, e.InFlight, e.Op)
}

// PartialFailureError 扇出调用中有 worker 失败
// Failed 与 Causes 一一对应，按 worker 下标升序
type PartialFailureError struct {
	Pool   string
	Op     string
	Failed []int
	Causes []error
}

func (e *PartialFailureError) Error() string {
	var merr *multierror.Error
	for i, idx := range e.Failed {
		merr = multierror.Append(merr, errors.Wrapf(e.Causes[i], "worker %d", idx))
	}
	return fmt.Sprintf("%s on pool %s: workers %v failed: %s", e.Op, e.Pool, e.Failed, merr.Error())
}

func (e *PartialFailureError) Unwrap() []error {
	return e.Causes
}
