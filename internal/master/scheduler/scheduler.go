package scheduler

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tandem/internal/worker"
	"tandem/pkg/model"
)

// Groups 按角色查找 worker group，worker.Set 实现了它
type Groups interface {
	ForRole(role model.Role) (*worker.Group, error)
}

// Observer 接收阶段与轮次的耗时，用于监控
type Observer interface {
	ObservePhase(phase string, elapsed time.Duration, err error)
	ObserveRound(step int, elapsed time.Duration, err error)
}

// Reporter 每轮结束后接收记录 (日志 sink、存储)
type Reporter interface {
	Report(ctx context.Context, rec *model.RoundRecord) error
}

// BatchSource 为每一轮提供数据
type BatchSource interface {
	Next(ctx context.Context, step int) (*model.Batch, error)
}

// FailurePolicy 关键阶段失败后 Run 的行为
type FailurePolicy string

const (
	ContinueOnFailure FailurePolicy = "continue"
	AbortOnFailure    FailurePolicy = "abort"
)

// Scheduler 每轮按依赖波次发出调用；同一波次内的阶段异步并发，波次末尾统一 Resolve
type Scheduler struct {
	phases []Phase
	groups []*worker.Group
	waves  [][]int
	labels []string

	// 参与本调度的卡数 (去重后的 group 大小之和)，用于吞吐
	devices int

	observers []Observer
	reporters []Reporter
	policy    FailurePolicy
	log       *zap.Logger
}

type Option func(*Scheduler)

func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observers = append(s.observers, o) }
}

func WithReporter(r Reporter) Option {
	return func(s *Scheduler) { s.reporters = append(s.reporters, r) }
}

func WithFailurePolicy(p FailurePolicy) Option {
	return func(s *Scheduler) { s.policy = p }
}

// New 校验阶段声明并预先算好波次
// 角色无法解析、依赖非法、同一波次共用 group 都在这里报错，不会等到第一轮
func New(phases []Phase, groups Groups, opts ...Option) (*Scheduler, error) {
	if len(phases) == 0 {
		return nil, errors.New("no phases declared")
	}
	s := &Scheduler{
		phases: clonePhases(phases),
		policy: ContinueOnFailure,
		log:    zap.L().Named("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}

	waves, err := buildWaves(s.phases)
	if err != nil {
		return nil, err
	}
	s.groups, err = resolveGroups(s.phases, groups)
	if err != nil {
		return nil, err
	}
	if w, first, second, found := findConflict(waves, s.groups); found {
		return nil, &WaveConflictError{
			Wave:   w,
			Pool:   s.groups[first].Pool().Name,
			Phases: [2]string{s.phases[first].Name, s.phases[second].Name},
		}
	}
	s.waves = waves

	seen := make(map[*worker.Group]bool)
	for _, g := range s.groups {
		if !seen[g] {
			seen[g] = true
			s.devices += g.Size()
		}
	}

	for w, members := range waves {
		names := make([]string, 0, len(members))
		for _, i := range members {
			names = append(names, s.phases[i].Name)
		}
		s.labels = append(s.labels, waveLabel(names))
		s.log.Info("wave planned", zap.Int("wave", w), zap.Strings("phases", names))
	}
	return s, nil
}

// Waves 每个波次包含的阶段名
func (s *Scheduler) Waves() [][]string {
	out := make([][]string, 0, len(s.waves))
	for _, members := range s.waves {
		names := make([]string, 0, len(members))
		for _, i := range members {
			names = append(names, s.phases[i].Name)
		}
		out = append(out, names)
	}
	return out
}

// Devices 调度涉及的卡数
func (s *Scheduler) Devices() int {
	return s.devices
}

// RunRound 执行一轮，成功时返回本轮的扁平指标
// 关键阶段失败返回 *RoundFailure，此时本波次已发出的调用都已经 Resolve
func (s *Scheduler) RunRound(ctx context.Context, step int, batch *model.Batch) (model.Metrics, error) {
	rc := newRoundContext(step, batch, s.log)

	for w, members := range s.waves {
		if err := ctx.Err(); err != nil {
			return nil, s.fail(rc, &RoundFailure{Step: step, Err: err})
		}
		if failure := s.runWave(ctx, rc, w, members); failure != nil {
			return nil, s.fail(rc, failure)
		}
	}

	elapsed := rc.finish(s.devices)
	for _, o := range s.observers {
		o.ObserveRound(step, elapsed, nil)
	}
	return rc.metrics, nil
}

type launched struct {
	phase  *Phase
	group  *worker.Group
	handle *worker.Handle
}

func (s *Scheduler) runWave(ctx context.Context, rc *roundContext, w int, members []int) *RoundFailure {
	start := time.Now()
	inflight := make([]launched, 0, len(members))
	var failure *RoundFailure

	for _, i := range members {
		p := &s.phases[i]
		h, err := s.groups[i].Submit(ctx, p.op(), rc.inputFor(p))
		if err != nil {
			if s.isFatal(p, err) {
				failure = &RoundFailure{Step: rc.step, Phase: p.Name, Err: err}
				break
			}
			rc.recordError(p, err)
			continue
		}
		inflight = append(inflight, launched{phase: p, group: s.groups[i], handle: h})
	}

	// 波次屏障：已经发出的调用无论成败都要 Resolve，不留下未完成的调用
	for _, l := range inflight {
		res, err := l.group.Resolve(l.handle)
		if err == nil {
			err = checkMetricNames(l.phase, res.Metrics)
		}
		for _, o := range s.observers {
			o.ObservePhase(l.phase.Name, l.handle.Elapsed(), err)
		}
		if err != nil {
			if s.isFatal(l.phase, err) {
				if failure == nil {
					failure = &RoundFailure{Step: rc.step, Phase: l.phase.Name, Err: err}
				}
				continue
			}
			rc.recordError(l.phase, err)
			continue
		}
		if failure == nil {
			rc.recordResult(l.phase, res, l.handle.Elapsed())
		}
	}
	if failure != nil {
		return failure
	}

	if len(members) > 1 {
		rc.put(CategoryTiming+"/"+s.labels[w], time.Since(start).Seconds())
	}
	return nil
}

// isFatal GroupBusyError 说明调度本身有 bug，不论阶段是否关键都中止
func (s *Scheduler) isFatal(p *Phase, err error) bool {
	var busy *worker.GroupBusyError
	return p.Critical || errors.As(err, &busy)
}

func (s *Scheduler) fail(rc *roundContext, failure *RoundFailure) error {
	s.log.Error("round aborted",
		zap.Int("step", failure.Step),
		zap.String("phase", failure.Phase),
		zap.Error(failure.Err))
	for _, o := range s.observers {
		o.ObserveRound(rc.step, time.Since(rc.started), failure)
	}
	return failure
}

// Run 连续执行 steps 轮，从 firstStep 开始编号
// 失败的轮次按 FailurePolicy 决定继续还是返回
func (s *Scheduler) Run(ctx context.Context, firstStep, steps int, src BatchSource) error {
	s.log.Info("started", zap.Int("first_step", firstStep), zap.Int("steps", steps))

	for step := firstStep; step < firstStep+steps; step++ {
		select {
		case <-ctx.Done():
			s.log.Info("stopped", zap.Int("step", step))
			return ctx.Err()
		default:
		}

		batch, err := src.Next(ctx, step)
		if err != nil {
			return errors.Wrapf(err, "load batch for step %d", step)
		}

		rec := &model.RoundRecord{Step: step, BatchID: batch.ID, StartTime: time.Now()}
		metrics, err := s.RunRound(ctx, step, batch)
		rec.EndTime = time.Now()
		if err != nil {
			rec.State = model.RoundFailed
			rec.Error = err.Error()
			var failure *RoundFailure
			if errors.As(err, &failure) {
				rec.FailedPhase = failure.Phase
			}
		} else {
			rec.State = model.RoundSucceeded
			rec.Metrics = metrics
		}
		s.report(ctx, rec)

		if err != nil && s.policy == AbortOnFailure {
			return err
		}
		if err == nil {
			s.log.Info("round finished", zap.Int("step", step), zap.Float64("seconds", metrics[KeyStepTime]))
		}
	}
	return nil
}

func (s *Scheduler) report(ctx context.Context, rec *model.RoundRecord) {
	for _, r := range s.reporters {
		if err := r.Report(ctx, rec); err != nil {
			s.log.Warn("failed to report round", zap.Int("step", rec.Step), zap.Error(err))
		}
	}
}

// SyntheticBatches 每轮生成固定 token 数的 batch
type SyntheticBatches struct {
	Tokens int
}

func (b SyntheticBatches) Next(_ context.Context, step int) (*model.Batch, error) {
	return model.NewBatch(step, b.Tokens, nil), nil
}
