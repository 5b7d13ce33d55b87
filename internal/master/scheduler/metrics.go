package scheduler

import (
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"tandem/pkg/model"
)

// 指标类别，key 形如 <category>/<phase>
const (
	CategoryTiming         = "timing_s"
	CategoryTimingPerToken = "timing_per_token_ms"
	CategoryErrors         = "errors"

	KeyStepTime    = "timing_s/step"
	KeyTimePerStep = "perf/time_per_step"
	KeyThroughput  = "perf/throughput"
	KeyTotalTokens = "perf/total_num_tokens"

	categoryPerf = "perf"
)

// worker 指标写成 <name>/<phase>，name 不能是调度器自己的类别
var (
	metricNamePattern = regexp.MustCompile(`^[\w/]+$`)
	reservedMetrics   = map[string]bool{
		CategoryTiming:         true,
		CategoryTimingPerToken: true,
		CategoryErrors:         true,
		categoryPerf:           true,
	}
)

// checkMetricNames 在写入任何指标之前检查整个结果
func checkMetricNames(p *Phase, m model.Metrics) error {
	for _, k := range m.Keys() {
		root, _, _ := strings.Cut(k, "/")
		if !metricNamePattern.MatchString(k) || reservedMetrics[root] {
			return &ReservedMetricError{Phase: p.Name, Metric: k}
		}
	}
	return nil
}

// roundContext 一轮内的临时状态，轮次结束后丢弃
type roundContext struct {
	step    int
	batch   *model.Batch
	started time.Time

	metrics model.Metrics
	results map[string]*model.CallResult
	log     *zap.Logger
}

func newRoundContext(step int, batch *model.Batch, log *zap.Logger) *roundContext {
	return &roundContext{
		step:    step,
		batch:   batch,
		started: time.Now(),
		metrics: make(model.Metrics),
		results: make(map[string]*model.CallResult),
		log:     log,
	}
}

// put 同一个 key 只写一次，后写的阶段不会覆盖前面的
func (rc *roundContext) put(key string, v float64) {
	if _, exists := rc.metrics[key]; exists {
		rc.log.Warn("metric already recorded, keeping first value", zap.String("key", key))
		return
	}
	rc.metrics[key] = v
}

// inputFor 只把依赖阶段的结果挂到 batch 的拷贝上
func (rc *roundContext) inputFor(p *Phase) *model.Batch {
	inputs := make(map[string]*model.CallResult, len(p.DependsOn))
	for _, dep := range p.DependsOn {
		if r, ok := rc.results[dep]; ok {
			inputs[dep] = r
		}
	}
	return rc.batch.WithInputs(inputs)
}

func (rc *roundContext) recordResult(p *Phase, res *model.CallResult, elapsed time.Duration) {
	rc.results[p.Name] = res
	rc.recordTiming(p.Name, elapsed)
	for _, k := range res.Metrics.Keys() {
		rc.put(k+"/"+p.Name, res.Metrics[k])
	}
}

func (rc *roundContext) recordTiming(name string, elapsed time.Duration) {
	rc.put(CategoryTiming+"/"+name, elapsed.Seconds())
	if rc.batch.Tokens > 0 {
		rc.put(CategoryTimingPerToken+"/"+name, float64(elapsed.Microseconds())/1e3/float64(rc.batch.Tokens))
	}
}

func (rc *roundContext) recordError(p *Phase, err error) {
	rc.put(CategoryErrors+"/"+p.Name, 1)
	rc.log.Warn("non-critical phase failed", zap.Int("step", rc.step), zap.String("phase", p.Name), zap.Error(err))
}

// finish 写入整轮的耗时与吞吐，吞吐按 token/(秒*卡) 计算
func (rc *roundContext) finish(devices int) time.Duration {
	elapsed := time.Since(rc.started)
	seconds := elapsed.Seconds()
	rc.put(KeyStepTime, seconds)
	rc.put(KeyTimePerStep, seconds)
	rc.put(KeyTotalTokens, float64(rc.batch.Tokens))
	if seconds > 0 && devices > 0 {
		rc.put(KeyThroughput, float64(rc.batch.Tokens)/(seconds*float64(devices)))
	}
	return elapsed
}
