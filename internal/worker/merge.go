package worker

import (
	"math"

	"tandem/pkg/model"
)

// Reduction 把各 worker 同名指标合成一个值，输入按 worker 下标排列
type Reduction func(values []float64) float64

var (
	Mean Reduction = func(values []float64) float64 {
		if len(values) == 0 {
			return 0
		}
		return Sum(values) / float64(len(values))
	}
	Sum Reduction = func(values []float64) float64 {
		total := 0.0
		for _, v := range values {
			total += v
		}
		return total
	}
	Max Reduction = func(values []float64) float64 {
		out := math.Inf(-1)
		for _, v := range values {
			out = math.Max(out, v)
		}
		return out
	}
	Min Reduction = func(values []float64) float64 {
		out := math.Inf(1)
		for _, v := range values {
			out = math.Min(out, v)
		}
		return out
	}
)

// outcome 单个 worker 的结果
type outcome struct {
	res *model.WorkerResult
	err error
}

func (g *Group) reduction(key string) Reduction {
	if r, ok := g.perKey[key]; ok {
		return r
	}
	return g.reduce
}

// merge 按 worker 下标合并，任何 worker 失败都不产生结果
func (g *Group) merge(op string, outcomes []outcome) (*model.CallResult, error) {
	var failed []int
	var causes []error
	for i, o := range outcomes {
		if o.err != nil {
			failed = append(failed, i)
			causes = append(causes, o.err)
		}
	}
	if len(failed) > 0 {
		return nil, &PartialFailureError{Pool: g.pool.Name, Op: op, Failed: failed, Causes: causes}
	}

	payloads := make([]any, len(outcomes))
	values := make(map[string][]float64)
	for i, o := range outcomes {
		payloads[i] = o.res.Payload
		for k, v := range o.res.Metrics {
			values[k] = append(values[k], v)
		}
	}

	metrics := make(model.Metrics, len(values))
	for k, vs := range values {
		metrics[k] = g.reduction(k)(vs)
	}
	return &model.CallResult{
		Pool:     g.pool.Name,
		Op:       op,
		Payloads: payloads,
		Metrics:  metrics,
	}, nil
}
