package telemetry_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tandem/internal/telemetry"
	"tandem/pkg/model"
)

func TestLineSinkFormat(t *testing.T) {
	var buf bytes.Buffer
	sink := telemetry.NewLineSink(&buf)

	err := sink.Report(context.Background(), &model.RoundRecord{
		Step:  3,
		State: model.RoundSucceeded,
		Metrics: model.Metrics{
			"timing_s/gen":            5.321173943000076,
			"perf/throughput":         1234.5,
			"timing_per_token_ms/gen": 0.25,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, strings.Join([]string{
		"step:3",
		"perf/throughput:1234.5",
		"timing_per_token_ms/gen:0.25",
		"timing_s/gen:5.321173943000076",
	}, "\n")+"\n", buf.String())

	parsed, err := telemetry.ParseMetrics(&buf)
	require.NoError(t, err)
	assert.Equal(t, 5.321173943000076, parsed["timing_s/gen"])
	assert.Equal(t, 3.0, parsed["step"])
}

func TestLineSinkFailedRound(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, telemetry.WriteRecord(&buf, &model.RoundRecord{Step: 4, State: model.RoundFailed}))
	assert.Equal(t, "step:4\nround_failed:1\n", buf.String())
}

func TestParseLine(t *testing.T) {
	m := telemetry.ParseLine("step 2 | timing_s/update_actor:1.5e+00 - perf/time_per_step:12 noise")
	assert.Equal(t, model.Metrics{"timing_s/update_actor": 1.5, "perf/time_per_step": 12}, m)
	assert.Empty(t, telemetry.ParseLine("no metrics here"))
}

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := telemetry.NewRecorder(reg)
	require.NoError(t, err)

	r.ObservePhase("gen", 2*time.Second, nil)
	r.ObservePhase("values", time.Second, errors.New("boom"))
	r.ObserveRound(1, 3*time.Second, nil)
	require.NoError(t, r.Report(context.Background(), &model.RoundRecord{
		Step:    1,
		State:   model.RoundSucceeded,
		Metrics: model.Metrics{"perf/throughput": 42},
	}))

	n, err := testutil.GatherAndCount(reg, "tandem_phase_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = testutil.GatherAndCount(reg, "tandem_phase_errors_total", "tandem_rounds_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	got := map[string]float64{}
	for _, mf := range mfs {
		if mf.GetName() == "tandem_throughput_tokens_per_device_second" {
			got["throughput"] = mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, 42.0, got["throughput"])

	_, err = telemetry.NewRecorder(reg)
	assert.Error(t, err)
}
