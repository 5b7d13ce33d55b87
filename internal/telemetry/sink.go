package telemetry

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"tandem/pkg/model"
)

// 与绘图工具使用同一个匹配规则，例如 timing_s/gen:5.32
var linePattern = regexp.MustCompile(`([\w/]+):([\d.eE+-]+)`)

// LineSink 每轮把指标按 key:value 逐行追加到 writer
type LineSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewLineSink(w io.Writer) *LineSink {
	return &LineSink{w: w}
}

// OpenFileSink 以追加方式打开指标文件
func OpenFileSink(path string) (*LineSink, io.Closer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open metrics file %s", path)
	}
	return NewLineSink(f), f, nil
}

// Report 实现 scheduler.Reporter
func (s *LineSink) Report(_ context.Context, rec *model.RoundRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return WriteRecord(s.w, rec)
}

// WriteRecord 写一轮记录：先写 step，失败轮次只写 round_failed
func WriteRecord(w io.Writer, rec *model.RoundRecord) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "step:%d\n", rec.Step)
	if rec.State == model.RoundFailed {
		fmt.Fprintf(bw, "round_failed:1\n")
	}
	for _, k := range rec.Metrics.Keys() {
		fmt.Fprintf(bw, "%s:%s\n", k, strconv.FormatFloat(rec.Metrics[k], 'g', -1, 64))
	}
	return bw.Flush()
}

// ParseLine 解析一行里的全部 key:value
func ParseLine(line string) model.Metrics {
	out := make(model.Metrics)
	for _, m := range linePattern.FindAllStringSubmatch(line, -1) {
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		out[m[1]] = v
	}
	return out
}

// ParseMetrics 读取全部内容，同名 key 以最后一次为准
func ParseMetrics(r io.Reader) (model.Metrics, error) {
	out := make(model.Metrics)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		for k, v := range ParseLine(sc.Text()) {
			out[k] = v
		}
	}
	return out, sc.Err()
}
