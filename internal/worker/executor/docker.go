package executor

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tandem/internal/telemetry"
	"tandem/internal/worker"
	"tandem/pkg/model"
)

// DockerConfig docker 后端配置
type DockerConfig struct {
	Image string
	// Command 容器入口，操作名作为最后一个参数追加
	Command []string
	Env     []string
	// Hosts 每个节点的 docker daemon 地址，下标即节点下标；为空时用环境变量
	Hosts []string
	// GPUDriver DeviceRequest 的驱动，默认 nvidia
	GPUDriver string
}

// DockerFactory 按节点复用 docker client，进程退出时 Close
type DockerFactory struct {
	cfg DockerConfig

	mu      sync.Mutex
	clients map[int]*client.Client
}

func NewDockerFactory(cfg DockerConfig) *DockerFactory {
	if cfg.GPUDriver == "" {
		cfg.GPUDriver = "nvidia"
	}
	return &DockerFactory{cfg: cfg, clients: make(map[int]*client.Client)}
}

// Factory 返回给 worker.Bind 用的构造函数
func (f *DockerFactory) Factory() worker.Factory {
	return func(pool *model.ResourcePool, rank int, dev model.Device) (worker.Worker, error) {
		cli, err := f.client(dev.Node)
		if err != nil {
			return nil, err
		}
		return &DockerWorker{
			cli:       cli,
			cfg:       f.cfg,
			pool:      pool.Name,
			rank:      rank,
			worldSize: pool.Size(),
			dev:       dev,
			log:       zap.L().Named("docker").With(zap.String("pool", pool.Name), zap.Int("rank", rank)),
		}, nil
	}
}

func (f *DockerFactory) client(node int) (*client.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cli, ok := f.clients[node]; ok {
		return cli, nil
	}
	opts := []client.Opt{client.FromEnv, client.WithVersion("1.44")}
	if node < len(f.cfg.Hosts) && f.cfg.Hosts[node] != "" {
		opts = append(opts, client.WithHost(f.cfg.Hosts[node]))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "docker client for node %d", node)
	}
	f.clients[node] = cli
	return cli, nil
}

// Close 关闭所有 docker client
func (f *DockerFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var merr *multierror.Error
	for node, cli := range f.clients {
		if err := cli.Close(); err != nil {
			merr = multierror.Append(merr, errors.Wrapf(err, "node %d", node))
		}
	}
	f.clients = make(map[int]*client.Client)
	return merr.ErrorOrNil()
}

// DockerWorker 每次调用起一个绑定到本卡的容器执行操作
// 容器 stdout 中的 key:value 行作为指标返回
type DockerWorker struct {
	cli       *client.Client
	cfg       DockerConfig
	pool      string
	rank      int
	worldSize int
	dev       model.Device
	log       *zap.Logger
}

func (w *DockerWorker) Invoke(ctx context.Context, op string, batch *model.Batch) (*model.WorkerResult, error) {
	config, hostConfig := containerSpec(w.cfg, w.pool, w.rank, w.worldSize, w.dev, op, batch)

	resp, err := w.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, "")
	if err != nil {
		return nil, errors.Wrap(err, "create container")
	}
	containerID := resp.ID
	w.log.Debug("container created", zap.String("op", op), zap.String("container", shortID(containerID)))

	// 无论成败都清理容器
	defer func() {
		err := w.cli.ContainerRemove(context.WithoutCancel(ctx), containerID, types.ContainerRemoveOptions{Force: true})
		if err != nil {
			w.log.Warn("failed to remove container", zap.String("container", shortID(containerID)), zap.Error(err))
		}
	}()

	if err := w.cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return nil, errors.Wrap(err, "start container")
	}

	var exitCode int64
	statusCh, errCh := w.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, errors.Wrap(err, "wait container")
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	outReader, err := w.cli.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, errors.Wrap(err, "read container logs")
	}
	defer outReader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, outReader); err != nil {
		return nil, errors.Wrap(err, "demultiplex container logs")
	}

	if exitCode != 0 {
		return nil, errors.Errorf("%s exited with code %d: %s", op, exitCode, tail(stderr.String(), 512))
	}

	metrics, err := telemetry.ParseMetrics(&stdout)
	if err != nil {
		return nil, errors.Wrap(err, "parse container metrics")
	}
	return &model.WorkerResult{Payload: stdout.String(), Metrics: metrics}, nil
}

// containerSpec 构造容器配置：把本卡通过 DeviceRequest 交给容器，batch 元数据放进环境变量
func containerSpec(cfg DockerConfig, pool string, rank, worldSize int, dev model.Device, op string, batch *model.Batch) (*container.Config, *container.HostConfig) {
	env := append([]string{
		"TANDEM_OP=" + op,
		"TANDEM_POOL=" + pool,
		"TANDEM_RANK=" + strconv.Itoa(rank),
		"TANDEM_WORLD_SIZE=" + strconv.Itoa(worldSize),
		"TANDEM_BATCH_ID=" + batch.ID,
		"TANDEM_STEP=" + strconv.Itoa(batch.Step),
		"TANDEM_TOKENS=" + strconv.Itoa(batch.Tokens),
	}, cfg.Env...)

	cmd := append(append([]string(nil), cfg.Command...), op)

	config := &container.Config{
		Image: cfg.Image,
		Cmd:   cmd,
		Env:   env,
		Tty:   false,
		Labels: map[string]string{
			"tandem.pool": pool,
			"tandem.rank": strconv.Itoa(rank),
			"tandem.op":   op,
		},
	}
	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			DeviceRequests: []container.DeviceRequest{{
				Driver:       cfg.GPUDriver,
				DeviceIDs:    []string{strconv.Itoa(dev.Index)},
				Capabilities: [][]string{{"gpu"}},
			}},
		},
	}
	return config, hostConfig
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}
