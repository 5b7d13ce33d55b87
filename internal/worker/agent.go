package worker

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tandem/pkg/model"
	"tandem/pkg/store"
)

// AgentConfig 节点 agent 的启动参数
type AgentConfig struct {
	ID         string
	Devices    int
	DockerHost string
	Version    string
	// Heartbeat 心跳间隔，需小于存储的节点租约
	Heartbeat time.Duration
}

// Agent 在每个节点上运行，周期性上报本节点的设备清单
type Agent struct {
	ID    string
	cfg   AgentConfig
	store store.Store
	log   *zap.Logger
}

func NewAgent(s store.Store, cfg AgentConfig) (*Agent, error) {
	if cfg.Devices <= 0 {
		return nil, errors.Errorf("agent needs a positive device count, got %d", cfg.Devices)
	}
	hostname, _ := os.Hostname()
	if cfg.ID == "" {
		cfg.ID = hostname
	}
	if cfg.ID == "" {
		cfg.ID = "worker-node-01"
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 3 * time.Second
	}
	if cfg.Heartbeat >= store.NodeTTL {
		return nil, errors.Errorf("heartbeat %s must be shorter than the node lease %s", cfg.Heartbeat, store.NodeTTL)
	}
	if cfg.Version == "" {
		cfg.Version = "v1.0"
	}

	return &Agent{
		ID:    cfg.ID,
		cfg:   cfg,
		store: s,
		log:   zap.L().Named("agent").With(zap.String("node", cfg.ID)),
	}, nil
}

// Run 阻塞直到 ctx 结束，退出前把节点标记为 OFFLINE
func (a *Agent) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Heartbeat)
	defer ticker.Stop()

	if err := a.register(ctx, model.NodeReady); err != nil {
		return err
	}
	a.log.Info("node registered", zap.Int("devices", a.cfg.Devices))

	for {
		select {
		case <-ticker.C:
			if err := a.register(ctx, model.NodeReady); err != nil {
				// 单次心跳失败不退出，等待下一次
				a.log.Warn("heartbeat failed", zap.Error(err))
			}
		case <-ctx.Done():
			offCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			defer cancel()
			if err := a.register(offCtx, model.NodeOffline); err != nil {
				a.log.Warn("failed to mark node offline", zap.Error(err))
			}
			return nil
		}
	}
}

// Node 当前上报的节点信息
func (a *Agent) Node(status model.NodeStatus) *model.Node {
	hostname, _ := os.Hostname()
	return &model.Node{
		ID:            a.ID,
		IP:            localIP(),
		Version:       a.cfg.Version,
		Hostname:      hostname,
		Devices:       a.cfg.Devices,
		DockerHost:    a.cfg.DockerHost,
		Status:        status,
		LastHeartbeat: time.Now().Unix(),
	}
}

func (a *Agent) register(ctx context.Context, status model.NodeStatus) error {
	return a.store.RegisterNode(ctx, a.Node(status))
}

// localIP 取第一个非回环的 IPv4 地址
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP.String()
		}
	}
	return "127.0.0.1"
}
