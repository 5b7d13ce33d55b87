package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tandem/internal/logging"
	"tandem/internal/worker"
	"tandem/pkg/store"
)

var (
	endpoints   []string
	dialTimeout time.Duration
	agentCfg    worker.AgentConfig
	logCfg      = logging.DefaultConfig()
)

var rootCmd = &cobra.Command{
	Use:          "worker",
	Short:        "Register this node's devices with the training cluster",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, restore, err := logging.Setup(logCfg)
		if err != nil {
			return err
		}
		defer restore()

		// 1. 连接 Etcd
		etcdManager, err := store.NewEtcdManager(endpoints, dialTimeout)
		if err != nil {
			return err
		}
		defer etcdManager.Close()

		// 2. 初始化 Worker Agent
		agent, err := worker.NewAgent(etcdManager, agentCfg)
		if err != nil {
			return err
		}

		// 3. 运行到收到退出信号
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		err = agent.Run(ctx)
		zap.L().Named("agent").Info("shutting down worker")
		return err
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringSliceVar(&endpoints, "endpoints", []string{"localhost:2379"}, "etcd endpoints")
	flags.DurationVar(&dialTimeout, "dial-timeout", 5*time.Second, "etcd dial timeout")
	flags.StringVar(&agentCfg.ID, "id", "", "node id, hostname when empty")
	flags.IntVar(&agentCfg.Devices, "devices", 8, "accelerator devices on this node")
	flags.StringVar(&agentCfg.DockerHost, "docker-host", "", "docker daemon address advertised to the trainer")
	flags.DurationVar(&agentCfg.Heartbeat, "heartbeat", 3*time.Second, "heartbeat interval")
	flags.StringVar(&logCfg.Level, "log-level", logCfg.Level, "log level")
	flags.StringVar(&logCfg.Format, "log-format", logCfg.Format, "log format: json or console")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
