package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tandem/internal/config"
	"tandem/internal/logging"
	"tandem/internal/master/pool"
	"tandem/internal/master/scheduler"
	"tandem/internal/telemetry"
	"tandem/internal/worker"
	"tandem/internal/worker/executor"
	"tandem/pkg/model"
	"tandem/pkg/store"
)

var (
	configFile string
	loader     = config.NewLoader()
)

var rootCmd = &cobra.Command{
	Use:          "trainer",
	Short:        "Run training rounds over split resource pools",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loader.Load(configFile)
		if err != nil {
			return err
		}
		_, restore, err := logging.Setup(cfg.Log)
		if err != nil {
			return err
		}
		defer restore()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "location of config file")
	loader.Register(rootCmd.Flags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log := zap.L().Named("trainer")

	// 1. 存储 (可选)
	var etcd *store.EtcdManager
	if len(cfg.Store.Endpoints) > 0 {
		var err error
		etcd, err = store.NewEtcdManager(cfg.Store.Endpoints, cfg.Store.DialTimeout)
		if err != nil {
			return err
		}
		defer etcd.Close()
		log.Info("connected to etcd", zap.Strings("endpoints", cfg.Store.Endpoints))
	}

	// 2. 设备预算
	budget := cfg.Budget()
	var nodes []*model.Node
	if cfg.Trainer.BudgetFromStore {
		registered, err := etcd.ListNodes(ctx)
		if err != nil {
			return err
		}
		budget, nodes = model.BudgetFromNodes(registered)
		if budget.NodeCount == 0 {
			return errors.New("no ready nodes registered in the store")
		}
		log.Info("budget built from registered nodes", zap.Stringer("budget", budget), zap.Int("nodes", len(nodes)))
	}

	// 3. 资源池划分，失败直接退出，不跑任何一轮
	budget, spec, mapping, err := config.BuildPlacement(cfg, budget)
	if err != nil {
		return errors.Wrap(err, "build placement")
	}
	mgr, err := pool.Allocate(budget, spec, mapping)
	if err != nil {
		return errors.Wrap(err, "allocate resource pools")
	}
	if etcd != nil {
		if err := etcd.SavePlacement(ctx, mgr.Placement()); err != nil {
			log.Warn("failed to save placement", zap.Error(err))
		}
	}

	// 4. 每个池绑定一个 worker group
	factory, closeFactory := newFactory(cfg, mgr.Mapping(), nodes)
	defer closeFactory()
	set, err := worker.BindAll(mgr, factory, worker.WithCallTimeout(cfg.Trainer.CallTimeout))
	if err != nil {
		return err
	}
	defer func() {
		if err := set.Close(); err != nil {
			log.Warn("failed to close worker groups", zap.Error(err))
		}
	}()

	// 5. 阶段声明
	phases := scheduler.DefaultPhases(scheduler.PhaseOptions{Reference: cfg.Trainer.UseReferencePolicy})
	if !cfg.Trainer.Overlap {
		phases = scheduler.Serialize(phases)
	}
	phases, err = scheduler.SerializeConflicts(phases, set)
	if err != nil {
		return err
	}

	// 6. 指标出口
	sink, closeSink, err := openSink(cfg.Metrics.File)
	if err != nil {
		return err
	}
	defer closeSink.Close()

	reg := prometheus.NewRegistry()
	recorder, err := telemetry.NewRecorder(reg)
	if err != nil {
		return err
	}
	opts := []scheduler.Option{
		scheduler.WithReporter(sink),
		scheduler.WithReporter(recorder),
		scheduler.WithObserver(recorder),
		scheduler.WithFailurePolicy(scheduler.FailurePolicy(cfg.Trainer.OnRoundFailure)),
	}
	if etcd != nil {
		opts = append(opts, scheduler.WithReporter(etcd))
	}
	if cfg.Metrics.Listen != "" {
		srv := serveMetrics(cfg.Metrics.Listen, reg, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	sched, err := scheduler.New(phases, set, opts...)
	if err != nil {
		return err
	}

	// 7. 主循环
	err = sched.Run(ctx, 1, cfg.Trainer.TotalTrainingSteps, scheduler.SyntheticBatches{Tokens: cfg.Trainer.BatchTokens})
	if errors.Is(err, context.Canceled) {
		log.Info("shutting down trainer")
		return nil
	}
	return err
}

// newFactory 按后端构造 worker，返回的关闭函数在所有 group 关闭后调用
func newFactory(cfg *config.Config, mapping model.RoleMapping, nodes []*model.Node) (worker.Factory, func()) {
	if cfg.Worker.Backend != config.BackendDocker {
		return executor.NewSimulatedFactory(mapping, cfg.Worker.Costs), func() {}
	}

	hosts := cfg.Worker.Hosts
	if len(hosts) == 0 {
		for _, n := range nodes {
			hosts = append(hosts, n.DockerHost)
		}
	}
	df := executor.NewDockerFactory(executor.DockerConfig{
		Image:   cfg.Worker.Image,
		Command: cfg.Worker.Command,
		Env:     cfg.Worker.Env,
		Hosts:   hosts,
	})
	return df.Factory(), func() {
		if err := df.Close(); err != nil {
			zap.L().Named("trainer").Warn("failed to close docker clients", zap.Error(err))
		}
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openSink(path string) (*telemetry.LineSink, io.Closer, error) {
	if path == "" {
		return telemetry.NewLineSink(os.Stdout), nopCloser{}, nil
	}
	return telemetry.OpenFileSink(path)
}

func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()
	return srv
}
