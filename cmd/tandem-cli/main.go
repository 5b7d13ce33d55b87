package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"tandem/internal/config"
	"tandem/internal/master/pool"
	"tandem/internal/master/scheduler"
	"tandem/internal/telemetry"
	"tandem/internal/worker"
	"tandem/pkg/model"
	"tandem/pkg/store"
)

var (
	endpoints   []string
	dialTimeout time.Duration
	configFile  string
	loader      = config.NewLoader()
)

var rootCmd = &cobra.Command{
	Use:          "tandem-cli",
	Short:        "Inspect placements and round metrics",
	SilenceUsage: true,
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Allocate pools from a config without running anything",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loader.Load(configFile)
		if err != nil {
			return err
		}
		budget := cfg.Budget()
		if cfg.Trainer.BudgetFromStore {
			s, err := connect()
			if err != nil {
				return err
			}
			defer s.Close()
			nodes, err := s.ListNodes(cmd.Context())
			if err != nil {
				return err
			}
			budget, _ = model.BudgetFromNodes(nodes)
		}
		return plan(cfg, budget)
	},
}

var roundCmd = &cobra.Command{
	Use:   "round <step>",
	Short: "Print the persisted metrics of one round",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		step, err := strconv.Atoi(args[0])
		if err != nil {
			return errors.Wrapf(err, "invalid step %q", args[0])
		}
		s, err := connect()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		rec, err := s.GetRound(ctx, step)
		if err != nil {
			return err
		}
		return telemetry.WriteRecord(os.Stdout, rec)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream round metrics as key:value lines until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := connect()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		for ev := range s.WatchRounds(ctx) {
			if ev.Type != store.RoundPut {
				continue
			}
			if err := telemetry.WriteRecord(os.Stdout, ev.Round); err != nil {
				return err
			}
		}
		return nil
	},
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List registered nodes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := connect()
		if err != nil {
			return err
		}
		defer s.Close()

		nodes, err := s.ListNodes(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tIP\tDEVICES\tSTATUS\tLAST HEARTBEAT")
		for _, n := range nodes {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", n.ID, n.IP, n.Devices, n.Status,
				time.Unix(n.LastHeartbeat, 0).Format(time.RFC3339))
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&endpoints, "endpoints", []string{"localhost:2379"}, "etcd endpoints")
	rootCmd.PersistentFlags().DurationVar(&dialTimeout, "dial-timeout", 5*time.Second, "etcd dial timeout")

	planCmd.Flags().StringVarP(&configFile, "config", "c", "", "location of config file")
	loader.Register(planCmd.Flags())

	rootCmd.AddCommand(planCmd, roundCmd, watchCmd, nodesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func connect() (*store.EtcdManager, error) {
	return store.NewEtcdManager(endpoints, dialTimeout)
}

// plan 打印划分结果和波次，不调用任何 worker
func plan(cfg *config.Config, budget model.DeviceBudget) error {
	budget, spec, mapping, err := config.BuildPlacement(cfg, budget)
	if err != nil {
		return err
	}
	mgr, err := pool.Allocate(budget, spec, mapping)
	if err != nil {
		return err
	}

	fmt.Printf("Budget: %s (%d devices)\n\n", budget, budget.Total())
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "POOL\tSIZE\tDEVICES")
	for _, p := range mgr.Pools() {
		fmt.Fprintf(tw, "%s\t%d\t%v\n", p.Name, p.Size(), p.Devices)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "ROLE\tPOOL")
	for _, r := range mgr.Mapping().Roles() {
		fmt.Fprintf(tw, "%s\t%s\n", r, mgr.Mapping()[r])
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, name := range mgr.UnusedPools() {
		fmt.Printf("warning: pool %s has no role mapped to it\n", name)
	}

	set, err := worker.BindAll(mgr, planOnly)
	if err != nil {
		return err
	}
	defer set.Close()

	phases := scheduler.DefaultPhases(scheduler.PhaseOptions{Reference: cfg.Trainer.UseReferencePolicy})
	if !cfg.Trainer.Overlap {
		phases = scheduler.Serialize(phases)
	}
	phases, err = scheduler.SerializeConflicts(phases, set)
	if err != nil {
		return err
	}
	sched, err := scheduler.New(phases, set)
	if err != nil {
		return err
	}
	fmt.Println()
	for i, wave := range sched.Waves() {
		fmt.Printf("wave %d: %v\n", i, wave)
	}
	return nil
}

// planOnly 只占位，plan 不会真正发起调用
func planOnly(_ *model.ResourcePool, _ int, _ model.Device) (worker.Worker, error) {
	return worker.WorkerFunc(func(context.Context, string, *model.Batch) (*model.WorkerResult, error) {
		return nil, errors.New("plan does not invoke workers")
	}), nil
}
