package config

import (
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"tandem/internal/logging"
	"tandem/pkg/model"
)

// 放置策略
const (
	PlacementSplit    = "split"
	PlacementStandard = "standard"
	PlacementCustom   = "custom"
)

// worker 后端
const (
	BackendSim    = "sim"
	BackendDocker = "docker"
)

// Config 训练进程的全部配置
type Config struct {
	Trainer       TrainerConfig       `mapstructure:"trainer"`
	RewardModel   RewardModelConfig   `mapstructure:"reward_model"`
	ResourcePools []model.PoolRequest `mapstructure:"resource_pools"`
	// RoleMapping 角色名 -> 池名，只在 custom 放置下生效
	RoleMapping map[string]string `mapstructure:"role_mapping"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Store       StoreConfig       `mapstructure:"store"`
	Log         logging.Config    `mapstructure:"log"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

type TrainerConfig struct {
	NGPUsPerNode       int    `mapstructure:"n_gpus_per_node"`
	NNodes             int    `mapstructure:"nnodes"`
	TotalTrainingSteps int    `mapstructure:"total_training_steps"`
	Placement          string `mapstructure:"placement"`
	// Overlap 关闭时退化为全串行
	Overlap            bool          `mapstructure:"overlap"`
	UseReferencePolicy bool          `mapstructure:"use_reference_policy"`
	CallTimeout        time.Duration `mapstructure:"call_timeout"`
	BatchTokens        int           `mapstructure:"batch_tokens"`
	OnRoundFailure     string        `mapstructure:"on_round_failure"`
	// BudgetFromStore 用 agent 注册的节点代替 n_gpus_per_node x nnodes
	BudgetFromStore bool `mapstructure:"budget_from_store"`
}

type RewardModelConfig struct {
	EnableResourcePool bool `mapstructure:"enable_resource_pool"`
	NGPUsPerNode       int  `mapstructure:"n_gpus_per_node"`
	NNodes             int  `mapstructure:"nnodes"`
}

type WorkerConfig struct {
	Backend string   `mapstructure:"backend"`
	Image   string   `mapstructure:"image"`
	Command []string `mapstructure:"command"`
	Env     []string `mapstructure:"env"`
	// Hosts 每个节点的 docker 地址，按节点下标
	Hosts []string `mapstructure:"hosts"`
	// Costs sim 后端每个操作的模拟耗时
	Costs map[string]time.Duration `mapstructure:"costs"`
}

type StoreConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type MetricsConfig struct {
	// Listen 非空时在该地址暴露 /metrics
	Listen string `mapstructure:"listen"`
	// File 非空时 key:value 指标写入文件，否则写 stdout
	File string `mapstructure:"file"`
}

// Default 默认配置：单机 8 卡 split 放置，sim 后端
func Default() *Config {
	return &Config{
		Trainer: TrainerConfig{
			NGPUsPerNode:       8,
			NNodes:             1,
			TotalTrainingSteps: 10,
			Placement:          PlacementSplit,
			Overlap:            true,
			UseReferencePolicy: true,
			BatchTokens:        4096,
			OnRoundFailure:     "continue",
		},
		Worker: WorkerConfig{Backend: BackendSim},
		Store:  StoreConfig{DialTimeout: 5 * time.Second},
		Log:    logging.DefaultConfig(),
	}
}

// Validate 收集所有问题一起返回
func (c *Config) Validate() error {
	var merr *multierror.Error
	add := func(format string, args ...any) {
		merr = multierror.Append(merr, errors.Errorf(format, args...))
	}

	t := c.Trainer
	if !t.BudgetFromStore && (t.NGPUsPerNode <= 0 || t.NNodes <= 0) {
		add("trainer.n_gpus_per_node and trainer.nnodes must be greater than 0, got %d and %d",
			t.NGPUsPerNode, t.NNodes)
	}
	if t.BudgetFromStore && len(c.Store.Endpoints) == 0 {
		add("trainer.budget_from_store needs store.endpoints")
	}
	if t.TotalTrainingSteps < 0 {
		add("trainer.total_training_steps must not be negative, got %d", t.TotalTrainingSteps)
	}
	if t.CallTimeout < 0 {
		add("trainer.call_timeout must not be negative, got %s", t.CallTimeout)
	}
	if t.BatchTokens < 0 {
		add("trainer.batch_tokens must not be negative, got %d", t.BatchTokens)
	}
	switch t.OnRoundFailure {
	case "continue", "abort":
	default:
		add("trainer.on_round_failure must be continue or abort, got %q", t.OnRoundFailure)
	}

	switch t.Placement {
	case PlacementSplit, PlacementStandard:
	case PlacementCustom:
		if len(c.ResourcePools) == 0 {
			add("custom placement needs resource_pools")
		}
		if len(c.RoleMapping) == 0 {
			add("custom placement needs role_mapping")
		}
	default:
		add("trainer.placement must be split, standard or custom, got %q", t.Placement)
	}

	if c.RewardModel.EnableResourcePool {
		if c.RewardModel.NGPUsPerNode <= 0 {
			add("reward_model.n_gpus_per_node must be greater than 0, got %d", c.RewardModel.NGPUsPerNode)
		}
		if c.RewardModel.NNodes <= 0 {
			add("reward_model.nnodes must be greater than 0, got %d", c.RewardModel.NNodes)
		}
	}

	switch c.Worker.Backend {
	case BackendSim:
	case BackendDocker:
		if c.Worker.Image == "" {
			add("docker backend needs worker.image")
		}
	default:
		add("worker.backend must be sim or docker, got %q", c.Worker.Backend)
	}

	if err := c.Log.Validate(); err != nil {
		merr = multierror.Append(merr, err)
	}
	return merr.ErrorOrNil()
}

// Budget 配置里声明的均匀预算
func (c *Config) Budget() model.DeviceBudget {
	return model.NewUniformBudget(c.Trainer.NGPUsPerNode, c.Trainer.NNodes)
}
