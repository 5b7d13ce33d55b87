package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，trainer.nnodes 对应 TANDEM_TRAINER_NNODES
const EnvPrefix = "TANDEM"

type configKey []string

func (c configKey) EnvName() string {
	return EnvPrefix + "_" + strings.ToUpper(strings.Join(c, "_"))
}

func (c configKey) AccessPath() string {
	return strings.Join(c, ".")
}

// FlagName 和 key 相同，方便写 --trainer.nnodes=2
func (c configKey) FlagName() string {
	return c.AccessPath()
}

// Loader 负责把配置文件、环境变量和命令行参数合并成 Config
// 优先级：显式传入的参数 > 环境变量 > 配置文件 > 默认值
type Loader struct {
	v *viper.Viper
}

func NewLoader() *Loader {
	v := viper.New()
	v.SetTypeByDefaultValue(true)
	return &Loader{v: v}
}

func (l *Loader) bind(flags *pflag.FlagSet, name configKey, value any) {
	_ = l.v.BindEnv(name.AccessPath(), name.EnvName())
	if flags != nil {
		_ = l.v.BindPFlag(name.AccessPath(), flags.Lookup(name.FlagName()))
	}
	l.v.SetDefault(name.AccessPath(), value)
}

func (l *Loader) registerString(flags *pflag.FlagSet, name configKey, value, usage string) {
	if flags != nil {
		flags.String(name.FlagName(), value, usage)
	}
	l.bind(flags, name, value)
}

func (l *Loader) registerInt(flags *pflag.FlagSet, name configKey, value int, usage string) {
	if flags != nil {
		flags.Int(name.FlagName(), value, usage)
	}
	l.bind(flags, name, value)
}

func (l *Loader) registerBool(flags *pflag.FlagSet, name configKey, value bool, usage string) {
	if flags != nil {
		flags.Bool(name.FlagName(), value, usage)
	}
	l.bind(flags, name, value)
}

func (l *Loader) registerStrings(flags *pflag.FlagSet, name configKey, value []string, usage string) {
	if flags != nil {
		flags.StringSlice(name.FlagName(), value, usage)
	}
	l.bind(flags, name, value)
}

// Register 注册所有标量配置项；flags 为 nil 时只绑定环境变量和默认值
// 列表和映射类配置 (resource_pools, role_mapping, worker.costs) 只能写在配置文件里
func (l *Loader) Register(flags *pflag.FlagSet) {
	d := Default()
	name := func(components ...string) configKey { return components }

	l.registerInt(flags, name("trainer", "n_gpus_per_node"), d.Trainer.NGPUsPerNode, "devices per node")
	l.registerInt(flags, name("trainer", "nnodes"), d.Trainer.NNodes, "number of nodes")
	l.registerInt(flags, name("trainer", "total_training_steps"), d.Trainer.TotalTrainingSteps, "rounds to run")
	l.registerString(flags, name("trainer", "placement"), d.Trainer.Placement, "placement: split, standard or custom")
	l.registerBool(flags, name("trainer", "overlap"), d.Trainer.Overlap, "run independent phases concurrently")
	l.registerBool(flags, name("trainer", "use_reference_policy"), d.Trainer.UseReferencePolicy, "compute reference log probs")
	l.registerString(flags, name("trainer", "call_timeout"), d.Trainer.CallTimeout.String(), "per worker call timeout, 0 disables")
	l.registerInt(flags, name("trainer", "batch_tokens"), d.Trainer.BatchTokens, "tokens per synthetic batch")
	l.registerString(flags, name("trainer", "on_round_failure"), d.Trainer.OnRoundFailure, "continue or abort after a failed round")
	l.registerBool(flags, name("trainer", "budget_from_store"), d.Trainer.BudgetFromStore, "build the device budget from registered nodes")

	l.registerBool(flags, name("reward_model", "enable_resource_pool"), d.RewardModel.EnableResourcePool, "give the reward model dedicated nodes")
	l.registerInt(flags, name("reward_model", "n_gpus_per_node"), d.RewardModel.NGPUsPerNode, "reward pool devices per node")
	l.registerInt(flags, name("reward_model", "nnodes"), d.RewardModel.NNodes, "reward pool nodes")

	l.registerString(flags, name("worker", "backend"), d.Worker.Backend, "worker backend: sim or docker")
	l.registerString(flags, name("worker", "image"), d.Worker.Image, "container image for the docker backend")
	l.registerStrings(flags, name("worker", "hosts"), d.Worker.Hosts, "docker host per node")

	l.registerStrings(flags, name("store", "endpoints"), d.Store.Endpoints, "etcd endpoints")
	l.registerString(flags, name("store", "dial_timeout"), d.Store.DialTimeout.String(), "etcd dial timeout")

	l.registerString(flags, name("log", "level"), d.Log.Level, "log level: debug, info, warn, error")
	l.registerString(flags, name("log", "format"), d.Log.Format, "log format: json or console")

	l.registerString(flags, name("metrics", "listen"), d.Metrics.Listen, "prometheus listen address")
	l.registerString(flags, name("metrics", "file"), d.Metrics.File, "key:value metrics file, stdout when empty")
}

// Load 读取配置文件 (可为空) 并校验
func (l *Loader) Load(path string) (*Config, error) {
	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	cfg := Default()
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load 不带命令行参数的便捷入口
func Load(path string) (*Config, error) {
	l := NewLoader()
	l.Register(nil)
	return l.Load(path)
}
