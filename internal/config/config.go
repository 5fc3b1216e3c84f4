package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"food-aps/internal/candidate"
	"food-aps/internal/changeover"
	"food-aps/internal/feature"
	"food-aps/internal/mixbatch"
	"food-aps/internal/strategy"
	"food-aps/internal/types"
	"food-aps/internal/urgent"
	"food-aps/internal/worker"

	"github.com/spf13/viper"
)

// Config 定义应用程序的配置结构
// 使用 mapstructure 标签来映射配置文件中的字段
type Config struct {
	HTTPAddr             string             `mapstructure:"http_addr"`              // HTTP 监听地址
	LogLevel             string             `mapstructure:"log_level"`              // debug/info/warn/error
	WALPath              string             `mapstructure:"wal_path"`               // 排程预写日志，为空时不持久化
	DataFile             string             `mapstructure:"data_file"`              // 主数据 YAML 文件
	ScheduleHorizonHours float64            `mapstructure:"schedule_horizon_hours"` // 排产视野
	Parallelism          int                `mapstructure:"parallelism"`            // 候选生成并发度
	MaxResolveAttempts   int                `mapstructure:"max_resolve_attempts"`
	SweepInterval        time.Duration      `mapstructure:"sweep_interval"` // 过期提案清理周期
	Changeover           ChangeoverConfig   `mapstructure:"changeover"`
	StrategyWeights      map[string]float64 `mapstructure:"strategy_weights"`
	Scoring              strategy.Params    `mapstructure:"scoring"`
	Material             MaterialConfig     `mapstructure:"material"`
	MixBatch             mixbatch.Params    `mapstructure:"mix_batch"`
	Urgent               UrgentConfig       `mapstructure:"urgent"`
	Workers              worker.Options     `mapstructure:"workers"`
	FeatureProvider      feature.HTTPConfig `mapstructure:"feature_provider"` // endpoint 为空时使用零向量
	FeasibilityRules     []candidate.Rule   `mapstructure:"feasibility_rules"`
	Redis                RedisConfig        `mapstructure:"redis"`
	Postgres             PostgresConfig     `mapstructure:"postgres"`
}

// ChangeoverConfig 换线矩阵配置，matrix_file 中的记录追加在 entries 之后
type ChangeoverConfig struct {
	changeover.Options `mapstructure:",squash"`
	MatrixFile         string                  `mapstructure:"matrix_file"`
	Entries            []types.ChangeoverEntry `mapstructure:"entries"`
}

// MaterialConfig 物料齐套配置
type MaterialConfig struct {
	ReadyThreshold float64 `mapstructure:"ready_threshold"`
}

// UrgentConfig 急单插入配置
type UrgentConfig struct {
	LockTTL         time.Duration       `mapstructure:"lock_ttl"`
	ProposalTTL     time.Duration       `mapstructure:"proposal_ttl"`
	MaxSlotsPerLine int                 `mapstructure:"max_slots_per_line"`
	MaxAlternatives int                 `mapstructure:"max_alternatives"`
	AutoCommitOwner string              `mapstructure:"auto_commit_owner"`
	Weights         urgent.SlotWeights  `mapstructure:"weights"`
	Impact          urgent.ImpactParams `mapstructure:"impact"`
}

// RedisConfig 时间窗锁存储，url 为空时使用进程内锁
type RedisConfig struct {
	URL       string `mapstructure:"url"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// PostgresConfig 主数据库，dsn 为空时从 data_file 读取
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// Horizon 返回排产视野
func (c *Config) Horizon() time.Duration {
	return time.Duration(c.ScheduleHorizonHours * float64(time.Hour))
}

// Weights 返回策略权重
func (c *Config) Weights() strategy.Weights {
	return strategy.Weights(c.StrategyWeights).Clone()
}

// UrgentOptions 转换为急单引擎参数
func (c *Config) UrgentOptions() urgent.Config {
	return urgent.Config{
		LockTTL:         c.Urgent.LockTTL,
		ProposalTTL:     c.Urgent.ProposalTTL,
		MaxSlotsPerLine: c.Urgent.MaxSlotsPerLine,
		MaxAlternatives: c.Urgent.MaxAlternatives,
		Horizon:         c.Horizon(),
		CapacityWindow:  c.Scoring.CapacityWindow,
		Weights:         c.Urgent.Weights,
		Impact:          c.Urgent.Impact,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("wal_path", "schedule.wal")
	v.SetDefault("data_file", "data/factory.yaml")
	v.SetDefault("schedule_horizon_hours", 168)
	v.SetDefault("parallelism", 8)
	v.SetDefault("max_resolve_attempts", 50)
	v.SetDefault("sweep_interval", time.Minute)

	v.SetDefault("changeover.default_minutes", 45)
	v.SetDefault("changeover.initial_setup_minutes", 20)

	weights := map[string]interface{}{}
	for k, w := range strategy.DefaultWeights() {
		weights[k] = w
	}
	v.SetDefault("strategy_weights", weights)

	sp := strategy.DefaultParams()
	v.SetDefault("scoring.min_deadline_horizon", sp.MinDeadlineHorizon)
	v.SetDefault("scoring.max_deadline_horizon", sp.MaxDeadlineHorizon)
	v.SetDefault("scoring.max_process_minutes", sp.MaxProcessMinutes)
	v.SetDefault("scoring.capacity_window", sp.CapacityWindow)

	v.SetDefault("material.ready_threshold", 0.8)

	mp := mixbatch.DefaultParams()
	v.SetDefault("mix_batch.max_deadline_gap_hours", mp.MaxDeadlineGapHours)
	v.SetDefault("mix_batch.min_switch_saving_minutes", mp.MinSwitchSavingMinutes)
	v.SetDefault("mix_batch.max_orders_per_group", mp.MaxOrdersPerGroup)
	v.SetDefault("mix_batch.max_total_quantity", mp.MaxTotalQuantity)
	v.SetDefault("mix_batch.variant_switch_minutes", mp.VariantSwitchMinutes)

	sw := urgent.DefaultSlotWeights()
	ip := urgent.DefaultImpactParams()
	v.SetDefault("urgent.lock_ttl", 15*time.Minute)
	v.SetDefault("urgent.proposal_ttl", 30*time.Minute)
	v.SetDefault("urgent.max_slots_per_line", 5)
	v.SetDefault("urgent.max_alternatives", 5)
	v.SetDefault("urgent.auto_commit_owner", "aps-auto")
	v.SetDefault("urgent.weights.capacity", sw.Capacity)
	v.SetDefault("urgent.weights.worker", sw.Worker)
	v.SetDefault("urgent.weights.deadline", sw.Deadline)
	v.SetDefault("urgent.weights.impact", sw.Impact)
	v.SetDefault("urgent.weights.switch_cost", sw.Switch)
	v.SetDefault("urgent.impact.max_cascade_depth", ip.MaxDepth)
	v.SetDefault("urgent.impact.delay_norm_minutes", ip.DelayNormMinutes)
	v.SetDefault("urgent.impact.affected_norm", ip.AffectedNorm)

	v.SetDefault("workers.max_suggestions", 5)

	v.SetDefault("feature_provider.endpoint", "")
	v.SetDefault("feature_provider.timeout", 200*time.Millisecond)
	v.SetDefault("feature_provider.rate_per_second", 50)
	v.SetDefault("feature_provider.burst", 10)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.key_prefix", "aps:slotlock:")
	v.SetDefault("postgres.dsn", "")
}

// LoadConfig 从配置文件加载配置，path 为空时在当前目录查找 config.yaml
// 环境变量 APS_<KEY> 覆盖文件中的值，例如 APS_HTTP_ADDR、APS_REDIS_URL
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // 配置文件名称 (不带扩展名)
		v.SetConfigType("yaml")   // 配置文件类型
		v.AddConfigPath(".")      // 查找配置文件的路径 (当前目录)
	}
	v.SetEnvPrefix("APS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 设置默认值
	setDefaults(v)

	// 读取配置文件，未指定路径且找不到文件时使用默认值
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	// 将配置解析到结构体中
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验会导致启动失败的配置项
func (c *Config) Validate() error {
	if err := c.Weights().Validate(); err != nil {
		return err
	}
	if c.ScheduleHorizonHours <= 0 {
		return fmt.Errorf("schedule_horizon_hours must be positive, got %v", c.ScheduleHorizonHours)
	}
	if c.Material.ReadyThreshold < 0 || c.Material.ReadyThreshold > 1 {
		return fmt.Errorf("material.ready_threshold must lie in [0,1], got %v", c.Material.ReadyThreshold)
	}
	if c.Changeover.DefaultMinutes < 0 || c.Changeover.InitialSetupMinutes < 0 {
		return fmt.Errorf("%w: default minutes must be non-negative", types.ErrInvalidChangeoverMatrix)
	}
	return nil
}
