package procflow

import (
	"log/slog"
	"time"

	"github.com/eleven-am/procflow/internal/domain"
)

type Config = domain.Config
type EngineConfig = domain.EngineConfig
type StorageConfig = domain.StorageConfig
type SerializationConfig = domain.SerializationConfig
type SchedulerConfig = domain.SchedulerConfig
type MessagingConfig = domain.MessagingConfig
type MetricsConfig = domain.MetricsConfig

type ErrorPolicy = domain.ErrorPolicy
type NoMatchPolicy = domain.NoMatchPolicy
type StorageBackend = domain.StorageBackend
type RepairPolicy = domain.RepairPolicy

const (
	ErrorPolicyFault   = domain.ErrorPolicyFault
	ErrorPolicySuspend = domain.ErrorPolicySuspend

	NoMatchBlock = domain.NoMatchBlock
	NoMatchError = domain.NoMatchError

	StorageMemory = domain.StorageMemory
	StorageBadger = domain.StorageBadger
	StorageSQL    = domain.StorageSQL
	StorageRedis  = domain.StorageRedis

	RepairReject = domain.RepairReject
	RepairPrune  = domain.RepairPrune
)

func DefaultConfig() *Config {
	return domain.DefaultConfig()
}

// LoadConfig reads a YAML config file layered over DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	return domain.LoadConfig(path)
}

// ConfigBuilder assembles a Config fluently. Build validates the result.
type ConfigBuilder struct {
	config *Config
}

func NewConfigBuilder(nodeID, dataDir string) *ConfigBuilder {
	cfg := domain.DefaultConfig()
	if nodeID != "" {
		cfg.NodeID = nodeID
	}
	cfg.DataDir = dataDir
	return &ConfigBuilder{config: cfg}
}

func (b *ConfigBuilder) WithLogger(logger *slog.Logger) *ConfigBuilder {
	b.config.Logger = logger
	return b
}

func (b *ConfigBuilder) WithErrorPolicy(policy ErrorPolicy) *ConfigBuilder {
	b.config.Engine.ErrorPolicy = policy
	return b
}

func (b *ConfigBuilder) WithNoMatchPolicy(policy NoMatchPolicy) *ConfigBuilder {
	b.config.Engine.NoMatchPolicy = policy
	return b
}

func (b *ConfigBuilder) WithHardDelete(enabled bool) *ConfigBuilder {
	b.config.Engine.HardDelete = enabled
	return b
}

func (b *ConfigBuilder) WithAutoPersist(enabled bool) *ConfigBuilder {
	b.config.Engine.AutoPersist = enabled
	return b
}

func (b *ConfigBuilder) WithPredictDepth(depth int) *ConfigBuilder {
	b.config.Engine.PredictDepth = depth
	return b
}

func (b *ConfigBuilder) WithMemoryStorage() *ConfigBuilder {
	b.config.Storage.Backend = StorageMemory
	return b
}

func (b *ConfigBuilder) WithBadgerStorage(path string) *ConfigBuilder {
	b.config.Storage.Backend = StorageBadger
	b.config.Storage.Path = path
	return b
}

// WithSQLStorage selects a database/sql backend. driver is one of sqlite3,
// mysql or postgres.
func (b *ConfigBuilder) WithSQLStorage(driver, dsn string) *ConfigBuilder {
	b.config.Storage.Backend = StorageSQL
	b.config.Storage.Driver = driver
	b.config.Storage.DSN = dsn
	return b
}

func (b *ConfigBuilder) WithRedisStorage(addr string) *ConfigBuilder {
	b.config.Storage.Backend = StorageRedis
	b.config.Storage.RedisAddr = addr
	return b
}

func (b *ConfigBuilder) WithStoragePrefix(prefix string) *ConfigBuilder {
	b.config.Storage.Prefix = prefix
	return b
}

func (b *ConfigBuilder) WithRepairPolicy(policy RepairPolicy) *ConfigBuilder {
	b.config.Serialization.RepairPolicy = policy
	return b
}

func (b *ConfigBuilder) WithCompressThreshold(bytes int) *ConfigBuilder {
	b.config.Serialization.CompressThreshold = bytes
	return b
}

func (b *ConfigBuilder) WithScheduler(refreshSpec, reaperSpec string, maxLockAge time.Duration) *ConfigBuilder {
	b.config.Scheduler.RefreshSpec = refreshSpec
	b.config.Scheduler.ReaperSpec = reaperSpec
	b.config.Scheduler.MaxLockAge = maxLockAge
	return b
}

func (b *ConfigBuilder) WithMessaging(inbound, outbound, lifecycle string) *ConfigBuilder {
	b.config.Messaging.Enabled = true
	if inbound != "" {
		b.config.Messaging.InboundTopic = inbound
	}
	if outbound != "" {
		b.config.Messaging.OutboundTopic = outbound
	}
	if lifecycle != "" {
		b.config.Messaging.LifecycleTopic = lifecycle
	}
	return b
}

func (b *ConfigBuilder) WithMetrics(namespace string) *ConfigBuilder {
	b.config.Metrics.Enabled = true
	if namespace != "" {
		b.config.Metrics.Namespace = namespace
	}
	return b
}

// Build returns the assembled config, or the first validation error.
func (b *ConfigBuilder) Build() (*Config, error) {
	if err := b.config.Validate(); err != nil {
		return nil, err
	}
	return b.config, nil
}
