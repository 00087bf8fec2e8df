package domain

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

func DefaultConfig() *Config {
	return &Config{
		NodeID:        "procflow-" + uuid.NewString()[:8],
		DataDir:       "./data",
		Engine:        DefaultEngineConfig(),
		Storage:       DefaultStorageConfig(),
		Serialization: DefaultSerializationConfig(),
		Scheduler:     DefaultSchedulerConfig(),
		Messaging:     DefaultMessagingConfig(),
		Metrics:       DefaultMetricsConfig(),
	}
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ErrorPolicy:   ErrorPolicyFault,
		NoMatchPolicy: NoMatchBlock,
		MaxStepPasses: 10000,
		PredictDepth:  3,
		AutoPersist:   true,
	}
}

func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Backend:    StorageMemory,
		Prefix:     "procflow:",
		GCInterval: 5 * time.Minute,
	}
}

func DefaultSerializationConfig() SerializationConfig {
	return SerializationConfig{
		RepairPolicy:      RepairReject,
		CompressThreshold: 64 * 1024,
		VerifyGraphHash:   true,
	}
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		RefreshSpec: "@every 1s",
		ReaperSpec:  "@every 30s",
		MaxLockAge:  5 * time.Minute,
	}
}

func DefaultMessagingConfig() MessagingConfig {
	return MessagingConfig{
		InboundTopic:   "procflow.events.in",
		OutboundTopic:  "procflow.events.out",
		LifecycleTopic: "procflow.lifecycle",
	}
}

func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{Namespace: "procflow"}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigurationError("failed to read config file", err, WithDetail("path", path))
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, NewConfigurationError("failed to parse config file", err, WithDetail("path", path))
	}
	return cfg, nil
}

func (c *Config) WithLogger(logger *slog.Logger) *Config {
	c.Logger = logger
	return c
}

func (c *Config) Validate() error {
	if c.NodeID == "" {
		return NewConfigError("node_id", ErrInvalidInput)
	}
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Validate(c.DataDir); err != nil {
		return err
	}
	switch c.Serialization.RepairPolicy {
	case RepairReject, RepairPrune:
	default:
		return NewConfigError("serialization.repair_policy", ErrInvalidInput)
	}
	if c.Serialization.CompressThreshold < 0 {
		return NewConfigError("serialization.compress_threshold", ErrInvalidInput)
	}
	if c.Scheduler.MaxLockAge <= 0 {
		return NewConfigError("scheduler.max_lock_age", ErrInvalidInput)
	}
	if c.Messaging.Enabled && c.Messaging.InboundTopic == "" {
		return NewConfigError("messaging.inbound_topic", ErrInvalidInput)
	}
	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		return NewConfigError("metrics.namespace", ErrInvalidInput)
	}
	return nil
}

func (c *EngineConfig) Validate() error {
	switch c.ErrorPolicy {
	case ErrorPolicyFault, ErrorPolicySuspend:
	default:
		return NewConfigError("engine.error_policy", fmt.Errorf("%w: %q", ErrInvalidInput, c.ErrorPolicy))
	}
	switch c.NoMatchPolicy {
	case NoMatchBlock, NoMatchError:
	default:
		return NewConfigError("engine.no_match_policy", fmt.Errorf("%w: %q", ErrInvalidInput, c.NoMatchPolicy))
	}
	if c.MaxStepPasses <= 0 {
		return NewConfigError("engine.max_step_passes", ErrInvalidInput)
	}
	if c.PredictDepth < 0 {
		return NewConfigError("engine.predict_depth", ErrInvalidInput)
	}
	return nil
}

func (c *StorageConfig) Validate(dataDir string) error {
	switch c.Backend {
	case StorageMemory:
	case StorageBadger:
		if c.Path == "" && dataDir == "" {
			return NewConfigError("storage.path", ErrInvalidInput)
		}
	case StorageSQL:
		if c.Driver == "" {
			return NewConfigError("storage.driver", ErrInvalidInput)
		}
		if c.DSN == "" {
			return NewConfigError("storage.dsn", ErrInvalidInput)
		}
	case StorageRedis:
		if c.RedisAddr == "" {
			return NewConfigError("storage.redis_addr", ErrInvalidInput)
		}
	default:
		return NewConfigError("storage.backend", ErrInvalidInput)
	}
	return nil
}
