package domain

import (
	"log/slog"
	"time"
)

type Config struct {
	NodeID  string       `json:"node_id" yaml:"node_id"`
	DataDir string       `json:"data_dir" yaml:"data_dir"`
	Logger  *slog.Logger `json:"-" yaml:"-"`

	Engine        EngineConfig        `json:"engine" yaml:"engine"`
	Storage       StorageConfig       `json:"storage" yaml:"storage"`
	Serialization SerializationConfig `json:"serialization" yaml:"serialization"`
	Scheduler     SchedulerConfig     `json:"scheduler" yaml:"scheduler"`
	Messaging     MessagingConfig     `json:"messaging" yaml:"messaging"`
	Metrics       MetricsConfig       `json:"metrics" yaml:"metrics"`
}

type ErrorPolicy string

const (
	ErrorPolicyFault   ErrorPolicy = "fault"
	ErrorPolicySuspend ErrorPolicy = "suspend"
)

type NoMatchPolicy string

const (
	NoMatchBlock NoMatchPolicy = "block"
	NoMatchError NoMatchPolicy = "error"
)

type EngineConfig struct {
	ErrorPolicy   ErrorPolicy   `json:"error_policy" yaml:"error_policy"`
	NoMatchPolicy NoMatchPolicy `json:"no_match_policy" yaml:"no_match_policy"`
	MaxStepPasses int           `json:"max_step_passes" yaml:"max_step_passes"`
	// HardDelete removes cancelled subtrees instead of keeping them for audit.
	HardDelete   bool `json:"hard_delete" yaml:"hard_delete"`
	PredictDepth int  `json:"predict_depth" yaml:"predict_depth"`
	AutoPersist  bool `json:"auto_persist" yaml:"auto_persist"`
}

type StorageBackend string

const (
	StorageMemory StorageBackend = "memory"
	StorageBadger StorageBackend = "badger"
	StorageSQL    StorageBackend = "sql"
	StorageRedis  StorageBackend = "redis"
)

type StorageConfig struct {
	Backend    StorageBackend `json:"backend" yaml:"backend"`
	Path       string         `json:"path,omitempty" yaml:"path,omitempty"`
	Driver     string         `json:"driver,omitempty" yaml:"driver,omitempty"`
	DSN        string         `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	RedisAddr  string         `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	Prefix     string         `json:"prefix" yaml:"prefix"`
	GCInterval time.Duration  `json:"gc_interval" yaml:"gc_interval"`
}

type RepairPolicy string

const (
	RepairReject RepairPolicy = "reject"
	RepairPrune  RepairPolicy = "prune"
)

type SerializationConfig struct {
	RepairPolicy      RepairPolicy `json:"repair_policy" yaml:"repair_policy"`
	CompressThreshold int          `json:"compress_threshold" yaml:"compress_threshold"`
	VerifyGraphHash   bool         `json:"verify_graph_hash" yaml:"verify_graph_hash"`
}

type SchedulerConfig struct {
	RefreshSpec string        `json:"refresh_spec" yaml:"refresh_spec"`
	ReaperSpec  string        `json:"reaper_spec" yaml:"reaper_spec"`
	MaxLockAge  time.Duration `json:"max_lock_age" yaml:"max_lock_age"`
}

type MessagingConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	InboundTopic   string `json:"inbound_topic" yaml:"inbound_topic"`
	OutboundTopic  string `json:"outbound_topic" yaml:"outbound_topic"`
	LifecycleTopic string `json:"lifecycle_topic" yaml:"lifecycle_topic"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}
