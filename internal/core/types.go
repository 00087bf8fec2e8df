package core

import (
	"time"

	"github.com/eleven-am/procflow/internal/domain"
)

// InstanceInfo is a read-only view of a loaded process instance.
type InstanceInfo struct {
	ID           string                 `json:"id"`
	DefinitionID string                 `json:"definition_id"`
	Status       domain.ProcessStatus   `json:"status"`
	StartedAt    time.Time              `json:"started_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	LastError    *domain.ErrorRecord    `json:"last_error,omitempty"`
	Version      int64                  `json:"version"`
	Data         map[string]interface{} `json:"data"`
	Tasks        []TaskInfo             `json:"tasks"`
	Pending      []domain.PendingEvent  `json:"pending,omitempty"`
}

type TaskInfo struct {
	GUID    string                 `json:"guid"`
	SpecID  string                 `json:"spec_id"`
	GraphID string                 `json:"graph_id"`
	Name    string                 `json:"name,omitempty"`
	Kind    domain.TaskKind        `json:"kind"`
	State   domain.TaskState       `json:"state"`
	Parent  string                 `json:"parent,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

type StartOption func(*startOptions)

type startOptions struct {
	id    string
	scope string
	keys  map[string]interface{}
}

// WithInstanceID fixes the id of the new instance instead of generating one.
func WithInstanceID(id string) StartOption {
	return func(o *startOptions) { o.id = id }
}

// WithCorrelationScope places the new instance in a correlation scope shared
// with every other instance started in the same scope.
func WithCorrelationScope(scope string) StartOption {
	return func(o *startOptions) { o.scope = scope }
}

// WithCorrelationKeys binds correlation keys before the first step.
func WithCorrelationKeys(keys map[string]interface{}) StartOption {
	return func(o *startOptions) { o.keys = keys }
}
