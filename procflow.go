// Package procflow interprets compiled BPMN process definitions as task graphs.
//
// A definition is a graph of task specs produced by a diagram compiler. Each
// running process is a tree of task instances that the engine advances until
// nothing more can move without outside input: a user completing a task, a
// message or signal arriving, or a timer coming due. Instances serialize to
// versioned JSON documents and can be restored on any node.
//
// Basic usage:
//
//	config, err := procflow.NewConfigBuilder("node-1", "./data").Build()
//	if err != nil {
//	    return err
//	}
//	manager, err := procflow.New(config)
//	if err != nil {
//	    return err
//	}
//	if _, err := manager.LoadDefinitions("order.yaml"); err != nil {
//	    return err
//	}
//	manager.RegisterHandler("charge_card", chargeCard)
//
//	id, err := manager.StartInstance(ctx, "order", map[string]interface{}{"amount": 42})
//	result, err := manager.DoEngineSteps(ctx, id)
package procflow

import (
	"github.com/eleven-am/procflow/internal/adapters/definitions"
	"github.com/eleven-am/procflow/internal/adapters/engine"
	"github.com/eleven-am/procflow/internal/core"
	"github.com/eleven-am/procflow/internal/domain"
	"github.com/eleven-am/procflow/internal/ports"
)

// Manager owns the loaded process instances of one node. It starts, steps,
// correlates, persists and restores them.
type Manager = core.Manager

// Option customises a Manager at construction.
type Option = core.Option

// StartOption customises a single StartInstance call.
type StartOption = core.StartOption

// InstanceInfo is a read-only snapshot of a process instance.
type InstanceInfo = core.InstanceInfo

// TaskInfo describes one task instance inside an InstanceInfo.
type TaskInfo = core.TaskInfo

// StepResult reports what one DoEngineSteps call did.
type StepResult = engine.StepResult

type Graph = domain.Graph
type TaskSpec = domain.TaskSpec
type TaskKind = domain.TaskKind
type TaskState = domain.TaskState
type ProcessStatus = domain.ProcessStatus
type EventDefinition = domain.EventDefinition
type TimerDefinition = domain.TimerDefinition
type CorrelationProperty = domain.CorrelationProperty
type LoopCharacteristics = domain.LoopCharacteristics

// Event is an external or thrown message, signal or timer event.
type Event = domain.Event

// Delivery is one waiting task that an event was matched to.
type Delivery = domain.Delivery

// LifecycleEvent is published on instance and task transitions.
type LifecycleEvent = domain.LifecycleEvent

type LifecycleType = domain.LifecycleType

// TaskHandler implements a service task operation or a named script.
type TaskHandler = ports.TaskHandler

// LifecycleHandler receives lifecycle events synchronously.
type LifecycleHandler = ports.LifecycleHandler

// BpmnError is returned by a handler to raise a business error that error
// boundary events can catch.
type BpmnError = domain.BpmnError

// ExecutionMetrics is the snapshot returned by Manager.Metrics.
type ExecutionMetrics = domain.ExecutionMetrics

const (
	KindStart             = domain.KindStart
	KindEnd               = domain.KindEnd
	KindSimple            = domain.KindSimple
	KindExclusiveGateway  = domain.KindExclusiveGateway
	KindParallelGateway   = domain.KindParallelGateway
	KindInclusiveGateway  = domain.KindInclusiveGateway
	KindEventBasedGateway = domain.KindEventBasedGateway
	KindCatchEvent        = domain.KindCatchEvent
	KindThrowEvent        = domain.KindThrowEvent
	KindBoundaryEvent     = domain.KindBoundaryEvent
	KindSubWorkflow       = domain.KindSubWorkflow
	KindCallActivity      = domain.KindCallActivity
	KindMultiInstance     = domain.KindMultiInstance
	KindScriptTask        = domain.KindScriptTask
	KindServiceTask       = domain.KindServiceTask
	KindManualTask        = domain.KindManualTask
	KindUserTask          = domain.KindUserTask
)

const (
	ProcessRunning    = domain.ProcessRunning
	ProcessSuspended  = domain.ProcessSuspended
	ProcessFaulted    = domain.ProcessFaulted
	ProcessCompleted  = domain.ProcessCompleted
	ProcessTerminated = domain.ProcessTerminated
)

const (
	StateFuture    = domain.StateFuture
	StatePredicted = domain.StatePredicted
	StateWaiting   = domain.StateWaiting
	StateReady     = domain.StateReady
	StateCompleted = domain.StateCompleted
	StateCancelled = domain.StateCancelled
	StateError     = domain.StateError
)

const (
	EventMessage = domain.EventMessage
	EventSignal  = domain.EventSignal
	EventTimer   = domain.EventTimer
)

const (
	LifecycleProcessStarted    = domain.LifecycleProcessStarted
	LifecycleProcessCompleted  = domain.LifecycleProcessCompleted
	LifecycleProcessTerminated = domain.LifecycleProcessTerminated
	LifecycleProcessFaulted    = domain.LifecycleProcessFaulted
	LifecycleProcessSuspended  = domain.LifecycleProcessSuspended
	LifecycleProcessResumed    = domain.LifecycleProcessResumed
	LifecycleTaskCompleted     = domain.LifecycleTaskCompleted
	LifecycleTaskFailed        = domain.LifecycleTaskFailed
	LifecycleEventUnmatched    = domain.LifecycleEventUnmatched
)

// New builds a Manager. A nil config means DefaultConfig.
func New(config *Config, opts ...Option) (*Manager, error) {
	return core.New(config, opts...)
}

var (
	WithExecutor         = core.WithExecutor
	WithEvaluator        = core.WithEvaluator
	WithDocumentStore    = core.WithDocumentStore
	WithLocker           = core.WithLocker
	WithMetricsRecorder  = core.WithMetricsRecorder
	WithClock            = core.WithClock
	WithInstanceID       = core.WithInstanceID
	WithCorrelationScope = core.WithCorrelationScope
	WithCorrelationKeys  = core.WithCorrelationKeys
)

// NewGraph compiles task specs into a definition graph.
func NewGraph(id, name string, specs []*TaskSpec) (*Graph, error) {
	return domain.NewGraph(id, name, specs)
}

// ParseDefinitions decodes YAML or JSON definition documents without registering them.
func ParseDefinitions(raw []byte, json bool) ([]*Graph, error) {
	format := definitions.FormatYAML
	if json {
		format = definitions.FormatJSON
	}
	return definitions.Parse(raw, format)
}

// IsAlreadyLocked reports whether err means another caller holds the instance lock.
func IsAlreadyLocked(err error) bool {
	return domain.IsAlreadyLocked(err)
}

// IsNotFound reports whether err means the instance or resource does not exist.
func IsNotFound(err error) bool {
	return domain.IsNotFound(err)
}
