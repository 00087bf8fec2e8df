package domain

import "fmt"

type TaskKind string

const (
	KindStart             TaskKind = "start"
	KindEnd               TaskKind = "end"
	KindSimple            TaskKind = "simple"
	KindExclusiveGateway  TaskKind = "exclusive_gateway"
	KindParallelGateway   TaskKind = "parallel_gateway"
	KindInclusiveGateway  TaskKind = "inclusive_gateway"
	KindEventBasedGateway TaskKind = "event_based_gateway"
	KindCatchEvent        TaskKind = "catch_event"
	KindThrowEvent        TaskKind = "throw_event"
	KindBoundaryEvent     TaskKind = "boundary_event"
	KindSubWorkflow       TaskKind = "sub_workflow"
	KindCallActivity      TaskKind = "call_activity"
	KindMultiInstance     TaskKind = "multi_instance"
	KindScriptTask        TaskKind = "script_task"
	KindServiceTask       TaskKind = "service_task"
	KindManualTask        TaskKind = "manual_task"
	KindUserTask          TaskKind = "user_task"

	// KindRoot marks the synthetic root of a tree or nested sub-process tree.
	KindRoot TaskKind = "root"
)

var taskKinds = map[TaskKind]struct{}{
	KindStart: {}, KindEnd: {}, KindSimple: {}, KindExclusiveGateway: {},
	KindParallelGateway: {}, KindInclusiveGateway: {}, KindEventBasedGateway: {},
	KindCatchEvent: {}, KindThrowEvent: {}, KindBoundaryEvent: {}, KindSubWorkflow: {},
	KindCallActivity: {}, KindMultiInstance: {}, KindScriptTask: {}, KindServiceTask: {},
	KindManualTask: {}, KindUserTask: {},
}

func (k TaskKind) Valid() bool {
	_, ok := taskKinds[k]
	return ok
}

func (k TaskKind) IsGateway() bool {
	switch k {
	case KindExclusiveGateway, KindParallelGateway, KindInclusiveGateway, KindEventBasedGateway:
		return true
	}
	return false
}

// IsActivity reports whether boundary events may attach to the kind.
func (k TaskKind) IsActivity() bool {
	switch k {
	case KindSimple, KindScriptTask, KindServiceTask, KindManualTask, KindUserTask,
		KindSubWorkflow, KindCallActivity, KindMultiInstance:
		return true
	}
	return false
}

// IsManual reports whether the kind waits for an explicit CompleteTask call.
func (k TaskKind) IsManual() bool {
	return k == KindSimple || k == KindManualTask || k == KindUserTask
}

type EventType string

const (
	EventNone       EventType = "none"
	EventTimer      EventType = "timer"
	EventMessage    EventType = "message"
	EventSignal     EventType = "signal"
	EventError      EventType = "error"
	EventEscalation EventType = "escalation"
	EventCancel     EventType = "cancel"
	EventTerminate  EventType = "terminate"
	EventMultiple   EventType = "multiple"
)

type TimerType string

const (
	TimerDate     TimerType = "date"
	TimerDuration TimerType = "duration"
	TimerCycle    TimerType = "cycle"
)

type TimerDefinition struct {
	Type       TimerType `json:"type" yaml:"type"`
	Expression string    `json:"expression" yaml:"expression"`
}

// CorrelationProperty binds a correlation key. Retrieval is evaluated against an
// incoming payload; Expected is evaluated against the waiting task's data.
type CorrelationProperty struct {
	Key       string `json:"key" yaml:"key"`
	Retrieval string `json:"retrieval,omitempty" yaml:"retrieval,omitempty"`
	Expected  string `json:"expected,omitempty" yaml:"expected,omitempty"`
}

type EventDefinition struct {
	Type        EventType             `json:"type" yaml:"type"`
	Name        string                `json:"name,omitempty" yaml:"name,omitempty"`
	Timer       *TimerDefinition      `json:"timer,omitempty" yaml:"timer,omitempty"`
	Correlation []CorrelationProperty `json:"correlation,omitempty" yaml:"correlation,omitempty"`
	// Payload is an expression evaluated against task data for throws; empty sends a data copy.
	Payload     string            `json:"payload,omitempty" yaml:"payload,omitempty"`
	ResultVar   string            `json:"result_var,omitempty" yaml:"result_var,omitempty"`
	Definitions []EventDefinition `json:"definitions,omitempty" yaml:"definitions,omitempty"`
}

// Flatten expands Multiple definitions into their leaves.
func (d *EventDefinition) Flatten() []EventDefinition {
	if d == nil {
		return nil
	}
	if d.Type != EventMultiple {
		return []EventDefinition{*d}
	}
	var out []EventDefinition
	for i := range d.Definitions {
		out = append(out, d.Definitions[i].Flatten()...)
	}
	return out
}

func (d *EventDefinition) Is(t EventType) bool {
	if d == nil {
		return t == EventNone
	}
	for _, leaf := range d.Flatten() {
		if leaf.Type == t {
			return true
		}
	}
	return false
}

type LoopCharacteristics struct {
	Sequential          bool   `json:"sequential" yaml:"sequential"`
	Body                string `json:"body" yaml:"body"`
	Cardinality         string `json:"cardinality,omitempty" yaml:"cardinality,omitempty"`
	Collection          string `json:"collection,omitempty" yaml:"collection,omitempty"`
	ElementVar          string `json:"element_var,omitempty" yaml:"element_var,omitempty"`
	OutputCollection    string `json:"output_collection,omitempty" yaml:"output_collection,omitempty"`
	OutputElement       string `json:"output_element,omitempty" yaml:"output_element,omitempty"`
	CompletionCondition string `json:"completion_condition,omitempty" yaml:"completion_condition,omitempty"`
}

func (l *LoopCharacteristics) Element() string {
	if l.ElementVar == "" {
		return "item"
	}
	return l.ElementVar
}

func (l *LoopCharacteristics) OutputVar(specID string) string {
	if l.OutputCollection == "" {
		return specID + "_output"
	}
	return l.OutputCollection
}

type DataMapping struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
}

type TaskSpec struct {
	ID      string   `json:"id" yaml:"id"`
	Name    string   `json:"name,omitempty" yaml:"name,omitempty"`
	Kind    TaskKind `json:"kind" yaml:"kind"`
	Inputs  []string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs []string `json:"outputs,omitempty" yaml:"outputs,omitempty"`

	Event      *EventDefinition  `json:"event,omitempty" yaml:"event,omitempty"`
	Conditions map[string]string `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Default    string            `json:"default,omitempty" yaml:"default,omitempty"`
	Join       string            `json:"join,omitempty" yaml:"join,omitempty"`

	Script    string `json:"script,omitempty" yaml:"script,omitempty"`
	Operation string `json:"operation,omitempty" yaml:"operation,omitempty"`

	Loop *LoopCharacteristics `json:"loop,omitempty" yaml:"loop,omitempty"`

	AttachedTo      string `json:"attached_to,omitempty" yaml:"attached_to,omitempty"`
	NonInterrupting bool   `json:"non_interrupting,omitempty" yaml:"non_interrupting,omitempty"`

	CalledElement  string        `json:"called_element,omitempty" yaml:"called_element,omitempty"`
	InputMappings  []DataMapping `json:"input_mappings,omitempty" yaml:"input_mappings,omitempty"`
	OutputMappings []DataMapping `json:"output_mappings,omitempty" yaml:"output_mappings,omitempty"`

	Properties map[string]interface{} `json:"properties,omitempty" yaml:"properties,omitempty"`
}

func (s *TaskSpec) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// IsJoin reports whether the spec synchronizes several incoming branches.
func (s *TaskSpec) IsJoin() bool {
	return (s.Kind == KindParallelGateway || s.Kind == KindInclusiveGateway) && len(s.Inputs) > 1
}

func (s *TaskSpec) String() string {
	return fmt.Sprintf("%s(%s)", s.Kind, s.ID)
}
