package domain

import (
	"sort"
	"time"
)

type ProcessStatus string

const (
	ProcessRunning    ProcessStatus = "RUNNING"
	ProcessSuspended  ProcessStatus = "SUSPENDED"
	ProcessFaulted    ProcessStatus = "FAULTED"
	ProcessCompleted  ProcessStatus = "COMPLETED"
	ProcessTerminated ProcessStatus = "TERMINATED"
)

func (s ProcessStatus) Terminal() bool {
	return s == ProcessFaulted || s == ProcessCompleted || s == ProcessTerminated
}

// ErrorRecord is the persisted form of the failure that suspended or faulted an instance.
type ErrorRecord struct {
	TaskGUID string    `json:"task_guid"`
	SpecID   string    `json:"spec_id"`
	SpecName string    `json:"spec_name,omitempty"`
	GraphID  string    `json:"graph_id"`
	Message  string    `json:"message"`
	Line     int       `json:"line,omitempty"`
	Offset   int       `json:"offset,omitempty"`
	Trace    []string  `json:"trace,omitempty"`
	At       time.Time `json:"at"`
}

func NewErrorRecord(err *TaskExecutionError, at time.Time) *ErrorRecord {
	return &ErrorRecord{
		TaskGUID: err.TaskGUID,
		SpecID:   err.SpecID,
		SpecName: err.SpecName,
		GraphID:  err.GraphID,
		Message:  err.Message,
		Line:     err.Line,
		Offset:   err.Offset,
		Trace:    append([]string(nil), err.Trace...),
		At:       at,
	}
}

// JoinState is the runtime record an inclusive fork leaves for its paired join.
type JoinState struct {
	Scope    string `json:"scope"`
	JoinID   string `json:"join_id"`
	Expected int    `json:"expected"`
	ForkGUID string `json:"fork_guid"`
}

func JoinKey(scope, joinID string) string {
	return scope + ":" + joinID
}

type ProcessInstance struct {
	ID           string
	DefinitionID string
	Status       ProcessStatus
	StartedAt    time.Time
	CompletedAt  *time.Time
	LastError    *ErrorRecord
	Tree         *TaskTree
	Joins        map[string]*JoinState
	Version      int64
}

func NewProcessInstance(id, definitionID string, tree *TaskTree, startedAt time.Time) *ProcessInstance {
	return &ProcessInstance{
		ID:           id,
		DefinitionID: definitionID,
		Status:       ProcessRunning,
		StartedAt:    startedAt,
		Tree:         tree,
		Joins:        make(map[string]*JoinState),
	}
}

// JoinList returns join records sorted by key.
func (p *ProcessInstance) JoinList() []*JoinState {
	keys := make([]string, 0, len(p.Joins))
	for k := range p.Joins {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*JoinState, 0, len(keys))
	for _, k := range keys {
		out = append(out, p.Joins[k])
	}
	return out
}

// Event is an incoming or thrown event.
type Event struct {
	Type         EventType              `json:"type"`
	Name         string                 `json:"name"`
	Payload      interface{}            `json:"payload,omitempty"`
	Correlations map[string]interface{} `json:"correlations,omitempty"`
}

// PendingEvent is a waiting catch registered with the correlation store.
type PendingEvent struct {
	InstanceID   string                 `json:"instance_id"`
	TaskGUID     string                 `json:"task_guid"`
	Definition   EventDefinition        `json:"definition"`
	Seq          int64                  `json:"seq"`
	DueAt        *time.Time             `json:"due_at,omitempty"`
	Remaining    int                    `json:"remaining,omitempty"`
	Expectations map[string]interface{} `json:"expectations,omitempty"`
}

// Delivery targets one waiting task instance with a matched event.
type Delivery struct {
	InstanceID string `json:"instance_id"`
	TaskGUID   string `json:"task_guid"`
	Event      Event  `json:"event"`
}

// CorrelationState is the per-instance slice of the correlation store that
// travels with a serialized document.
type CorrelationState struct {
	Scope   string                 `json:"scope,omitempty"`
	Keys    map[string]interface{} `json:"keys,omitempty"`
	Pending []PendingEvent         `json:"pending,omitempty"`
	Inbox   []Delivery             `json:"inbox,omitempty"`
}
