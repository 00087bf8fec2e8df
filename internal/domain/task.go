package domain

import "time"

type TaskState string

const (
	StateFuture    TaskState = "FUTURE"
	StatePredicted TaskState = "PREDICTED"
	StateWaiting   TaskState = "WAITING"
	StateReady     TaskState = "READY"
	StateCompleted TaskState = "COMPLETED"
	StateCancelled TaskState = "CANCELLED"
	StateError     TaskState = "ERROR"
)

var transitions = map[TaskState][]TaskState{
	StateFuture:    {StateWaiting, StateReady, StateCancelled},
	StatePredicted: {StateCancelled},
	StateWaiting:   {StateReady, StateCancelled},
	StateReady:     {StateCompleted, StateError, StateCancelled},
}

// CanTransition reports whether from -> to is an edge of the task state machine.
func CanTransition(from, to TaskState) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s TaskState) Valid() bool {
	switch s {
	case StateFuture, StatePredicted, StateWaiting, StateReady, StateCompleted, StateCancelled, StateError:
		return true
	}
	return false
}

func (s TaskState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateError
}

// Live reports whether the instance can still make progress.
func (s TaskState) Live() bool {
	return s == StateFuture || s == StateWaiting || s == StateReady
}

// IsFuture covers FUTURE and its PREDICTED sub-state.
func (s TaskState) IsFuture() bool {
	return s == StateFuture || s == StatePredicted
}

type TaskInstance struct {
	GUID         string
	SpecID       string
	GraphID      string
	State        TaskState
	Parent       string
	Children     []string
	Data         map[string]interface{}
	InternalData map[string]interface{}
	UpdatedAt    time.Time

	seq   int64
	scope string
}

// Scope is the guid of the tree root the instance belongs to.
func (t *TaskInstance) Scope() string { return t.scope }

func (t *TaskInstance) Seq() int64 { return t.seq }

func (t *TaskInstance) IsRoot() bool { return t.SpecID == RootSpecID }

func (t *TaskInstance) Internal(key string) (interface{}, bool) {
	v, ok := t.InternalData[key]
	return v, ok
}

func (t *TaskInstance) InternalString(key string) string {
	s, _ := t.InternalData[key].(string)
	return s
}

// InternalInt reads a counter that may have been normalized to float64 by a round trip.
func (t *TaskInstance) InternalInt(key string) int {
	switch v := t.InternalData[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func (t *TaskInstance) InternalStrings(key string) []string {
	switch v := t.InternalData[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func (t *TaskInstance) SetInternal(key string, value interface{}) {
	if t.InternalData == nil {
		t.InternalData = make(map[string]interface{})
	}
	t.InternalData[key] = value
}

// SetInternalInt stores counters as float64 so documents round-trip exactly.
func (t *TaskInstance) SetInternalInt(key string, value int) {
	t.SetInternal(key, float64(value))
}

func (t *TaskInstance) SetInternalStrings(key string, values []string) {
	list := make([]interface{}, len(values))
	for i, v := range values {
		list[i] = v
	}
	t.SetInternal(key, list)
}

func (t *TaskInstance) AppendInternalString(key, value string) {
	t.SetInternalStrings(key, append(t.InternalStrings(key), value))
}

// Snapshot returns a detached copy for callers outside the engine.
func (t *TaskInstance) Snapshot() TaskInstance {
	c := *t
	c.Children = append([]string(nil), t.Children...)
	c.Data = CloneData(t.Data)
	c.InternalData = CloneData(t.InternalData)
	return c
}

// RootSpecID is the spec id of synthetic tree roots; it never appears in a graph.
const RootSpecID = "__root__"

// RootSpec returns the shared spec of synthetic tree roots.
func RootSpec() *TaskSpec { return rootSpec }
