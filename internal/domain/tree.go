package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SpecResolver resolves a spec inside a named graph.
type SpecResolver interface {
	Spec(graphID, specID string) (*TaskSpec, error)
}

var rootSpec = &TaskSpec{ID: RootSpecID, Name: "root", Kind: KindRoot}

// TaskTree is the per-instance arena of task instances. CreateChild, CreateNestedRoot,
// Predict and RemoveSubtree are the only code paths that touch parent/children links.
type TaskTree struct {
	resolver SpecResolver
	tasks    map[string]*TaskInstance
	order    []string
	root     string
	seq      int64
}

func NewTaskTree(resolver SpecResolver, graphID string, data map[string]interface{}) *TaskTree {
	tree := &TaskTree{
		resolver: resolver,
		tasks:    make(map[string]*TaskInstance),
	}
	root := tree.newInstance(RootSpecID, "", StateFuture, data)
	root.GraphID = graphID
	root.scope = root.GUID
	tree.root = root.GUID
	return tree
}

func (tt *TaskTree) newInstance(specID, parent string, state TaskState, data map[string]interface{}) *TaskInstance {
	tt.seq++
	t := &TaskInstance{
		GUID:         uuid.NewString(),
		SpecID:       specID,
		State:        state,
		Parent:       parent,
		Children:     []string{},
		Data:         CloneData(data),
		InternalData: map[string]interface{}{},
		UpdatedAt:    time.Now().UTC(),
		seq:          tt.seq,
	}
	tt.tasks[t.GUID] = t
	tt.order = append(tt.order, t.GUID)
	return t
}

func (tt *TaskTree) Root() *TaskInstance {
	return tt.tasks[tt.root]
}

func (tt *TaskTree) Len() int { return len(tt.order) }

func (tt *TaskTree) FindByGUID(guid string) (*TaskInstance, error) {
	t, ok := tt.tasks[guid]
	if !ok {
		return nil, &TaskNotFoundError{GUID: guid}
	}
	return t, nil
}

// GraphOf returns the graph id of the scope the instance belongs to.
func (tt *TaskTree) GraphOf(t *TaskInstance) string {
	if scope, ok := tt.tasks[t.scope]; ok {
		return scope.GraphID
	}
	return ""
}

func (tt *TaskTree) SpecOf(t *TaskInstance) (*TaskSpec, error) {
	if t.IsRoot() {
		return rootSpec, nil
	}
	return tt.resolver.Spec(tt.GraphOf(t), t.SpecID)
}

// CreateChild spawns a child of parentGUID for specID inside the parent's scope.
func (tt *TaskTree) CreateChild(parentGUID, specID string) (*TaskInstance, error) {
	return tt.createChild(parentGUID, specID, false)
}

// Predict spawns a speculative child. Predicted instances never execute and are
// pruned before serialization.
func (tt *TaskTree) Predict(parentGUID, specID string) (*TaskInstance, error) {
	return tt.createChild(parentGUID, specID, true)
}

func (tt *TaskTree) createChild(parentGUID, specID string, predicted bool) (*TaskInstance, error) {
	parent, err := tt.FindByGUID(parentGUID)
	if err != nil {
		return nil, err
	}
	graphID := tt.GraphOf(parent)
	spec, err := tt.resolver.Spec(graphID, specID)
	if err != nil {
		return nil, err
	}

	state := StateFuture
	switch {
	case predicted:
		state = StatePredicted
	case spec.Kind == KindStart && spec.Event.Is(EventNone):
		state = StateReady
	}

	child := tt.newInstance(spec.ID, parent.GUID, state, parent.Data)
	child.scope = parent.scope
	parent.Children = append(parent.Children, child.GUID)
	return child, nil
}

// CreateNestedRoot starts a sub-process tree scoped to graphID under parentGUID.
func (tt *TaskTree) CreateNestedRoot(parentGUID, graphID string, data map[string]interface{}) (*TaskInstance, error) {
	parent, err := tt.FindByGUID(parentGUID)
	if err != nil {
		return nil, err
	}
	if _, err := tt.resolver.Spec(graphID, RootSpecID); err != nil {
		return nil, err
	}
	child := tt.newInstance(RootSpecID, parent.GUID, StateFuture, data)
	child.GraphID = graphID
	child.scope = child.GUID
	parent.Children = append(parent.Children, child.GUID)
	return child, nil
}

// SetState moves an instance along the task state machine.
func (tt *TaskTree) SetState(t *TaskInstance, to TaskState) error {
	if t.State == to {
		return nil
	}
	if !CanTransition(t.State, to) {
		return NewWorkflowError(fmt.Sprintf("illegal state transition %s -> %s", t.State, to), ErrIllegalState,
			WithTask(t.GUID), WithDetail("spec", t.SpecID))
	}
	t.State = to
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// TasksInState lists instances in creation order.
func (tt *TaskTree) TasksInState(state TaskState) []*TaskInstance {
	var out []*TaskInstance
	for _, guid := range tt.order {
		if t := tt.tasks[guid]; t.State == state {
			out = append(out, t)
		}
	}
	return out
}

func (tt *TaskTree) Tasks() []*TaskInstance {
	out := make([]*TaskInstance, 0, len(tt.order))
	for _, guid := range tt.order {
		out = append(out, tt.tasks[guid])
	}
	return out
}

func (tt *TaskTree) ChildrenOf(t *TaskInstance) []*TaskInstance {
	out := make([]*TaskInstance, 0, len(t.Children))
	for _, guid := range t.Children {
		if child, ok := tt.tasks[guid]; ok {
			out = append(out, child)
		}
	}
	return out
}

// InScope lists the instances of one tree scope, excluding its root, in creation order.
func (tt *TaskTree) InScope(scope string) []*TaskInstance {
	var out []*TaskInstance
	for _, guid := range tt.order {
		if t := tt.tasks[guid]; t.scope == scope && guid != scope {
			out = append(out, t)
		}
	}
	return out
}

// Ancestors walks from the parent of t up to the top-level root.
func (tt *TaskTree) Ancestors(t *TaskInstance) []*TaskInstance {
	var out []*TaskInstance
	for cur := t.Parent; cur != ""; {
		p, ok := tt.tasks[cur]
		if !ok {
			break
		}
		out = append(out, p)
		cur = p.Parent
	}
	return out
}

// RemoveSubtree cancels guid and every live descendant. With hard set the subtree is
// physically deleted and unlinked from its parent instead. It returns the instances
// that were cancelled or removed.
func (tt *TaskTree) RemoveSubtree(guid string, hard bool) ([]*TaskInstance, error) {
	t, err := tt.FindByGUID(guid)
	if err != nil {
		return nil, err
	}
	if hard && guid == tt.root {
		return nil, NewWorkflowError("cannot remove the tree root", ErrInvalidInput, WithTask(guid))
	}

	var affected []*TaskInstance
	var walk func(*TaskInstance)
	walk = func(n *TaskInstance) {
		for _, child := range tt.ChildrenOf(n) {
			walk(child)
		}
		if hard {
			affected = append(affected, n)
			return
		}
		if !n.State.Terminal() {
			n.State = StateCancelled
			n.UpdatedAt = time.Now().UTC()
			affected = append(affected, n)
		}
	}
	walk(t)

	if hard {
		removed := make(map[string]struct{}, len(affected))
		for _, n := range affected {
			removed[n.GUID] = struct{}{}
			delete(tt.tasks, n.GUID)
		}
		kept := tt.order[:0]
		for _, g := range tt.order {
			if _, gone := removed[g]; !gone {
				kept = append(kept, g)
			}
		}
		tt.order = kept
		if parent, ok := tt.tasks[t.Parent]; ok {
			parent.Children = without(parent.Children, guid)
		}
	}
	return affected, nil
}

// PrunePredicted hard-removes every predicted subtree and returns how many
// instances were dropped.
func (tt *TaskTree) PrunePredicted() int {
	var heads []string
	for _, guid := range tt.order {
		t := tt.tasks[guid]
		if t.State != StatePredicted {
			continue
		}
		if p, ok := tt.tasks[t.Parent]; ok && p.State == StatePredicted {
			continue
		}
		heads = append(heads, guid)
	}
	n := 0
	for _, guid := range heads {
		removed, err := tt.RemoveSubtree(guid, true)
		if err == nil {
			n += len(removed)
		}
	}
	return n
}

// Validate checks referential integrity of the arena.
func (tt *TaskTree) Validate() []TreeViolation {
	var out []TreeViolation
	if _, ok := tt.tasks[tt.root]; !ok {
		return append(out, TreeViolation{GUID: tt.root, Code: "MISSING_ROOT", Detail: "root instance absent"})
	}
	for _, guid := range tt.order {
		t := tt.tasks[guid]
		if guid != tt.root {
			parent, ok := tt.tasks[t.Parent]
			if !ok {
				out = append(out, TreeViolation{GUID: guid, Code: "DANGLING_PARENT", Detail: "parent " + t.Parent + " absent"})
			} else if !containsOnce(parent.Children, guid) {
				out = append(out, TreeViolation{GUID: guid, Code: "ORPHAN", Detail: "not listed exactly once by parent " + t.Parent})
			}
		}
		for _, child := range t.Children {
			c, ok := tt.tasks[child]
			if !ok {
				out = append(out, TreeViolation{GUID: guid, Code: "DANGLING_CHILD", Detail: "child " + child + " absent"})
			} else if c.Parent != guid {
				out = append(out, TreeViolation{GUID: guid, Code: "FOREIGN_CHILD", Detail: "child " + child + " has parent " + c.Parent})
			}
		}
	}
	if len(out) > 0 {
		return out
	}

	seen := map[string]struct{}{tt.root: {}}
	queue := []string{tt.root}
	for len(queue) > 0 {
		cur := tt.tasks[queue[0]]
		queue = queue[1:]
		for _, child := range cur.Children {
			if _, ok := seen[child]; ok {
				continue
			}
			seen[child] = struct{}{}
			queue = append(queue, child)
		}
	}
	for _, guid := range tt.order {
		if _, ok := seen[guid]; !ok {
			out = append(out, TreeViolation{GUID: guid, Code: "UNREACHABLE", Detail: "not reachable from root"})
		}
	}
	return out
}

// RestoreTaskTree rebuilds a tree from validated records listed in creation order.
func RestoreTaskTree(resolver SpecResolver, rootGUID string, records []*TaskInstance) (*TaskTree, error) {
	tt := &TaskTree{
		resolver: resolver,
		tasks:    make(map[string]*TaskInstance, len(records)),
		order:    make([]string, 0, len(records)),
		root:     rootGUID,
	}
	for _, r := range records {
		if _, dup := tt.tasks[r.GUID]; dup {
			return nil, &CorruptTreeError{Violations: []TreeViolation{{GUID: r.GUID, Code: "DUPLICATE_GUID", Detail: "guid listed twice"}}}
		}
		tt.seq++
		r.seq = tt.seq
		if r.Children == nil {
			r.Children = []string{}
		}
		if r.Data == nil {
			r.Data = map[string]interface{}{}
		}
		if r.InternalData == nil {
			r.InternalData = map[string]interface{}{}
		}
		tt.tasks[r.GUID] = r
		tt.order = append(tt.order, r.GUID)
	}
	if violations := tt.Validate(); len(violations) > 0 {
		return nil, &CorruptTreeError{Violations: violations}
	}
	for _, guid := range tt.order {
		t := tt.tasks[guid]
		if t.IsRoot() {
			t.scope = t.GUID
			continue
		}
		t.scope = tt.scopeOf(t)
	}
	return tt, nil
}

func (tt *TaskTree) scopeOf(t *TaskInstance) string {
	for cur := t; cur != nil; cur = tt.tasks[cur.Parent] {
		if cur.IsRoot() {
			return cur.GUID
		}
		if cur.Parent == "" {
			break
		}
	}
	return tt.root
}

func without(list []string, v string) []string {
	out := make([]string, 0, len(list))
	for _, item := range list {
		if item != v {
			out = append(out, item)
		}
	}
	return out
}

func containsOnce(list []string, v string) bool {
	n := 0
	for _, item := range list {
		if item == v {
			n++
		}
	}
	return n == 1
}
