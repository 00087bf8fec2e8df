package serialization

import (
	"fmt"

	"github.com/eleven-am/procflow/internal/domain"
)

// repair applies the prune policy: dangling child guids are dropped and PREDICTED
// subtrees are removed. It returns the number of edits made.
func repair(doc *Document) int {
	index := make(map[string]int, len(doc.Tasks))
	for i, t := range doc.Tasks {
		index[t.GUID] = i
	}

	drop := make(map[string]bool)
	var mark func(guid string)
	mark = func(guid string) {
		if drop[guid] {
			return
		}
		drop[guid] = true
		if i, ok := index[guid]; ok {
			for _, c := range doc.Tasks[i].Children {
				mark(c)
			}
		}
	}
	for _, t := range doc.Tasks {
		if t.State == domain.StatePredicted && t.GUID != doc.Root {
			mark(t.GUID)
		}
	}

	edits := 0
	kept := doc.Tasks[:0]
	for _, t := range doc.Tasks {
		if drop[t.GUID] {
			edits++
			continue
		}
		children := t.Children[:0]
		for _, c := range t.Children {
			if _, ok := index[c]; !ok || drop[c] {
				edits++
				continue
			}
			children = append(children, c)
		}
		t.Children = children
		kept = append(kept, t)
	}
	doc.Tasks = kept

	pending := doc.Correlation.Pending[:0]
	for _, p := range doc.Correlation.Pending {
		if drop[p.TaskGUID] {
			edits++
			continue
		}
		pending = append(pending, p)
	}
	doc.Correlation.Pending = pending
	return edits
}

func validate(doc *Document, resolver domain.SpecResolver) []domain.TreeViolation {
	var out []domain.TreeViolation
	add := func(guid, code, format string, args ...interface{}) {
		out = append(out, domain.TreeViolation{GUID: guid, Code: code, Detail: fmt.Sprintf(format, args...)})
	}

	byGUID := make(map[string]*TaskRecord, len(doc.Tasks))
	for i := range doc.Tasks {
		t := &doc.Tasks[i]
		if _, dup := byGUID[t.GUID]; dup {
			add(t.GUID, "DUPLICATE_GUID", "guid listed twice")
			continue
		}
		byGUID[t.GUID] = t
	}
	root, ok := byGUID[doc.Root]
	if !ok {
		add(doc.Root, "MISSING_ROOT", "root instance absent")
		return out
	}
	if root.SpecID != domain.RootSpecID || root.Parent != "" {
		add(root.GUID, "BAD_ROOT", "root is %s with parent %q", root.SpecID, root.Parent)
	}

	for _, t := range doc.Tasks {
		if !t.State.Valid() {
			add(t.GUID, "BAD_STATE", "unknown state %q", t.State)
		}
		if t.State == domain.StatePredicted {
			add(t.GUID, "PREDICTED", "predicted instances are never persisted")
		}
		for _, c := range t.Children {
			child, ok := byGUID[c]
			switch {
			case !ok:
				add(t.GUID, "DANGLING_CHILD", "child %s absent", c)
			case child.Parent != t.GUID:
				add(t.GUID, "FOREIGN_CHILD", "child %s has parent %s", c, child.Parent)
			}
		}
		if t.GUID == doc.Root {
			continue
		}
		if _, ok := byGUID[t.Parent]; !ok {
			add(t.GUID, "DANGLING_PARENT", "parent %s absent", t.Parent)
		}
	}

	for _, t := range doc.Tasks {
		if cycles(byGUID, t.GUID) {
			add(t.GUID, "CYCLE", "parent chain never reaches the root")
		}
	}
	if len(out) > 0 {
		return out
	}

	for _, t := range doc.Tasks {
		if t.SpecID == domain.RootSpecID {
			if _, err := resolver.Spec(t.GraphID, domain.RootSpecID); err != nil {
				add(t.GUID, "UNKNOWN_GRAPH", "graph %q is not registered", t.GraphID)
			}
			continue
		}
		graphID := graphOf(byGUID, t.GUID)
		if _, err := resolver.Spec(graphID, t.SpecID); err != nil {
			add(t.GUID, "UNKNOWN_SPEC", "spec %q not found in graph %q", t.SpecID, graphID)
		}
	}

	for _, p := range doc.Correlation.Pending {
		t, ok := byGUID[p.TaskGUID]
		switch {
		case !ok:
			add(p.TaskGUID, "STALE_PENDING", "pending %s event for absent task", p.Definition.Type)
		case t.State != domain.StateWaiting:
			add(p.TaskGUID, "STALE_PENDING", "pending %s event for %s task", p.Definition.Type, t.State)
		}
	}
	return out
}

func cycles(byGUID map[string]*TaskRecord, guid string) bool {
	seen := make(map[string]bool)
	for cur := guid; cur != ""; {
		if seen[cur] {
			return true
		}
		seen[cur] = true
		t, ok := byGUID[cur]
		if !ok {
			return false
		}
		cur = t.Parent
	}
	return false
}

func graphOf(byGUID map[string]*TaskRecord, guid string) string {
	for cur := byGUID[guid]; cur != nil; cur = byGUID[cur.Parent] {
		if cur.SpecID == domain.RootSpecID {
			return cur.GraphID
		}
		if cur.Parent == "" {
			break
		}
	}
	return ""
}
