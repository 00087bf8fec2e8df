package serialization

import (
	"fmt"

	"github.com/eleven-am/procflow/internal/domain"
)

// Migration upgrades a generic document from schema version From to From+1.
// Apply must be idempotent.
type Migration struct {
	From  int
	Name  string
	Apply func(doc map[string]interface{}) error
}

var migrations = []Migration{
	{From: 1, Name: "rename-v1-fields", Apply: migrateV1},
	{From: 2, Name: "predicted-state-and-join-records", Apply: migrateV2},
}

func documentVersion(doc map[string]interface{}) (int, error) {
	switch v := doc["version"].(type) {
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("%w: fractional version %v", domain.ErrInvalidInput, v)
		}
		return int(v), nil
	case nil:
		return 0, fmt.Errorf("%w: document has no version", domain.ErrInvalidInput)
	default:
		return 0, fmt.Errorf("%w: version has type %T", domain.ErrInvalidInput, v)
	}
}

// Migrate brings doc to CurrentVersion in place and returns the version it started from.
func Migrate(doc map[string]interface{}) (int, error) {
	from, err := documentVersion(doc)
	if err != nil {
		return 0, err
	}
	if from < OldestVersion || from > CurrentVersion {
		return from, &domain.VersionMigrationError{Version: from, Oldest: OldestVersion, Current: CurrentVersion}
	}
	for _, m := range migrations {
		if m.From < from {
			continue
		}
		if err := m.Apply(doc); err != nil {
			return from, fmt.Errorf("migration %s: %w", m.Name, err)
		}
		doc["version"] = float64(m.From + 1)
	}
	return from, nil
}

func rename(m map[string]interface{}, from, to string) {
	v, ok := m[from]
	if !ok {
		return
	}
	if _, exists := m[to]; !exists {
		m[to] = v
	}
	delete(m, from)
}

func taskList(doc map[string]interface{}, key string) []map[string]interface{} {
	raw, _ := doc[key].([]interface{})
	out := make([]map[string]interface{}, 0, len(raw))
	for _, item := range raw {
		if t, ok := item.(map[string]interface{}); ok {
			out = append(out, t)
		}
	}
	return out
}

// v1 documents kept the definition as two flat fields and used short task field names.
func migrateV1(doc map[string]interface{}) error {
	if _, ok := doc["definition"]; !ok {
		id, _ := doc["definition_id"].(string)
		hash, _ := doc["definition_hash"].(string)
		doc["definition"] = map[string]interface{}{"id": id, "hash": hash}
	}
	delete(doc, "definition_id")
	delete(doc, "definition_hash")
	rename(doc, "root_guid", "root")
	rename(doc, "task_tree", "tasks")

	for _, t := range taskList(doc, "tasks") {
		rename(t, "id", "guid")
		rename(t, "task_spec", "spec_id")
		rename(t, "internal", "internal_data")
	}
	return nil
}

var legacyPredicted = map[string]bool{"MAYBE": true, "LIKELY": true}

// v2 documents used MAYBE/LIKELY for look-ahead children and kept inclusive join
// counters on the fork task itself.
func migrateV2(doc map[string]interface{}) error {
	tasks := taskList(doc, "tasks")
	byGUID := make(map[string]map[string]interface{}, len(tasks))
	for _, t := range tasks {
		if guid, ok := t["guid"].(string); ok {
			byGUID[guid] = t
		}
	}

	joins, _ := doc["joins"].([]interface{})
	for _, t := range tasks {
		if state, _ := t["state"].(string); legacyPredicted[state] {
			t["state"] = string(domain.StatePredicted)
		}

		internal, _ := t["internal_data"].(map[string]interface{})
		expected, hasExpected := internal["join_expected"].(float64)
		joinID, hasJoin := internal["join_id"].(string)
		if !hasExpected || !hasJoin {
			continue
		}
		guid, _ := t["guid"].(string)
		joins = append(joins, map[string]interface{}{
			"scope":     scopeOf(byGUID, guid),
			"join_id":   joinID,
			"expected":  expected,
			"fork_guid": guid,
		})
		delete(internal, "join_expected")
		delete(internal, "join_id")
	}
	if len(joins) > 0 {
		doc["joins"] = joins
	}
	return nil
}

func scopeOf(byGUID map[string]map[string]interface{}, guid string) string {
	seen := map[string]bool{}
	for cur := guid; cur != "" && !seen[cur]; {
		seen[cur] = true
		t, ok := byGUID[cur]
		if !ok {
			return ""
		}
		if spec, _ := t["spec_id"].(string); spec == domain.RootSpecID && cur != guid {
			return cur
		}
		cur, _ = t["parent"].(string)
	}
	return ""
}
