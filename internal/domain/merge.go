package domain

import (
	"dario.cat/mergo"

	"github.com/eleven-am/procflow/internal/xjson"
)

// CloneData deep-copies a variable scope. Values are expected to be normalized.
func CloneData(src map[string]interface{}) map[string]interface{} {
	if src == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(src))
	for k, v := range src {
		out[k] = cloneValue(v)
	}
	return out
}

// CloneValue deep-copies a single normalized value.
func CloneValue(v interface{}) interface{} { return cloneValue(v) }

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return CloneData(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return val
	}
}

// NormalizeData converts caller supplied data into JSON value space.
func NormalizeData(data map[string]interface{}) (map[string]interface{}, error) {
	out, err := xjson.NormalizeMap(data)
	if err != nil {
		return nil, NewValidationError("data is not JSON serializable", err)
	}
	return out, nil
}

// MergeData overlays results onto current, returning a new map. Nested objects are
// merged recursively and scalars or lists in results replace the current value.
func MergeData(current, results map[string]interface{}) (map[string]interface{}, error) {
	merged := CloneData(current)
	if len(results) == 0 {
		return merged, nil
	}
	overlay := CloneData(results)
	if err := mergo.Merge(&merged, overlay, mergo.WithOverride); err != nil {
		return nil, NewWorkflowError("failed to merge task data", err, WithOperation("merge"))
	}
	return merged, nil
}
