package xjson

import (
	stdjson "encoding/json"

	gjson "github.com/goccy/go-json"
)

// RawMessage is kept compatible with encoding/json's RawMessage type.
type RawMessage = stdjson.RawMessage

func Marshal(v interface{}) ([]byte, error) {
	return gjson.Marshal(v)
}

func MarshalIndent(v interface{}) ([]byte, error) {
	return gjson.MarshalIndent(v, "", "  ")
}

func Unmarshal(data []byte, v interface{}) error {
	return gjson.Unmarshal(data, v)
}

// Normalize round-trips v through JSON so that the result only holds
// map[string]interface{}, []interface{}, float64, string, bool and nil.
func Normalize(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := gjson.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := gjson.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NormalizeMap is Normalize for variable scopes; a nil input yields an empty map.
func NormalizeMap(m map[string]interface{}) (map[string]interface{}, error) {
	if len(m) == 0 {
		return map[string]interface{}{}, nil
	}
	raw, err := gjson.Marshal(m)
	if err != nil {
		return nil, err
	}
	out := make(map[string]interface{}, len(m))
	if err := gjson.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
