package remote

import (
	"encoding/json"
	"fmt"
	"strings"
)

// mergeFields applies a dotted-key patch to a JSON object document.
func mergeFields(base []byte, fields map[string]any) ([]byte, error) {
	doc, err := decodeObject(base)
	if err != nil {
		return nil, err
	}
	for key, v := range fields {
		norm, err := normalize(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", key, err)
		}
		setPath(doc, strings.Split(key, "."), norm)
	}
	return json.Marshal(doc)
}

// addCounter adds delta to the numeric field at a dotted path, clamping at
// zero. Missing or non-numeric values count as zero.
func addCounter(base []byte, field string, delta int64) ([]byte, int64, error) {
	doc, err := decodeObject(base)
	if err != nil {
		return nil, 0, err
	}
	path := strings.Split(field, ".")
	var cur int64
	if v, ok := getPath(doc, path); ok {
		if f, ok := v.(float64); ok {
			cur = int64(f)
		}
	}
	next := max(cur+delta, 0)
	setPath(doc, path, next)
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, 0, err
	}
	return out, next, nil
}

func decodeObject(data []byte) (map[string]any, error) {
	doc := map[string]any{}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

// normalize converts v into plain JSON values so nested paths can be set on
// it later.
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func setPath(doc map[string]any, path []string, v any) {
	for _, p := range path[:len(path)-1] {
		next, ok := doc[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			doc[p] = next
		}
		doc = next
	}
	doc[path[len(path)-1]] = v
}

func getPath(doc map[string]any, path []string) (any, bool) {
	for _, p := range path[:len(path)-1] {
		next, ok := doc[p].(map[string]any)
		if !ok {
			return nil, false
		}
		doc = next
	}
	v, ok := doc[path[len(path)-1]]
	return v, ok
}
