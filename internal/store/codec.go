package store

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Reactions, participant lists and annotations are stored as JSON text
// columns. Encoders normalize so equal values produce identical text.

func encodeReactions(r Reactions) (string, error) {
	norm := make(Reactions, len(r))
	for sym, users := range r {
		if len(users) == 0 {
			continue
		}
		u := slices.Clone(users)
		slices.Sort(u)
		norm[sym] = slices.Compact(u)
	}
	b, err := json.Marshal(norm)
	if err != nil {
		return "", fmt.Errorf("encode reactions: %w", err)
	}
	return string(b), nil
}

func decodeReactions(s string) (Reactions, error) {
	if s == "" {
		return Reactions{}, nil
	}
	r := Reactions{}
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return nil, fmt.Errorf("decode reactions: %w", err)
	}
	return r, nil
}

func encodeIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode ids: %w", err)
	}
	return string(b), nil
}

func decodeIDs(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(s), &ids); err != nil {
		return nil, fmt.Errorf("decode ids: %w", err)
	}
	return ids, nil
}

func encodeAnnotations(a Annotations) (string, error) {
	if a == nil {
		a = Annotations{}
	}
	b, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encode annotations: %w", err)
	}
	return string(b), nil
}

func decodeAnnotations(s string) (Annotations, error) {
	if s == "" {
		return Annotations{}, nil
	}
	a := Annotations{}
	if err := json.Unmarshal([]byte(s), &a); err != nil {
		return nil, fmt.Errorf("decode annotations: %w", err)
	}
	return a, nil
}
