package datalayer

import (
	"encoding/json"
	"fmt"
)

// MarshalMeta serializes a structured payload (step metadata, generation
// parameters, thread/user metadata) for storage in a JSON column. A nil map
// is stored as SQL NULL so it reads back as nil, not as an empty object.
func MarshalMeta(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return data, nil
}

// UnmarshalMeta is the inverse of MarshalMeta. Empty or NULL columns yield
// nil; anything undecodable is reported as ErrSerialization since only
// external corruption can produce it.
func UnmarshalMeta(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return m, nil
}

// MarshalTags serializes a thread's tag list for a JSON column, with the
// same NULL convention as MarshalMeta.
func MarshalTags(tags []string) ([]byte, error) {
	if tags == nil {
		return nil, nil
	}

	data, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tags: %w", err)
	}
	return data, nil
}

// UnmarshalTags is the inverse of MarshalTags.
func UnmarshalTags(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var tags []string
	if err := json.Unmarshal(data, &tags); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return tags, nil
}
