package cache

import (
	"encoding/json"
	"fmt"
)

// Serializer converts values to and from the bytes a remote tier stores.
type Serializer[V any] interface {
	Marshal(value V) ([]byte, error)
	Unmarshal(data []byte) (V, error)
}

// JSONSerializer stores values as JSON text.
type JSONSerializer[V any] struct{}

// Marshal encodes value as JSON.
func (JSONSerializer[V]) Marshal(value V) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return data, nil
}

// Unmarshal decodes JSON into a new V.
func (JSONSerializer[V]) Unmarshal(data []byte) (V, error) {
	var value V
	if err := json.Unmarshal(data, &value); err != nil {
		return value, fmt.Errorf("unmarshal value: %w", err)
	}
	return value, nil
}
