package job

import (
	"encoding/json"
	"fmt"
)

// Serializer persists a Handle as the JSON of its status snapshot and reads
// it back as a Record.
type Serializer struct{}

// Marshal encodes h.Status().
func (Serializer) Marshal(h Handle) ([]byte, error) {
	data, err := json.Marshal(h.Status())
	if err != nil {
		return nil, fmt.Errorf("marshal job %s: %w", h.ID(), err)
	}
	return data, nil
}

// Unmarshal decodes a snapshot into a read-only Record.
func (Serializer) Unmarshal(data []byte) (Handle, error) {
	var status Status
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	if status.ID == "" {
		return nil, fmt.Errorf("unmarshal job: missing id")
	}
	return NewRecord(status), nil
}
