package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// Document is the JSON representation of an entity on the remote store.
// Revision and Deleted are never omitted.
type Document struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Fields    map[string]any `json:"fields"`
	Revision  int64          `json:"revision"`
	Deleted   bool           `json:"deleted"`
	UpdatedAt int64          `json:"updatedAt"`
	UpdatedBy string         `json:"updatedBy,omitempty"`
	PushKey   string         `json:"pushKey,omitempty"`
	ServerTs  int64          `json:"serverTs"`
}

// ToDocument converts an entity into its remote document.
func ToDocument(e *Entity, pushKey string, serverTs int64) *Document {
	c := e.Clone()
	if c.Fields == nil {
		c.Fields = map[string]any{}
	}
	return &Document{
		ID:        c.ID,
		Kind:      c.Kind,
		Fields:    c.Fields,
		Revision:  c.Revision,
		Deleted:   c.Deleted,
		UpdatedAt: c.UpdatedAt,
		UpdatedBy: c.UpdatedBy,
		PushKey:   pushKey,
		ServerTs:  serverTs,
	}
}

// Entity converts the document back into an entity.
func (d *Document) Entity() *Entity {
	fields := make(map[string]any, len(d.Fields))
	for k, v := range d.Fields {
		fields[k] = v
	}
	e := &Entity{
		ID:        d.ID,
		Kind:      d.Kind,
		Fields:    fields,
		Revision:  d.Revision,
		Deleted:   d.Deleted,
		UpdatedAt: d.UpdatedAt,
		UpdatedBy: d.UpdatedBy,
	}
	e.Normalize()
	return e
}

// Change converts the document into a remote change.
func (d *Document) Change() RemoteChange {
	return RemoteChange{Entity: d.Entity(), ServerTimestamp: d.ServerTs}
}

// MarshalDocument encodes a document.
func MarshalDocument(d *Document) ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document %s: %w", d.ID, err)
	}
	return data, nil
}

// UnmarshalDocument decodes and validates a document. The revision and
// deleted keys must be present.
func UnmarshalDocument(data []byte) (*Document, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	for _, k := range []string{"id", "revision", "deleted"} {
		if _, ok := keys[k]; !ok {
			return nil, fmt.Errorf("document is missing %q", k)
		}
	}

	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	if err := d.Entity().Validate(); err != nil {
		return nil, fmt.Errorf("invalid document %s: %w", d.ID, err)
	}
	return &d, nil
}

// PushKey derives the idempotency key of a push: the same device pushing the
// same payload on top of the same base revision always yields the same key.
func PushKey(deviceID string, rec *ChangeRecord) string {
	h := sha256.New()
	h.Write([]byte(deviceID))
	h.Write([]byte{0})
	h.Write([]byte(rec.EntityID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(rec.BaseRevision, 10)))
	h.Write([]byte{0})
	if rec.Payload != nil {
		body, _ := json.Marshal(struct {
			Fields  map[string]any `json:"fields"`
			Deleted bool           `json:"deleted"`
		}{rec.Payload.Fields, rec.Payload.Deleted})
		h.Write(body)
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
