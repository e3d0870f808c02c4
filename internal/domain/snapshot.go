package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Interaction flags every saved shape must carry as true so a restored board stays editable.
var InteractiveFlags = []string{"selectable", "evented", "hasControls", "hasBorders"} //nolint:gochecknoglobals // fixed key set

// Shape is one drawable object of a snapshot. ID and Type are lifted out of the
// flat JSON object; every other property is kept as compact JSON.
type Shape struct {
	ID    string
	Type  string
	Props map[string]json.RawMessage
}

// NewShape builds a shape from plain Go property values.
func NewShape(id, typ string, props map[string]any) (Shape, error) {
	s := Shape{ID: id, Type: typ, Props: make(map[string]json.RawMessage, len(props))}
	for k, v := range props {
		if err := s.Set(k, v); err != nil {
			return Shape{}, err
		}
	}
	return s, nil
}

// Get returns the serialized value of a property.
func (s Shape) Get(key string) (json.RawMessage, bool) {
	v, ok := s.Props[key]
	return v, ok
}

// Float returns a numeric property.
func (s Shape) Float(key string) (float64, bool) {
	raw, ok := s.Props[key]
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Set stores v under key in its compact JSON form.
func (s *Shape) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("shape %q: set %s: %w", s.ID, key, err)
	}
	if s.Props == nil {
		s.Props = make(map[string]json.RawMessage)
	}
	s.Props[key] = raw
	return nil
}

// Clone returns a deep copy of s.
func (s Shape) Clone() Shape {
	c := Shape{ID: s.ID, Type: s.Type}
	if s.Props != nil {
		c.Props = make(map[string]json.RawMessage, len(s.Props))
		for k, v := range s.Props {
			c.Props[k] = append(json.RawMessage(nil), v...)
		}
	}
	return c
}

func (s Shape) MarshalJSON() ([]byte, error) {
	flat := make(map[string]json.RawMessage, len(s.Props)+2)
	for k, v := range s.Props {
		flat[k] = v
	}
	if s.ID != "" {
		id, err := json.Marshal(s.ID)
		if err != nil {
			return nil, err
		}
		flat["id"] = id
	}
	typ, err := json.Marshal(s.Type)
	if err != nil {
		return nil, err
	}
	flat["type"] = typ
	return json.Marshal(flat)
}

func (s *Shape) UnmarshalJSON(data []byte) error {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return fmt.Errorf("shape: %w", err)
	}

	*s = Shape{Props: make(map[string]json.RawMessage, len(flat))}
	for k, v := range flat {
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err != nil {
			return fmt.Errorf("shape: property %s: %w", k, err)
		}
		compact := json.RawMessage(buf.Bytes())

		switch k {
		case "id":
			s.ID = scalarString(compact)
		case "type":
			s.Type = scalarString(compact)
		default:
			s.Props[k] = compact
		}
	}
	return nil
}

// scalarString returns a JSON string's value, or the literal text of any other scalar.
// Legacy shapes occasionally carry numeric ids.
func scalarString(raw json.RawMessage) string {
	if string(raw) == "null" {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	return string(raw)
}

// Snapshot is the full serialized state of a board.
// A nil Objects slice means the objects list was absent, which marks the snapshot malformed;
// an empty non-nil slice is a valid empty board.
type Snapshot struct {
	Version    string
	Objects    []Shape
	Background string
}

type snapshotWire struct {
	Version    string   `json:"version,omitempty"`
	Objects    *[]Shape `json:"objects,omitempty"`
	Background string   `json:"background,omitempty"`
}

// HasObjects reports whether the objects list is present.
func (s Snapshot) HasObjects() bool {
	return s.Objects != nil
}

// Clone returns a shallow copy: a new objects slice sharing shape properties.
func (s Snapshot) Clone() Snapshot {
	c := s
	if s.Objects != nil {
		c.Objects = make([]Shape, len(s.Objects))
		copy(c.Objects, s.Objects)
	}
	return c
}

// IDs returns the ids of all shapes that carry one, in order.
func (s Snapshot) IDs() []string {
	ids := make([]string, 0, len(s.Objects))
	for _, sh := range s.Objects {
		if sh.ID != "" {
			ids = append(ids, sh.ID)
		}
	}
	return ids
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	w := snapshotWire{Version: s.Version, Background: s.Background}
	if s.Objects != nil {
		objs := s.Objects
		w.Objects = &objs
	}
	return json.Marshal(w)
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var w snapshotWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	*s = Snapshot{Version: w.Version, Background: w.Background}
	if w.Objects != nil {
		s.Objects = *w.Objects
		if s.Objects == nil {
			s.Objects = []Shape{}
		}
	}
	return nil
}

// DecodeSnapshot parses snapshot JSON and rejects payloads without an objects list.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("domain.DecodeSnapshot: %w: %w", ErrMalformedSnapshot, err)
	}
	if !s.HasObjects() {
		return Snapshot{}, fmt.Errorf("domain.DecodeSnapshot: objects missing: %w", ErrMalformedSnapshot)
	}
	return s, nil
}
