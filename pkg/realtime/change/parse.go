package change

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	ErrEmptyPayload     = errors.New("empty notification payload")
	ErrUnknownOperation = errors.New("unknown operation")
)

// notification is the JSON document written by the notify trigger function.
type notification struct {
	Event     string          `json:"event"`
	Operation string          `json:"operation"`
	Table     string          `json:"table"`
	Schema    string          `json:"schema"`
	ID        json.RawMessage `json:"id"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// now is replaced in tests.
var now = func() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Parse decodes a NOTIFY payload received on channel into an Event.
//
// Parse never drops a notification. When the payload is not a recognizable change document
// it returns an OpRaw event carrying the payload string together with a non-nil error
// describing why decoding failed; callers should log the error and dispatch the event anyway.
func Parse(channel, payload string) (Event, error) {
	ev, err := decode(channel, payload)
	if err != nil {
		return rawEvent(channel, payload), err
	}
	return ev, nil
}

func decode(channel, payload string) (Event, error) {
	if len(bytes.TrimSpace([]byte(payload))) == 0 {
		return Event{}, ErrEmptyPayload
	}

	var n notification
	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	if err := dec.Decode(&n); err != nil {
		return Event{}, fmt.Errorf("decode payload: %w", err)
	}

	name := n.Event
	if name == "" {
		name = n.Operation
	}
	op, ok := ParseOperation(name)
	if !ok || op == OpRaw {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownOperation, name)
	}

	var data any
	if len(n.Data) > 0 {
		if err := json.Unmarshal(n.Data, &data); err != nil {
			return Event{}, fmt.Errorf("decode data: %w", err)
		}
	}

	b := NewEventBuilder(channel).
		WithOperation(op).
		WithSchema(n.Schema).
		WithPayload(data)
	if n.Table != "" {
		b.WithTable(n.Table)
	}
	if n.Timestamp != "" {
		b.WithTimestamp(n.Timestamp)
	}

	id := scalarString(n.ID)
	if id == "" {
		if row, ok := data.(map[string]any); ok {
			if raw, err := json.Marshal(row["id"]); err == nil {
				id = scalarString(raw)
			}
		}
	}
	b.WithID(id)

	return b.Build(), nil
}

func rawEvent(channel, payload string) Event {
	return NewEventBuilder(channel).
		WithOperation(OpRaw).
		WithPayload(payload).
		Build()
}

// scalarString renders a JSON string or number as a plain string. Other JSON values yield "".
func scalarString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	case '{', '[', 't', 'f':
		return ""
	default:
		if _, err := strconv.ParseFloat(string(raw), 64); err == nil {
			return string(raw)
		}
	}
	return ""
}
