// Package change defines the change events produced from PostgreSQL NOTIFY payloads
// and the channel naming convention shared by triggers, the listener and subscribers.
package change

import (
	"strings"
)

// Operation represents the type of change that occurred
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	// OpRaw marks a notification whose payload could not be decoded.
	OpRaw Operation = "raw"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete, OpRaw:
		return true
	}
	return false
}

// ParseOperation maps the operation names emitted by triggers (create, INSERT, update, ...)
// to an Operation. The second return value is false for unknown names.
func ParseOperation(s string) (Operation, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "insert", "create", "c":
		return OpInsert, true
	case "update", "u":
		return OpUpdate, true
	case "delete", "d":
		return OpDelete, true
	case "raw":
		return OpRaw, true
	}
	return "", false
}

const (
	// BroadcastChannel receives every change regardless of table.
	BroadcastChannel = "store:all"

	tableChannelPrefix = "table:"
	tableChannelSuffix = ":change"
)

// TableChannel returns the per-table channel name, eg table:orders:change
func TableChannel(table string) string {
	return tableChannelPrefix + table + tableChannelSuffix
}

// TableFromChannel extracts the table name from a per-table channel name.
func TableFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, tableChannelPrefix) || !strings.HasSuffix(channel, tableChannelSuffix) {
		return "", false
	}
	table := channel[len(tableChannelPrefix) : len(channel)-len(tableChannelSuffix)]
	if table == "" {
		return "", false
	}
	return table, true
}

// Event is a single row-level change received on a channel.
// It is treated as immutable once built.
type Event struct {
	Channel   string    `json:"channel"`
	Table     string    `json:"table"`
	Schema    string    `json:"schema,omitempty"`
	Operation Operation `json:"operation"`
	// Payload is the decoded row (usually map[string]any), or the raw
	// notification string for OpRaw events.
	Payload   any    `json:"data"`
	ID        string `json:"id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Row returns the payload as a map, or nil when the payload is not an object.
func (e Event) Row() map[string]any {
	m, _ := e.Payload.(map[string]any)
	return m
}

// EventBuilder helps construct events with reasonable defaults
type EventBuilder struct {
	event Event
}

func NewEventBuilder(channel string) *EventBuilder {
	b := &EventBuilder{event: Event{Channel: channel, Timestamp: now()}}
	if table, ok := TableFromChannel(channel); ok {
		b.event.Table = table
	}
	return b
}

func (b *EventBuilder) WithTable(table string) *EventBuilder {
	b.event.Table = table
	return b
}

func (b *EventBuilder) WithSchema(schema string) *EventBuilder {
	b.event.Schema = schema
	return b
}

func (b *EventBuilder) WithOperation(op Operation) *EventBuilder {
	b.event.Operation = op
	return b
}

func (b *EventBuilder) WithPayload(payload any) *EventBuilder {
	b.event.Payload = payload
	return b
}

func (b *EventBuilder) WithID(id string) *EventBuilder {
	b.event.ID = id
	return b
}

func (b *EventBuilder) WithTimestamp(ts string) *EventBuilder {
	b.event.Timestamp = ts
	return b
}

func (b *EventBuilder) Build() Event {
	return b.event
}
