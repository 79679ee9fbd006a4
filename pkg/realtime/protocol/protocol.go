// Package protocol defines the JSON messages exchanged with relay clients.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/edgeflare/pgrelay/pkg/realtime/change"
)

// Action is the verb of a client control message.
type Action string

const (
	ActionSubscribe   Action = "subscribe"
	ActionUnsubscribe Action = "unsubscribe"
	ActionPing        Action = "ping"
)

// Server message types besides the change operations (insert, update, delete, raw).
const (
	TypeConnection            = "connection"
	TypeSubscriptionConfirmed = "subscription_confirmed"
	TypeUnsubscribed          = "unsubscribed"
	TypePong                  = "pong"
	TypeError                 = "error"
)

var ErrMalformedMessage = errors.New("malformed control message")

// ControlMessage is sent by clients.
//
//	{"action":"subscribe","channel":"table:orders:change","filter":{"status":{"eq":"open"}},"fields":["id"]}
//	{"action":"unsubscribe","channel":"table:orders:change"}
//	{"action":"ping"}
type ControlMessage struct {
	Action  Action          `json:"action"`
	Channel string          `json:"channel,omitempty"`
	Filter  json.RawMessage `json:"filter,omitempty"`
	Fields  []string        `json:"fields,omitempty"`
}

// ParseControlMessage decodes and validates a control message.
func ParseControlMessage(data []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	msg.Channel = strings.TrimSpace(msg.Channel)

	switch msg.Action {
	case ActionSubscribe, ActionUnsubscribe:
		if msg.Channel == "" {
			return msg, fmt.Errorf("%w: %s requires a channel", ErrMalformedMessage, msg.Action)
		}
	case ActionPing:
	case "":
		return msg, fmt.Errorf("%w: missing action", ErrMalformedMessage)
	default:
		return msg, fmt.Errorf("%w: unknown action %q", ErrMalformedMessage, msg.Action)
	}
	return msg, nil
}

// ServerMessage is sent to clients. Change deliveries use the operation as Type and
// fill Channel, Table, Timestamp and ID; every other message only carries Data.
type ServerMessage struct {
	Type      string `json:"type"`
	Channel   string `json:"channel,omitempty"`
	Table     string `json:"table,omitempty"`
	ID        string `json:"id,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Capabilities are announced in the connection greeting.
type Capabilities struct {
	Operators           []string `json:"operators"`
	FieldProjection     bool     `json:"fieldProjection"`
	BroadcastChannel    string   `json:"broadcastChannel,omitempty"`
	ImplicitBroadcast   bool     `json:"implicitBroadcast"`
	OverflowPolicy      string   `json:"overflowPolicy"`
	QueueCapacity       int      `json:"queueCapacity"`
	HeartbeatIntervalMs int64    `json:"heartbeatIntervalMs"`
	HeartbeatTimeoutMs  int64    `json:"heartbeatTimeoutMs"`
}

func Connection(connID string, caps Capabilities) ServerMessage {
	return ServerMessage{
		Type: TypeConnection,
		Data: map[string]any{
			"connectionId": connID,
			"capabilities": caps,
		},
	}
}

func SubscriptionConfirmed(channel, subscriptionID string) ServerMessage {
	return ServerMessage{
		Type: TypeSubscriptionConfirmed,
		Data: map[string]any{
			"channel":        channel,
			"subscriptionId": subscriptionID,
		},
	}
}

func Unsubscribed(channel string, removed int) ServerMessage {
	return ServerMessage{
		Type: TypeUnsubscribed,
		Data: map[string]any{
			"channel": channel,
			"removed": removed,
		},
	}
}

func Pong() ServerMessage {
	return ServerMessage{Type: TypePong}
}

func Error(message string) ServerMessage {
	return ServerMessage{
		Type: TypeError,
		Data: map[string]any{"message": message},
	}
}

// Change builds the delivery of ev with an already projected payload.
func Change(ev change.Event, data any) ServerMessage {
	return ServerMessage{
		Type:      string(ev.Operation),
		Channel:   ev.Channel,
		Table:     ev.Table,
		ID:        ev.ID,
		Data:      data,
		Timestamp: ev.Timestamp,
	}
}

// IsChange reports whether m is a change delivery.
func (m ServerMessage) IsChange() bool {
	return change.Operation(m.Type).Valid()
}
