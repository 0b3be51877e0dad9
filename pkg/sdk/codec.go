package sdk

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/openfroyo/pms/pkg/engine"
)

// MessageKind tells the two directions apart on the wire.
type MessageKind string

const (
	MessageKindNodeEvent     MessageKind = "NODE_EVENT"
	MessageKindResponseEvent MessageKind = "RESPONSE_EVENT"
)

// Validate checks the message kind.
func (k MessageKind) Validate() error {
	switch k {
	case MessageKindNodeEvent, MessageKindResponseEvent:
		return nil
	default:
		return fmt.Errorf("invalid message kind: %s", k)
	}
}

// Message is the envelope every event travels in.
type Message struct {
	Kind      MessageKind     `json:"kind"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

func encode(kind MessageKind, eventType string, data interface{}) ([]byte, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", eventType, err)
	}
	msg := Message{
		Kind:      kind,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      body,
	}
	out, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return out, nil
}

// Decode reads the envelope of a message.
func Decode(payload []byte) (*Message, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty message")
	}
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if err := msg.Kind.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	return &msg, nil
}

// EncodeNodeEvent validates and encodes a node event.
func EncodeNodeEvent(ev *NodeEvent) ([]byte, error) {
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("invalid node event: %w", err)
	}
	return encode(MessageKindNodeEvent, string(ev.Type), ev)
}

// DecodeNodeEvent decodes and validates a node event.
func DecodeNodeEvent(payload []byte) (*NodeEvent, error) {
	msg, err := Decode(payload)
	if err != nil {
		return nil, err
	}
	if msg.Kind != MessageKindNodeEvent {
		return nil, fmt.Errorf("expected %s message, got %s", MessageKindNodeEvent, msg.Kind)
	}
	var ev NodeEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("invalid node event: %w", err)
	}
	return &ev, nil
}

// EncodeResponseEvent validates and encodes a response event.
func EncodeResponseEvent(ev *ResponseEvent) ([]byte, error) {
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("invalid response event: %w", err)
	}
	return encode(MessageKindResponseEvent, string(ev.Type), ev)
}

// DecodeResponseEvent decodes and validates a response event.
func DecodeResponseEvent(payload []byte) (*ResponseEvent, error) {
	msg, err := Decode(payload)
	if err != nil {
		return nil, err
	}
	if msg.Kind != MessageKindResponseEvent {
		return nil, fmt.Errorf("expected %s message, got %s", MessageKindResponseEvent, msg.Kind)
	}
	var ev ResponseEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("invalid response event: %w", err)
	}
	return &ev, nil
}

// ParseParams parses step or obtainment parameters into target. Empty
// parameters leave target untouched.
func ParseParams(params json.RawMessage, target interface{}) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, target); err != nil {
		return fmt.Errorf("failed to parse params: %w", err)
	}
	return nil
}

// ChildStatuses decodes the child notifications a spawning step resumes
// with, ordered by correlation id.
func ChildStatuses(responses map[string]engine.ResponseData) ([]engine.ChildStatusData, error) {
	keys := make([]string, 0, len(responses))
	for k := range responses {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]engine.ChildStatusData, 0, len(keys))
	for _, k := range keys {
		var cs engine.ChildStatusData
		if err := json.Unmarshal(responses[k].Data, &cs); err != nil {
			return nil, fmt.Errorf("failed to decode child status %s: %w", k, err)
		}
		out = append(out, cs)
	}
	return out, nil
}
