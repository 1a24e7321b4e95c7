package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/noah-isme/chatsync/internal/dto"
	"github.com/noah-isme/chatsync/internal/models"
)

const pushEventSchemaURL = "push_event.schema.json"

const pushEventSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"type": "string", "minLength": 1}
  },
  "if": {"properties": {"type": {"const": "new_message"}}},
  "then": {
    "required": ["message"],
    "properties": {"message": {"$ref": "#/$defs/message"}}
  },
  "$defs": {
    "message": {
      "type": "object",
      "required": ["id", "sender_id", "receiver_id", "message", "created_at"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "sender_id": {"type": "string", "minLength": 1},
        "receiver_id": {"type": "string", "minLength": 1},
        "message": {"type": "string", "pattern": "\\S"},
        "read": {"type": "boolean"},
        "created_at": {"type": "string", "format": "date-time"}
      }
    }
  }
}`

var pushEventSchema = mustCompilePushEventSchema()

func mustCompilePushEventSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true
	if err := compiler.AddResource(pushEventSchemaURL, strings.NewReader(pushEventSchemaJSON)); err != nil {
		panic(fmt.Sprintf("push event schema: %v", err))
	}
	return compiler.MustCompile(pushEventSchemaURL)
}

// EventKind tags the variants DecodeEvent can produce.
type EventKind string

const (
	EventKindNewMessage EventKind = "new_message"
	EventKindIgnored    EventKind = "ignored"
	EventKindMalformed  EventKind = "malformed"
)

// PushEvent is an inbound frame after boundary validation. Downstream code switches on the
// concrete type and never inspects raw JSON.
type PushEvent interface {
	Kind() EventKind
}

// NewMessageEvent carries exactly one validated message.
type NewMessageEvent struct {
	Message models.ChatMessage
}

// IgnoredEvent is a well-formed frame of a type the client does not handle.
type IgnoredEvent struct {
	Type string
}

// MalformedEvent is a frame that failed to parse or validate.
type MalformedEvent struct {
	Err  error
	Size int
}

func (NewMessageEvent) Kind() EventKind { return EventKindNewMessage }
func (IgnoredEvent) Kind() EventKind    { return EventKindIgnored }
func (MalformedEvent) Kind() EventKind  { return EventKindMalformed }

// DecodeEvent validates a raw push frame against the push event schema and returns the matching
// variant. It never returns nil.
func DecodeEvent(data []byte) PushEvent {
	var raw interface{}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil {
		return MalformedEvent{Err: fmt.Errorf("decode push frame: %w", err), Size: len(data)}
	}

	if err := pushEventSchema.Validate(raw); err != nil {
		return MalformedEvent{Err: fmt.Errorf("validate push frame: %w", err), Size: len(data)}
	}

	var event dto.ChatPushEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return MalformedEvent{Err: fmt.Errorf("decode push frame: %w", err), Size: len(data)}
	}

	if event.Type != dto.PushEventNewMessage {
		return IgnoredEvent{Type: event.Type}
	}

	return NewMessageEvent{Message: normalizeMessage(event.Message)}
}

// normalizeMessage applies the body rules shared by every path a server message arrives on:
// surrounding whitespace is dropped, so a blank body fails the required check afterwards.
func normalizeMessage(message models.ChatMessage) models.ChatMessage {
	message.Body = strings.TrimSpace(message.Body)
	return message
}
