package schema

import (
	"fmt"

	"github.com/danmuck/netron/internal/logging"
	"github.com/danmuck/netron/internal/protocol/tlv"
)

// Message type IDs.
const (
	MsgHello uint32 = 1
	MsgGet   uint32 = 2
	MsgSet   uint32 = 3
	MsgTask  uint32 = 4
	MsgEvent uint32 = 5
)

// Field IDs.
const (
	FieldPeerID          uint16 = 1
	FieldProtocolVersion uint16 = 2

	FieldDefID uint16 = 100
	FieldName  uint16 = 101
	FieldData  uint16 = 102

	FieldEventName uint16 = 200

	FieldErrorCode    uint16 = 900
	FieldErrorMessage uint16 = 901
)

// MessageName returns a stable label for a message type.
func MessageName(messageType uint32) string {
	switch messageType {
	case MsgHello:
		return "hello"
	case MsgGet:
		return "get"
	case MsgSet:
		return "set"
	case MsgTask:
		return "task"
	case MsgEvent:
		return "event"
	default:
		return fmt.Sprintf("unknown(%d)", messageType)
	}
}

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgHello: {
		{FieldPeerID, tlv.TypeString},
		{FieldProtocolVersion, tlv.TypeU32},
	},
	MsgGet: {
		{FieldDefID, tlv.TypeU64},
		{FieldName, tlv.TypeString},
	},
	MsgSet: {
		{FieldDefID, tlv.TypeU64},
		{FieldName, tlv.TypeString},
	},
	MsgTask: {
		{FieldData, tlv.TypeBytes},
	},
	MsgEvent: {
		{FieldEventName, tlv.TypeString},
	},
}

var errorRequirements = []Requirement{
	{FieldErrorCode, tlv.TypeString},
	{FieldErrorMessage, tlv.TypeString},
}

// Validate enforces required fields and required field types for a request
// message type. Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log := logging.Logger("schema")
		log.Error().Uint32("message_type", messageType).Msg("unknown message type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	return check(messageType, reqs, fields)
}

// ValidateError enforces the error response shape shared by every message type.
func ValidateError(messageType uint32, fields []tlv.Field) error {
	return check(messageType, errorRequirements, fields)
}

func check(messageType uint32, reqs []Requirement, fields []tlv.Field) error {
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log := logging.Logger("schema")
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("missing required field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log := logging.Logger("schema")
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("field type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
