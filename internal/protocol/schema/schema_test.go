package schema

import (
	"testing"

	"github.com/danmuck/netron/internal/protocol/tlv"
	"github.com/danmuck/netron/internal/testutil/testlog"
)

func TestValidateGetRequiredFields(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.U64(FieldDefID, 1),
		tlv.String(FieldName, "inc"),
		tlv.Bytes(FieldData, []byte("[1]")),
	}
	if err := Validate(MsgGet, fields); err != nil {
		t.Fatalf("validate get: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.String(FieldPeerID, "peer.a"),
		tlv.U32(FieldProtocolVersion, 1),
		{ID: 9999, Type: tlv.TypeBytes, Value: []byte{0x01}},
	}
	if err := Validate(MsgHello, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{tlv.U64(FieldDefID, 3)}
	err := Validate(MsgSet, fields)
	if err == nil {
		t.Fatalf("expected error")
	}
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldName || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateTypeMismatchDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.String(FieldDefID, "1"),
		tlv.String(FieldName, "inc"),
	}
	err := Validate(MsgGet, fields)
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T (%v)", err, err)
	}
	if ve.FieldID != FieldDefID || ve.Reason != "type mismatch" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateUnknownMessageType(t *testing.T) {
	testlog.Start(t)
	err := Validate(77, nil)
	ve, ok := err.(ValidationError)
	if !ok || ve.Reason != "unknown message_type" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateErrorShape(t *testing.T) {
	testlog.Start(t)
	ok := []tlv.Field{
		tlv.String(FieldErrorCode, "unknown_context"),
		tlv.String(FieldErrorMessage, "context calc not found"),
	}
	if err := ValidateError(MsgTask, ok); err != nil {
		t.Fatalf("validate error response: %v", err)
	}
	if err := ValidateError(MsgTask, ok[:1]); err == nil {
		t.Fatalf("expected missing message to fail")
	}
}

func TestMessageName(t *testing.T) {
	if got := MessageName(MsgTask); got != "task" {
		t.Fatalf("got=%q", got)
	}
	if got := MessageName(99); got != "unknown(99)" {
		t.Fatalf("got=%q", got)
	}
}
