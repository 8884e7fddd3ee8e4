package schema

import (
	"errors"
	"testing"

	"github.com/danmuck/rdpctl/internal/protocol/tlv"
	"github.com/danmuck/rdpctl/internal/testutil/testlog"
)

func connectRequestFields() []tlv.Field {
	return []tlv.Field{
		tlv.String(FieldUsername, "alice"),
		tlv.String(FieldHostname, "ws-01"),
		tlv.U16(FieldWidth, 800),
		tlv.U16(FieldHeight, 600),
		tlv.U8(FieldDepth, 16),
		tlv.U8(FieldVersion, 5),
		tlv.U32(FieldFlags, 0),
	}
}

func TestValidateConnectRequestRequiredFields(t *testing.T) {
	testlog.Start(t)
	if err := Validate(MsgConnectRequest, connectRequestFields()); err != nil {
		t.Fatalf("validate connect request: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := append(connectRequestFields(), tlv.Bytes(9999, []byte{0x01}))
	if err := Validate(MsgConnectRequest, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	err := Validate(MsgConnectRequest, []tlv.Field{tlv.String(FieldUsername, "alice")})
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T (%v)", err, err)
	}
	if ve.FieldID != FieldHostname || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateTypeMismatchDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.U16(FieldChannelID, 1004),
		tlv.String(FieldData, "not bytes"),
	}
	err := Validate(MsgChannelData, fields)
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T (%v)", err, err)
	}
	if ve.FieldID != FieldData || ve.Reason != "type mismatch" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateUnknownMessageType(t *testing.T) {
	testlog.Start(t)
	err := Validate(99, nil)
	var ve ValidationError
	if !errors.As(err, &ve) || ve.Reason != "unknown message_type" {
		t.Fatalf("unexpected error: %v", err)
	}
	if Name(99) != "unknown" || Name(MsgBitmapUpdate) != "bitmap_update" {
		t.Fatalf("unexpected names")
	}
}
