package schema

import (
	"fmt"

	"github.com/danmuck/rdpctl/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs.
const (
	MsgConnectRequest uint16 = 1
	MsgConnectConfirm uint16 = 2
	MsgBitmapUpdate   uint16 = 3
	MsgInputEvent     uint16 = 4
	MsgChannelData    uint16 = 5
	MsgDisconnect     uint16 = 6
	MsgError          uint16 = 7
)

// Field IDs. Ranges group fields by the PDU family that introduced them.
const (
	FieldUsername  uint16 = 1
	FieldPassword  uint16 = 2
	FieldHostname  uint16 = 3
	FieldAutoLogon uint16 = 4
	FieldWidth     uint16 = 5
	FieldHeight    uint16 = 6
	FieldDepth     uint16 = 7
	FieldPerfFlags uint16 = 8
	FieldVersion   uint16 = 9
	FieldFlags     uint16 = 10
	FieldKeyboard  uint16 = 11

	FieldChannelName uint16 = 100
	FieldChannelID   uint16 = 101

	FieldShareID uint16 = 200

	FieldBitmapX      uint16 = 300
	FieldBitmapY      uint16 = 301
	FieldBitmapWidth  uint16 = 302
	FieldBitmapHeight uint16 = 303
	FieldPixels       uint16 = 304

	FieldInputType  uint16 = 400
	FieldInputCode  uint16 = 401
	FieldInputFlags uint16 = 402

	FieldData uint16 = 500

	FieldReason uint16 = 600
	FieldCode   uint16 = 601
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint16
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint16][]Requirement{
	MsgConnectRequest: {
		{FieldUsername, tlv.TypeString},
		{FieldHostname, tlv.TypeString},
		{FieldWidth, tlv.TypeU16},
		{FieldHeight, tlv.TypeU16},
		{FieldDepth, tlv.TypeU8},
		{FieldVersion, tlv.TypeU8},
		{FieldFlags, tlv.TypeU32},
	},
	MsgConnectConfirm: {
		{FieldShareID, tlv.TypeU32},
		{FieldWidth, tlv.TypeU16},
		{FieldHeight, tlv.TypeU16},
	},
	MsgBitmapUpdate: {
		{FieldBitmapX, tlv.TypeU16},
		{FieldBitmapY, tlv.TypeU16},
		{FieldBitmapWidth, tlv.TypeU16},
		{FieldBitmapHeight, tlv.TypeU16},
		{FieldPixels, tlv.TypeBytes},
	},
	MsgInputEvent: {
		{FieldInputType, tlv.TypeU8},
		{FieldInputCode, tlv.TypeU16},
		{FieldInputFlags, tlv.TypeU16},
	},
	MsgChannelData: {
		{FieldChannelID, tlv.TypeU16},
		{FieldData, tlv.TypeBytes},
	},
	MsgDisconnect: {
		{FieldReason, tlv.TypeString},
	},
	MsgError: {
		{FieldCode, tlv.TypeU32},
		{FieldReason, tlv.TypeString},
	},
}

// Name returns a short label for a message type, used in logs and metrics.
func Name(messageType uint16) string {
	switch messageType {
	case MsgConnectRequest:
		return "connect_request"
	case MsgConnectConfirm:
		return "connect_confirm"
	case MsgBitmapUpdate:
		return "bitmap_update"
	case MsgInputEvent:
		return "input_event"
	case MsgChannelData:
		return "channel_data"
	case MsgDisconnect:
		return "disconnect"
	case MsgError:
		return "error"
	default:
		return "unknown"
	}
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint16, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint16("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().
				Uint16("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().
				Uint16("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	log.Trace().Str("message", Name(messageType)).Int("fields", len(fields)).Msg("schema.Validate ok")
	return nil
}
