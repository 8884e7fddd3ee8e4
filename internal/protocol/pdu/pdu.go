package pdu

import (
	"fmt"
	"strings"

	"github.com/danmuck/rdpctl/internal/protocol/frame"
	"github.com/danmuck/rdpctl/internal/protocol/schema"
	"github.com/danmuck/rdpctl/internal/protocol/tlv"
)

// Connect request flag bits.
const (
	FlagEncryption uint32 = 1 << iota
	FlagBitmapCache
	FlagBitmapCompression
	FlagDesktopSave
	FlagOffscreenBitmaps
	FlagTriblt
	FlagNewCursors
	FlagBulkCompression
)

// ChannelDef announces one virtual channel in a connect request.
type ChannelDef struct {
	Name string
	ID   uint16
}

type ConnectRequest struct {
	Username  string
	Password  string
	Hostname  string
	AutoLogon bool
	Width     uint16
	Height    uint16
	Depth     uint8
	Version   uint8
	Flags     uint32
	PerfFlags uint32
	Keyboard  uint32
	Channels  []ChannelDef
}

func (r ConnectRequest) Validate() error {
	if strings.TrimSpace(r.Username) == "" {
		return fmt.Errorf("connect_request missing username")
	}
	if strings.TrimSpace(r.Hostname) == "" {
		return fmt.Errorf("connect_request missing hostname")
	}
	if r.Width == 0 || r.Height == 0 {
		return fmt.Errorf("connect_request invalid geometry %dx%d", r.Width, r.Height)
	}
	return nil
}

// ConnectConfirm carries the server-chosen geometry and, when the server
// renumbers channels, their final ids.
type ConnectConfirm struct {
	ShareID  uint32
	Width    uint16
	Height   uint16
	Channels []ChannelDef
}

type BitmapUpdate struct {
	X, Y          uint16
	Width, Height uint16
	Pixels        []byte
}

// Input event types.
const (
	InputKeyboard uint8 = 1
	InputMouse    uint8 = 2
	InputUnicode  uint8 = 3
)

// KeyRelease marks the release half of a key event.
const KeyRelease uint16 = 0x8000

type InputEvent struct {
	Type  uint8
	Code  uint16
	Flags uint16
}

type ChannelData struct {
	ChannelID uint16
	Data      []byte
}

type Disconnect struct {
	Reason string
}

type ErrorNotice struct {
	Code   uint32
	Reason string
}

func (e ErrorNotice) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Reason)
}

func EncodeConnectRequest(seq uint64, r ConnectRequest) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldUsername, r.Username),
		tlv.String(schema.FieldHostname, r.Hostname),
		tlv.Bool(schema.FieldAutoLogon, r.AutoLogon),
		tlv.U16(schema.FieldWidth, r.Width),
		tlv.U16(schema.FieldHeight, r.Height),
		tlv.U8(schema.FieldDepth, r.Depth),
		tlv.U8(schema.FieldVersion, r.Version),
		tlv.U32(schema.FieldFlags, r.Flags),
		tlv.U32(schema.FieldPerfFlags, r.PerfFlags),
		tlv.U32(schema.FieldKeyboard, r.Keyboard),
	}
	if r.Password != "" {
		fields = append(fields, tlv.String(schema.FieldPassword, r.Password))
	}
	fields = append(fields, encodeChannels(r.Channels)...)
	return encode(seq, schema.MsgConnectRequest, 0, fields)
}

func DecodeConnectRequest(f frame.Frame) (ConnectRequest, error) {
	fields, err := decode(f, schema.MsgConnectRequest)
	if err != nil {
		return ConnectRequest{}, err
	}
	r := ConnectRequest{
		Username: getString(fields, schema.FieldUsername),
		Password: getString(fields, schema.FieldPassword),
		Hostname: getString(fields, schema.FieldHostname),
	}
	if r.AutoLogon, err = getBool(fields, schema.FieldAutoLogon); err != nil {
		return ConnectRequest{}, err
	}
	if r.Width, err = getU16(fields, schema.FieldWidth); err != nil {
		return ConnectRequest{}, err
	}
	if r.Height, err = getU16(fields, schema.FieldHeight); err != nil {
		return ConnectRequest{}, err
	}
	r.Depth = getU8(fields, schema.FieldDepth)
	r.Version = getU8(fields, schema.FieldVersion)
	if r.Flags, err = getU32(fields, schema.FieldFlags); err != nil {
		return ConnectRequest{}, err
	}
	if r.PerfFlags, err = getU32(fields, schema.FieldPerfFlags); err != nil {
		return ConnectRequest{}, err
	}
	if r.Keyboard, err = getU32(fields, schema.FieldKeyboard); err != nil {
		return ConnectRequest{}, err
	}
	if r.Channels, err = decodeChannels(fields); err != nil {
		return ConnectRequest{}, err
	}
	return r, nil
}

func EncodeConnectConfirm(seq uint64, c ConnectConfirm) ([]byte, error) {
	fields := []tlv.Field{
		tlv.U32(schema.FieldShareID, c.ShareID),
		tlv.U16(schema.FieldWidth, c.Width),
		tlv.U16(schema.FieldHeight, c.Height),
	}
	fields = append(fields, encodeChannels(c.Channels)...)
	return encode(seq, schema.MsgConnectConfirm, frame.FlagIsResponse, fields)
}

func DecodeConnectConfirm(f frame.Frame) (ConnectConfirm, error) {
	fields, err := decode(f, schema.MsgConnectConfirm)
	if err != nil {
		return ConnectConfirm{}, err
	}
	var c ConnectConfirm
	if c.ShareID, err = getU32(fields, schema.FieldShareID); err != nil {
		return ConnectConfirm{}, err
	}
	if c.Width, err = getU16(fields, schema.FieldWidth); err != nil {
		return ConnectConfirm{}, err
	}
	if c.Height, err = getU16(fields, schema.FieldHeight); err != nil {
		return ConnectConfirm{}, err
	}
	if c.Channels, err = decodeChannels(fields); err != nil {
		return ConnectConfirm{}, err
	}
	return c, nil
}

func EncodeBitmapUpdate(seq uint64, b BitmapUpdate) ([]byte, error) {
	fields := []tlv.Field{
		tlv.U16(schema.FieldBitmapX, b.X),
		tlv.U16(schema.FieldBitmapY, b.Y),
		tlv.U16(schema.FieldBitmapWidth, b.Width),
		tlv.U16(schema.FieldBitmapHeight, b.Height),
		tlv.Bytes(schema.FieldPixels, b.Pixels),
	}
	return encode(seq, schema.MsgBitmapUpdate, 0, fields)
}

func DecodeBitmapUpdate(f frame.Frame) (BitmapUpdate, error) {
	fields, err := decode(f, schema.MsgBitmapUpdate)
	if err != nil {
		return BitmapUpdate{}, err
	}
	var b BitmapUpdate
	if b.X, err = getU16(fields, schema.FieldBitmapX); err != nil {
		return BitmapUpdate{}, err
	}
	if b.Y, err = getU16(fields, schema.FieldBitmapY); err != nil {
		return BitmapUpdate{}, err
	}
	if b.Width, err = getU16(fields, schema.FieldBitmapWidth); err != nil {
		return BitmapUpdate{}, err
	}
	if b.Height, err = getU16(fields, schema.FieldBitmapHeight); err != nil {
		return BitmapUpdate{}, err
	}
	px, _ := tlv.GetField(fields, schema.FieldPixels)
	b.Pixels = px.Value
	return b, nil
}

func EncodeInputEvent(seq uint64, e InputEvent) ([]byte, error) {
	fields := []tlv.Field{
		tlv.U8(schema.FieldInputType, e.Type),
		tlv.U16(schema.FieldInputCode, e.Code),
		tlv.U16(schema.FieldInputFlags, e.Flags),
	}
	return encode(seq, schema.MsgInputEvent, 0, fields)
}

func DecodeInputEvent(f frame.Frame) (InputEvent, error) {
	fields, err := decode(f, schema.MsgInputEvent)
	if err != nil {
		return InputEvent{}, err
	}
	e := InputEvent{Type: getU8(fields, schema.FieldInputType)}
	if e.Code, err = getU16(fields, schema.FieldInputCode); err != nil {
		return InputEvent{}, err
	}
	if e.Flags, err = getU16(fields, schema.FieldInputFlags); err != nil {
		return InputEvent{}, err
	}
	return e, nil
}

func EncodeChannelData(seq uint64, d ChannelData) ([]byte, error) {
	fields := []tlv.Field{
		tlv.U16(schema.FieldChannelID, d.ChannelID),
		tlv.Bytes(schema.FieldData, d.Data),
	}
	return encode(seq, schema.MsgChannelData, 0, fields)
}

func DecodeChannelData(f frame.Frame) (ChannelData, error) {
	fields, err := decode(f, schema.MsgChannelData)
	if err != nil {
		return ChannelData{}, err
	}
	var d ChannelData
	if d.ChannelID, err = getU16(fields, schema.FieldChannelID); err != nil {
		return ChannelData{}, err
	}
	data, _ := tlv.GetField(fields, schema.FieldData)
	d.Data = data.Value
	return d, nil
}

func EncodeDisconnect(seq uint64, d Disconnect) ([]byte, error) {
	return encode(seq, schema.MsgDisconnect, 0, []tlv.Field{tlv.String(schema.FieldReason, d.Reason)})
}

func DecodeDisconnect(f frame.Frame) (Disconnect, error) {
	fields, err := decode(f, schema.MsgDisconnect)
	if err != nil {
		return Disconnect{}, err
	}
	return Disconnect{Reason: getString(fields, schema.FieldReason)}, nil
}

func EncodeError(seq uint64, e ErrorNotice) ([]byte, error) {
	fields := []tlv.Field{
		tlv.U32(schema.FieldCode, e.Code),
		tlv.String(schema.FieldReason, e.Reason),
	}
	return encode(seq, schema.MsgError, frame.FlagIsError, fields)
}

func DecodeError(f frame.Frame) (ErrorNotice, error) {
	fields, err := decode(f, schema.MsgError)
	if err != nil {
		return ErrorNotice{}, err
	}
	code, err := getU32(fields, schema.FieldCode)
	if err != nil {
		return ErrorNotice{}, err
	}
	return ErrorNotice{Code: code, Reason: getString(fields, schema.FieldReason)}, nil
}

func encode(seq uint64, messageType uint16, flags uint16, fields []tlv.Field) ([]byte, error) {
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	return frame.Encode(frame.Frame{
		Header: frame.Header{
			Sequence:    seq,
			MessageType: messageType,
			Flags:       flags,
		},
		Payload: tlv.EncodeFields(fields),
	}, frame.DefaultLimits())
}

func decode(f frame.Frame, want uint16) ([]tlv.Field, error) {
	if f.Header.MessageType != want {
		return nil, fmt.Errorf("pdu: got %s, want %s", schema.Name(f.Header.MessageType), schema.Name(want))
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(want, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// Channel definitions repeat as name/id pairs in declaration order.
func encodeChannels(defs []ChannelDef) []tlv.Field {
	out := make([]tlv.Field, 0, 2*len(defs))
	for _, ch := range defs {
		out = append(out,
			tlv.String(schema.FieldChannelName, ch.Name),
			tlv.U16(schema.FieldChannelID, ch.ID),
		)
	}
	return out
}

func decodeChannels(fields []tlv.Field) ([]ChannelDef, error) {
	var defs []ChannelDef
	named := false
	for _, fl := range fields {
		switch fl.ID {
		case schema.FieldChannelName:
			defs = append(defs, ChannelDef{Name: string(fl.Value)})
			named = true
		case schema.FieldChannelID:
			if !named {
				return nil, fmt.Errorf("pdu: channel id without name")
			}
			id, err := fl.AsU16()
			if err != nil {
				return nil, err
			}
			defs[len(defs)-1].ID = id
			named = false
		}
	}
	return defs, nil
}

func getString(fields []tlv.Field, id uint16) string {
	f, _ := tlv.GetField(fields, id)
	return string(f.Value)
}

func getU8(fields []tlv.Field, id uint16) uint8 {
	f, ok := tlv.GetField(fields, id)
	if !ok || len(f.Value) != 1 {
		return 0
	}
	return f.Value[0]
}

func getU16(fields []tlv.Field, id uint16) (uint16, error) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return 0, nil
	}
	return f.AsU16()
}

func getU32(fields []tlv.Field, id uint16) (uint32, error) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return 0, nil
	}
	return f.AsU32()
}

func getBool(fields []tlv.Field, id uint16) (bool, error) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return false, nil
	}
	return f.AsBool()
}
