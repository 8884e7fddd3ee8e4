package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	FixedHeaderLen uint16 = 24
	Magic          uint32 = 0x52445043 // "RDPC"
	Version        uint16 = 1

	FlagIsResponse uint16 = 0x01
	FlagIsError    uint16 = 0x02
)

var (
	ErrShortHeader       = errors.New("frame: short fixed header")
	ErrBadMagic          = errors.New("frame: bad magic")
	ErrBadVersion        = errors.New("frame: unsupported version")
	ErrHeaderLenTooSmall = errors.New("frame: header_len smaller than fixed header")
	ErrPayloadTooLarge   = errors.New("frame: payload too large")
	ErrExtensionTooLarge = errors.New("frame: header extension too large")
	// ErrIncomplete reports that a buffer holds only part of a frame.
	ErrIncomplete = errors.New("frame: incomplete")
)

// Header is the fixed wire header. Bytes between FixedHeaderLen and
// HeaderLen are a reserved extension area; readers skip them.
type Header struct {
	Magic       uint32
	Version     uint16
	HeaderLen   uint16
	Sequence    uint64
	MessageType uint16
	Flags       uint16
	PayloadLen  uint32
}

// Frame is one complete PDU.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxExtensionBytes uint32
	MaxPayloadBytes   uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxExtensionBytes: 4 * 1024,
		MaxPayloadBytes:   32 * 1024 * 1024,
	}
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	ext, err := checkHeader(h, limits)
	if err != nil {
		return Frame{}, err
	}

	if ext > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(ext)); err != nil {
			return Frame{}, err
		}
	}
	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

// Parse decodes the first frame held in buf and reports how many bytes it
// consumed. It returns ErrIncomplete when buf does not yet hold a whole frame,
// so callers reading from a nonblocking descriptor can accumulate and retry.
func Parse(buf []byte, limits Limits) (Frame, int, error) {
	if len(buf) < int(FixedHeaderLen) {
		return Frame{}, 0, ErrIncomplete
	}
	h, err := DecodeHeader(buf[:FixedHeaderLen])
	if err != nil {
		return Frame{}, 0, err
	}
	if _, err := checkHeader(h, limits); err != nil {
		return Frame{}, 0, err
	}
	total := int(h.HeaderLen) + int(h.PayloadLen)
	if len(buf) < total {
		return Frame{}, 0, ErrIncomplete
	}
	payload := make([]byte, h.PayloadLen)
	copy(payload, buf[h.HeaderLen:total])
	return Frame{Header: h, Payload: payload}, total, nil
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	b, err := Encode(f, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Encode serializes f, filling in magic, version and lengths.
func Encode(f Frame, limits Limits) ([]byte, error) {
	if uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return nil, ErrPayloadTooLarge
	}
	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.HeaderLen = FixedHeaderLen
	h.PayloadLen = uint32(len(f.Payload))

	out := make([]byte, 0, int(FixedHeaderLen)+len(f.Payload))
	out = append(out, EncodeHeader(h)...)
	return append(out, f.Payload...), nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FixedHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.HeaderLen)
	binary.BigEndian.PutUint64(buf[8:16], h.Sequence)
	binary.BigEndian.PutUint16(buf[16:18], h.MessageType)
	binary.BigEndian.PutUint16(buf[18:20], h.Flags)
	binary.BigEndian.PutUint32(buf[20:24], h.PayloadLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != int(FixedHeaderLen) {
		return Header{}, fmt.Errorf("frame: invalid fixed header length: %d", len(b))
	}
	return Header{
		Magic:       binary.BigEndian.Uint32(b[0:4]),
		Version:     binary.BigEndian.Uint16(b[4:6]),
		HeaderLen:   binary.BigEndian.Uint16(b[6:8]),
		Sequence:    binary.BigEndian.Uint64(b[8:16]),
		MessageType: binary.BigEndian.Uint16(b[16:18]),
		Flags:       binary.BigEndian.Uint16(b[18:20]),
		PayloadLen:  binary.BigEndian.Uint32(b[20:24]),
	}, nil
}

// checkHeader validates h and returns the extension length.
func checkHeader(h Header, limits Limits) (uint32, error) {
	if h.Magic != Magic {
		return 0, ErrBadMagic
	}
	if h.Version != Version {
		return 0, ErrBadVersion
	}
	if h.HeaderLen < FixedHeaderLen {
		return 0, ErrHeaderLenTooSmall
	}
	ext := uint32(h.HeaderLen - FixedHeaderLen)
	if ext > limits.MaxExtensionBytes {
		return 0, ErrExtensionTooLarge
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return 0, ErrPayloadTooLarge
	}
	return ext, nil
}
