package channels

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

const ClipboardName = "cliprdr"

// Clipboard PDU types. Every PDU starts with msgType, msgFlags (u16 each)
// and dataLen (u32), little-endian.
const (
	ClipMonitorReady       uint16 = 1
	ClipFormatList         uint16 = 2
	ClipFormatListResponse uint16 = 3
	ClipDataRequest        uint16 = 4
	ClipDataResponse       uint16 = 5

	ClipResponseOK   uint16 = 0x0001
	ClipResponseFail uint16 = 0x0002

	// ClipFormatText is the only format offered (UTF-8 text).
	ClipFormatText uint32 = 13

	clipHeaderLen = 8
)

var ErrShortClipPDU = errors.New("cliprdr: short pdu")

// Clipboard mirrors text between the local side and the server.
type Clipboard struct {
	mu       sync.Mutex
	out      Sender
	local    string
	remote   string
	formats  []uint32
	received int
}

func NewClipboard() *Clipboard {
	return &Clipboard{}
}

func (c *Clipboard) Name() string {
	return ClipboardName
}

func (c *Clipboard) Connected(out Sender) error {
	c.mu.Lock()
	c.out = out
	c.mu.Unlock()
	return nil
}

// SetText replaces the local clipboard and announces it to the server.
func (c *Clipboard) SetText(text string) error {
	c.mu.Lock()
	c.local = text
	out := c.out
	c.mu.Unlock()
	if out == nil {
		return nil
	}
	return out.Send(encodeClip(ClipFormatList, 0, formatList(ClipFormatText)))
}

// RemoteText is the last text the server supplied.
func (c *Clipboard) RemoteText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// RemoteFormats is the last format list the server announced.
func (c *Clipboard) RemoteFormats() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint32(nil), c.formats...)
}

func (c *Clipboard) Receive(data []byte) error {
	msgType, flags, body, err := decodeClip(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.received++
	out := c.out
	local := c.local
	c.mu.Unlock()
	if out == nil {
		return nil
	}

	switch msgType {
	case ClipMonitorReady:
		return out.Send(encodeClip(ClipFormatList, 0, formatList(ClipFormatText)))
	case ClipFormatList:
		formats := make([]uint32, 0, len(body)/4)
		for i := 0; i+4 <= len(body); i += 4 {
			formats = append(formats, binary.LittleEndian.Uint32(body[i:]))
		}
		c.mu.Lock()
		c.formats = formats
		c.mu.Unlock()
		if err := out.Send(encodeClip(ClipFormatListResponse, ClipResponseOK, nil)); err != nil {
			return err
		}
		for _, f := range formats {
			if f == ClipFormatText {
				req := make([]byte, 4)
				binary.LittleEndian.PutUint32(req, ClipFormatText)
				return out.Send(encodeClip(ClipDataRequest, 0, req))
			}
		}
		return nil
	case ClipDataRequest:
		return out.Send(encodeClip(ClipDataResponse, ClipResponseOK, []byte(local)))
	case ClipDataResponse:
		if flags&ClipResponseFail != 0 {
			log.Warn().Msg("cliprdr server failed data request")
			return nil
		}
		c.mu.Lock()
		c.remote = string(body)
		c.mu.Unlock()
		return nil
	case ClipFormatListResponse:
		return nil
	default:
		log.Debug().Uint16("msg_type", msgType).Msg("cliprdr ignoring pdu")
		return nil
	}
}

func (c *Clipboard) Close() {
	c.mu.Lock()
	c.out = nil
	c.mu.Unlock()
}

func formatList(ids ...uint32) []byte {
	out := make([]byte, 4*len(ids))
	for i, id := range ids {
		binary.LittleEndian.PutUint32(out[i*4:], id)
	}
	return out
}

func encodeClip(msgType, flags uint16, body []byte) []byte {
	out := make([]byte, clipHeaderLen+len(body))
	binary.LittleEndian.PutUint16(out[0:2], msgType)
	binary.LittleEndian.PutUint16(out[2:4], flags)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(body)))
	copy(out[clipHeaderLen:], body)
	return out
}

func decodeClip(data []byte) (uint16, uint16, []byte, error) {
	if len(data) < clipHeaderLen {
		return 0, 0, nil, ErrShortClipPDU
	}
	n := binary.LittleEndian.Uint32(data[4:8])
	if uint32(len(data)-clipHeaderLen) < n {
		return 0, 0, nil, fmt.Errorf("%w: body %d < %d", ErrShortClipPDU, len(data)-clipHeaderLen, n)
	}
	return binary.LittleEndian.Uint16(data[0:2]),
		binary.LittleEndian.Uint16(data[2:4]),
		data[clipHeaderLen : clipHeaderLen+int(n)],
		nil
}
