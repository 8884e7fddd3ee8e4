package channels

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

const SoundName = "rdpsnd"

// Sound PDU types. Every PDU starts with msgType (u8), a pad byte and
// bodySize (u16), little-endian.
const (
	SndFormats     uint8 = 1
	SndWave        uint8 = 2
	SndWaveConfirm uint8 = 3
	SndClose       uint8 = 4

	sndHeaderLen = 4
)

var ErrShortSoundPDU = errors.New("rdpsnd: short pdu")

// Sound is an audio sink: it accepts the server's formats, acknowledges
// every wave block and accounts for the bytes it would have played.
type Sound struct {
	mu      sync.Mutex
	out     Sender
	formats int
	blocks  int
	bytes   int
	closed  bool
}

func NewSound() *Sound {
	return &Sound{}
}

func (s *Sound) Name() string {
	return SoundName
}

func (s *Sound) Connected(out Sender) error {
	s.mu.Lock()
	s.out = out
	s.mu.Unlock()
	return nil
}

func (s *Sound) Receive(data []byte) error {
	if len(data) < sndHeaderLen {
		return ErrShortSoundPDU
	}
	msgType := data[0]
	size := int(binary.LittleEndian.Uint16(data[2:4]))
	if len(data)-sndHeaderLen < size {
		return ErrShortSoundPDU
	}
	body := data[sndHeaderLen : sndHeaderLen+size]

	s.mu.Lock()
	out := s.out
	s.mu.Unlock()

	switch msgType {
	case SndFormats:
		s.mu.Lock()
		s.formats = size / 2
		s.mu.Unlock()
		if out == nil {
			return nil
		}
		// Accept every offered format by echoing the list back.
		return out.Send(encodeSound(SndFormats, body))
	case SndWave:
		if size < 1 {
			return ErrShortSoundPDU
		}
		s.mu.Lock()
		s.blocks++
		s.bytes += size - 1
		s.mu.Unlock()
		if out == nil {
			return nil
		}
		return out.Send(encodeSound(SndWaveConfirm, body[:1]))
	case SndClose:
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		return nil
	default:
		log.Debug().Uint8("msg_type", msgType).Msg("rdpsnd ignoring pdu")
		return nil
	}
}

// Stats reports wave blocks and audio bytes received.
func (s *Sound) Stats() (blocks, bytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocks, s.bytes
}

func (s *Sound) Close() {
	s.mu.Lock()
	s.out = nil
	s.closed = true
	s.mu.Unlock()
}

func encodeSound(msgType uint8, body []byte) []byte {
	out := make([]byte, sndHeaderLen+len(body))
	out[0] = msgType
	binary.LittleEndian.PutUint16(out[2:4], uint16(len(body)))
	copy(out[sndHeaderLen:], body)
	return out
}

// Closed reports whether the server closed the audio stream.
func (s *Sound) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
