package engine

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/danmuck/rdpctl/internal/config"
	"github.com/danmuck/rdpctl/internal/fdset"
	"github.com/danmuck/rdpctl/internal/observability"
	"github.com/danmuck/rdpctl/internal/protocol/frame"
	"github.com/danmuck/rdpctl/internal/protocol/pdu"
	"github.com/danmuck/rdpctl/internal/protocol/schema"
	"github.com/danmuck/rdpctl/internal/subsystem"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// InterfaceVersion is bumped whenever the Handle contract changes.
const InterfaceVersion uint32 = 1

const (
	DefaultDialTimeout      = 10 * time.Second
	DefaultHandshakeTimeout = 15 * time.Second

	// MaxChannels matches the protocol limit on static virtual channels.
	MaxChannels = 30
	// firstChannelID is the id proposed for the first registered channel.
	firstChannelID uint16 = 1004

	readChunk = 64 * 1024
)

var (
	ErrNotConnected      = errors.New("engine: not connected")
	ErrAlreadyConnected  = errors.New("engine: already connected")
	ErrChannelRegistered = errors.New("engine: channel already registered")
	ErrTooManyChannels   = errors.New("engine: too many channels")
	ErrUnexpectedPDU     = errors.New("engine: unexpected pdu")
	ErrProtocol          = errors.New("engine: protocol error")
)

// UpdateSink receives screen updates. The display registers itself as the
// sink before connect.
type UpdateSink interface {
	ApplyBitmap(x, y, width, height int, pixels []byte) error
}

// ChannelRouter receives inbound virtual channel data.
type ChannelRouter interface {
	Deliver(channelID uint16, data []byte) error
}

type connState int

const (
	stateIdle connState = iota
	stateConnected
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateConnected:
		return "connected"
	default:
		return "closed"
	}
}

// Handle is the engine handle owned by the session orchestrator.
type Handle struct {
	settings config.Settings

	dialTimeout      time.Duration
	handshakeTimeout time.Duration

	state   connState
	conn    net.Conn
	fd      int
	seq     uint64
	inbuf   []byte
	out     outbox
	closing bool
	peerEOF bool

	shareID uint32
	width   int
	height  int

	channels []pdu.ChannelDef
	ui       UpdateSink
	router   ChannelRouter

	// wake carries disconnect requests from other goroutines.
	wakeMu       sync.Mutex
	wakeR, wakeW int

	info       subsystem.EngineInfo
	deinitOnce sync.Once
}

var _ subsystem.Engine = (*Handle)(nil)

type Option func(*Handle)

func WithDialTimeout(d time.Duration) Option {
	return func(h *Handle) {
		if d > 0 {
			h.dialTimeout = d
		}
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(h *Handle) {
		if d > 0 {
			h.handshakeTimeout = d
		}
	}
}

// Expected is the version/size pair this build of the orchestrator accepts.
// It is computed from the type, while Info reports what New stamped on the
// handle, so a handle from a different engine build fails the check.
func Expected() subsystem.EngineInfo {
	return subsystem.EngineInfo{
		Version: InterfaceVersion,
		Size:    uint32(unsafe.Sizeof(Handle{})),
	}
}

// New allocates a handle for settings. Nothing touches the network until
// Connect.
func New(settings config.Settings, opts ...Option) (*Handle, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("engine: wake pipe: %w", err)
	}
	h := &Handle{
		settings:         settings.Clone(),
		dialTimeout:      DefaultDialTimeout,
		handshakeTimeout: DefaultHandshakeTimeout,
		fd:               -1,
		wakeR:            p[0],
		wakeW:            p[1],
		width:            settings.Width,
		height:           settings.Height,
	}
	h.info = subsystem.EngineInfo{
		Version: InterfaceVersion,
		Size:    uint32(unsafe.Sizeof(*h)),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *Handle) Name() string {
	return "engine"
}

// Info is the version/size pair recorded when the handle was built.
func (h *Handle) Info() subsystem.EngineInfo {
	return h.info
}

func (h *Handle) Connected() bool {
	return h != nil && h.state == stateConnected
}

// Geometry is the desktop size confirmed by the server, or the requested
// size before connect.
func (h *Handle) Geometry() (int, int) {
	return h.width, h.height
}

func (h *Handle) ShareID() uint32 {
	return h.shareID
}

// RegisterChannel announces a virtual channel. Only valid before Connect.
func (h *Handle) RegisterChannel(name string) error {
	if h.state != stateIdle {
		return fmt.Errorf("%w: register %q after connect", ErrAlreadyConnected, name)
	}
	for _, ch := range h.channels {
		if ch.Name == name {
			return fmt.Errorf("%w: %q", ErrChannelRegistered, name)
		}
	}
	if len(h.channels) >= MaxChannels {
		return fmt.Errorf("%w: limit %d", ErrTooManyChannels, MaxChannels)
	}
	h.channels = append(h.channels, pdu.ChannelDef{
		Name: name,
		ID:   firstChannelID + uint16(len(h.channels)),
	})
	return nil
}

// ChannelID returns the id bound to name. Ids are final after Connect.
func (h *Handle) ChannelID(name string) (uint16, bool) {
	for _, ch := range h.channels {
		if ch.Name == name {
			return ch.ID, true
		}
	}
	return 0, false
}

func (h *Handle) RegisterUI(ui UpdateSink) {
	h.ui = ui
}

func (h *Handle) SetChannelRouter(r ChannelRouter) {
	h.router = r
}

// Connect dials the server, exchanges connect request and confirm under a
// deadline, then switches the socket to nonblocking service.
func (h *Handle) Connect() error {
	if h.state != stateIdle {
		return ErrAlreadyConnected
	}
	addr := h.settings.Address()
	conn, err := net.DialTimeout("tcp", addr, h.dialTimeout)
	if err != nil {
		return fmt.Errorf("engine: dial %s: %w", addr, err)
	}
	if err := h.exchange(conn); err != nil {
		_ = conn.Close()
		return err
	}
	fd, err := rawFD(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = conn.Close()
		return fmt.Errorf("engine: nonblock: %w", err)
	}
	h.conn = conn
	h.fd = fd
	h.state = stateConnected
	log.Info().
		Str("server", addr).
		Uint32("share_id", h.shareID).
		Int("width", h.width).
		Int("height", h.height).
		Int("channels", len(h.channels)).
		Msg("engine.Handle.Connect connected")
	return nil
}

func (h *Handle) exchange(conn net.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(h.handshakeTimeout)); err != nil {
		return err
	}
	raw, err := pdu.EncodeConnectRequest(h.nextSeq(), h.connectRequest())
	if err != nil {
		return fmt.Errorf("engine: encode connect request: %w", err)
	}
	if _, err := conn.Write(raw); err != nil {
		return fmt.Errorf("engine: send connect request: %w", err)
	}
	observability.RecordPDU("out", schema.Name(schema.MsgConnectRequest))

	f, err := frame.ReadFrame(conn, frame.DefaultLimits())
	if err != nil {
		return fmt.Errorf("engine: read connect confirm: %w", err)
	}
	observability.RecordPDU("in", schema.Name(f.Header.MessageType))
	switch f.Header.MessageType {
	case schema.MsgConnectConfirm:
	case schema.MsgError:
		notice, err := pdu.DecodeError(f)
		if err != nil {
			return err
		}
		return fmt.Errorf("engine: connect refused: %w", notice)
	case schema.MsgDisconnect:
		d, err := pdu.DecodeDisconnect(f)
		if err != nil {
			return err
		}
		return fmt.Errorf("engine: connect refused: %s", d.Reason)
	default:
		return fmt.Errorf("%w: %s during connect", ErrUnexpectedPDU, schema.Name(f.Header.MessageType))
	}

	confirm, err := pdu.DecodeConnectConfirm(f)
	if err != nil {
		return err
	}
	h.shareID = confirm.ShareID
	if confirm.Width != 0 && confirm.Height != 0 {
		if int(confirm.Width) != h.width || int(confirm.Height) != h.height {
			log.Warn().
				Int("requested_width", h.width).
				Int("requested_height", h.height).
				Uint16("width", confirm.Width).
				Uint16("height", confirm.Height).
				Msg("engine.Handle.Connect server changed geometry")
		}
		h.width = int(confirm.Width)
		h.height = int(confirm.Height)
	}
	for _, def := range confirm.Channels {
		for i := range h.channels {
			if h.channels[i].Name == def.Name {
				h.channels[i].ID = def.ID
			}
		}
	}
	return conn.SetDeadline(time.Time{})
}

func (h *Handle) connectRequest() pdu.ConnectRequest {
	s := h.settings
	var flags uint32
	set := func(on bool, bit uint32) {
		if on {
			flags |= bit
		}
	}
	set(s.Encryption, pdu.FlagEncryption)
	set(s.BitmapCache, pdu.FlagBitmapCache)
	set(s.BitmapCompression, pdu.FlagBitmapCompression)
	set(s.DesktopSave, pdu.FlagDesktopSave)
	set(s.OffscreenBitmaps, pdu.FlagOffscreenBitmaps)
	set(s.Triblt, pdu.FlagTriblt)
	set(s.NewCursors, pdu.FlagNewCursors)
	set(s.BulkCompression, pdu.FlagBulkCompression)

	channels := make([]pdu.ChannelDef, len(h.channels))
	copy(channels, h.channels)
	return pdu.ConnectRequest{
		Username:  s.Username,
		Password:  s.Password,
		Hostname:  s.Hostname,
		AutoLogon: s.AutoLogon,
		Width:     uint16(s.Width),
		Height:    uint16(s.Height),
		Depth:     uint8(s.Depth),
		Version:   uint8(s.RDPVersion),
		Flags:     flags,
		PerfFlags: uint32(s.PerfFlags),
		Keyboard:  s.KeyboardLayout,
		Channels:  channels,
	}
}

func (h *Handle) GetDescriptors(set *fdset.Set) error {
	if h.state != stateConnected {
		return nil
	}
	if err := set.AddRead(fdset.Descriptor(h.fd)); err != nil {
		return err
	}
	if err := set.AddRead(fdset.Descriptor(h.wakeR)); err != nil {
		return err
	}
	if !h.out.empty() {
		return set.AddWrite(fdset.Descriptor(h.fd))
	}
	return nil
}

// CheckDescriptors drains the socket, dispatches complete PDUs and flushes
// queued output. It never blocks.
func (h *Handle) CheckDescriptors() error {
	if h.state != stateConnected {
		return nil
	}
	h.drainWake()
	if err := h.readAvailable(); err != nil {
		return err
	}
	if err := h.dispatchFrames(); err != nil {
		return err
	}
	if h.state != stateConnected {
		return nil
	}
	if h.peerEOF {
		h.close("server closed stream")
		return nil
	}
	if err := h.flush(); err != nil {
		return err
	}
	if h.closing && h.out.empty() {
		h.close("client disconnect")
	}
	return nil
}

func (h *Handle) readAvailable() error {
	buf := make([]byte, readChunk)
	for {
		n, err := unix.Read(h.fd, buf)
		switch {
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			return fmt.Errorf("engine: read: %w", err)
		case n == 0:
			// Frames already buffered are still dispatched.
			h.peerEOF = true
			return nil
		}
		h.inbuf = append(h.inbuf, buf[:n]...)
		if n < len(buf) {
			return nil
		}
	}
}

func (h *Handle) dispatchFrames() error {
	for len(h.inbuf) > 0 && h.state == stateConnected {
		f, n, err := frame.Parse(h.inbuf, frame.DefaultLimits())
		if errors.Is(err, frame.ErrIncomplete) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		h.inbuf = h.inbuf[n:]
		observability.RecordPDU("in", schema.Name(f.Header.MessageType))
		if err := h.handle(f); err != nil {
			return err
		}
	}
	if len(h.inbuf) == 0 {
		h.inbuf = nil
	}
	return nil
}

func (h *Handle) handle(f frame.Frame) error {
	switch f.Header.MessageType {
	case schema.MsgBitmapUpdate:
		b, err := pdu.DecodeBitmapUpdate(f)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		if h.ui == nil {
			return nil
		}
		return h.ui.ApplyBitmap(int(b.X), int(b.Y), int(b.Width), int(b.Height), b.Pixels)
	case schema.MsgChannelData:
		d, err := pdu.DecodeChannelData(f)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		if h.router == nil {
			log.Debug().Uint16("channel_id", d.ChannelID).Msg("engine.Handle no channel router; dropping data")
			return nil
		}
		return h.router.Deliver(d.ChannelID, d.Data)
	case schema.MsgDisconnect:
		d, err := pdu.DecodeDisconnect(f)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		h.close("server: " + d.Reason)
		return nil
	case schema.MsgError:
		notice, err := pdu.DecodeError(f)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		return fmt.Errorf("engine: %w", notice)
	default:
		log.Debug().Str("message", schema.Name(f.Header.MessageType)).Msg("engine.Handle ignoring pdu")
		return nil
	}
}

func (h *Handle) flush() error {
	for !h.out.empty() {
		n, err := unix.Write(h.fd, h.out.head())
		switch {
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			return fmt.Errorf("engine: write: %w", err)
		}
		h.out.advance(n)
	}
	return nil
}

func (h *Handle) enqueue(messageType uint16, raw []byte) {
	h.out.push(raw)
	observability.RecordPDU("out", schema.Name(messageType))
}

// SendInput queues an input event for the next flush. Input arriving after
// a disconnect request is dropped.
func (h *Handle) SendInput(ev pdu.InputEvent) error {
	if h.state != stateConnected {
		return ErrNotConnected
	}
	if h.closing {
		log.Trace().Uint16("code", ev.Code).Msg("engine.Handle closing; dropping input")
		return nil
	}
	raw, err := pdu.EncodeInputEvent(h.nextSeq(), ev)
	if err != nil {
		return err
	}
	h.enqueue(schema.MsgInputEvent, raw)
	return nil
}

// SendChannelData queues data for a virtual channel. Data queued after a
// disconnect request is dropped.
func (h *Handle) SendChannelData(channelID uint16, data []byte) error {
	if h.state != stateConnected {
		return ErrNotConnected
	}
	if h.closing {
		log.Trace().Uint16("channel_id", channelID).Int("bytes", len(data)).Msg("engine.Handle closing; dropping channel data")
		return nil
	}
	raw, err := pdu.EncodeChannelData(h.nextSeq(), pdu.ChannelData{ChannelID: channelID, Data: data})
	if err != nil {
		return err
	}
	h.enqueue(schema.MsgChannelData, raw)
	return nil
}

// RequestDisconnect asks the session to say goodbye and close. It is safe to
// call from any goroutine, e.g. a signal handler.
func (h *Handle) RequestDisconnect() {
	if h == nil {
		return
	}
	h.wakeMu.Lock()
	defer h.wakeMu.Unlock()
	if h.wakeW < 0 {
		return
	}
	_, _ = unix.Write(h.wakeW, []byte{1})
}

func (h *Handle) drainWake() {
	var buf [16]byte
	requested := false
	for {
		n, err := unix.Read(h.wakeR, buf[:])
		if n > 0 {
			requested = true
		}
		if err != nil || n < len(buf) {
			break
		}
	}
	if !requested || h.closing {
		return
	}
	raw, err := pdu.EncodeDisconnect(h.nextSeq(), pdu.Disconnect{Reason: "user requested"})
	if err != nil {
		log.Error().Err(err).Msg("engine.Handle encode disconnect failed")
		return
	}
	h.enqueue(schema.MsgDisconnect, raw)
	h.closing = true
	log.Info().Msg("engine.Handle disconnect requested")
}

func (h *Handle) close(reason string) {
	if h.conn != nil {
		_ = h.conn.Close()
		h.conn = nil
	}
	h.fd = -1
	h.inbuf = nil
	h.out.reset()
	h.closing = false
	h.state = stateClosed
	log.Info().Str("reason", reason).Msg("engine.Handle closed")
}

// Deinit releases the connection and wake pipe. Safe on a nil or
// never-connected handle, and on repeated calls.
func (h *Handle) Deinit() {
	if h == nil {
		return
	}
	h.deinitOnce.Do(func() {
		if h.conn != nil {
			_ = h.conn.Close()
			h.conn = nil
		}
		h.fd = -1
		h.state = stateClosed
		h.out.reset()
		h.wakeMu.Lock()
		if h.wakeR >= 0 {
			_ = unix.Close(h.wakeR)
		}
		if h.wakeW >= 0 {
			_ = unix.Close(h.wakeW)
		}
		h.wakeR, h.wakeW = -1, -1
		h.wakeMu.Unlock()
		log.Debug().Msg("engine.Handle.Deinit")
	})
}

func (h *Handle) nextSeq() uint64 {
	h.seq++
	return h.seq
}

func rawFD(conn net.Conn) (int, error) {
	sc, ok := conn.(interface {
		SyscallConn() (syscall.RawConn, error)
	})
	if !ok {
		return -1, fmt.Errorf("engine: connection has no raw descriptor")
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := rc.Control(func(raw uintptr) { fd = int(raw) }); err != nil {
		return -1, err
	}
	return fd, nil
}
