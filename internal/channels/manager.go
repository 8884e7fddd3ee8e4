package channels

import (
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/rdpctl/internal/config"
	"github.com/danmuck/rdpctl/internal/engine"
	"github.com/danmuck/rdpctl/internal/fdset"
	"github.com/danmuck/rdpctl/internal/observability"
	"github.com/danmuck/rdpctl/internal/subsystem"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

var ErrChannelUnbound = errors.New("channels: channel not bound")

// Host is the part of the engine the manager drives.
type Host interface {
	RegisterChannel(name string) error
	ChannelID(name string) (uint16, bool)
	SetChannelRouter(r engine.ChannelRouter)
	SendChannelData(channelID uint16, data []byte) error
	Connected() bool
}

type binding struct {
	name   string
	id     uint16
	plugin Plugin
	m      *Manager

	mu    sync.Mutex
	queue [][]byte
}

func (b *binding) Send(data []byte) error {
	b.mu.Lock()
	b.queue = append(b.queue, append([]byte(nil), data...))
	b.mu.Unlock()
	b.m.wake()
	return nil
}

func (b *binding) take() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.queue
	b.queue = nil
	return out
}

type Manager struct {
	host     Host
	settings config.Settings

	bindings []*binding
	byID     map[uint16]*binding

	wakeMu       sync.Mutex
	wakeR, wakeW int

	releaseOnce sync.Once
}

var _ subsystem.ChannelManager = (*Manager)(nil)
var _ engine.ChannelRouter = (*Manager)(nil)

// NewManager creates the per-session manager. Init must have run.
func NewManager(host Host, settings config.Settings) (*Manager, error) {
	if host == nil {
		return nil, errors.New("channels: nil engine host")
	}
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("channels: wake pipe: %w", err)
	}
	m := &Manager{
		host:     host,
		settings: settings.Clone(),
		byID:     make(map[uint16]*binding),
		wakeR:    p[0],
		wakeW:    p[1],
	}
	if err := track(m); err != nil {
		_ = unix.Close(p[0])
		_ = unix.Close(p[1])
		return nil, err
	}
	return m, nil
}

func (m *Manager) Name() string {
	return "channel"
}

// Plugin returns the loaded plugin for a channel name.
func (m *Manager) Plugin(name string) (Plugin, bool) {
	for _, b := range m.bindings {
		if b.name == name {
			return b.plugin, true
		}
	}
	return nil, false
}

// PreConnect loads every configured plugin, in order, and announces its
// channel to the engine.
func (m *Manager) PreConnect() error {
	for _, name := range m.settings.Plugins {
		f, err := lookup(name)
		if err != nil {
			return err
		}
		if err := m.host.RegisterChannel(name); err != nil {
			return err
		}
		m.bindings = append(m.bindings, &binding{name: name, plugin: f(), m: m})
		log.Debug().Str("plugin", name).Msg("channels.Manager.PreConnect loaded")
	}
	m.host.SetChannelRouter(m)
	return nil
}

// PostConnect binds engine channel ids and notifies plugins.
func (m *Manager) PostConnect() error {
	for _, b := range m.bindings {
		id, ok := m.host.ChannelID(b.name)
		if !ok {
			return fmt.Errorf("%w: %q", ErrChannelUnbound, b.name)
		}
		b.id = id
		m.byID[id] = b
	}
	for _, b := range m.bindings {
		if err := b.plugin.Connected(b); err != nil {
			return fmt.Errorf("channels: %s connected: %w", b.name, err)
		}
		log.Info().Str("plugin", b.name).Uint16("channel_id", b.id).Msg("channels.Manager.PostConnect bound")
	}
	return nil
}

// Deliver implements engine.ChannelRouter.
func (m *Manager) Deliver(channelID uint16, data []byte) error {
	b, ok := m.byID[channelID]
	if !ok {
		log.Debug().Uint16("channel_id", channelID).Msg("channels.Manager.Deliver unbound channel; dropping")
		return nil
	}
	observability.RecordChannelBytes(b.name, "in", len(data))
	if err := b.plugin.Receive(data); err != nil {
		return fmt.Errorf("channels: %s receive: %w", b.name, err)
	}
	return nil
}

func (m *Manager) GetDescriptors(set *fdset.Set) error {
	if len(m.bindings) == 0 || !m.host.Connected() || m.wakeR < 0 {
		return nil
	}
	return set.AddRead(fdset.Descriptor(m.wakeR))
}

// CheckDescriptors drains the wake pipe and flushes plugin output.
func (m *Manager) CheckDescriptors() error {
	if len(m.bindings) == 0 || !m.host.Connected() {
		return nil
	}
	m.drainWake()
	for _, b := range m.bindings {
		for _, data := range b.take() {
			if err := m.host.SendChannelData(b.id, data); err != nil {
				return fmt.Errorf("channels: %s send: %w", b.name, err)
			}
			observability.RecordChannelBytes(b.name, "out", len(data))
		}
	}
	return nil
}

func (m *Manager) wake() {
	m.wakeMu.Lock()
	defer m.wakeMu.Unlock()
	if m.wakeW < 0 {
		return
	}
	_, _ = unix.Write(m.wakeW, []byte{1})
}

func (m *Manager) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(m.wakeR, buf[:])
		if err != nil || n < len(buf) {
			return
		}
	}
}

// release closes plugins and the wake pipe. Only the process-wide Deinit
// calls it.
func (m *Manager) release() {
	m.releaseOnce.Do(func() {
		for _, b := range m.bindings {
			b.plugin.Close()
		}
		m.wakeMu.Lock()
		if m.wakeR >= 0 {
			_ = unix.Close(m.wakeR)
		}
		if m.wakeW >= 0 {
			_ = unix.Close(m.wakeW)
		}
		m.wakeR, m.wakeW = -1, -1
		m.wakeMu.Unlock()
	})
}
