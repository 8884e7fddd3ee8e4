package display

import (
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/rdpctl/internal/config"
	"github.com/danmuck/rdpctl/internal/engine"
	"github.com/danmuck/rdpctl/internal/fdset"
	"github.com/danmuck/rdpctl/internal/protocol/pdu"
	"github.com/danmuck/rdpctl/internal/subsystem"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

var ErrNoSurface = errors.New("display: no surface")

// Host is the part of the engine the display drives.
type Host interface {
	RegisterUI(ui engine.UpdateSink)
	SendInput(ev pdu.InputEvent) error
	Connected() bool
	Geometry() (int, int)
}

type Display struct {
	host     Host
	settings config.Settings

	inputFD      int
	inputFlags   int
	inputNonblk  bool
	inputEOF     bool
	snapshotPath string

	surface *Surface
	updates int

	deinitOnce sync.Once
}

var _ subsystem.Display = (*Display)(nil)
var _ engine.UpdateSink = (*Display)(nil)

type Option func(*Display)

// WithInput reads key input from fd. A negative fd disables input.
func WithInput(fd int) Option {
	return func(d *Display) {
		d.inputFD = fd
	}
}

// WithSnapshot writes the final framebuffer to path as PPM on Deinit.
func WithSnapshot(path string) Option {
	return func(d *Display) {
		d.snapshotPath = path
	}
}

func New(host Host, settings config.Settings, opts ...Option) (*Display, error) {
	if host == nil {
		return nil, errors.New("display: nil engine host")
	}
	d := &Display{
		host:     host,
		settings: settings.Clone(),
		inputFD:  0,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *Display) Name() string {
	return "display"
}

func (d *Display) Surface() *Surface {
	return d.surface
}

// Updates counts bitmap updates applied to the surface.
func (d *Display) Updates() int {
	return d.updates
}

// PreConnect allocates the surface and registers as the engine UI sink.
func (d *Display) PreConnect() error {
	if err := config.ValidateGeometry(d.settings.Width, d.settings.Height); err != nil {
		return err
	}
	s, err := NewSurface(d.settings.Width, d.settings.Height, d.settings.Depth)
	if err != nil {
		return err
	}
	d.surface = s
	d.host.RegisterUI(d)
	log.Debug().
		Int("width", s.Width).
		Int("height", s.Height).
		Int("depth", s.Depth).
		Msg("display.Display.PreConnect surface ready")
	return nil
}

// PostConnect adopts the server geometry and puts the input descriptor in
// nonblocking mode.
func (d *Display) PostConnect() error {
	if d.surface == nil {
		return ErrNoSurface
	}
	w, h := d.host.Geometry()
	if w != d.surface.Width || h != d.surface.Height {
		if err := config.ValidateGeometry(w, h); err != nil {
			return fmt.Errorf("display: server geometry: %w", err)
		}
		s, err := NewSurface(w, h, d.settings.Depth)
		if err != nil {
			return err
		}
		d.surface = s
		log.Info().Int("width", w).Int("height", h).Msg("display.Display.PostConnect resized surface")
	}
	if d.inputFD < 0 {
		return nil
	}
	flags, err := unix.FcntlInt(uintptr(d.inputFD), unix.F_GETFL, 0)
	if err != nil {
		return fmt.Errorf("display: input flags: %w", err)
	}
	d.inputFlags = flags
	if err := unix.SetNonblock(d.inputFD, true); err != nil {
		return fmt.Errorf("display: input nonblock: %w", err)
	}
	d.inputNonblk = true
	return nil
}

func (d *Display) GetDescriptors(set *fdset.Set) error {
	if d.inputFD < 0 || d.inputEOF || !d.host.Connected() {
		return nil
	}
	return set.AddRead(fdset.Descriptor(d.inputFD))
}

// CheckDescriptors forwards pending input bytes as key press/release pairs.
func (d *Display) CheckDescriptors() error {
	if d.inputFD < 0 || d.inputEOF || !d.host.Connected() {
		return nil
	}
	var buf [256]byte
	for {
		n, err := unix.Read(d.inputFD, buf[:])
		switch {
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			return fmt.Errorf("display: read input: %w", err)
		case n == 0:
			d.inputEOF = true
			log.Info().Msg("display.Display input closed")
			return nil
		}
		for _, b := range buf[:n] {
			if err := d.sendKey(b); err != nil {
				return err
			}
		}
	}
}

func (d *Display) sendKey(b byte) error {
	press := pdu.InputEvent{Type: pdu.InputUnicode, Code: uint16(b)}
	if err := d.host.SendInput(press); err != nil {
		return fmt.Errorf("display: send key: %w", err)
	}
	release := press
	release.Flags = pdu.KeyRelease
	if err := d.host.SendInput(release); err != nil {
		return fmt.Errorf("display: send key: %w", err)
	}
	return nil
}

// ApplyBitmap implements engine.UpdateSink.
func (d *Display) ApplyBitmap(x, y, width, height int, pixels []byte) error {
	if d.surface == nil {
		return ErrNoSurface
	}
	if err := d.surface.Blit(x, y, width, height, pixels); err != nil {
		return err
	}
	d.updates++
	return nil
}

// Deinit restores the input descriptor, writes the optional snapshot and
// drops the surface. Safe to repeat and on a display that never connected.
func (d *Display) Deinit() {
	if d == nil {
		return
	}
	d.deinitOnce.Do(func() {
		if d.inputNonblk {
			if _, err := unix.FcntlInt(uintptr(d.inputFD), unix.F_SETFL, d.inputFlags); err != nil {
				log.Warn().Err(err).Msg("display.Display.Deinit restore input flags failed")
			}
			d.inputNonblk = false
		}
		if d.surface != nil && d.snapshotPath != "" {
			if err := d.surface.SavePPM(d.snapshotPath); err != nil {
				log.Error().Err(err).Str("path", d.snapshotPath).Msg("display.Display.Deinit snapshot failed")
			} else {
				log.Info().Str("path", d.snapshotPath).Int("updates", d.updates).Msg("display.Display.Deinit snapshot written")
			}
		}
		d.surface = nil
	})
}
