package config

import (
	"errors"
	"fmt"
	"net"
	"os/user"
	"strconv"
	"strings"
)

var (
	ErrConfiguration = errors.New("config: invalid configuration")
	ErrNoConnection  = errors.New("config: no connection requested")
)

const (
	MinDimension = 16
	MaxDimension = 4096
)

// PerfFlags is the performance-flag bitmask sent to the server.
type PerfFlags uint32

const (
	PerfDisableNothing   PerfFlags = 0x00
	PerfNoWallpaper      PerfFlags = 0x01
	PerfNoFullWindowDrag PerfFlags = 0x02
	PerfNoMenuAnimations PerfFlags = 0x04
	PerfNoTheming        PerfFlags = 0x08
	PerfNoCursorShadow   PerfFlags = 0x20
	PerfNoCursorSettings PerfFlags = 0x40
)

const (
	PresetModem     = PerfNoWallpaper | PerfNoFullWindowDrag | PerfNoMenuAnimations | PerfNoTheming
	PresetBroadband = PerfNoWallpaper
	PresetLAN       = PerfDisableNothing
	PresetDefault   = PerfNoWallpaper | PerfNoFullWindowDrag | PerfNoMenuAnimations
)

func (f PerfFlags) String() string {
	return fmt.Sprintf("0x%02x", uint32(f))
}

// ParsePerformance resolves a named preset ("modem", "broadband", "lan",
// matched on the first letter) or an explicit hexadecimal mask.
func ParsePerformance(raw string) (PerfFlags, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case v == "":
		return 0, fmt.Errorf("%w: empty performance flags", ErrConfiguration)
	case strings.HasPrefix(v, "m"):
		return PresetModem, nil
	case strings.HasPrefix(v, "b"):
		return PresetBroadband, nil
	case strings.HasPrefix(v, "l"):
		return PresetLAN, nil
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(v, "0x"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: performance flags %q: %v", ErrConfiguration, raw, err)
	}
	return PerfFlags(n), nil
}

// Settings is the Session Configuration.
type Settings struct {
	Hostname          string
	Server            string
	Port              int
	Username          string
	Password          string
	AutoLogon         bool
	Width             int
	Height            int
	Depth             int
	Encryption        bool
	BitmapCache       bool
	BitmapCompression bool
	DesktopSave       bool
	OffscreenBitmaps  bool
	Triblt            bool
	NewCursors        bool
	RDPVersion        int
	PerfFlags         PerfFlags
	BulkCompression   bool
	KeyboardLayout    uint32
	Plugins           []string
}

// lookupUser is swapped in tests.
var lookupUser = user.Current

// Defaults returns the reference client defaults. The username is the
// current OS user when it can be resolved.
func Defaults() Settings {
	s := Settings{
		Hostname:          "test",
		Server:            "127.0.0.1",
		Port:              3389,
		Username:          "guest",
		Width:             1024,
		Height:            768,
		Depth:             16,
		Encryption:        true,
		BitmapCache:       true,
		BitmapCompression: true,
		DesktopSave:       false,
		OffscreenBitmaps:  true,
		Triblt:            false,
		NewCursors:        true,
		RDPVersion:        5,
		PerfFlags:         PresetDefault,
		KeyboardLayout:    0x409,
	}
	if u, err := lookupUser(); err == nil && strings.TrimSpace(u.Username) != "" {
		s.Username = u.Username
	}
	return s
}

// Validate checks bounds the collaborators depend on.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.Server) == "" {
		return fmt.Errorf("%w: missing server", ErrConfiguration)
	}
	if err := ValidateGeometry(s.Width, s.Height); err != nil {
		return err
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrConfiguration, s.Port)
	}
	switch s.Depth {
	case 8, 15, 16, 24, 32:
	default:
		return fmt.Errorf("%w: unsupported color depth %d", ErrConfiguration, s.Depth)
	}
	for i, p := range s.Plugins {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("%w: plugin[%d] empty", ErrConfiguration, i)
		}
	}
	return nil
}

// ValidateGeometry enforces [MinDimension, MaxDimension] on both axes.
func ValidateGeometry(width, height int) error {
	if width < MinDimension || height < MinDimension || width > MaxDimension || height > MaxDimension {
		return fmt.Errorf("%w: geometry %dx%d outside [%d,%d]", ErrConfiguration, width, height, MinDimension, MaxDimension)
	}
	return nil
}

// Clone returns a deep copy.
func (s Settings) Clone() Settings {
	out := s
	if s.Plugins != nil {
		out.Plugins = append([]string(nil), s.Plugins...)
	}
	return out
}

// Redacted returns a copy safe to log.
func (s Settings) Redacted() Settings {
	out := s.Clone()
	if out.Password != "" {
		out.Password = "***"
	}
	return out
}

// Address returns server:port.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Server, strconv.Itoa(s.Port))
}
