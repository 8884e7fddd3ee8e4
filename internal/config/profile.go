package config

import (
	"fmt"
	"os"
	"strings"

	burnt "github.com/BurntSushi/toml"
	"github.com/pelletier/go-toml/v2"
)

// fileProfile is the on-disk TOML shape of a session profile.
type fileProfile struct {
	Hostname          string   `toml:"hostname"`
	Server            string   `toml:"server"`
	Port              int      `toml:"port"`
	Username          string   `toml:"username"`
	Password          string   `toml:"password,omitempty"`
	Width             int      `toml:"width"`
	Height            int      `toml:"height"`
	Depth             int      `toml:"depth"`
	Encryption        bool     `toml:"encryption"`
	BitmapCache       bool     `toml:"bitmap_cache"`
	BitmapCompression bool     `toml:"bitmap_compression"`
	DesktopSave       bool     `toml:"desktop_save"`
	OffscreenBitmaps  bool     `toml:"offscreen_bitmaps"`
	Triblt            bool     `toml:"triblt"`
	NewCursors        bool     `toml:"new_cursors"`
	RDPVersion        int      `toml:"rdp_version"`
	Performance       string   `toml:"performance"`
	BulkCompression   bool     `toml:"bulk_compression"`
	KeyboardLayout    uint32   `toml:"keyboard_layout"`
	Plugins           []string `toml:"plugins"`
}

// LoadProfile overlays the keys defined in the TOML file at path onto base
// and validates the result geometry and plugin list.
func LoadProfile(path string, base Settings) (Settings, error) {
	s, _, err := loadProfile(path, base)
	return s, err
}

func loadProfile(path string, base Settings) (Settings, burnt.MetaData, error) {
	var raw fileProfile
	meta, err := burnt.DecodeFile(path, &raw)
	if err != nil {
		return Settings{}, meta, fmt.Errorf("%w: load profile %s: %v", ErrConfiguration, path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Settings{}, meta, fmt.Errorf("%w: profile %s: unknown key %q", ErrConfiguration, path, undecoded[0].String())
	}

	s := base.Clone()
	if meta.IsDefined("hostname") {
		s.Hostname = strings.TrimSpace(raw.Hostname)
	}
	if meta.IsDefined("server") {
		s.Server = strings.TrimSpace(raw.Server)
	}
	if meta.IsDefined("port") {
		s.Port = raw.Port
	}
	if meta.IsDefined("username") {
		s.Username = strings.TrimSpace(raw.Username)
	}
	if meta.IsDefined("password") {
		s.Password = raw.Password
		s.AutoLogon = raw.Password != ""
	}
	if meta.IsDefined("width") {
		s.Width = raw.Width
	}
	if meta.IsDefined("height") {
		s.Height = raw.Height
	}
	if meta.IsDefined("depth") {
		s.Depth = raw.Depth
	}
	if meta.IsDefined("encryption") {
		s.Encryption = raw.Encryption
	}
	if meta.IsDefined("bitmap_cache") {
		s.BitmapCache = raw.BitmapCache
	}
	if meta.IsDefined("bitmap_compression") {
		s.BitmapCompression = raw.BitmapCompression
	}
	if meta.IsDefined("desktop_save") {
		s.DesktopSave = raw.DesktopSave
	}
	if meta.IsDefined("offscreen_bitmaps") {
		s.OffscreenBitmaps = raw.OffscreenBitmaps
	}
	if meta.IsDefined("triblt") {
		s.Triblt = raw.Triblt
	}
	if meta.IsDefined("new_cursors") {
		s.NewCursors = raw.NewCursors
	}
	if meta.IsDefined("rdp_version") {
		s.RDPVersion = raw.RDPVersion
	}
	if meta.IsDefined("performance") {
		flags, err := ParsePerformance(raw.Performance)
		if err != nil {
			return Settings{}, meta, err
		}
		s.PerfFlags = flags
	}
	if meta.IsDefined("bulk_compression") {
		s.BulkCompression = raw.BulkCompression
	}
	if meta.IsDefined("keyboard_layout") {
		s.KeyboardLayout = raw.KeyboardLayout
	}
	if meta.IsDefined("plugins") {
		s.Plugins = normalizePlugins(raw.Plugins)
	}

	if err := ValidateGeometry(s.Width, s.Height); err != nil {
		return Settings{}, meta, fmt.Errorf("profile %s: %w", path, err)
	}
	return s, meta, nil
}

// EncodeProfile renders s as a TOML profile. The password is only written
// when includePassword is set.
func EncodeProfile(s Settings, includePassword bool) ([]byte, error) {
	raw := fileProfile{
		Hostname:          s.Hostname,
		Server:            s.Server,
		Port:              s.Port,
		Username:          s.Username,
		Width:             s.Width,
		Height:            s.Height,
		Depth:             s.Depth,
		Encryption:        s.Encryption,
		BitmapCache:       s.BitmapCache,
		BitmapCompression: s.BitmapCompression,
		DesktopSave:       s.DesktopSave,
		OffscreenBitmaps:  s.OffscreenBitmaps,
		Triblt:            s.Triblt,
		NewCursors:        s.NewCursors,
		RDPVersion:        s.RDPVersion,
		Performance:       s.PerfFlags.String(),
		BulkCompression:   s.BulkCompression,
		KeyboardLayout:    s.KeyboardLayout,
		Plugins:           normalizePlugins(s.Plugins),
	}
	if includePassword {
		raw.Password = s.Password
	}
	return toml.Marshal(raw)
}

// WriteProfile writes s to path, refusing to replace an existing file
// unless overwrite is set.
func WriteProfile(path string, s Settings, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("profile already exists: %s", path)
		}
	}
	data, err := EncodeProfile(s, false)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func normalizePlugins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		v := strings.TrimSpace(p)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
