package config

import (
	"errors"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/rdpctl/internal/testutil/testlog"
)

func fixedDefaults(t *testing.T) Settings {
	t.Helper()
	prev := lookupUser
	lookupUser = func() (*user.User, error) { return &user.User{Username: "operator"}, nil }
	t.Cleanup(func() { lookupUser = prev })
	return Defaults()
}

func TestDefaultsMirrorReferenceClient(t *testing.T) {
	testlog.Start(t)
	s := fixedDefaults(t)
	if s.Username != "operator" {
		t.Fatalf("expected os user, got %q", s.Username)
	}
	if s.Port != 3389 || s.Depth != 16 || s.Width != 1024 || s.Height != 768 {
		t.Fatalf("unexpected defaults: %+v", s)
	}
	if s.PerfFlags != PerfNoWallpaper|PerfNoFullWindowDrag|PerfNoMenuAnimations {
		t.Fatalf("unexpected perf flags: %s", s.PerfFlags)
	}
	if !s.Encryption || !s.BitmapCache || !s.BitmapCompression || s.DesktopSave || !s.NewCursors {
		t.Fatalf("unexpected flag defaults: %+v", s)
	}
}

func TestDefaultsFallBackToGuest(t *testing.T) {
	testlog.Start(t)
	prev := lookupUser
	lookupUser = func() (*user.User, error) { return nil, errors.New("no passwd entry") }
	defer func() { lookupUser = prev }()
	if got := Defaults().Username; got != "guest" {
		t.Fatalf("expected guest, got %q", got)
	}
}

func TestParseArgsGeometryAndUser(t *testing.T) {
	testlog.Start(t)
	base := fixedDefaults(t)
	inv, err := ParseArgs([]string{"-g", "800x600", "-u", "alice", "rdp.example"}, base, nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	s := inv.Settings
	if s.Width != 800 || s.Height != 600 || s.Username != "alice" {
		t.Fatalf("unexpected settings: %+v", s)
	}
	if s.Depth != base.Depth || s.Port != base.Port {
		t.Fatalf("depth/port must stay at defaults: depth=%d port=%d", s.Depth, s.Port)
	}
	if s.Server != "rdp.example" {
		t.Fatalf("unexpected server %q", s.Server)
	}
}

func TestParseArgsRejectsNarrowGeometry(t *testing.T) {
	testlog.Start(t)
	_, err := ParseArgs([]string{"-g", "8x8000", "host"}, fixedDefaults(t), nil)
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestParseArgsWidthOnlyKeepsHeight(t *testing.T) {
	testlog.Start(t)
	inv, err := ParseArgs([]string{"-g", "640", "host"}, fixedDefaults(t), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if inv.Settings.Width != 640 || inv.Settings.Height != 768 {
		t.Fatalf("unexpected geometry %dx%d", inv.Settings.Width, inv.Settings.Height)
	}
}

func TestParseArgsMissingValue(t *testing.T) {
	testlog.Start(t)
	for _, opt := range []string{"-a", "-u", "-p", "-g", "-t", "-x", "-plugin", "-config"} {
		_, err := ParseArgs([]string{"host", opt}, fixedDefaults(t), nil)
		if !errors.Is(err, ErrConfiguration) {
			t.Fatalf("%s: expected ErrConfiguration, got %v", opt, err)
		}
	}
}

func TestParseArgsNoServerRequestsNoConnection(t *testing.T) {
	testlog.Start(t)
	if _, err := ParseArgs(nil, fixedDefaults(t), nil); !errors.Is(err, ErrNoConnection) {
		t.Fatalf("expected ErrNoConnection, got %v", err)
	}
	if _, err := ParseArgs([]string{"-z"}, fixedDefaults(t), nil); !errors.Is(err, ErrNoConnection) {
		t.Fatalf("expected ErrNoConnection, got %v", err)
	}
}

func TestParseArgsPasswordImpliesAutoLogon(t *testing.T) {
	testlog.Start(t)
	inv, err := ParseArgs([]string{"-p", "s3cret", "-t", "3390", "-z", "host"}, fixedDefaults(t), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	s := inv.Settings
	if !s.AutoLogon || s.Password != "s3cret" || s.Port != 3390 || !s.BulkCompression {
		t.Fatalf("unexpected settings: %+v", s.Redacted())
	}
	if s.Redacted().Password != "***" {
		t.Fatalf("redacted copy leaks password")
	}
}

func TestParsePerformancePresets(t *testing.T) {
	testlog.Start(t)
	cases := map[string]PerfFlags{
		"modem":     PresetModem,
		"m":         PresetModem,
		"broadband": PerfNoWallpaper,
		"lan":       PerfDisableNothing,
		"6f":        0x6f,
		"0x0F":      0x0f,
	}
	for raw, want := range cases {
		got, err := ParsePerformance(raw)
		if err != nil || got != want {
			t.Fatalf("ParsePerformance(%q)=%s,%v want %s", raw, got, err, want)
		}
	}
	if _, err := ParsePerformance("zz"); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestParseArgsPluginsInOrderAndChecked(t *testing.T) {
	testlog.Start(t)
	known := func(name string) bool { return name == "cliprdr" || name == "rdpsnd" }
	inv, err := ParseArgs([]string{"-plugin", "rdpsnd", "-plugin", "cliprdr", "host"}, fixedDefaults(t), known)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(inv.Settings.Plugins) != 2 || inv.Settings.Plugins[0] != "rdpsnd" || inv.Settings.Plugins[1] != "cliprdr" {
		t.Fatalf("unexpected plugins: %v", inv.Settings.Plugins)
	}
	if _, err := ParseArgs([]string{"-plugin", "drdynvc", "host"}, fixedDefaults(t), known); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for unknown plugin, got %v", err)
	}
}

func TestParseArgsProfileThenOverrides(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "office.toml")
	profile := `server = "office.example"
port = 3390
width = 1280
height = 1024
performance = "lan"
plugins = ["cliprdr"]
`
	if err := os.WriteFile(path, []byte(profile), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	inv, err := ParseArgs([]string{"-u", "bob", "-config", path, "-t", "4000"}, fixedDefaults(t), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	s := inv.Settings
	if s.Server != "office.example" || s.Port != 4000 || s.Width != 1280 || s.Username != "bob" {
		t.Fatalf("unexpected settings: %+v", s)
	}
	if s.PerfFlags != PresetLAN || len(s.Plugins) != 1 {
		t.Fatalf("unexpected profile overlay: %+v", s)
	}
	if inv.ProfilePath != path {
		t.Fatalf("unexpected profile path %q", inv.ProfilePath)
	}
}

func TestParseArgsChecksProfilePlugins(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "plugins.toml")
	profile := `server = "office.example"
plugins = ["cliprdr", "drdynvc"]
`
	if err := os.WriteFile(path, []byte(profile), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	known := func(name string) bool { return name == "cliprdr" || name == "rdpsnd" }

	_, err := ParseArgs([]string{"-config", path}, fixedDefaults(t), known)
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for unknown profile plugin, got %v", err)
	}
	if !strings.Contains(err.Error(), "drdynvc") {
		t.Fatalf("diagnostic should name the plugin: %v", err)
	}
}
