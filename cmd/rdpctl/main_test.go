package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/rdpctl/internal/channels"
	"github.com/danmuck/rdpctl/internal/config"
	"github.com/danmuck/rdpctl/internal/display"
	"github.com/danmuck/rdpctl/internal/logging"
	"github.com/danmuck/rdpctl/internal/protocol/pdu"
	"github.com/danmuck/rdpctl/internal/session"
	"github.com/danmuck/rdpctl/internal/testutil/rdptest"
)

func TestMain(m *testing.M) {
	logging.ConfigureTests()
	os.Exit(m.Run())
}

func TestRunWithoutServerPrintsUsage(t *testing.T) {
	var stderr bytes.Buffer
	if code := run(nil, &stderr); code != session.ExitOK {
		t.Fatalf("exit code: got %d want %d", code, session.ExitOK)
	}
	if !strings.Contains(stderr.String(), "usage: rdpctl") {
		t.Fatalf("expected usage, got %q", stderr.String())
	}
}

func TestRunConfigurationErrors(t *testing.T) {
	cases := map[string][]string{
		"missing value":  {"-u"},
		"unknown option": {"-q", "host"},
		"bad geometry":   {"-g", "8x8", "host"},
		"unknown plugin": {"-plugin", "nope", "host"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			var stderr bytes.Buffer
			if code := run(args, &stderr); code != session.ExitConfiguration {
				t.Fatalf("exit code: got %d want %d (%s)", code, session.ExitConfiguration, stderr.String())
			}
			if !strings.HasPrefix(stderr.String(), "rdpctl: ") {
				t.Fatalf("expected diagnostic, got %q", stderr.String())
			}
		})
	}
}

func TestRunUnreachableServerFails(t *testing.T) {
	var stderr bytes.Buffer
	code := run([]string{"-t", "1", "127.0.0.1"}, &stderr)
	if code != session.ExitFailure {
		t.Fatalf("exit code: got %d want %d", code, session.ExitFailure)
	}
	if !strings.Contains(stderr.String(), "handshake") {
		t.Fatalf("expected handshake diagnostic, got %q", stderr.String())
	}
}

func invocationFor(srv *rdptest.Server) config.Invocation {
	s := config.Defaults()
	s.Server = srv.Host()
	s.Port = srv.Port()
	s.Username = "alice"
	return config.Invocation{Settings: s}
}

func TestRunSessionEndsOnServerDisconnect(t *testing.T) {
	if err := channels.Init(); err != nil {
		t.Fatalf("channels init: %v", err)
	}
	defer channels.Deinit()

	srv := rdptest.NewServer(t)
	inv := invocationFor(srv)
	inv.Settings.Plugins = []string{channels.ClipboardName}
	inv.SnapshotPath = filepath.Join(t.TempDir(), "final.ppm")

	done := srv.Script(func(c *rdptest.Conn) error {
		req, err := c.Accept()
		if err != nil {
			return err
		}
		if len(req.Channels) != 1 || req.Channels[0].Name != channels.ClipboardName {
			t.Errorf("unexpected channels: %+v", req.Channels)
		}
		if err := c.SendBitmap(pdu.BitmapUpdate{X: 0, Y: 0, Width: 2, Height: 1, Pixels: []byte{1, 2, 3, 4}}); err != nil {
			return err
		}
		return c.SendDisconnect("server shutdown")
	})

	if err := runSession(inv, newRig(inv, display.WithInput(-1))); err != nil {
		t.Fatalf("run session: %v", err)
	}
	rdptest.Wait(t, done)

	raw, err := os.ReadFile(inv.SnapshotPath)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if !bytes.HasPrefix(raw, []byte("P6\n")) {
		t.Fatalf("unexpected snapshot header: %q", raw[:8])
	}
}

func TestRigDisconnectSendsGoodbye(t *testing.T) {
	if err := channels.Init(); err != nil {
		t.Fatalf("channels init: %v", err)
	}
	defer channels.Deinit()

	srv := rdptest.NewServer(t)
	inv := invocationFor(srv)
	r := newRig(inv, display.WithInput(-1))

	reasons := make(chan string, 1)
	done := srv.Script(func(c *rdptest.Conn) error {
		if _, err := c.Accept(); err != nil {
			return err
		}
		r.disconnect()
		reason, err := c.ReadUntilClosed()
		reasons <- reason
		return err
	})

	if err := runSession(inv, r); err != nil {
		t.Fatalf("run session: %v", err)
	}
	rdptest.Wait(t, done)
	if got := <-reasons; got != "user requested" {
		t.Fatalf("disconnect reason: got %q", got)
	}
}

func TestRigRejectsForeignEngine(t *testing.T) {
	r := newRig(config.Invocation{})
	f := r.factories()
	if _, err := f.NewDisplay(nil, config.Defaults()); err == nil {
		t.Fatalf("expected display factory to reject a nil engine")
	}
	if _, err := f.NewChannels(nil, config.Defaults()); err == nil {
		t.Fatalf("expected channel factory to reject a nil engine")
	}
	r.disconnect()
}

func TestExampleProfileParses(t *testing.T) {
	if err := channels.Init(); err != nil {
		t.Fatalf("channels init: %v", err)
	}
	defer channels.Deinit()

	inv, err := config.ParseArgs([]string{"-g", "1024x768", "-config", "ex.profile.toml"}, config.Defaults(), channels.Known)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	s := inv.Settings
	if s.Address() != "10.0.0.20:3389" {
		t.Fatalf("address: got %q", s.Address())
	}
	if s.Width != 1024 || s.Height != 768 {
		t.Fatalf("geometry override not applied: %dx%d", s.Width, s.Height)
	}
	if s.Depth != 24 || s.KeyboardLayout != 0x409 || s.PerfFlags != config.PresetBroadband {
		t.Fatalf("unexpected settings: %+v", s.Redacted())
	}
	if len(s.Plugins) != 2 || s.Plugins[0] != channels.ClipboardName {
		t.Fatalf("plugins: %v", s.Plugins)
	}
}

func TestRunSessionRejectsMismatchedEngineBuild(t *testing.T) {
	if err := channels.Init(); err != nil {
		t.Fatalf("channels init: %v", err)
	}
	defer channels.Deinit()

	inv := config.Invocation{Settings: config.Defaults()}
	r := newRig(inv, display.WithInput(-1))
	r.expected.Version++

	err := runSession(inv, r)
	if !errors.Is(err, session.ErrInitialization) {
		t.Fatalf("expected initialization error, got %v", err)
	}
	if r.handle == nil || r.handle.Connected() {
		t.Fatalf("engine must be built and never connected")
	}
}
