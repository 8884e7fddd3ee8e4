package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Invocation is the parsed command line: the session configuration plus
// driver options that never reach the collaborators.
type Invocation struct {
	Settings     Settings
	ProfilePath  string
	StatusAddr   string
	SnapshotPath string
}

// PluginCheck reports whether a channel plugin identifier can be loaded.
type PluginCheck func(name string) bool

// ParseArgs parses args (without the program name) on top of base.
//
// A "-config path" profile is applied first regardless of its position; the
// remaining options then override it in order. When no server token is
// present the result wraps ErrNoConnection.
func ParseArgs(args []string, base Settings, known PluginCheck) (Invocation, error) {
	inv := Invocation{Settings: base.Clone()}
	if len(args) == 0 {
		return inv, ErrNoConnection
	}

	serverSeen := false
	if path, ok, err := findProfile(args); err != nil {
		return Invocation{}, err
	} else if ok {
		s, meta, err := loadProfile(path, inv.Settings)
		if err != nil {
			return Invocation{}, err
		}
		if err := checkPlugins(s.Plugins, known); err != nil {
			return Invocation{}, fmt.Errorf("profile %s: %w", path, err)
		}
		inv.Settings = s
		inv.ProfilePath = path
		serverSeen = meta.IsDefined("server")
	}

	s := &inv.Settings
	for i := 0; i < len(args); i++ {
		arg := args[i]
		value := func() (string, error) {
			i++
			if i >= len(args) {
				return "", fmt.Errorf("%w: %s requires a value", ErrConfiguration, arg)
			}
			return args[i], nil
		}

		switch arg {
		case "-config":
			if _, err := value(); err != nil {
				return Invocation{}, err
			}
		case "-a":
			v, err := value()
			if err != nil {
				return Invocation{}, err
			}
			depth, err := strconv.Atoi(v)
			if err != nil {
				return Invocation{}, fmt.Errorf("%w: color depth %q", ErrConfiguration, v)
			}
			s.Depth = depth
		case "-u":
			v, err := value()
			if err != nil {
				return Invocation{}, err
			}
			s.Username = truncate(v, 255)
		case "-p":
			v, err := value()
			if err != nil {
				return Invocation{}, err
			}
			s.Password = truncate(v, 63)
			s.AutoLogon = true
		case "-g":
			v, err := value()
			if err != nil {
				return Invocation{}, err
			}
			w, h, err := parseGeometry(v, s.Height)
			if err != nil {
				return Invocation{}, err
			}
			s.Width, s.Height = w, h
		case "-t":
			v, err := value()
			if err != nil {
				return Invocation{}, err
			}
			port, err := strconv.Atoi(v)
			if err != nil {
				return Invocation{}, fmt.Errorf("%w: port %q", ErrConfiguration, v)
			}
			s.Port = port
		case "-z":
			s.BulkCompression = true
		case "-x":
			v, err := value()
			if err != nil {
				return Invocation{}, err
			}
			flags, err := ParsePerformance(v)
			if err != nil {
				return Invocation{}, err
			}
			s.PerfFlags = flags
		case "-plugin":
			v, err := value()
			if err != nil {
				return Invocation{}, err
			}
			name := strings.TrimSpace(v)
			if err := checkPlugins([]string{name}, known); err != nil {
				return Invocation{}, err
			}
			s.Plugins = append(s.Plugins, name)
		case "-status":
			v, err := value()
			if err != nil {
				return Invocation{}, err
			}
			inv.StatusAddr = v
		case "-snapshot":
			v, err := value()
			if err != nil {
				return Invocation{}, err
			}
			inv.SnapshotPath = v
		default:
			if strings.HasPrefix(arg, "-") && len(arg) > 1 {
				return Invocation{}, fmt.Errorf("%w: unknown option %s", ErrConfiguration, arg)
			}
			s.Server = truncate(arg, 63)
			serverSeen = true
		}
	}

	if !serverSeen {
		return Invocation{}, ErrNoConnection
	}
	if err := s.Validate(); err != nil {
		return Invocation{}, err
	}
	log.Debug().
		Str("server", s.Address()).
		Str("username", s.Username).
		Int("width", s.Width).
		Int("height", s.Height).
		Strs("plugins", s.Plugins).
		Msg("config.ParseArgs ok")
	return inv, nil
}

func checkPlugins(names []string, known PluginCheck) error {
	if known == nil {
		return nil
	}
	for _, name := range names {
		if !known(name) {
			return fmt.Errorf("%w: unknown channel plugin %q", ErrConfiguration, name)
		}
	}
	return nil
}

func findProfile(args []string) (string, bool, error) {
	for i := 0; i < len(args); i++ {
		if args[i] != "-config" {
			continue
		}
		if i+1 >= len(args) {
			return "", false, fmt.Errorf("%w: -config requires a value", ErrConfiguration)
		}
		return args[i+1], true, nil
	}
	return "", false, nil
}

// parseGeometry accepts "W" or "WxH"; a missing height keeps the current one.
func parseGeometry(raw string, height int) (int, int, error) {
	ws, hs, hasHeight := strings.Cut(strings.TrimSpace(raw), "x")
	w, err := strconv.Atoi(ws)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: geometry %q", ErrConfiguration, raw)
	}
	h := height
	if hasHeight {
		h, err = strconv.Atoi(hs)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: geometry %q", ErrConfiguration, raw)
		}
	}
	if err := ValidateGeometry(w, h); err != nil {
		return 0, 0, err
	}
	return w, h, nil
}

func truncate(v string, max int) string {
	if len(v) <= max {
		return v
	}
	return v[:max]
}
