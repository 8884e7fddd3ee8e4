package channels

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	ErrNotInitialized = errors.New("channels: not initialized")
	ErrUnknownPlugin  = errors.New("channels: unknown plugin")
)

var (
	mu          sync.RWMutex
	registry    = map[string]Factory{}
	initialized bool
	managers    []*Manager
)

// Register adds or replaces a plugin factory.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = f
}

func Known(name string) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := registry[name]
	return ok
}

func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func lookup(name string) (Factory, error) {
	mu.RLock()
	defer mu.RUnlock()
	if !initialized {
		return nil, ErrNotInitialized
	}
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlugin, name)
	}
	return f, nil
}

// Init prepares the process-wide registry and registers the built-in
// plugins. Repeated calls are no-ops until Deinit.
func Init() error {
	mu.Lock()
	defer mu.Unlock()
	if initialized {
		return nil
	}
	registry[ClipboardName] = func() Plugin { return NewClipboard() }
	registry[SoundName] = func() Plugin { return NewSound() }
	initialized = true
	log.Debug().Int("plugins", len(registry)).Msg("channels.Init")
	return nil
}

// Deinit releases every manager created since Init.
func Deinit() {
	mu.Lock()
	live := managers
	managers = nil
	initialized = false
	mu.Unlock()

	for _, m := range live {
		m.release()
	}
	log.Debug().Int("managers", len(live)).Msg("channels.Deinit")
}

func track(m *Manager) error {
	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		return ErrNotInitialized
	}
	managers = append(managers, m)
	return nil
}
