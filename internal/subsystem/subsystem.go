package subsystem

import (
	"fmt"

	"github.com/danmuck/rdpctl/internal/config"
	"github.com/danmuck/rdpctl/internal/fdset"
)

// Adapter is the uniform steady-state capability of one collaborator.
type Adapter interface {
	Name() string
	// GetDescriptors appends zero or more currently relevant descriptors.
	GetDescriptors(set *fdset.Set) error
	// CheckDescriptors services whatever is ready. It must not block and
	// must be a no-op when nothing is pending.
	CheckDescriptors() error
}

// Connector is a collaborator that participates in the handshake on both
// sides of the engine connect step.
type Connector interface {
	Adapter
	PreConnect() error
	PostConnect() error
}

// Releaser frees per-session resources. Deinit must tolerate repeated calls
// and partially initialized receivers.
type Releaser interface {
	Deinit()
}

// EngineInfo is the interface version and handle size an engine reports.
type EngineInfo struct {
	Version uint32
	Size    uint32
}

func (i EngineInfo) String() string {
	return fmt.Sprintf("v%d s%d", i.Version, i.Size)
}

// Engine is the protocol engine handle.
type Engine interface {
	Adapter
	Releaser
	Info() EngineInfo
	Connect() error
}

// Display is the display/input collaborator.
type Display interface {
	Connector
	Releaser
}

// ChannelManager is the side-channel plugin collaborator. Its per-session
// state is released by the process-wide channel teardown, not by session
// cleanup.
type ChannelManager interface {
	Connector
}

// Factories builds the collaborators for one session. The display and
// channel manager are only constructed after the engine handle is validated.
type Factories struct {
	NewEngine   func(settings config.Settings) (Engine, error)
	NewDisplay  func(engine Engine, settings config.Settings) (Display, error)
	NewChannels func(engine Engine, settings config.Settings) (ChannelManager, error)
}
