package channels

// Sender queues data for the plugin's channel. Safe for concurrent use; the
// data is flushed on the next service pass of the session loop.
type Sender interface {
	Send(data []byte) error
}

// Plugin is one virtual channel endpoint.
type Plugin interface {
	Name() string
	// Connected is called once the channel id is bound.
	Connected(out Sender) error
	// Receive handles one inbound channel payload. It must not block.
	Receive(data []byte) error
	Close()
}

// Factory builds a fresh plugin instance for one session.
type Factory func() Plugin
