// Package engine is the protocol engine: it owns the server connection,
// performs the connect exchange, and afterwards services the socket without
// blocking.
//
// A Handle contributes its socket as readable while connected, and as
// writable while PDUs are queued. Once the server disconnects (or closes the
// stream) the handle contributes nothing, which lets the session loop end
// cleanly.
package engine
