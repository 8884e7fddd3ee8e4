// Package subsystem defines the capability contract shared by the session
// orchestrator and the three collaborators it drives.
//
// Ownership boundary:
// - descriptor contribution and servicing (every adapter)
// - handshake hooks (display and channel manager: pre/post connect; engine: connect)
// - release hooks (display and engine)
//
// Implementations live in engine, display and channels. None of them may
// block the calling thread for an unbounded time.
package subsystem
