// Package session drives one remote desktop session from handshake to
// teardown.
//
// The Orchestrator owns the engine handle, the ordered adapter list
// (engine, display, channel manager) and the descriptor set. Handshake steps
// run in a fixed order:
//
//	display.pre_connect -> channel.pre_connect -> engine.connect ->
//	channel.post_connect -> display.post_connect
//
// after which the loop collects descriptors, waits for readiness and services
// every adapter in order until an adapter fails, the wait fails, or no adapter
// contributes a descriptor. Cleanup releases the display then the engine
// exactly once on every exit path.
package session
