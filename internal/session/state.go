package session

import (
	"errors"
	"fmt"
)

var ErrLifecycleOrder = errors.New("session: invalid state transition")

// State tracks handshake progress. Transitions only move forward, except
// into a terminal state which is reachable from anywhere.
type State string

const (
	StateInit                 State = "init"
	StateDisplayPreconnected  State = "display_preconnected"
	StateChannelPreconnected  State = "channel_preconnected"
	StateEngineConnected      State = "engine_connected"
	StateChannelPostconnected State = "channel_postconnected"
	StateRunning              State = "running"
	StateTerminatedOK         State = "terminated_ok"
	StateTerminatedErr        State = "terminated_err"
)

var forward = map[State]State{
	StateInit:                 StateDisplayPreconnected,
	StateDisplayPreconnected:  StateChannelPreconnected,
	StateChannelPreconnected:  StateEngineConnected,
	StateEngineConnected:      StateChannelPostconnected,
	StateChannelPostconnected: StateRunning,
}

func (s State) Terminal() bool {
	return s == StateTerminatedOK || s == StateTerminatedErr
}

// EngineValid reports whether the engine handle may be used in this state.
func (s State) EngineValid() bool {
	return s == StateEngineConnected || s == StateChannelPostconnected || s == StateRunning
}

func nextState(from, to State) error {
	if from.Terminal() {
		return transitionError(from, to)
	}
	if to.Terminal() {
		return nil
	}
	if forward[from] != to {
		return transitionError(from, to)
	}
	return nil
}

func transitionError(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrLifecycleOrder, from, to)
}
