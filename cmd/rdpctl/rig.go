package main

import (
	"fmt"
	"sync"

	"github.com/danmuck/rdpctl/internal/channels"
	"github.com/danmuck/rdpctl/internal/config"
	"github.com/danmuck/rdpctl/internal/display"
	"github.com/danmuck/rdpctl/internal/engine"
	"github.com/danmuck/rdpctl/internal/subsystem"
)

// rig builds the concrete engine, display and channel manager for one
// session and keeps the engine handle reachable for signal handling.
type rig struct {
	engineOpts  []engine.Option
	displayOpts []display.Option
	expected    subsystem.EngineInfo

	mu     sync.Mutex
	handle *engine.Handle
}

func newRig(inv config.Invocation, displayOpts ...display.Option) *rig {
	opts := []display.Option{}
	if inv.SnapshotPath != "" {
		opts = append(opts, display.WithSnapshot(inv.SnapshotPath))
	}
	return &rig{
		displayOpts: append(opts, displayOpts...),
		expected:    engine.Expected(),
	}
}

func (r *rig) factories() subsystem.Factories {
	return subsystem.Factories{
		NewEngine: func(settings config.Settings) (subsystem.Engine, error) {
			h, err := engine.New(settings, r.engineOpts...)
			if err != nil {
				return nil, err
			}
			r.mu.Lock()
			r.handle = h
			r.mu.Unlock()
			return h, nil
		},
		NewDisplay: func(e subsystem.Engine, settings config.Settings) (subsystem.Display, error) {
			host, ok := e.(display.Host)
			if !ok {
				return nil, fmt.Errorf("display: engine %T cannot host a display", e)
			}
			return display.New(host, settings, r.displayOpts...)
		},
		NewChannels: func(e subsystem.Engine, settings config.Settings) (subsystem.ChannelManager, error) {
			host, ok := e.(channels.Host)
			if !ok {
				return nil, fmt.Errorf("channels: engine %T cannot host channels", e)
			}
			return channels.NewManager(host, settings)
		},
	}
}

func (r *rig) disconnect() {
	r.mu.Lock()
	h := r.handle
	r.mu.Unlock()
	if h != nil {
		h.RequestDisconnect()
	}
}
