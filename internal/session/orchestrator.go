package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/rdpctl/internal/config"
	"github.com/danmuck/rdpctl/internal/fdset"
	"github.com/danmuck/rdpctl/internal/observability"
	"github.com/danmuck/rdpctl/internal/subsystem"
	"github.com/danmuck/rdpctl/internal/waiter"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Orchestrator runs a single session. It is not reusable: Run may be called
// once. Status snapshots may be read from other goroutines.
type Orchestrator struct {
	settings  config.Settings
	factories subsystem.Factories
	waiter    waiter.Waiter
	expected  subsystem.EngineInfo

	readCap  int
	writeCap int

	id string

	mu         sync.RWMutex
	state      State
	iterations uint64
	startedAt  time.Time
	lastErr    error

	engine   subsystem.Engine
	display  subsystem.Display
	channels subsystem.ChannelManager
	adapters []subsystem.Adapter
	set      *fdset.Set

	runOnce     sync.Once
	cleanupOnce sync.Once
}

type Option func(*Orchestrator)

// WithCapacity overrides the per-direction descriptor capacity.
func WithCapacity(read, write int) Option {
	return func(o *Orchestrator) {
		o.readCap = read
		o.writeCap = write
	}
}

func WithSessionID(id string) Option {
	return func(o *Orchestrator) {
		if id != "" {
			o.id = id
		}
	}
}

// New prepares an orchestrator in StateInit. expected is the engine interface
// version and handle size this build was compiled against.
func New(
	settings config.Settings,
	factories subsystem.Factories,
	w waiter.Waiter,
	expected subsystem.EngineInfo,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		settings:  settings.Clone(),
		factories: factories,
		waiter:    w,
		expected:  expected,
		readCap:   fdset.DefaultCapacity,
		writeCap:  fdset.DefaultCapacity,
		id:        uuid.NewString(),
		state:     StateInit,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.set = fdset.New(o.readCap, o.writeCap)
	return o
}

func (o *Orchestrator) ID() string {
	return o.id
}

func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) Iterations() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.iterations
}

// SessionStatus implements observability.StatusSource.
func (o *Orchestrator) SessionStatus() observability.SessionStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st := observability.SessionStatus{
		ID:         o.id,
		State:      string(o.state),
		Server:     o.settings.Address(),
		Ready:      o.state == StateRunning,
		Iterations: o.iterations,
		StartedAt:  o.startedAt,
	}
	if o.lastErr != nil {
		st.Error = o.lastErr.Error()
	}
	return st
}

// Run executes the handshake and the steady-state loop, then cleans up.
// A nil return means the session ended because nothing was left to wait on.
func (o *Orchestrator) Run() error {
	err := fmt.Errorf("%w: orchestrator already ran", ErrInitialization)
	o.runOnce.Do(func() {
		err = o.run()
	})
	return err
}

func (o *Orchestrator) run() error {
	start := time.Now()
	o.mu.Lock()
	o.startedAt = start
	o.mu.Unlock()

	log.Info().
		Str("session_id", o.id).
		Str("server", o.settings.Address()).
		Str("user", o.settings.Username).
		Str("geometry", fmt.Sprintf("%dx%d", o.settings.Width, o.settings.Height)).
		Int("depth", o.settings.Depth).
		Msg("session.Orchestrator.Run start")

	err := o.initialize()
	if err == nil {
		err = o.handshake()
	}
	if err == nil {
		err = o.loop()
	}
	o.Cleanup()
	o.finish(err)
	observability.RecordSessionResult(ResultLabel(err), time.Since(start))
	return err
}

// initialize builds the engine, checks its version/size pair, then builds
// the display and channel manager.
func (o *Orchestrator) initialize() error {
	if o.waiter == nil {
		return fmt.Errorf("%w: no readiness waiter", ErrInitialization)
	}
	if o.factories.NewEngine == nil || o.factories.NewDisplay == nil || o.factories.NewChannels == nil {
		return fmt.Errorf("%w: incomplete subsystem factories", ErrInitialization)
	}

	eng, err := o.factories.NewEngine(o.settings)
	if err != nil {
		return fmt.Errorf("%w: engine: %w", ErrInitialization, err)
	}
	if eng == nil {
		return fmt.Errorf("%w: engine factory returned no handle", ErrInitialization)
	}
	o.engine = eng

	got := eng.Info()
	if got != o.expected {
		log.Error().
			Str("session_id", o.id).
			Stringer("got", got).
			Stringer("want", o.expected).
			Msg("session.Orchestrator.initialize engine version mismatch")
		return fmt.Errorf("%w: engine version mismatch: got %s want %s", ErrInitialization, got, o.expected)
	}

	disp, err := o.factories.NewDisplay(eng, o.settings)
	if err != nil {
		return fmt.Errorf("%w: display: %w", ErrInitialization, err)
	}
	o.display = disp

	ch, err := o.factories.NewChannels(eng, o.settings)
	if err != nil {
		return fmt.Errorf("%w: channels: %w", ErrInitialization, err)
	}
	o.channels = ch

	o.adapters = []subsystem.Adapter{o.engine, o.display, o.channels}
	log.Debug().Str("session_id", o.id).Stringer("engine", got).Msg("session.Orchestrator.initialize ok")
	return nil
}

type handshakeStep struct {
	name string
	to   State
	run  func() error
}

func (o *Orchestrator) handshake() error {
	steps := []handshakeStep{
		{"display.pre_connect", StateDisplayPreconnected, o.display.PreConnect},
		{"channel.pre_connect", StateChannelPreconnected, o.channels.PreConnect},
		{"engine.connect", StateEngineConnected, o.connectEngine},
		{"channel.post_connect", StateChannelPostconnected, o.channels.PostConnect},
		{"display.post_connect", StateRunning, o.display.PostConnect},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			observability.RecordHandshakeStep(step.name, false)
			log.Error().
				Str("session_id", o.id).
				Str("step", step.name).
				Err(err).
				Msg("session.Orchestrator.handshake step failed")
			return fmt.Errorf("%w: %s: %w", ErrHandshake, step.name, err)
		}
		observability.RecordHandshakeStep(step.name, true)
		if err := o.transition(step.to); err != nil {
			return fmt.Errorf("%w: %w", ErrHandshake, err)
		}
		log.Debug().
			Str("session_id", o.id).
			Str("step", step.name).
			Str("state", string(step.to)).
			Msg("session.Orchestrator.handshake step ok")
	}
	log.Info().Str("session_id", o.id).Msg("session.Orchestrator.handshake running")
	return nil
}

func (o *Orchestrator) connectEngine() error {
	log.Info().
		Str("session_id", o.id).
		Str("keyboard_layout", fmt.Sprintf("0x%x", o.settings.KeyboardLayout)).
		Msg("session.Orchestrator.connectEngine")
	return o.engine.Connect()
}

func (o *Orchestrator) loop() error {
	if st := o.State(); !st.EngineValid() {
		return fmt.Errorf("%w: loop entered in state %s: %w", ErrRuntimeIO, st, ErrLifecycleOrder)
	}
	for {
		if err := o.collect(); err != nil {
			log.Error().Str("session_id", o.id).Err(err).Msg("session.Orchestrator.loop collect failed")
			return fmt.Errorf("%w: collect: %w", ErrRuntimeIO, err)
		}
		if o.set.Empty() {
			log.Info().
				Str("session_id", o.id).
				Uint64("iterations", o.Iterations()).
				Msg("session.Orchestrator.loop no descriptors left")
			return nil
		}
		observability.RecordLoopIteration(len(o.set.Readable()), len(o.set.Writable()))

		if err := o.wait(); err != nil {
			return err
		}
		if err := o.dispatch(); err != nil {
			return err
		}

		o.mu.Lock()
		o.iterations++
		o.mu.Unlock()
	}
}

// collect rebuilds the descriptor set in adapter order.
func (o *Orchestrator) collect() error {
	o.set.Reset()
	for _, a := range o.adapters {
		if err := a.GetDescriptors(o.set); err != nil {
			return fmt.Errorf("%s.get_descriptors: %w", a.Name(), err)
		}
	}
	log.Trace().Str("session_id", o.id).Stringer("set", o.set).Msg("session.Orchestrator.collect")
	return nil
}

// wait blocks until the current set is ready. Benign interruptions retry the
// same set without collecting again.
func (o *Orchestrator) wait() error {
	for {
		outcome, err := o.waiter.Wait(o.set)
		observability.RecordWait(outcome.String())
		switch outcome {
		case waiter.Ready:
			return nil
		case waiter.Interrupted:
			log.Debug().Str("session_id", o.id).Err(err).Msg("session.Orchestrator.wait interrupted")
		default:
			if err == nil {
				err = errors.New("unclassified wait failure")
			}
			log.Error().Str("session_id", o.id).Err(err).Msg("session.Orchestrator.wait failed")
			return fmt.Errorf("%w: wait: %w", ErrRuntimeIO, err)
		}
	}
}

// dispatch services every adapter in order. The first failure ends the loop
// and later adapters are skipped for this iteration.
func (o *Orchestrator) dispatch() error {
	for _, a := range o.adapters {
		if err := a.CheckDescriptors(); err != nil {
			log.Error().
				Str("session_id", o.id).
				Str("adapter", a.Name()).
				Err(err).
				Msg("session.Orchestrator.dispatch check failed")
			return fmt.Errorf("%w: %s.check_descriptors: %w", ErrRuntimeIO, a.Name(), err)
		}
	}
	return nil
}

// Cleanup releases the display then the engine. It runs at most once no
// matter how many times it is called, and tolerates collaborators that were
// never created.
func (o *Orchestrator) Cleanup() {
	o.cleanupOnce.Do(func() {
		if o.display != nil {
			o.display.Deinit()
		}
		if o.engine != nil {
			o.engine.Deinit()
		}
		log.Debug().Str("session_id", o.id).Msg("session.Orchestrator.Cleanup done")
	})
}

func (o *Orchestrator) transition(to State) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := nextState(o.state, to); err != nil {
		return err
	}
	o.state = to
	return nil
}

func (o *Orchestrator) finish(err error) {
	to := StateTerminatedOK
	if err != nil {
		to = StateTerminatedErr
	}
	o.mu.Lock()
	o.state = to
	o.lastErr = err
	iterations := o.iterations
	o.mu.Unlock()

	event := log.Info()
	if err != nil {
		event = log.Error().Err(err)
	}
	event.
		Str("session_id", o.id).
		Str("state", string(to)).
		Str("result", ResultLabel(err)).
		Uint64("iterations", iterations).
		Msg("session.Orchestrator.Run finished")
}
