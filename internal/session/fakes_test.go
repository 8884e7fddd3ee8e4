package session

import (
	"github.com/danmuck/rdpctl/internal/config"
	"github.com/danmuck/rdpctl/internal/fdset"
	"github.com/danmuck/rdpctl/internal/subsystem"
	"github.com/danmuck/rdpctl/internal/waiter"
)

var testEngineInfo = subsystem.EngineInfo{Version: 3, Size: 128}

type callLog struct {
	calls []string
}

func (l *callLog) add(call string) {
	l.calls = append(l.calls, call)
}

func (l *callLog) count(call string) int {
	n := 0
	for _, c := range l.calls {
		if c == call {
			n++
		}
	}
	return n
}

// fakeAdapter stands in for any of the three collaborators. It contributes
// its descriptors for the first `rounds` collections and nothing afterwards.
type fakeAdapter struct {
	name string
	log  *callLog
	info subsystem.EngineInfo

	reads  []fdset.Descriptor
	writes []fdset.Descriptor
	rounds int

	preErr     error
	postErr    error
	connectErr error
	getErr     error
	checkErr   error

	collected int
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) GetDescriptors(set *fdset.Set) error {
	f.log.add(f.name + ".get_descriptors")
	if f.getErr != nil {
		return f.getErr
	}
	f.collected++
	if f.collected > f.rounds {
		return nil
	}
	for _, d := range f.reads {
		if err := set.AddRead(d); err != nil {
			return err
		}
	}
	for _, d := range f.writes {
		if err := set.AddWrite(d); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeAdapter) CheckDescriptors() error {
	f.log.add(f.name + ".check_descriptors")
	return f.checkErr
}

func (f *fakeAdapter) PreConnect() error {
	f.log.add(f.name + ".pre_connect")
	return f.preErr
}

func (f *fakeAdapter) PostConnect() error {
	f.log.add(f.name + ".post_connect")
	return f.postErr
}

func (f *fakeAdapter) Connect() error {
	f.log.add(f.name + ".connect")
	return f.connectErr
}

func (f *fakeAdapter) Info() subsystem.EngineInfo { return f.info }

func (f *fakeAdapter) Deinit() {
	f.log.add(f.name + ".deinit")
}

// rig bundles the fakes for one orchestrator under test.
type rig struct {
	log     *callLog
	engine  *fakeAdapter
	display *fakeAdapter
	channel *fakeAdapter

	outcomes []waiter.Outcome
	errs     []error
	waits    int
	seen     []waitCall
}

type waitCall struct {
	set      *fdset.Set
	readable []fdset.Descriptor
	writable []fdset.Descriptor
	max      fdset.Descriptor
}

func newRig() *rig {
	log := &callLog{}
	return &rig{
		log:     log,
		engine:  &fakeAdapter{name: "engine", log: log, info: testEngineInfo},
		display: &fakeAdapter{name: "display", log: log},
		channel: &fakeAdapter{name: "channel", log: log},
	}
}

func (r *rig) factories() subsystem.Factories {
	return subsystem.Factories{
		NewEngine: func(config.Settings) (subsystem.Engine, error) {
			r.log.add("factory.engine")
			return r.engine, nil
		},
		NewDisplay: func(subsystem.Engine, config.Settings) (subsystem.Display, error) {
			r.log.add("factory.display")
			return r.display, nil
		},
		NewChannels: func(subsystem.Engine, config.Settings) (subsystem.ChannelManager, error) {
			r.log.add("factory.channel")
			return r.channel, nil
		},
	}
}

// Wait replays scripted outcomes; once exhausted it reports Ready.
func (r *rig) Wait(set *fdset.Set) (waiter.Outcome, error) {
	r.log.add("wait")
	r.seen = append(r.seen, waitCall{
		set:      set,
		readable: set.Readable(),
		writable: set.Writable(),
		max:      set.Max(),
	})
	i := r.waits
	r.waits++
	if i < len(r.outcomes) {
		var err error
		if i < len(r.errs) {
			err = r.errs[i]
		}
		return r.outcomes[i], err
	}
	return waiter.Ready, nil
}

func (r *rig) orchestrator(opts ...Option) *Orchestrator {
	return New(config.Defaults(), r.factories(), r, testEngineInfo, opts...)
}

// sessionCalls filters out factory calls so assertions focus on adapter order.
func (r *rig) sessionCalls() []string {
	out := make([]string, 0, len(r.log.calls))
	for _, c := range r.log.calls {
		if len(c) > 8 && c[:8] == "factory." {
			continue
		}
		out = append(out, c)
	}
	return out
}
