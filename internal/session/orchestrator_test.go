package session

import (
	"errors"
	"testing"

	"github.com/danmuck/rdpctl/internal/config"
	"github.com/danmuck/rdpctl/internal/fdset"
	"github.com/danmuck/rdpctl/internal/subsystem"
	"github.com/danmuck/rdpctl/internal/testutil/testlog"
	"github.com/danmuck/rdpctl/internal/waiter"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

var handshakeCalls = []string{
	"display.pre_connect",
	"channel.pre_connect",
	"engine.connect",
	"channel.post_connect",
	"display.post_connect",
}

var collectCalls = []string{
	"engine.get_descriptors",
	"display.get_descriptors",
	"channel.get_descriptors",
}

var checkCalls = []string{
	"engine.check_descriptors",
	"display.check_descriptors",
	"channel.check_descriptors",
}

var cleanupCalls = []string{"display.deinit", "engine.deinit"}

func concat(parts ...[]string) []string {
	var out []string
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestRunSuccessfulCallOrder(t *testing.T) {
	testlog.Start(t)
	r := newRig()
	r.engine.reads = []fdset.Descriptor{5}
	r.engine.rounds = 1

	o := r.orchestrator()
	if err := o.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := concat(
		handshakeCalls,
		collectCalls, []string{"wait"}, checkCalls,
		collectCalls,
		cleanupCalls,
	)
	if diff := cmp.Diff(want, r.sessionCalls()); diff != "" {
		t.Fatalf("call order mismatch (-want +got):\n%s", diff)
	}
	if o.State() != StateTerminatedOK {
		t.Fatalf("unexpected terminal state: %s", o.State())
	}
	if o.Iterations() != 1 {
		t.Fatalf("expected 1 iteration, got %d", o.Iterations())
	}
}

func TestRunRejectsEngineVersionMismatchBeforeHandshake(t *testing.T) {
	testlog.Start(t)
	for _, info := range []subsystem.EngineInfo{
		{Version: testEngineInfo.Version + 1, Size: testEngineInfo.Size},
		{Version: testEngineInfo.Version, Size: testEngineInfo.Size - 8},
	} {
		r := newRig()
		r.engine.info = info

		err := r.orchestrator().Run()
		if !errors.Is(err, ErrInitialization) {
			t.Fatalf("info=%s: expected ErrInitialization, got %v", info, err)
		}
		want := []string{"factory.engine", "engine.deinit"}
		if diff := cmp.Diff(want, r.log.calls); diff != "" {
			t.Fatalf("info=%s: calls mismatch (-want +got):\n%s", info, diff)
		}
	}
}

func TestRunEngineFactoryFailureReleasesNothing(t *testing.T) {
	testlog.Start(t)
	r := newRig()
	f := r.factories()
	f.NewEngine = func(config.Settings) (subsystem.Engine, error) {
		return nil, errors.New("no memory")
	}
	o := New(config.Defaults(), f, r, testEngineInfo)
	if err := o.Run(); !errors.Is(err, ErrInitialization) {
		t.Fatalf("expected ErrInitialization, got %v", err)
	}
	if len(r.log.calls) != 0 {
		t.Fatalf("unexpected calls: %v", r.log.calls)
	}
}

func TestCollectOrderAndMax(t *testing.T) {
	testlog.Start(t)
	r := newRig()
	r.engine.reads = []fdset.Descriptor{7}
	r.engine.rounds = 1
	r.display.reads = []fdset.Descriptor{3}
	r.display.writes = []fdset.Descriptor{9}
	r.display.rounds = 1

	if err := r.orchestrator().Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(r.seen) != 1 {
		t.Fatalf("expected one wait, got %d", len(r.seen))
	}
	got := r.seen[0]
	if diff := cmp.Diff([]fdset.Descriptor{7, 3}, got.readable); diff != "" {
		t.Fatalf("readable mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]fdset.Descriptor{9}, got.writable); diff != "" {
		t.Fatalf("writable mismatch (-want +got):\n%s", diff)
	}
	if got.max != 9 {
		t.Fatalf("expected max 9, got %d", got.max)
	}
}

func TestCollectRetainsDuplicatesAcrossAdapters(t *testing.T) {
	testlog.Start(t)
	r := newRig()
	r.engine.reads = []fdset.Descriptor{4}
	r.engine.rounds = 1
	r.channel.reads = []fdset.Descriptor{4}
	r.channel.rounds = 1

	if err := r.orchestrator().Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if diff := cmp.Diff([]fdset.Descriptor{4, 4}, r.seen[0].readable); diff != "" {
		t.Fatalf("readable mismatch (-want +got):\n%s", diff)
	}
}

func TestEmptyCollectionTerminatesWithoutWaiting(t *testing.T) {
	testlog.Start(t)
	r := newRig()

	o := r.orchestrator()
	if err := o.Run(); err != nil {
		t.Fatalf("expected clean termination, got %v", err)
	}
	if r.waits != 0 {
		t.Fatalf("waiter invoked %d times", r.waits)
	}
	for _, call := range checkCalls {
		if r.log.count(call) != 0 {
			t.Fatalf("%s invoked on empty collection", call)
		}
	}
	if o.Iterations() != 0 {
		t.Fatalf("expected no iterations, got %d", o.Iterations())
	}
}

func TestDescriptorZeroIsNotEmpty(t *testing.T) {
	testlog.Start(t)
	r := newRig()
	r.display.reads = []fdset.Descriptor{0}
	r.display.rounds = 1

	if err := r.orchestrator().Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if r.waits != 1 {
		t.Fatalf("expected one wait for fd 0, got %d", r.waits)
	}
}

func TestEngineCheckFailureSkipsLaterAdapters(t *testing.T) {
	testlog.Start(t)
	r := newRig()
	r.engine.reads = []fdset.Descriptor{5}
	r.engine.rounds = 10
	r.engine.checkErr = errors.New("connection reset")

	o := r.orchestrator()
	err := o.Run()
	if !errors.Is(err, ErrRuntimeIO) {
		t.Fatalf("expected ErrRuntimeIO, got %v", err)
	}
	want := concat(
		handshakeCalls,
		collectCalls, []string{"wait", "engine.check_descriptors"},
		cleanupCalls,
	)
	if diff := cmp.Diff(want, r.sessionCalls()); diff != "" {
		t.Fatalf("call order mismatch (-want +got):\n%s", diff)
	}
	if o.State() != StateTerminatedErr {
		t.Fatalf("unexpected state: %s", o.State())
	}
}

func TestBenignInterruptionRewaitsSameSet(t *testing.T) {
	testlog.Start(t)
	r := newRig()
	r.engine.reads = []fdset.Descriptor{5}
	r.engine.writes = []fdset.Descriptor{5}
	r.engine.rounds = 1
	r.outcomes = []waiter.Outcome{waiter.Interrupted, waiter.Ready}
	r.errs = []error{unix.EINTR, nil}

	if err := r.orchestrator().Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := concat(
		handshakeCalls,
		collectCalls, []string{"wait", "wait"}, checkCalls,
		collectCalls,
		cleanupCalls,
	)
	if diff := cmp.Diff(want, r.sessionCalls()); diff != "" {
		t.Fatalf("call order mismatch (-want +got):\n%s", diff)
	}
	if len(r.seen) != 2 {
		t.Fatalf("expected 2 waits, got %d", len(r.seen))
	}
	first, second := r.seen[0], r.seen[1]
	if first.set != second.set {
		t.Fatalf("retry used a different descriptor set")
	}
	if diff := cmp.Diff(first.readable, second.readable); diff != "" {
		t.Fatalf("readable changed between waits:\n%s", diff)
	}
	if diff := cmp.Diff(first.writable, second.writable); diff != "" {
		t.Fatalf("writable changed between waits:\n%s", diff)
	}
}

func TestFatalWaitEndsLoopWithoutDispatch(t *testing.T) {
	testlog.Start(t)
	r := newRig()
	r.engine.reads = []fdset.Descriptor{5}
	r.engine.rounds = 10
	r.outcomes = []waiter.Outcome{waiter.Fatal}
	r.errs = []error{unix.EBADF}

	err := r.orchestrator().Run()
	if !errors.Is(err, ErrRuntimeIO) || !errors.Is(err, unix.EBADF) {
		t.Fatalf("expected wrapped EBADF runtime error, got %v", err)
	}
	for _, call := range checkCalls {
		if r.log.count(call) != 0 {
			t.Fatalf("%s invoked after fatal wait", call)
		}
	}
}

func TestCapacityOverflowIsFatal(t *testing.T) {
	testlog.Start(t)
	r := newRig()
	r.engine.reads = []fdset.Descriptor{3, 4}
	r.engine.rounds = 1
	r.display.reads = []fdset.Descriptor{5}
	r.display.rounds = 1

	err := r.orchestrator(WithCapacity(2, 2)).Run()
	if !errors.Is(err, ErrRuntimeIO) || !errors.Is(err, fdset.ErrCapacityExceeded) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if r.waits != 0 {
		t.Fatalf("waiter invoked after overflow")
	}
	if r.log.count("channel.get_descriptors") != 0 {
		t.Fatalf("collection continued after overflow")
	}
}

func TestCleanupOnceAfterChannelPreConnectFailure(t *testing.T) {
	testlog.Start(t)
	r := newRig()
	r.channel.preErr = errors.New("plugin missing")

	o := r.orchestrator()
	err := o.Run()
	if !errors.Is(err, ErrHandshake) {
		t.Fatalf("expected ErrHandshake, got %v", err)
	}
	o.Cleanup()
	o.Cleanup()

	want := concat([]string{"display.pre_connect", "channel.pre_connect"}, cleanupCalls)
	if diff := cmp.Diff(want, r.sessionCalls()); diff != "" {
		t.Fatalf("call order mismatch (-want +got):\n%s", diff)
	}
	if o.State() != StateTerminatedErr {
		t.Fatalf("unexpected state: %s", o.State())
	}
}

func TestCleanupOnceAfterRuntimeFailure(t *testing.T) {
	testlog.Start(t)
	r := newRig()
	r.display.reads = []fdset.Descriptor{0}
	r.display.rounds = 10
	r.display.checkErr = errors.New("input closed badly")

	o := r.orchestrator()
	if err := o.Run(); !errors.Is(err, ErrRuntimeIO) {
		t.Fatalf("expected ErrRuntimeIO, got %v", err)
	}
	o.Cleanup()

	if r.log.count("display.deinit") != 1 || r.log.count("engine.deinit") != 1 {
		t.Fatalf("cleanup not exactly once: %v", r.log.calls)
	}
	if r.log.count("channel.check_descriptors") != 0 {
		t.Fatalf("channel serviced after display failure")
	}
}

func TestEveryHandshakeFailureIsHandshakeError(t *testing.T) {
	testlog.Start(t)
	boom := errors.New("boom")
	cases := []struct {
		step string
		arm  func(r *rig)
	}{
		{"display.pre_connect", func(r *rig) { r.display.preErr = boom }},
		{"channel.pre_connect", func(r *rig) { r.channel.preErr = boom }},
		{"engine.connect", func(r *rig) { r.engine.connectErr = boom }},
		{"channel.post_connect", func(r *rig) { r.channel.postErr = boom }},
		{"display.post_connect", func(r *rig) { r.display.postErr = boom }},
	}
	for i, tc := range cases {
		r := newRig()
		tc.arm(r)
		err := r.orchestrator().Run()
		if !errors.Is(err, ErrHandshake) || !errors.Is(err, boom) {
			t.Fatalf("%s: expected wrapped handshake error, got %v", tc.step, err)
		}
		want := concat(handshakeCalls[:i+1], cleanupCalls)
		if diff := cmp.Diff(want, r.sessionCalls()); diff != "" {
			t.Fatalf("%s: call order mismatch (-want +got):\n%s", tc.step, diff)
		}
	}
}

func TestRunOnlyOnce(t *testing.T) {
	testlog.Start(t)
	r := newRig()
	o := r.orchestrator()
	if err := o.Run(); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := o.Run(); !errors.Is(err, ErrInitialization) {
		t.Fatalf("expected second run to fail, got %v", err)
	}
	if r.log.count("engine.deinit") != 1 {
		t.Fatalf("engine released more than once")
	}
}

func TestSessionStatusSnapshot(t *testing.T) {
	testlog.Start(t)
	r := newRig()
	r.channel.preErr = errors.New("plugin missing")
	o := r.orchestrator(WithSessionID("fixed-id"))

	before := o.SessionStatus()
	if before.ID != "fixed-id" || before.State != string(StateInit) || before.Ready {
		t.Fatalf("unexpected initial status: %+v", before)
	}
	_ = o.Run()
	after := o.SessionStatus()
	if after.State != string(StateTerminatedErr) || after.Error == "" || after.Ready {
		t.Fatalf("unexpected final status: %+v", after)
	}
	if after.Server != "127.0.0.1:3389" {
		t.Fatalf("unexpected server: %q", after.Server)
	}
}

func TestLoopRefusesToRunBeforeEngineConnects(t *testing.T) {
	testlog.Start(t)
	r := newRig()
	o := r.orchestrator()

	err := o.loop()
	if !errors.Is(err, ErrRuntimeIO) || !errors.Is(err, ErrLifecycleOrder) {
		t.Fatalf("expected lifecycle error from loop, got %v", err)
	}
	if n := r.log.count("engine.get_descriptors"); n != 0 {
		t.Fatalf("loop collected %d times before the handshake", n)
	}
}
