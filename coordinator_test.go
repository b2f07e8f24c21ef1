// coordinator_test.go: Tests for worker pool coordination
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocms

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWorker is an in-process WorkerProcess double.
type fakeWorker struct {
	slot int

	mu   sync.Mutex
	sent []Message

	messages chan Message
	done     chan error
	exitOnce sync.Once

	started      bool
	disconnected bool
	killed       bool

	// silent suppresses the automatic listening announcement.
	silent bool
}

func newFakeWorker(slot int) *fakeWorker {
	return &fakeWorker{
		slot:     slot,
		messages: make(chan Message, 16),
		done:     make(chan error, 1),
	}
}

func (w *fakeWorker) Slot() int { return w.slot }

func (w *fakeWorker) Start(context.Context) error {
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
	if !w.silent {
		w.messages <- &SchedulerInitialized{WorkerID: w.slot, CanExecute: w.slot == ExecutorSlot}
	}
	return nil
}

func (w *fakeWorker) Send(msg Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.disconnected || w.killed {
		return NewWorkerUnavailableError(w.slot)
	}
	w.sent = append(w.sent, msg)
	return nil
}

func (w *fakeWorker) Messages() <-chan Message { return w.messages }

func (w *fakeWorker) Done() <-chan error { return w.done }

func (w *fakeWorker) Handoff(conn net.Conn, msg ConnectionHandoff) error {
	return w.Send(&msg)
}

func (w *fakeWorker) Disconnect() error {
	w.mu.Lock()
	w.disconnected = true
	w.mu.Unlock()
	w.exit(nil)
	return nil
}

func (w *fakeWorker) Kill() error {
	w.mu.Lock()
	w.killed = true
	w.mu.Unlock()
	w.exit(fmt.Errorf("killed"))
	return nil
}

// Crash simulates an unexpected process death.
func (w *fakeWorker) Crash(err error) { w.exit(err) }

// Emit injects an upstream message as if the worker sent it.
func (w *fakeWorker) Emit(msg Message) { w.messages <- msg }

func (w *fakeWorker) exit(err error) {
	w.exitOnce.Do(func() {
		close(w.messages)
		w.done <- err
	})
}

func (w *fakeWorker) sentKinds() []MessageKind {
	w.mu.Lock()
	defer w.mu.Unlock()
	kinds := make([]MessageKind, 0, len(w.sent))
	for _, msg := range w.sent {
		kinds = append(kinds, msg.Kind())
	}
	return kinds
}

// fakeFactory tracks spawned workers per slot.
type fakeFactory struct {
	mu      sync.Mutex
	perSlot map[int][]*fakeWorker
	failFor map[int]int // remaining spawn failures per slot
	silent  bool
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		perSlot: make(map[int][]*fakeWorker),
		failFor: make(map[int]int),
	}
}

func (f *fakeFactory) spawn(slot int) (WorkerProcess, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[slot] > 0 {
		f.failFor[slot]--
		return nil, fmt.Errorf("spawn refused")
	}
	worker := newFakeWorker(slot)
	worker.silent = f.silent
	f.perSlot[slot] = append(f.perSlot[slot], worker)
	return worker, nil
}

func (f *fakeFactory) latest(slot int) *fakeWorker {
	f.mu.Lock()
	defer f.mu.Unlock()
	workers := f.perSlot[slot]
	if len(workers) == 0 {
		return nil
	}
	return workers[len(workers)-1]
}

func (f *fakeFactory) count(slot int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.perSlot[slot])
}

func newTestCoordinator(t *testing.T, factory *fakeFactory, workers int, mutate func(*CoordinatorConfig)) *ProcessCoordinator {
	t.Helper()
	config := CoordinatorConfig{
		WorkerCount:   workers,
		Factory:       factory.spawn,
		DrainInterval: time.Millisecond,
		ListenTimeout: time.Second,
		RestartGrace:  10 * time.Millisecond,
		Logger:        NewTestLogger(),
	}
	if mutate != nil {
		mutate(&config)
	}
	pc, err := NewProcessCoordinator(config)
	require.NoError(t, err)
	return pc
}

func waitAllListening(t *testing.T, pc *ProcessCoordinator, workers int) {
	t.Helper()
	require.Eventually(t, func() bool {
		stats := pc.Stats()
		for _, status := range stats.Workers {
			if status.State != WorkerListening {
				return false
			}
		}
		return len(stats.Workers) == workers
	}, 2*time.Second, 5*time.Millisecond)
}

// TestProcessCoordinator_StartsPool verifies the pool forks one worker per
// slot and reaches listening.
func TestProcessCoordinator_StartsPool(t *testing.T) {
	factory := newFakeFactory()
	pc := newTestCoordinator(t, factory, 4, nil)

	require.NoError(t, pc.Start(context.Background()))
	defer pc.Stop()

	waitAllListening(t, pc, 4)
	for slot := 1; slot <= 4; slot++ {
		assert.Equal(t, 1, factory.count(slot))
	}
}

// TestProcessCoordinator_DoubleStartRejected verifies Start is one-shot.
func TestProcessCoordinator_DoubleStartRejected(t *testing.T) {
	factory := newFakeFactory()
	pc := newTestCoordinator(t, factory, 1, nil)

	require.NoError(t, pc.Start(context.Background()))
	defer pc.Stop()
	require.Error(t, pc.Start(context.Background()))
}

// TestProcessCoordinator_StickyRouting verifies routing is a pure function
// of the client address.
func TestProcessCoordinator_StickyRouting(t *testing.T) {
	factory := newFakeFactory()
	pc := newTestCoordinator(t, factory, 4, nil)

	// Last octet mod 4, slots are 1-based.
	assert.Equal(t, 8%4+1, pc.Route("10.0.0.8:1111"))
	assert.Equal(t, 7%4+1, pc.Route("10.0.0.7:2222"))

	// Same client, different source port, same slot.
	assert.Equal(t, pc.Route("10.0.0.7:1000"), pc.Route("10.0.0.7:9999"))
}

// TestProcessCoordinator_RollingRestart verifies every slot is replaced in
// place, predecessors drain, and routing stays intact.
func TestProcessCoordinator_RollingRestart(t *testing.T) {
	factory := newFakeFactory()
	pc := newTestCoordinator(t, factory, 3, nil)

	require.NoError(t, pc.Start(context.Background()))
	defer pc.Stop()
	waitAllListening(t, pc, 3)

	routeBefore := pc.Route("10.0.0.9:1")
	predecessors := []*fakeWorker{factory.latest(1), factory.latest(2), factory.latest(3)}

	require.NoError(t, pc.RollingRestart(context.Background()))

	for slot := 1; slot <= 3; slot++ {
		assert.Equal(t, 2, factory.count(slot), "slot %d should have exactly one successor", slot)
	}
	for _, predecessor := range predecessors {
		predecessor.mu.Lock()
		disconnected := predecessor.disconnected
		predecessor.mu.Unlock()
		assert.True(t, disconnected, "predecessor %d must drain gracefully", predecessor.slot)
	}

	waitAllListening(t, pc, 3)
	assert.Equal(t, routeBefore, pc.Route("10.0.0.9:1"), "slot identity must survive replacement")
	assert.Equal(t, int64(3), pc.Stats().Replacements)
}

// TestProcessCoordinator_FailedReplacementKeepsPredecessor verifies a slot
// whose successor cannot spawn keeps serving with its current worker.
func TestProcessCoordinator_FailedReplacementKeepsPredecessor(t *testing.T) {
	factory := newFakeFactory()
	pc := newTestCoordinator(t, factory, 2, nil)

	require.NoError(t, pc.Start(context.Background()))
	defer pc.Stop()
	waitAllListening(t, pc, 2)

	survivor := factory.latest(1)
	factory.mu.Lock()
	factory.failFor[1] = 1
	factory.mu.Unlock()

	err := pc.RollingRestart(context.Background())
	require.Error(t, err)

	survivor.mu.Lock()
	disconnected := survivor.disconnected
	survivor.mu.Unlock()
	assert.False(t, disconnected, "failed replacement must not drain the predecessor")

	// Slot 2 was still replaced.
	assert.Equal(t, 2, factory.count(2))
	assert.Equal(t, int64(1), pc.Stats().Replacements)
}

// TestProcessCoordinator_CrashRefork verifies a crashed worker is reforked
// into the same slot.
func TestProcessCoordinator_CrashRefork(t *testing.T) {
	factory := newFakeFactory()
	pc := newTestCoordinator(t, factory, 2, nil)

	require.NoError(t, pc.Start(context.Background()))
	defer pc.Stop()
	waitAllListening(t, pc, 2)

	factory.latest(2).Crash(fmt.Errorf("segfault"))

	require.Eventually(t, func() bool {
		return factory.count(2) == 2 && pc.Stats().Reforks == 1
	}, 3*time.Second, 10*time.Millisecond)

	waitAllListening(t, pc, 2)
	assert.Equal(t, 1, pc.Stats().Workers[1].Restarts)
}

// TestProcessCoordinator_BroadcastAndConsolidatedAcks verifies a
// reinitialize broadcast reaches every worker and the acks produce one
// summary line.
func TestProcessCoordinator_BroadcastAndConsolidatedAcks(t *testing.T) {
	factory := newFakeFactory()
	logger := NewTestLogger()
	pc := newTestCoordinator(t, factory, 3, func(c *CoordinatorConfig) {
		c.Logger = logger
	})

	require.NoError(t, pc.Start(context.Background()))
	defer pc.Stop()
	waitAllListening(t, pc, 3)

	pc.BroadcastReinitializeOptions(ConfigSnapshot{ActiveTheme: "darkwind"})

	for slot := 1; slot <= 3; slot++ {
		kinds := factory.latest(slot).sentKinds()
		assert.Contains(t, kinds, KindReinitializeOptions, "slot %d missed the broadcast", slot)
	}

	for slot := 1; slot <= 3; slot++ {
		factory.latest(slot).Emit(&WorkerReady{WorkerID: slot, Action: "reinitialize_options"})
	}
	require.Eventually(t, func() bool {
		return logger.HasMessage("INFO", "Broadcast applied on all workers")
	}, 2*time.Second, 5*time.Millisecond)
}

// TestProcessCoordinator_OptionsUpdatedRebroadcasts verifies a worker's
// options change fans out to the whole pool.
func TestProcessCoordinator_OptionsUpdatedRebroadcasts(t *testing.T) {
	factory := newFakeFactory()
	pc := newTestCoordinator(t, factory, 2, nil)

	require.NoError(t, pc.Start(context.Background()))
	defer pc.Stop()
	waitAllListening(t, pc, 2)

	factory.latest(1).Emit(&OptionsUpdated{
		WorkerID: 1,
		Snapshot: ConfigSnapshot{ActiveTheme: "lightwind"},
	})

	require.Eventually(t, func() bool {
		for slot := 1; slot <= 2; slot++ {
			found := false
			for _, kind := range factory.latest(slot).sentKinds() {
				if kind == KindReinitializeOptions {
					found = true
				}
			}
			if !found {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

// TestProcessCoordinator_FullRestartDelegatesToSupervisor verifies the
// supervisor path never exits the process.
func TestProcessCoordinator_FullRestartDelegatesToSupervisor(t *testing.T) {
	factory := newFakeFactory()
	supervisorCalled := false
	exited := false
	pc := newTestCoordinator(t, factory, 1, func(c *CoordinatorConfig) {
		c.SupervisorPresent = true
		c.RequestSupervisorRestart = func() error {
			supervisorCalled = true
			return nil
		}
		c.Exit = func(int) { exited = true }
	})

	require.NoError(t, pc.Start(context.Background()))
	defer pc.Stop()
	waitAllListening(t, pc, 1)

	pc.FullRestart()
	assert.True(t, supervisorCalled)
	assert.False(t, exited)
}

// TestProcessCoordinator_FullRestartWithoutSupervisor verifies workers
// drain and the process exits.
func TestProcessCoordinator_FullRestartWithoutSupervisor(t *testing.T) {
	factory := newFakeFactory()
	exitCode := -1
	pc := newTestCoordinator(t, factory, 2, func(c *CoordinatorConfig) {
		c.Exit = func(code int) { exitCode = code }
	})

	require.NoError(t, pc.Start(context.Background()))
	waitAllListening(t, pc, 2)

	pc.FullRestart()
	assert.Equal(t, 0, exitCode)
	for slot := 1; slot <= 2; slot++ {
		worker := factory.latest(slot)
		worker.mu.Lock()
		disconnected := worker.disconnected
		worker.mu.Unlock()
		assert.True(t, disconnected)
	}
}

// TestProcessCoordinator_AssignConnection verifies an accepted connection
// is announced to a listening worker.
func TestProcessCoordinator_AssignConnection(t *testing.T) {
	factory := newFakeFactory()
	pc := newTestCoordinator(t, factory, 2, nil)

	require.NoError(t, pc.Start(context.Background()))
	defer pc.Stop()
	waitAllListening(t, pc, 2)

	client, server := net.Pipe()
	defer func() {
		_ = client.Close()
		_ = server.Close()
	}()

	require.NoError(t, pc.AssignConnection(server))
	assert.Equal(t, int64(1), pc.Stats().Handoffs)
}

// TestCoordinatorConfig_Validate covers configuration rejection.
func TestCoordinatorConfig_Validate(t *testing.T) {
	_, err := NewProcessCoordinator(CoordinatorConfig{WorkerCount: 0})
	require.Error(t, err)

	_, err = NewProcessCoordinator(CoordinatorConfig{WorkerCount: 2})
	require.Error(t, err, "factory is required")

	factory := newFakeFactory()
	_, err = NewProcessCoordinator(CoordinatorConfig{
		WorkerCount:       1,
		Factory:           factory.spawn,
		SupervisorPresent: true,
	})
	require.Error(t, err, "supervisor callback required when supervisor present")
}
