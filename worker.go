// worker.go: Worker process handles and the child-side message loop
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocms

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
)

// WorkerProcess is the coordinator's handle on one spawned worker. The
// message channel carries worker-to-coordinator protocol traffic; Done
// resolves when the process exits.
type WorkerProcess interface {
	// Slot is the worker's stable 1-based pool position.
	Slot() int

	// Start launches the process. It may be called once.
	Start(ctx context.Context) error

	// Send delivers one coordinator-to-worker message.
	Send(msg Message) error

	// Messages streams worker-to-coordinator messages. The channel closes
	// when the worker's output stream ends.
	Messages() <-chan Message

	// Done resolves with the process exit error (nil on clean exit).
	Done() <-chan error

	// Handoff transfers an accepted connection to the worker.
	Handoff(conn net.Conn, msg ConnectionHandoff) error

	// Disconnect asks the worker to drain in-flight work and exit.
	Disconnect() error

	// Kill terminates the process immediately.
	Kill() error
}

// WorkerFactory spawns a worker for a pool slot.
type WorkerFactory func(slot int) (WorkerProcess, error)

// SubprocessConfig describes how to launch worker subprocesses.
type SubprocessConfig struct {
	// Command is the worker executable. Defaults to the current binary.
	Command string

	// Args are passed to the worker executable.
	Args []string

	// Env entries appended to the inherited environment. The worker slot
	// is always appended on top.
	Env []string

	// Logger receives spawn diagnostics.
	Logger Logger
}

// NewSubprocessWorkerFactory returns a factory launching workers as
// subprocesses speaking the newline JSON protocol over stdin/stdout.
func NewSubprocessWorkerFactory(config SubprocessConfig) WorkerFactory {
	if config.Command == "" {
		if exe, err := os.Executable(); err == nil {
			config.Command = exe
		}
	}
	if config.Logger == nil {
		config.Logger = DefaultLogger()
	}
	return func(slot int) (WorkerProcess, error) {
		return newSubprocessWorker(slot, config), nil
	}
}

// subprocessWorker runs one worker as a child process.
type subprocessWorker struct {
	slot   int
	config SubprocessConfig
	logger Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	// handoff is the parent end of the socket pair used for fd transfer.
	handoff *os.File

	writeMu sync.Mutex
	killed  atomic.Bool

	messages chan Message
	done     chan error
}

func newSubprocessWorker(slot int, config SubprocessConfig) *subprocessWorker {
	return &subprocessWorker{
		slot:     slot,
		config:   config,
		logger:   config.Logger,
		messages: make(chan Message, 16),
		done:     make(chan error, 1),
	}
}

// Slot implements WorkerProcess.
func (w *subprocessWorker) Slot() int { return w.slot }

// Start implements WorkerProcess: it wires stdin/stdout pipes, passes the
// handoff socket as an inherited descriptor, and launches the process.
func (w *subprocessWorker) Start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, w.config.Command, w.config.Args...) // #nosec G204 -- command comes from the operator
	cmd.Env = append(os.Environ(), w.config.Env...)
	cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d", envWorkerSlot, w.slot))
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return NewWorkerSpawnError(w.slot, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return NewWorkerSpawnError(w.slot, err)
	}

	parentEnd, childEnd, err := newHandoffPair()
	if err != nil {
		w.logger.Warn("Connection handoff unavailable for worker",
			"slot", w.slot, "error", err)
	} else {
		cmd.ExtraFiles = []*os.File{childEnd}
		w.handoff = parentEnd
	}

	if err := cmd.Start(); err != nil {
		return NewWorkerSpawnError(w.slot, err)
	}
	if childEnd != nil {
		_ = childEnd.Close()
	}

	w.cmd = cmd
	w.stdin = stdin

	go w.pump(stdout)
	go func() {
		w.done <- cmd.Wait()
	}()
	return nil
}

// pump decodes worker stdout into the message channel. Malformed lines are
// logged and skipped so one bad frame cannot wedge the worker.
func (w *subprocessWorker) pump(stdout io.Reader) {
	defer close(w.messages)
	reader := NewMessageReader(stdout)
	for {
		msg, err := reader.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			w.logger.Warn("Discarding malformed worker message",
				"slot", w.slot, "error", err)
			continue
		}
		w.messages <- msg
	}
}

// Send implements WorkerProcess.
func (w *subprocessWorker) Send(msg Message) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.stdin == nil {
		return NewWorkerUnavailableError(w.slot)
	}
	return EncodeMessage(w.stdin, msg)
}

// Messages implements WorkerProcess.
func (w *subprocessWorker) Messages() <-chan Message { return w.messages }

// Done implements WorkerProcess.
func (w *subprocessWorker) Done() <-chan error { return w.done }

// Handoff implements WorkerProcess: it announces the connection over the
// protocol stream, then transfers the descriptor over the handoff socket.
func (w *subprocessWorker) Handoff(conn net.Conn, msg ConnectionHandoff) error {
	if w.handoff == nil {
		return NewHandoffFailedError(w.slot, errNoHandoffChannel)
	}
	if err := w.Send(&msg); err != nil {
		return NewHandoffFailedError(w.slot, err)
	}
	if err := sendConnOverSocket(w.handoff, conn); err != nil {
		return NewHandoffFailedError(w.slot, err)
	}
	return nil
}

// Disconnect implements WorkerProcess: closing stdin signals the worker to
// drain and exit on its own schedule.
func (w *subprocessWorker) Disconnect() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.stdin == nil {
		return nil
	}
	err := w.stdin.Close()
	w.stdin = nil
	return err
}

// Kill implements WorkerProcess.
func (w *subprocessWorker) Kill() error {
	if !w.killed.CompareAndSwap(false, true) {
		return nil
	}
	if w.handoff != nil {
		_ = w.handoff.Close()
	}
	if w.cmd != nil && w.cmd.Process != nil {
		return w.cmd.Process.Kill()
	}
	return nil
}

var errNoHandoffChannel = fmt.Errorf("no handoff channel was established at spawn")

// WorkerRuntimeOptions configures the child-side message loop.
type WorkerRuntimeOptions struct {
	// Runtime is the process-lifetime extensibility runtime.
	Runtime *Runtime

	// Slot is the worker's pool position, normally WorkerSlotFromEnv().
	Slot int

	// Input and Output default to stdin and stdout.
	Input  io.Reader
	Output io.Writer

	// Jobs handles scheduled-job broadcasts. Optional.
	Jobs func(ctx context.Context, job JobBroadcast) error

	// OnConnection serves a handed-off connection. Optional.
	OnConnection func(conn net.Conn, msg ConnectionHandoff)

	// HandoffFile is the child end of the handoff socket pair, normally
	// HandoffFileFromParent().
	HandoffFile *os.File

	// Logger receives worker diagnostics.
	Logger Logger
}

// WorkerRuntime is the child side of the coordinator protocol: it runs the
// scheduler pass, announces itself, and serves coordinator messages until
// its input stream closes.
type WorkerRuntime struct {
	opts    WorkerRuntimeOptions
	writeMu sync.Mutex
}

// NewWorkerRuntime creates the child-side loop.
func NewWorkerRuntime(opts WorkerRuntimeOptions) *WorkerRuntime {
	if opts.Input == nil {
		opts.Input = os.Stdin
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.Logger == nil {
		opts.Logger = DefaultLogger()
	}
	return &WorkerRuntime{opts: opts}
}

// HandoffFileFromParent returns the handoff socket descriptor inherited
// from the coordinator, or nil when none was passed.
func HandoffFileFromParent() *os.File {
	if _, ok := WorkerSlotFromEnv(); !ok {
		return nil
	}
	// The coordinator passes the handoff socket as the first extra file.
	return os.NewFile(3, "handoff")
}

// Run executes the worker loop until the coordinator closes the stream or
// ctx is canceled. A closed stream means a graceful drain request.
func (w *WorkerRuntime) Run(ctx context.Context) error {
	rt := w.opts.Runtime
	executor := w.opts.Slot == ExecutorSlot
	rt.SetExecutor(executor)

	if err := rt.Initialize(ctx); err != nil {
		return err
	}
	if executor {
		if err := rt.ForceRefresh(ctx); err != nil {
			w.opts.Logger.Warn("Executor refresh failed, continuing with cached definitions",
				"error", err)
		}
	}

	if err := w.send(&SchedulerInitialized{WorkerID: w.opts.Slot, CanExecute: executor}); err != nil {
		return err
	}

	reader := NewMessageReader(w.opts.Input)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			w.opts.Logger.Warn("Discarding malformed coordinator message", "error", err)
			continue
		}
		w.handle(ctx, msg)
	}
}

// handle applies one coordinator message and acknowledges it.
func (w *WorkerRuntime) handle(ctx context.Context, msg Message) {
	rt := w.opts.Runtime
	switch m := msg.(type) {
	case *ReinitializeOptions:
		rt.ReplaceSnapshot(m.Snapshot)
		w.ack(string(KindReinitializeOptions), nil)
	case *ReinitializeStore:
		w.ack(string(KindReinitializeStore), rt.ForceRefresh(ctx))
	case *JobBroadcast:
		var err error
		if w.opts.Jobs != nil {
			err = w.opts.Jobs(ctx, *m)
		}
		w.ack(string(KindJobBroadcast), err)
	case *ConnectionHandoff:
		w.acceptHandoff(*m)
	default:
		w.opts.Logger.Warn("Ignoring unexpected coordinator message",
			"kind", string(msg.Kind()))
	}
}

// acceptHandoff receives the transferred descriptor and dispatches it.
func (w *WorkerRuntime) acceptHandoff(msg ConnectionHandoff) {
	if w.opts.HandoffFile == nil || w.opts.OnConnection == nil {
		w.opts.Logger.Warn("Dropping connection handoff, no receiver configured",
			"remote_addr", msg.RemoteAddr)
		return
	}
	conn, err := recvConnOverSocket(w.opts.HandoffFile)
	if err != nil {
		w.opts.Logger.Error("Connection handoff receive failed",
			"remote_addr", msg.RemoteAddr, "error", err)
		return
	}
	w.opts.OnConnection(conn, msg)
}

// ack sends WorkerReady or WorkerError for a broadcast action.
func (w *WorkerRuntime) ack(action string, err error) {
	if err != nil {
		w.opts.Logger.Error("Broadcast action failed", "action", action, "error", err)
		_ = w.send(&WorkerError{WorkerID: w.opts.Slot, Action: action, Error: err.Error()})
		return
	}
	_ = w.send(&WorkerReady{WorkerID: w.opts.Slot, Action: action})
}

// NotifyOptionsUpdated tells the coordinator this worker changed site
// options; the coordinator rebroadcasts the snapshot to the pool.
func (w *WorkerRuntime) NotifyOptionsUpdated(snapshot ConfigSnapshot) error {
	return w.send(&OptionsUpdated{WorkerID: w.opts.Slot, Snapshot: snapshot})
}

// NotifyStoreConfigUpdated tells the coordinator the persistence
// configuration changed.
func (w *WorkerRuntime) NotifyStoreConfigUpdated() error {
	return w.send(&StoreConfigUpdated{WorkerID: w.opts.Slot})
}

// RequestRestart asks the coordinator for a rolling worker replacement.
func (w *WorkerRuntime) RequestRestart(reason string) error {
	return w.send(&RestartServer{WorkerID: w.opts.Slot, Reason: reason})
}

// RequestFullRestart asks the coordinator for a whole-process restart.
func (w *WorkerRuntime) RequestFullRestart(reason string) error {
	return w.send(&FullRestart{WorkerID: w.opts.Slot, Reason: reason})
}

// ReportPluginsLoaded forwards an extension load report upstream.
func (w *WorkerRuntime) ReportPluginsLoaded(report LoadReport) error {
	return w.send(&PluginsLoaded{
		WorkerID: w.opts.Slot,
		Loaded:   report.Loaded,
		Failed:   report.FailedSlugs(),
	})
}

func (w *WorkerRuntime) send(msg Message) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return EncodeMessage(w.opts.Output, msg)
}
