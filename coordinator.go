// coordinator.go: Multi-process worker pool coordination
//
// The coordinator forks the worker pool, routes connections to workers by
// a sticky client hash, replaces crashed workers with bounded backoff,
// performs rolling zero-downtime replacement, and relays reinitialize
// broadcasts between workers.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocms

import (
	"context"
	"math/rand/v2"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/cenkalti/backoff/v4"
)

// defaultExit terminates the process; tests swap it via CoordinatorConfig.
var defaultExit = func(code int) { os.Exit(code) }

// ExecutorSlot is the pool position whose worker holds the executor role:
// scheduled jobs and one-time activation hooks run there and nowhere else.
const ExecutorSlot = 1

// CoordinatorConfig configures the worker pool coordinator.
type CoordinatorConfig struct {
	// WorkerCount is the pool size. Defaults to runtime.NumCPU via
	// RuntimeConfig; here it must be at least 1.
	WorkerCount int

	// Factory spawns workers for pool slots.
	Factory WorkerFactory

	// DrainInterval is the pause between slots during rolling replacement.
	DrainInterval time.Duration

	// ListenTimeout bounds how long a fresh worker may take to reach the
	// listening state before its replacement attempt fails.
	ListenTimeout time.Duration

	// RestartGrace is how long workers get to drain before a full restart
	// exits the process.
	RestartGrace time.Duration

	// SupervisorPresent delegates full restarts to a supervising parent.
	SupervisorPresent bool

	// RequestSupervisorRestart asks the supervisor for a restart. Required
	// when SupervisorPresent is true.
	RequestSupervisorRestart func() error

	// Exit terminates the coordinator process. Defaults to os.Exit via the
	// caller; tests inject a recorder.
	Exit func(code int)

	// Logger receives coordinator diagnostics.
	Logger Logger
}

// applyDefaults fills unset config fields.
func (c *CoordinatorConfig) applyDefaults() {
	if c.DrainInterval == 0 {
		c.DrainInterval = 2 * time.Second
	}
	if c.ListenTimeout == 0 {
		c.ListenTimeout = 30 * time.Second
	}
	if c.RestartGrace == 0 {
		c.RestartGrace = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = DefaultLogger()
	}
}

// Validate checks the configuration.
func (c *CoordinatorConfig) Validate() error {
	if c.WorkerCount < 1 {
		return NewConfigValidationError("worker count must be at least 1", nil)
	}
	if c.Factory == nil {
		return NewConfigValidationError("worker factory is required", nil)
	}
	if c.SupervisorPresent && c.RequestSupervisorRestart == nil {
		return NewConfigValidationError("supervisor restart callback is required when a supervisor is present", nil)
	}
	return nil
}

// workerRecord tracks one pool slot. The slot is the worker's stable
// identity; the process behind it changes across crashes and rolling
// replacement. gen distinguishes successive processes in the same slot so
// a replaced worker's exit never triggers a refork.
type workerRecord struct {
	slot      int
	gen       uint64
	proc      WorkerProcess
	state     WorkerState
	listening chan struct{}
	startedAt time.Time
}

// WorkerStatus is one slot's observable state.
type WorkerStatus struct {
	Slot     int         `json:"slot"`
	State    WorkerState `json:"state"`
	Restarts int         `json:"restarts"`
}

// CoordinatorStats summarizes the pool.
type CoordinatorStats struct {
	Workers      []WorkerStatus `json:"workers"`
	Replacements int64          `json:"replacements"`
	Reforks      int64          `json:"reforks"`
	Handoffs     int64          `json:"handoffs"`
}

// ProcessCoordinator runs the worker pool.
type ProcessCoordinator struct {
	config   CoordinatorConfig
	logger   Logger
	reporter *ConsolidatedReporter

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	records  []*workerRecord
	restarts []int
	genSeq   uint64

	// restartMu serializes rolling replacements.
	restartMu sync.Mutex

	started atomic.Bool
	stopped atomic.Bool

	replacements atomic.Int64
	reforks      atomic.Int64
	handoffs     atomic.Int64

	wg sync.WaitGroup
}

// NewProcessCoordinator creates a coordinator from config.
func NewProcessCoordinator(config CoordinatorConfig) (*ProcessCoordinator, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &ProcessCoordinator{
		config:   config,
		logger:   config.Logger,
		reporter: NewConsolidatedReporter(config.Logger),
		records:  make([]*workerRecord, config.WorkerCount),
		restarts: make([]int, config.WorkerCount),
	}, nil
}

// Start forks the whole pool. Slot 1 is the executor; every other slot
// runs the identical worker binary without the executor role.
func (pc *ProcessCoordinator) Start(ctx context.Context) error {
	if !pc.started.CompareAndSwap(false, true) {
		return NewCoordinatorStateError("coordinator is already started")
	}
	pc.ctx, pc.cancel = context.WithCancel(ctx)

	for slot := 1; slot <= pc.config.WorkerCount; slot++ {
		record, err := pc.spawn(slot)
		if err != nil {
			pc.Stop()
			return err
		}
		pc.mu.Lock()
		pc.records[slot-1] = record
		pc.mu.Unlock()
	}

	pc.logger.Info("Worker pool started",
		"workers", pc.config.WorkerCount, "executor_slot", ExecutorSlot)
	return nil
}

// spawn launches one worker process for a slot and attaches its message
// pump and exit monitor.
func (pc *ProcessCoordinator) spawn(slot int) (*workerRecord, error) {
	proc, err := pc.config.Factory(slot)
	if err != nil {
		return nil, NewWorkerSpawnError(slot, err)
	}

	pc.mu.Lock()
	pc.genSeq++
	record := &workerRecord{
		slot:      slot,
		gen:       pc.genSeq,
		proc:      proc,
		state:     WorkerStarting,
		listening: make(chan struct{}),
		startedAt: timecache.CachedTime(),
	}
	pc.mu.Unlock()

	if err := proc.Start(pc.ctx); err != nil {
		return nil, NewWorkerSpawnError(slot, err)
	}

	pc.wg.Add(2)
	go pc.pump(record)
	go pc.monitor(record)
	return record, nil
}

// pump relays one worker's upstream messages.
func (pc *ProcessCoordinator) pump(record *workerRecord) {
	defer pc.wg.Done()
	for msg := range record.proc.Messages() {
		pc.handleWorkerMessage(record, msg)
	}
}

// monitor watches one worker process for exit. A crash while the slot is
// supposed to be serving triggers a refork with exponential backoff; the
// backoff never gives up, a slot left empty would skew routing for every
// other worker.
func (pc *ProcessCoordinator) monitor(record *workerRecord) {
	defer pc.wg.Done()
	err := <-record.proc.Done()

	pc.mu.Lock()
	current := pc.records[record.slot-1]
	stale := current == nil || current.gen != record.gen
	draining := record.state == WorkerDraining || record.state == WorkerStopped
	record.state = WorkerStopped
	pc.mu.Unlock()

	if stale || draining || pc.stopped.Load() {
		return
	}

	pc.logger.Error("Worker crashed", "slot", record.slot, "error", err)
	pc.mu.Lock()
	record.state = WorkerCrashed
	pc.restarts[record.slot-1]++
	pc.mu.Unlock()

	pc.refork(record.slot)
}

// refork replaces a crashed slot, retrying with exponential backoff until
// the coordinator stops.
func (pc *ProcessCoordinator) refork(slot int) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-pc.ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}

		record, err := pc.spawn(slot)
		if err != nil {
			pc.logger.Warn("Worker refork attempt failed", "slot", slot, "error", err)
			continue
		}

		pc.mu.Lock()
		pc.records[slot-1] = record
		pc.mu.Unlock()
		pc.reforks.Add(1)
		pc.logger.Info("Worker reforked", "slot", slot)
		return
	}
}

// handleWorkerMessage reacts to one upstream message.
func (pc *ProcessCoordinator) handleWorkerMessage(record *workerRecord, msg Message) {
	switch m := msg.(type) {
	case *SchedulerInitialized:
		pc.markListening(record)
		pc.logger.Info("Worker scheduler initialized",
			"slot", record.slot, "executor", m.CanExecute)

	case *PluginsLoaded:
		if len(m.Failed) > 0 {
			pc.logger.Warn("Worker reported failed extensions",
				"slot", record.slot, "loaded", len(m.Loaded), "failed", m.Failed)
			return
		}
		pc.logger.Debug("Worker extensions loaded",
			"slot", record.slot, "loaded", len(m.Loaded))

	case *WorkerReady:
		pc.reporter.Record(m.Action, WorkerAck{WorkerID: m.WorkerID, OK: true}, pc.config.WorkerCount)

	case *WorkerError:
		pc.reporter.Record(m.Action, WorkerAck{WorkerID: m.WorkerID, Error: m.Error}, pc.config.WorkerCount)

	case *OptionsUpdated:
		pc.logger.Info("Options changed, rebroadcasting snapshot", "origin_slot", m.WorkerID)
		pc.BroadcastReinitializeOptions(m.Snapshot)

	case *StoreConfigUpdated:
		pc.logger.Info("Store configuration changed, rebroadcasting", "origin_slot", m.WorkerID)
		pc.BroadcastReinitializeStore()

	case *RestartServer:
		pc.logger.Info("Rolling restart requested",
			"origin_slot", m.WorkerID, "reason", m.Reason)
		go func() {
			if err := pc.RollingRestart(pc.ctx); err != nil {
				pc.logger.Error("Rolling restart completed with failures", "error", err)
			}
		}()

	case *FullRestart:
		pc.logger.Warn("Full restart requested",
			"origin_slot", m.WorkerID, "reason", m.Reason)
		go pc.FullRestart()

	default:
		pc.logger.Warn("Ignoring unexpected worker message",
			"slot", record.slot, "kind", string(msg.Kind()))
	}
}

// markListening transitions a starting worker to listening.
func (pc *ProcessCoordinator) markListening(record *workerRecord) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if record.state != WorkerStarting {
		return
	}
	record.state = WorkerListening
	close(record.listening)
}

// Route maps a remote address to a pool slot. The hash uses the last byte
// of the client IP so one client keeps hitting the same worker across
// requests, which keeps per-worker caches warm for that client.
func (pc *ProcessCoordinator) Route(remoteAddr string) int {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}

	var last byte
	if ip := net.ParseIP(host); ip != nil {
		last = ip[len(ip)-1]
	} else if host != "" {
		last = host[len(host)-1]
	}
	return int(last)%pc.config.WorkerCount + 1
}

// AssignConnection hands an accepted connection to its sticky worker, or
// to a random listening worker when the sticky slot is unavailable.
func (pc *ProcessCoordinator) AssignConnection(conn net.Conn) error {
	slot := pc.Route(conn.RemoteAddr().String())

	record := pc.listeningRecord(slot)
	if record == nil {
		record = pc.anyListeningRecord()
	}
	if record == nil {
		return NewWorkerUnavailableError(slot)
	}

	msg := ConnectionHandoff{RemoteAddr: conn.RemoteAddr().String()}
	if err := record.proc.Handoff(conn, msg); err != nil {
		return err
	}
	pc.handoffs.Add(1)
	return nil
}

// listeningRecord returns the slot's record when it is listening.
func (pc *ProcessCoordinator) listeningRecord(slot int) *workerRecord {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	record := pc.records[slot-1]
	if record == nil || record.state != WorkerListening {
		return nil
	}
	return record
}

// anyListeningRecord picks a random listening worker.
func (pc *ProcessCoordinator) anyListeningRecord() *workerRecord {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	candidates := make([]*workerRecord, 0, len(pc.records))
	for _, record := range pc.records {
		if record != nil && record.state == WorkerListening {
			candidates = append(candidates, record)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.IntN(len(candidates))]
}

// Broadcast sends a message to every listening worker. Per-worker send
// failures are logged and do not stop the remaining deliveries.
func (pc *ProcessCoordinator) Broadcast(msg Message) {
	pc.mu.Lock()
	targets := make([]*workerRecord, 0, len(pc.records))
	for _, record := range pc.records {
		if record != nil && record.state == WorkerListening {
			targets = append(targets, record)
		}
	}
	pc.mu.Unlock()

	for _, record := range targets {
		if err := record.proc.Send(msg); err != nil {
			pc.logger.Warn("Broadcast delivery failed",
				"slot", record.slot, "kind", string(msg.Kind()), "error", err)
		}
	}
}

// BroadcastReinitializeOptions pushes a fresh configuration snapshot to
// the pool. Every worker replaces its snapshot wholesale and acks.
func (pc *ProcessCoordinator) BroadcastReinitializeOptions(snapshot ConfigSnapshot) {
	pc.Broadcast(&ReinitializeOptions{Snapshot: snapshot})
}

// BroadcastReinitializeStore asks every worker to rebuild persistence
// access and re-hydrate definitions.
func (pc *ProcessCoordinator) BroadcastReinitializeStore() {
	pc.Broadcast(&ReinitializeStore{})
}

// BroadcastJob fans a scheduled-job payload out to the pool.
func (pc *ProcessCoordinator) BroadcastJob(job JobBroadcast) {
	pc.Broadcast(&job)
}

// RollingRestart replaces every worker one slot at a time: fork the
// successor, wait for it to listen, swap it into the slot, then let the
// predecessor drain. The pool never has an empty slot, so capacity stays
// at N-0 rather than dropping to zero. A slot whose successor fails to
// start keeps its current worker; the restart continues with the next
// slot and the error is returned at the end.
func (pc *ProcessCoordinator) RollingRestart(ctx context.Context) error {
	pc.restartMu.Lock()
	defer pc.restartMu.Unlock()

	var firstErr error
	for slot := 1; slot <= pc.config.WorkerCount; slot++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := pc.replaceSlot(slot); err != nil {
			pc.logger.Error("Slot replacement failed, keeping current worker",
				"slot", slot, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		pc.replacements.Add(1)

		if slot < pc.config.WorkerCount {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pc.config.DrainInterval):
			}
		}
	}
	return firstErr
}

// replaceSlot swaps one slot's worker for a fresh process.
func (pc *ProcessCoordinator) replaceSlot(slot int) error {
	successor, err := pc.spawn(slot)
	if err != nil {
		return NewReplacementFailedError(slot, err)
	}

	select {
	case <-successor.listening:
	case <-time.After(pc.config.ListenTimeout):
		_ = successor.proc.Kill()
		return NewReplacementFailedError(slot, NewWorkerUnavailableError(slot))
	case <-pc.ctx.Done():
		_ = successor.proc.Kill()
		return pc.ctx.Err()
	}

	pc.mu.Lock()
	predecessor := pc.records[slot-1]
	pc.records[slot-1] = successor
	if predecessor != nil {
		predecessor.state = WorkerDraining
	}
	pc.mu.Unlock()

	if predecessor != nil {
		if err := predecessor.proc.Disconnect(); err != nil {
			pc.logger.Warn("Predecessor disconnect failed, killing",
				"slot", slot, "error", err)
			_ = predecessor.proc.Kill()
		}
	}

	pc.logger.Info("Worker replaced", "slot", slot)
	return nil
}

// FullRestart restarts the whole process tree. With a supervisor present
// the restart is delegated upstream; otherwise the pool drains for the
// grace period and the coordinator exits so the init system restarts it.
func (pc *ProcessCoordinator) FullRestart() {
	if pc.config.SupervisorPresent {
		err := pc.config.RequestSupervisorRestart()
		if err == nil {
			pc.logger.Info("Full restart delegated to supervisor")
			return
		}
		pc.logger.Error("Supervisor restart request failed, restarting directly", "error", err)
	}

	pc.stopped.Store(true)
	pc.disconnectAll()
	time.Sleep(pc.config.RestartGrace)

	exit := pc.config.Exit
	if exit == nil {
		exit = defaultExit
	}
	pc.logger.Warn("Exiting for full restart")
	exit(0)
}

// Stop drains and stops the whole pool.
func (pc *ProcessCoordinator) Stop() {
	if !pc.stopped.CompareAndSwap(false, true) {
		return
	}
	pc.disconnectAll()

	done := make(chan struct{})
	go func() {
		pc.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(pc.config.RestartGrace):
		pc.killAll()
	}
	if pc.cancel != nil {
		pc.cancel()
	}
	pc.logger.Info("Worker pool stopped")
}

// disconnectAll marks every slot draining and closes its control stream.
func (pc *ProcessCoordinator) disconnectAll() {
	pc.mu.Lock()
	targets := make([]*workerRecord, 0, len(pc.records))
	for _, record := range pc.records {
		if record != nil && record.state != WorkerStopped {
			record.state = WorkerDraining
			targets = append(targets, record)
		}
	}
	pc.mu.Unlock()

	for _, record := range targets {
		if err := record.proc.Disconnect(); err != nil {
			pc.logger.Warn("Worker disconnect failed", "slot", record.slot, "error", err)
		}
	}
}

// killAll force-terminates any worker still running.
func (pc *ProcessCoordinator) killAll() {
	pc.mu.Lock()
	targets := append([]*workerRecord(nil), pc.records...)
	pc.mu.Unlock()
	for _, record := range targets {
		if record != nil {
			_ = record.proc.Kill()
		}
	}
}

// Stats returns a snapshot of pool state.
func (pc *ProcessCoordinator) Stats() CoordinatorStats {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	workers := make([]WorkerStatus, 0, len(pc.records))
	for i, record := range pc.records {
		status := WorkerStatus{Slot: i + 1, State: WorkerStopped, Restarts: pc.restarts[i]}
		if record != nil {
			status.State = record.state
		}
		workers = append(workers, status)
	}
	return CoordinatorStats{
		Workers:      workers,
		Replacements: pc.replacements.Load(),
		Reforks:      pc.reforks.Load(),
		Handoffs:     pc.handoffs.Load(),
	}
}
