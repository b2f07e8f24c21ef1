// report.go: Consolidated acknowledgment reporting for pool broadcasts
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocms

import (
	"sync"

	"github.com/agilira/go-timecache"
)

// ConsolidatedReporter collects per-worker acknowledgments for broadcast
// actions and emits one summary log line per action round instead of one
// line per worker. A round flushes exactly when every worker in the pool
// has acknowledged; a later ack for the same action starts a new round.
type ConsolidatedReporter struct {
	logger Logger

	mu     sync.Mutex
	rounds map[string]map[int]WorkerAck
}

// NewConsolidatedReporter creates a reporter logging through logger.
func NewConsolidatedReporter(logger Logger) *ConsolidatedReporter {
	if logger == nil {
		logger = DefaultLogger()
	}
	return &ConsolidatedReporter{
		logger: logger,
		rounds: make(map[string]map[int]WorkerAck),
	}
}

// Record stores one worker's acknowledgment for an action. When the round
// reaches workerCount distinct workers it flushes: one summary line, then
// the round resets. Duplicate acks from the same worker overwrite within
// the round and never trigger an early flush.
func (r *ConsolidatedReporter) Record(action string, ack WorkerAck, workerCount int) {
	if ack.At.IsZero() {
		ack.At = timecache.CachedTime()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	round, ok := r.rounds[action]
	if !ok {
		round = make(map[int]WorkerAck, workerCount)
		r.rounds[action] = round
	}
	round[ack.WorkerID] = ack

	if len(round) != workerCount {
		return
	}
	delete(r.rounds, action)
	r.flush(action, round, workerCount)
}

// Pending returns the number of acknowledgments collected so far for an
// action's current round.
func (r *ConsolidatedReporter) Pending(action string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rounds[action])
}

// Reset drops every in-flight round, typically across a pool resize.
func (r *ConsolidatedReporter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rounds = make(map[string]map[int]WorkerAck)
}

// flush emits the single summary line for one completed round. Caller
// holds the mutex.
func (r *ConsolidatedReporter) flush(action string, round map[int]WorkerAck, workerCount int) {
	failed := make([]int, 0)
	for id, ack := range round {
		if !ack.OK {
			failed = append(failed, id)
		}
	}

	switch {
	case len(failed) == 0:
		r.logger.Info("Broadcast applied on all workers",
			"action", action, "workers", workerCount)
	case len(failed) == workerCount:
		r.logger.Error("Broadcast failed on all workers",
			"action", action, "workers", workerCount)
	default:
		r.logger.Warn("Broadcast partially applied",
			"action", action, "workers", workerCount, "failed_workers", failed)
	}
}
