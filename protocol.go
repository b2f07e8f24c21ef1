// protocol.go: Newline-delimited JSON protocol between coordinator and workers
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocms

import (
	"bufio"
	"encoding/json"
	"io"
)

// MessageKind discriminates protocol messages on the wire.
type MessageKind string

// Message kinds exchanged between the coordinator and its workers. The
// reinitialize kinds flow coordinator to worker; the updated/ready kinds
// flow worker to coordinator.
const (
	KindSchedulerInitialized     MessageKind = "scheduler_initialized"
	KindPluginsLoaded            MessageKind = "plugins_loaded"
	KindWorkerReady              MessageKind = "worker_ready"
	KindWorkerError              MessageKind = "worker_error"
	KindStoreConfigUpdated       MessageKind = "store_config_updated"
	KindOptionsUpdated           MessageKind = "options_updated"
	KindReinitializeStore        MessageKind = "reinitialize_store"
	KindReinitializeOptions      MessageKind = "reinitialize_options"
	KindJobBroadcast             MessageKind = "job_broadcast"
	KindRestartServer            MessageKind = "restart_server"
	KindFullRestart              MessageKind = "full_restart"
	KindRequestSupervisorRestart MessageKind = "request_supervisor_restart"
	KindConnectionHandoff        MessageKind = "connection_handoff"
)

// Message is one protocol message. Concrete types carry the payload.
type Message interface {
	Kind() MessageKind
}

// SchedulerInitialized is sent by a worker once its scheduler pass has
// completed. CanExecute reports whether the worker holds the executor role.
type SchedulerInitialized struct {
	WorkerID   int  `json:"worker_id"`
	CanExecute bool `json:"can_execute"`
}

// Kind implements Message.
func (SchedulerInitialized) Kind() MessageKind { return KindSchedulerInitialized }

// PluginsLoaded reports a worker's extension load outcome.
type PluginsLoaded struct {
	WorkerID int      `json:"worker_id"`
	Loaded   []string `json:"loaded,omitempty"`
	Failed   []string `json:"failed,omitempty"`
}

// Kind implements Message.
func (PluginsLoaded) Kind() MessageKind { return KindPluginsLoaded }

// WorkerReady acknowledges that a worker applied a broadcast action.
type WorkerReady struct {
	WorkerID int    `json:"worker_id"`
	Action   string `json:"action"`
}

// Kind implements Message.
func (WorkerReady) Kind() MessageKind { return KindWorkerReady }

// WorkerError reports a failed broadcast action on one worker.
type WorkerError struct {
	WorkerID int    `json:"worker_id"`
	Action   string `json:"action"`
	Error    string `json:"error"`
}

// Kind implements Message.
func (WorkerError) Kind() MessageKind { return KindWorkerError }

// StoreConfigUpdated is sent by a worker whose request changed the
// persistence configuration; the coordinator responds by broadcasting
// ReinitializeStore to the pool.
type StoreConfigUpdated struct {
	WorkerID int `json:"worker_id"`
}

// Kind implements Message.
func (StoreConfigUpdated) Kind() MessageKind { return KindStoreConfigUpdated }

// OptionsUpdated is sent by a worker whose request changed site options;
// the coordinator responds by broadcasting ReinitializeOptions with the
// new snapshot.
type OptionsUpdated struct {
	WorkerID int            `json:"worker_id"`
	Snapshot ConfigSnapshot `json:"snapshot"`
}

// Kind implements Message.
func (OptionsUpdated) Kind() MessageKind { return KindOptionsUpdated }

// ReinitializeStore instructs a worker to rebuild its persistence access
// and re-hydrate the definition catalog.
type ReinitializeStore struct{}

// Kind implements Message.
func (ReinitializeStore) Kind() MessageKind { return KindReinitializeStore }

// ReinitializeOptions instructs a worker to replace its configuration
// snapshot wholesale.
type ReinitializeOptions struct {
	Snapshot ConfigSnapshot `json:"snapshot"`
}

// Kind implements Message.
func (ReinitializeOptions) Kind() MessageKind { return KindReinitializeOptions }

// JobBroadcast carries an opaque scheduled-job payload to every worker.
type JobBroadcast struct {
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Kind implements Message.
func (JobBroadcast) Kind() MessageKind { return KindJobBroadcast }

// RestartServer asks the coordinator for a rolling worker replacement.
type RestartServer struct {
	WorkerID int    `json:"worker_id"`
	Reason   string `json:"reason,omitempty"`
}

// Kind implements Message.
func (RestartServer) Kind() MessageKind { return KindRestartServer }

// FullRestart asks the coordinator for a whole-process restart.
type FullRestart struct {
	WorkerID int    `json:"worker_id"`
	Reason   string `json:"reason,omitempty"`
}

// Kind implements Message.
func (FullRestart) Kind() MessageKind { return KindFullRestart }

// RequestSupervisorRestart is sent to a supervising parent process when
// one owns the coordinator's lifecycle.
type RequestSupervisorRestart struct {
	Reason string `json:"reason,omitempty"`
}

// Kind implements Message.
func (RequestSupervisorRestart) Kind() MessageKind { return KindRequestSupervisorRestart }

// ConnectionHandoff precedes an out-of-band socket transfer and carries
// the connection metadata the worker needs to serve it.
type ConnectionHandoff struct {
	RemoteAddr string `json:"remote_addr"`
}

// Kind implements Message.
func (ConnectionHandoff) Kind() MessageKind { return KindConnectionHandoff }

// envelope frames every message on the wire.
type envelope struct {
	Kind    MessageKind     `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EncodeMessage writes one newline-terminated message envelope.
func EncodeMessage(w io.Writer, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return NewProtocolEncodeError(msg.Kind(), err)
	}
	frame, err := json.Marshal(envelope{Kind: msg.Kind(), Payload: payload})
	if err != nil {
		return NewProtocolEncodeError(msg.Kind(), err)
	}
	frame = append(frame, '\n')
	if _, err := w.Write(frame); err != nil {
		return NewProtocolEncodeError(msg.Kind(), err)
	}
	return nil
}

// DecodeMessage parses one message envelope.
func DecodeMessage(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, NewProtocolDecodeError(err)
	}

	var msg Message
	switch env.Kind {
	case KindSchedulerInitialized:
		msg = &SchedulerInitialized{}
	case KindPluginsLoaded:
		msg = &PluginsLoaded{}
	case KindWorkerReady:
		msg = &WorkerReady{}
	case KindWorkerError:
		msg = &WorkerError{}
	case KindStoreConfigUpdated:
		msg = &StoreConfigUpdated{}
	case KindOptionsUpdated:
		msg = &OptionsUpdated{}
	case KindReinitializeStore:
		msg = &ReinitializeStore{}
	case KindReinitializeOptions:
		msg = &ReinitializeOptions{}
	case KindJobBroadcast:
		msg = &JobBroadcast{}
	case KindRestartServer:
		msg = &RestartServer{}
	case KindFullRestart:
		msg = &FullRestart{}
	case KindRequestSupervisorRestart:
		msg = &RequestSupervisorRestart{}
	case KindConnectionHandoff:
		msg = &ConnectionHandoff{}
	default:
		return nil, NewUnknownMessageKindError(string(env.Kind))
	}

	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, msg); err != nil {
			return nil, NewProtocolDecodeError(err)
		}
	}
	return msg, nil
}

// MessageReader reads newline-delimited messages from a stream.
type MessageReader struct {
	scanner *bufio.Scanner
}

// NewMessageReader wraps a stream, typically a worker's stdout or stdin.
func NewMessageReader(r io.Reader) *MessageReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &MessageReader{scanner: scanner}
}

// Next returns the next message, or io.EOF when the stream ends. A
// malformed line is returned as a decode error without consuming the
// stream; callers decide whether to continue.
func (r *MessageReader) Next() (Message, error) {
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		return DecodeMessage(line)
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
