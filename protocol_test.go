// protocol_test.go: Tests for the coordinator wire protocol
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocms

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestProtocol_RoundTrip encodes and decodes each message kind once.
func TestProtocol_RoundTrip(t *testing.T) {
	messages := []Message{
		&SchedulerInitialized{WorkerID: 1, CanExecute: true},
		&PluginsLoaded{WorkerID: 2, Loaded: []string{"seo"}, Failed: []string{"broken"}},
		&WorkerReady{WorkerID: 3, Action: "reinitialize_options"},
		&WorkerError{WorkerID: 4, Action: "reinitialize_store", Error: "store offline"},
		&StoreConfigUpdated{WorkerID: 1},
		&OptionsUpdated{WorkerID: 2, Snapshot: ConfigSnapshot{ActiveTheme: "dark"}},
		&ReinitializeStore{},
		&ReinitializeOptions{Snapshot: ConfigSnapshot{ActiveExtensions: []string{"seo"}}},
		&JobBroadcast{Payload: json.RawMessage(`{"job":"purge"}`)},
		&RestartServer{WorkerID: 1, Reason: "deploy"},
		&FullRestart{WorkerID: 1, Reason: "config"},
		&RequestSupervisorRestart{Reason: "upgrade"},
		&ConnectionHandoff{RemoteAddr: "10.0.0.9:5511"},
	}

	for _, msg := range messages {
		t.Run(string(msg.Kind()), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, EncodeMessage(&buf, msg))

			line := bytes.TrimRight(buf.Bytes(), "\n")
			decoded, err := DecodeMessage(line)
			require.NoError(t, err)
			assert.Equal(t, msg.Kind(), decoded.Kind())
			assert.Equal(t, msg, decoded)
		})
	}
}

// TestProtocol_UnknownKind verifies decoding rejects kinds outside the
// protocol.
func TestProtocol_UnknownKind(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"kind":"teleport_worker"}`))
	require.Error(t, err)
}

// TestProtocol_MalformedFrame verifies non-JSON input fails cleanly.
func TestProtocol_MalformedFrame(t *testing.T) {
	_, err := DecodeMessage([]byte("not json"))
	require.Error(t, err)
}

// TestMessageReader_Stream verifies the reader yields each framed message
// and then EOF, skipping blank lines.
func TestMessageReader_Stream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeMessage(&buf, &WorkerReady{WorkerID: 1, Action: "a"}))
	buf.WriteString("\n")
	require.NoError(t, EncodeMessage(&buf, &WorkerReady{WorkerID: 2, Action: "a"}))

	reader := NewMessageReader(&buf)

	first, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, 1, first.(*WorkerReady).WorkerID)

	second, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, 2, second.(*WorkerReady).WorkerID)

	_, err = reader.Next()
	assert.Equal(t, io.EOF, err)
}
