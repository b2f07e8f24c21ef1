// worker_windows.go: Connection handoff stubs for Windows
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

//go:build windows

package gocms

import (
	"fmt"
	"net"
	"os"
)

// Descriptor transfer between processes needs WSADuplicateSocket on
// Windows, which the coordinator does not implement. Workers on Windows
// run without connection handoff; routing falls back to the caller.

func newHandoffPair() (parent, child *os.File, err error) {
	return nil, nil, fmt.Errorf("connection handoff is not supported on windows")
}

func sendConnOverSocket(sock *os.File, conn net.Conn) error {
	return fmt.Errorf("connection handoff is not supported on windows")
}

func recvConnOverSocket(sock *os.File) (net.Conn, error) {
	return nil, fmt.Errorf("connection handoff is not supported on windows")
}
