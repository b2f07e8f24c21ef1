// worker_unix.go: Connection handoff over Unix socket pairs
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

//go:build !windows

package gocms

import (
	"fmt"
	"net"
	"os"
	"syscall"
)

// newHandoffPair creates the socket pair used to pass accepted connection
// descriptors from the coordinator to a worker. The parent keeps the first
// end; the second is inherited by the child as an extra file.
func newHandoffPair() (parent, child *os.File, err error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, err
	}
	return os.NewFile(uintptr(fds[0]), "handoff-parent"),
		os.NewFile(uintptr(fds[1]), "handoff-child"), nil
}

// sendConnOverSocket transfers conn's descriptor through the handoff
// socket using SCM_RIGHTS. The coordinator closes its copy afterwards; the
// worker owns the connection from here on.
func sendConnOverSocket(sock *os.File, conn net.Conn) error {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return fmt.Errorf("connection type %T does not expose a descriptor", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}

	var sendErr error
	err = raw.Control(func(fd uintptr) {
		rights := syscall.UnixRights(int(fd))
		sendErr = syscall.Sendmsg(int(sock.Fd()), []byte{0}, rights, nil, 0)
	})
	if err != nil {
		return err
	}
	if sendErr != nil {
		return sendErr
	}
	return conn.Close()
}

// recvConnOverSocket receives one transferred descriptor from the handoff
// socket and wraps it as a net.Conn.
func recvConnOverSocket(sock *os.File) (net.Conn, error) {
	buf := make([]byte, 1)
	oob := make([]byte, syscall.CmsgSpace(4))
	_, oobn, _, _, err := syscall.Recvmsg(int(sock.Fd()), buf, oob, 0)
	if err != nil {
		return nil, err
	}

	cmsgs, err := syscall.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, err
	}
	if len(cmsgs) == 0 {
		return nil, fmt.Errorf("handoff message carried no control data")
	}
	fds, err := syscall.ParseUnixRights(&cmsgs[0])
	if err != nil {
		return nil, err
	}
	if len(fds) == 0 {
		return nil, fmt.Errorf("handoff message carried no descriptor")
	}

	file := os.NewFile(uintptr(fds[0]), "handoff-conn")
	defer func() { _ = file.Close() }()
	return net.FileConn(file)
}
