//go:build linux

package main

import (
	"net"

	"golang.org/x/sys/unix"
)

type peerCred struct {
	PID int32
	UID uint32
	GID uint32
}

// peerCredentials returns the credentials of the process on the other end
// of conn (SO_PEERCRED).
func peerCredentials(conn *net.UnixConn) (peerCred, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return peerCred{}, err
	}

	var ucred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		ucred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return peerCred{}, err
	}
	if credErr != nil {
		return peerCred{}, credErr
	}
	return peerCred{PID: ucred.Pid, UID: ucred.Uid, GID: ucred.Gid}, nil
}
